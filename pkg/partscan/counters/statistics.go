package counters

import (
	"fmt"
	"time"
)

// AggregationType describes how observations of a [Statistic] from different
// scanner threads are combined.
type AggregationType int

const (
	// AggregationTypeSum adds observations together.
	AggregationTypeSum AggregationType = iota

	// AggregationTypeMax keeps the largest observation.
	AggregationTypeMax

	// AggregationTypeMin keeps the smallest observation.
	AggregationTypeMin
)

func (a AggregationType) String() string {
	switch a {
	case AggregationTypeSum:
		return "sum"
	case AggregationTypeMax:
		return "max"
	case AggregationTypeMin:
		return "min"
	default:
		return fmt.Sprintf("AggregationType(%d)", a)
	}
}

// Statistic is a named counter of a scan. Statistics with the same name must
// use the same aggregation.
type Statistic struct {
	Name        string
	Aggregation AggregationType
}

// NewStatistic creates a new Statistic.
func NewStatistic(name string, aggregation AggregationType) Statistic {
	return Statistic{Name: name, Aggregation: aggregation}
}

// Observe records a value for s.
func (s Statistic) Observe(v int64) Observation {
	return Observation{Statistic: s, Value: v}
}

// ObserveDuration records a duration for s in nanoseconds.
func (s Statistic) ObserveDuration(d time.Duration) Observation {
	return s.Observe(int64(d))
}

// merge combines an existing aggregate with a new observation.
func (s Statistic) merge(cur, v int64) int64 {
	switch s.Aggregation {
	case AggregationTypeMax:
		return max(cur, v)
	case AggregationTypeMin:
		return min(cur, v)
	default:
		return cur + v
	}
}

// Observation is a single value recorded for a Statistic.
type Observation struct {
	Statistic Statistic
	Value     int64
}

// Partial is the set of observations reported by a scanner thread, typically
// once per scanned token.
type Partial []Observation

// Scan statistics reported by scanner threads.
var (
	// StatRoundTrips counts requests made to the remote table.
	StatRoundTrips = NewStatistic("remote.round_trips", AggregationTypeSum)

	// StatRemoteTokens counts tokens whose data was not local to the
	// scanning host.
	StatRemoteTokens = NewStatistic("remote.tokens", AggregationTypeSum)

	// StatActiveDuration is the total time scanner threads spent scanning.
	StatActiveDuration = NewStatistic("scan.active.duration.ns", AggregationTypeSum)

	StatTokensScanned = NewStatistic("scan.tokens", AggregationTypeSum)
	StatRowsRead      = NewStatistic("scan.rows.read", AggregationTypeSum)
	StatRowsFiltered  = NewStatistic("scan.rows.filtered", AggregationTypeSum)
	StatBytesRead     = NewStatistic("scan.bytes.read", AggregationTypeSum)

	// StatMaxTokenDuration is the longest time spent scanning one token.
	StatMaxTokenDuration = NewStatistic("scan.token.max.duration.ns", AggregationTypeMax)
)

// StatNodeElapsed is computed by the [Aggregator] when it is finalized: the
// time between [Aggregator.Start] and [Aggregator.FinalizeOnce].
var StatNodeElapsed = NewStatistic("node.elapsed.duration.ns", AggregationTypeMax)
