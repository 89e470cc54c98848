// Package counters aggregates statistics reported by scanner threads and
// publishes them exactly once when the scan finishes.
package counters

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Snapshot is an immutable set of finalized statistic values.
type Snapshot struct {
	values map[string]int64
}

// Get returns the finalized value of s, or 0 if s was never observed.
func (s Snapshot) Get(stat Statistic) int64 { return s.values[stat.Name] }

// Lookup returns the finalized value for the statistic called name.
func (s Snapshot) Lookup(name string) (int64, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Names returns the sorted names of all observed statistics.
func (s Snapshot) Names() []string {
	return slices.Sorted(maps.Keys(s.values))
}

// Values returns a copy of all finalized values keyed by statistic name.
func (s Snapshot) Values() map[string]int64 {
	return maps.Clone(s.values)
}

// Option configures an [Aggregator].
type Option func(*Aggregator)

// WithClock sets the clock used to measure the node's elapsed time.
func WithClock(clock quartz.Clock) Option {
	return func(a *Aggregator) { a.clock = clock }
}

// WithLogger sets the logger of the aggregator.
func WithLogger(logger log.Logger) Option {
	return func(a *Aggregator) { a.logger = logger }
}

// Aggregator accumulates partial statistics from scanner threads.
//
// Report and FinalizeOnce are serialized by a mutex. Only the first call to
// FinalizeOnce publishes to the [Reporter]; every call returns the same
// snapshot. Callers must ensure all Report calls they care about have
// returned before finalizing; reports arriving afterwards are dropped.
type Aggregator struct {
	reporter Reporter
	clock    quartz.Clock
	logger   log.Logger

	mut       sync.Mutex
	startTime time.Time
	values    map[string]int64 // Keyed by statistic name.
	finalized bool
	final     Snapshot
	dropped   int
}

// NewAggregator creates an Aggregator publishing to reporter. reporter may be
// nil, in which case the finalized snapshot is only returned to callers.
func NewAggregator(reporter Reporter, opts ...Option) *Aggregator {
	a := &Aggregator{
		reporter: reporter,
		clock:    quartz.NewReal(),
		logger:   log.NewNopLogger(),
		values:   make(map[string]int64),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start marks the beginning of the active scan period. Calling Start more
// than once has no effect.
func (a *Aggregator) Start() {
	a.mut.Lock()
	defer a.mut.Unlock()

	if a.startTime.IsZero() && !a.finalized {
		a.startTime = a.clock.Now()
	}
}

// Report merges a partial set of observations.
func (a *Aggregator) Report(p Partial) {
	a.mut.Lock()
	defer a.mut.Unlock()

	if a.finalized {
		a.dropped++
		level.Debug(a.logger).Log("msg", "dropping statistics reported after finalization", "observations", len(p))
		return
	}

	for _, obs := range p {
		cur, seen := a.values[obs.Statistic.Name]
		if !seen {
			a.values[obs.Statistic.Name] = obs.Value
			continue
		}
		a.values[obs.Statistic.Name] = obs.Statistic.merge(cur, obs.Value)
	}
}

// FinalizeOnce stops the active period, merges all reported statistics and
// publishes them. It is safe to call concurrently and repeatedly; only the
// first call has an effect. FinalizeOnce never fails.
func (a *Aggregator) FinalizeOnce() Snapshot {
	a.mut.Lock()
	defer a.mut.Unlock()

	if a.finalized {
		return a.final
	}

	values := maps.Clone(a.values)
	if !a.startTime.IsZero() {
		values[StatNodeElapsed.Name] = int64(a.clock.Since(a.startTime))
	}

	a.final = Snapshot{values: values}
	a.finalized = true

	// Publish while holding the lock so concurrent callers only return once
	// the snapshot is visible to the reporter.
	if a.reporter != nil {
		a.reporter.Publish(a.final)
	}
	return a.final
}

// Finalized reports whether FinalizeOnce has been called.
func (a *Aggregator) Finalized() bool {
	a.mut.Lock()
	defer a.mut.Unlock()
	return a.finalized
}

// Dropped returns the number of reports received after finalization.
func (a *Aggregator) Dropped() int {
	a.mut.Lock()
	defer a.mut.Unlock()
	return a.dropped
}
