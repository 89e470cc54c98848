package counters

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestAggregator_FinalizeOnce(t *testing.T) {
	t.Run("Concurrent callers publish once", func(t *testing.T) {
		profile := NewProfile()
		agg := NewAggregator(profile)
		agg.Start()
		agg.Report(Partial{StatRowsRead.Observe(10), StatRoundTrips.Observe(1)})
		agg.Report(Partial{StatRowsRead.Observe(5), StatRoundTrips.Observe(2)})

		const callers = 16
		snapshots := make([]Snapshot, callers)

		var wg sync.WaitGroup
		for i := range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				snapshots[i] = agg.FinalizeOnce()
			}()
		}
		wg.Wait()

		require.Equal(t, 1, profile.Published())
		for _, s := range snapshots {
			require.Equal(t, snapshots[0].Values(), s.Values())
		}
		require.Equal(t, int64(15), profile.Get(StatRowsRead))
		require.Equal(t, int64(3), profile.Get(StatRoundTrips))
	})

	t.Run("Repeated calls return the same snapshot", func(t *testing.T) {
		profile := NewProfile()
		agg := NewAggregator(profile)
		agg.Report(Partial{StatTokensScanned.Observe(1)})

		first := agg.FinalizeOnce()
		second := agg.FinalizeOnce()
		require.Equal(t, first.Values(), second.Values())
		require.Equal(t, 1, profile.Published())
		require.True(t, agg.Finalized())
	})

	t.Run("Reports after finalization are dropped", func(t *testing.T) {
		profile := NewProfile()
		agg := NewAggregator(profile)
		agg.Report(Partial{StatRowsRead.Observe(1)})
		agg.FinalizeOnce()

		agg.Report(Partial{StatRowsRead.Observe(100)})
		require.Equal(t, 1, agg.Dropped())
		require.Equal(t, int64(1), agg.FinalizeOnce().Get(StatRowsRead))
		require.Equal(t, int64(1), profile.Get(StatRowsRead))
	})

	t.Run("Nil reporter", func(t *testing.T) {
		agg := NewAggregator(nil)
		agg.Report(Partial{StatBytesRead.Observe(42)})
		require.Equal(t, int64(42), agg.FinalizeOnce().Get(StatBytesRead))
	})
}

func TestAggregator_Commutative(t *testing.T) {
	a := Partial{StatRowsRead.Observe(3), StatMaxTokenDuration.Observe(7)}
	b := Partial{StatRowsRead.Observe(4), StatMaxTokenDuration.Observe(2)}
	c := Partial{StatRowsRead.Observe(5), StatMaxTokenDuration.Observe(9), StatBytesRead.Observe(1)}

	first := NewAggregator(nil)
	first.Report(append(append(Partial{}, a...), b...))
	first.Report(c)

	second := NewAggregator(nil)
	second.Report(c)
	second.Report(a)
	second.Report(b)

	require.Equal(t, first.FinalizeOnce().Values(), second.FinalizeOnce().Values())
	require.Equal(t, map[string]int64{
		StatRowsRead.Name:         12,
		StatMaxTokenDuration.Name: 9,
		StatBytesRead.Name:        1,
	}, first.FinalizeOnce().Values())
}

func TestAggregator_Aggregations(t *testing.T) {
	smallest := NewStatistic("test.min", AggregationTypeMin)

	agg := NewAggregator(nil)
	agg.Report(Partial{smallest.Observe(5), StatMaxTokenDuration.Observe(5)})
	agg.Report(Partial{smallest.Observe(-2), StatMaxTokenDuration.Observe(11)})
	agg.Report(Partial{smallest.Observe(3), StatMaxTokenDuration.Observe(1)})

	snap := agg.FinalizeOnce()
	require.Equal(t, int64(-2), snap.Get(smallest))
	require.Equal(t, int64(11), snap.Get(StatMaxTokenDuration))
	require.Equal(t, []string{StatMaxTokenDuration.Name, "test.min"}, snap.Names())
}

func TestAggregator_Elapsed(t *testing.T) {
	clock := quartz.NewMock(t)
	agg := NewAggregator(nil, WithClock(clock))

	agg.Start()
	clock.Advance(3 * time.Second)
	agg.Start() // Does not reset the start time.
	clock.Advance(2 * time.Second)

	snap := agg.FinalizeOnce()
	require.Equal(t, int64(5*time.Second), snap.Get(StatNodeElapsed))

	clock.Advance(time.Minute)
	require.Equal(t, int64(5*time.Second), agg.FinalizeOnce().Get(StatNodeElapsed))
}

func TestAggregator_ElapsedWithoutStart(t *testing.T) {
	snap := NewAggregator(nil).FinalizeOnce()
	_, ok := snap.Lookup(StatNodeElapsed.Name)
	require.False(t, ok)
}

func TestMultiReporter(t *testing.T) {
	a, b := NewProfile(), NewProfile()
	agg := NewAggregator(MultiReporter{a, nil, b})
	agg.Report(Partial{StatTokensScanned.Observe(2)})
	agg.FinalizeOnce()

	require.Equal(t, a.Values(), b.Values())
	require.Equal(t, 1, a.Published())
	require.Equal(t, 1, b.Published())
}

func TestPrometheusMetrics(t *testing.T) {
	m := NewPrometheusMetrics()

	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	defer m.Unregister(reg)

	for range 2 {
		agg := NewAggregator(m.Reporter("logs"))
		agg.Report(Partial{StatRoundTrips.Observe(3), StatRowsRead.Observe(100), StatRowsFiltered.Observe(40)})
		agg.FinalizeOnce()
		agg.FinalizeOnce()
	}

	expected := `
# HELP partscan_remote_round_trips_total Total number of requests made to remote tables
# TYPE partscan_remote_round_trips_total counter
partscan_remote_round_trips_total{table="logs"} 6
# HELP partscan_rows_filtered_total Total number of rows dropped by runtime filters
# TYPE partscan_rows_filtered_total counter
partscan_rows_filtered_total{table="logs"} 80
# HELP partscan_rows_read_total Total number of rows read from remote tables
# TYPE partscan_rows_read_total counter
partscan_rows_read_total{table="logs"} 200
# HELP partscan_scans_finalized_total Total number of scans whose statistics were finalized
# TYPE partscan_scans_finalized_total counter
partscan_scans_finalized_total{table="logs"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"partscan_remote_round_trips_total",
		"partscan_rows_filtered_total",
		"partscan_rows_read_total",
		"partscan_scans_finalized_total",
	))
}
