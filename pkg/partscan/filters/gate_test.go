package filters

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type awaitResult struct {
	outcome Outcome
	err     error
}

func TestGate_AwaitAll(t *testing.T) {
	t.Run("Satisfied immediately with no expected filters", func(t *testing.T) {
		g := NewGate(nil)

		start := time.Now()
		outcome, err := g.AwaitAll(t.Context(), time.Hour)
		require.NoError(t, err)
		require.Equal(t, OutcomeSatisfied, outcome)
		require.Less(t, time.Since(start), time.Second)
		require.Equal(t, StateSatisfied, g.State())
	})

	t.Run("Satisfied when filters arrived before waiting", func(t *testing.T) {
		g := NewGate([]int{1, 2})
		require.True(t, g.MarkArrived(Filter{ID: 1, Column: "a"}))
		require.True(t, g.MarkArrived(Filter{ID: 2, Column: "b"}))

		outcome, err := g.AwaitAll(t.Context(), 0)
		require.NoError(t, err)
		require.Equal(t, OutcomeSatisfied, outcome)
	})

	t.Run("Satisfied in time proportional to arrival", func(t *testing.T) {
		g := NewGate([]int{7})

		go func() {
			time.Sleep(50 * time.Millisecond)
			g.MarkArrived(Filter{ID: 7, Column: "host"})
		}()

		start := time.Now()
		outcome, err := g.AwaitAll(t.Context(), 10*time.Second)
		elapsed := time.Since(start)

		require.NoError(t, err)
		require.Equal(t, OutcomeSatisfied, outcome)
		require.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
		require.Less(t, elapsed, 5*time.Second, "wait should end on arrival, not on timeout")
	})

	t.Run("Times out after configured duration", func(t *testing.T) {
		g := NewGate([]int{1})

		start := time.Now()
		outcome, err := g.AwaitAll(t.Context(), 100*time.Millisecond)
		elapsed := time.Since(start)

		require.NoError(t, err, "timing out is not an error")
		require.Equal(t, OutcomeTimedOut, outcome)
		require.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
		require.Less(t, elapsed, 2*time.Second)
		require.Equal(t, StateTimedOut, g.State())
	})

	t.Run("Zero timeout does not wait", func(t *testing.T) {
		g := NewGate([]int{1})

		outcome, err := g.AwaitAll(t.Context(), 0)
		require.NoError(t, err)
		require.Equal(t, OutcomeTimedOut, outcome)
	})

	t.Run("Second call is rejected", func(t *testing.T) {
		g := NewGate(nil)

		_, err := g.AwaitAll(t.Context(), time.Second)
		require.NoError(t, err)

		_, err = g.AwaitAll(t.Context(), time.Second)
		require.ErrorIs(t, err, ErrAlreadyIssued)
		require.Equal(t, StateSatisfied, g.State(), "rejected call must not change state")
	})

	t.Run("Concurrent calls admit exactly one waiter", func(t *testing.T) {
		g := NewGate(nil)

		var (
			wg       sync.WaitGroup
			mut      sync.Mutex
			rejected int
		)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := g.AwaitAll(context.Background(), time.Second); err != nil {
					assert.ErrorIs(t, err, ErrAlreadyIssued)
					mut.Lock()
					rejected++
					mut.Unlock()
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 7, rejected)
	})

	t.Run("Canceled context opens the gate", func(t *testing.T) {
		g := NewGate([]int{1})

		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		outcome, err := g.AwaitAll(ctx, time.Hour)
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, OutcomeTimedOut, outcome)
		require.True(t, g.State().Opened())
	})
}

func TestGate_AwaitAll_MockClock(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	clock := quartz.NewMock(t)
	trap := clock.Trap().NewTimer("filters", "AwaitAll")
	defer trap.Close()

	g := NewGate([]int{1, 2}, WithClock(clock))
	require.True(t, g.MarkArrived(Filter{ID: 1, Column: "a"}))

	results := make(chan awaitResult, 1)
	go func() {
		outcome, err := g.AwaitAll(ctx, 200*time.Millisecond)
		results <- awaitResult{outcome, err}
	}()

	call, err := trap.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, call.Release(ctx))
	require.Equal(t, StateWaiting, g.State())

	clock.Advance(199 * time.Millisecond).MustWait(ctx)
	select {
	case <-results:
		t.Fatal("gate opened before the timeout elapsed")
	default:
	}

	clock.Advance(time.Millisecond).MustWait(ctx)
	res := <-results
	require.NoError(t, res.err)
	require.Equal(t, OutcomeTimedOut, res.outcome)

	// Filters arriving after admission are kept for pruning but do not change
	// the outcome.
	require.True(t, g.MarkArrived(Filter{ID: 2, Column: "b"}))
	require.Equal(t, StateTimedOut, g.State())
	_, ok := g.Filter(2)
	require.True(t, ok)
}

func TestGate_MarkArrived(t *testing.T) {
	g := NewGate([]int{1, 1, 2})
	require.Equal(t, 2, g.Expected(), "duplicate IDs should collapse")

	require.True(t, g.MarkArrived(Filter{ID: 1, Column: "first"}))
	require.False(t, g.MarkArrived(Filter{ID: 1, Column: "second"}), "second delivery should be ignored")
	require.False(t, g.MarkArrived(Filter{ID: 99, Column: "unknown"}), "unexpected filter should be ignored")

	f, ok := g.Filter(1)
	require.True(t, ok)
	require.Equal(t, "first", f.Column, "first payload wins")

	_, ok = g.Filter(99)
	require.False(t, ok)

	require.True(t, g.MarkArrived(Filter{ID: 2, Column: "other"}))
	arrived := g.Arrived()
	require.Len(t, arrived, 2)
	require.Equal(t, 1, arrived[0].ID)
	require.Equal(t, 2, arrived[1].ID)
}

func TestGate_MarkArrived_Concurrent(t *testing.T) {
	ids := make([]int, 64)
	for i := range ids {
		ids[i] = i
	}
	g := NewGate(ids)

	var wg sync.WaitGroup
	for _, id := range ids {
		// Deliver every filter twice from different goroutines.
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				g.MarkArrived(Filter{ID: id, Column: "c"})
			}()
		}
	}
	wg.Wait()

	outcome, err := g.AwaitAll(t.Context(), 0)
	require.NoError(t, err)
	require.Equal(t, OutcomeSatisfied, outcome)
	require.Len(t, g.Arrived(), len(ids))
}

func TestGate_Set(t *testing.T) {
	g := NewGate([]int{1, 2})
	require.Empty(t, g.Columns())
	require.True(t, g.MayContain("host", "anything"), "no filters means everything passes")

	g.MarkArrived(NewFilter(1, "host", []any{"a", "b"}, 0.001))
	g.MarkArrived(NewFilter(2, "status", []any{200, 404}, 0.001))

	require.Equal(t, []string{"host", "status"}, g.Columns())
	require.True(t, g.MayContain("host", "a"))
	require.False(t, g.MayContain("host", "zzz-definitely-missing"))
	require.True(t, g.MayContain("status", float64(404)), "decoded JSON numbers must match integer filters")
	require.True(t, g.MayContain("unfiltered", "x"))
}

func TestState_String(t *testing.T) {
	require.Equal(t, "unopened", StateUnopened.String())
	require.Equal(t, "opened-timed-out", StateTimedOut.String())
	require.False(t, StateWaiting.Opened())
	require.True(t, StateSatisfied.Opened())
}
