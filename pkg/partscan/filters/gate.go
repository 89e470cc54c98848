package filters

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ErrAlreadyIssued is returned by [Gate.AwaitAll] when the gate has already
// been waited on.
var ErrAlreadyIssued = errors.New("runtime filters already issued")

var tracer = otel.Tracer("pkg/partscan/filters")

// State is the admission state of a [Gate].
type State int

const (
	// StateUnopened reports that AwaitAll has not been called yet.
	StateUnopened State = iota

	// StateWaiting reports that AwaitAll is blocked waiting for filters.
	StateWaiting

	// StateSatisfied reports that the gate opened with every expected filter
	// present.
	StateSatisfied

	// StateTimedOut reports that the gate opened before every expected
	// filter arrived.
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateWaiting:
		return "waiting"
	case StateSatisfied:
		return "opened-satisfied"
	case StateTimedOut:
		return "opened-timed-out"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Opened reports whether s is a terminal state.
func (s State) Opened() bool { return s == StateSatisfied || s == StateTimedOut }

// Outcome is the result of [Gate.AwaitAll].
type Outcome int

const (
	// OutcomeSatisfied reports that all expected filters arrived in time.
	OutcomeSatisfied Outcome = iota

	// OutcomeTimedOut reports that the wait ended before all expected
	// filters arrived. Scanning proceeds with the filters available.
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSatisfied:
		return "satisfied"
	case OutcomeTimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("Outcome(%d)", o)
	}
}

// GateOption configures a [Gate].
type GateOption func(*Gate)

// WithLogger sets the logger used by the gate.
func WithLogger(logger log.Logger) GateOption {
	return func(g *Gate) { g.logger = logger }
}

// WithClock sets the clock used to time waits.
func WithClock(clock quartz.Clock) GateOption {
	return func(g *Gate) { g.clock = clock }
}

// Gate tracks a set of expected runtime filters and admits a scan once all of
// them arrived or a deadline passed, whichever comes first.
//
// Gate also implements [Set] over every filter that has arrived, including
// filters arriving after the gate opened.
type Gate struct {
	logger log.Logger
	clock  quartz.Clock

	mut      sync.RWMutex
	state    State
	expected map[int]struct{}
	arrived  map[int]Filter
	pending  int
	ready    chan struct{} // Closed once pending reaches zero.
}

var _ Set = (*Gate)(nil)

// NewGate creates a Gate waiting for the filters identified by expected.
// Duplicate IDs are collapsed.
func NewGate(expected []int, opts ...GateOption) *Gate {
	g := &Gate{
		logger:   log.NewNopLogger(),
		clock:    quartz.NewReal(),
		expected: make(map[int]struct{}, len(expected)),
		arrived:  make(map[int]Filter, len(expected)),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}

	for _, id := range expected {
		g.expected[id] = struct{}{}
	}
	g.pending = len(g.expected)
	if g.pending == 0 {
		close(g.ready)
	}
	return g
}

// MarkArrived delivers a filter to the gate. MarkArrived may be called from
// any goroutine. Only the first delivery for an expected ID is kept; later
// deliveries and filters that were never expected are ignored and
// MarkArrived returns false.
func (g *Gate) MarkArrived(f Filter) bool {
	g.mut.Lock()
	defer g.mut.Unlock()

	if _, ok := g.expected[f.ID]; !ok {
		level.Warn(g.logger).Log("msg", "ignoring unexpected runtime filter", "filter_id", f.ID, "column", f.Column)
		return false
	}
	if _, ok := g.arrived[f.ID]; ok {
		return false
	}

	g.arrived[f.ID] = f
	g.pending--
	if g.pending == 0 {
		close(g.ready)
	}

	if g.state.Opened() {
		level.Debug(g.logger).Log("msg", "runtime filter arrived after admission", "filter_id", f.ID, "state", g.state)
	}
	return true
}

// AwaitAll blocks until every expected filter arrived or timeout elapsed. A
// timeout is not an error: AwaitAll returns [OutcomeTimedOut] and the scan
// continues with whatever filters are present.
//
// AwaitAll may only be called once; further calls return [ErrAlreadyIssued].
// If ctx is canceled while waiting, the gate opens as timed out and the
// context error is returned.
func (g *Gate) AwaitAll(ctx context.Context, timeout time.Duration) (Outcome, error) {
	g.mut.Lock()
	if g.state != StateUnopened {
		state := g.state
		g.mut.Unlock()
		return OutcomeTimedOut, fmt.Errorf("%w: gate is %s", ErrAlreadyIssued, state)
	}
	g.state = StateWaiting
	g.mut.Unlock()

	ctx, span := tracer.Start(ctx, "filters.Gate.AwaitAll")
	defer span.End()

	start := g.clock.Now()
	err := g.wait(ctx, timeout)
	outcome := g.open()

	span.SetAttributes(
		attribute.String("outcome", outcome.String()),
		attribute.Int("filters.expected", len(g.expected)),
	)

	logger := log.With(g.logger, "outcome", outcome, "expected", len(g.expected), "duration", g.clock.Since(start))
	switch {
	case err != nil:
		level.Warn(logger).Log("msg", "runtime filter wait canceled", "err", err)
	case outcome == OutcomeTimedOut:
		level.Warn(logger).Log("msg", "runtime filters did not arrive in time; scanning without them", "arrived", g.numArrived(), "timeout", timeout)
	default:
		level.Debug(logger).Log("msg", "runtime filters arrived")
	}
	return outcome, err
}

func (g *Gate) wait(ctx context.Context, timeout time.Duration) error {
	// Fast path, also taken when nothing is expected.
	select {
	case <-g.ready:
		return nil
	default:
	}
	if timeout <= 0 {
		return nil
	}

	timer := g.clock.NewTimer(timeout, "filters", "AwaitAll")
	defer timer.Stop()

	select {
	case <-g.ready:
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// open moves the gate into its terminal state. A filter arriving concurrently
// with the timer counts if it took the lock first.
func (g *Gate) open() Outcome {
	g.mut.Lock()
	defer g.mut.Unlock()

	if g.pending == 0 {
		g.state = StateSatisfied
		return OutcomeSatisfied
	}
	g.state = StateTimedOut
	return OutcomeTimedOut
}

// State returns the current admission state.
func (g *Gate) State() State {
	g.mut.RLock()
	defer g.mut.RUnlock()
	return g.state
}

// Expected returns the number of distinct filters the gate waits for.
func (g *Gate) Expected() int { return len(g.expected) }

func (g *Gate) numArrived() int {
	g.mut.RLock()
	defer g.mut.RUnlock()
	return len(g.arrived)
}

// Filter returns the filter with the given ID if it arrived.
func (g *Gate) Filter(id int) (Filter, bool) {
	g.mut.RLock()
	defer g.mut.RUnlock()
	f, ok := g.arrived[id]
	return f, ok
}

// Arrived returns the filters that arrived so far, ordered by ID.
func (g *Gate) Arrived() []Filter {
	g.mut.RLock()
	defer g.mut.RUnlock()

	out := make([]Filter, 0, len(g.arrived))
	for _, f := range g.arrived {
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b Filter) int { return a.ID - b.ID })
	return out
}

// Columns implements [Set].
func (g *Gate) Columns() []string {
	g.mut.RLock()
	defer g.mut.RUnlock()

	var cols []string
	for _, f := range g.arrived {
		if !slices.Contains(cols, f.Column) {
			cols = append(cols, f.Column)
		}
	}
	slices.Sort(cols)
	return cols
}

// MayContain implements [Set]. Bloom filters are only read here, so tests
// from many scanner goroutines can share the read lock.
func (g *Gate) MayContain(column string, value any) bool {
	g.mut.RLock()
	defer g.mut.RUnlock()

	for _, f := range g.arrived {
		if f.Column == column && !f.MayContain(value) {
			return false
		}
	}
	return true
}
