package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/grafana/partscan/pkg/partscan/counters"
	"github.com/grafana/partscan/pkg/partscan/filters"
	"github.com/grafana/partscan/pkg/partscan/remote"
	"github.com/grafana/partscan/pkg/partscan/tokens"
)

type threadState int

const (
	// threadStateIdle reports that a thread is not running.
	threadStateIdle threadState = iota

	// threadStateReady reports that a thread is taking its next token.
	threadStateReady

	// threadStateBusy reports that a thread is currently scanning a token.
	threadStateBusy
)

func (s threadState) String() string {
	switch s {
	case threadStateIdle:
		return "idle"
	case threadStateReady:
		return "ready"
	case threadStateBusy:
		return "busy"
	default:
		return fmt.Sprintf("threadState(%d)", s)
	}
}

// thread represents a scanner thread that scans one token at a time.
type thread struct {
	ID        int
	BatchSize int
	Node      Node
	Sink      Sink
	Sessions  *semaphore.Weighted
	Clock     quartz.Clock
	Logger    log.Logger

	stateMut sync.RWMutex
	state    threadState
}

// State returns the current state of the thread.
func (t *thread) State() threadState {
	t.stateMut.RLock()
	defer t.stateMut.RUnlock()
	return t.state
}

func (t *thread) setState(state threadState) {
	t.stateMut.Lock()
	defer t.stateMut.Unlock()
	t.state = state
}

// Run takes and scans tokens until none are left or an error occurs.
func (t *thread) Run(ctx context.Context) error {
	defer t.setState(threadStateIdle)

	for {
		t.setState(threadStateReady)
		if err := ctx.Err(); err != nil {
			return err
		}

		tok, ok, err := t.Node.TryTake()
		if err != nil {
			return err
		} else if !ok {
			level.Debug(t.Logger).Log("msg", "no tokens left")
			return nil
		}

		t.setState(threadStateBusy)
		if err := t.scanToken(ctx, tok); err != nil {
			return pkgerrors.Wrapf(err, "scanning token %s", tok.Fingerprint())
		}
	}
}

func (t *thread) scanToken(ctx context.Context, tok tokens.Token) (err error) {
	logger := log.With(t.Logger, "token", tok.Fingerprint())
	start := t.Clock.Now()

	if err := t.Sessions.Acquire(ctx, 1); err != nil {
		return err
	}
	defer t.Sessions.Release(1)

	table := t.Node.Table()
	if table == nil {
		return errors.New("scan node has no table")
	}
	sess, err := table.Open(ctx, tok)
	if err != nil {
		return pkgerrors.Wrap(err, "opening session")
	}
	defer func() {
		if closeErr := sess.Close(); closeErr != nil {
			errs := multierror.New(err)
			errs.Add(pkgerrors.Wrap(closeErr, "closing session"))
			err = errs.Err()
		}
	}()

	var (
		schema  = t.Node.Schema()
		filter  = t.Node.Filters()
		columns = filter.Columns() // Filters arriving mid-token apply to the next one.

		read, filtered int64
	)

	// Statistics are reported even if the token fails part way.
	defer func() {
		stats := sess.Stats()
		elapsed := t.Clock.Since(start)

		p := counters.Partial{
			counters.StatTokensScanned.Observe(1),
			counters.StatRowsRead.Observe(read),
			counters.StatRowsFiltered.Observe(filtered),
			counters.StatBytesRead.Observe(stats.BytesRead),
			counters.StatRoundTrips.Observe(stats.RoundTrips),
			counters.StatActiveDuration.ObserveDuration(elapsed),
			counters.StatMaxTokenDuration.ObserveDuration(elapsed),
		}
		if stats.Remote {
			p = append(p, counters.StatRemoteTokens.Observe(1))
		}
		t.Node.Report(p)

		level.Debug(logger).Log("msg", "scanned token", "rows_read", read, "rows_filtered", filtered, "duration", elapsed)
	}()

	for {
		rows, err := sess.Next(ctx, t.BatchSize)
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return pkgerrors.Wrap(err, "reading session")
		}
		read += int64(len(rows))

		out := make([]remote.Row, 0, len(rows))
		for _, row := range rows {
			if !passes(filter, columns, row) {
				filtered++
				continue
			}
			if schema != nil {
				row = schema.Project(row)
			}
			out = append(out, row)
		}

		if len(out) == 0 {
			continue
		}
		if err := t.Sink.Send(ctx, out); err != nil {
			return pkgerrors.Wrap(err, "sending rows")
		}
	}
}

// passes reports whether row passes every runtime filter. Rows without a
// value for a filtered column are kept.
func passes(set filters.Set, columns []string, row remote.Row) bool {
	for _, col := range columns {
		v, ok := row[col]
		if !ok {
			continue
		}
		if !set.MayContain(col, v) {
			return false
		}
	}
	return true
}
