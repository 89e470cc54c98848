// Package partscan coordinates parallel scans of partitioned remote tables.
//
// A [Coordinator] hands out scan tokens to scanner threads, holds back the
// start of the scan until its runtime filters arrived (or a deadline
// passed), and publishes the statistics reported by scanner threads exactly
// once when the scan is closed.
package partscan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/atomic"

	"github.com/grafana/partscan/pkg/partscan/counters"
	"github.com/grafana/partscan/pkg/partscan/filters"
	"github.com/grafana/partscan/pkg/partscan/remote"
	"github.com/grafana/partscan/pkg/partscan/tokens"
)

var tracer = otel.Tracer("pkg/partscan")

var (
	ErrAlreadyInitialized = errors.New("scan already initialized")
	ErrNotInitialized     = errors.New("scan not initialized")
	ErrAlreadyPrepared    = errors.New("scan already prepared")
	ErrNotPrepared        = errors.New("scan not prepared")
	ErrAlreadyOpened      = errors.New("scan already opened")
	ErrClosed             = errors.New("scan closed")

	// ErrFiltersIssued is returned when runtime filters are issued more than
	// once.
	ErrFiltersIssued = errors.New("runtime filters already issued")
)

// Node is a scan node of a query plan. The methods are called in lifecycle
// order Init, Prepare, Open, Close; TryTake, Report and the accessors are
// called concurrently by scanner threads once Open returned.
type Node interface {
	Init(cfg Config) error
	Prepare(ctx context.Context) error
	Open(ctx context.Context) error
	Close(ctx context.Context) error

	TryTake() (tokens.Token, bool, error)
	Remaining() bool
	Report(p counters.Partial)
	FinalizeOnce() counters.Snapshot

	Table() remote.Table
	Schema() *remote.Schema
	Filters() filters.Set
}

// Params holds the collaborators of a [Coordinator].
type Params struct {
	Logger log.Logger   // Logger for optional log messages.
	Clock  quartz.Clock // Clock for timing the scan; defaults to the real clock.

	// Handles is the process-wide registry of open tables. Required.
	Handles *remote.Handles

	// Tokens produces the tokens of the scan. Required.
	Tokens tokens.Source

	// SchemaCache caches resolved schemas. If nil, schemas are resolved on
	// every Prepare. The cache should be registered with Handles.OnClose.
	SchemaCache *remote.SchemaCache

	// Reporter receives the finalized statistics of the scan. Optional.
	Reporter counters.Reporter

	// Metrics shared by every coordinator of the process. Optional.
	Metrics *Metrics
}

func (p *Params) validate() error {
	if p.Handles == nil {
		return errors.New("handles are required")
	}
	if p.Tokens == nil {
		return errors.New("token source is required")
	}

	if p.Logger == nil {
		p.Logger = log.NewNopLogger()
	}
	if p.Clock == nil {
		p.Clock = quartz.NewReal()
	}
	return nil
}

// Coordinator implements [Node] over a remote table.
type Coordinator struct {
	params Params
	id     ulid.ULID
	logger log.Logger

	mut      sync.RWMutex
	cfg      Config
	inited   bool
	prepared bool
	opening  bool
	closed   bool
	table    remote.Table
	schema   *remote.Schema
	agg      *counters.Aggregator

	gate *filters.Gate               // Set by Prepare.
	pool atomic.Pointer[tokens.Pool] // Set by Open.

	filtersIssued atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

var _ Node = (*Coordinator)(nil)

// New creates a new Coordinator. New returns an error if params are invalid.
func New(params Params) (*Coordinator, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	id := ulid.Make()
	return &Coordinator{
		params: params,
		id:     id,
		logger: log.With(params.Logger, "scan_id", id),
	}, nil
}

// ID returns the unique ID of the scan.
func (c *Coordinator) ID() ulid.ULID { return c.id }

// Init validates and records the configuration of the scan.
func (c *Coordinator) Init(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid scan config: %w", err)
	}

	c.mut.Lock()
	defer c.mut.Unlock()

	if c.inited {
		return ErrAlreadyInitialized
	}
	c.cfg = cfg
	c.inited = true
	c.logger = log.With(c.logger, "table", cfg.Table)
	return nil
}

// Prepare acquires the table and resolves the scan schema. If Prepare
// fails, no token is ever issued and everything acquired is released.
func (c *Coordinator) Prepare(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "partscan.Coordinator.Prepare")
	defer span.End()

	c.mut.Lock()
	defer c.mut.Unlock()

	switch {
	case !c.inited:
		return ErrNotInitialized
	case c.closed:
		return ErrClosed
	case c.prepared:
		return ErrAlreadyPrepared
	}
	span.SetAttributes(attribute.String("table", c.cfg.Table))

	table, err := c.acquireTable(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		level.Error(c.logger).Log("msg", "failed to acquire table", "err", err)
		return err
	}
	defer func() {
		if err == nil {
			return
		}
		if releaseErr := c.params.Handles.Release(c.cfg.Table); releaseErr != nil {
			level.Warn(c.logger).Log("msg", "failed to release table after failed prepare", "err", releaseErr)
		}
	}()

	schema, err := c.resolveSchema(table)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		level.Error(c.logger).Log("msg", "failed to resolve schema", "err", err)
		return fmt.Errorf("resolving schema of table %s: %w", c.cfg.Table, err)
	}

	c.table = table
	c.schema = schema
	c.gate = filters.NewGate(c.cfg.ExpectedFilters,
		filters.WithLogger(c.logger),
		filters.WithClock(c.params.Clock),
	)
	c.agg = counters.NewAggregator(c.reporter(),
		counters.WithLogger(c.logger),
		counters.WithClock(c.params.Clock),
	)
	c.agg.Start()
	c.prepared = true

	if c.params.Metrics != nil {
		c.params.Metrics.scansActive.Inc()
	}
	level.Debug(c.logger).Log("msg", "prepared scan", "schema", schema.DebugString(), "expected_filters", c.gate.Expected())
	return nil
}

func (c *Coordinator) reporter() counters.Reporter {
	var reporters counters.MultiReporter
	if c.params.Reporter != nil {
		reporters = append(reporters, c.params.Reporter)
	}
	if c.params.Metrics != nil {
		reporters = append(reporters, c.params.Metrics.Stats.Reporter(c.cfg.Table))
	}
	return reporters
}

// acquireTable acquires the shared table handle, retrying transient
// failures. A missing table is not retried.
func (c *Coordinator) acquireTable(ctx context.Context) (remote.Table, error) {
	b := backoff.New(ctx, c.cfg.AcquireBackoff)

	var lastErr error
	for b.Ongoing() {
		table, err := c.params.Handles.Acquire(ctx, c.cfg.Table)
		if err == nil {
			return table, nil
		} else if errors.Is(err, remote.ErrTableNotFound) {
			return nil, err
		}

		lastErr = err
		level.Warn(c.logger).Log("msg", "failed to acquire table, retrying", "attempt", b.NumRetries()+1, "err", err)
		if c.params.Metrics != nil {
			c.params.Metrics.acquireRetries.Inc()
		}
		b.Wait()
	}

	if lastErr == nil {
		lastErr = b.Err()
	}
	return nil, fmt.Errorf("acquiring table %s after %d retries: %w", c.cfg.Table, b.NumRetries(), lastErr)
}

func (c *Coordinator) resolveSchema(table remote.Table) (*remote.Schema, error) {
	if c.params.SchemaCache != nil {
		return c.params.SchemaCache.Resolve(table, c.cfg.Columns)
	}
	return remote.ResolveSchema(table.Columns(), c.cfg.Columns)
}

// Open fetches the tokens of the scan, waits for runtime filters and then
// permits scanner threads to take tokens. No token is issued before the
// filter wait ended. Open returns [ErrClosed] if the scan was closed while
// waiting; the pool then stays closed.
func (c *Coordinator) Open(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "partscan.Coordinator.Open")
	defer span.End()

	c.mut.Lock()
	switch {
	case c.closed:
		c.mut.Unlock()
		return ErrClosed
	case !c.prepared:
		c.mut.Unlock()
		return ErrNotPrepared
	case c.opening:
		c.mut.Unlock()
		return ErrAlreadyOpened
	}
	c.opening = true
	c.mut.Unlock()

	toks, err := c.params.Tokens.Tokens(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("fetching scan tokens: %w", err)
	}
	pool := tokens.New(toks)
	c.pool.Store(pool)
	span.SetAttributes(attribute.Int("tokens", pool.Len()))

	if _, err := c.IssueRuntimeFilters(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	// Close may have run during the filter wait. The pool is opened under
	// the lock Close marks the scan closed with.
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.closed {
		span.SetStatus(codes.Error, ErrClosed.Error())
		return ErrClosed
	}
	if err := pool.Open(); err != nil {
		return err
	}
	level.Info(c.logger).Log("msg", "opened scan", "tokens", pool.Len(), "filters", c.filterStatus())
	return nil
}

// IssueRuntimeFilters waits for the expected runtime filters, bounded by the
// configured wait time. It may only be called once per scan; further calls
// return [ErrFiltersIssued]. With runtime filters disabled it returns
// immediately.
func (c *Coordinator) IssueRuntimeFilters(ctx context.Context) (filters.Outcome, error) {
	c.mut.RLock()
	gate, cfg := c.gate, c.cfg
	c.mut.RUnlock()

	if gate == nil {
		return filters.OutcomeTimedOut, ErrNotPrepared
	}
	if !c.filtersIssued.CompareAndSwap(false, true) {
		return filters.OutcomeTimedOut, ErrFiltersIssued
	}
	if !cfg.waitsForFilters() {
		level.Debug(c.logger).Log("msg", "runtime filters disabled")
		return filters.OutcomeSatisfied, nil
	}

	start := c.params.Clock.Now()
	outcome, err := gate.AwaitAll(ctx, cfg.RuntimeFilterWaitTime)
	if m := c.params.Metrics; m != nil {
		m.filterWaitsTotal.WithLabelValues(outcome.String()).Inc()
		m.filterWaitSeconds.Observe(c.params.Clock.Since(start).Seconds())
	}
	if err != nil {
		return outcome, fmt.Errorf("waiting for runtime filters: %w", err)
	}
	return outcome, nil
}

// MarkFilterArrived delivers a runtime filter to the scan. It returns false
// if the filter was not expected, was already delivered, or the scan is not
// prepared yet.
func (c *Coordinator) MarkFilterArrived(f filters.Filter) bool {
	c.mut.RLock()
	gate := c.gate
	c.mut.RUnlock()

	if gate == nil {
		level.Warn(c.logger).Log("msg", "runtime filter arrived before scan was prepared", "filter_id", f.ID)
		return false
	}
	return gate.MarkArrived(f)
}

// TryTake returns the next token to scan. ok is false once all tokens have
// been handed out. TryTake returns [tokens.ErrNotOpen] before Open
// succeeded.
func (c *Coordinator) TryTake() (tok tokens.Token, ok bool, err error) {
	pool := c.pool.Load()
	if pool == nil {
		return nil, false, tokens.ErrNotOpen
	}
	return pool.TryTake()
}

// Remaining reports whether tokens are left to take. The result is advisory.
func (c *Coordinator) Remaining() bool {
	pool := c.pool.Load()
	return pool != nil && pool.Remaining()
}

// Report merges statistics reported by a scanner thread.
func (c *Coordinator) Report(p counters.Partial) {
	if agg := c.aggregator(); agg != nil {
		agg.Report(p)
	}
}

// FinalizeOnce finalizes and publishes the scan statistics. Only the first
// call publishes; every call returns the same snapshot.
func (c *Coordinator) FinalizeOnce() counters.Snapshot {
	if agg := c.aggregator(); agg != nil {
		return agg.FinalizeOnce()
	}
	return counters.Snapshot{}
}

func (c *Coordinator) aggregator() *counters.Aggregator {
	c.mut.RLock()
	defer c.mut.RUnlock()
	return c.agg
}

// Table returns the table being scanned, or nil before Prepare.
func (c *Coordinator) Table() remote.Table {
	c.mut.RLock()
	defer c.mut.RUnlock()
	return c.table
}

// Schema returns the resolved schema, or nil before Prepare.
func (c *Coordinator) Schema() *remote.Schema {
	c.mut.RLock()
	defer c.mut.RUnlock()
	return c.schema
}

// Filters returns the runtime filters scanner threads use for pruning rows.
func (c *Coordinator) Filters() filters.Set {
	c.mut.RLock()
	defer c.mut.RUnlock()

	if c.gate == nil || !c.cfg.waitsForFilters() {
		return filters.EmptySet
	}
	return c.gate
}

// filterStatus describes the runtime filter admission of the scan. The
// caller must hold c.mut.
func (c *Coordinator) filterStatus() string {
	switch {
	case !c.cfg.waitsForFilters():
		return "disabled"
	case c.gate == nil:
		return filters.StateUnopened.String()
	default:
		return c.gate.State().String()
	}
}

// Close finalizes the scan statistics and releases the table. Close may be
// called any number of times from any goroutine, including after a failed
// Prepare; only the first call has an effect and every call returns its
// result.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.close(ctx)
	})
	return c.closeErr
}

func (c *Coordinator) close(ctx context.Context) error {
	_, span := tracer.Start(ctx, "partscan.Coordinator.Close")
	defer span.End()

	c.mut.Lock()
	c.closed = true
	prepared, table := c.prepared, c.cfg.Table
	c.mut.Unlock()

	if !prepared {
		return nil
	}

	snapshot := c.FinalizeOnce()
	if c.params.Metrics != nil {
		c.params.Metrics.scansActive.Dec()
	}

	level.Info(c.logger).Log(
		"msg", "closed scan",
		"tokens", snapshot.Get(counters.StatTokensScanned),
		"rows_read", snapshot.Get(counters.StatRowsRead),
		"rows_filtered", snapshot.Get(counters.StatRowsFiltered),
		"round_trips", snapshot.Get(counters.StatRoundTrips),
	)

	if err := c.params.Handles.Release(table); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("releasing table %s: %w", table, err)
	}
	return nil
}

// String returns a description of the scan for debugging.
func (c *Coordinator) String() string {
	c.mut.RLock()
	defer c.mut.RUnlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "partscan(scan_id=%s table=%s", c.id, c.cfg.Table)
	if pool := c.pool.Load(); pool != nil {
		fmt.Fprintf(&sb, " tokens=%d/%d", pool.Taken(), pool.Len())
	}
	if c.gate != nil {
		fmt.Fprintf(&sb, " filters=%s mode=%s", c.filterStatus(), c.cfg.RuntimeFilterMode)
	}
	if c.schema != nil {
		fmt.Fprintf(&sb, " schema=%s", c.schema.DebugString())
	}
	sb.WriteString(")")
	return sb.String()
}
