// Package scanner runs scanner threads draining the tokens of a scan.
package scanner

import (
	"context"
	"errors"
	"flag"
	"sync"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/concurrency"
	"golang.org/x/sync/semaphore"

	"github.com/grafana/partscan/pkg/partscan/counters"
	"github.com/grafana/partscan/pkg/partscan/filters"
	"github.com/grafana/partscan/pkg/partscan/remote"
	"github.com/grafana/partscan/pkg/partscan/tokens"
)

// Node is the part of a scan node used by scanner threads.
type Node interface {
	TryTake() (tokens.Token, bool, error)
	Table() remote.Table
	Schema() *remote.Schema
	Filters() filters.Set
	Report(p counters.Partial)
}

// Sink receives the rows produced by scanner threads. Send is called
// concurrently from every thread.
type Sink interface {
	Send(ctx context.Context, rows []remote.Row) error
}

// SinkFunc adapts a function to a [Sink].
type SinkFunc func(ctx context.Context, rows []remote.Row) error

// Send implements [Sink].
func (f SinkFunc) Send(ctx context.Context, rows []remote.Row) error { return f(ctx, rows) }

// Collector is a [Sink] keeping every row in memory.
type Collector struct {
	mut  sync.Mutex
	rows []remote.Row
}

// Send implements [Sink].
func (c *Collector) Send(_ context.Context, rows []remote.Row) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.rows = append(c.rows, rows...)
	return nil
}

// Rows returns the rows collected so far.
func (c *Collector) Rows() []remote.Row {
	c.mut.Lock()
	defer c.mut.Unlock()
	return append([]remote.Row(nil), c.rows...)
}

// Config configures a [Pool].
type Config struct {
	// Threads is the number of scanner threads.
	Threads int `yaml:"threads"`

	// BatchSize is the maximum number of rows read from a session at once.
	BatchSize int `yaml:"batch_size"`

	// MaxSessions bounds the number of sessions open at the same time
	// across all threads. 0 means one session per thread.
	MaxSessions int `yaml:"max_sessions"`
}

// RegisterFlags registers flags for the scanner pool.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("scanner.", f)
}

// RegisterFlagsWithPrefix registers flags with the given prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.Threads, prefix+"threads", 4, "Number of scanner threads.")
	f.IntVar(&cfg.BatchSize, prefix+"batch-size", 1024, "Maximum number of rows read from a remote session at once.")
	f.IntVar(&cfg.MaxSessions, prefix+"max-sessions", 0, "Maximum number of remote sessions open at the same time. 0 to allow one per thread.")
}

// Validate returns an error if the config is invalid.
func (cfg *Config) Validate() error {
	if cfg.Threads <= 0 {
		return errors.New("threads must be greater than 0")
	}
	if cfg.BatchSize <= 0 {
		return errors.New("batch_size must be greater than 0")
	}
	if cfg.MaxSessions < 0 {
		return errors.New("max_sessions must not be negative")
	}
	return nil
}

// Pool runs a fixed number of scanner threads over a scan node.
type Pool struct {
	cfg     Config
	logger  log.Logger
	threads []*thread
}

// NewPool creates a pool scanning node and sending rows to sink. NewPool
// returns an error if cfg is invalid.
func NewPool(cfg Config, node Node, sink Sink, logger log.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	maxSessions := cfg.MaxSessions
	if maxSessions == 0 {
		maxSessions = cfg.Threads
	}
	sessions := semaphore.NewWeighted(int64(maxSessions))

	p := &Pool{cfg: cfg, logger: logger}
	for i := range cfg.Threads {
		p.threads = append(p.threads, &thread{
			ID:        i,
			BatchSize: cfg.BatchSize,
			Node:      node,
			Sink:      sink,
			Sessions:  sessions,
			Clock:     quartz.NewReal(),
			Logger:    log.With(logger, "thread", i),
		})
	}
	return p, nil
}

// Run runs every thread until all tokens have been scanned. The first thread
// error cancels the other threads and is returned.
func (p *Pool) Run(ctx context.Context) error {
	level.Debug(p.logger).Log("msg", "starting scanner threads", "threads", len(p.threads))

	err := concurrency.ForEachJob(ctx, len(p.threads), len(p.threads), func(ctx context.Context, idx int) error {
		return p.threads[idx].Run(ctx)
	})
	if err != nil {
		level.Warn(p.logger).Log("msg", "scan failed", "err", err)
	}
	return err
}

// Busy returns the number of threads currently scanning a token.
func (p *Pool) Busy() int {
	var n int
	for _, t := range p.threads {
		if t.State() == threadStateBusy {
			n++
		}
	}
	return n
}
