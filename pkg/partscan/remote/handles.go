package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// ErrNotAcquired is returned by [Handles.Release] for a table without
// outstanding references.
var ErrNotAcquired = errors.New("table handle not acquired")

type handle struct {
	table Table
	refs  int
}

// Handles is a reference-counted registry of open tables shared by every scan
// of a process. The underlying table is opened on first acquisition and
// closed when its last reference is released.
type Handles struct {
	client Client
	logger log.Logger

	mut     sync.Mutex
	handles map[string]*handle
	onClose []func(name string)
}

// NewHandles returns a registry opening tables with client.
func NewHandles(client Client, logger log.Logger) *Handles {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Handles{
		client:  client,
		logger:  logger,
		handles: make(map[string]*handle),
	}
}

// Acquire returns a reference to the table called name, opening it if no
// other scan holds it. Every successful Acquire must be paired with exactly
// one call to Release.
func (h *Handles) Acquire(ctx context.Context, name string) (Table, error) {
	h.mut.Lock()
	if e, ok := h.handles[name]; ok {
		e.refs++
		h.mut.Unlock()
		return e.table, nil
	}
	h.mut.Unlock()

	// Open outside the lock; acquisitions of other tables must not wait for
	// a slow remote.
	table, err := h.client.OpenTable(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("opening table %s: %w", name, err)
	}

	h.mut.Lock()
	defer h.mut.Unlock()

	if e, ok := h.handles[name]; ok {
		// Lost a race with another Acquire; keep the existing handle.
		e.refs++
		if err := table.Close(); err != nil {
			level.Warn(h.logger).Log("msg", "failed to close duplicate table handle", "table", name, "err", err)
		}
		return e.table, nil
	}

	h.handles[name] = &handle{table: table, refs: 1}
	level.Debug(h.logger).Log("msg", "opened table handle", "table", name)
	return table, nil
}

// OnClose registers fn to be called with the name of a table whenever its
// last reference is released. fn runs before any later Acquire of the same
// table returns.
func (h *Handles) OnClose(fn func(name string)) {
	h.mut.Lock()
	defer h.mut.Unlock()
	h.onClose = append(h.onClose, fn)
}

// Release drops a reference to the table called name, closing it if it was
// the last one.
func (h *Handles) Release(name string) error {
	h.mut.Lock()
	defer h.mut.Unlock()

	e, ok := h.handles[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAcquired, name)
	}

	e.refs--
	if e.refs > 0 {
		return nil
	}

	delete(h.handles, name)
	for _, fn := range h.onClose {
		fn(name)
	}
	level.Debug(h.logger).Log("msg", "closing table handle", "table", name)
	return e.table.Close()
}

// Refs returns the number of outstanding references to the table called name.
func (h *Handles) Refs(name string) int {
	h.mut.Lock()
	defer h.mut.Unlock()

	if e, ok := h.handles[name]; ok {
		return e.refs
	}
	return 0
}
