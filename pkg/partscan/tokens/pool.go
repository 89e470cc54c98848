// Package tokens distributes scan tokens to scanner threads.
//
// A [Pool] is populated once with the full, ordered set of tokens for a scan
// and then drained by any number of goroutines calling [Pool.TryTake]. Each
// token is handed out to exactly one caller, in input order.
package tokens

import (
	"context"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/atomic"
)

var (
	// ErrNotOpen is returned by [Pool.TryTake] when the pool has not been
	// opened for consumption yet.
	ErrNotOpen = errors.New("token pool is not open")

	// ErrAlreadyOpen is returned when [Pool.Open] is called more than once.
	ErrAlreadyOpen = errors.New("token pool is already open")
)

// Token is an opaque descriptor of one partition's worth of data to scan. The
// byte layout is owned by whoever produced the token.
type Token []byte

// Fingerprint returns a hash of the token suitable for logging.
func (t Token) Fingerprint() string {
	return fmt.Sprintf("%016x", xxhash.Sum64(t))
}

// Source produces the ordered set of tokens for a scan. Tokens is called once,
// before any token is consumed.
type Source interface {
	Tokens(ctx context.Context) ([]Token, error)
}

// SourceFunc adapts a function to a [Source].
type SourceFunc func(ctx context.Context) ([]Token, error)

// Tokens implements [Source].
func (f SourceFunc) Tokens(ctx context.Context) ([]Token, error) { return f(ctx) }

// StaticSource is a [Source] returning a fixed set of tokens.
type StaticSource []Token

// Tokens implements [Source].
func (s StaticSource) Tokens(_ context.Context) ([]Token, error) { return s, nil }

// Pool hands out tokens from an immutable sequence. The cursor is the only
// mutable state and is advanced with an atomic increment, so TryTake never
// blocks.
type Pool struct {
	tokens []Token

	open atomic.Bool
	next atomic.Int64 // Next index in tokens to be assigned.
}

// New creates a Pool over a copy of toks. The returned Pool must be opened
// with [Pool.Open] before tokens can be taken.
func New(toks []Token) *Pool {
	return &Pool{tokens: append([]Token(nil), toks...)}
}

// Open permits consumption of tokens. Open returns [ErrAlreadyOpen] if the
// pool was already opened.
func (p *Pool) Open() error {
	if !p.open.CompareAndSwap(false, true) {
		return ErrAlreadyOpen
	}
	return nil
}

// IsOpen reports whether the pool permits consumption.
func (p *Pool) IsOpen() bool { return p.open.Load() }

// TryTake returns the next unassigned token. ok is false once every token has
// been handed out; this is the normal end of the scan and not an error.
//
// TryTake returns [ErrNotOpen] without consuming a token if the pool has not
// been opened.
func (p *Pool) TryTake() (tok Token, ok bool, err error) {
	if !p.open.Load() {
		return nil, false, ErrNotOpen
	}

	// Inc returns the incremented value, so the slot we own is one less. Once
	// the cursor passes the end it keeps growing harmlessly; those callers
	// simply see ok == false.
	idx := p.next.Inc() - 1
	if idx >= int64(len(p.tokens)) {
		return nil, false, nil
	}
	return p.tokens[idx], true, nil
}

// Remaining reports whether a subsequent call to TryTake would return a token
// at the time of the check. Under concurrency the result is advisory only.
func (p *Pool) Remaining() bool {
	return p.next.Load() < int64(len(p.tokens))
}

// Len returns the total number of tokens in the pool.
func (p *Pool) Len() int { return len(p.tokens) }

// Taken returns the number of tokens handed out so far.
func (p *Pool) Taken() int {
	return int(min(p.next.Load(), int64(len(p.tokens))))
}
