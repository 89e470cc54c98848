package tokens

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/grafana/dskit/concurrency"
	"github.com/stretchr/testify/require"
)

func makeTokens(n int) []Token {
	toks := make([]Token, n)
	for i := range toks {
		toks[i] = Token(fmt.Sprintf("token-%04d", i))
	}
	return toks
}

func TestPool_TryTake(t *testing.T) {
	t.Run("Fails before open", func(t *testing.T) {
		p := New(makeTokens(3))

		_, ok, err := p.TryTake()
		require.ErrorIs(t, err, ErrNotOpen)
		require.False(t, ok)
		require.Equal(t, 0, p.Taken(), "rejected TryTake must not consume a token")
	})

	t.Run("Returns tokens in input order", func(t *testing.T) {
		toks := makeTokens(5)
		p := New(toks)
		require.NoError(t, p.Open())

		for i := range toks {
			tok, ok, err := p.TryTake()
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, toks[i], tok)
		}

		_, ok, err := p.TryTake()
		require.NoError(t, err)
		require.False(t, ok, "exhausted pool should report no token")
		require.Equal(t, 5, p.Taken())
	})

	t.Run("Empty pool", func(t *testing.T) {
		p := New(nil)
		require.NoError(t, p.Open())
		require.False(t, p.Remaining())

		_, ok, err := p.TryTake()
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("Input slice is copied", func(t *testing.T) {
		toks := makeTokens(2)
		p := New(toks)
		toks[0] = Token("mutated")
		require.NoError(t, p.Open())

		tok, ok, err := p.TryTake()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, Token("token-0000"), tok)
	})
}

func TestPool_Open(t *testing.T) {
	p := New(makeTokens(1))
	require.False(t, p.IsOpen())
	require.NoError(t, p.Open())
	require.True(t, p.IsOpen())
	require.ErrorIs(t, p.Open(), ErrAlreadyOpen)
}

func TestPool_Remaining(t *testing.T) {
	p := New(makeTokens(2))
	require.True(t, p.Remaining())
	require.NoError(t, p.Open())

	_, _, _ = p.TryTake()
	require.True(t, p.Remaining())
	_, _, _ = p.TryTake()
	require.False(t, p.Remaining())

	// Further calls past the end must not make Remaining flip back.
	_, _, _ = p.TryTake()
	require.False(t, p.Remaining())
	require.Equal(t, 2, p.Taken())
}

func TestPool_ConcurrentTake(t *testing.T) {
	const (
		numTokens  = 1000
		numWorkers = 32
	)

	toks := makeTokens(numTokens)
	p := New(toks)
	require.NoError(t, p.Open())

	var (
		mut  sync.Mutex
		seen = make(map[string]int, numTokens)
	)

	err := concurrency.ForEachJob(t.Context(), numWorkers, numWorkers, func(_ context.Context, _ int) error {
		var local []Token
		for {
			tok, ok, err := p.TryTake()
			if err != nil {
				return err
			} else if !ok {
				break
			}
			local = append(local, tok)
		}

		mut.Lock()
		defer mut.Unlock()
		for _, tok := range local {
			seen[string(tok)]++
		}
		return nil
	})
	require.NoError(t, err)

	require.Len(t, seen, numTokens, "every token must be handed out")
	for _, tok := range toks {
		require.Equal(t, 1, seen[string(tok)], "token %s handed out more than once", tok)
	}
	require.False(t, p.Remaining())
}

func TestToken_Fingerprint(t *testing.T) {
	a, b := Token("a"), Token("b")
	require.Equal(t, a.Fingerprint(), Token("a").Fingerprint())
	require.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	require.Len(t, a.Fingerprint(), 16)
}
