package scope

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closer struct {
	name  string
	log   *[]string
	mu    *sync.Mutex
	err   error
	count atomic.Int32
}

func (c *closer) Close() error {
	c.count.Add(1)
	c.mu.Lock()
	*c.log = append(*c.log, c.name)
	c.mu.Unlock()
	return c.err
}

func newProvider() *Provider {
	return NewProvider(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGetBuildsOncePerScope(t *testing.T) {
	p := newProvider()
	var builds atomic.Int32
	p.Register("counter", func(_ context.Context, sessionID string) (any, error) {
		builds.Add(1)
		return "for-" + sessionID, nil
	})

	a, err := p.NewScope("a")
	require.NoError(t, err)
	b, err := p.NewScope("b")
	require.NoError(t, err)

	for range 3 {
		v, err := Resolve[string](context.Background(), a, "counter")
		require.NoError(t, err)
		assert.Equal(t, "for-a", v)
	}
	v, err := Resolve[string](context.Background(), b, "counter")
	require.NoError(t, err)
	assert.Equal(t, "for-b", v)

	assert.Equal(t, int32(2), builds.Load())
	assert.True(t, p.Has("counter"))
}

func TestGetErrors(t *testing.T) {
	p := newProvider()
	p.Register("broken", func(context.Context, string) (any, error) {
		return nil, errors.New("no daemon")
	})
	p.Register("number", func(context.Context, string) (any, error) {
		return 7, nil
	})
	s, err := p.NewScope("s")
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownService)

	_, err = s.Get(context.Background(), "broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no daemon")

	_, err = Resolve[string](context.Background(), s, "number")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not string")
}

func TestCloseReverseOrderAndIdempotent(t *testing.T) {
	p := newProvider()
	var mu sync.Mutex
	var closed []string
	first := &closer{name: "first", log: &closed, mu: &mu}
	second := &closer{name: "second", log: &closed, mu: &mu, err: errors.New("busy")}
	p.Register("first", func(context.Context, string) (any, error) { return first, nil })
	p.Register("second", func(context.Context, string) (any, error) { return second, nil })
	p.Register("plain", func(context.Context, string) (any, error) { return 1, nil })

	s, err := p.NewScope("s")
	require.NoError(t, err)
	for _, name := range []string{"first", "plain", "second"} {
		_, err := s.Get(context.Background(), name)
		require.NoError(t, err)
	}

	err = s.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy")
	assert.Equal(t, []string{"second", "first"}, closed)

	require.NoError(t, s.Close())
	assert.Equal(t, int32(1), first.count.Load())

	_, err = s.Get(context.Background(), "first")
	assert.ErrorIs(t, err, ErrClosed)
}
