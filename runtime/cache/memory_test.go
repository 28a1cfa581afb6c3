package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryCacheTTL(t *testing.T) {
	c := NewMemoryCache()
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), got)

	now = now.Add(61 * time.Second)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok, "entry must expire after ttl")
}

func TestMemoryCacheDelete(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, c.Delete(ctx, "absent"))
}

func TestMemoryLimiterBoundary(t *testing.T) {
	l := NewMemoryLimiter()
	now := time.Now()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	const limit = 5
	window := time.Hour

	// Exactly limit takes are allowed.
	for i := range limit {
		d, err := l.Take(ctx, "alice|travel", limit, window)
		require.NoError(t, err)
		require.True(t, d.Allowed, "take %d within limit must pass", i+1)
		require.Equal(t, limit-i-1, d.Remaining)
	}

	// Take limit+1 is denied with a positive retry hint.
	d, err := l.Take(ctx, "alice|travel", limit, window)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Greater(t, d.RetryAfter, time.Duration(0))

	// Another principal is unaffected.
	d, err = l.Take(ctx, "bob|travel", limit, window)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// After the window slides past the first take, one slot frees up.
	now = now.Add(window + time.Second)
	d, err = l.Take(ctx, "alice|travel", limit, window)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestMemoryLimiterDenyDoesNotConsume(t *testing.T) {
	l := NewMemoryLimiter()
	now := time.Now()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for range 3 {
		_, err := l.Take(ctx, "k", 3, time.Hour)
		require.NoError(t, err)
	}
	// Repeated denials must not extend the window occupancy.
	for range 10 {
		d, err := l.Take(ctx, "k", 3, time.Hour)
		require.NoError(t, err)
		require.False(t, d.Allowed)
	}
	now = now.Add(time.Hour + time.Millisecond)
	d, err := l.Take(ctx, "k", 3, time.Hour)
	require.NoError(t, err)
	require.True(t, d.Allowed, "window must fully drain despite denied takes")
}

func TestMemoryIdempotency(t *testing.T) {
	i := NewMemoryIdempotency()
	now := time.Now()
	i.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := i.Register(ctx, "msg-key", 10*time.Minute)
	require.NoError(t, err)
	require.True(t, first)

	dup, err := i.Register(ctx, "msg-key", 10*time.Minute)
	require.NoError(t, err)
	require.False(t, dup, "duplicate within retention must be suppressed")

	now = now.Add(10*time.Minute + time.Second)
	again, err := i.Register(ctx, "msg-key", 10*time.Minute)
	require.NoError(t, err)
	require.True(t, again, "key is reusable after retention expires")
}
