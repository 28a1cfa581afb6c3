package connector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mathia.chat/mathia/runtime/cache"
)

type fakeConnector struct {
	name     string
	actions  []string
	schema   any
	scope    cache.Scope
	execute  func(ctx context.Context, call Call) (*Payload, error)
	fallback func(ctx context.Context, call Call) (*Payload, error)
	ttl      time.Duration
	calls    int
}

func (f *fakeConnector) Name() string               { return f.name }
func (f *fakeConnector) SupportedActions() []string { return f.actions }
func (f *fakeConnector) ParamSchema(string) any     { return f.schema }
func (f *fakeConnector) ScopeOf(string) cache.Scope { return f.scope }

func (f *fakeConnector) Execute(ctx context.Context, call Call) (*Payload, error) {
	f.calls++
	return f.execute(ctx, call)
}

type fallbackConnector struct{ *fakeConnector }

func (f fallbackConnector) Fallback(ctx context.Context, call Call) (*Payload, error) {
	return f.fakeConnector.fallback(ctx, call)
}

func newRunner(t *testing.T) *Runner {
	t.Helper()
	r, err := NewRunner(RunnerOptions{
		Cache:   cache.NewMemoryCache(),
		Limiter: cache.NewMemoryLimiter(),
	})
	require.NoError(t, err)
	return r
}

func okConnector(results ...any) *fakeConnector {
	return &fakeConnector{
		name:    "fake",
		actions: []string{"do"},
		scope:   cache.ScopeUser,
		execute: func(ctx context.Context, call Call) (*Payload, error) {
			return &Payload{Results: results, Provider: "fakeco"}, nil
		},
	}
}

func TestRunOKAndCacheHit(t *testing.T) {
	r := newRunner(t)
	conn := okConnector("a", "b")
	call := Call{Action: "do", Params: map[string]any{"q": "x"}, UserID: "u1"}

	res, err := r.Run(context.Background(), conn, call)
	require.NoError(t, err)
	require.Equal(t, StatusOK, res.Status)
	require.Equal(t, 2, res.Count)
	require.False(t, res.Cached)
	require.Equal(t, "fakeco", res.Metadata.Provider)

	res2, err := r.Run(context.Background(), conn, call)
	require.NoError(t, err)
	require.Equal(t, StatusOK, res2.Status)
	require.True(t, res2.Cached)
	require.Equal(t, 1, conn.calls, "cache hit must not call the upstream")
}

func TestRunCacheIsolatedPerUser(t *testing.T) {
	r := newRunner(t)
	conn := okConnector("private")
	call := Call{Action: "do", Params: map[string]any{"q": "x"}, UserID: "alice"}
	_, err := r.Run(context.Background(), conn, call)
	require.NoError(t, err)

	call.UserID = "bob"
	res, err := r.Run(context.Background(), conn, call)
	require.NoError(t, err)
	require.False(t, res.Cached, "user-scoped results must not leak across users")
	require.Equal(t, 2, conn.calls)
}

func TestRunSchemaValidationFailure(t *testing.T) {
	r := newRunner(t)
	conn := okConnector("x")
	conn.schema = map[string]any{
		"type":                 "object",
		"required":             []any{"q"},
		"additionalProperties": false,
		"properties": map[string]any{
			"q": map[string]any{"type": "string"},
		},
	}
	res, err := r.Run(context.Background(), conn, Call{Action: "do", Params: map[string]any{"bogus": 1}, UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, StatusUnsupported, res.Status)
	require.Zero(t, conn.calls)
}

func TestRunRateLimitBoundary(t *testing.T) {
	r, err := NewRunner(RunnerOptions{
		Cache:   cache.NewMemoryCache(),
		Limiter: cache.NewMemoryLimiter(),
		Limit:   3,
		Window:  time.Hour,
	})
	require.NoError(t, err)

	conn := okConnector("x")
	for i := range 3 {
		// Unique params per call defeat the result cache so each call
		// consumes a limiter slot.
		res, err := r.Run(context.Background(), conn, Call{Action: "do", Params: map[string]any{"i": i}, UserID: "u1"})
		require.NoError(t, err)
		require.Equal(t, StatusOK, res.Status)
	}
	res, err := r.Run(context.Background(), conn, Call{Action: "do", Params: map[string]any{"i": 99}, UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, StatusRateLimited, res.Status)
	require.Greater(t, res.RetryAfter, time.Duration(0))
	require.Equal(t, 3, conn.calls, "denied call must not reach the upstream")
}

func TestRunUpstreamFailureWithoutFallback(t *testing.T) {
	r := newRunner(t)
	conn := okConnector()
	conn.execute = func(ctx context.Context, call Call) (*Payload, error) {
		return nil, errors.New("boom")
	}
	res, err := r.Run(context.Background(), conn, Call{Action: "do", UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, StatusUpstreamFailure, res.Status)
	require.NotEmpty(t, res.Error)
}

func TestRunFallback(t *testing.T) {
	r := newRunner(t)
	base := okConnector()
	base.execute = func(ctx context.Context, call Call) (*Payload, error) {
		return nil, errors.New("upstream unreachable")
	}
	base.fallback = func(ctx context.Context, call Call) (*Payload, error) {
		return &Payload{Results: []any{"curated"}, Provider: "static"}, nil
	}
	conn := fallbackConnector{base}

	res, err := r.Run(context.Background(), conn, Call{Action: "do", Params: map[string]any{"q": "x"}, UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, StatusOK, res.Status)
	require.True(t, res.Metadata.FallbackUsed)
	require.Equal(t, 1, res.Count)
	require.False(t, res.Cached)

	// Fallback results are never cached: the next call hits the upstream
	// again.
	_, err = r.Run(context.Background(), conn, Call{Action: "do", Params: map[string]any{"q": "x"}, UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, 2, base.calls)
}

func TestRunDegradedFallbackIsPartial(t *testing.T) {
	r := newRunner(t)
	base := okConnector()
	base.execute = func(ctx context.Context, call Call) (*Payload, error) {
		return nil, errors.New("upstream unreachable")
	}
	base.fallback = func(ctx context.Context, call Call) (*Payload, error) {
		return &Payload{Results: []any{"stale"}, Degraded: true}, nil
	}
	res, err := r.Run(context.Background(), fallbackConnector{base}, Call{Action: "do", UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, StatusPartial, res.Status)
	require.True(t, res.Metadata.FallbackUsed)
	require.False(t, res.Cached, "partial results are never cached")
}

func TestRunExecuteDeadline(t *testing.T) {
	r, err := NewRunner(RunnerOptions{
		Cache:   cache.NewMemoryCache(),
		Limiter: cache.NewMemoryLimiter(),
		Timeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	conn := okConnector()
	conn.execute = func(ctx context.Context, call Call) (*Payload, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return &Payload{}, nil
		}
	}
	res, err := r.Run(context.Background(), conn, Call{Action: "do", UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, StatusUpstreamFailure, res.Status)
}
