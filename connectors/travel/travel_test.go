package travel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"mathia.chat/mathia/runtime/cache"
	"mathia.chat/mathia/runtime/connector"
)

type stubSearcher struct {
	results  []map[string]any
	err      error
	lastKind string
}

func (s *stubSearcher) Search(_ context.Context, kind string, _ map[string]any) ([]map[string]any, error) {
	s.lastKind = kind
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

func newRunner(t *testing.T) *connector.Runner {
	t.Helper()
	r, err := connector.NewRunner(connector.RunnerOptions{
		Cache:   cache.NewMemoryCache(),
		Limiter: cache.NewMemoryLimiter(),
	})
	require.NoError(t, err)
	return r
}

func TestSearchBusesHitsUpstream(t *testing.T) {
	api := &stubSearcher{results: []map[string]any{{"operator": "ETN"}}}
	conn, err := New(api)
	require.NoError(t, err)
	runner := newRunner(t)

	res, err := runner.Run(context.Background(), conn, connector.Call{
		Action: ActionSearchBuses,
		Params: map[string]any{"origin": "Mexico City", "destination": "Guadalajara", "date": "2026-09-01", "pax": 2},
		UserID: "alice",
	})
	require.NoError(t, err)
	require.Equal(t, connector.StatusOK, res.Status)
	require.Equal(t, 1, res.Count)
	require.Equal(t, "buses", api.lastKind)
	require.Equal(t, "travel-api", res.Metadata.Provider)
	require.False(t, res.Metadata.FallbackUsed)
}

func TestLowercaseOriginIsRejected(t *testing.T) {
	conn, err := New(&stubSearcher{})
	require.NoError(t, err)
	runner := newRunner(t)

	res, err := runner.Run(context.Background(), conn, connector.Call{
		Action: ActionSearchBuses,
		Params: map[string]any{"origin": "mexico city", "destination": "Guadalajara", "date": "2026-09-01"},
		UserID: "alice",
	})
	require.NoError(t, err)
	require.Equal(t, connector.StatusUnsupported, res.Status)
}

func TestBadDateIsRejected(t *testing.T) {
	conn, err := New(&stubSearcher{})
	require.NoError(t, err)
	runner := newRunner(t)

	res, err := runner.Run(context.Background(), conn, connector.Call{
		Action: ActionSearchFlights,
		Params: map[string]any{"origin": "Mexico City", "destination": "Cancun", "date": "01/09/2026"},
		UserID: "alice",
	})
	require.NoError(t, err)
	require.Equal(t, connector.StatusUnsupported, res.Status)
}

func TestUpstreamFailureServesCuratedFallback(t *testing.T) {
	conn, err := New(&stubSearcher{err: errors.New("provider down")})
	require.NoError(t, err)
	runner := newRunner(t)

	res, err := runner.Run(context.Background(), conn, connector.Call{
		Action: ActionSearchBuses,
		Params: map[string]any{"origin": "Mexico City", "destination": "Guadalajara", "date": "2026-09-01"},
		UserID: "alice",
	})
	require.NoError(t, err)
	require.Equal(t, connector.StatusOK, res.Status)
	require.True(t, res.Metadata.FallbackUsed)
	require.Equal(t, "curated-dataset", res.Metadata.Provider)
	require.NotZero(t, res.Count)
	first := res.Results[0].(map[string]any)
	require.Equal(t, true, first["curated"])
}

func TestFallbackCoversNairobiMombasa(t *testing.T) {
	conn, err := New(&stubSearcher{err: errors.New("provider down")})
	require.NoError(t, err)
	runner := newRunner(t)

	res, err := runner.Run(context.Background(), conn, connector.Call{
		Action: ActionSearchBuses,
		Params: map[string]any{"origin": "Nairobi", "destination": "Mombasa", "date": "2026-09-01"},
		UserID: "alice",
	})
	require.NoError(t, err)
	require.Equal(t, connector.StatusOK, res.Status)
	require.True(t, res.Metadata.FallbackUsed)
	require.NotZero(t, res.Count)
	first := res.Results[0].(map[string]any)
	require.Equal(t, true, first["curated"])
	require.Equal(t, "KES", first["currency"])
}

func TestFallbackMissesUnknownRoute(t *testing.T) {
	conn, err := New(&stubSearcher{err: errors.New("provider down")})
	require.NoError(t, err)
	runner := newRunner(t)

	res, err := runner.Run(context.Background(), conn, connector.Call{
		Action: ActionSearchBuses,
		Params: map[string]any{"origin": "Oslo", "destination": "Bergen", "date": "2026-09-01"},
		UserID: "alice",
	})
	require.NoError(t, err)
	require.Equal(t, connector.StatusUpstreamFailure, res.Status)
}

func TestFallbackIsNeverCached(t *testing.T) {
	api := &stubSearcher{err: errors.New("provider down")}
	conn, err := New(api)
	require.NoError(t, err)
	runner := newRunner(t)

	call := connector.Call{
		Action: ActionSearchHotels,
		Params: map[string]any{"destination": "Cancun", "checkin": "2026-09-01", "checkout": "2026-09-05"},
		UserID: "alice",
	}
	res, err := runner.Run(context.Background(), conn, call)
	require.NoError(t, err)
	require.True(t, res.Metadata.FallbackUsed)

	// Upstream recovers: the next call must reach it, not a cached copy
	// of the fallback.
	api.err = nil
	api.results = []map[string]any{{"name": "Live Hotel"}}
	res, err = runner.Run(context.Background(), conn, call)
	require.NoError(t, err)
	require.False(t, res.Cached)
	require.False(t, res.Metadata.FallbackUsed)
	require.Equal(t, "travel-api", res.Metadata.Provider)
}

func TestEventsSearch(t *testing.T) {
	conn, err := New(&stubSearcher{err: errors.New("down")})
	require.NoError(t, err)
	runner := newRunner(t)

	res, err := runner.Run(context.Background(), conn, connector.Call{
		Action: ActionSearchEvents,
		Params: map[string]any{"city": "Mexico City"},
		UserID: "alice",
	})
	require.NoError(t, err)
	require.True(t, res.Metadata.FallbackUsed)
	require.Equal(t, 2, res.Count)
}

func TestDescribeCoversAllActions(t *testing.T) {
	conn, err := New(&stubSearcher{})
	require.NoError(t, err)
	for _, action := range conn.SupportedActions() {
		require.NotEmpty(t, conn.Describe(action), action)
	}
}
