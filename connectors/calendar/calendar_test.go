package calendar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mathia.chat/mathia/runtime/cache"
	"mathia.chat/mathia/runtime/connector"
	"mathia.chat/mathia/runtime/store"
)

type stubProvider struct {
	events     []map[string]any
	lastUser   string
	lastWindow [2]time.Time
}

func (s *stubProvider) ListEvents(_ context.Context, userID string, from, to time.Time) ([]map[string]any, error) {
	s.lastUser = userID
	s.lastWindow = [2]time.Time{from, to}
	return s.events, nil
}

func (s *stubProvider) BookingLink(_ context.Context, userID string) (string, error) {
	return "https://cal.example.com/" + userID, nil
}

func fixture(t *testing.T) (*Connector, *stubProvider) {
	t.Helper()
	api := &stubProvider{events: []map[string]any{{"title": "standup"}}}
	users := store.NewMemory().Stores().Users
	require.NoError(t, users.Create(context.Background(), &store.User{
		ID: "alice", Username: "alice", Email: "alice@example.com", Active: true,
	}))
	require.NoError(t, users.Create(context.Background(), &store.User{
		ID: "root", Username: "root", Email: "root@example.com", Active: true, Admin: true,
	}))
	conn, err := New(api, users)
	require.NoError(t, err)
	return conn, api
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

func TestListEventsDefaultsToNextWeek(t *testing.T) {
	conn, api := fixture(t)
	runner := newRunner(t)

	res, err := runner.Run(context.Background(), conn, connector.Call{
		Action: ActionListEvents,
		Params: map[string]any{},
		UserID: "alice",
	})
	require.NoError(t, err)
	require.Equal(t, connector.StatusOK, res.Status)
	require.Equal(t, "alice", api.lastUser)
	require.WithinDuration(t, time.Now().Add(7*24*time.Hour), api.lastWindow[1], 5*time.Second)
}

func TestListEventsHonorsExplicitRange(t *testing.T) {
	conn, api := fixture(t)
	from := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(48 * time.Hour)

	_, err := conn.Execute(context.Background(), connector.Call{
		Action: ActionListEvents,
		Params: map[string]any{"from": from.Format(time.RFC3339), "to": to.Format(time.RFC3339)},
		UserID: "alice",
	})
	require.NoError(t, err)
	require.True(t, api.lastWindow[0].Equal(from))
	require.True(t, api.lastWindow[1].Equal(to))
}

func TestInvertedRangeIsRejected(t *testing.T) {
	conn, _ := fixture(t)
	from := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	_, err := conn.Execute(context.Background(), connector.Call{
		Action: ActionListEvents,
		Params: map[string]any{
			"from": from.Format(time.RFC3339),
			"to":   from.Add(-time.Hour).Format(time.RFC3339),
		},
		UserID: "alice",
	})
	require.ErrorContains(t, err, "precedes")
}

func TestOwnBookingLink(t *testing.T) {
	conn, _ := fixture(t)

	res, err := conn.Execute(context.Background(), connector.Call{
		Action: ActionBookingLinkOf,
		Params: map[string]any{"target_user": "alice"},
		UserID: "alice",
	})
	require.NoError(t, err)
	first := res.Results[0].(map[string]any)
	require.Equal(t, "https://cal.example.com/alice", first["booking_link"])
}

func TestBookingLinkOfOtherUserRequiresAdmin(t *testing.T) {
	conn, _ := fixture(t)

	_, err := conn.Execute(context.Background(), connector.Call{
		Action: ActionBookingLinkOf,
		Params: map[string]any{"target_user": "root"},
		UserID: "alice",
	})
	require.ErrorIs(t, err, ErrNotAllowed)

	res, err := conn.Execute(context.Background(), connector.Call{
		Action: ActionBookingLinkOf,
		Params: map[string]any{"target_user": "alice"},
		UserID: "root",
	})
	require.NoError(t, err)
	first := res.Results[0].(map[string]any)
	require.Equal(t, "https://cal.example.com/alice", first["booking_link"])
}
