package itinerary

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mathia.chat/mathia/runtime/cache"
	"mathia.chat/mathia/runtime/connector"
	"mathia.chat/mathia/runtime/store"
)

func fixture(t *testing.T) (*Connector, store.Itineraries) {
	t.Helper()
	itineraries := store.NewMemory().Stores().Itineraries
	conn, err := New(itineraries)
	require.NoError(t, err)
	return conn, itineraries
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

func tripParams() map[string]any {
	return map[string]any{
		"title": "Guadalajara weekend",
		"items": []any{
			map[string]any{
				"kind": "hotel", "title": "Hotel Centro",
				"start_at": "2026-09-04T15:00:00Z", "end_at": "2026-09-06T11:00:00Z",
			},
			map[string]any{
				"kind": "bus", "title": "ETN Mexico City - Guadalajara",
				"start_at": "2026-09-04T08:00:00Z", "end_at": "2026-09-04T14:30:00Z",
			},
		},
	}
}

func createTrip(t *testing.T, conn *Connector, userID string) string {
	t.Helper()
	res, err := conn.Execute(context.Background(), connector.Call{
		Action: ActionCreate,
		Params: tripParams(),
		UserID: userID,
	})
	require.NoError(t, err)
	return res.Results[0].(map[string]any)["id"].(string)
}

func TestCreateSortsItemsChronologically(t *testing.T) {
	conn, itineraries := fixture(t)
	runner := newRunner(t)

	res, err := runner.Run(context.Background(), conn, connector.Call{
		Action: ActionCreate,
		Params: tripParams(),
		UserID: "alice",
	})
	require.NoError(t, err)
	require.Equal(t, connector.StatusOK, res.Status)
	id := res.Results[0].(map[string]any)["id"].(string)

	it, err := itineraries.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "bus", it.Items[0].Kind)
	require.Equal(t, "hotel", it.Items[1].Kind)
}

func TestSummarizeCountsKindsAndSpan(t *testing.T) {
	conn, _ := fixture(t)
	id := createTrip(t, conn, "alice")

	res, err := conn.Execute(context.Background(), connector.Call{
		Action: ActionSummarize,
		Params: map[string]any{"id": id},
		UserID: "alice",
	})
	require.NoError(t, err)
	summary := res.Results[0].(map[string]any)
	require.Equal(t, 2, summary["item_count"])
	kinds := summary["kinds"].(map[string]int)
	require.Equal(t, 1, kinds["bus"])
	require.Equal(t, 1, kinds["hotel"])
	starts := summary["starts_at"].(time.Time)
	require.Equal(t, time.Date(2026, 9, 4, 8, 0, 0, 0, time.UTC), starts.UTC())
}

func TestAccessIsOwnerOnly(t *testing.T) {
	conn, _ := fixture(t)
	id := createTrip(t, conn, "alice")

	for _, action := range []string{ActionSummarize, ActionExport} {
		params := map[string]any{"id": id}
		if action == ActionExport {
			params["format"] = "json"
		}
		_, err := conn.Execute(context.Background(), connector.Call{
			Action: action,
			Params: params,
			UserID: "mallory",
		})
		require.ErrorIs(t, err, ErrNotOwner, action)
	}
}

func TestExportJSON(t *testing.T) {
	conn, _ := fixture(t)
	id := createTrip(t, conn, "alice")

	res, err := conn.Execute(context.Background(), connector.Call{
		Action: ActionExport,
		Params: map[string]any{"id": id, "format": "json"},
		UserID: "alice",
	})
	require.NoError(t, err)
	out := res.Results[0].(map[string]any)
	require.Equal(t, "application/json", out["mime_type"])
	require.Contains(t, out["content"].(string), "Guadalajara weekend")
}

func TestExportICalEmitsDatedEvents(t *testing.T) {
	conn, _ := fixture(t)
	id := createTrip(t, conn, "alice")

	res, err := conn.Execute(context.Background(), connector.Call{
		Action: ActionExport,
		Params: map[string]any{"id": id, "format": "ical"},
		UserID: "alice",
	})
	require.NoError(t, err)
	out := res.Results[0].(map[string]any)
	require.Equal(t, "text/calendar", out["mime_type"])
	content := out["content"].(string)
	require.True(t, strings.HasPrefix(content, "BEGIN:VCALENDAR"))
	require.Equal(t, 2, strings.Count(content, "BEGIN:VEVENT"))
	require.Contains(t, content, "DTSTART:20260904T080000Z")
}

func TestExportPDFIsWellFormed(t *testing.T) {
	conn, _ := fixture(t)
	id := createTrip(t, conn, "alice")

	res, err := conn.Execute(context.Background(), connector.Call{
		Action: ActionExport,
		Params: map[string]any{"id": id, "format": "pdf"},
		UserID: "alice",
	})
	require.NoError(t, err)
	out := res.Results[0].(map[string]any)
	require.Equal(t, "application/pdf", out["mime_type"])
	content := out["content"].(string)
	require.True(t, strings.HasPrefix(content, "%PDF-1.4"))
	require.Contains(t, content, "%%EOF")
	require.Contains(t, content, "Hotel Centro")
}

func TestUnknownFormatIsRejectedBySchema(t *testing.T) {
	conn, _ := fixture(t)
	runner := newRunner(t)
	id := createTrip(t, conn, "alice")

	res, err := runner.Run(context.Background(), conn, connector.Call{
		Action: ActionExport,
		Params: map[string]any{"id": id, "format": "docx"},
		UserID: "alice",
	})
	require.NoError(t, err)
	require.Equal(t, connector.StatusUnsupported, res.Status)
}

func TestRecommendFlagsMissingLodging(t *testing.T) {
	conn, _ := fixture(t)

	res, err := conn.Execute(context.Background(), connector.Call{
		Action: ActionCreate,
		Params: map[string]any{
			"title": "flight only",
			"items": []any{map[string]any{"kind": "flight", "title": "AM123"}},
		},
		UserID: "alice",
	})
	require.NoError(t, err)
	id := res.Results[0].(map[string]any)["id"].(string)

	res, err = conn.Execute(context.Background(), connector.Call{
		Action: ActionRecommend,
		Params: map[string]any{"id": id},
		UserID: "alice",
	})
	require.NoError(t, err)
	recs := res.Results[0].(map[string]any)["recommendations"].([]any)
	var joined string
	for _, r := range recs {
		joined += r.(string) + "\n"
	}
	require.Contains(t, joined, "hotels")
}

func TestRecommendWithoutTripsSuggestsFirstTrip(t *testing.T) {
	conn, _ := fixture(t)

	res, err := conn.Execute(context.Background(), connector.Call{
		Action: ActionRecommend,
		Params: map[string]any{},
		UserID: "alice",
	})
	require.NoError(t, err)
	recs := res.Results[0].(map[string]any)["recommendations"].([]any)
	require.Len(t, recs, 1)
	require.Contains(t, recs[0].(string), "first trip")
}
