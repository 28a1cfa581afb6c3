// Package itinerary turns travel search results into persisted trip
// plans and renders them for export. Every action is owner-scoped: an
// itinerary is only visible to the user who created it.
package itinerary

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"mathia.chat/mathia/runtime/cache"
	"mathia.chat/mathia/runtime/connector"
	"mathia.chat/mathia/runtime/store"
)

// Name is the connector identifier.
const Name = "itinerary"

// Action names.
const (
	ActionCreate    = "create_from_searches"
	ActionSummarize = "summarize"
	ActionRecommend = "recommend"
	ActionExport    = "export"
)

// maxItems bounds one itinerary.
const maxItems = 50

// ErrNotOwner reports an itinerary access by someone other than its
// creator.
var ErrNotOwner = errors.New("itinerary: only the owner can access an itinerary")

// Connector is the itinerary adapter.
type Connector struct {
	itineraries store.Itineraries
	now         func() time.Time
}

// New validates the options and constructs the adapter.
func New(itineraries store.Itineraries) (*Connector, error) {
	if itineraries == nil {
		return nil, errors.New("itinerary: itineraries repository is required")
	}
	return &Connector{itineraries: itineraries, now: time.Now}, nil
}

// Name implements connector.Connector.
func (c *Connector) Name() string { return Name }

// SupportedActions implements connector.Connector.
func (c *Connector) SupportedActions() []string {
	return []string{ActionCreate, ActionSummarize, ActionRecommend, ActionExport}
}

// ScopeOf implements connector.Connector. Itineraries are private.
func (c *Connector) ScopeOf(string) cache.Scope { return cache.ScopeUser }

// TTLFor implements connector.TTLer: creations mutate state and reads
// must observe them immediately.
func (c *Connector) TTLFor(string, map[string]any) time.Duration {
	return time.Second
}

// ParamSchema implements connector.Connector.
func (c *Connector) ParamSchema(action string) any {
	idOnly := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{"type": "string", "minLength": 1},
		},
		"required":             []any{"id"},
		"additionalProperties": false,
	}
	switch action {
	case ActionCreate:
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{"type": "string", "minLength": 1, "maxLength": 200},
				"items": map[string]any{
					"type":     "array",
					"minItems": 1,
					"maxItems": maxItems,
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"kind":     map[string]any{"enum": []any{"flight", "bus", "hotel", "transfer", "event"}},
							"title":    map[string]any{"type": "string", "minLength": 1},
							"start_at": map[string]any{"type": "string"},
							"end_at":   map[string]any{"type": "string"},
							"details":  map[string]any{"type": "object"},
						},
						"required":             []any{"kind", "title"},
						"additionalProperties": false,
					},
				},
			},
			"required":             []any{"title", "items"},
			"additionalProperties": false,
		}
	case ActionSummarize:
		return idOnly
	case ActionRecommend:
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{"type": "string", "minLength": 1},
			},
			"additionalProperties": false,
		}
	case ActionExport:
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id":     map[string]any{"type": "string", "minLength": 1},
				"format": map[string]any{"enum": []any{"json", "ical", "pdf"}},
			},
			"required":             []any{"id", "format"},
			"additionalProperties": false,
		}
	default:
		return nil
	}
}

// Describe contributes catalog descriptions for the intent parser.
func (c *Connector) Describe(action string) string {
	switch action {
	case ActionCreate:
		return "Create an itinerary from selected travel search results."
	case ActionSummarize:
		return "Summarize one of the requesting user's itineraries."
	case ActionRecommend:
		return "Recommend what to add to an itinerary (or which trip to plan next)."
	case ActionExport:
		return "Export an itinerary as json, ical or pdf."
	default:
		return ""
	}
}

// Execute implements connector.Connector.
func (c *Connector) Execute(ctx context.Context, call connector.Call) (*connector.Payload, error) {
	switch call.Action {
	case ActionCreate:
		return c.create(ctx, call)
	case ActionSummarize:
		it, err := c.owned(ctx, call)
		if err != nil {
			return nil, err
		}
		return &connector.Payload{Results: []any{summarize(it)}, Provider: Name}, nil
	case ActionRecommend:
		return c.recommend(ctx, call)
	case ActionExport:
		return c.export(ctx, call)
	default:
		return nil, fmt.Errorf("itinerary: unknown action %q", call.Action)
	}
}

func (c *Connector) create(ctx context.Context, call connector.Call) (*connector.Payload, error) {
	title, _ := call.Params["title"].(string)
	rawItems, _ := call.Params["items"].([]any)

	items := make([]store.ItineraryItem, 0, len(rawItems))
	for _, raw := range rawItems {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, errors.New("itinerary: malformed item")
		}
		item := store.ItineraryItem{}
		item.Kind, _ = m["kind"].(string)
		item.Title, _ = m["title"].(string)
		if v, ok := m["start_at"].(string); ok && v != "" {
			at, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, fmt.Errorf("itinerary: start_at must be RFC 3339: %w", err)
			}
			item.StartAt = at
		}
		if v, ok := m["end_at"].(string); ok && v != "" {
			at, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, fmt.Errorf("itinerary: end_at must be RFC 3339: %w", err)
			}
			item.EndAt = at
		}
		if v, ok := m["details"].(map[string]any); ok {
			item.Details = v
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].StartAt.Before(items[j].StartAt) })

	it := &store.Itinerary{
		ID:        uuid.NewString(),
		UserID:    call.UserID,
		Title:     title,
		Items:     items,
		CreatedAt: c.now(),
	}
	if err := c.itineraries.Create(ctx, it); err != nil {
		return nil, fmt.Errorf("itinerary: create: %w", err)
	}
	return &connector.Payload{Results: []any{summarize(it)}, Provider: Name}, nil
}

func (c *Connector) recommend(ctx context.Context, call connector.Call) (*connector.Payload, error) {
	if id, _ := call.Params["id"].(string); id != "" {
		it, err := c.owned(ctx, call)
		if err != nil {
			return nil, err
		}
		return &connector.Payload{Results: []any{map[string]any{
			"itinerary_id":    it.ID,
			"recommendations": recommendFor(it),
		}}, Provider: Name}, nil
	}

	// No id: recommend based on the user's travel history.
	all, err := c.itineraries.ListForUser(ctx, call.UserID)
	if err != nil {
		return nil, fmt.Errorf("itinerary: list: %w", err)
	}
	if len(all) == 0 {
		return &connector.Payload{Results: []any{map[string]any{
			"recommendations": []any{"Plan your first trip: search flights or buses to get started."},
		}}, Provider: Name}, nil
	}
	latest := all[len(all)-1]
	return &connector.Payload{Results: []any{map[string]any{
		"itinerary_id":    latest.ID,
		"recommendations": recommendFor(latest),
	}}, Provider: Name}, nil
}

func (c *Connector) export(ctx context.Context, call connector.Call) (*connector.Payload, error) {
	it, err := c.owned(ctx, call)
	if err != nil {
		return nil, err
	}
	format, _ := call.Params["format"].(string)
	content, mime, err := render(it, format)
	if err != nil {
		return nil, err
	}
	return &connector.Payload{Results: []any{map[string]any{
		"itinerary_id": it.ID,
		"format":       format,
		"mime_type":    mime,
		"content":      content,
	}}, Provider: Name}, nil
}

// owned loads the itinerary named by params.id and enforces ownership.
func (c *Connector) owned(ctx context.Context, call connector.Call) (*store.Itinerary, error) {
	id, _ := call.Params["id"].(string)
	it, err := c.itineraries.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("itinerary: load: %w", err)
	}
	if it.UserID != call.UserID {
		return nil, ErrNotOwner
	}
	return it, nil
}

func summarize(it *store.Itinerary) map[string]any {
	kinds := make(map[string]int)
	var first, last time.Time
	for _, item := range it.Items {
		kinds[item.Kind]++
		if !item.StartAt.IsZero() && (first.IsZero() || item.StartAt.Before(first)) {
			first = item.StartAt
		}
		if item.EndAt.After(last) {
			last = item.EndAt
		}
	}
	out := map[string]any{
		"id":         it.ID,
		"title":      it.Title,
		"item_count": len(it.Items),
		"kinds":      kinds,
	}
	if !first.IsZero() {
		out["starts_at"] = first
	}
	if !last.IsZero() {
		out["ends_at"] = last
	}
	return out
}

// recommendFor suggests the obvious gaps: trips without lodging, lodging
// without transport, and empty evenings.
func recommendFor(it *store.Itinerary) []any {
	var hasTransport, hasHotel, hasEvent bool
	for _, item := range it.Items {
		switch item.Kind {
		case "flight", "bus", "transfer":
			hasTransport = true
		case "hotel":
			hasHotel = true
		case "event":
			hasEvent = true
		}
	}
	var recs []any
	if hasTransport && !hasHotel {
		recs = append(recs, "You have transport but nowhere to stay: search hotels at your destination.")
	}
	if hasHotel && !hasTransport {
		recs = append(recs, "You have lodging but no way there: search flights or buses.")
	}
	if !hasEvent {
		recs = append(recs, "Evenings look free: search events at your destination.")
	}
	if len(recs) == 0 {
		recs = append(recs, "This trip looks complete. Export it to your calendar with export format=ical.")
	}
	return recs
}
