// Package travel adapts the travel search provider: buses, hotels,
// flights, transfers and events. When the upstream is unreachable a small
// curated dataset of major routes keeps the assistant useful, tagged so
// clients can tell backup data from live results.
package travel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mathia.chat/mathia/runtime/cache"
	"mathia.chat/mathia/runtime/connector"
)

// Name is the connector identifier.
const Name = "travel"

// Action names.
const (
	ActionSearchBuses     = "search_buses"
	ActionSearchHotels    = "search_hotels"
	ActionSearchFlights   = "search_flights"
	ActionSearchTransfers = "search_transfers"
	ActionSearchEvents    = "search_events"
)

// Searcher is the narrow upstream client. The HTTP implementation lives
// with the gateway wiring; tests stub it.
type Searcher interface {
	// Search runs one query against the provider. kind is the action name
	// without the search_ prefix.
	Search(ctx context.Context, kind string, query map[string]any) ([]map[string]any, error)
}

// Connector is the travel adapter.
type Connector struct {
	api Searcher
}

// New validates the options and constructs the adapter.
func New(api Searcher) (*Connector, error) {
	if api == nil {
		return nil, errors.New("travel: searcher is required")
	}
	return &Connector{api: api}, nil
}

// Name implements connector.Connector.
func (c *Connector) Name() string { return Name }

// SupportedActions implements connector.Connector.
func (c *Connector) SupportedActions() []string {
	return []string{
		ActionSearchBuses,
		ActionSearchHotels,
		ActionSearchFlights,
		ActionSearchTransfers,
		ActionSearchEvents,
	}
}

// ScopeOf implements connector.Connector. Search results do not depend
// on who asks.
func (c *Connector) ScopeOf(string) cache.Scope { return cache.ScopePublic }

// datePattern matches ISO-8601 calendar dates.
const datePattern = `^\d{4}-\d{2}-\d{2}$`

// titlePattern requires title-cased place names, the normalization the
// upstream expects.
const titlePattern = `^[A-Z][A-Za-z .'-]*$`

func routeSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"origin":      map[string]any{"type": "string", "pattern": titlePattern},
			"destination": map[string]any{"type": "string", "pattern": titlePattern},
			"date":        map[string]any{"type": "string", "pattern": datePattern},
			"pax":         map[string]any{"type": "integer", "minimum": 1},
		},
		"required":             []any{"origin", "destination", "date"},
		"additionalProperties": false,
	}
}

// ParamSchema implements connector.Connector.
func (c *Connector) ParamSchema(action string) any {
	switch action {
	case ActionSearchBuses, ActionSearchFlights, ActionSearchTransfers:
		return routeSchema()
	case ActionSearchHotels:
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"destination": map[string]any{"type": "string", "pattern": titlePattern},
				"checkin":     map[string]any{"type": "string", "pattern": datePattern},
				"checkout":    map[string]any{"type": "string", "pattern": datePattern},
				"guests":      map[string]any{"type": "integer", "minimum": 1},
			},
			"required":             []any{"destination", "checkin", "checkout"},
			"additionalProperties": false,
		}
	case ActionSearchEvents:
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{"type": "string", "pattern": titlePattern},
				"date": map[string]any{"type": "string", "pattern": datePattern},
			},
			"required":             []any{"city"},
			"additionalProperties": false,
		}
	default:
		return nil
	}
}

// Describe contributes catalog descriptions for the intent parser.
func (c *Connector) Describe(action string) string {
	switch action {
	case ActionSearchBuses:
		return "Search bus routes between two cities on a date."
	case ActionSearchHotels:
		return "Search hotels in a destination for a date range."
	case ActionSearchFlights:
		return "Search flights between two cities on a date."
	case ActionSearchTransfers:
		return "Search airport or station transfers between two places."
	case ActionSearchEvents:
		return "Search events happening in a city."
	default:
		return ""
	}
}

// Execute implements connector.Connector.
func (c *Connector) Execute(ctx context.Context, call connector.Call) (*connector.Payload, error) {
	kind := kindOf(call.Action)
	results, err := c.api.Search(ctx, kind, call.Params)
	if err != nil {
		return nil, fmt.Errorf("travel: %s: %w", kind, err)
	}
	out := make([]any, len(results))
	for i, r := range results {
		out[i] = r
	}
	return &connector.Payload{Results: out, Provider: "travel-api"}, nil
}

// Fallback implements connector.Fallbacker: serve the curated dataset
// when the upstream is down. The runner marks the result fallback_used
// and never caches it.
func (c *Connector) Fallback(_ context.Context, call connector.Call) (*connector.Payload, error) {
	rows := curated(kindOf(call.Action), call.Params)
	if len(rows) == 0 {
		return nil, errors.New("travel: no curated data for this query")
	}
	return &connector.Payload{Results: rows, Provider: "curated-dataset"}, nil
}

// TTLFor implements connector.TTLer. Event listings go stale faster than
// route searches.
func (c *Connector) TTLFor(action string, _ map[string]any) time.Duration {
	if action == ActionSearchEvents {
		return 15 * time.Minute
	}
	return time.Hour
}

func kindOf(action string) string {
	const prefix = "search_"
	if len(action) > len(prefix) {
		return action[len(prefix):]
	}
	return action
}
