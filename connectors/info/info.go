// Package info adapts the public information services: weather, currency
// conversion, gif search and web search. Results are user-independent and
// cache under the public scope. When an upstream fails, the connector
// replays the last good response it saw for the same query, reported as
// partial so clients can mark it stale.
package info

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mathia.chat/mathia/runtime/cache"
	"mathia.chat/mathia/runtime/connector"
)

// Name is the connector identifier.
const Name = "info"

// Action names.
const (
	ActionWeather   = "get_weather"
	ActionCurrency  = "get_currency"
	ActionGif       = "get_gif"
	ActionWebSearch = "get_websearch"
)

// lastGoodTTL keeps stale copies around long enough to ride out an
// outage without serving ancient data forever.
const lastGoodTTL = 24 * time.Hour

// Client is the narrow upstream surface. One method per action keeps
// test stubs trivial.
type Client interface {
	Weather(ctx context.Context, city string) (map[string]any, error)
	Currency(ctx context.Context, from, to string, amount float64) (map[string]any, error)
	Gif(ctx context.Context, query string) ([]map[string]any, error)
	WebSearch(ctx context.Context, query string) ([]map[string]any, error)
}

// Connector is the info adapter. lastGood is a dedicated cache for the
// stale-replay fallback, separate from the runner's result cache so
// entries survive past the fresh TTL.
type Connector struct {
	api      Client
	lastGood cache.Cache
}

// New validates the options and constructs the adapter.
func New(api Client, lastGood cache.Cache) (*Connector, error) {
	if api == nil {
		return nil, errors.New("info: client is required")
	}
	if lastGood == nil {
		return nil, errors.New("info: last-good cache is required")
	}
	return &Connector{api: api, lastGood: lastGood}, nil
}

// Name implements connector.Connector.
func (c *Connector) Name() string { return Name }

// SupportedActions implements connector.Connector.
func (c *Connector) SupportedActions() []string {
	return []string{ActionWeather, ActionCurrency, ActionGif, ActionWebSearch}
}

// ScopeOf implements connector.Connector.
func (c *Connector) ScopeOf(string) cache.Scope { return cache.ScopePublic }

// ParamSchema implements connector.Connector.
func (c *Connector) ParamSchema(action string) any {
	switch action {
	case ActionWeather:
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{"type": "string", "minLength": 1},
			},
			"required":             []any{"city"},
			"additionalProperties": false,
		}
	case ActionCurrency:
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"from":   map[string]any{"type": "string", "pattern": "^[A-Z]{3}$"},
				"to":     map[string]any{"type": "string", "pattern": "^[A-Z]{3}$"},
				"amount": map[string]any{"type": "number", "exclusiveMinimum": 0},
			},
			"required":             []any{"from", "to"},
			"additionalProperties": false,
		}
	case ActionGif, ActionWebSearch:
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "minLength": 1},
			},
			"required":             []any{"query"},
			"additionalProperties": false,
		}
	default:
		return nil
	}
}

// Describe contributes catalog descriptions for the intent parser.
func (c *Connector) Describe(action string) string {
	switch action {
	case ActionWeather:
		return "Get the current weather for a city."
	case ActionCurrency:
		return "Convert an amount between two ISO currency codes."
	case ActionGif:
		return "Find a gif matching a search phrase."
	case ActionWebSearch:
		return "Search the web and return the top results."
	default:
		return ""
	}
}

// Execute implements connector.Connector. Every success is copied into
// the last-good cache for the stale-replay fallback.
func (c *Connector) Execute(ctx context.Context, call connector.Call) (*connector.Payload, error) {
	results, provider, err := c.fetch(ctx, call)
	if err != nil {
		return nil, err
	}
	payload := &connector.Payload{Results: results, Provider: provider}
	c.remember(ctx, call, payload)
	return payload, nil
}

// Fallback implements connector.Fallbacker: replay the last good
// response for the same query, degraded so the runner reports partial.
func (c *Connector) Fallback(ctx context.Context, call connector.Call) (*connector.Payload, error) {
	key, err := c.goodKey(call)
	if err != nil {
		return nil, err
	}
	raw, ok, err := c.lastGood.Get(ctx, key)
	if err != nil || !ok {
		return nil, errors.New("info: no last-good copy for this query")
	}
	var payload connector.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("info: decode last-good copy: %w", err)
	}
	payload.Degraded = true
	return &payload, nil
}

func (c *Connector) fetch(ctx context.Context, call connector.Call) ([]any, string, error) {
	switch call.Action {
	case ActionWeather:
		city, _ := call.Params["city"].(string)
		report, err := c.api.Weather(ctx, city)
		if err != nil {
			return nil, "", fmt.Errorf("info: weather: %w", err)
		}
		return []any{report}, "weather-api", nil
	case ActionCurrency:
		from, _ := call.Params["from"].(string)
		to, _ := call.Params["to"].(string)
		amount, _ := call.Params["amount"].(float64)
		if amount == 0 {
			amount = 1
		}
		quote, err := c.api.Currency(ctx, from, to, amount)
		if err != nil {
			return nil, "", fmt.Errorf("info: currency: %w", err)
		}
		return []any{quote}, "fx-api", nil
	case ActionGif:
		query, _ := call.Params["query"].(string)
		gifs, err := c.api.Gif(ctx, query)
		if err != nil {
			return nil, "", fmt.Errorf("info: gif: %w", err)
		}
		return anySlice(gifs), "gif-api", nil
	case ActionWebSearch:
		query, _ := call.Params["query"].(string)
		hits, err := c.api.WebSearch(ctx, query)
		if err != nil {
			return nil, "", fmt.Errorf("info: websearch: %w", err)
		}
		return anySlice(hits), "search-api", nil
	default:
		return nil, "", fmt.Errorf("info: unknown action %q", call.Action)
	}
}

func (c *Connector) remember(ctx context.Context, call connector.Call, payload *connector.Payload) {
	key, err := c.goodKey(call)
	if err != nil {
		return
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return
	}
	// Best effort: losing a last-good copy only weakens the fallback.
	_ = c.lastGood.Set(ctx, key, encoded, lastGoodTTL)
}

func (c *Connector) goodKey(call connector.Call) (string, error) {
	key, err := cache.Key(call.Action, call.Params, cache.ScopePublic, "")
	if err != nil {
		return "", fmt.Errorf("info: last-good key: %w", err)
	}
	return "lastgood|" + key, nil
}

func anySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
