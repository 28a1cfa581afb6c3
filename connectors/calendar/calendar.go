// Package calendar adapts the scheduling provider: event listings and
// booking links. booking_link_of exposes another user's booking page, so
// it is gated to the requester themselves or an admin delegate.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mathia.chat/mathia/runtime/cache"
	"mathia.chat/mathia/runtime/connector"
	"mathia.chat/mathia/runtime/store"
)

// Name is the connector identifier.
const Name = "calendar"

// Action names.
const (
	ActionListEvents    = "list_events"
	ActionBookingLinkOf = "booking_link_of"
)

// ErrNotAllowed reports a booking-link request for someone else by a
// non-admin.
var ErrNotAllowed = errors.New("calendar: booking links are visible to their owner or an admin")

type (
	// Provider is the narrow upstream surface.
	Provider interface {
		// ListEvents returns a user's events inside the window.
		ListEvents(ctx context.Context, userID string, from, to time.Time) ([]map[string]any, error)
		// BookingLink returns the user's public booking URL.
		BookingLink(ctx context.Context, userID string) (string, error)
	}

	// Connector is the calendar adapter.
	Connector struct {
		api   Provider
		users store.Users
	}
)

// New validates the options and constructs the adapter.
func New(api Provider, users store.Users) (*Connector, error) {
	if api == nil {
		return nil, errors.New("calendar: provider is required")
	}
	if users == nil {
		return nil, errors.New("calendar: users repository is required")
	}
	return &Connector{api: api, users: users}, nil
}

// Name implements connector.Connector.
func (c *Connector) Name() string { return Name }

// SupportedActions implements connector.Connector.
func (c *Connector) SupportedActions() []string {
	return []string{ActionListEvents, ActionBookingLinkOf}
}

// ScopeOf implements connector.Connector. Calendars are private.
func (c *Connector) ScopeOf(string) cache.Scope { return cache.ScopeUser }

// TTLFor implements connector.TTLer.
func (c *Connector) TTLFor(action string, _ map[string]any) time.Duration {
	if action == ActionListEvents {
		return 5 * time.Minute
	}
	return time.Hour
}

// ParamSchema implements connector.Connector.
func (c *Connector) ParamSchema(action string) any {
	switch action {
	case ActionListEvents:
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"from": map[string]any{"type": "string"},
				"to":   map[string]any{"type": "string"},
			},
			"additionalProperties": false,
		}
	case ActionBookingLinkOf:
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"target_user": map[string]any{"type": "string", "minLength": 1},
			},
			"required":             []any{"target_user"},
			"additionalProperties": false,
		}
	default:
		return nil
	}
}

// Describe contributes catalog descriptions for the intent parser.
func (c *Connector) Describe(action string) string {
	switch action {
	case ActionListEvents:
		return "List the requesting user's calendar events, optionally within a date range."
	case ActionBookingLinkOf:
		return "Get a user's booking link (own link, or any user's when asked by an admin)."
	default:
		return ""
	}
}

// Execute implements connector.Connector.
func (c *Connector) Execute(ctx context.Context, call connector.Call) (*connector.Payload, error) {
	switch call.Action {
	case ActionListEvents:
		from, to, err := window(call.Params)
		if err != nil {
			return nil, err
		}
		events, err := c.api.ListEvents(ctx, call.UserID, from, to)
		if err != nil {
			return nil, fmt.Errorf("calendar: list events: %w", err)
		}
		out := make([]any, len(events))
		for i, e := range events {
			out[i] = e
		}
		return &connector.Payload{Results: out, Provider: Name}, nil

	case ActionBookingLinkOf:
		target, _ := call.Params["target_user"].(string)
		if target != call.UserID {
			requester, err := c.users.Get(ctx, call.UserID)
			if err != nil {
				return nil, fmt.Errorf("calendar: resolve requester: %w", err)
			}
			if !requester.Admin {
				return nil, ErrNotAllowed
			}
		}
		link, err := c.api.BookingLink(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("calendar: booking link: %w", err)
		}
		return &connector.Payload{
			Results:  []any{map[string]any{"user": target, "booking_link": link}},
			Provider: Name,
		}, nil

	default:
		return nil, fmt.Errorf("calendar: unknown action %q", call.Action)
	}
}

// window resolves the event range; the default is the next seven days.
func window(params map[string]any) (time.Time, time.Time, error) {
	now := time.Now()
	from, to := now, now.Add(7*24*time.Hour)
	if v, ok := params["from"].(string); ok && v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("calendar: from must be RFC 3339: %w", err)
		}
		from = parsed
	}
	if v, ok := params["to"].(string); ok && v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("calendar: to must be RFC 3339: %w", err)
		}
		to = parsed
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, errors.New("calendar: range end precedes start")
	}
	return from, to, nil
}
