// Package remind exposes the reminder actions the assistant routes:
// schedule, list and cancel. Delivery itself is the periodic dispatcher's
// job; this connector only manages the records.
package remind

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mathia.chat/mathia/runtime/cache"
	"mathia.chat/mathia/runtime/connector"
	"mathia.chat/mathia/runtime/store"
)

// Name is the connector identifier.
const Name = "remind"

// Action names.
const (
	ActionSet    = "set"
	ActionList   = "list"
	ActionCancel = "cancel"
)

// MinLead is the minimum scheduling distance: anything closer would fire
// before the next dispatcher tick anyway.
const MinLead = 60 * time.Second

// maxContentLen bounds reminder text.
const maxContentLen = 500

// Connector is the reminder adapter.
type Connector struct {
	reminders store.Reminders
	now       func() time.Time
}

// New validates the options and constructs the adapter.
func New(reminders store.Reminders) (*Connector, error) {
	if reminders == nil {
		return nil, errors.New("remind: reminders repository is required")
	}
	return &Connector{reminders: reminders, now: time.Now}, nil
}

// Name implements connector.Connector.
func (c *Connector) Name() string { return Name }

// SupportedActions implements connector.Connector.
func (c *Connector) SupportedActions() []string {
	return []string{ActionSet, ActionList, ActionCancel}
}

// ScopeOf implements connector.Connector. Reminders are private.
func (c *Connector) ScopeOf(string) cache.Scope { return cache.ScopeUser }

// TTLFor implements connector.TTLer: reminder views mutate with every
// set/cancel, so results are effectively uncacheable.
func (c *Connector) TTLFor(string, map[string]any) time.Duration {
	return time.Second
}

// ParamSchema implements connector.Connector.
func (c *Connector) ParamSchema(action string) any {
	switch action {
	case ActionSet:
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content":    map[string]any{"type": "string", "minLength": 1, "maxLength": maxContentLen},
				"in_seconds": map[string]any{"type": "integer", "minimum": 60},
				"due_at":     map[string]any{"type": "string"},
				"channel":    map[string]any{"enum": []any{"inapp", "email", "whatsapp", "both"}},
			},
			"required":             []any{"content"},
			"additionalProperties": false,
		}
	case ActionList:
		return map[string]any{
			"type":                 "object",
			"properties":           map[string]any{},
			"additionalProperties": false,
		}
	case ActionCancel:
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{"type": "string", "minLength": 1},
			},
			"required":             []any{"id"},
			"additionalProperties": false,
		}
	default:
		return nil
	}
}

// Describe contributes catalog descriptions for the intent parser.
func (c *Connector) Describe(action string) string {
	switch action {
	case ActionSet:
		return "Schedule a reminder for the requesting user (content, when, delivery channel)."
	case ActionList:
		return "List the requesting user's reminders."
	case ActionCancel:
		return "Cancel one of the requesting user's pending reminders by id."
	default:
		return ""
	}
}

// Execute implements connector.Connector.
func (c *Connector) Execute(ctx context.Context, call connector.Call) (*connector.Payload, error) {
	switch call.Action {
	case ActionSet:
		return c.set(ctx, call)
	case ActionList:
		return c.list(ctx, call)
	case ActionCancel:
		return c.cancel(ctx, call)
	default:
		return nil, fmt.Errorf("remind: unknown action %q", call.Action)
	}
}

func (c *Connector) set(ctx context.Context, call connector.Call) (*connector.Payload, error) {
	content, _ := call.Params["content"].(string)

	dueAt, err := c.dueAt(call.Params)
	if err != nil {
		return nil, err
	}
	if dueAt.Before(c.now().Add(MinLead)) {
		return nil, fmt.Errorf("remind: due time must be at least %s away", MinLead)
	}

	// Default to in-room delivery, matching what the quick-match parser
	// emits when the utterance names no channel.
	channel := store.ChannelInApp
	if v, ok := call.Params["channel"].(string); ok && v != "" {
		channel = store.ReminderChannel(v)
	}

	r := &store.Reminder{
		ID:        uuid.NewString(),
		UserID:    call.UserID,
		RoomID:    call.RoomID,
		Content:   content,
		DueAt:     dueAt,
		Channel:   channel,
		Status:    store.ReminderPending,
		CreatedAt: c.now(),
	}
	if err := c.reminders.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("remind: create: %w", err)
	}
	return &connector.Payload{Results: []any{view(r)}, Provider: Name}, nil
}

func (c *Connector) list(ctx context.Context, call connector.Call) (*connector.Payload, error) {
	all, err := c.reminders.ListForUser(ctx, call.UserID)
	if err != nil {
		return nil, fmt.Errorf("remind: list: %w", err)
	}
	out := make([]any, 0, len(all))
	for _, r := range all {
		if r.Status != store.ReminderPending && r.Status != store.ReminderDispatching {
			continue
		}
		out = append(out, view(r))
	}
	return &connector.Payload{Results: out, Provider: Name}, nil
}

func (c *Connector) cancel(ctx context.Context, call connector.Call) (*connector.Payload, error) {
	id, _ := call.Params["id"].(string)
	// Cancel is owner-scoped: a user can only cancel their own reminders.
	if err := c.reminders.Cancel(ctx, id, call.UserID); err != nil {
		return nil, fmt.Errorf("remind: cancel: %w", err)
	}
	return &connector.Payload{Results: []any{map[string]any{"id": id, "status": string(store.ReminderCanceled)}}, Provider: Name}, nil
}

// dueAt resolves the scheduling time from in_seconds (relative) or
// due_at (RFC 3339). in_seconds wins when both are present, matching how
// the quick-match parser emits it.
func (c *Connector) dueAt(params map[string]any) (time.Time, error) {
	if v, ok := params["in_seconds"].(float64); ok && v > 0 {
		return c.now().Add(time.Duration(v) * time.Second), nil
	}
	if v, ok := params["due_at"].(string); ok && v != "" {
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("remind: due_at must be RFC 3339: %w", err)
		}
		return at, nil
	}
	return time.Time{}, errors.New("remind: either in_seconds or due_at is required")
}

func view(r *store.Reminder) map[string]any {
	return map[string]any{
		"id":      r.ID,
		"content": r.Content,
		"due_at":  r.DueAt,
		"channel": string(r.Channel),
		"status":  string(r.Status),
	}
}
