// Package messaging adapts the outbound notification channels: email and
// WhatsApp. Destinations resolve from the recipient's account, never from
// model output, and a per-user daily quota caps how much any one user can
// trigger.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"mathia.chat/mathia/runtime/cache"
	"mathia.chat/mathia/runtime/connector"
	"mathia.chat/mathia/runtime/store"
)

// Name is the connector identifier.
const Name = "messaging"

// Action names.
const (
	ActionSendEmail    = "send_email"
	ActionSendWhatsApp = "send_whatsapp"
)

// Sending bounds.
const (
	// maxContentLen bounds one outbound message body.
	maxContentLen = 2000
	// dailyQuota caps sends per user per day across both channels.
	dailyQuota = 50
	// quotaWindow is the quota period.
	quotaWindow = 24 * time.Hour
)

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// ErrQuotaExceeded reports the per-user daily send quota is exhausted.
var ErrQuotaExceeded = errors.New("messaging: daily send quota exceeded")

type (
	// EmailSender is the narrow SMTP/provider surface.
	EmailSender interface {
		SendEmail(ctx context.Context, to, subject, body string) error
	}

	// WhatsAppSender delivers to a user's verified WhatsApp destination;
	// the provider owns the user-to-number mapping.
	WhatsAppSender interface {
		SendWhatsApp(ctx context.Context, userID, body string) error
	}

	// Connector is the messaging adapter.
	Connector struct {
		email    EmailSender
		whatsapp WhatsAppSender
		users    store.Users
		quota    cache.RateLimiter
	}

	// Options configures the adapter. All fields are required.
	Options struct {
		Email    EmailSender
		WhatsApp WhatsAppSender
		Users    store.Users
		Quota    cache.RateLimiter
	}
)

// New validates the options and constructs the adapter.
func New(opts Options) (*Connector, error) {
	switch {
	case opts.Email == nil:
		return nil, errors.New("messaging: email sender is required")
	case opts.WhatsApp == nil:
		return nil, errors.New("messaging: whatsapp sender is required")
	case opts.Users == nil:
		return nil, errors.New("messaging: users repository is required")
	case opts.Quota == nil:
		return nil, errors.New("messaging: quota limiter is required")
	}
	return &Connector{
		email:    opts.Email,
		whatsapp: opts.WhatsApp,
		users:    opts.Users,
		quota:    opts.Quota,
	}, nil
}

// Name implements connector.Connector.
func (c *Connector) Name() string { return Name }

// SupportedActions implements connector.Connector.
func (c *Connector) SupportedActions() []string {
	return []string{ActionSendEmail, ActionSendWhatsApp}
}

// ScopeOf implements connector.Connector. Sends are per-user and must
// never be served from cache.
func (c *Connector) ScopeOf(string) cache.Scope { return cache.ScopeUser }

// TTLFor implements connector.TTLer: a send is a side effect, not a
// lookup; cached copies would swallow real deliveries.
func (c *Connector) TTLFor(string, map[string]any) time.Duration {
	return time.Millisecond
}

// ParamSchema implements connector.Connector.
func (c *Connector) ParamSchema(action string) any {
	props := map[string]any{
		"to_user": map[string]any{"type": "string", "minLength": 1},
		"content": map[string]any{"type": "string", "minLength": 1, "maxLength": maxContentLen},
	}
	if action == ActionSendEmail {
		props["subject"] = map[string]any{"type": "string", "maxLength": 200}
	}
	switch action {
	case ActionSendEmail, ActionSendWhatsApp:
		return map[string]any{
			"type":                 "object",
			"properties":           props,
			"required":             []any{"content"},
			"additionalProperties": false,
		}
	default:
		return nil
	}
}

// Describe contributes catalog descriptions for the intent parser.
func (c *Connector) Describe(action string) string {
	switch action {
	case ActionSendEmail:
		return "Send an email to a user's registered address."
	case ActionSendWhatsApp:
		return "Send a WhatsApp message to a user's verified number."
	default:
		return ""
	}
}

// Execute implements connector.Connector.
func (c *Connector) Execute(ctx context.Context, call connector.Call) (*connector.Payload, error) {
	content, _ := call.Params["content"].(string)
	target, _ := call.Params["to_user"].(string)
	if target == "" {
		// Self-notification is the default (reminders, receipts).
		target = call.UserID
	}

	decision, err := c.quota.Take(ctx, "msgquota|"+call.UserID, dailyQuota, quotaWindow)
	if err != nil {
		return nil, fmt.Errorf("messaging: quota check: %w", err)
	}
	if !decision.Allowed {
		return nil, ErrQuotaExceeded
	}

	switch call.Action {
	case ActionSendEmail:
		u, err := c.users.Get(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("messaging: resolve recipient: %w", err)
		}
		if !u.Active {
			return nil, errors.New("messaging: recipient account is deactivated")
		}
		if !emailRe.MatchString(u.Email) {
			return nil, fmt.Errorf("messaging: recipient has no valid email address")
		}
		subject, _ := call.Params["subject"].(string)
		if subject == "" {
			subject = "Message from Mathia"
		}
		if err := c.email.SendEmail(ctx, u.Email, subject, content); err != nil {
			return nil, fmt.Errorf("messaging: send email: %w", err)
		}
		return receipt("email", target), nil

	case ActionSendWhatsApp:
		u, err := c.users.Get(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("messaging: resolve recipient: %w", err)
		}
		if !u.Active {
			return nil, errors.New("messaging: recipient account is deactivated")
		}
		if err := c.whatsapp.SendWhatsApp(ctx, target, content); err != nil {
			return nil, fmt.Errorf("messaging: send whatsapp: %w", err)
		}
		return receipt("whatsapp", target), nil

	default:
		return nil, fmt.Errorf("messaging: unknown action %q", call.Action)
	}
}

func receipt(channel, target string) *connector.Payload {
	return &connector.Payload{
		Results:  []any{map[string]any{"channel": channel, "to_user": target, "sent": true}},
		Provider: Name,
	}
}
