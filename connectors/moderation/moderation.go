// Package moderation classifies message text into allow, flag or block
// via the configured model in strict JSON mode. Classification is
// advisory: when the model is unreachable the fallback answers allow, so
// an LLM outage never silences a room.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mathia.chat/mathia/runtime/cache"
	"mathia.chat/mathia/runtime/connector"
	"mathia.chat/mathia/runtime/model"
)

// Name is the connector identifier.
const Name = "moderation"

// ActionClassify is the single action this connector serves.
const ActionClassify = "classify"

// maxTextLen bounds one classification input.
const maxTextLen = 4000

// Verdicts.
const (
	VerdictAllow = "allow"
	VerdictFlag  = "flag"
	VerdictBlock = "block"
)

const systemPrompt = `You are a content moderation classifier for a chat platform.
Classify the user-provided message into exactly one action:
- "allow": ordinary conversation, even if rude or heated.
- "flag": borderline content a human moderator should review (harassment, spam, scams).
- "block": clear policy violations (threats of violence, sexual content involving minors, doxxing).
Answer with JSON only.`

// verdictSchema is the strict output contract for the classifier.
var verdictSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"action": map[string]any{"enum": []any{VerdictAllow, VerdictFlag, VerdictBlock}},
		"reason": map[string]any{"type": "string", "maxLength": 500},
	},
	"required":             []any{"action"},
	"additionalProperties": false,
}

// Connector is the moderation classifier adapter.
type Connector struct {
	client model.Client
}

// New validates the options and constructs the adapter.
func New(client model.Client) (*Connector, error) {
	if client == nil {
		return nil, errors.New("moderation: model client is required")
	}
	return &Connector{client: client}, nil
}

// Name implements connector.Connector.
func (c *Connector) Name() string { return Name }

// SupportedActions implements connector.Connector.
func (c *Connector) SupportedActions() []string { return []string{ActionClassify} }

// ScopeOf implements connector.Connector. Verdicts depend only on the
// text, so identical inputs share a cache entry.
func (c *Connector) ScopeOf(string) cache.Scope { return cache.ScopePublic }

// TTLFor implements connector.TTLer: the same text classifies the same
// way for a long while.
func (c *Connector) TTLFor(string, map[string]any) time.Duration {
	return time.Hour
}

// ParamSchema implements connector.Connector.
func (c *Connector) ParamSchema(action string) any {
	if action != ActionClassify {
		return nil
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string", "minLength": 1, "maxLength": maxTextLen},
		},
		"required":             []any{"text"},
		"additionalProperties": false,
	}
}

// Describe contributes the catalog description for the intent parser.
func (c *Connector) Describe(action string) string {
	if action != ActionClassify {
		return ""
	}
	return "Classify message text as allow, flag or block for moderation."
}

// Execute implements connector.Connector.
func (c *Connector) Execute(ctx context.Context, call connector.Call) (*connector.Payload, error) {
	if call.Action != ActionClassify {
		return nil, fmt.Errorf("moderation: unknown action %q", call.Action)
	}
	text, _ := call.Params["text"].(string)

	res, err := c.client.Complete(ctx, model.Request{
		Messages: []model.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: text},
		},
		Mode:      model.ModeJSON,
		Schema:    verdictSchema,
		MaxTokens: 128,
	})
	if err != nil {
		return nil, fmt.Errorf("moderation: classify: %w", err)
	}
	action, _ := res.JSON["action"].(string)
	switch action {
	case VerdictAllow, VerdictFlag, VerdictBlock:
	default:
		return nil, fmt.Errorf("moderation: model returned invalid verdict %q", action)
	}
	verdict := map[string]any{"action": action}
	if reason, ok := res.JSON["reason"].(string); ok && reason != "" {
		verdict["reason"] = reason
	}
	return &connector.Payload{Results: []any{verdict}, Provider: res.Provider}, nil
}

// Fallback implements connector.Fallbacker: classification failures
// resolve to allow rather than blocking conversation on an LLM outage.
// The payload is not degraded data, so the envelope stays status ok with
// fallback_used set.
func (c *Connector) Fallback(_ context.Context, call connector.Call) (*connector.Payload, error) {
	if call.Action != ActionClassify {
		return nil, fmt.Errorf("moderation: unknown action %q", call.Action)
	}
	return &connector.Payload{
		Results:  []any{map[string]any{"action": VerdictAllow, "reason": "classifier unavailable"}},
		Provider: "fail-open",
	}, nil
}
