package intent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"mathia.chat/mathia/runtime/cache"
	"mathia.chat/mathia/runtime/model"
	"mathia.chat/mathia/runtime/telemetry"
)

// LLMParser implements Parser with the two-stage algorithm: quick-match
// first, then a strict-JSON model pass with one repair retry. Results are
// cached on (utterance, profile hash, context hash) so identical triples
// yield identical intents within a session.
type LLMParser struct {
	client  model.Client
	catalog Catalog
	cache   cache.Cache
	logger  telemetry.Logger
	ttl     time.Duration

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// Options configures an LLMParser. Client and Catalog are required; Cache
// is optional (nil disables determinism caching).
type Options struct {
	Client  model.Client
	Catalog Catalog
	Cache   cache.Cache
	Logger  telemetry.Logger
	// CacheTTL bounds the determinism cache. Zero defaults to 15 minutes.
	CacheTTL time.Duration
}

// NewParser validates the options and constructs an LLMParser.
func NewParser(opts Options) (*LLMParser, error) {
	if opts.Client == nil {
		return nil, errors.New("intent: model client is required")
	}
	if opts.Catalog == nil {
		return nil, errors.New("intent: action catalog is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &LLMParser{
		client:  opts.Client,
		catalog: opts.Catalog,
		cache:   opts.Cache,
		logger:  logger,
		ttl:     ttl,
		schemas: make(map[string]*jsonschema.Schema),
	}, nil
}

// quickMatches maps unambiguous utterance shapes straight to intents.
// Order matters: the first match wins.
var quickMatches = []struct {
	re    *regexp.Regexp
	build func(m []string) *Intent
}{
	{
		// "/remind standup in 70 seconds via inapp" and the spoken form
		// "remind me to standup in 2 hours via email".
		re: regexp.MustCompile(`(?i)^(?:/remind|remind\s+me(?:\s+to)?)\s+"?([^"]+?)"?\s+in\s+(\d+)\s+(second|minute|hour|day)s?(?:\s+via\s+(inapp|email|whatsapp|both))?\s*$`),
		build: func(m []string) *Intent {
			n, _ := strconv.Atoi(m[2])
			channel := m[4]
			if channel == "" {
				channel = "inapp"
			}
			return &Intent{Action: "set", Params: map[string]any{
				"content":    strings.TrimSpace(m[1]),
				"in_seconds": float64(n * unitSeconds(m[3])),
				"channel":    strings.ToLower(channel),
			}}
		},
	},
	{
		re: regexp.MustCompile(`(?i)^(?:my\s+)?balance\s*$`),
		build: func([]string) *Intent {
			return &Intent{Action: "balance", Params: map[string]any{}}
		},
	},
	{
		re: regexp.MustCompile(`(?i)^(?:show\s+my\s+|list\s+)?(?:recent\s+)?transactions\s*$`),
		build: func([]string) *Intent {
			return &Intent{Action: "list_txns", Params: map[string]any{}}
		},
	},
	{
		re: regexp.MustCompile(`(?i)^(?:list\s+)?(?:my\s+)?reminders\s*$`),
		build: func([]string) *Intent {
			return &Intent{Action: "list", Params: map[string]any{}}
		},
	},
	{
		re: regexp.MustCompile(`(?i)^weather(?:\s+in)?\s+(.+?)\s*$`),
		build: func(m []string) *Intent {
			return &Intent{Action: "get_weather", Params: map[string]any{"location": strings.TrimSpace(m[1])}}
		},
	},
}

func unitSeconds(unit string) int {
	switch strings.ToLower(unit) {
	case "minute":
		return 60
	case "hour":
		return 3600
	case "day":
		return 86400
	default:
		return 1
	}
}

// Parse implements Parser.
func (p *LLMParser) Parse(ctx context.Context, in Input) (*Intent, error) {
	utterance := strings.TrimSpace(in.Utterance)
	if utterance == "" {
		return &Intent{Action: ActionNone}, nil
	}

	for _, qm := range quickMatches {
		if m := qm.re.FindStringSubmatch(utterance); m != nil {
			return qm.build(m), nil
		}
	}

	key := p.cacheKey(in)
	if p.cache != nil {
		if cached, ok, err := p.cache.Get(ctx, key); err == nil && ok {
			var it Intent
			if json.Unmarshal(cached, &it) == nil {
				return &it, nil
			}
		}
	}

	it, err := p.llmParse(ctx, in)
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		if encoded, err := json.Marshal(it); err == nil {
			if err := p.cache.Set(ctx, key, encoded, p.ttl); err != nil {
				p.logger.Error(ctx, "intent cache store failed", "err", err)
			}
		}
	}
	return it, nil
}

// intentSchema constrains the model output shape; the chosen action's
// param schema is validated separately.
func (p *LLMParser) intentSchema() map[string]any {
	names := []any{ActionChat}
	for _, a := range p.catalog.Actions() {
		names = append(names, a.Name)
	}
	return map[string]any{
		"type":                 "object",
		"required":             []any{"action", "params"},
		"additionalProperties": false,
		"properties": map[string]any{
			"action": map[string]any{"type": "string", "enum": names},
			"params": map[string]any{"type": "object"},
		},
	}
}

func (p *LLMParser) llmParse(ctx context.Context, in Input) (*Intent, error) {
	prompt := p.buildPrompt(in)
	messages := []model.Message{
		{Role: "system", Content: prompt},
		{Role: "user", Content: in.Utterance},
	}

	var lastErr error
	for attempt := range 2 {
		if attempt > 0 {
			// Repair pass: append the validation error so the model can
			// correct its output.
			messages = append(messages, model.Message{
				Role:    "user",
				Content: "The previous output was invalid: " + lastErr.Error() + ". Reply again with only the corrected JSON object.",
			})
		}
		resp, err := p.client.Complete(ctx, model.Request{
			Messages:    messages,
			Mode:        model.ModeJSON,
			Schema:      p.intentSchema(),
			Temperature: 0,
			MaxTokens:   512,
		})
		if err != nil {
			return nil, fmt.Errorf("intent: model call: %w", err)
		}

		it, err := p.decode(resp)
		if err == nil {
			return it, nil
		}
		lastErr = err
		messages = append(messages, model.Message{Role: "assistant", Content: resp.Text})
	}

	// Second failure falls back to a free-form chat reply instead of
	// surfacing an error to the room.
	p.logger.Info(ctx, "intent parse fell back to chat", "err", lastErr)
	return &Intent{Action: ActionChat, Params: map[string]any{"utterance": in.Utterance}}, nil
}

func (p *LLMParser) decode(resp *model.Response) (*Intent, error) {
	doc := resp.JSON
	if doc == nil {
		if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Text)), &doc); err != nil {
			return nil, fmt.Errorf("output is not a JSON object: %w", err)
		}
	}
	action, _ := doc["action"].(string)
	if action == "" {
		return nil, errors.New("output is missing the action field")
	}
	params, _ := doc["params"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	if action == ActionChat {
		return &Intent{Action: ActionChat, Params: params}, nil
	}

	spec, ok := p.lookup(action)
	if !ok {
		return nil, fmt.Errorf("action %q is not in the catalog", action)
	}
	if spec.Schema != nil {
		schema, err := p.compiled(action, spec.Schema)
		if err != nil {
			return nil, err
		}
		if err := schema.Validate(roundTrip(params)); err != nil {
			return nil, fmt.Errorf("params invalid for %s: %w", action, err)
		}
	}
	return &Intent{Action: action, Params: params}, nil
}

func (p *LLMParser) lookup(action string) (ActionSpec, bool) {
	for _, a := range p.catalog.Actions() {
		if a.Name == action {
			return a, true
		}
	}
	return ActionSpec{}, false
}

func (p *LLMParser) compiled(action string, doc any) (*jsonschema.Schema, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.schemas[action]; ok {
		return s, nil
	}
	c := jsonschema.NewCompiler()
	name := "intent/" + action + ".json"
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("intent: add schema resource: %w", err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("intent: compile schema: %w", err)
	}
	p.schemas[action] = schema
	return schema, nil
}

func (p *LLMParser) buildPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("You translate chat requests into structured intents for a personal assistant. ")
	b.WriteString("Reply with a single JSON object {\"action\": ..., \"params\": {...}}. ")
	b.WriteString("Choose \"chat\" when no listed action applies.\n\nActions:\n")
	for _, a := range p.catalog.Actions() {
		b.WriteString("- ")
		b.WriteString(a.Name)
		if a.Description != "" {
			b.WriteString(": ")
			b.WriteString(a.Description)
		}
		if a.Schema != nil {
			if enc, err := json.Marshal(a.Schema); err == nil {
				b.WriteString(" params schema ")
				b.Write(enc)
			}
		}
		b.WriteString("\n")
	}
	if in.Profile != "" {
		b.WriteString("\nUser profile: ")
		b.WriteString(in.Profile)
	}
	if in.RoomContext != "" {
		b.WriteString("\nConversation context: ")
		b.WriteString(in.RoomContext)
	}
	return b.String()
}

func (p *LLMParser) cacheKey(in Input) string {
	u := sha256.Sum256([]byte(in.Utterance))
	pr := sha256.Sum256([]byte(in.Profile))
	c := sha256.Sum256([]byte(in.RoomContext))
	return "intent:" + hex.EncodeToString(u[:]) + ":" + hex.EncodeToString(pr[:]) + ":" + hex.EncodeToString(c[:])
}

// roundTrip re-decodes params through JSON so the validator sees wire
// types.
func roundTrip(params map[string]any) any {
	b, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return params
	}
	return decoded
}

var _ Parser = (*LLMParser)(nil)
