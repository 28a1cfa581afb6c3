// Package worker hosts the job-queue consumers: the assistant intent
// handler and the periodic reminder, moderation and summarization
// passes. Workers only ever see plaintext in memory; everything they
// persist goes back through the encrypting pipeline.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"mathia.chat/mathia/runtime/chat"
	"mathia.chat/mathia/runtime/connector"
	"mathia.chat/mathia/runtime/intent"
	"mathia.chat/mathia/runtime/jobs"
	"mathia.chat/mathia/runtime/model"
	"mathia.chat/mathia/runtime/router"
	"mathia.chat/mathia/runtime/store"
	"mathia.chat/mathia/runtime/telemetry"
)

// Assistant stream and retry bounds.
const (
	// maxStreamChunk caps one ai_stream frame's chunk payload.
	maxStreamChunk = 2048
	// maxAssistantAttempts dead-letters an assistant job after repeated
	// transient failures.
	maxAssistantAttempts = 3
	// contextTurns is how many recent turns feed the parser's room
	// context.
	contextTurns = 12
)

type (
	// Assistant consumes assistant.intent jobs: parse the utterance,
	// route the intent, stream the reply and persist it. A newer request
	// in the same room cancels the in-flight one.
	Assistant struct {
		pipeline *chat.Pipeline
		hub      *chat.Hub
		parser   intent.Parser
		router   *router.Router
		chatter  model.Client
		stores   store.Stores
		logger   telemetry.Logger
		metrics  telemetry.Metrics

		mu     sync.Mutex
		active map[string]*run
	}

	// AssistantOptions configures an Assistant. Logger and Metrics
	// default to noops.
	AssistantOptions struct {
		Pipeline *chat.Pipeline
		Hub      *chat.Hub
		Parser   intent.Parser
		Router   *router.Router
		// Chatter serves free-form replies and is usually the same
		// middleware-wrapped client the parser uses.
		Chatter model.Client
		Stores  store.Stores
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	run struct {
		correlationID string
		cancel        context.CancelFunc
	}
)

// NewAssistant validates the options and constructs an Assistant.
func NewAssistant(opts AssistantOptions) (*Assistant, error) {
	switch {
	case opts.Pipeline == nil:
		return nil, errors.New("worker: pipeline is required")
	case opts.Hub == nil:
		return nil, errors.New("worker: hub is required")
	case opts.Parser == nil:
		return nil, errors.New("worker: intent parser is required")
	case opts.Router == nil:
		return nil, errors.New("worker: router is required")
	case opts.Chatter == nil:
		return nil, errors.New("worker: chat model client is required")
	case opts.Stores.Rooms == nil || opts.Stores.Messages == nil || opts.Stores.Users == nil:
		return nil, errors.New("worker: stores are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Assistant{
		pipeline: opts.Pipeline,
		hub:      opts.Hub,
		parser:   opts.Parser,
		router:   opts.Router,
		chatter:  opts.Chatter,
		stores:   opts.Stores,
		logger:   logger,
		metrics:  metrics,
		active:   make(map[string]*run),
	}, nil
}

// Register binds the assistant handler to the queue.
func (a *Assistant) Register(q jobs.Queue) {
	q.Register(chat.AssistantJob, a.Handle)
}

// Handle consumes one assistant.intent delivery.
func (a *Assistant) Handle(ctx context.Context, payload []byte, attempt int) jobs.Result {
	var p chat.AssistantPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return jobs.Dead(fmt.Sprintf("malformed assistant payload: %v", err))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.begin(p.RoomID, p.CorrelationID, cancel)
	defer a.finish(p.RoomID, p.CorrelationID)

	err := a.respond(ctx, p)
	switch {
	case err == nil:
		return jobs.OK()
	case errors.Is(err, context.Canceled):
		// Superseded by a newer request in the room. Remaining chunks are
		// discarded; the room sees a system note instead of a truncated
		// reply.
		a.hub.SendTo(context.Background(), p.UserID, &chat.ServerFrame{
			Command: chat.CmdSystem,
			ChatID:  p.RoomID,
			Text:    "that request was replaced by a newer one",
		})
		return jobs.OK()
	case transient(err) && attempt < maxAssistantAttempts:
		a.logger.Warn(ctx, "assistant attempt failed", "room", p.RoomID, "correlation", p.CorrelationID, "attempt", attempt, "err", err)
		return jobs.Retry(time.Duration(attempt) * 5 * time.Second)
	default:
		a.logger.Error(ctx, "assistant request failed", "room", p.RoomID, "correlation", p.CorrelationID, "attempt", attempt, "err", err)
		a.hub.SendTo(context.Background(), p.UserID, &chat.ServerFrame{
			Command: chat.CmdSystem,
			ChatID:  p.RoomID,
			Text:    "sorry, I couldn't process that request",
		})
		return jobs.Dead(err.Error())
	}
}

func (a *Assistant) respond(ctx context.Context, p chat.AssistantPayload) error {
	in := intent.Input{Utterance: p.Utterance}
	if roomCtx, err := a.roomContext(ctx, p.RoomID); err == nil {
		in.RoomContext = roomCtx
	} else {
		a.logger.Warn(ctx, "room context unavailable", "room", p.RoomID, "err", err)
	}
	if profile, err := a.profile(ctx, p.UserID); err == nil {
		in.Profile = profile
	}

	it, err := a.parser.Parse(ctx, in)
	if err != nil {
		return fmt.Errorf("worker: parse intent: %w", err)
	}
	it.RequestingUser = p.UserID
	it.RoomID = p.RoomID
	it.CorrelationID = p.CorrelationID
	a.metrics.IncCounter("mathia.assistant.intents", 1, "action", it.Action)

	switch it.Action {
	case intent.ActionNone:
		return nil
	case intent.ActionChat:
		return a.streamChat(ctx, p)
	default:
		res, err := a.router.Route(ctx, it.Action, it.Params, router.Ctx{
			UserID:        p.UserID,
			RoomID:        p.RoomID,
			CorrelationID: p.CorrelationID,
		})
		if err != nil {
			return fmt.Errorf("worker: route %s: %w", it.Action, err)
		}
		return a.deliver(ctx, p, renderResult(it.Action, res))
	}
}

// streamChat streams a free-form reply, re-chunked so no frame exceeds
// the stream chunk bound, then persists the full transcript.
func (a *Assistant) streamChat(ctx context.Context, p chat.AssistantPayload) error {
	req := model.Request{
		Mode: model.ModeText,
		Messages: []model.Message{
			{Role: "system", Content: chatSystemPrompt},
			{Role: "user", Content: p.Utterance},
		},
	}
	stream, err := a.chatter.Stream(ctx, req)
	if errors.Is(err, model.ErrStreamingUnsupported) {
		resp, cerr := a.chatter.Complete(ctx, req)
		if cerr != nil {
			return fmt.Errorf("worker: chat completion: %w", cerr)
		}
		return a.deliver(ctx, p, resp.Text)
	}
	if err != nil {
		return fmt.Errorf("worker: open chat stream: %w", err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("worker: chat stream: %w", err)
		}
		if chunk.Type == model.ChunkDone {
			break
		}
		if chunk.Type != model.ChunkText || chunk.Text == "" {
			continue
		}
		full.WriteString(chunk.Text)
		for _, piece := range splitChunks(chunk.Text, maxStreamChunk) {
			if err := a.hub.Broadcast(p.RoomID, &chat.ServerFrame{
				Command:       chat.CmdAIStream,
				ChatID:        p.RoomID,
				CorrelationID: p.CorrelationID,
				Chunk:         piece,
			}); err != nil {
				return fmt.Errorf("worker: stream chunk: %w", err)
			}
		}
	}
	return a.persistFinal(ctx, p, full.String())
}

// deliver streams a complete text as ordered chunks and persists it.
func (a *Assistant) deliver(ctx context.Context, p chat.AssistantPayload, text string) error {
	for _, piece := range splitChunks(text, maxStreamChunk) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.hub.Broadcast(p.RoomID, &chat.ServerFrame{
			Command:       chat.CmdAIStream,
			ChatID:        p.RoomID,
			CorrelationID: p.CorrelationID,
			Chunk:         piece,
		}); err != nil {
			return fmt.Errorf("worker: stream chunk: %w", err)
		}
	}
	return a.persistFinal(ctx, p, text)
}

func (a *Assistant) persistFinal(ctx context.Context, p chat.AssistantPayload, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.hub.Broadcast(p.RoomID, &chat.ServerFrame{
		Command:       chat.CmdAIStream,
		ChatID:        p.RoomID,
		CorrelationID: p.CorrelationID,
		IsFinal:       true,
	}); err != nil {
		return fmt.Errorf("worker: stream final: %w", err)
	}
	if text == "" {
		return nil
	}
	msg, err := a.pipeline.SaveAssistantMessage(ctx, p.RoomID, text)
	if err != nil {
		return fmt.Errorf("worker: persist assistant message: %w", err)
	}
	wire := &chat.WireMessage{
		ID:        msg.ID,
		ChatID:    msg.RoomID,
		Body:      text,
		Timestamp: msg.Timestamp,
		Assistant: true,
	}
	if err := a.hub.Broadcast(p.RoomID, &chat.ServerFrame{
		Command:       chat.CmdAIMessageSaved,
		ChatID:        p.RoomID,
		CorrelationID: p.CorrelationID,
		Message:       wire,
	}); err != nil {
		return fmt.Errorf("worker: announce saved message: %w", err)
	}
	return nil
}

// roomContext assembles the summary plus recent decrypted turns for the
// parser. Decryption happens in worker memory only.
func (a *Assistant) roomContext(ctx context.Context, roomID string) (string, error) {
	room, err := a.stores.Rooms.Get(ctx, roomID)
	if err != nil {
		return "", err
	}
	page, err := a.stores.Messages.PageBefore(ctx, roomID, "", contextTurns)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if room.Summary != "" {
		b.WriteString("Summary so far: ")
		b.WriteString(room.Summary)
		b.WriteString("\n")
	}
	// Oldest first for the prompt.
	for i := len(page.Messages) - 1; i >= 0; i-- {
		m := page.Messages[i]
		who := m.SenderID
		if m.Flags.Assistant {
			who = "assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", who, a.pipeline.Decrypt(ctx, m))
	}
	return b.String(), nil
}

func (a *Assistant) profile(ctx context.Context, userID string) (string, error) {
	u, err := a.stores.Users.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	return "username " + u.Username, nil
}

func (a *Assistant) begin(roomID, correlationID string, cancel context.CancelFunc) {
	a.mu.Lock()
	prev := a.active[roomID]
	a.active[roomID] = &run{correlationID: correlationID, cancel: cancel}
	a.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}
}

func (a *Assistant) finish(roomID, correlationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur := a.active[roomID]; cur != nil && cur.correlationID == correlationID {
		delete(a.active, roomID)
	}
}

const chatSystemPrompt = "You are Mathia, a helpful assistant inside a group chat. " +
	"Answer briefly and directly. Do not invent account or booking data; " +
	"say so when you don't know."

// renderResult turns a routed envelope into reply text.
func renderResult(action string, res *connector.Result) string {
	switch res.Status {
	case connector.StatusOK:
		body, err := json.MarshalIndent(res.Results, "", "  ")
		if err != nil || res.Count == 0 {
			return fmt.Sprintf("done: %s", action)
		}
		note := ""
		if res.Metadata.FallbackUsed {
			note = "\n(showing backup data; live results were unavailable)"
		}
		return fmt.Sprintf("%s\n%s%s", headline(action, res.Count), body, note)
	case connector.StatusPartial:
		body, _ := json.MarshalIndent(res.Results, "", "  ")
		return fmt.Sprintf("%s\n%s\n(this may be incomplete or out of date)", headline(action, res.Count), body)
	case connector.StatusRateLimited:
		return fmt.Sprintf("you've hit the limit for %s — try again in about %d seconds", action, int(res.RetryAfter.Seconds())+1)
	case connector.StatusUnsupported:
		return fmt.Sprintf("I can't do %q yet", action)
	default:
		return fmt.Sprintf("sorry, %s failed: %s", action, res.Error)
	}
}

func headline(action string, count int) string {
	noun := "result"
	if count != 1 {
		noun = "results"
	}
	return fmt.Sprintf("%s: %d %s", action, count, noun)
}

// splitChunks cuts s into pieces of at most max bytes without breaking
// UTF-8 sequences.
func splitChunks(s string, max int) []string {
	if s == "" {
		return nil
	}
	if len(s) <= max {
		return []string{s}
	}
	var out []string
	for len(s) > max {
		cut := max
		// Back off to a rune boundary.
		for cut > 0 && s[cut]&0xC0 == 0x80 {
			cut--
		}
		if cut == 0 {
			cut = max
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

// transient reports whether an error is worth retrying: provider 5xx,
// timeouts, rate limiting.
func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var pe *model.ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	return false
}
