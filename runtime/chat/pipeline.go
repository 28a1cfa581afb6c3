package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mathia.chat/mathia/runtime/cache"
	"mathia.chat/mathia/runtime/fault"
	"mathia.chat/mathia/runtime/jobs"
	"mathia.chat/mathia/runtime/keystore"
	"mathia.chat/mathia/runtime/store"
	"mathia.chat/mathia/runtime/telemetry"
)

// AssistantJob is the job name the pipeline submits when a message
// invokes the assistant; the worker package registers its consumer.
const AssistantJob = "assistant.intent"

// AssistantPayload is the queue payload of one assistant request.
type AssistantPayload struct {
	CorrelationID string `json:"correlation_id"`
	RoomID        string `json:"room"`
	UserID        string `json:"user"`
	Utterance     string `json:"utterance"`
}

// Per-sender message rate limit.
const (
	messageLimit  = 30
	messageWindow = 60 * time.Second
	// idempotencyRetention is how long client idempotency keys suppress
	// duplicates.
	idempotencyRetention = 10 * time.Minute
	// DefaultHistoryPage is the fetch_messages default page size.
	DefaultHistoryPage = 50
)

// triggerRe matches the assistant trigger token, case-insensitive and
// word-bounded.
var triggerRe = regexp.MustCompile(`(?i)(^|[^\w])@mathia($|[^\w])`)

// HasTrigger reports whether a message body invokes the assistant.
func HasTrigger(body string) bool {
	return triggerRe.MatchString(body)
}

// StripTrigger removes the trigger token, leaving the utterance.
func StripTrigger(body string) string {
	return strings.TrimSpace(triggerRe.ReplaceAllString(body, "$1$2"))
}

type (
	// Pipeline receives inbound frames from authenticated transports,
	// persists encrypted messages, broadcasts in order and forks
	// assistant requests to the job queue.
	Pipeline struct {
		stores      store.Stores
		keys        *keystore.Cache
		crypto      *keystore.Keystore
		hub         *Hub
		limiter     cache.RateLimiter
		idempotency cache.Idempotency
		queue       jobs.Queue
		logger      telemetry.Logger
		now         func() time.Time

		// ordering holds one mutex per room spanning persist through
		// broadcast enqueue, so hub delivery order matches history order
		// across concurrent senders.
		ordering sync.Map
	}

	// PipelineOptions configures a Pipeline. All fields are required
	// except Logger.
	PipelineOptions struct {
		Stores      store.Stores
		Keys        *keystore.Cache
		Keystore    *keystore.Keystore
		Hub         *Hub
		Limiter     cache.RateLimiter
		Idempotency cache.Idempotency
		Queue       jobs.Queue
		Logger      telemetry.Logger
	}

	// Session identifies one authenticated connection handling frames.
	Session struct {
		UserID    string
		SessionID string
	}
)

// NewPipeline validates the options and constructs a Pipeline.
func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	switch {
	case opts.Stores.Messages == nil || opts.Stores.Members == nil || opts.Stores.Rooms == nil:
		return nil, errors.New("chat: stores are required")
	case opts.Keys == nil:
		return nil, errors.New("chat: room key cache is required")
	case opts.Keystore == nil:
		return nil, errors.New("chat: keystore is required")
	case opts.Hub == nil:
		return nil, errors.New("chat: hub is required")
	case opts.Limiter == nil:
		return nil, errors.New("chat: rate limiter is required")
	case opts.Idempotency == nil:
		return nil, errors.New("chat: idempotency registry is required")
	case opts.Queue == nil:
		return nil, errors.New("chat: job queue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Pipeline{
		stores:      opts.Stores,
		keys:        opts.Keys,
		crypto:      opts.Keystore,
		hub:         opts.Hub,
		limiter:     opts.Limiter,
		idempotency: opts.Idempotency,
		queue:       opts.Queue,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// HandleNewMessage runs the receive path for a text message: authorize,
// rate-limit, encrypt, persist, broadcast and fork the assistant when
// triggered. The returned message is the persisted record.
func (p *Pipeline) HandleNewMessage(ctx context.Context, sess Session, f *ClientFrame) (*store.Message, error) {
	if sess.UserID == "" {
		return nil, fault.New(fault.Unauthenticated, "session is not bound to a user")
	}
	if f.ChatID == "" || strings.TrimSpace(f.Body) == "" {
		return nil, fault.New(fault.Validation, "chatid and message are required")
	}

	// Membership may have been revoked since the socket was admitted.
	member, err := p.stores.Members.IsMember(ctx, f.ChatID, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("chat: membership check: %w", err)
	}
	if !member {
		return nil, fault.New(fault.Forbidden, "not a member of this room")
	}

	decision, err := p.limiter.Take(ctx, "msg|"+sess.UserID+"|"+f.ChatID, messageLimit, messageWindow)
	if err != nil {
		return nil, fmt.Errorf("chat: message rate limit: %w", err)
	}
	if !decision.Allowed {
		p.hub.SendTo(ctx, sess.UserID, &ServerFrame{
			Command: CmdSystem,
			ChatID:  f.ChatID,
			Text:    fmt.Sprintf("you're sending messages too quickly — try again in %d seconds", int(decision.RetryAfter.Seconds())+1),
		})
		return nil, fault.New(fault.RateLimited, "message rate limit exceeded")
	}

	if f.IdempotencyKey != "" {
		first, err := p.idempotency.Register(ctx, "msg|"+sess.UserID+"|"+f.IdempotencyKey, idempotencyRetention)
		if err != nil {
			return nil, fmt.Errorf("chat: idempotency check: %w", err)
		}
		if !first {
			// Duplicate resend: one persist, one broadcast already
			// happened.
			return nil, nil
		}
	}

	if f.ParentID != "" {
		parent, err := p.stores.Messages.Get(ctx, f.ParentID)
		if err != nil {
			return nil, fault.Wrap(fault.Validation, "parent message not found", err)
		}
		if parent.RoomID != f.ChatID {
			return nil, fault.New(fault.Validation, "parent message belongs to another room")
		}
	}

	order := p.roomOrder(f.ChatID)
	order.Lock()
	msg, err := p.persist(ctx, sess.UserID, f.ChatID, f.Body, f.ParentID, f.IdempotencyKey, store.MessageFlags{})
	if err != nil {
		order.Unlock()
		return nil, err
	}
	err = p.hub.Broadcast(f.ChatID, &ServerFrame{
		Command: CmdNewMessage,
		ChatID:  f.ChatID,
		Message: p.toWire(msg, f.Body),
	})
	order.Unlock()
	if err != nil {
		return nil, fmt.Errorf("chat: broadcast: %w", err)
	}

	if HasTrigger(f.Body) {
		payload, err := json.Marshal(AssistantPayload{
			CorrelationID: msg.ID,
			RoomID:        f.ChatID,
			UserID:        sess.UserID,
			Utterance:     StripTrigger(f.Body),
		})
		if err != nil {
			return nil, fmt.Errorf("chat: encode assistant payload: %w", err)
		}
		if err := p.queue.Enqueue(ctx, AssistantJob, payload, jobs.WithDedupKey(msg.ID)); err != nil {
			p.logger.Error(ctx, "assistant job enqueue failed", "room", f.ChatID, "correlation", msg.ID, "err", err)
		}
	}
	return msg, nil
}

// HandleFileMessage persists a message whose body references an uploaded
// object and broadcasts it like a text message.
func (p *Pipeline) HandleFileMessage(ctx context.Context, sess Session, f *ClientFrame) (*store.Message, error) {
	if sess.UserID == "" {
		return nil, fault.New(fault.Unauthenticated, "session is not bound to a user")
	}
	if f.ChatID == "" || f.FileRef == "" {
		return nil, fault.New(fault.Validation, "chatid and file_ref are required")
	}
	var flags store.MessageFlags
	switch f.FileKind {
	case "image":
		flags.Image = true
	case "file":
		flags.File = true
	case "voice":
		flags.Voice = true
	default:
		return nil, fault.New(fault.Validation, "kind must be image, file or voice")
	}

	member, err := p.stores.Members.IsMember(ctx, f.ChatID, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("chat: membership check: %w", err)
	}
	if !member {
		return nil, fault.New(fault.Forbidden, "not a member of this room")
	}

	order := p.roomOrder(f.ChatID)
	order.Lock()
	msg, err := p.persist(ctx, sess.UserID, f.ChatID, f.FileRef, "", "", flags)
	if err != nil {
		order.Unlock()
		return nil, err
	}
	wire := p.toWire(msg, f.FileRef)
	wire.Kind = f.FileKind
	err = p.hub.Broadcast(f.ChatID, &ServerFrame{Command: CmdNewMessage, ChatID: f.ChatID, Message: wire})
	order.Unlock()
	if err != nil {
		return nil, fmt.Errorf("chat: broadcast: %w", err)
	}
	return msg, nil
}

// SaveAssistantMessage persists an assistant reply through the same
// encrypt-and-append path as user messages. The worker calls it at the
// end of a stream.
func (p *Pipeline) SaveAssistantMessage(ctx context.Context, roomID, body string) (*store.Message, error) {
	return p.persist(ctx, "", roomID, body, "", "", store.MessageFlags{Assistant: true})
}

// FetchMessages returns a decrypted history page, newest first, plus the
// cursor for the next older page.
func (p *Pipeline) FetchMessages(ctx context.Context, sess Session, roomID, before string, limit int) ([]*WireMessage, string, error) {
	if sess.UserID == "" {
		return nil, "", fault.New(fault.Unauthenticated, "session is not bound to a user")
	}
	member, err := p.stores.Members.IsMember(ctx, roomID, sess.UserID)
	if err != nil {
		return nil, "", fmt.Errorf("chat: membership check: %w", err)
	}
	if !member {
		return nil, "", fault.New(fault.Forbidden, "not a member of this room")
	}
	if limit <= 0 || limit > 200 {
		limit = DefaultHistoryPage
	}
	page, err := p.stores.Messages.PageBefore(ctx, roomID, before, limit)
	if err != nil {
		return nil, "", fmt.Errorf("chat: history page: %w", err)
	}

	out := make([]*WireMessage, 0, len(page.Messages))
	for _, m := range page.Messages {
		out = append(out, p.toWire(m, p.decrypt(ctx, m)))
	}
	return out, page.NextCursor, nil
}

// Decrypt decrypts one stored message for egress, surfacing the
// placeholder on failure.
func (p *Pipeline) Decrypt(ctx context.Context, m *store.Message) string {
	return p.decrypt(ctx, m)
}

func (p *Pipeline) roomOrder(roomID string) *sync.Mutex {
	mu, _ := p.ordering.LoadOrStore(roomID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (p *Pipeline) persist(ctx context.Context, senderID, roomID, body, parentID, idemKey string, flags store.MessageFlags) (*store.Message, error) {
	key, version, err := p.keys.Active(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("chat: load room key: %w", err)
	}
	ciphertext, nonce, err := p.crypto.Encrypt(key, []byte(body))
	if err != nil {
		return nil, fmt.Errorf("chat: encrypt message: %w", err)
	}
	msg := &store.Message{
		ID:             uuid.NewString(),
		RoomID:         roomID,
		SenderID:       senderID,
		Ciphertext:     ciphertext,
		Nonce:          nonce,
		KeyVersion:     version,
		Timestamp:      p.now().UTC(),
		ParentID:       parentID,
		Flags:          flags,
		IdempotencyKey: idemKey,
	}
	if err := p.stores.Messages.Append(ctx, msg); err != nil {
		return nil, fmt.Errorf("chat: append message: %w", err)
	}
	return msg, nil
}

func (p *Pipeline) decrypt(ctx context.Context, m *store.Message) string {
	key, err := p.keys.Version(ctx, m.RoomID, m.KeyVersion)
	if err != nil {
		p.logger.Error(ctx, "room key load failed", "room", m.RoomID, "sender", m.SenderID, "err", err)
		return UnreadablePlaceholder
	}
	plaintext, err := p.crypto.Decrypt(key, m.Ciphertext, m.Nonce)
	if err != nil {
		// Never log key material or ciphertext; the message surfaces as a
		// placeholder rather than disappearing from history.
		p.logger.Error(ctx, "message decrypt failed", "room", m.RoomID, "sender", m.SenderID)
		return UnreadablePlaceholder
	}
	return string(plaintext)
}

func (p *Pipeline) toWire(m *store.Message, body string) *WireMessage {
	return &WireMessage{
		ID:        m.ID,
		ChatID:    m.RoomID,
		Sender:    m.SenderID,
		Body:      body,
		Timestamp: m.Timestamp,
		ParentID:  m.ParentID,
		Assistant: m.Flags.Assistant,
		Moderated: m.Flags.Moderated,
		Pinned:    m.Flags.Pinned,
	}
}
