package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mathia.chat/mathia/runtime/chat"
	"mathia.chat/mathia/runtime/connector"
	"mathia.chat/mathia/runtime/jobs"
	"mathia.chat/mathia/runtime/router"
	"mathia.chat/mathia/runtime/store"
	"mathia.chat/mathia/runtime/telemetry"
)

// ModerationJob is the periodic moderation tick.
const ModerationJob = "moderation.pass"

// moderationBatch caps messages classified per room per tick.
const moderationBatch = 100

type (
	// Moderation is the periodic pass over flagged rooms: classify recent
	// messages, mark the ones that trip the classifier and notify the
	// room owner. Message plaintext exists only in this worker's memory
	// during classification.
	Moderation struct {
		stores   store.Stores
		pipeline *chat.Pipeline
		router   *router.Router
		hub      *chat.Hub
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time
	}

	// ModerationOptions configures the pass.
	ModerationOptions struct {
		Stores   store.Stores
		Pipeline *chat.Pipeline
		Router   *router.Router
		Hub      *chat.Hub
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
	}
)

// NewModeration validates the options and constructs the pass.
func NewModeration(opts ModerationOptions) (*Moderation, error) {
	switch {
	case opts.Stores.Rooms == nil || opts.Stores.Messages == nil || opts.Stores.Members == nil:
		return nil, errors.New("worker: stores are required")
	case opts.Pipeline == nil:
		return nil, errors.New("worker: pipeline is required")
	case opts.Router == nil:
		return nil, errors.New("worker: router is required")
	case opts.Hub == nil:
		return nil, errors.New("worker: hub is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Moderation{
		stores:   opts.Stores,
		pipeline: opts.Pipeline,
		router:   opts.Router,
		hub:      opts.Hub,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}, nil
}

// Register binds the pass and schedules its tick.
func (m *Moderation) Register(ctx context.Context, q jobs.Queue) error {
	q.Register(ModerationJob, m.Handle)
	return q.SchedulePeriodic(ctx, ModerationJob, jobs.ModerationInterval)
}

// Handle runs one moderation tick.
func (m *Moderation) Handle(ctx context.Context, _ []byte, _ int) jobs.Result {
	rooms, err := m.stores.Rooms.ListFlagged(ctx)
	if err != nil {
		m.logger.Error(ctx, "flagged room list failed", "err", err)
		return jobs.Retry(30 * time.Second)
	}
	since := m.now().Add(-jobs.ModerationInterval)
	for _, room := range rooms {
		if err := m.sweep(ctx, room, since); err != nil {
			m.logger.Error(ctx, "moderation sweep failed", "room", room.ID, "err", err)
		}
	}
	return jobs.OK()
}

func (m *Moderation) sweep(ctx context.Context, room *store.Room, since time.Time) error {
	msgs, err := m.stores.Messages.RecentSince(ctx, room.ID, since, moderationBatch)
	if err != nil {
		return fmt.Errorf("worker: recent messages: %w", err)
	}
	hits := 0
	for _, msg := range msgs {
		if msg.Flags.Assistant || msg.Flags.Moderated || msg.Deleted {
			continue
		}
		verdict := m.classify(ctx, room.ID, msg)
		if verdict != "flag" && verdict != "block" {
			continue
		}
		if err := m.stores.Messages.SetModerated(ctx, msg.ID); err != nil {
			m.logger.Error(ctx, "set moderated failed", "message", msg.ID, "err", err)
			continue
		}
		hits++
		m.metrics.IncCounter("mathia.moderation.hits", 1, "verdict", verdict)
	}
	if hits > 0 {
		m.notifyOwner(ctx, room, hits)
	}
	return nil
}

// classify runs one message through the moderation connector. The
// connector's fallback is allow, so classification failures never hide
// messages.
func (m *Moderation) classify(ctx context.Context, roomID string, msg *store.Message) string {
	body := m.pipeline.Decrypt(ctx, msg)
	if body == chat.UnreadablePlaceholder {
		return "allow"
	}
	res, err := m.router.Route(ctx, "classify", map[string]any{"content": body},
		router.Ctx{UserID: msg.SenderID, RoomID: roomID, CorrelationID: msg.ID})
	if err != nil || res.Status != connector.StatusOK || len(res.Results) == 0 {
		return "allow"
	}
	verdict, ok := res.Results[0].(map[string]any)
	if !ok {
		return "allow"
	}
	action, _ := verdict["action"].(string)
	if action == "" {
		return "allow"
	}
	return action
}

func (m *Moderation) notifyOwner(ctx context.Context, room *store.Room, hits int) {
	noun := "message"
	if hits != 1 {
		noun = "messages"
	}
	m.hub.SendTo(ctx, room.OwnerID, &chat.ServerFrame{
		Command: chat.CmdSystem,
		ChatID:  room.ID,
		Text:    fmt.Sprintf("moderation hid %d %s in this room", hits, noun),
	})
}
