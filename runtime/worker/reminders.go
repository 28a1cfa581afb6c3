package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mathia.chat/mathia/runtime/cache"
	"mathia.chat/mathia/runtime/chat"
	"mathia.chat/mathia/runtime/connector"
	"mathia.chat/mathia/runtime/jobs"
	"mathia.chat/mathia/runtime/router"
	"mathia.chat/mathia/runtime/store"
	"mathia.chat/mathia/runtime/telemetry"
)

// ReminderJob is the periodic dispatcher tick.
const ReminderJob = "reminders.dispatch"

// Dispatch bounds.
const (
	// claimBatch caps how many due reminders one tick claims.
	claimBatch = 50
	// maxReminderAttempts marks a reminder failed after exhausting
	// retries.
	maxReminderAttempts = 3
	// attemptRetention is how long a (reminder, attempt) idempotency
	// registration suppresses double-sends across workers.
	attemptRetention = time.Hour
)

// retryBackoff maps attempt number to the delay before the next one.
var retryBackoff = [...]time.Duration{1 * time.Minute, 5 * time.Minute, 30 * time.Minute}

type (
	// Reminders is the periodic dispatcher: claim due reminders, deliver
	// in-room or through the messaging connector, record the outcome.
	// At-least-once queue semantics plus the per-(reminder, attempt)
	// idempotency key keep delivery effectively once.
	Reminders struct {
		reminders   store.Reminders
		router      *router.Router
		pipeline    *chat.Pipeline
		hub         *chat.Hub
		idempotency cache.Idempotency
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		now         func() time.Time
	}

	// RemindersOptions configures the dispatcher.
	RemindersOptions struct {
		Reminders   store.Reminders
		Router      *router.Router
		Pipeline    *chat.Pipeline
		Hub         *chat.Hub
		Idempotency cache.Idempotency
		Logger      telemetry.Logger
		Metrics     telemetry.Metrics
	}
)

// NewReminders validates the options and constructs the dispatcher.
func NewReminders(opts RemindersOptions) (*Reminders, error) {
	switch {
	case opts.Reminders == nil:
		return nil, errors.New("worker: reminders repository is required")
	case opts.Router == nil:
		return nil, errors.New("worker: router is required")
	case opts.Pipeline == nil:
		return nil, errors.New("worker: pipeline is required")
	case opts.Hub == nil:
		return nil, errors.New("worker: hub is required")
	case opts.Idempotency == nil:
		return nil, errors.New("worker: idempotency registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Reminders{
		reminders:   opts.Reminders,
		router:      opts.Router,
		pipeline:    opts.Pipeline,
		hub:         opts.Hub,
		idempotency: opts.Idempotency,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}, nil
}

// Register binds the dispatcher and schedules its tick.
func (r *Reminders) Register(ctx context.Context, q jobs.Queue) error {
	q.Register(ReminderJob, r.Handle)
	return q.SchedulePeriodic(ctx, ReminderJob, jobs.ReminderInterval)
}

// Handle runs one dispatch tick.
func (r *Reminders) Handle(ctx context.Context, _ []byte, _ int) jobs.Result {
	due, err := r.reminders.ClaimDue(ctx, r.now(), claimBatch)
	if err != nil {
		r.logger.Error(ctx, "reminder claim failed", "err", err)
		return jobs.Retry(10 * time.Second)
	}
	for _, rem := range due {
		r.dispatch(ctx, rem)
	}
	return jobs.OK()
}

func (r *Reminders) dispatch(ctx context.Context, rem *store.Reminder) {
	attempt := rem.Attempts + 1

	first, err := r.idempotency.Register(ctx, fmt.Sprintf("reminder|%s|%d", rem.ID, attempt), attemptRetention)
	if err != nil {
		r.logger.Error(ctx, "reminder idempotency check failed", "reminder", rem.ID, "err", err)
		// Without the registry there is no double-send guard; put the
		// reminder back rather than risk sending twice.
		if err := r.reminders.ScheduleRetry(ctx, rem.ID, rem.Attempts, r.now().Add(retryBackoff[0])); err != nil {
			r.logger.Error(ctx, "reminder reschedule failed", "reminder", rem.ID, "err", err)
		}
		return
	}
	if !first {
		// Another worker already ran this attempt.
		return
	}

	delivered := r.deliver(ctx, rem)
	if delivered {
		if err := r.reminders.MarkFired(ctx, rem.ID, attempt); err != nil {
			r.logger.Error(ctx, "reminder mark fired failed", "reminder", rem.ID, "err", err)
		}
		r.metrics.IncCounter("mathia.reminders.fired", 1, "channel", string(rem.Channel))
		return
	}

	if attempt >= maxReminderAttempts {
		if err := r.reminders.MarkFailed(ctx, rem.ID, attempt); err != nil {
			r.logger.Error(ctx, "reminder mark failed failed", "reminder", rem.ID, "err", err)
		}
		r.logger.Error(ctx, "reminder exhausted retries", "reminder", rem.ID, "user", rem.UserID, "attempts", attempt)
		r.metrics.IncCounter("mathia.reminders.failed", 1, "channel", string(rem.Channel))
		return
	}

	next := r.now().Add(retryBackoff[min(attempt-1, len(retryBackoff)-1)])
	if err := r.reminders.ScheduleRetry(ctx, rem.ID, attempt, next); err != nil {
		r.logger.Error(ctx, "reminder reschedule failed", "reminder", rem.ID, "err", err)
	}
	r.logger.Warn(ctx, "reminder attempt failed", "reminder", rem.ID, "attempt", attempt, "next_at", next)
}

// deliver sends the reminder through its channel connectors. The "both"
// channel sends email then whatsapp in order; the reminder counts as
// delivered when at least one channel succeeded. The inapp channel
// bypasses the router and lands in the reminder's room instead.
func (r *Reminders) deliver(ctx context.Context, rem *store.Reminder) bool {
	var actions []string
	switch rem.Channel {
	case store.ChannelInApp:
		return r.deliverInApp(ctx, rem)
	case store.ChannelEmail:
		actions = []string{"send_email"}
	case store.ChannelWhatsApp:
		actions = []string{"send_whatsapp"}
	case store.ChannelBoth:
		actions = []string{"send_email", "send_whatsapp"}
	default:
		r.logger.Error(ctx, "reminder has unknown channel", "reminder", rem.ID, "channel", string(rem.Channel))
		return false
	}

	anyOK := false
	for _, action := range actions {
		res, err := r.router.Route(ctx, action, map[string]any{
			"to_user": rem.UserID,
			"content": "Reminder: " + rem.Content,
		}, router.Ctx{UserID: rem.UserID, RoomID: rem.RoomID, CorrelationID: rem.ID})
		if err != nil {
			r.logger.Warn(ctx, "reminder channel errored", "reminder", rem.ID, "action", action, "err", err)
			continue
		}
		if res.Status == connector.StatusOK {
			anyOK = true
			continue
		}
		r.logger.Warn(ctx, "reminder channel rejected", "reminder", rem.ID, "action", action, "status", string(res.Status), "err", res.Error)
	}
	return anyOK
}

// deliverInApp posts the reminder into its room: persisted through the
// encrypting pipeline so history keeps it, then announced as a system
// frame to connected members.
func (r *Reminders) deliverInApp(ctx context.Context, rem *store.Reminder) bool {
	if rem.RoomID == "" {
		r.logger.Error(ctx, "in-app reminder has no room", "reminder", rem.ID)
		return false
	}
	text := "Reminder: " + rem.Content
	if _, err := r.pipeline.SaveAssistantMessage(ctx, rem.RoomID, text); err != nil {
		r.logger.Warn(ctx, "reminder persist failed", "reminder", rem.ID, "room", rem.RoomID, "err", err)
		return false
	}
	if err := r.hub.Broadcast(rem.RoomID, &chat.ServerFrame{
		Command: chat.CmdSystem,
		ChatID:  rem.RoomID,
		Text:    text,
	}); err != nil {
		// The record is in history; stalled clients catch up on fetch.
		r.logger.Warn(ctx, "reminder broadcast stalled", "reminder", rem.ID, "room", rem.RoomID, "err", err)
	}
	return true
}
