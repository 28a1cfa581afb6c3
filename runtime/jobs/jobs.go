// Package jobs defines the job-queue port the scheduled workers and the
// message pipeline depend on. Delivery is at-least-once: handlers must be
// idempotent, typically by deriving a dedup key from the job name, the
// aggregate's primary key and the attempt number. The Pulse-backed driver
// lives under features/jobs/pulse; the in-memory implementation in this
// package backs unit tests and single-node development.
package jobs

import (
	"context"
	"time"
)

type (
	// Queue submits deferred and periodic work and routes deliveries to
	// registered handlers.
	Queue interface {
		// Enqueue submits one job for asynchronous execution. When a dedup
		// key is set, later submissions with the same key are dropped for
		// the retention period of the driver.
		Enqueue(ctx context.Context, name string, payload []byte, opts ...Option) error
		// SchedulePeriodic runs the named job on a fixed interval with an
		// empty payload. The schedule survives until Close.
		SchedulePeriodic(ctx context.Context, name string, every time.Duration) error
		// Register binds a handler to a job name. Registration must happen
		// before Start.
		Register(name string, h Handler)
		// Start begins consuming. It returns once consumers are running.
		Start(ctx context.Context) error
		// Close stops periodic schedules and consumers, draining in-flight
		// handlers.
		Close(ctx context.Context) error
	}

	// Handler consumes one delivery. attempt starts at 1 and increments on
	// every retry of the same job.
	Handler func(ctx context.Context, payload []byte, attempt int) Result

	// Result tells the queue what to do with the delivery.
	Result struct {
		kind   resultKind
		delay  time.Duration
		reason string
	}

	resultKind int

	// Option tunes a single Enqueue.
	Option func(*EnqueueOptions)

	// EnqueueOptions collects per-job submission settings.
	EnqueueOptions struct {
		// Delay defers the first delivery.
		Delay time.Duration
		// Priority orders competing deliveries; higher runs first. Drivers
		// may approximate.
		Priority int
		// DedupKey suppresses duplicate submissions.
		DedupKey string
		// Attempt carries the attempt number for retries re-entering the
		// queue. Zero means first attempt.
		Attempt int
	}
)

const (
	resultOK resultKind = iota
	resultRetry
	resultDead
)

// OK acknowledges the delivery.
func OK() Result { return Result{kind: resultOK} }

// Retry re-enqueues the delivery after the given delay with attempt+1.
func Retry(after time.Duration) Result { return Result{kind: resultRetry, delay: after} }

// Dead routes the delivery to the dead-letter stream with a reason. The
// job is not retried.
func Dead(reason string) Result { return Result{kind: resultDead, reason: reason} }

// IsOK reports whether the result acknowledges the delivery.
func (r Result) IsOK() bool { return r.kind == resultOK }

// IsRetry reports whether the result requests a retry, and after how long.
func (r Result) IsRetry() (time.Duration, bool) { return r.delay, r.kind == resultRetry }

// IsDead reports whether the result dead-letters the delivery.
func (r Result) IsDead() (string, bool) { return r.reason, r.kind == resultDead }

// WithDelay defers the first delivery.
func WithDelay(d time.Duration) Option {
	return func(o *EnqueueOptions) { o.Delay = d }
}

// WithPriority orders competing deliveries; higher runs first.
func WithPriority(p int) Option {
	return func(o *EnqueueOptions) { o.Priority = p }
}

// WithDedupKey suppresses duplicate submissions sharing the key.
func WithDedupKey(k string) Option {
	return func(o *EnqueueOptions) { o.DedupKey = k }
}

// WithAttempt marks a retry re-entering the queue.
func WithAttempt(n int) Option {
	return func(o *EnqueueOptions) { o.Attempt = n }
}

// Periodic intervals for the scheduled workers.
const (
	// ReminderInterval is the reminder dispatcher tick.
	ReminderInterval = 60 * time.Second
	// ModerationInterval is the moderation batch tick.
	ModerationInterval = 300 * time.Second
	// SummarizeInterval is the context summarization tick.
	SummarizeInterval = 900 * time.Second
)
