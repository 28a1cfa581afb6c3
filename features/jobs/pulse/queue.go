// Package pulse implements the job queue on Pulse streams over Redis.
// Each job name maps to its own stream consumed by a "workers" sink, so
// deliveries load-balance across processes while every job type drains
// independently. Delayed and retried jobs park in a Redis sorted set
// scored by ready time; a mover goroutine promotes them to their stream
// when due. Exhausted jobs land on a dead-letter stream for inspection.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	redisclient "mathia.chat/mathia/features/cache/redis/clients/redis"
	clientspulse "mathia.chat/mathia/features/jobs/pulse/clients/pulse"
	"mathia.chat/mathia/runtime/jobs"
	"mathia.chat/mathia/runtime/telemetry"
)

const (
	// streamPrefix namespaces job streams in Redis.
	streamPrefix = "mathia.jobs."
	// deadStream collects dead-lettered envelopes.
	deadStream = "mathia.jobs.dead"
	// sinkName is the shared consumer group; processes registering the
	// same job name split its deliveries.
	sinkName = "workers"
	// delayedSet is the sorted set parking deferred envelopes.
	delayedSet = "mathia:jobs:delayed"
	// dedupPrefix namespaces enqueue-dedup guards.
	dedupPrefix = "mathia:jobs:dedup:"
	// moverEvery is the promotion poll interval for delayed jobs.
	moverEvery = time.Second
	// moverBatch bounds one promotion sweep.
	moverBatch = 100
	// defaultDedupTTL is how long a dedup key suppresses duplicates.
	defaultDedupTTL = time.Hour
)

type (
	// Options configures the queue.
	Options struct {
		// Client is the Pulse stream client. Required.
		Client clientspulse.Client
		// Redis backs the delayed set and dedup guards. Required.
		Redis redisclient.Client
		// Logger records queue activity. Optional.
		Logger telemetry.Logger
		// Metrics records queue counters. Optional.
		Metrics telemetry.Metrics
		// DedupTTL overrides the dedup retention. Zero means one hour.
		DedupTTL time.Duration
	}

	// Queue implements jobs.Queue on Pulse streams.
	Queue struct {
		client   clientspulse.Client
		rdb      redisclient.Client
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		dedupTTL time.Duration

		mu        sync.Mutex
		handlers  map[string]jobs.Handler
		schedules map[string]time.Duration
		started   bool

		cancel context.CancelFunc
		wg     sync.WaitGroup
	}

	// envelope is the wire form of one delivery. Payload round-trips
	// through base64 via encoding/json.
	envelope struct {
		Name    string `json:"name"`
		Payload []byte `json:"payload,omitempty"`
		Attempt int    `json:"attempt,omitempty"`
		Reason  string `json:"reason,omitempty"`
	}
)

var _ jobs.Queue = (*Queue)(nil)

// New validates the options and constructs the queue.
func New(opts Options) (*Queue, error) {
	switch {
	case opts.Client == nil:
		return nil, errors.New("pulse: stream client is required")
	case opts.Redis == nil:
		return nil, errors.New("pulse: redis client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	dedupTTL := opts.DedupTTL
	if dedupTTL <= 0 {
		dedupTTL = defaultDedupTTL
	}
	return &Queue{
		client:    opts.Client,
		rdb:       opts.Redis,
		logger:    logger,
		metrics:   metrics,
		dedupTTL:  dedupTTL,
		handlers:  make(map[string]jobs.Handler),
		schedules: make(map[string]time.Duration),
	}, nil
}

// Register implements jobs.Queue.
func (q *Queue) Register(name string, h jobs.Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

// Enqueue implements jobs.Queue.
func (q *Queue) Enqueue(ctx context.Context, name string, payload []byte, opts ...jobs.Option) error {
	var eo jobs.EnqueueOptions
	for _, opt := range opts {
		opt(&eo)
	}
	if eo.DedupKey != "" {
		first, err := q.rdb.SetNX(ctx, dedupPrefix+eo.DedupKey, "1", q.dedupTTL)
		if err != nil {
			return fmt.Errorf("pulse: dedup check: %w", err)
		}
		if !first {
			q.metrics.IncCounter("jobs_deduped", 1, "job", name)
			return nil
		}
	}
	env := envelope{Name: name, Payload: payload, Attempt: eo.Attempt}
	if eo.Delay > 0 {
		return q.park(ctx, env, time.Now().Add(eo.Delay))
	}
	return q.publish(ctx, env)
}

// SchedulePeriodic implements jobs.Queue. Tickers start with Start and
// stop with Close.
func (q *Queue) SchedulePeriodic(_ context.Context, name string, every time.Duration) error {
	if every <= 0 {
		return fmt.Errorf("pulse: invalid interval %s for %q", every, name)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("pulse: schedules must be added before Start")
	}
	q.schedules[name] = every
	return nil
}

// Start implements jobs.Queue: it opens one sink per registered job,
// launches the consumers, the periodic tickers and the delayed-job
// mover, then returns.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("pulse: already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel

	for name, h := range q.handlers {
		stream, err := q.client.Stream(streamPrefix + name)
		if err != nil {
			cancel()
			return fmt.Errorf("pulse: open stream for %q: %w", name, err)
		}
		sink, err := stream.NewSink(runCtx, sinkName)
		if err != nil {
			cancel()
			return fmt.Errorf("pulse: open sink for %q: %w", name, err)
		}
		q.wg.Add(1)
		go q.consume(runCtx, name, h, sink)
	}

	for name, every := range q.schedules {
		q.wg.Add(1)
		go q.tick(runCtx, name, every)
	}

	q.wg.Add(1)
	go q.moveDelayed(runCtx)

	q.started = true
	return nil
}

// Close implements jobs.Queue.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return q.client.Close(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// consume drains one job stream, invoking the handler and translating
// its result into ack, delayed re-enqueue or dead-letter.
func (q *Queue) consume(ctx context.Context, name string, h jobs.Handler, sink clientspulse.Sink) {
	defer q.wg.Done()
	defer sink.Close(context.WithoutCancel(ctx))
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				q.logger.Error(ctx, "job envelope malformed", "job", name, "err", err)
				q.deadLetter(ctx, envelope{Name: name, Reason: "malformed envelope"})
				_ = sink.Ack(ctx, evt)
				continue
			}
			attempt := env.Attempt + 1
			q.dispatch(ctx, name, h, env, attempt)
			if err := sink.Ack(ctx, evt); err != nil {
				q.logger.Error(ctx, "job ack failed", "job", name, "err", err)
			}
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, name string, h jobs.Handler, env envelope, attempt int) {
	start := time.Now()
	res := h(ctx, env.Payload, attempt)
	q.metrics.RecordTimer("jobs_handle", time.Since(start), "job", name)

	switch {
	case res.IsOK():
		q.metrics.IncCounter("jobs_ok", 1, "job", name)
	default:
		if after, retry := res.IsRetry(); retry {
			q.metrics.IncCounter("jobs_retried", 1, "job", name)
			next := envelope{Name: name, Payload: env.Payload, Attempt: attempt}
			if err := q.park(ctx, next, time.Now().Add(after)); err != nil {
				q.logger.Error(ctx, "job retry park failed", "job", name, "err", err)
			}
			return
		}
		reason, _ := res.IsDead()
		q.metrics.IncCounter("jobs_dead", 1, "job", name)
		q.logger.Warn(ctx, "job dead-lettered", "job", name, "attempt", attempt, "reason", reason)
		q.deadLetter(ctx, envelope{Name: name, Payload: env.Payload, Attempt: attempt, Reason: reason})
	}
}

func (q *Queue) publish(ctx context.Context, env envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pulse: encode envelope: %w", err)
	}
	stream, err := q.client.Stream(streamPrefix + env.Name)
	if err != nil {
		return fmt.Errorf("pulse: open stream for %q: %w", env.Name, err)
	}
	if _, err := stream.Add(ctx, "job", raw); err != nil {
		return fmt.Errorf("pulse: publish %q: %w", env.Name, err)
	}
	q.metrics.IncCounter("jobs_enqueued", 1, "job", env.Name)
	return nil
}

// park stores the envelope in the delayed set until readyAt. A nanosecond
// suffix keeps identical envelopes distinct set members.
func (q *Queue) park(ctx context.Context, env envelope, readyAt time.Time) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pulse: encode envelope: %w", err)
	}
	member := strconv.FormatInt(time.Now().UnixNano(), 36) + "|" + string(raw)
	if err := q.rdb.ZAdd(ctx, delayedSet, float64(readyAt.UnixMilli()), member); err != nil {
		return fmt.Errorf("pulse: park delayed job: %w", err)
	}
	return nil
}

// moveDelayed promotes due envelopes from the delayed set to their
// streams. ZRem before publish makes each member move exactly once even
// with competing movers; a crash between the two loses the job, which
// at-least-once callers cover with their own retries.
func (q *Queue) moveDelayed(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(moverEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweepDelayed(ctx)
		}
	}
}

func (q *Queue) sweepDelayed(ctx context.Context) {
	members, err := q.rdb.ZRangeWithScores(ctx, delayedSet, 0, moverBatch-1)
	if err != nil {
		q.logger.Error(ctx, "delayed sweep failed", "err", err)
		return
	}
	now := float64(time.Now().UnixMilli())
	for _, m := range members {
		if m.Score > now {
			break
		}
		if err := q.rdb.ZRem(ctx, delayedSet, m.Member); err != nil {
			q.logger.Error(ctx, "delayed remove failed", "err", err)
			continue
		}
		raw := m.Member
		if i := strings.IndexByte(raw, '|'); i >= 0 {
			raw = raw[i+1:]
		}
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			q.logger.Error(ctx, "delayed envelope malformed", "err", err)
			continue
		}
		if err := q.publish(ctx, env); err != nil {
			q.logger.Error(ctx, "delayed publish failed", "job", env.Name, "err", err)
		}
	}
}

func (q *Queue) tick(ctx context.Context, name string, every time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Enqueue(ctx, name, nil); err != nil {
				q.logger.Error(ctx, "periodic enqueue failed", "job", name, "err", err)
			}
		}
	}
}

func (q *Queue) deadLetter(ctx context.Context, env envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		q.logger.Error(ctx, "dead-letter encode failed", "job", env.Name, "err", err)
		return
	}
	stream, err := q.client.Stream(deadStream)
	if err != nil {
		q.logger.Error(ctx, "dead-letter stream open failed", "err", err)
		return
	}
	if _, err := stream.Add(ctx, "dead", raw); err != nil {
		q.logger.Error(ctx, "dead-letter publish failed", "job", env.Name, "err", err)
	}
}
