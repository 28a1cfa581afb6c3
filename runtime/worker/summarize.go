package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mathia.chat/mathia/runtime/chat"
	"mathia.chat/mathia/runtime/jobs"
	"mathia.chat/mathia/runtime/model"
	"mathia.chat/mathia/runtime/store"
	"mathia.chat/mathia/runtime/telemetry"
)

// SummarizeJob is the periodic summarization tick.
const SummarizeJob = "rooms.summarize"

const (
	// summarizeRoomBatch caps rooms summarized per tick.
	summarizeRoomBatch = 10
	// summarizeTurnBatch caps turns fed into one summarization call.
	summarizeTurnBatch = 200
	// summaryMaxTokens bounds the generated summary length.
	summaryMaxTokens = 512
)

type (
	// Summarizer is the periodic pass that compresses room history into
	// Room.Summary for LLM context injection. It reads messages,
	// decrypting in memory only, and never mutates them.
	Summarizer struct {
		stores   store.Stores
		pipeline *chat.Pipeline
		client   model.Client
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time
	}

	// SummarizerOptions configures the pass.
	SummarizerOptions struct {
		Stores   store.Stores
		Pipeline *chat.Pipeline
		Client   model.Client
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
	}
)

// NewSummarizer validates the options and constructs the pass.
func NewSummarizer(opts SummarizerOptions) (*Summarizer, error) {
	switch {
	case opts.Stores.Rooms == nil || opts.Stores.Messages == nil:
		return nil, errors.New("worker: stores are required")
	case opts.Pipeline == nil:
		return nil, errors.New("worker: pipeline is required")
	case opts.Client == nil:
		return nil, errors.New("worker: model client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Summarizer{
		stores:   opts.Stores,
		pipeline: opts.Pipeline,
		client:   opts.Client,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}, nil
}

// Register binds the pass and schedules its tick.
func (s *Summarizer) Register(ctx context.Context, q jobs.Queue) error {
	q.Register(SummarizeJob, s.Handle)
	return q.SchedulePeriodic(ctx, SummarizeJob, jobs.SummarizeInterval)
}

// Handle runs one summarization tick.
func (s *Summarizer) Handle(ctx context.Context, _ []byte, _ int) jobs.Result {
	stale := s.now().Add(-jobs.SummarizeInterval)
	rooms, err := s.stores.Rooms.ListStaleSummaries(ctx, stale, summarizeRoomBatch)
	if err != nil {
		s.logger.Error(ctx, "stale summary list failed", "err", err)
		return jobs.Retry(time.Minute)
	}
	for _, room := range rooms {
		if err := s.summarize(ctx, room); err != nil {
			s.logger.Error(ctx, "room summarization failed", "room", room.ID, "err", err)
		}
	}
	return jobs.OK()
}

func (s *Summarizer) summarize(ctx context.Context, room *store.Room) error {
	msgs, err := s.stores.Messages.RecentSince(ctx, room.ID, room.SummaryUpdatedAt, summarizeTurnBatch)
	if err != nil {
		return fmt.Errorf("worker: recent messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	var transcript strings.Builder
	for _, msg := range msgs {
		if msg.Deleted {
			continue
		}
		who := msg.SenderID
		if msg.Flags.Assistant {
			who = "assistant"
		}
		fmt.Fprintf(&transcript, "%s: %s\n", who, s.pipeline.Decrypt(ctx, msg))
	}

	prompt := "Update the running summary of this conversation. Keep facts, " +
		"decisions and open items; drop chit-chat. Reply with the new summary only.\n"
	if room.Summary != "" {
		prompt += "\nCurrent summary:\n" + room.Summary + "\n"
	}
	prompt += "\nNew messages:\n" + transcript.String()

	resp, err := s.client.Complete(ctx, model.Request{
		Mode:      model.ModeText,
		MaxTokens: summaryMaxTokens,
		Messages: []model.Message{
			{Role: "system", Content: "You maintain concise conversation summaries."},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return fmt.Errorf("worker: summary completion: %w", err)
	}
	summary := strings.TrimSpace(resp.Text)
	if summary == "" {
		return nil
	}
	if err := s.stores.Rooms.SetSummary(ctx, room.ID, summary, s.now()); err != nil {
		return fmt.Errorf("worker: store summary: %w", err)
	}
	s.metrics.IncCounter("mathia.summaries.updated", 1)
	return nil
}
