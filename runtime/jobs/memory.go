package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Memory is a process-local Queue for unit tests and single-node
// development. Delivery semantics match the Pulse driver: at-least-once,
// dedup by key, retries with attempt+1, dead letters collected.
type Memory struct {
	mu       sync.Mutex
	handlers map[string]Handler
	dedup    map[string]struct{}
	timers   []*time.Timer
	tickers  []*time.Ticker
	dead     []DeadLetter
	started  bool
	closed   bool
	wg       sync.WaitGroup
	stop     chan struct{}
}

// DeadLetter records a delivery that a handler declared unprocessable.
type DeadLetter struct {
	Name    string
	Payload []byte
	Attempt int
	Reason  string
}

// NewMemory constructs an empty Memory queue.
func NewMemory() *Memory {
	return &Memory{
		handlers: make(map[string]Handler),
		dedup:    make(map[string]struct{}),
		stop:     make(chan struct{}),
	}
}

// Register implements Queue.
func (m *Memory) Register(name string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = h
}

// Start implements Queue.
func (m *Memory) Start(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("jobs: queue closed")
	}
	m.started = true
	return nil
}

// Enqueue implements Queue.
func (m *Memory) Enqueue(ctx context.Context, name string, payload []byte, opts ...Option) error {
	var eo EnqueueOptions
	for _, opt := range opts {
		opt(&eo)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("jobs: queue closed")
	}
	h, ok := m.handlers[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("jobs: no handler registered for %q", name)
	}
	if eo.DedupKey != "" {
		key := name + "|" + eo.DedupKey
		if _, seen := m.dedup[key]; seen {
			m.mu.Unlock()
			return nil
		}
		m.dedup[key] = struct{}{}
	}
	m.mu.Unlock()

	attempt := eo.Attempt
	if attempt == 0 {
		attempt = 1
	}
	if eo.Delay <= 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.deliver(name, h, payload, attempt)
		}()
		return nil
	}
	m.wg.Add(1)
	timer := time.AfterFunc(eo.Delay, func() {
		defer m.wg.Done()
		select {
		case <-m.stop:
			return
		default:
		}
		m.deliver(name, h, payload, attempt)
	})
	m.mu.Lock()
	m.timers = append(m.timers, timer)
	m.mu.Unlock()
	return nil
}

// SchedulePeriodic implements Queue.
func (m *Memory) SchedulePeriodic(ctx context.Context, name string, every time.Duration) error {
	if every <= 0 {
		return errors.New("jobs: periodic interval must be positive")
	}
	m.mu.Lock()
	h, ok := m.handlers[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("jobs: no handler registered for %q", name)
	}
	ticker := time.NewTicker(every)
	m.tickers = append(m.tickers, ticker)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.deliver(name, h, nil, 1)
			}
		}
	}()
	return nil
}

// Close implements Queue.
func (m *Memory) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	for _, t := range m.timers {
		if t.Stop() {
			m.wg.Done()
		}
	}
	for _, t := range m.tickers {
		t.Stop()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeadLetters returns a copy of the collected dead letters.
func (m *Memory) DeadLetters() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeadLetter(nil), m.dead...)
}

func (m *Memory) deliver(name string, h Handler, payload []byte, attempt int) {
	res := h(context.Background(), payload, attempt)
	if after, retry := res.IsRetry(); retry {
		m.wg.Add(1)
		timer := time.AfterFunc(after, func() {
			defer m.wg.Done()
			select {
			case <-m.stop:
				return
			default:
			}
			m.deliver(name, h, payload, attempt+1)
		})
		m.mu.Lock()
		m.timers = append(m.timers, timer)
		m.mu.Unlock()
		return
	}
	if reason, dead := res.IsDead(); dead {
		m.mu.Lock()
		m.dead = append(m.dead, DeadLetter{Name: name, Payload: payload, Attempt: attempt, Reason: reason})
		m.mu.Unlock()
	}
}

var _ Queue = (*Memory)(nil)
