package model

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// AdaptiveLimiter applies an AIMD-style token budget in front of a
// provider: requests reserve an estimated token cost before the call,
// rate-limit rejections halve the budget, and sustained success probes
// it back up toward the configured maximum. One instance per provider per
// process; share it across workers via the middleware.
type AdaptiveLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

// NewAdaptiveLimiter constructs a limiter with an initial and maximum
// tokens-per-minute budget. A non-positive initial defaults to 60000;
// maxTPM is clamped to at least the initial budget.
func NewAdaptiveLimiter(initialTPM, maxTPM float64) *AdaptiveLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recovery := initialTPM * 0.05
	if recovery < 1 {
		recovery = 1
	}
	return &AdaptiveLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recovery,
	}
}

// Middleware wraps a client so Complete and Stream wait for budget before
// calling the provider and adjust the budget on rate-limit signals.
func (l *AdaptiveLimiter) Middleware() Middleware {
	return func(next Client) Client {
		return &limitedClient{next: next, limiter: l}
	}
}

type limitedClient struct {
	next    Client
	limiter *AdaptiveLimiter
}

func (c *limitedClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := c.limiter.wait(ctx, estimate(req)); err != nil {
		return nil, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

func (c *limitedClient) Stream(ctx context.Context, req Request) (Streamer, error) {
	if err := c.limiter.wait(ctx, estimate(req)); err != nil {
		return nil, err
	}
	s, err := c.next.Stream(ctx, req)
	c.limiter.observe(err)
	return s, err
}

func (l *AdaptiveLimiter) wait(ctx context.Context, tokens int) error {
	l.mu.Lock()
	lim := l.limiter
	l.mu.Unlock()
	if burst := lim.Burst(); tokens > burst {
		tokens = burst
	}
	return lim.WaitN(ctx, tokens)
}

// observe applies AIMD: halve on rate limiting, creep up otherwise.
func (l *AdaptiveLimiter) observe(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if errors.Is(err, ErrRateLimited) {
		l.currentTPM /= 2
		if l.currentTPM < l.minTPM {
			l.currentTPM = l.minTPM
		}
	} else if err == nil {
		l.currentTPM += l.recoveryRate
		if l.currentTPM > l.maxTPM {
			l.currentTPM = l.maxTPM
		}
	} else {
		return
	}
	l.limiter.SetLimit(rate.Limit(l.currentTPM / 60.0))
	l.limiter.SetBurst(int(l.currentTPM))
}

// Budget returns the current tokens-per-minute estimate, for metrics.
func (l *AdaptiveLimiter) Budget() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// estimate approximates the token cost of a request: prompt characters
// over four plus the completion cap.
func estimate(req Request) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	tokens := chars/4 + req.MaxTokens
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}
