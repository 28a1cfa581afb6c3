package model

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"
)

// RetryOptions tunes the Retry middleware.
type RetryOptions struct {
	// Attempts is the maximum number of tries, including the first. Zero
	// defaults to 3.
	Attempts int
	// BaseDelay is the first backoff step. Zero defaults to 200ms; each
	// retry doubles it with ±50ms jitter.
	BaseDelay time.Duration
}

// Retry wraps a client with transport-error retries: up to Attempts tries
// with exponential backoff 200ms x 2^n and ±50ms jitter. Only transport
// errors are retried; provider rejections (rate limits, bad requests)
// pass through so the fallback and limiter middlewares can react.
func Retry(opts RetryOptions) Middleware {
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	base := opts.BaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	return func(next Client) Client {
		return &retryClient{next: next, attempts: attempts, base: base}
	}
}

type retryClient struct {
	next     Client
	attempts int
	base     time.Duration
}

func (c *retryClient) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := range c.attempts {
		if attempt > 0 {
			if err := sleep(ctx, backoff(c.base, attempt-1)); err != nil {
				return nil, err
			}
		}
		resp, err := c.next.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isTransport(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// Stream retries establishing the stream; once Recv has begun, errors
// surface to the caller so partial output is never silently replayed.
func (c *retryClient) Stream(ctx context.Context, req Request) (Streamer, error) {
	var lastErr error
	for attempt := range c.attempts {
		if attempt > 0 {
			if err := sleep(ctx, backoff(c.base, attempt-1)); err != nil {
				return nil, err
			}
		}
		s, err := c.next.Stream(ctx, req)
		if err == nil {
			return s, nil
		}
		lastErr = err
		if !isTransport(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func backoff(base time.Duration, n int) time.Duration {
	d := base << n
	jitter := time.Duration(rand.Int63n(int64(100*time.Millisecond))) - 50*time.Millisecond
	if d+jitter < 0 {
		return 0
	}
	return d + jitter
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isTransport classifies retryable failures: network errors and
// timeouts. Context cancellation from the caller is not retryable.
func isTransport(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var te interface{ Temporary() bool }
	if errors.As(err, &te) && te.Temporary() {
		return true
	}
	var transient interface{ Transient() bool }
	if errors.As(err, &transient) {
		return transient.Transient()
	}
	return false
}
