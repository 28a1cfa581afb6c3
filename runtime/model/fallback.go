package model

import (
	"context"
	"errors"
)

// Fallback wraps a primary client with a declared secondary. When the
// primary fails with a 5xx or a timeout, the secondary is attempted
// exactly once; any other failure, and any secondary failure, surfaces
// unchanged. Consumers observe a single logical client and a single
// logical stream.
func Fallback(secondary Client) Middleware {
	return func(primary Client) Client {
		return &fallbackClient{primary: primary, secondary: secondary}
	}
}

type fallbackClient struct {
	primary   Client
	secondary Client
}

func (c *fallbackClient) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.primary.Complete(ctx, req)
	if err == nil || !shouldFallback(ctx, err) {
		return resp, err
	}
	return c.secondary.Complete(ctx, req)
}

func (c *fallbackClient) Stream(ctx context.Context, req Request) (Streamer, error) {
	s, err := c.primary.Stream(ctx, req)
	if err == nil || !shouldFallback(ctx, err) {
		return s, err
	}
	return c.secondary.Stream(ctx, req)
}

// shouldFallback admits provider 5xx responses and deadline expiry, but
// never caller cancellation: a canceled request must not start over on
// the secondary.
func shouldFallback(ctx context.Context, err error) bool {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	return false
}
