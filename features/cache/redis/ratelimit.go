package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	redisclient "mathia.chat/mathia/features/cache/redis/clients/redis"
	"mathia.chat/mathia/runtime/cache"
)

const limiterPrefix = "mathia:rl:"

// Limiter implements cache.RateLimiter as a Redis sorted-set sliding
// window. Each take inserts a unique member scored with the current time
// in milliseconds; the window is enforced by trimming members older than
// the window and counting what remains. The insert happens before the
// count and is rolled back when over limit, so concurrent takers can
// never admit more than limit operations in any window.
type Limiter struct {
	client redisclient.Client
	now    func() time.Time
}

// NewLimiter constructs a Limiter. The client is required.
func NewLimiter(client redisclient.Client) (*Limiter, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &Limiter{client: client, now: time.Now}, nil
}

// Take implements cache.RateLimiter.
func (l *Limiter) Take(ctx context.Context, key string, limit int, window time.Duration) (cache.Decision, error) {
	if limit <= 0 {
		return cache.Decision{Allowed: false, RetryAfter: window}, nil
	}
	rk := limiterPrefix + key
	now := l.now()
	cutoff := now.Add(-window)

	if err := l.client.ZRemRangeByScore(ctx, rk, "-inf", formatScore(cutoff)); err != nil {
		return cache.Decision{}, fmt.Errorf("ratelimit trim: %w", err)
	}

	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()
	if err := l.client.ZAdd(ctx, rk, scoreOf(now), member); err != nil {
		return cache.Decision{}, fmt.Errorf("ratelimit add: %w", err)
	}
	count, err := l.client.ZCard(ctx, rk)
	if err != nil {
		return cache.Decision{}, fmt.Errorf("ratelimit count: %w", err)
	}
	if err := l.client.Expire(ctx, rk, window); err != nil {
		return cache.Decision{}, fmt.Errorf("ratelimit expire: %w", err)
	}

	if count > int64(limit) {
		// Over limit: withdraw our own member so denied takes never
		// consume capacity, then derive the retry hint from the oldest
		// retained entry.
		if err := l.client.ZRem(ctx, rk, member); err != nil {
			return cache.Decision{}, fmt.Errorf("ratelimit rollback: %w", err)
		}
		retry := window
		oldest, err := l.client.ZRangeWithScores(ctx, rk, 0, 0)
		if err == nil && len(oldest) > 0 {
			at := time.UnixMilli(int64(oldest[0].Score))
			retry = at.Add(window).Sub(now)
			if retry < 0 {
				retry = 0
			}
		}
		return cache.Decision{Allowed: false, RetryAfter: retry}, nil
	}

	return cache.Decision{Allowed: true, Remaining: limit - int(count)}, nil
}

// Usage returns the current occupancy of a window without consuming a
// slot. The quota endpoint reads it.
func (l *Limiter) Usage(ctx context.Context, key string, window time.Duration) (int, error) {
	rk := limiterPrefix + key
	if err := l.client.ZRemRangeByScore(ctx, rk, "-inf", formatScore(l.now().Add(-window))); err != nil {
		return 0, fmt.Errorf("ratelimit trim: %w", err)
	}
	count, err := l.client.ZCard(ctx, rk)
	if err != nil {
		return 0, fmt.Errorf("ratelimit count: %w", err)
	}
	return int(count), nil
}

// Millisecond scores keep well inside float64 integer precision; ranks
// break ties via the nanosecond member prefix.
func scoreOf(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

var _ cache.RateLimiter = (*Limiter)(nil)
