// Package cache defines the shared caching and throttling ports used by
// the connector framework, the message pipeline and the intent parser.
// Drivers live under features/cache; the in-memory implementations in
// this package back unit tests.
package cache

import (
	"context"
	"time"
)

// Cache is a TTL key-value store. Values are opaque bytes; callers own
// serialization.
type Cache interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key for ttl. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// Decision is the outcome of a rate-limit take.
type Decision struct {
	// Allowed reports whether the operation may proceed.
	Allowed bool
	// Remaining is the number of operations left in the window after
	// this take. Zero when denied.
	Remaining int
	// RetryAfter is how long the caller should wait before retrying.
	// Zero when allowed.
	RetryAfter time.Duration
}

// RateLimiter is a sliding-window counter keyed by principal. Take
// consumes one slot when allowed; a denied take never consumes.
type RateLimiter interface {
	Take(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// Idempotency suppresses duplicate operations for a retention period.
// Register returns true exactly once per key within the ttl.
type Idempotency interface {
	Register(ctx context.Context, key string, ttl time.Duration) (first bool, err error)
}
