// Package redis implements the shared cache, sliding-window rate limiter
// and idempotency registry over Redis. All three stores share one
// connection and are distinguished by key prefix so a single Redis
// instance backs every worker in the deployment.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	redisclient "mathia.chat/mathia/features/cache/redis/clients/redis"
	"mathia.chat/mathia/runtime/cache"
)

const (
	cachePrefix = "mathia:cache:"
	idemPrefix  = "mathia:idem:"
)

// Store implements cache.Cache over Redis strings.
type Store struct {
	client redisclient.Client
}

// NewStore constructs a Store. The client is required.
func NewStore(client redisclient.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &Store{client: client}, nil
}

// Get implements cache.Cache.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, ok, err := s.client.Get(ctx, cachePrefix+key)
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return []byte(val), true, nil
}

// Set implements cache.Cache.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, cachePrefix+key, string(value), ttl); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Delete implements cache.Cache.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, cachePrefix+key); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// Idempotency implements cache.Idempotency over SetNX.
type Idempotency struct {
	client redisclient.Client
}

// NewIdempotency constructs an Idempotency registry. The client is
// required.
func NewIdempotency(client redisclient.Client) (*Idempotency, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &Idempotency{client: client}, nil
}

// Register implements cache.Idempotency. The first caller for a key wins;
// later callers within the retention window observe first=false.
func (i *Idempotency) Register(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	first, err := i.client.SetNX(ctx, idemPrefix+key, "1", ttl)
	if err != nil {
		return false, fmt.Errorf("idempotency register: %w", err)
	}
	return first, nil
}

var _ cache.Cache = (*Store)(nil)
var _ cache.Idempotency = (*Idempotency)(nil)
