// Package redis implements the session store on Redis so gateway workers
// share one session space. Tokens are plain keys with a sliding TTL that
// every successful lookup refreshes.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	redisclient "mathia.chat/mathia/features/cache/redis/clients/redis"
	"mathia.chat/mathia/runtime/session"
)

const sessionPrefix = "mathia:session:"

type (
	// Options configures the store.
	Options struct {
		// Client is the redis wrapper. Required.
		Client redisclient.Client
		// TTL is the sliding session lifetime. Zero means
		// session.DefaultTTL.
		TTL time.Duration
	}

	// Store implements session.Store on Redis.
	Store struct {
		client redisclient.Client
		ttl    time.Duration
	}
)

// New validates the options and constructs a Store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = session.DefaultTTL
	}
	return &Store{client: opts.Client, ttl: ttl}, nil
}

// Issue implements session.Store.
func (s *Store) Issue(ctx context.Context, userID string) (string, error) {
	token := uuid.NewString()
	if err := s.client.Set(ctx, sessionPrefix+token, userID, s.ttl); err != nil {
		return "", fmt.Errorf("session issue: %w", err)
	}
	return token, nil
}

// Lookup implements session.Store.
func (s *Store) Lookup(ctx context.Context, token string) (string, error) {
	userID, ok, err := s.client.Get(ctx, sessionPrefix+token)
	if err != nil {
		return "", fmt.Errorf("session lookup: %w", err)
	}
	if !ok {
		return "", session.ErrNotFound
	}
	if err := s.client.Expire(ctx, sessionPrefix+token, s.ttl); err != nil {
		return "", fmt.Errorf("session refresh: %w", err)
	}
	return userID, nil
}

// Revoke implements session.Store.
func (s *Store) Revoke(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, sessionPrefix+token); err != nil {
		return fmt.Errorf("session revoke: %w", err)
	}
	return nil
}

var _ session.Store = (*Store)(nil)
