// Package redis provides a thin typed wrapper around the go-redis client
// exposing only the operations the cache feature needs: string get/set
// for the result cache, SetNX for idempotency guards and sorted-set
// operations for the sliding-window limiter. Callers build a Redis
// client, pass it to New and receive an interface tests can stub without
// a server.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

type (
	// Options configures the client wrapper.
	Options struct {
		// Redis is the underlying connection. Required.
		Redis *goredis.Client
		// OperationTimeout bounds individual commands. Zero means no
		// per-command timeout beyond the connection's own.
		OperationTimeout time.Duration
	}

	// Client is the command subset used by the cache, limiter and
	// idempotency stores.
	Client interface {
		// Get returns the string at key and whether it exists.
		Get(ctx context.Context, key string) (string, bool, error)
		// Set stores value at key with a ttl; zero ttl means no expiry.
		Set(ctx context.Context, key, value string, ttl time.Duration) error
		// SetNX stores value only if key is absent, reporting whether the
		// write happened.
		SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
		// Del removes keys.
		Del(ctx context.Context, keys ...string) error
		// ZAdd inserts member with score into the sorted set at key.
		ZAdd(ctx context.Context, key string, score float64, member string) error
		// ZRem removes members from the sorted set at key.
		ZRem(ctx context.Context, key string, members ...string) error
		// ZCard returns the cardinality of the sorted set at key.
		ZCard(ctx context.Context, key string) (int64, error)
		// ZRemRangeByScore trims members with scores in [min, max].
		ZRemRangeByScore(ctx context.Context, key, min, max string) error
		// ZRangeWithScores returns members by rank with their scores.
		ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error)
		// HSet stores field=value in the hash at key.
		HSet(ctx context.Context, key, field, value string) error
		// HGetAll returns every field of the hash at key.
		HGetAll(ctx context.Context, key string) (map[string]string, error)
		// Expire refreshes the key's ttl.
		Expire(ctx context.Context, key string, ttl time.Duration) error
		// Ping verifies connectivity; with Name it satisfies health
		// pinger registration.
		Ping(ctx context.Context) error
		// Name identifies the dependency in health reports.
		Name() string
	}

	// Member pairs a sorted-set member with its score.
	Member struct {
		Member string
		Score  float64
	}
)

type client struct {
	rdb     *goredis.Client
	timeout time.Duration
}

// New validates the options and constructs a Client.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{rdb: opts.Redis, timeout: opts.OperationTimeout}, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *client) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (c *client) Del(ctx context.Context, keys ...string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.ZAdd(ctx, key, goredis.Z{Score: score, Member: member}).Err()
}

func (c *client) ZRem(ctx context.Context, key string, members ...string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.rdb.ZRem(ctx, key, args...).Err()
}

func (c *client) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.ZCard(ctx, key).Result()
}

func (c *client) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.ZRemRangeByScore(ctx, key, min, max).Err()
}

func (c *client) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	zs, err := c.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	members := make([]Member, len(zs))
	for i, z := range zs {
		s, _ := z.Member.(string)
		members[i] = Member{Member: s, Score: z.Score}
	}
	return members, nil
}

func (c *client) HSet(ctx context.Context, key, field, value string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.HSet(ctx, key, field, value).Err()
}

func (c *client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.HGetAll(ctx, key).Result()
}

func (c *client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.Expire(ctx, key, ttl).Err()
}

func (c *client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

func (c *client) Name() string {
	return "redis"
}
