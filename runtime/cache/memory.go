package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is a process-local Cache used by unit tests and as a
// degraded fallback when no shared store is configured.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryCache constructs an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expires time.Time
	if ttl > 0 {
		expires = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: expires}
	c.mu.Unlock()
	return nil
}

// Delete implements Cache.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// MemoryLimiter is a process-local sliding-window RateLimiter for tests.
type MemoryLimiter struct {
	mu    sync.Mutex
	takes map[string][]time.Time
	now   func() time.Time
}

// NewMemoryLimiter constructs an empty MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{takes: make(map[string][]time.Time), now: time.Now}
}

// Take implements RateLimiter with an exact in-memory window.
func (l *MemoryLimiter) Take(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)
	kept := l.takes[key][:0]
	for _, t := range l.takes[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.takes[key] = kept

	if len(kept) >= limit {
		retry := kept[0].Add(window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Decision{Allowed: false, RetryAfter: retry}, nil
	}
	l.takes[key] = append(kept, now)
	return Decision{Allowed: true, Remaining: limit - len(kept) - 1}, nil
}

// MemoryIdempotency is a process-local Idempotency registry for tests.
type MemoryIdempotency struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryIdempotency constructs an empty MemoryIdempotency.
func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{seen: make(map[string]time.Time), now: time.Now}
}

// Register implements Idempotency.
func (i *MemoryIdempotency) Register(_ context.Context, key string, ttl time.Duration) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := i.now()
	if expiry, ok := i.seen[key]; ok && now.Before(expiry) {
		return false, nil
	}
	i.seen[key] = now.Add(ttl)
	return true, nil
}
