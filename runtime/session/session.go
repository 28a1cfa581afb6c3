// Package session defines the opaque-token session port the gateway
// authenticates with. A token maps to a user id and slides its expiry on
// every lookup. Login and OAuth issuance live outside this system; the
// admin surface and tests issue tokens directly.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound reports a missing or expired session token.
var ErrNotFound = errors.New("session: not found")

// DefaultTTL is the sliding session lifetime drivers default to.
const DefaultTTL = 24 * time.Hour

// Store maps opaque session tokens to user ids. The redis driver backs it
// in deployment.
type Store interface {
	// Issue creates a session for a user and returns its opaque token.
	Issue(ctx context.Context, userID string) (string, error)
	// Lookup resolves a token to its user id, refreshing the sliding
	// expiry. Missing or expired tokens yield ErrNotFound.
	Lookup(ctx context.Context, token string) (string, error)
	// Revoke invalidates a token. Revoking an absent token is not an
	// error.
	Revoke(ctx context.Context, token string) error
}

// Memory is a process-local Store for unit tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	ttl     time.Duration
	now     func() time.Time
}

type memEntry struct {
	userID    string
	expiresAt time.Time
}

// NewMemory constructs a Memory store with the default TTL.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry), ttl: DefaultTTL, now: time.Now}
}

// Issue implements Store.
func (m *Memory) Issue(_ context.Context, userID string) (string, error) {
	token := uuid.NewString()
	m.mu.Lock()
	m.entries[token] = memEntry{userID: userID, expiresAt: m.now().Add(m.ttl)}
	m.mu.Unlock()
	return token, nil
}

// Lookup implements Store.
func (m *Memory) Lookup(_ context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[token]
	if !ok || m.now().After(entry.expiresAt) {
		delete(m.entries, token)
		return "", ErrNotFound
	}
	entry.expiresAt = m.now().Add(m.ttl)
	m.entries[token] = entry
	return entry.userID, nil
}

// Revoke implements Store.
func (m *Memory) Revoke(_ context.Context, token string) error {
	m.mu.Lock()
	delete(m.entries, token)
	m.mu.Unlock()
	return nil
}

var _ Store = (*Memory)(nil)
