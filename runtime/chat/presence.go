package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// LivenessWindow is how long a user stays online without a heartbeat.
// Clients ping every 30 seconds; three missed pings mark them offline.
const LivenessWindow = 90 * time.Second

// MemoryPresence is a process-local PresenceStore for unit tests and
// single-node development. The redis driver replaces it in deployment so
// presence survives across workers.
type MemoryPresence struct {
	mu    sync.Mutex
	rooms map[string]map[string]presenceEntry
	now   func() time.Time
}

type presenceEntry struct {
	lastSeen time.Time
	online   bool
}

// NewMemoryPresence constructs an empty MemoryPresence.
func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{rooms: make(map[string]map[string]presenceEntry), now: time.Now}
}

// Touch implements PresenceStore.
func (p *MemoryPresence) Touch(_ context.Context, roomID, userID string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rooms[roomID] == nil {
		p.rooms[roomID] = make(map[string]presenceEntry)
	}
	p.rooms[roomID][userID] = presenceEntry{lastSeen: at, online: true}
	return nil
}

// Offline implements PresenceStore.
func (p *MemoryPresence) Offline(_ context.Context, roomID, userID string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rooms[roomID] == nil {
		return nil
	}
	p.rooms[roomID][userID] = presenceEntry{lastSeen: at, online: false}
	return nil
}

// Snapshot implements PresenceStore.
func (p *MemoryPresence) Snapshot(_ context.Context, roomID string) (*Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := &Snapshot{Online: []string{}, Presence: []PresenceDelta{}}
	cutoff := p.now().Add(-LivenessWindow)
	for user, entry := range p.rooms[roomID] {
		last := entry.lastSeen
		delta := PresenceDelta{User: user, Status: StatusOffline, LastSeen: &last}
		if entry.online && entry.lastSeen.After(cutoff) {
			delta.Status = StatusOnline
			snap.Online = append(snap.Online, user)
		}
		snap.Presence = append(snap.Presence, delta)
	}
	sort.Strings(snap.Online)
	sort.Slice(snap.Presence, func(i, j int) bool { return snap.Presence[i].User < snap.Presence[j].User })
	return snap, nil
}

var _ PresenceStore = (*MemoryPresence)(nil)
