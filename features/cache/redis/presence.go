package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	redisclient "mathia.chat/mathia/features/cache/redis/clients/redis"
	"mathia.chat/mathia/runtime/chat"
)

const (
	presencePrefix = "mathia:presence:"
	// presenceTTL expires whole room hashes long after the last heartbeat
	// so abandoned rooms do not accumulate.
	presenceTTL = 24 * time.Hour
)

// Presence implements chat.PresenceStore over one hash per room: field is
// the user id, value is "<last-seen-unix-ms>|<status>". Last writer wins;
// snapshots reconcile divergent views.
type Presence struct {
	client redisclient.Client
	now    func() time.Time
}

// NewPresence constructs a Presence. The client is required.
func NewPresence(client redisclient.Client) (*Presence, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Presence{client: client, now: time.Now}, nil
}

// Touch implements chat.PresenceStore.
func (p *Presence) Touch(ctx context.Context, roomID, userID string, at time.Time) error {
	key := presencePrefix + roomID
	if err := p.client.HSet(ctx, key, userID, encodeEntry(at, chat.StatusOnline)); err != nil {
		return fmt.Errorf("presence touch: %w", err)
	}
	if err := p.client.Expire(ctx, key, presenceTTL); err != nil {
		return fmt.Errorf("presence expire: %w", err)
	}
	return nil
}

// Offline implements chat.PresenceStore.
func (p *Presence) Offline(ctx context.Context, roomID, userID string, at time.Time) error {
	if err := p.client.HSet(ctx, presencePrefix+roomID, userID, encodeEntry(at, chat.StatusOffline)); err != nil {
		return fmt.Errorf("presence offline: %w", err)
	}
	return nil
}

// Snapshot implements chat.PresenceStore. Entries whose heartbeat is
// older than the liveness window count as offline regardless of their
// recorded status.
func (p *Presence) Snapshot(ctx context.Context, roomID string) (*chat.Snapshot, error) {
	fields, err := p.client.HGetAll(ctx, presencePrefix+roomID)
	if err != nil {
		return nil, fmt.Errorf("presence snapshot: %w", err)
	}
	snap := &chat.Snapshot{Online: []string{}, Presence: []chat.PresenceDelta{}}
	cutoff := p.now().Add(-chat.LivenessWindow)
	for user, raw := range fields {
		lastSeen, status, ok := decodeEntry(raw)
		if !ok {
			continue
		}
		delta := chat.PresenceDelta{User: user, Status: chat.StatusOffline, LastSeen: &lastSeen}
		if status == chat.StatusOnline && lastSeen.After(cutoff) {
			delta.Status = chat.StatusOnline
			snap.Online = append(snap.Online, user)
		}
		snap.Presence = append(snap.Presence, delta)
	}
	sort.Strings(snap.Online)
	sort.Slice(snap.Presence, func(i, j int) bool { return snap.Presence[i].User < snap.Presence[j].User })
	return snap, nil
}

var _ chat.PresenceStore = (*Presence)(nil)

func encodeEntry(at time.Time, status string) string {
	return strconv.FormatInt(at.UnixMilli(), 10) + "|" + status
}

func decodeEntry(raw string) (time.Time, string, bool) {
	i := strings.IndexByte(raw, '|')
	if i < 0 {
		return time.Time{}, "", false
	}
	ms, err := strconv.ParseInt(raw[:i], 10, 64)
	if err != nil {
		return time.Time{}, "", false
	}
	return time.UnixMilli(ms), raw[i+1:], true
}
