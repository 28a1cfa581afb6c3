package keystore

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// KeySource loads wrapped room keys from persistence. The rooms
// repository implements it.
type KeySource interface {
	// ActiveKey returns the room's current wrapped key and its version.
	ActiveKey(ctx context.Context, roomID string) (wrapped string, version int, err error)
	// KeyAt returns the wrapped key for a specific version, kept so
	// historical messages stay readable after rotation.
	KeyAt(ctx context.Context, roomID string, version int) (wrapped string, err error)
}

// Cache is the in-process room-key cache. Keys are loaded lazily, one
// unwrap per (room, version) even under concurrent misses, and evicted on
// rotation events.
type Cache struct {
	ks  *Keystore
	src KeySource

	group singleflight.Group

	mu     sync.RWMutex
	keys   map[string][]byte
	active map[string]int
}

type activeKey struct {
	key     []byte
	version int
}

// NewCache constructs a Cache over a keystore and key source.
func NewCache(ks *Keystore, src KeySource) *Cache {
	return &Cache{
		ks:     ks,
		src:    src,
		keys:   make(map[string][]byte),
		active: make(map[string]int),
	}
}

// Active returns the room's current key and version, loading and
// unwrapping it on first use.
func (c *Cache) Active(ctx context.Context, roomID string) ([]byte, int, error) {
	c.mu.RLock()
	if ver, ok := c.active[roomID]; ok {
		if key, ok := c.keys[versionKey(roomID, ver)]; ok {
			c.mu.RUnlock()
			return key, ver, nil
		}
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do("active:"+roomID, func() (any, error) {
		wrapped, ver, err := c.src.ActiveKey(ctx, roomID)
		if err != nil {
			return nil, err
		}
		key, err := c.ks.UnwrapRoomKey(wrapped)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.keys[versionKey(roomID, ver)] = key
		c.active[roomID] = ver
		c.mu.Unlock()
		return activeKey{key: key, version: ver}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	ak := v.(activeKey)
	return ak.key, ak.version, nil
}

// Version returns the key for a specific version, loading it on demand.
func (c *Cache) Version(ctx context.Context, roomID string, version int) ([]byte, error) {
	ck := versionKey(roomID, version)
	c.mu.RLock()
	if key, ok := c.keys[ck]; ok {
		c.mu.RUnlock()
		return key, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do("version:"+ck, func() (any, error) {
		wrapped, err := c.src.KeyAt(ctx, roomID, version)
		if err != nil {
			return nil, err
		}
		key, err := c.ks.UnwrapRoomKey(wrapped)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.keys[ck] = key
		c.mu.Unlock()
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Invalidate drops the room's active-version pointer so the next Active
// reloads it. Called on rotation events. Cached historical versions stay:
// a (room, version) pair never changes material, and old versions are
// still needed to decrypt older messages.
func (c *Cache) Invalidate(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, roomID)
}

func versionKey(roomID string, version int) string {
	return fmt.Sprintf("%s#%d", roomID, version)
}
