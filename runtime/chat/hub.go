package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"mathia.chat/mathia/runtime/telemetry"
)

type (
	// Transport is one connected client socket. The gateway's WebSocket
	// wrapper implements it. WriteFrame may block; the hub enforces the
	// backpressure policy around it.
	Transport interface {
		// WriteFrame sends one frame, honoring the context deadline.
		WriteFrame(ctx context.Context, f *ServerFrame) error
		// Close terminates the connection with a close code.
		Close(code int, reason string) error
	}

	// PresenceStore tracks who is online per room with last-seen
	// timestamps. The redis driver backs it in deployment; tests use the
	// in-memory one.
	PresenceStore interface {
		// Touch marks a user online in a room, refreshing liveness.
		Touch(ctx context.Context, roomID, userID string, at time.Time) error
		// Offline removes a user from the room set, recording last seen.
		Offline(ctx context.Context, roomID, userID string, at time.Time) error
		// Snapshot returns the room's presence view. Users whose last
		// heartbeat is older than the liveness window count as offline.
		Snapshot(ctx context.Context, roomID string) (*Snapshot, error)
	}

	// sessionKey identifies one connected transport.
	sessionKey struct {
		userID    string
		sessionID string
	}

	// roomState is the hub's per-room registry plus its serialized
	// broadcast queue. One goroutine drains the queue so consumers see
	// frames in enqueue order.
	roomState struct {
		mu         sync.Mutex
		transports map[sessionKey]Transport
		queue      chan queued
		done       chan struct{}
		// shed counts non-critical frames the drain loop must discard
		// instead of fanning out. Only the drain goroutine consumes the
		// queue, so critical frames keep their enqueue order even while
		// shedding.
		shed atomic.Int64

		lastTyping map[string]time.Time
	}

	queued struct {
		frame *ServerFrame
		// critical frames (messages) are never dropped by backpressure;
		// non-critical ones (typing) may be.
		critical bool
	}

	// Hub is the per-room WebSocket registrar with ordered fan-out,
	// presence and typing indicators.
	Hub struct {
		presence PresenceStore
		logger   telemetry.Logger
		now      func() time.Time

		mu    sync.RWMutex
		rooms map[string]*roomState
		users map[string]map[sessionKey]Transport
	}

	// HubOptions configures a Hub. Presence is required.
	HubOptions struct {
		Presence PresenceStore
		Logger   telemetry.Logger
	}
)

// Queue and pacing bounds from the concurrency model.
const (
	// broadcastQueueBound caps a room's pending frames; beyond it,
	// non-critical frames drop oldest-first and message senders block.
	broadcastQueueBound = 1000
	// senderPauseLimit is how long a blocked message enqueue waits before
	// the sender transport is closed.
	senderPauseLimit = 5 * time.Second
	// typingExpiry is the lifetime of a typing flag.
	typingExpiry = 3 * time.Second
	// typingRebroadcast throttles per-(room, user) typing fan-out.
	typingRebroadcast = time.Second
	// writeTimeout bounds one transport write during fan-out.
	writeTimeout = 10 * time.Second
)

// ErrSenderStalled reports that a room queue stayed full past the pause
// limit; the caller must close the sender transport.
var ErrSenderStalled = errors.New("chat: broadcast queue stalled")

// NewHub validates the options and constructs a Hub.
func NewHub(opts HubOptions) (*Hub, error) {
	if opts.Presence == nil {
		return nil, errors.New("chat: presence store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Hub{
		presence: opts.Presence,
		logger:   logger,
		now:      time.Now,
		rooms:    make(map[string]*roomState),
		users:    make(map[string]map[sessionKey]Transport),
	}, nil
}

// Join registers a transport under (user, session) for a room. Membership
// is authorized by the caller before Join. A duplicate (user, session)
// replaces the prior transport, which is closed cleanly. The new client
// receives a presence snapshot; the room sees an online delta.
func (h *Hub) Join(ctx context.Context, userID, sessionID, roomID string, t Transport) error {
	key := sessionKey{userID: userID, sessionID: sessionID}
	room := h.room(roomID, true)

	room.mu.Lock()
	prev := room.transports[key]
	room.transports[key] = t
	room.mu.Unlock()
	if prev != nil {
		_ = prev.Close(CloseInternal, "replaced by newer session")
	}

	h.mu.Lock()
	if h.users[userID] == nil {
		h.users[userID] = make(map[sessionKey]Transport)
	}
	h.users[userID][key] = t
	h.mu.Unlock()

	now := h.now()
	if err := h.presence.Touch(ctx, roomID, userID, now); err != nil {
		h.logger.Error(ctx, "presence touch failed", "room", roomID, "user", userID, "err", err)
	}

	snap, err := h.presence.Snapshot(ctx, roomID)
	if err != nil {
		h.logger.Error(ctx, "presence snapshot failed", "room", roomID, "err", err)
	} else {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		_ = t.WriteFrame(wctx, &ServerFrame{Command: CmdPresenceSnapshot, ChatID: roomID, Snapshot: snap})
		cancel()
	}

	h.enqueue(roomID, &ServerFrame{
		Command:  CmdPresence,
		ChatID:   roomID,
		Presence: &PresenceDelta{User: userID, Status: StatusOnline},
	}, false)
	return nil
}

// Leave removes the (user, session) transport from a room. When the last
// session of the user leaves, the room sees an offline delta.
func (h *Hub) Leave(ctx context.Context, userID, sessionID, roomID string) {
	key := sessionKey{userID: userID, sessionID: sessionID}
	room := h.room(roomID, false)
	if room == nil {
		return
	}
	room.mu.Lock()
	delete(room.transports, key)
	remaining := 0
	for k := range room.transports {
		if k.userID == userID {
			remaining++
		}
	}
	room.mu.Unlock()

	h.mu.Lock()
	if sessions := h.users[userID]; sessions != nil {
		delete(sessions, key)
		if len(sessions) == 0 {
			delete(h.users, userID)
		}
	}
	h.mu.Unlock()

	if remaining == 0 {
		now := h.now()
		if err := h.presence.Offline(ctx, roomID, userID, now); err != nil {
			h.logger.Error(ctx, "presence offline failed", "room", roomID, "user", userID, "err", err)
		}
		h.enqueue(roomID, &ServerFrame{
			Command:  CmdPresence,
			ChatID:   roomID,
			Presence: &PresenceDelta{User: userID, Status: StatusOffline, LastSeen: &now},
		}, false)
	}
}

// Heartbeat refreshes a user's liveness in a room on client pings.
func (h *Hub) Heartbeat(ctx context.Context, roomID, userID string) {
	if err := h.presence.Touch(ctx, roomID, userID, h.now()); err != nil {
		h.logger.Error(ctx, "presence heartbeat failed", "room", roomID, "user", userID, "err", err)
	}
}

// Broadcast fans a frame out to all transports of a room, serialized
// through the room queue: consumers see frames in enqueue order. Message
// frames are never dropped; when the queue stays full past the pause
// limit, ErrSenderStalled tells the caller to close the sender.
func (h *Hub) Broadcast(roomID string, f *ServerFrame) error {
	return h.enqueue(roomID, f, true)
}

// Typing handles an inbound typing frame: per-(room, user) expiring flag,
// rebroadcast at most once per second.
func (h *Hub) Typing(roomID, userID string) {
	room := h.room(roomID, true)
	now := h.now()
	room.mu.Lock()
	last, seen := room.lastTyping[userID]
	if seen && now.Sub(last) < typingRebroadcast {
		room.mu.Unlock()
		return
	}
	room.lastTyping[userID] = now
	room.mu.Unlock()

	_ = h.enqueue(roomID, &ServerFrame{Command: CmdTyping, ChatID: roomID, From: userID}, false)
}

// SendTo delivers a frame to every session of one user, bypassing room
// queues. Used for private system messages and typing acks.
func (h *Hub) SendTo(ctx context.Context, userID string, f *ServerFrame) {
	h.mu.RLock()
	transports := make([]Transport, 0, len(h.users[userID]))
	for _, t := range h.users[userID] {
		transports = append(transports, t)
	}
	h.mu.RUnlock()
	for _, t := range transports {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		if err := t.WriteFrame(wctx, f); err != nil {
			h.logger.Debug(ctx, "send_to write failed", "user", userID, "err", err)
		}
		cancel()
	}
}

// Close drains and stops all room loops.
func (h *Hub) Close() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]*roomState)
	h.mu.Unlock()
	for _, room := range rooms {
		close(room.queue)
		<-room.done
	}
}

func (h *Hub) room(roomID string, create bool) *roomState {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room != nil || !create {
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if room = h.rooms[roomID]; room != nil {
		return room
	}
	room = &roomState{
		transports: make(map[sessionKey]Transport),
		queue:      make(chan queued, broadcastQueueBound),
		done:       make(chan struct{}),
		lastTyping: make(map[string]time.Time),
	}
	h.rooms[roomID] = room
	go h.drain(roomID, room)
	return room
}

func (h *Hub) enqueue(roomID string, f *ServerFrame, critical bool) error {
	room := h.room(roomID, true)
	item := queued{frame: f, critical: critical}

	select {
	case room.queue <- item:
		return nil
	default:
	}

	if !critical {
		// Queue full: credit the drain loop to discard one queued
		// non-critical frame, then retry once. If the queue is still full
		// this frame drops too; typing frames are ephemeral, so an unused
		// credit at worst sheds a later one.
		room.shed.Add(1)
		select {
		case room.queue <- item:
		default:
		}
		return nil
	}

	// Message frames are never dropped; pause the sender until the queue
	// drains, bounded by the pause limit.
	timer := time.NewTimer(senderPauseLimit)
	defer timer.Stop()
	select {
	case room.queue <- item:
		return nil
	case <-timer.C:
		return ErrSenderStalled
	}
}

// drain is the per-room broadcast loop: one goroutine per active room so
// delivery order matches enqueue order. Non-critical frames credited for
// shedding under backpressure are discarded here, oldest first.
func (h *Hub) drain(roomID string, room *roomState) {
	defer close(room.done)
	for item := range room.queue {
		if !item.critical && room.shed.Load() > 0 {
			room.shed.Add(-1)
			continue
		}
		h.fanout(room, item.frame)
	}
}

func (h *Hub) fanout(room *roomState, f *ServerFrame) {
	room.mu.Lock()
	targets := make([]Transport, 0, len(room.transports))
	for _, t := range room.transports {
		targets = append(targets, t)
	}
	room.mu.Unlock()

	for _, t := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := t.WriteFrame(ctx, f); err != nil {
			h.logger.Debug(ctx, "broadcast write failed", "room", f.ChatID, "err", err)
		}
		cancel()
	}
}
