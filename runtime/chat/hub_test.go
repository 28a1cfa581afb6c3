package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	mu     sync.Mutex
	frames []*ServerFrame
	closed bool
	code   int
}

func (t *recordingTransport) WriteFrame(_ context.Context, f *ServerFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, f)
	return nil
}

func (t *recordingTransport) Close(code int, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.code = code
	return nil
}

func (t *recordingTransport) byCommand(cmd string) []*ServerFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*ServerFrame
	for _, f := range t.frames {
		if f.Command == cmd {
			out = append(out, f)
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h, err := NewHub(HubOptions{Presence: NewMemoryPresence()})
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return h
}

func TestBroadcastOrderWithinRoom(t *testing.T) {
	h := newTestHub(t)
	bob := &recordingTransport{}
	require.NoError(t, h.Join(context.Background(), "bob", "s1", "roomA", bob))

	for _, body := range []string{"hello", "world", "again"} {
		require.NoError(t, h.Broadcast("roomA", &ServerFrame{
			Command: CmdNewMessage,
			ChatID:  "roomA",
			Message: &WireMessage{Body: body},
		}))
	}

	waitFor(t, func() bool { return len(bob.byCommand(CmdNewMessage)) == 3 })
	got := bob.byCommand(CmdNewMessage)
	require.Equal(t, "hello", got[0].Message.Body)
	require.Equal(t, "world", got[1].Message.Body)
	require.Equal(t, "again", got[2].Message.Body)
}

func TestJoinSendsSnapshotAndPresenceDelta(t *testing.T) {
	h := newTestHub(t)
	alice := &recordingTransport{}
	require.NoError(t, h.Join(context.Background(), "alice", "s1", "roomA", alice))

	require.Len(t, alice.byCommand(CmdPresenceSnapshot), 1)
	snap := alice.byCommand(CmdPresenceSnapshot)[0].Snapshot
	require.Contains(t, snap.Online, "alice")

	bob := &recordingTransport{}
	require.NoError(t, h.Join(context.Background(), "bob", "s1", "roomA", bob))
	waitFor(t, func() bool { return len(alice.byCommand(CmdPresence)) >= 1 })
	deltas := alice.byCommand(CmdPresence)
	require.Equal(t, "bob", deltas[len(deltas)-1].Presence.User)
	require.Equal(t, StatusOnline, deltas[len(deltas)-1].Presence.Status)
}

func TestDuplicateSessionReplacesTransport(t *testing.T) {
	h := newTestHub(t)
	old := &recordingTransport{}
	require.NoError(t, h.Join(context.Background(), "alice", "s1", "roomA", old))
	replacement := &recordingTransport{}
	require.NoError(t, h.Join(context.Background(), "alice", "s1", "roomA", replacement))

	require.True(t, old.closed, "prior transport must be closed cleanly")

	require.NoError(t, h.Broadcast("roomA", &ServerFrame{Command: CmdNewMessage, ChatID: "roomA", Message: &WireMessage{Body: "x"}}))
	waitFor(t, func() bool { return len(replacement.byCommand(CmdNewMessage)) == 1 })
	require.Empty(t, old.byCommand(CmdNewMessage))
}

func TestLastSessionLeaveEmitsOffline(t *testing.T) {
	h := newTestHub(t)
	watcher := &recordingTransport{}
	require.NoError(t, h.Join(context.Background(), "bob", "s1", "roomA", watcher))
	s1 := &recordingTransport{}
	s2 := &recordingTransport{}
	require.NoError(t, h.Join(context.Background(), "alice", "s1", "roomA", s1))
	require.NoError(t, h.Join(context.Background(), "alice", "s2", "roomA", s2))

	h.Leave(context.Background(), "alice", "s1", "roomA")
	// One session remains: no offline delta yet.
	time.Sleep(20 * time.Millisecond)
	for _, f := range watcher.byCommand(CmdPresence) {
		if f.Presence.User == "alice" {
			require.NotEqual(t, StatusOffline, f.Presence.Status)
		}
	}

	h.Leave(context.Background(), "alice", "s2", "roomA")
	waitFor(t, func() bool {
		for _, f := range watcher.byCommand(CmdPresence) {
			if f.Presence.User == "alice" && f.Presence.Status == StatusOffline {
				return true
			}
		}
		return false
	})
}

func TestTypingThrottle(t *testing.T) {
	h := newTestHub(t)
	bob := &recordingTransport{}
	require.NoError(t, h.Join(context.Background(), "bob", "s1", "roomA", bob))

	for range 5 {
		h.Typing("roomA", "alice")
	}
	// Rebroadcast is throttled to once per second, so only the first
	// typing frame goes out.
	waitFor(t, func() bool { return len(bob.byCommand(CmdTyping)) >= 1 })
	time.Sleep(50 * time.Millisecond)
	require.Len(t, bob.byCommand(CmdTyping), 1)
}

func TestSendToReachesAllSessionsOfUser(t *testing.T) {
	h := newTestHub(t)
	s1 := &recordingTransport{}
	s2 := &recordingTransport{}
	require.NoError(t, h.Join(context.Background(), "alice", "s1", "roomA", s1))
	require.NoError(t, h.Join(context.Background(), "alice", "s2", "roomB", s2))

	h.SendTo(context.Background(), "alice", &ServerFrame{Command: CmdSystem, Text: "hi"})
	require.Len(t, s1.byCommand(CmdSystem), 1)
	require.Len(t, s2.byCommand(CmdSystem), 1)
}

// gatedTransport parks the first message write until release closes,
// pinning the drain loop mid-fanout. Later writes record immediately.
type gatedTransport struct {
	recordingTransport
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedTransport) WriteFrame(ctx context.Context, f *ServerFrame) error {
	if f.Command == CmdNewMessage {
		first := false
		g.once.Do(func() { first = true })
		if first {
			close(g.entered)
			<-g.release
		}
	}
	return g.recordingTransport.WriteFrame(ctx, f)
}

func TestBackpressureShedsTypingButKeepsMessageOrder(t *testing.T) {
	h := newTestHub(t)
	bob := &gatedTransport{entered: make(chan struct{}), release: make(chan struct{})}
	require.NoError(t, h.Join(context.Background(), "bob", "s1", "roomA", bob))

	// The first message parks the drain loop inside the transport write.
	require.NoError(t, h.Broadcast("roomA", &ServerFrame{Command: CmdNewMessage, ChatID: "roomA", Message: &WireMessage{Body: "first"}}))
	<-bob.entered

	// A second message queues behind it, then a typing flood overflows the
	// queue so shedding kicks in while the message is still queued.
	require.NoError(t, h.Broadcast("roomA", &ServerFrame{Command: CmdNewMessage, ChatID: "roomA", Message: &WireMessage{Body: "second"}}))
	const flood = broadcastQueueBound + 10
	for range flood {
		require.NoError(t, h.enqueue("roomA", &ServerFrame{Command: CmdTyping, ChatID: "roomA", From: "alice"}, false))
	}

	close(bob.release)
	waitFor(t, func() bool { return len(bob.byCommand(CmdNewMessage)) == 2 })
	got := bob.byCommand(CmdNewMessage)
	require.Equal(t, "first", got[0].Message.Body)
	require.Equal(t, "second", got[1].Message.Body)

	// Part of the flood was shed rather than delivered.
	room := h.room("roomA", false)
	waitFor(t, func() bool { return len(room.queue) == 0 })
	require.Less(t, len(bob.byCommand(CmdTyping)), flood)
}

func TestRoomsAreIndependent(t *testing.T) {
	h := newTestHub(t)
	a := &recordingTransport{}
	b := &recordingTransport{}
	require.NoError(t, h.Join(context.Background(), "alice", "s1", "roomA", a))
	require.NoError(t, h.Join(context.Background(), "bob", "s1", "roomB", b))

	require.NoError(t, h.Broadcast("roomA", &ServerFrame{Command: CmdNewMessage, ChatID: "roomA", Message: &WireMessage{Body: "only A"}}))
	waitFor(t, func() bool { return len(a.byCommand(CmdNewMessage)) == 1 })
	require.Empty(t, b.byCommand(CmdNewMessage))
}
