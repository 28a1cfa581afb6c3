package chat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mathia.chat/mathia/runtime/cache"
	"mathia.chat/mathia/runtime/jobs"
	"mathia.chat/mathia/runtime/keystore"
	"mathia.chat/mathia/runtime/store"
)

type pipelineFixture struct {
	pipeline *Pipeline
	hub      *Hub
	stores   store.Stores
	queue    *jobs.Memory
	roomID   string
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	master := make([]byte, keystore.KeySize)
	copy(master, []byte("0123456789abcdef0123456789abcdef"))
	ks, err := keystore.New(keystore.Options{MasterKey: master})
	require.NoError(t, err)

	mem := store.NewMemory()
	stores := mem.Stores()

	roomKey, err := ks.NewRoomKey()
	require.NoError(t, err)
	wrapped, err := ks.WrapRoomKey(roomKey)
	require.NoError(t, err)

	room := &store.Room{ID: "roomA", Kind: store.RoomGroup, DisplayName: "general", OwnerID: "alice", WrappedKey: wrapped}
	require.NoError(t, stores.Rooms.Create(context.Background(), room))
	for _, user := range []string{"alice", "bob"} {
		require.NoError(t, stores.Members.Add(context.Background(), &store.Membership{
			RoomID: "roomA", UserID: user, Role: store.RoleMember, JoinedAt: time.Now(),
		}))
	}

	hub, err := NewHub(HubOptions{Presence: NewMemoryPresence()})
	require.NoError(t, err)
	t.Cleanup(hub.Close)

	queue := jobs.NewMemory()
	queue.Register(AssistantJob, func(ctx context.Context, payload []byte, attempt int) jobs.Result {
		return jobs.OK()
	})

	p, err := NewPipeline(PipelineOptions{
		Stores:      stores,
		Keys:        keystore.NewCache(ks, stores.Rooms),
		Keystore:    ks,
		Hub:         hub,
		Limiter:     cache.NewMemoryLimiter(),
		Idempotency: cache.NewMemoryIdempotency(),
		Queue:       queue,
	})
	require.NoError(t, err)

	return &pipelineFixture{pipeline: p, hub: hub, stores: stores, queue: queue, roomID: "roomA"}
}

func TestHandleNewMessagePersistsCiphertextAndBroadcasts(t *testing.T) {
	fx := newPipelineFixture(t)
	bob := &recordingTransport{}
	require.NoError(t, fx.hub.Join(context.Background(), "bob", "s1", fx.roomID, bob))

	msg, err := fx.pipeline.HandleNewMessage(context.Background(), Session{UserID: "alice", SessionID: "s1"}, &ClientFrame{
		Command: CmdNewMessage, ChatID: fx.roomID, Body: "hello",
	})
	require.NoError(t, err)
	require.NotNil(t, msg)

	// The store holds ciphertext only.
	stored, err := fx.stores.Messages.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	require.NotContains(t, string(stored.Ciphertext), "hello")
	require.NotContains(t, base64.StdEncoding.EncodeToString(stored.Ciphertext), base64.StdEncoding.EncodeToString([]byte("hello")))
	require.NotEmpty(t, stored.Nonce)

	waitFor(t, func() bool { return len(bob.byCommand(CmdNewMessage)) == 1 })
	require.Equal(t, "hello", bob.byCommand(CmdNewMessage)[0].Message.Body)
}

func TestOrderingMatchesPersistence(t *testing.T) {
	fx := newPipelineFixture(t)
	bob := &recordingTransport{}
	require.NoError(t, fx.hub.Join(context.Background(), "bob", "s1", fx.roomID, bob))

	sess := Session{UserID: "alice", SessionID: "s1"}
	_, err := fx.pipeline.HandleNewMessage(context.Background(), sess, &ClientFrame{ChatID: fx.roomID, Body: "hello"})
	require.NoError(t, err)
	_, err = fx.pipeline.HandleNewMessage(context.Background(), sess, &ClientFrame{ChatID: fx.roomID, Body: "world"})
	require.NoError(t, err)

	waitFor(t, func() bool { return len(bob.byCommand(CmdNewMessage)) == 2 })
	frames := bob.byCommand(CmdNewMessage)
	require.Equal(t, "hello", frames[0].Message.Body)
	require.Equal(t, "world", frames[1].Message.Body)

	// History returns the same order with t1 < t2.
	wire, _, err := fx.pipeline.FetchMessages(context.Background(), Session{UserID: "bob"}, fx.roomID, "", 50)
	require.NoError(t, err)
	require.Len(t, wire, 2)
	// Newest first.
	require.Equal(t, "world", wire[0].Body)
	require.Equal(t, "hello", wire[1].Body)
	require.True(t, wire[1].Timestamp.Before(wire[0].Timestamp) || wire[1].Timestamp.Equal(wire[0].Timestamp))
}

func TestConcurrentSendersBroadcastInHistoryOrder(t *testing.T) {
	fx := newPipelineFixture(t)
	bob := &recordingTransport{}
	require.NoError(t, fx.hub.Join(context.Background(), "bob", "s1", fx.roomID, bob))

	const senders = 16
	errs := make(chan error, senders)
	var wg sync.WaitGroup
	for i := range senders {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := fx.pipeline.HandleNewMessage(context.Background(), Session{UserID: "alice"}, &ClientFrame{
				ChatID: fx.roomID, Body: fmt.Sprintf("msg-%d", n),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	waitFor(t, func() bool { return len(bob.byCommand(CmdNewMessage)) == senders })

	// History is newest first; live delivery must replay it oldest first.
	wire, _, err := fx.pipeline.FetchMessages(context.Background(), Session{UserID: "bob"}, fx.roomID, "", 50)
	require.NoError(t, err)
	require.Len(t, wire, senders)
	frames := bob.byCommand(CmdNewMessage)
	for i, f := range frames {
		require.Equal(t, wire[senders-1-i].Body, f.Message.Body)
	}
}

func TestNonMemberIsForbidden(t *testing.T) {
	fx := newPipelineFixture(t)
	_, err := fx.pipeline.HandleNewMessage(context.Background(), Session{UserID: "eve"}, &ClientFrame{ChatID: fx.roomID, Body: "hi"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a member")
}

func TestIdempotentResend(t *testing.T) {
	fx := newPipelineFixture(t)
	bob := &recordingTransport{}
	require.NoError(t, fx.hub.Join(context.Background(), "bob", "s1", fx.roomID, bob))

	sess := Session{UserID: "alice"}
	frame := &ClientFrame{ChatID: fx.roomID, Body: "once", IdempotencyKey: "key-1"}
	first, err := fx.pipeline.HandleNewMessage(context.Background(), sess, frame)
	require.NoError(t, err)
	require.NotNil(t, first)

	dup, err := fx.pipeline.HandleNewMessage(context.Background(), sess, frame)
	require.NoError(t, err)
	require.Nil(t, dup, "duplicate must be suppressed")

	time.Sleep(50 * time.Millisecond)
	require.Len(t, bob.byCommand(CmdNewMessage), 1, "one persist, one broadcast")

	page, _, err := fx.pipeline.FetchMessages(context.Background(), Session{UserID: "bob"}, fx.roomID, "", 50)
	require.NoError(t, err)
	require.Len(t, page, 1)
}

func TestMessageRateLimit(t *testing.T) {
	fx := newPipelineFixture(t)
	sess := Session{UserID: "alice"}
	for i := range messageLimit {
		_, err := fx.pipeline.HandleNewMessage(context.Background(), sess, &ClientFrame{ChatID: fx.roomID, Body: "m", IdempotencyKey: ""})
		require.NoError(t, err, "message %d within the limit", i)
	}
	_, err := fx.pipeline.HandleNewMessage(context.Background(), sess, &ClientFrame{ChatID: fx.roomID, Body: "over"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limit")
}

func TestAssistantTriggerForksJob(t *testing.T) {
	fx := newPipelineFixture(t)
	received := make(chan AssistantPayload, 1)
	fx.queue.Register(AssistantJob, func(ctx context.Context, payload []byte, attempt int) jobs.Result {
		var p AssistantPayload
		require.NoError(t, json.Unmarshal(payload, &p))
		received <- p
		return jobs.OK()
	})

	msg, err := fx.pipeline.HandleNewMessage(context.Background(), Session{UserID: "alice"}, &ClientFrame{
		ChatID: fx.roomID, Body: "@Mathia show my balance",
	})
	require.NoError(t, err)

	select {
	case p := <-received:
		require.Equal(t, msg.ID, p.CorrelationID, "correlation id is the message id")
		require.Equal(t, "show my balance", p.Utterance)
		require.Equal(t, "alice", p.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("assistant job was not submitted")
	}
}

func TestTriggerDetection(t *testing.T) {
	require.True(t, HasTrigger("@mathia balance"))
	require.True(t, HasTrigger("hey @MATHIA what's up"))
	require.False(t, HasTrigger("email me at x@mathiamail.com")) // not word-bounded
	require.False(t, HasTrigger("no trigger here"))
}

func TestParentMustBeSameRoom(t *testing.T) {
	fx := newPipelineFixture(t)

	// Second room with its own key.
	master := make([]byte, keystore.KeySize)
	copy(master, []byte("0123456789abcdef0123456789abcdef"))
	ks, err := keystore.New(keystore.Options{MasterKey: master})
	require.NoError(t, err)
	otherKey, _ := ks.NewRoomKey()
	wrapped, _ := ks.WrapRoomKey(otherKey)
	require.NoError(t, fx.stores.Rooms.Create(context.Background(), &store.Room{ID: "roomB", Kind: store.RoomGroup, OwnerID: "alice", WrappedKey: wrapped}))
	require.NoError(t, fx.stores.Members.Add(context.Background(), &store.Membership{RoomID: "roomB", UserID: "alice", Role: store.RoleMember}))

	other, err := fx.pipeline.HandleNewMessage(context.Background(), Session{UserID: "alice"}, &ClientFrame{ChatID: "roomB", Body: "in B"})
	require.NoError(t, err)

	_, err = fx.pipeline.HandleNewMessage(context.Background(), Session{UserID: "alice"}, &ClientFrame{
		ChatID: fx.roomID, Body: "reply", ParentID: other.ID,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "another room")
}

func TestUnreadableMessageSurfacesPlaceholder(t *testing.T) {
	fx := newPipelineFixture(t)
	msg, err := fx.pipeline.HandleNewMessage(context.Background(), Session{UserID: "alice"}, &ClientFrame{ChatID: fx.roomID, Body: "secret"})
	require.NoError(t, err)

	// Corrupt the stored ciphertext.
	stored, err := fx.stores.Messages.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	stored.Ciphertext[0] ^= 0xff

	page, _, err := fx.pipeline.FetchMessages(context.Background(), Session{UserID: "bob"}, fx.roomID, "", 50)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, UnreadablePlaceholder, page[0].Body)
}
