package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mathia.chat/mathia/runtime/chat"
	"mathia.chat/mathia/runtime/connector"
	"mathia.chat/mathia/runtime/store"
)

type moderationFixture struct {
	pass       *Moderation
	fx         *assistantFixture
	classifier *stubConnector
}

func newModerationFixture(t *testing.T) *moderationFixture {
	t.Helper()
	fx := newAssistantFixture(t)

	classifier := &stubConnector{
		name:    "moderation",
		actions: []string{"classify"},
		payload: &connector.Payload{Results: []any{map[string]any{"action": "allow"}}, Provider: "moderation"},
	}
	require.NoError(t, fx.router.Register(classifier))

	pass, err := NewModeration(ModerationOptions{
		Stores:   fx.stores,
		Pipeline: fx.pipeline,
		Router:   fx.router,
		Hub:      fx.hub,
	})
	require.NoError(t, err)
	return &moderationFixture{pass: pass, fx: fx, classifier: classifier}
}

func (m *moderationFixture) sendMessage(t *testing.T, body string) *store.Message {
	t.Helper()
	msg, err := m.fx.pipeline.HandleNewMessage(context.Background(),
		chat.Session{UserID: "alice"}, &chat.ClientFrame{ChatID: m.fx.roomID, Body: body})
	require.NoError(t, err)
	return msg
}

func TestModerationSkipsUnflaggedRooms(t *testing.T) {
	m := newModerationFixture(t)
	m.sendMessage(t, "hello")

	res := m.pass.Handle(context.Background(), nil, 1)
	require.True(t, res.IsOK())
	require.Zero(t, m.classifier.callCount())
}

func TestModerationMarksBlockedMessages(t *testing.T) {
	m := newModerationFixture(t)
	msg := m.sendMessage(t, "something nasty")
	require.NoError(t, m.fx.stores.Rooms.SetFlagged(context.Background(), m.fx.roomID, true))
	m.classifier.payload = &connector.Payload{
		Results:  []any{map[string]any{"action": "block"}},
		Provider: "moderation",
	}

	owner := &recordingTransport{}
	require.NoError(t, m.fx.hub.Join(context.Background(), "alice", "s1", m.fx.roomID, owner))

	res := m.pass.Handle(context.Background(), nil, 1)
	require.True(t, res.IsOK())

	stored, err := m.fx.stores.Messages.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	require.True(t, stored.Flags.Moderated)

	// The room owner hears about it.
	waitFor(t, func() bool { return len(owner.byCommand(chat.CmdSystem)) >= 1 })
	require.Contains(t, owner.byCommand(chat.CmdSystem)[0].Text, "moderation")
}

func TestModerationAllowVerdictLeavesMessage(t *testing.T) {
	m := newModerationFixture(t)
	msg := m.sendMessage(t, "perfectly fine")
	require.NoError(t, m.fx.stores.Rooms.SetFlagged(context.Background(), m.fx.roomID, true))

	res := m.pass.Handle(context.Background(), nil, 1)
	require.True(t, res.IsOK())
	require.Equal(t, 1, m.classifier.callCount())

	stored, err := m.fx.stores.Messages.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	require.False(t, stored.Flags.Moderated)
}

func TestModerationClassifierFailureAllows(t *testing.T) {
	m := newModerationFixture(t)
	msg := m.sendMessage(t, "borderline")
	require.NoError(t, m.fx.stores.Rooms.SetFlagged(context.Background(), m.fx.roomID, true))
	m.classifier.err = errors.New("model down")

	res := m.pass.Handle(context.Background(), nil, 1)
	require.True(t, res.IsOK())

	stored, err := m.fx.stores.Messages.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	require.False(t, stored.Flags.Moderated, "failures never hide messages")
}

func TestModerationSkipsAlreadyModerated(t *testing.T) {
	m := newModerationFixture(t)
	msg := m.sendMessage(t, "repeat offender")
	require.NoError(t, m.fx.stores.Rooms.SetFlagged(context.Background(), m.fx.roomID, true))
	require.NoError(t, m.fx.stores.Messages.SetModerated(context.Background(), msg.ID))

	res := m.pass.Handle(context.Background(), nil, 1)
	require.True(t, res.IsOK())
	require.Zero(t, m.classifier.callCount())
}

func TestModerationWindowExcludesOldMessages(t *testing.T) {
	m := newModerationFixture(t)
	m.sendMessage(t, "ancient history")
	require.NoError(t, m.fx.stores.Rooms.SetFlagged(context.Background(), m.fx.roomID, true))

	// Pretend the tick runs far in the future: nothing recent to sweep.
	m.pass.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	res := m.pass.Handle(context.Background(), nil, 1)
	require.True(t, res.IsOK())
	require.Zero(t, m.classifier.callCount())
}
