package worker

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mathia.chat/mathia/runtime/cache"
	"mathia.chat/mathia/runtime/chat"
	"mathia.chat/mathia/runtime/connector"
	"mathia.chat/mathia/runtime/intent"
	"mathia.chat/mathia/runtime/jobs"
	"mathia.chat/mathia/runtime/keystore"
	"mathia.chat/mathia/runtime/model"
	"mathia.chat/mathia/runtime/router"
	"mathia.chat/mathia/runtime/store"
)

// --- stubs ---

type stubParser struct {
	intent *intent.Intent
	err    error
}

func (s *stubParser) Parse(context.Context, intent.Input) (*intent.Intent, error) {
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.intent
	return &cp, nil
}

type stubModel struct {
	text      string
	chunks    []string
	streamErr error
}

func (s *stubModel) Complete(context.Context, model.Request) (*model.Response, error) {
	return &model.Response{Text: s.text, Provider: "stub"}, nil
}

func (s *stubModel) Stream(context.Context, model.Request) (model.Streamer, error) {
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	return &stubStream{chunks: s.chunks}, nil
}

type stubStream struct {
	chunks []string
	pos    int
}

func (s *stubStream) Recv() (model.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return model.Chunk{}, io.EOF
	}
	c := model.Chunk{Type: model.ChunkText, Text: s.chunks[s.pos]}
	s.pos++
	return c, nil
}

func (s *stubStream) Close() error { return nil }

type stubConnector struct {
	name    string
	actions []string
	payload *connector.Payload
	err     error

	mu    sync.Mutex
	calls []connector.Call
}

func (c *stubConnector) Name() string               { return c.name }
func (c *stubConnector) SupportedActions() []string { return c.actions }
func (c *stubConnector) ParamSchema(string) any     { return nil }
func (c *stubConnector) ScopeOf(string) cache.Scope { return cache.ScopeUser }
func (c *stubConnector) Execute(_ context.Context, call connector.Call) (*connector.Payload, error) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if c.payload != nil {
		return c.payload, nil
	}
	return &connector.Payload{Results: []any{map[string]any{"ok": true}}, Provider: c.name}, nil
}

func (c *stubConnector) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type recordingTransport struct {
	mu     sync.Mutex
	frames []*chat.ServerFrame
}

func (t *recordingTransport) WriteFrame(_ context.Context, f *chat.ServerFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, f)
	return nil
}

func (t *recordingTransport) Close(int, string) error { return nil }

func (t *recordingTransport) byCommand(cmd string) []*chat.ServerFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*chat.ServerFrame
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

// --- fixture ---

type assistantFixture struct {
	assistant *Assistant
	hub       *chat.Hub
	pipeline  *chat.Pipeline
	stores    store.Stores
	router    *router.Router
	parser    *stubParser
	chatter   *stubModel
	roomID    string
}

func newAssistantFixture(t *testing.T) *assistantFixture {
	t.Helper()

	master := make([]byte, keystore.KeySize)
	copy(master, []byte("0123456789abcdef0123456789abcdef"))
	ks, err := keystore.New(keystore.Options{MasterKey: master})
	require.NoError(t, err)

	stores := store.NewMemory().Stores()
	roomKey, _ := ks.NewRoomKey()
	wrapped, _ := ks.WrapRoomKey(roomKey)
	require.NoError(t, stores.Rooms.Create(context.Background(), &store.Room{
		ID: "roomA", Kind: store.RoomGroup, OwnerID: "alice", WrappedKey: wrapped,
	}))
	require.NoError(t, stores.Members.Add(context.Background(), &store.Membership{
		RoomID: "roomA", UserID: "alice", Role: store.RoleOwner,
	}))
	require.NoError(t, stores.Users.Create(context.Background(), &store.User{
		ID: "alice", Username: "alice", Email: "alice@example.com", Active: true,
	}))

	hub, err := chat.NewHub(chat.HubOptions{Presence: chat.NewMemoryPresence()})
	require.NoError(t, err)
	t.Cleanup(hub.Close)

	queue := jobs.NewMemory()
	pipeline, err := chat.NewPipeline(chat.PipelineOptions{
		Stores:      stores,
		Keys:        keystore.NewCache(ks, stores.Rooms),
		Keystore:    ks,
		Hub:         hub,
		Limiter:     cache.NewMemoryLimiter(),
		Idempotency: cache.NewMemoryIdempotency(),
		Queue:       queue,
	})
	require.NoError(t, err)

	runner, err := connector.NewRunner(connector.RunnerOptions{
		Cache:   cache.NewMemoryCache(),
		Limiter: cache.NewMemoryLimiter(),
	})
	require.NoError(t, err)
	rt, err := router.New(router.Options{Runner: runner})
	require.NoError(t, err)

	parser := &stubParser{intent: &intent.Intent{Action: intent.ActionChat}}
	chatter := &stubModel{chunks: []string{"hello ", "world"}}

	a, err := NewAssistant(AssistantOptions{
		Pipeline: pipeline,
		Hub:      hub,
		Parser:   parser,
		Router:   rt,
		Chatter:  chatter,
		Stores:   stores,
	})
	require.NoError(t, err)

	return &assistantFixture{
		assistant: a,
		hub:       hub,
		pipeline:  pipeline,
		stores:    stores,
		router:    rt,
		parser:    parser,
		chatter:   chatter,
		roomID:    "roomA",
	}
}

func payloadJSON(t *testing.T, correlation, utterance string) []byte {
	t.Helper()
	return []byte(`{"correlation_id":"` + correlation + `","room":"roomA","user":"alice","utterance":"` + utterance + `"}`)
}

// --- assistant ---

func TestAssistantStreamsAndPersistsChatReply(t *testing.T) {
	fx := newAssistantFixture(t)
	watcher := &recordingTransport{}
	require.NoError(t, fx.hub.Join(context.Background(), "alice", "s1", fx.roomID, watcher))

	res := fx.assistant.Handle(context.Background(), payloadJSON(t, "corr-1", "hi"), 1)
	require.True(t, res.IsOK())

	waitFor(t, func() bool { return len(watcher.byCommand(chat.CmdAIMessageSaved)) == 1 })

	streams := watcher.byCommand(chat.CmdAIStream)
	require.GreaterOrEqual(t, len(streams), 3, "two chunks plus the final marker")
	var text strings.Builder
	for _, f := range streams {
		require.Equal(t, "corr-1", f.CorrelationID)
		text.WriteString(f.Chunk)
	}
	require.Equal(t, "hello world", text.String())
	require.True(t, streams[len(streams)-1].IsFinal)

	saved := watcher.byCommand(chat.CmdAIMessageSaved)[0]
	require.Equal(t, "hello world", saved.Message.Body)
	require.True(t, saved.Message.Assistant)

	// The persisted record is encrypted like any other message.
	stored, err := fx.stores.Messages.Get(context.Background(), saved.Message.ID)
	require.NoError(t, err)
	require.NotContains(t, string(stored.Ciphertext), "hello world")
	require.True(t, stored.Flags.Assistant)
}

func TestAssistantFallsBackToCompleteWithoutStreaming(t *testing.T) {
	fx := newAssistantFixture(t)
	fx.chatter.streamErr = model.ErrStreamingUnsupported
	fx.chatter.text = "plain reply"
	watcher := &recordingTransport{}
	require.NoError(t, fx.hub.Join(context.Background(), "alice", "s1", fx.roomID, watcher))

	res := fx.assistant.Handle(context.Background(), payloadJSON(t, "corr-2", "hi"), 1)
	require.True(t, res.IsOK())

	waitFor(t, func() bool { return len(watcher.byCommand(chat.CmdAIMessageSaved)) == 1 })
	require.Equal(t, "plain reply", watcher.byCommand(chat.CmdAIMessageSaved)[0].Message.Body)
}

func TestAssistantRoutesActionIntent(t *testing.T) {
	fx := newAssistantFixture(t)
	conn := &stubConnector{name: "wallet", actions: []string{"balance"}}
	require.NoError(t, fx.router.Register(conn))
	fx.parser.intent = &intent.Intent{Action: "balance", Params: map[string]any{}}

	watcher := &recordingTransport{}
	require.NoError(t, fx.hub.Join(context.Background(), "alice", "s1", fx.roomID, watcher))

	res := fx.assistant.Handle(context.Background(), payloadJSON(t, "corr-3", "balance please"), 1)
	require.True(t, res.IsOK())
	require.Equal(t, 1, conn.callCount())

	waitFor(t, func() bool { return len(watcher.byCommand(chat.CmdAIMessageSaved)) == 1 })
	body := watcher.byCommand(chat.CmdAIMessageSaved)[0].Message.Body
	require.Contains(t, body, "balance")
	require.Contains(t, body, "1 result")
}

func TestAssistantNoneStaysSilent(t *testing.T) {
	fx := newAssistantFixture(t)
	fx.parser.intent = &intent.Intent{Action: intent.ActionNone}
	watcher := &recordingTransport{}
	require.NoError(t, fx.hub.Join(context.Background(), "alice", "s1", fx.roomID, watcher))

	res := fx.assistant.Handle(context.Background(), payloadJSON(t, "corr-4", "nothing"), 1)
	require.True(t, res.IsOK())
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, watcher.byCommand(chat.CmdAIStream))
	require.Empty(t, watcher.byCommand(chat.CmdAIMessageSaved))
}

func TestAssistantMalformedPayloadDeadLetters(t *testing.T) {
	fx := newAssistantFixture(t)
	res := fx.assistant.Handle(context.Background(), []byte("{not json"), 1)
	_, dead := res.IsDead()
	require.True(t, dead)
}

func TestAssistantNewerRequestCancelsPrior(t *testing.T) {
	fx := newAssistantFixture(t)
	watcher := &recordingTransport{}
	require.NoError(t, fx.hub.Join(context.Background(), "alice", "s1", fx.roomID, watcher))

	started := make(chan struct{})
	release := make(chan struct{})
	fx.assistant.chatter = &blockingModel{started: started, release: release}

	done := make(chan jobs.Result, 1)
	go func() {
		done <- fx.assistant.Handle(context.Background(), payloadJSON(t, "corr-old", "first"), 1)
	}()
	<-started

	// A newer request in the same room cancels the in-flight one.
	fx.assistant.chatter = fx.chatter
	res := fx.assistant.Handle(context.Background(), payloadJSON(t, "corr-new", "second"), 1)
	require.True(t, res.IsOK())

	close(release)
	old := <-done
	require.True(t, old.IsOK(), "superseded run is acknowledged, not retried")

	waitFor(t, func() bool {
		for _, f := range watcher.byCommand(chat.CmdSystem) {
			if strings.Contains(f.Text, "replaced") {
				return true
			}
		}
		return false
	})
}

// blockingModel blocks its stream until released, then fails with the
// context error so cancellation is observable.
type blockingModel struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingModel) Complete(context.Context, model.Request) (*model.Response, error) {
	return &model.Response{Text: "x"}, nil
}

func (b *blockingModel) Stream(ctx context.Context, _ model.Request) (model.Streamer, error) {
	close(b.started)
	select {
	case <-b.release:
		return nil, io.ErrUnexpectedEOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// --- helpers ---

func TestSplitChunks(t *testing.T) {
	require.Nil(t, splitChunks("", 4))
	require.Equal(t, []string{"abc"}, splitChunks("abc", 4))
	require.Equal(t, []string{"abcd", "ef"}, splitChunks("abcdef", 4))

	// Multibyte runes never split mid-sequence.
	s := strings.Repeat("é", 3) // 2 bytes each
	pieces := splitChunks(s, 3)
	require.Equal(t, []string{"é", "é", "é"}, pieces)
	for _, p := range pieces {
		require.True(t, strings.HasPrefix(s, p) || strings.Contains(s, p))
	}
}

func TestRenderResult(t *testing.T) {
	ok := &connector.Result{Status: connector.StatusOK, Count: 2, Results: []any{"a", "b"}}
	require.Contains(t, renderResult("search_hotels", ok), "2 results")

	fb := &connector.Result{Status: connector.StatusOK, Count: 1, Results: []any{"a"},
		Metadata: connector.Metadata{FallbackUsed: true}}
	require.Contains(t, renderResult("search_hotels", fb), "backup data")

	rl := &connector.Result{Status: connector.StatusRateLimited, RetryAfter: 30 * time.Second}
	require.Contains(t, renderResult("get_gif", rl), "try again")

	fail := &connector.Result{Status: connector.StatusUpstreamFailure, Error: "boom"}
	require.Contains(t, renderResult("get_weather", fail), "boom")

	unsup := &connector.Result{Status: connector.StatusUnsupported}
	require.Contains(t, renderResult("launch_rocket", unsup), "launch_rocket")
}
