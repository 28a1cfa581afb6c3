package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mathia.chat/mathia/runtime/blob"
	"mathia.chat/mathia/runtime/cache"
	"mathia.chat/mathia/runtime/chat"
	"mathia.chat/mathia/runtime/jobs"
	"mathia.chat/mathia/runtime/keystore"
	"mathia.chat/mathia/runtime/session"
	"mathia.chat/mathia/runtime/store"
)

const testCSRF = "csrf-test-token"

type stubUsage struct {
	mu    sync.Mutex
	used  map[string]int
	fail  bool
	calls []string
}

func (s *stubUsage) Usage(_ context.Context, key string, _ time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, errors.New("usage backend down")
	}
	s.calls = append(s.calls, key)
	return s.used[key], nil
}

type stubPinger struct {
	name string
	err  error
}

func (p stubPinger) Ping(context.Context) error { return p.err }
func (p stubPinger) Name() string               { return p.name }

type testEnv struct {
	gw       *Gateway
	handler  http.Handler
	sessions *session.Memory
	stores   store.Stores
	crypto   *keystore.Keystore
	keys     *keystore.Cache
	hub      *chat.Hub
	pipeline *chat.Pipeline
	usage    *stubUsage
	pingers  []Pinger
	secrets  map[string][]byte
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	master := bytes.Repeat([]byte{7}, keystore.KeySize)
	crypto, err := keystore.New(keystore.Options{MasterKey: master})
	require.NoError(t, err)

	stores := store.NewMemory().Stores()
	keys := keystore.NewCache(crypto, stores.Rooms)

	hub, err := chat.NewHub(chat.HubOptions{Presence: chat.NewMemoryPresence()})
	require.NoError(t, err)
	t.Cleanup(hub.Close)

	pipeline, err := chat.NewPipeline(chat.PipelineOptions{
		Stores:      stores,
		Keys:        keys,
		Keystore:    crypto,
		Hub:         hub,
		Limiter:     cache.NewMemoryLimiter(),
		Idempotency: cache.NewMemoryIdempotency(),
		Queue:       jobs.NewMemory(),
	})
	require.NoError(t, err)

	env := &testEnv{
		sessions: session.NewMemory(),
		stores:   stores,
		crypto:   crypto,
		keys:     keys,
		hub:      hub,
		pipeline: pipeline,
		usage:    &stubUsage{used: make(map[string]int)},
		secrets:  map[string][]byte{ProviderPayments: []byte("pay-secret"), ProviderWhatsApp: []byte("wa-secret"), ProviderCalendar: []byte("cal-secret")},
	}
	env.gw, err = New(Options{
		Sessions:       env.sessions,
		Hub:            hub,
		Pipeline:       pipeline,
		Stores:         stores,
		Blob:           blob.NewMemory(),
		Keys:           keys,
		Keystore:       crypto,
		Usage:          env.usage,
		Connectors:     []string{"weather", "travel"},
		QuotaLimit:     100,
		QuotaWindow:    time.Hour,
		WebhookSecrets: env.secrets,
	})
	require.NoError(t, err)
	env.handler = env.gw.Handler()
	return env
}

// login issues a session for the user and returns the cookies a browser
// would hold.
func (e *testEnv) login(t *testing.T, userID string) []*http.Cookie {
	t.Helper()
	token, err := e.sessions.Issue(context.Background(), userID)
	require.NoError(t, err)
	return []*http.Cookie{
		{Name: SessionCookie, Value: token},
		{Name: CSRFCookie, Value: testCSRF},
	}
}

// newRoom creates a room with a fresh wrapped key and adds the members.
func (e *testEnv) newRoom(t *testing.T, kind store.RoomKind, owner string, members ...string) *store.Room {
	t.Helper()
	key, err := e.crypto.NewRoomKey()
	require.NoError(t, err)
	wrapped, err := e.crypto.WrapRoomKey(key)
	require.NoError(t, err)
	room := &store.Room{
		ID:          "room-" + owner + "-" + string(kind),
		Kind:        kind,
		DisplayName: "test room",
		OwnerID:     owner,
		CreatedAt:   time.Now().UTC(),
		WrappedKey:  wrapped,
		KeyVersion:  1,
	}
	require.NoError(t, e.stores.Rooms.Create(context.Background(), room))
	for _, uid := range append([]string{owner}, members...) {
		require.NoError(t, e.stores.Members.Add(context.Background(), &store.Membership{
			RoomID:   room.ID,
			UserID:   uid,
			Role:     store.RoleMember,
			JoinedAt: room.CreatedAt,
		}))
	}
	return room
}

func (e *testEnv) do(t *testing.T, method, path string, body any, cookies []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	if method != http.MethodGet {
		req.Header.Set(CSRFHeader, testCSRF)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func TestRequestsWithoutSessionAreUnauthenticated(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/notes/", nil, nil)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "unauthenticated", body["code"])
}

func TestMutationsRequireMatchingCSRFToken(t *testing.T) {
	env := newTestEnv(t)
	cookies := env.login(t, "alice")

	req := httptest.NewRequest(http.MethodPost, "/notes/", bytes.NewReader([]byte(`{"body":"x"}`)))
	for _, c := range cookies {
		req.AddCookie(c)
	}
	req.Header.Set(CSRFHeader, "not-the-cookie-value")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTraceHeaderIsEchoed(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	req.Header.Set(TraceHeader, "trace-abc")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, "trace-abc", rec.Header().Get(TraceHeader))

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.NotEmpty(t, rec.Header().Get(TraceHeader))
}

func TestNotesRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	cookies := env.login(t, "alice")

	rec := env.do(t, http.MethodPost, "/notes/", map[string]string{"body": "call the bank tomorrow"}, cookies)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeJSON(t, rec)
	noteID, _ := created["id"].(string)
	require.NotEmpty(t, noteID)
	assert.Equal(t, "call the bank tomorrow", created["body"])

	// Persisted form is ciphertext.
	stored, err := env.stores.Notes.Get(context.Background(), noteID, "alice")
	require.NoError(t, err)
	assert.NotContains(t, string(stored.Ciphertext), "call the bank")

	rec = env.do(t, http.MethodGet, "/notes/", nil, cookies)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeJSON(t, rec)
	notes, _ := listed["notes"].([]any)
	require.Len(t, notes, 1)
	first := notes[0].(map[string]any)
	assert.Equal(t, "call the bank tomorrow", first["body"])

	rec = env.do(t, http.MethodPut, "/notes/"+noteID, map[string]string{"body": "bank called"}, cookies)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bank called", decodeJSON(t, rec)["body"])

	rec = env.do(t, http.MethodDelete, "/notes/"+noteID, nil, cookies)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/notes/", nil, cookies)
	listed = decodeJSON(t, rec)
	notes, _ = listed["notes"].([]any)
	assert.Empty(t, notes)
}

func TestNotesAreScopedToTheirOwner(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice")
	mallory := env.login(t, "mallory")

	rec := env.do(t, http.MethodPost, "/notes/", map[string]string{"body": "secret"}, alice)
	require.Equal(t, http.StatusCreated, rec.Code)
	noteID := decodeJSON(t, rec)["id"].(string)

	rec = env.do(t, http.MethodPut, "/notes/"+noteID, map[string]string{"body": "defaced"}, mallory)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/notes/", nil, mallory)
	notes, _ := decodeJSON(t, rec)["notes"].([]any)
	assert.Empty(t, notes)
}

func TestReadMarkerRequiresMembership(t *testing.T) {
	env := newTestEnv(t)
	room := env.newRoom(t, store.RoomGroup, "alice")
	cookies := env.login(t, "mallory")

	rec := env.do(t, http.MethodPost, "/rooms/"+room.ID+"/read/", nil, cookies)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decodeJSON(t, rec)["code"])
}

func TestReadMarkerAdvances(t *testing.T) {
	env := newTestEnv(t)
	room := env.newRoom(t, store.RoomGroup, "alice")
	cookies := env.login(t, "alice")

	at := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	rec := env.do(t, http.MethodPost, "/rooms/"+room.ID+"/read/", map[string]any{"at": at}, cookies)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, room.ID, body["chatid"])
}

func TestHistoryPagesNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	room := env.newRoom(t, store.RoomGroup, "alice")
	cookies := env.login(t, "alice")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.pipeline.HandleNewMessage(ctx, chat.Session{UserID: "alice"}, &chat.ClientFrame{
			Command: chat.CmdNewMessage,
			ChatID:  room.ID,
			Body:    fmt.Sprintf("message %d", i),
		})
		require.NoError(t, err)
	}

	rec := env.do(t, http.MethodGet, "/rooms/"+room.ID+"/messages/?limit=2", nil, cookies)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	messages, _ := body["messages"].([]any)
	require.Len(t, messages, 2)
	newest := messages[0].(map[string]any)
	assert.Equal(t, "message 2", newest["body"])
	assert.NotEmpty(t, body["cursor"])
}

func TestHistoryRejectsBadLimit(t *testing.T) {
	env := newTestEnv(t)
	room := env.newRoom(t, store.RoomGroup, "alice")
	cookies := env.login(t, "alice")

	rec := env.do(t, http.MethodGet, "/rooms/"+room.ID+"/messages/?limit=abc", nil, cookies)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPinToggle(t *testing.T) {
	env := newTestEnv(t)
	room := env.newRoom(t, store.RoomGroup, "alice")
	cookies := env.login(t, "alice")
	ctx := context.Background()

	msg, err := env.pipeline.HandleNewMessage(ctx, chat.Session{UserID: "alice"}, &chat.ClientFrame{
		Command: chat.CmdNewMessage,
		ChatID:  room.ID,
		Body:    "pin me",
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/messages/"+msg.ID+"/pin/", map[string]bool{"pinned": true}, cookies)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := env.stores.Messages.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.Flags.Pinned)
}

func TestReplyThreadsAndDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	room := env.newRoom(t, store.RoomGroup, "alice", "bob")
	cookies := env.login(t, "bob")
	ctx := context.Background()

	parent, err := env.pipeline.HandleNewMessage(ctx, chat.Session{UserID: "alice"}, &chat.ClientFrame{
		Command: chat.CmdNewMessage,
		ChatID:  room.ID,
		Body:    "anyone up for lunch?",
	})
	require.NoError(t, err)

	reply := map[string]string{"message": "count me in", "idempotency_key": "reply-1"}
	rec := env.do(t, http.MethodPost, "/messages/"+parent.ID+"/reply/", reply, cookies)
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, parent.ID, body["parent_id"])
	assert.Equal(t, room.ID, body["chatid"])

	// Client retry with the same key acknowledges without a second post.
	rec = env.do(t, http.MethodPost, "/messages/"+parent.ID+"/reply/", reply, cookies)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decodeJSON(t, rec)["status"])
}

func TestQuotaReportsWindowOccupancy(t *testing.T) {
	env := newTestEnv(t)
	room := env.newRoom(t, store.RoomGroup, "alice")
	cookies := env.login(t, "alice")
	env.usage.used["alice|weather"] = 3

	rec := env.do(t, http.MethodGet, "/rooms/"+room.ID+"/quota/", nil, cookies)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.EqualValues(t, 100, body["limit"])
	connectors, _ := body["connectors"].([]any)
	require.Len(t, connectors, 2)
	weather := connectors[0].(map[string]any)
	assert.Equal(t, "weather", weather["name"])
	assert.EqualValues(t, 3, weather["used"])
	assert.EqualValues(t, 97, weather["remaining"])
}

func TestUploadReturnsFileURL(t *testing.T) {
	env := newTestEnv(t)
	cookies := env.login(t, "alice")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="pic.png"`)
	header.Set("Content-Type", "image/png")
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte("fake png bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/uploads/", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(CSRFHeader, testCSRF)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, decodeJSON(t, rec)["fileUrl"])
}

func TestHealthzReportsDependencyFailure(t *testing.T) {
	env := newTestEnv(t)
	env.gw.pingers = []Pinger{
		stubPinger{name: "redis"},
		stubPinger{name: "mongo", err: errors.New("connection refused")},
	}

	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	deps, _ := decodeJSON(t, rec)["deps"].(map[string]any)
	assert.Equal(t, "ok", deps["redis"])
	assert.Equal(t, "down", deps["mongo"])
}

func TestNewValidatesRequiredOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required")
}

func TestRotateKeyRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.stores.Users.Create(context.Background(), &store.User{
		ID: "bob", Username: "bob", Email: "bob@example.com", Active: true,
	}))
	room := env.newRoom(t, store.RoomGroup, "bob")

	rec := env.do(t, http.MethodPost, "/rooms/"+room.ID+"/rotate-key/", nil, env.login(t, "bob"))

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decodeJSON(t, rec)["code"])
}

func TestRotateKeyBumpsVersionAndKeepsHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.stores.Users.Create(ctx, &store.User{
		ID: "root", Username: "root", Email: "root@example.com", Admin: true, Active: true,
	}))
	room := env.newRoom(t, store.RoomGroup, "root")

	oldKey, _, err := env.keys.Active(ctx, room.ID)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/rooms/"+room.ID+"/rotate-key/", nil, env.login(t, "root"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decodeJSON(t, rec)["key_version"])

	newKey, version, err := env.keys.Active(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.NotEqual(t, oldKey, newKey)

	// Messages sealed before the rotation stay readable.
	historic, err := env.keys.Version(ctx, room.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, oldKey, historic)
}
