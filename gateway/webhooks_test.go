package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mathia.chat/mathia/runtime/chat"
	"mathia.chat/mathia/runtime/keystore"
	"mathia.chat/mathia/runtime/store"
)

func (e *testEnv) postWebhook(t *testing.T, provider string, payload any, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+provider+"/", bytes.NewReader(raw))
	if sign {
		sig, err := keystore.SignHMAC("sha256", e.secrets[provider], raw)
		require.NoError(t, err)
		req.Header.Set(SignatureHeader, "sha256="+sig)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postWebhook(t, ProviderPayments, map[string]string{"external_ref": "x"}, false)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", decodeJSON(t, rec)["code"])
}

func TestWebhookRejectsTamperedBody(t *testing.T) {
	env := newTestEnv(t)

	raw := []byte(`{"external_ref":"evt-1","user_id":"alice","currency":"EUR","amount_minor":5000}`)
	sig, err := keystore.SignHMAC("sha256", env.secrets[ProviderPayments], raw)
	require.NoError(t, err)

	tampered := []byte(`{"external_ref":"evt-1","user_id":"alice","currency":"EUR","amount_minor":500000}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/", bytes.NewReader(tampered))
	req.Header.Set(SignatureHeader, "sha256="+sig)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookUnknownProvider(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postWebhook(t, "carrier-pigeon", map[string]string{}, false)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "unsupported", decodeJSON(t, rec)["code"])
}

func TestPaymentsWebhookCreditsWalletOnce(t *testing.T) {
	env := newTestEnv(t)
	event := map[string]any{
		"external_ref": "evt-42",
		"user_id":      "alice",
		"currency":     "EUR",
		"amount_minor": 2500,
		"reason":       "topup",
	}

	rec := env.postWebhook(t, ProviderPayments, event, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "applied", body["status"])
	assert.EqualValues(t, 2500, body["balance_minor"])

	wallet, err := env.stores.Wallets.Get(context.Background(), "alice", "EUR")
	require.NoError(t, err)
	assert.EqualValues(t, 2500, wallet.BalanceMinor)

	// Provider redelivery must not credit twice.
	rec = env.postWebhook(t, ProviderPayments, event, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decodeJSON(t, rec)["status"])

	wallet, err = env.stores.Wallets.Get(context.Background(), "alice", "EUR")
	require.NoError(t, err)
	assert.EqualValues(t, 2500, wallet.BalanceMinor)
}

func TestPaymentsWebhookValidatesFields(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postWebhook(t, ProviderPayments, map[string]any{"user_id": "alice"}, true)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeJSON(t, rec)
	fields, _ := body["fields"].(map[string]any)
	assert.Contains(t, fields, "external_ref")
	assert.Contains(t, fields, "currency")
	assert.Contains(t, fields, "amount_minor")
}

func TestWhatsAppWebhookRecordsReceipt(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postWebhook(t, ProviderWhatsApp, map[string]string{
		"reminder_id": "rem-1",
		"status":      "delivered",
	}, true)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "recorded", decodeJSON(t, rec)["status"])
}

// chanTransport collects frames for assertions.
type chanTransport struct {
	frames chan *chat.ServerFrame
}

func newChanTransport() *chanTransport {
	return &chanTransport{frames: make(chan *chat.ServerFrame, 16)}
}

func (c *chanTransport) WriteFrame(_ context.Context, f *chat.ServerFrame) error {
	c.frames <- f
	return nil
}

func (c *chanTransport) Close(int, string) error { return nil }

func (c *chanTransport) next(t *testing.T, command string) *chat.ServerFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-c.frames:
			if f.Command == command {
				return f
			}
		case <-deadline:
			t.Fatalf("no %s frame arrived", command)
			return nil
		}
	}
}

func TestCalendarWebhookNotifiesUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.newRoom(t, store.RoomAI, "alice")
	transport := newChanTransport()
	require.NoError(t, env.hub.Join(ctx, "alice", "sess-1", room.ID, transport))

	rec := env.postWebhook(t, ProviderCalendar, map[string]string{
		"user_id":  "alice",
		"title":    "dentist",
		"start_at": "2026-09-01T09:00:00Z",
	}, true)

	require.Equal(t, http.StatusOK, rec.Code)
	frame := transport.next(t, chat.CmdSystem)
	assert.Contains(t, frame.Text, "dentist")
	assert.Contains(t, frame.Text, "2026-09-01")
}
