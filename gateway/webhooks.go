package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	goahttp "goa.design/goa/v3/http"

	"mathia.chat/mathia/runtime/chat"
	"mathia.chat/mathia/runtime/fault"
	"mathia.chat/mathia/runtime/keystore"
	"mathia.chat/mathia/runtime/store"
)

// Webhook providers the gateway accepts.
const (
	ProviderPayments = "payments"
	ProviderWhatsApp = "whatsapp"
	ProviderCalendar = "calendar"
)

const maxWebhookBody = 1 << 20

// handleWebhook verifies the provider signature before any side effect.
// Unverified deliveries get 401 and a log line; nothing else happens.
func (g *Gateway) handleWebhook(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		provider := mux.Vars(r)["provider"]

		secret, ok := g.secrets[provider]
		if !ok {
			g.writeError(ctx, w, fault.Errorf(fault.Unsupported, "unknown webhook provider %q", provider))
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			g.writeError(ctx, w, fault.Wrap(fault.Validation, "webhook body unreadable", err))
			return
		}
		claimed := strings.TrimPrefix(r.Header.Get(SignatureHeader), "sha256=")
		if !keystore.VerifyHMAC("sha256", secret, body, claimed) {
			g.logger.Warn(ctx, "webhook signature rejected", "provider", provider, "trace", TraceID(ctx))
			g.metrics.IncCounter("gateway.webhook.rejected", 1, "provider", provider)
			g.writeError(ctx, w, fault.New(fault.Unauthenticated, "signature verification failed"))
			return
		}
		g.metrics.IncCounter("gateway.webhook", 1, "provider", provider)

		switch provider {
		case ProviderPayments:
			g.handlePaymentEvent(ctx, w, body)
		case ProviderWhatsApp:
			g.handleReceiptEvent(ctx, w, body)
		case ProviderCalendar:
			g.handleBookingEvent(ctx, w, body)
		default:
			g.writeError(ctx, w, fault.Errorf(fault.Unsupported, "unknown webhook provider %q", provider))
		}
	}
}

// paymentEvent is a provider credit notification. ExternalRef doubles as
// the idempotency key; replays are acknowledged without a second credit.
type paymentEvent struct {
	ExternalRef string `json:"external_ref"`
	UserID      string `json:"user_id"`
	Currency    string `json:"currency"`
	AmountMinor int64  `json:"amount_minor"`
	Reason      string `json:"reason"`
}

func (g *Gateway) handlePaymentEvent(ctx context.Context, w http.ResponseWriter, body []byte) {
	var ev paymentEvent
	if err := unmarshalEvent(body, &ev); err != nil {
		g.writeError(ctx, w, err)
		return
	}
	fields := map[string]string{}
	if ev.ExternalRef == "" {
		fields["external_ref"] = "is required"
	}
	if ev.UserID == "" {
		fields["user_id"] = "is required"
	}
	if ev.Currency == "" {
		fields["currency"] = "is required"
	}
	if ev.AmountMinor == 0 {
		fields["amount_minor"] = "must be non-zero"
	}
	if len(fields) > 0 {
		g.writeError(ctx, w, fault.Invalid("invalid payment event", fields))
		return
	}
	reason := ev.Reason
	if reason == "" {
		reason = "payment"
	}

	wallet, err := g.stores.Wallets.Apply(ctx, ev.UserID, ev.Currency, ev.AmountMinor, reason, ev.ExternalRef)
	switch {
	case errors.Is(err, store.ErrDuplicateKey):
		// Redelivery of a processed event.
		g.writeJSON(ctx, w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	case errors.Is(err, store.ErrInsufficientFunds):
		g.writeError(ctx, w, fault.Wrap(fault.Conflict, "balance would go negative", err))
		return
	case err != nil:
		g.writeError(ctx, w, fault.Wrap(fault.Internal, "wallet apply failed", err))
		return
	}
	g.logger.Info(ctx, "payment credited",
		"user", ev.UserID,
		"currency", ev.Currency,
		"delta_minor", ev.AmountMinor,
		"external_ref", ev.ExternalRef,
	)
	g.writeJSON(ctx, w, http.StatusOK, map[string]any{
		"status":        "applied",
		"balance_minor": wallet.BalanceMinor,
	})
}

// receiptEvent is a delivery status callback for an outbound send.
type receiptEvent struct {
	MessageID  string `json:"message_id"`
	ReminderID string `json:"reminder_id"`
	Status     string `json:"status"`
}

func (g *Gateway) handleReceiptEvent(ctx context.Context, w http.ResponseWriter, body []byte) {
	var ev receiptEvent
	if err := unmarshalEvent(body, &ev); err != nil {
		g.writeError(ctx, w, err)
		return
	}
	if ev.Status == "" {
		g.writeError(ctx, w, fault.Invalid("invalid receipt event", map[string]string{"status": "is required"}))
		return
	}
	g.metrics.IncCounter("gateway.webhook.receipt", 1, "status", ev.Status)
	if ev.Status == "failed" {
		g.logger.Warn(ctx, "delivery receipt reports failure",
			"message", ev.MessageID,
			"reminder", ev.ReminderID,
		)
	} else {
		g.logger.Info(ctx, "delivery receipt", "status", ev.Status, "reminder", ev.ReminderID)
	}
	g.writeJSON(ctx, w, http.StatusOK, map[string]string{"status": "recorded"})
}

// bookingEvent is a calendar provider notification surfaced to the user
// as a system message in their assistant room.
type bookingEvent struct {
	UserID  string `json:"user_id"`
	Title   string `json:"title"`
	StartAt string `json:"start_at"`
}

func (g *Gateway) handleBookingEvent(ctx context.Context, w http.ResponseWriter, body []byte) {
	var ev bookingEvent
	if err := unmarshalEvent(body, &ev); err != nil {
		g.writeError(ctx, w, err)
		return
	}
	if ev.UserID == "" || ev.Title == "" {
		g.writeError(ctx, w, fault.Invalid("invalid booking event", map[string]string{
			"user_id": "is required", "title": "is required",
		}))
		return
	}
	text := "booking confirmed: " + ev.Title
	if ev.StartAt != "" {
		text += " at " + ev.StartAt
	}
	frame := &chat.ServerFrame{Command: chat.CmdSystem, Text: text}
	if room, err := g.stores.Rooms.AssistantRoomFor(ctx, ev.UserID); err == nil {
		frame.ChatID = room.ID
	}
	g.hub.SendTo(ctx, ev.UserID, frame)
	g.writeJSON(ctx, w, http.StatusOK, map[string]string{"status": "notified"})
}

func unmarshalEvent(body []byte, into any) error {
	if err := json.Unmarshal(body, into); err != nil {
		return fault.Wrap(fault.Validation, "webhook payload is not valid JSON", err)
	}
	return nil
}
