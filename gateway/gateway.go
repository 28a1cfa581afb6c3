// Package gateway is the boundary service: the WebSocket chat endpoint,
// the session-gated HTTP surface (uploads, history, read markers, quota,
// pins, replies, notes) and the signed provider webhooks. It owns the
// fault-to-HTTP mapping and the trace-id header; everything behind it
// speaks the runtime ports.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	goahttp "goa.design/goa/v3/http"

	"mathia.chat/mathia/runtime/blob"
	"mathia.chat/mathia/runtime/chat"
	"mathia.chat/mathia/runtime/fault"
	"mathia.chat/mathia/runtime/keystore"
	"mathia.chat/mathia/runtime/session"
	"mathia.chat/mathia/runtime/store"
	"mathia.chat/mathia/runtime/telemetry"
)

// Cookie and header names of the boundary contract.
const (
	// SessionCookie carries the opaque session token.
	SessionCookie = "mathia_session"
	// CSRFCookie pairs with CSRFHeader for the double-submit check on
	// state-changing verbs.
	CSRFCookie = "mathia_csrf"
	// CSRFHeader must echo the CSRF cookie value.
	CSRFHeader = "X-CSRF-Token"
	// TraceHeader carries the request trace id on every response.
	TraceHeader = "X-Trace-Id"
	// SignatureHeader carries the webhook HMAC digest.
	SignatureHeader = "X-Signature"
)

// DefaultMaxUpload caps multipart upload bodies.
const DefaultMaxUpload = 25 << 20

type (
	// UsageReader exposes the rate-limit window occupancy for the quota
	// endpoint. The redis limiter implements it.
	UsageReader interface {
		Usage(ctx context.Context, key string, window time.Duration) (int, error)
	}

	// Pinger is a dependency health probe surfaced by /healthz.
	Pinger interface {
		Ping(ctx context.Context) error
		Name() string
	}

	// Options configures a Gateway.
	Options struct {
		// Sessions authenticates cookies. Required.
		Sessions session.Store
		// Hub is the realtime fan-out core. Required.
		Hub *chat.Hub
		// Pipeline is the message receive path. Required.
		Pipeline *chat.Pipeline
		// Stores is the persistence bundle. Required.
		Stores store.Stores
		// Blob stores uploads. Required.
		Blob blob.Store
		// Keys serves room keys for note encryption. Required.
		Keys *keystore.Cache
		// Keystore performs the envelope crypto. Required.
		Keystore *keystore.Keystore
		// Usage backs the quota read view. Required.
		Usage UsageReader
		// Connectors lists the connector names the quota endpoint reports.
		Connectors []string
		// QuotaLimit and QuotaWindow describe the per-(user, connector)
		// budget; zero values take the connector runner defaults.
		QuotaLimit  int
		QuotaWindow time.Duration
		// WebhookSecrets maps provider name to HMAC secret. Providers
		// without a secret are not mounted.
		WebhookSecrets map[string][]byte
		// MaxUploadBytes caps multipart bodies. Zero means
		// DefaultMaxUpload.
		MaxUploadBytes int64
		// Pingers are surfaced by /healthz.
		Pingers []Pinger
		// Logger and Metrics default to noop.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Gateway is the mounted boundary service.
	Gateway struct {
		sessions    session.Store
		hub         *chat.Hub
		pipeline    *chat.Pipeline
		stores      store.Stores
		blob        blob.Store
		keys        *keystore.Cache
		crypto      *keystore.Keystore
		usage       UsageReader
		connectors  []string
		quotaLimit  int
		quotaWindow time.Duration
		secrets     map[string][]byte
		maxUpload   int64
		pingers     []Pinger
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		now         func() time.Time
	}

	// errorBody is the uniform error response shape.
	errorBody struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Fields  map[string]string `json:"fields,omitempty"`
	}
)

// New validates the options and constructs a Gateway.
func New(opts Options) (*Gateway, error) {
	switch {
	case opts.Sessions == nil:
		return nil, errors.New("gateway: session store is required")
	case opts.Hub == nil:
		return nil, errors.New("gateway: hub is required")
	case opts.Pipeline == nil:
		return nil, errors.New("gateway: pipeline is required")
	case opts.Stores.Members == nil || opts.Stores.Messages == nil || opts.Stores.Rooms == nil ||
		opts.Stores.Notes == nil || opts.Stores.Wallets == nil:
		return nil, errors.New("gateway: stores are required")
	case opts.Blob == nil:
		return nil, errors.New("gateway: blob store is required")
	case opts.Keys == nil:
		return nil, errors.New("gateway: room key cache is required")
	case opts.Keystore == nil:
		return nil, errors.New("gateway: keystore is required")
	case opts.Usage == nil:
		return nil, errors.New("gateway: usage reader is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUpload
	}
	quotaLimit := opts.QuotaLimit
	if quotaLimit <= 0 {
		quotaLimit = 100
	}
	quotaWindow := opts.QuotaWindow
	if quotaWindow <= 0 {
		quotaWindow = time.Hour
	}
	return &Gateway{
		sessions:    opts.Sessions,
		hub:         opts.Hub,
		pipeline:    opts.Pipeline,
		stores:      opts.Stores,
		blob:        opts.Blob,
		keys:        opts.Keys,
		crypto:      opts.Keystore,
		usage:       opts.Usage,
		connectors:  opts.Connectors,
		quotaLimit:  quotaLimit,
		quotaWindow: quotaWindow,
		secrets:     opts.WebhookSecrets,
		maxUpload:   maxUpload,
		pingers:     opts.Pingers,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}, nil
}

// Mount registers every route on the muxer.
func (g *Gateway) Mount(mux goahttp.Muxer) {
	mux.Handle("GET", "/ws/chat/{room_id}/", g.handleWS(mux))

	mux.Handle("POST", "/uploads/", g.authed(g.csrf(g.handleUpload)))
	mux.Handle("POST", "/rooms/{id}/read/", g.authed(g.csrf(g.handleReadMarker(mux))))
	mux.Handle("GET", "/rooms/{id}/quota/", g.authed(g.handleQuota(mux)))
	mux.Handle("GET", "/rooms/{id}/messages/", g.authed(g.handleHistory(mux)))
	mux.Handle("POST", "/rooms/{id}/rotate-key/", g.authed(g.csrf(g.handleRotateKey(mux))))
	mux.Handle("POST", "/messages/{id}/pin/", g.authed(g.csrf(g.handlePin(mux))))
	mux.Handle("POST", "/messages/{id}/reply/", g.authed(g.csrf(g.handleReply(mux))))

	mux.Handle("GET", "/notes/", g.authed(g.handleListNotes))
	mux.Handle("POST", "/notes/", g.authed(g.csrf(g.handleCreateNote)))
	mux.Handle("PUT", "/notes/{id}", g.authed(g.csrf(g.handleUpdateNote(mux))))
	mux.Handle("DELETE", "/notes/{id}", g.authed(g.csrf(g.handleDeleteNote(mux))))

	mux.Handle("POST", "/webhooks/{provider}/", g.handleWebhook(mux))

	mux.Handle("GET", "/healthz", g.handleHealth)
	mux.Handle("GET", "/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// Handler builds a muxer with every route mounted, wrapped with the
// trace-id and request-log middleware.
func (g *Gateway) Handler() http.Handler {
	mux := goahttp.NewMuxer()
	g.Mount(mux)
	return g.trace(mux)
}

// Instrument wraps an already-mounted handler with the trace-id and
// request-log middleware. The binary uses it when it owns the muxer, e.g.
// to mount debug endpoints alongside the routes.
func (g *Gateway) Instrument(next http.Handler) http.Handler {
	return g.trace(next)
}

type ctxKey int

const (
	userKey ctxKey = iota
	traceKey
)

// UserID returns the authenticated user bound to the request context.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userKey).(string)
	return id
}

// TraceID returns the request trace id bound to the context.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey).(string)
	return id
}

// trace assigns each request a trace id, echoes it on the response and
// records one structured line plus a latency metric per request.
func (g *Gateway) trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set(TraceHeader, traceID)
		ctx := context.WithValue(r.Context(), traceKey, traceID)

		start := g.now()
		next.ServeHTTP(w, r.WithContext(ctx))
		elapsed := time.Since(start)

		g.logger.Info(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"trace", traceID,
			"latency_ms", elapsed.Milliseconds(),
		)
		g.metrics.RecordTimer("gateway.request", elapsed, "method", r.Method)
	})
}

// authed resolves the session cookie and binds the user to the context.
func (g *Gateway) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := g.authenticate(r)
		if err != nil {
			g.writeError(r.Context(), w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey, userID)))
	}
}

// csrf enforces the double-submit check: the CSRF header must match the
// CSRF cookie byte for byte.
func (g *Gateway) csrf(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(CSRFCookie)
		header := r.Header.Get(CSRFHeader)
		if err != nil || header == "" ||
			subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
			g.writeError(r.Context(), w, fault.New(fault.Forbidden, "csrf token missing or mismatched"))
			return
		}
		next(w, r)
	}
}

func (g *Gateway) authenticate(r *http.Request) (string, error) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return "", fault.New(fault.Unauthenticated, "session cookie is missing")
	}
	userID, err := g.sessions.Lookup(r.Context(), cookie.Value)
	if errors.Is(err, session.ErrNotFound) {
		return "", fault.New(fault.Unauthenticated, "session is expired or revoked")
	}
	if err != nil {
		return "", fault.Wrap(fault.Internal, "session lookup failed", err)
	}
	return userID, nil
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := http.StatusOK
	deps := make(map[string]string, len(g.pingers))
	for _, p := range g.pingers {
		if err := p.Ping(ctx); err != nil {
			deps[p.Name()] = "down"
			status = http.StatusServiceUnavailable
			g.logger.Error(ctx, "health probe failed", "dep", p.Name(), "err", err)
			continue
		}
		deps[p.Name()] = "ok"
	}
	g.writeJSON(ctx, w, status, map[string]any{"status": http.StatusText(status), "deps": deps})
}

func (g *Gateway) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error(ctx, "response encode failed", "err", err)
	}
}

// writeError maps the fault taxonomy to HTTP. Internal detail never
// reaches the body; it is logged with the trace id instead.
func (g *Gateway) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	body := errorBody{Code: string(kind)}
	var fe *fault.Error
	if errors.As(err, &fe) {
		body.Message = fe.Msg
		body.Fields = fe.Fields
	}
	if kind == fault.Internal {
		body.Message = "internal error"
		g.logger.Error(ctx, "request failed", "trace", TraceID(ctx), "err", err)
	}
	if kind == fault.UpstreamFailure && body.Message == "" {
		body.Message = "a downstream service is unavailable — try again in a minute"
	}
	g.metrics.IncCounter("gateway.error", 1, "kind", string(kind))
	g.writeJSON(ctx, w, fault.HTTPStatus(kind), body)
}

func (g *Gateway) decodeBody(r *http.Request, into any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return fault.Wrap(fault.Validation, "request body is not valid", err)
	}
	return nil
}
