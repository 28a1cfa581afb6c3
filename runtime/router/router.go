// Package router maps intent actions to connectors and dispatches calls
// through the connector runner so every action resolves to the uniform
// result envelope. The registry is built once at startup; registering two
// connectors for the same action is a wiring error surfaced immediately.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"mathia.chat/mathia/runtime/connector"
	"mathia.chat/mathia/runtime/intent"
	"mathia.chat/mathia/runtime/telemetry"
)

type (
	// Ctx carries the authenticated caller identity through a routed call.
	Ctx struct {
		// UserID is the authenticated requesting user. Required.
		UserID string
		// RoomID is the originating room, when any.
		RoomID string
		// CorrelationID threads the originating message id.
		CorrelationID string
		// Delegate marks an authorized delegate acting for another user
		// (admin flows). Empty for normal calls.
		Delegate string
	}

	// Describer lets a connector contribute catalog descriptions for the
	// intent parser prompt.
	Describer interface {
		Describe(action string) string
	}

	// Router dispatches actions to registered connectors.
	Router struct {
		runner  *connector.Runner
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		now     func() time.Time

		mu       sync.RWMutex
		byAction map[string]connector.Connector
	}

	// Options configures a Router. Runner is required.
	Options struct {
		Runner  *connector.Runner
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}
)

// New validates the options and constructs an empty Router.
func New(opts Options) (*Router, error) {
	if opts.Runner == nil {
		return nil, errors.New("router: runner is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NoopTracer{}
	}
	return &Router{
		runner:   opts.Runner,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		now:      time.Now,
		byAction: make(map[string]connector.Connector),
	}, nil
}

// Register adds a connector, claiming all its supported actions. A
// duplicate action is a wiring error.
func (r *Router) Register(conn connector.Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, action := range conn.SupportedActions() {
		if prev, ok := r.byAction[action]; ok {
			return fmt.Errorf("router: action %q already registered by %s", action, prev.Name())
		}
	}
	for _, action := range conn.SupportedActions() {
		r.byAction[action] = conn
	}
	return nil
}

// ConnectorFor returns the connector registered for an action.
func (r *Router) ConnectorFor(action string) (connector.Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byAction[action]
	return conn, ok
}

// Actions implements intent.Catalog for the parser prompt.
func (r *Router) Actions() []intent.ActionSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]intent.ActionSpec, 0, len(r.byAction))
	for action, conn := range r.byAction {
		spec := intent.ActionSpec{Name: action, Schema: conn.ParamSchema(action)}
		if d, ok := conn.(Describer); ok {
			spec.Description = d.Describe(action)
		}
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Route dispatches one action. Unregistered actions resolve to an
// unsupported envelope; an unauthenticated caller is a programming error
// at the boundary and surfaces as an error. One structured record is
// emitted per call.
func (r *Router) Route(ctx context.Context, action string, params map[string]any, rc Ctx) (*connector.Result, error) {
	if rc.UserID == "" {
		return nil, errors.New("router: unauthenticated call")
	}

	conn, ok := r.ConnectorFor(action)
	if !ok {
		res := &connector.Result{
			Status: connector.StatusUnsupported,
			Error:  fmt.Sprintf("action %q is not supported", action),
		}
		r.observe(ctx, action, "", rc, res, 0)
		return res, nil
	}

	ctx, span := r.tracer.Start(ctx, "router.route")
	defer span.End()

	start := r.now()
	res, err := r.runner.Run(ctx, conn, connector.Call{
		Action:        action,
		Params:        params,
		UserID:        rc.UserID,
		RoomID:        rc.RoomID,
		CorrelationID: rc.CorrelationID,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("router: dispatch %s: %w", action, err)
	}
	r.observe(ctx, action, conn.Name(), rc, res, r.now().Sub(start))
	return res, nil
}

func (r *Router) observe(ctx context.Context, action, connName string, rc Ctx, res *connector.Result, elapsed time.Duration) {
	r.logger.Info(ctx, "routed action",
		"action", action,
		"connector", connName,
		"user", rc.UserID,
		"latency_ms", elapsed.Milliseconds(),
		"cache_hit", res.Cached,
		"status", string(res.Status),
	)
	r.metrics.IncCounter("mathia.router.calls", 1,
		"action", action, "status", string(res.Status))
}

var _ intent.Catalog = (*Router)(nil)
