package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"mathia.chat/mathia/runtime/cache"
	"mathia.chat/mathia/runtime/telemetry"
)

// Runner drives the shared pipeline around every connector call:
// validate -> cache lookup -> rate limit -> execute under deadline ->
// normalize -> cache store. Schemas are compiled once per (connector,
// action) the first time the action runs.
type Runner struct {
	cache   cache.Cache
	limiter cache.RateLimiter
	logger  telemetry.Logger
	metrics telemetry.Metrics

	timeout time.Duration
	limit   int
	window  time.Duration
	now     func() time.Time

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// RunnerOptions configures a Runner. Cache and Limiter are required;
// telemetry defaults to noop; the remaining fields default to the package
// constants.
type RunnerOptions struct {
	Cache   cache.Cache
	Limiter cache.RateLimiter
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Timeout time.Duration
	Limit   int
	Window  time.Duration
}

// NewRunner validates the options and constructs a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Cache == nil {
		return nil, errors.New("connector: cache is required")
	}
	if opts.Limiter == nil {
		return nil, errors.New("connector: rate limiter is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return &Runner{
		cache:   opts.Cache,
		limiter: opts.Limiter,
		logger:  logger,
		metrics: metrics,
		timeout: timeout,
		limit:   limit,
		window:  window,
		now:     time.Now,
		schemas: make(map[string]*jsonschema.Schema),
	}, nil
}

// Run executes one call through the pipeline and always returns an
// envelope; the error return is reserved for infrastructure failures
// (cache or limiter unreachable).
func (r *Runner) Run(ctx context.Context, conn Connector, call Call) (*Result, error) {
	start := r.now()

	if err := r.validate(conn, call); err != nil {
		return r.finish(ctx, conn, call, start, &Result{
			Status: StatusUnsupported,
			Error:  err.Error(),
		}), nil
	}

	key, err := cache.Key(call.Action, call.Params, conn.ScopeOf(call.Action), call.UserID)
	if err != nil {
		return nil, fmt.Errorf("connector: build cache key: %w", err)
	}
	if cached, ok, err := r.cache.Get(ctx, key); err != nil {
		return nil, fmt.Errorf("connector: cache lookup: %w", err)
	} else if ok {
		var res Result
		if err := json.Unmarshal(cached, &res); err == nil {
			res.Cached = true
			res.Metadata.LatencyMS = r.now().Sub(start).Milliseconds()
			return r.finish(ctx, conn, call, start, &res), nil
		}
		// Unreadable cache entries are treated as misses.
		_ = r.cache.Delete(ctx, key)
	}

	decision, err := r.limiter.Take(ctx, call.UserID+"|"+conn.Name(), r.limit, r.window)
	if err != nil {
		return nil, fmt.Errorf("connector: rate limit: %w", err)
	}
	if !decision.Allowed {
		return r.finish(ctx, conn, call, start, &Result{
			Status:     StatusRateLimited,
			RetryAfter: decision.RetryAfter,
			Error:      "rate limit exceeded",
		}), nil
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	payload, execErr := conn.Execute(execCtx, call)
	cancel()

	if execErr != nil {
		r.logger.Error(ctx, "connector execute failed",
			"connector", conn.Name(), "action", call.Action, "err", execErr)
		if fb, ok := conn.(Fallbacker); ok {
			fbPayload, fbErr := fb.Fallback(ctx, call)
			if fbErr == nil && fbPayload != nil {
				res := normalize(fbPayload)
				res.Metadata.FallbackUsed = true
				// Fallback data is never cached; degraded fallbacks
				// additionally report partial.
				if fbPayload.Degraded {
					res.Status = StatusPartial
				}
				return r.finish(ctx, conn, call, start, res), nil
			}
		}
		return r.finish(ctx, conn, call, start, &Result{
			Status: StatusUpstreamFailure,
			Error:  "we can't reach the provider right now — try again in a minute",
		}), nil
	}

	res := normalize(payload)
	if res.Status == StatusOK {
		ttl := DefaultTTL
		if t, ok := conn.(TTLer); ok {
			if override := t.TTLFor(call.Action, call.Params); override > 0 {
				ttl = override
			}
		}
		if encoded, err := json.Marshal(res); err == nil {
			if err := r.cache.Set(ctx, key, encoded, ttl); err != nil {
				r.logger.Error(ctx, "connector cache store failed",
					"connector", conn.Name(), "action", call.Action, "err", err)
			}
		}
	}
	return r.finish(ctx, conn, call, start, res), nil
}

func (r *Runner) validate(conn Connector, call Call) error {
	doc := conn.ParamSchema(call.Action)
	if doc == nil {
		return nil
	}
	schema, err := r.compiled(conn.Name(), call.Action, doc)
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", call.Action, err)
	}
	params := call.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := schema.Validate(normalizeForSchema(params)); err != nil {
		return fmt.Errorf("params do not match schema for %s: %w", call.Action, err)
	}
	return nil
}

func (r *Runner) compiled(connector, action string, doc any) (*jsonschema.Schema, error) {
	key := connector + "/" + action
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.schemas[key]; ok {
		return s, nil
	}
	c := jsonschema.NewCompiler()
	name := key + ".json"
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	r.schemas[key] = schema
	return schema, nil
}

func (r *Runner) finish(ctx context.Context, conn Connector, call Call, start time.Time, res *Result) *Result {
	if res.Metadata.LatencyMS == 0 {
		res.Metadata.LatencyMS = r.now().Sub(start).Milliseconds()
	}
	r.metrics.IncCounter("mathia.connector.calls", 1,
		"connector", conn.Name(), "action", call.Action, "status", string(res.Status))
	r.metrics.RecordTimer("mathia.connector.latency", time.Duration(res.Metadata.LatencyMS)*time.Millisecond,
		"connector", conn.Name(), "action", call.Action)
	return res
}

func normalize(p *Payload) *Result {
	if p == nil {
		return &Result{Status: StatusOK, Metadata: Metadata{}}
	}
	return &Result{
		Status:  StatusOK,
		Count:   len(p.Results),
		Results: p.Results,
		Metadata: Metadata{
			Provider: p.Provider,
			CostHint: p.CostHint,
		},
	}
}

// normalizeForSchema round-trips params through JSON so numeric types
// match what the schema validator expects (float64/json.Number), matching
// how params arrive off the wire.
func normalizeForSchema(params map[string]any) any {
	b, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return params
	}
	return decoded
}
