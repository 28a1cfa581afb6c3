// Package connector defines the contract every external-service adapter
// implements and the runner that orchestrates validation, caching, rate
// limiting, execution and result normalization around it. Concrete
// adapters live under connectors/; the MCP router dispatches to them
// through the Runner so every action shares the same envelope semantics.
package connector

import (
	"context"
	"time"

	"mathia.chat/mathia/runtime/cache"
)

type (
	// Connector is one external-service adapter. Implementations declare
	// their actions and parameter schemas at registration; Execute is only
	// called with params that already validated against the action's
	// schema.
	Connector interface {
		// Name identifies the connector for rate limiting, logging and
		// metrics.
		Name() string
		// SupportedActions lists the action names this connector serves.
		SupportedActions() []string
		// ParamSchema returns the JSON Schema document for an action's
		// params, as a decoded JSON value (map[string]any). Nil means the
		// action takes no params.
		ParamSchema(action string) any
		// ScopeOf declares whether an action's results are public or
		// private to the requesting user. The cache key salt derives from
		// it.
		ScopeOf(action string) cache.Scope
		// Execute performs the action. Errors are classified as upstream
		// failures by the runner.
		Execute(ctx context.Context, call Call) (*Payload, error)
	}

	// Fallbacker is implemented by connectors that can serve degraded
	// results when the upstream fails.
	Fallbacker interface {
		Fallback(ctx context.Context, call Call) (*Payload, error)
	}

	// TTLer overrides the default cache TTL per action and params.
	TTLer interface {
		TTLFor(action string, params map[string]any) time.Duration
	}

	// Call is one connector invocation.
	Call struct {
		// Action is the registered action name.
		Action string
		// Params already validated against the action schema.
		Params map[string]any
		// UserID is the authenticated requesting user.
		UserID string
		// RoomID is the room the request originated from, when any.
		RoomID string
		// CorrelationID threads the originating message id through the
		// assistant pipeline.
		CorrelationID string
	}

	// Status classifies a connector result.
	Status string

	// Metadata describes how a result was produced.
	Metadata struct {
		// Provider tags the upstream that served the result.
		Provider string `json:"provider,omitempty"`
		// FallbackUsed reports that the declared fallback served the data.
		FallbackUsed bool `json:"fallback_used,omitempty"`
		// LatencyMS is the wall time of the call as observed by the runner.
		LatencyMS int64 `json:"latency_ms"`
		// CostHint estimates the upstream cost of the call in minor units.
		// Zero for free or cached results.
		CostHint int64 `json:"cost_hint,omitempty"`
	}

	// Payload is what Execute returns before the runner wraps it into a
	// Result.
	Payload struct {
		// Results is the list payload; single values are a one-element
		// list.
		Results []any `json:"results"`
		// Provider tags the upstream that served the data.
		Provider string `json:"provider,omitempty"`
		// CostHint estimates the upstream cost in minor units.
		CostHint int64 `json:"cost_hint,omitempty"`
		// Degraded marks fallback data that is incomplete or stale; the
		// runner reports it as status partial.
		Degraded bool `json:"degraded,omitempty"`
	}

	// Result is the uniform envelope every routed action resolves to.
	Result struct {
		// Status is the tagged variant discriminator.
		Status Status `json:"status"`
		// Count is len(Results) for list results.
		Count int `json:"count"`
		// Results carries the payload. Nil for non-ok statuses.
		Results []any `json:"results,omitempty"`
		// Cached reports a cache hit. Never true for partial results.
		Cached bool `json:"cached"`
		// RetryAfter is set on rate_limited results.
		RetryAfter time.Duration `json:"retry_after,omitempty"`
		// Error carries the user-safe failure description for non-ok
		// statuses.
		Error string `json:"error,omitempty"`
		// Metadata describes provenance and cost.
		Metadata Metadata `json:"metadata"`
	}
)

const (
	// StatusOK means the action succeeded.
	StatusOK Status = "ok"
	// StatusRateLimited means the per-(user, connector) window is
	// exhausted; the upstream was not called.
	StatusRateLimited Status = "rate_limited"
	// StatusUnsupported means the action is unregistered or its params
	// failed schema validation.
	StatusUnsupported Status = "unsupported"
	// StatusUpstreamFailure means the upstream errored or timed out and no
	// fallback served.
	StatusUpstreamFailure Status = "upstream_failure"
	// StatusPartial means a fallback served degraded or incomplete data.
	// Partial results are never cached.
	StatusPartial Status = "partial"
)

// Defaults for the runner pipeline.
const (
	// DefaultTimeout bounds Execute.
	DefaultTimeout = 15 * time.Second
	// DefaultTTL is the cache retention for ok results when the connector
	// does not override it.
	DefaultTTL = 3600 * time.Second
	// DefaultLimit is the per-(user, connector) sliding-window budget.
	DefaultLimit = 100
	// DefaultWindow is the sliding-window span.
	DefaultWindow = time.Hour
)
