// Package fault defines the closed error taxonomy shared by the chat
// pipeline, the router and the boundary API. Every error that crosses a
// component boundary is classified into a Kind; the gateway maps kinds to
// HTTP statuses and WebSocket close codes, and the propagation policy
// (retry transient, never retry validation/authorization) keys off the
// kind rather than the concrete error value.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one class of failure. The set is closed; new kinds
// require a matching boundary mapping.
type Kind string

const (
	// Unauthenticated means the session is missing or expired.
	Unauthenticated Kind = "unauthenticated"
	// Forbidden means the caller is authenticated but not authorized for
	// the room or resource.
	Forbidden Kind = "forbidden"
	// Validation means the input failed schema or constraint checks.
	Validation Kind = "validation"
	// RateLimited means a per-principal quota is exhausted.
	RateLimited Kind = "rate_limited"
	// Unsupported means the requested action is not registered or its
	// params do not match any schema.
	Unsupported Kind = "unsupported"
	// UpstreamFailure means a downstream service errored or timed out.
	UpstreamFailure Kind = "upstream_failure"
	// Conflict means an optimistic lock failed or an idempotency key was
	// already used.
	Conflict Kind = "conflict"
	// Internal means a programming error or broken invariant. Details are
	// logged with the trace id and never leaked to callers.
	Internal Kind = "internal"
)

// Error carries a kind, a user-presentable message and an optional cause.
// The message is safe to surface; sensitive detail belongs in the wrapped
// cause, which only reaches logs.
type Error struct {
	Kind Kind
	// Msg is shown to callers. Keep it generic and actionable.
	Msg string
	// Err is the underlying cause, if any.
	Err error
	// Fields holds machine-readable field errors for validation failures.
	Fields map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap returns the underlying cause to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New constructs an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an Error of the given kind around a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Errorf constructs an Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Invalid constructs a Validation error carrying per-field messages.
func Invalid(msg string, fields map[string]string) *Error {
	return &Error{Kind: Validation, Msg: msg, Fields: fields}
}

// KindOf classifies an arbitrary error. Errors outside the taxonomy
// default to Internal; context cancellation and deadline expiry classify
// as UpstreamFailure because they bound outbound calls.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return UpstreamFailure
	}
	return Internal
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Transient reports whether an error of this kind may be retried under
// the per-operation retry policy. Validation and authorization failures
// are never retried.
func (k Kind) Transient() bool {
	return k == UpstreamFailure || k == RateLimited
}

// HTTPStatus maps a kind to the HTTP status the boundary returns.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case Validation:
		return http.StatusBadRequest
	case RateLimited:
		return http.StatusTooManyRequests
	case Unsupported:
		return http.StatusUnprocessableEntity
	case UpstreamFailure:
		return http.StatusBadGateway
	case Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// CloseCode maps a kind to the WebSocket close code the chat endpoint
// sends before terminating a connection.
func CloseCode(kind Kind) int {
	switch kind {
	case Unauthenticated:
		return 4001
	case Forbidden:
		return 4003
	case RateLimited:
		return 4008
	default:
		return 1011
	}
}
