package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := New(Forbidden, "not a member")
	wrapped := fmt.Errorf("pipeline: %w", base)
	if got := KindOf(wrapped); got != Forbidden {
		t.Fatalf("KindOf(wrapped) = %q, want %q", got, Forbidden)
	}
	if got := KindOf(errors.New("boom")); got != Internal {
		t.Fatalf("KindOf(plain) = %q, want %q", got, Internal)
	}
	if got := KindOf(context.DeadlineExceeded); got != UpstreamFailure {
		t.Fatalf("KindOf(deadline) = %q, want %q", got, UpstreamFailure)
	}
	if got := KindOf(nil); got != Kind("") {
		t.Fatalf("KindOf(nil) = %q, want empty", got)
	}
}

func TestUnwrapChain(t *testing.T) {
	cause := errors.New("socket closed")
	err := Wrap(UpstreamFailure, "provider unreachable", cause)
	if !errors.Is(err, cause) {
		t.Fatal("wrapped cause not reachable via errors.Is")
	}
	var fe *Error
	if !errors.As(fmt.Errorf("outer: %w", err), &fe) {
		t.Fatal("errors.As failed to find *Error")
	}
	if fe.Kind != UpstreamFailure {
		t.Fatalf("kind = %q, want %q", fe.Kind, UpstreamFailure)
	}
}

func TestBoundaryMappings(t *testing.T) {
	cases := []struct {
		kind   Kind
		status int
		close  int
	}{
		{Unauthenticated, http.StatusUnauthorized, 4001},
		{Forbidden, http.StatusForbidden, 4003},
		{Validation, http.StatusBadRequest, 1011},
		{RateLimited, http.StatusTooManyRequests, 4008},
		{Unsupported, http.StatusUnprocessableEntity, 1011},
		{UpstreamFailure, http.StatusBadGateway, 1011},
		{Conflict, http.StatusConflict, 1011},
		{Internal, http.StatusInternalServerError, 1011},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.kind); got != tc.status {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tc.kind, got, tc.status)
		}
		if got := CloseCode(tc.kind); got != tc.close {
			t.Errorf("CloseCode(%s) = %d, want %d", tc.kind, got, tc.close)
		}
	}
}

func TestTransient(t *testing.T) {
	if !UpstreamFailure.Transient() {
		t.Fatal("upstream_failure must be retryable")
	}
	if Validation.Transient() || Forbidden.Transient() {
		t.Fatal("validation and forbidden must never be retried")
	}
}

func TestInvalidCarriesFields(t *testing.T) {
	err := Invalid("bad params", map[string]string{"due_at": "must be in the future"})
	if err.Fields["due_at"] == "" {
		t.Fatal("field errors lost")
	}
	if KindOf(err) != Validation {
		t.Fatalf("kind = %q, want validation", KindOf(err))
	}
}
