package model

import "fmt"

// ProviderError carries the upstream HTTP status of a failed provider
// call so middlewares can classify it: 5xx and timeouts trigger the
// declared fallback, 429 maps to ErrRateLimited, 4xx pass through.
type ProviderError struct {
	// Provider tags the backend that failed.
	Provider string
	// StatusCode is the upstream HTTP status, zero when unknown.
	StatusCode int
	// Err is the underlying SDK error.
	Err error
}

// Error implements error.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("model: %s returned %d: %v", e.Provider, e.StatusCode, e.Err)
}

// Unwrap exposes the underlying error.
func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying against the
// same provider.
func (e *ProviderError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == 0
}
