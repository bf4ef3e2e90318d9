package provider

import (
	"errors"
	"fmt"
)

// CallError wraps a vendor API failure. Retryable failures (rate limits,
// 5xx, transient network errors) are retried with backoff by the sampling
// loop; everything else terminates the run.
type CallError struct {
	Provider  string
	Status    int
	Retryable bool
	Err       error
}

func (e *CallError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("%s api call failed (%s, status %d): %v", e.Provider, kind, e.Status, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// AuthError reports bad or missing credentials at client construction.
type AuthError struct {
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failed: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// UnknownProviderError reports a lookup for a provider id that was never
// registered.
type UnknownProviderError struct {
	Provider string
	Known    []string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("no handler registered for provider %q (registered: %v)", e.Provider, e.Known)
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// retryableStatus classifies an HTTP status the way both vendors behave:
// rate limits and server errors are transient, everything else is not.
func retryableStatus(status int) bool {
	if status == 429 || status == 408 {
		return true
	}
	return status >= 500 && status <= 599
}
