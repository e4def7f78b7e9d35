package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrCredentialInvalid = errors.New("subject credential marked invalid")
	ErrInvalidRecurrence = errors.New("invalid recurrence")
)

// AuthError means the source rejected the subject's credential.
// It is terminal for the subject until the credential is refreshed.
type AuthError struct {
	Domain string
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("source %s rejected credential (status %d)", e.Domain, e.Status)
}

// NetworkError covers connectivity failures, timeouts and 5xx answers.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return e.Op + ": network error"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RateLimitError means the remote side throttled us.
// RetryAfter is zero when no hint was given.
type RateLimitError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited (retry after %s)", e.Op, e.RetryAfter)
	}
	return e.Op + ": rate limited"
}

// InvalidAddressError is a per-recipient terminal failure.
type InvalidAddressError struct {
	Address string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid E.164 address %q", e.Address)
}

// ProviderError is returned by the SMS provider.
type ProviderError struct {
	Status    int
	Code      int
	Message   string
	Permanent bool
}

func (e *ProviderError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Code != 0 {
		return fmt.Sprintf("sms provider %s error %d (status %d): %s", kind, e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("sms provider %s error (status %d): %s", kind, e.Status, e.Message)
}

// IsRetryable classifies an error from the source or delivery boundary.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		ae *AuthError
		ia *InvalidAddressError
		pe *ProviderError
		ne *NetworkError
		rl *RateLimitError
	)
	switch {
	case errors.As(err, &ae), errors.As(err, &ia):
		return false
	case errors.As(err, &pe):
		return !pe.Permanent
	case errors.As(err, &ne), errors.As(err, &rl):
		return true
	}
	return false
}
