package source

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// TransportError covers timeouts, connection failures and non-2xx statuses
// below the payload level. Status is 0 when the request never got a response.
type TransportError struct {
	Status int
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport: %s -> %d", e.URL, e.Status)
	}
	return fmt.Sprintf("transport: %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError covers charset/JSON decode failures and numeric conversions
// that fail on required fields. Detail names the offending raw input.
type DecodeError struct {
	Detail string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Detail, e.Err)
	}
	return "decode: " + e.Detail
}

func (e *DecodeError) Unwrap() error { return e.Err }

// FormatMismatchError means the expected pattern was not found in an
// otherwise readable payload.
type FormatMismatchError struct {
	Payload string
}

func (e *FormatMismatchError) Error() string {
	return fmt.Sprintf("format mismatch: %q", truncate(e.Payload, 120))
}

// UpstreamLogicError is an application-level failure reported inside a
// well-formed payload (success sentinel check failed).
type UpstreamLogicError struct {
	Code   int
	Detail string
}

func (e *UpstreamLogicError) Error() string {
	return fmt.Sprintf("upstream error (code %d): %s", e.Code, e.Detail)
}

// EmptyResultError is a well-formed response carrying zero records.
type EmptyResultError struct {
	Symbol string
}

func (e *EmptyResultError) Error() string {
	return "no data for symbol " + e.Symbol
}

// AuthError is a 401/403 on a data fetch. It is the only failure that
// mutates shared state: the caller resets the credential cache.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected (status %d)", e.Status)
}

// RateLimitedError is a 429. RetryAfter is backoff guidance for the
// scheduler, not something the adapter sleeps on.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// ConsentRequiredError means the bootstrap flow hit the consent gateway a
// second time after already submitting the form once.
type ConsentRequiredError struct {
	URL string
}

func (e *ConsentRequiredError) Error() string {
	return "consent still required after submission: " + e.URL
}

// ErrorFromStatus maps an HTTP status to the matching typed error.
// Callers handle 2xx themselves.
func ErrorFromStatus(status int, url string) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Status: status}
	case http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: time.Minute}
	default:
		return &TransportError{Status: status, URL: url}
	}
}

// Reason returns a short machine-checkable reason string for any error
// produced by a source adapter.
func Reason(err error) string {
	var (
		transport *TransportError
		decode    *DecodeError
		format    *FormatMismatchError
		upstream  *UpstreamLogicError
		empty     *EmptyResultError
		auth      *AuthError
		limited   *RateLimitedError
		consent   *ConsentRequiredError
	)
	switch {
	case errors.As(err, &auth):
		return "auth_error"
	case errors.As(err, &limited):
		return "rate_limited"
	case errors.As(err, &consent):
		return "consent_required"
	case errors.As(err, &upstream):
		return "upstream_error"
	case errors.As(err, &empty):
		return "empty_result"
	case errors.As(err, &format):
		return "format_mismatch"
	case errors.As(err, &decode):
		return "decode_error"
	case errors.As(err, &transport):
		return "transport_error"
	default:
		return "error"
	}
}

// StatusOf extracts the upstream HTTP status carried by the error, if any.
func StatusOf(err error) int {
	var transport *TransportError
	if errors.As(err, &transport) {
		return transport.Status
	}
	var auth *AuthError
	if errors.As(err, &auth) {
		return auth.Status
	}
	var limited *RateLimitedError
	if errors.As(err, &limited) {
		return http.StatusTooManyRequests
	}
	return 0
}

// RetryAfterHint returns scheduling backoff guidance carried by the error.
func RetryAfterHint(err error) (time.Duration, bool) {
	var limited *RateLimitedError
	if errors.As(err, &limited) && limited.RetryAfter > 0 {
		return limited.RetryAfter, true
	}
	return 0, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
