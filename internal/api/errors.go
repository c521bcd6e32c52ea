package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error classes. Use errors.Is against these; the concrete types below carry
// the details.
var (
	ErrRetryableTransport = errors.New("retryable gateway error")
	ErrNonRetryable       = errors.New("non-retryable gateway error")
	ErrSessionInvalid     = errors.New("gateway session invalid")
	ErrRetriesExhausted   = errors.New("gateway retries exhausted")
)

// APIError represents an HTTP error status from the gateway.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
	RetryAfter time.Duration // From a Retry-After header, 0 if absent
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the error should trigger a retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsSessionInvalid returns true for 401 and 403.
func (e *APIError) IsSessionInvalid() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Is maps the status code onto an error class.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrSessionInvalid:
		return e.IsSessionInvalid()
	case ErrRetryableTransport:
		return e.IsRetryable()
	case ErrNonRetryable:
		return !e.IsRetryable() && !e.IsSessionInvalid()
	}
	return false
}

// TransportError wraps network failures: refused connections, resets and
// client timeouts. All of them are retryable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway not reachable (%s): %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrRetryableTransport }

// SchemaError reports a response body that could not be decoded.
type SchemaError struct {
	Endpoint string
	Err      error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("decode %s payload: %v", e.Endpoint, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

func (e *SchemaError) Is(target error) bool { return target == ErrNonRetryable }

// RequestError reports a call that could not be built, such as a path
// parameter missing for an endpoint template.
type RequestError struct {
	Endpoint string
	Err      error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("build %s request: %v", e.Endpoint, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

func (e *RequestError) Is(target error) bool { return target == ErrNonRetryable }

// RetriesExhaustedError wraps the last error once every attempt failed.
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("gateway retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }

func (e *RetriesExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }

// retryable reports whether err is worth another attempt. Session errors
// never are, even though some gateways answer 403 transiently.
func retryable(err error) bool {
	if errors.Is(err, ErrSessionInvalid) {
		return false
	}
	return errors.Is(err, ErrRetryableTransport)
}

// Resolution hints attached to failed sync runs.
const (
	HintReauthenticate = "re-authenticate at the gateway login page (https://localhost:5000/)"
	HintRetryLater     = "retry later; check that the gateway is running and reachable"
	HintCheckRequest   = "check request parameters and endpoint configuration"
)

// Hint returns the operator action for a gateway error, or "" if none applies.
func Hint(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionInvalid):
		return HintReauthenticate
	case errors.Is(err, ErrRetriesExhausted), errors.Is(err, ErrRetryableTransport):
		return HintRetryLater
	case errors.Is(err, ErrNonRetryable):
		return HintCheckRequest
	}
	return ""
}
