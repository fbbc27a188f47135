// Package apperr defines the structured error taxonomy of the write
// pipeline. Handlers map these onto HTTP responses; everything else wraps
// them with fmt.Errorf and matches with errors.Is.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies an error class across package boundaries.
type Code string

const (
	CodeRateLimitExceeded       Code = "RATE_LIMIT_EXCEEDED"
	CodeIdempotencyKeyRequired  Code = "IDEMPOTENCY_KEY_REQUIRED"
	CodeIdempotencyKeyConflict  Code = "IDEMPOTENCY_KEY_CONFLICT"
	CodeOutboxPublishFailure    Code = "OUTBOX_PUBLISH_FAILURE"
	CodeOutboxPublishExhausted  Code = "OUTBOX_PUBLISH_EXHAUSTED"
	CodeCounterStoreUnavailable Code = "COUNTER_STORE_UNAVAILABLE"
	CodeInternal                Code = "INTERNAL"
)

// Error carries a stable code plus the HTTP status a handler should emit.
type Error struct {
	Code       Code
	Status     int
	Message    string
	Retryable  bool
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is makes two taxonomy errors match on code alone, so sentinels below work
// with errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// Sentinels for errors.Is matching.
var (
	ErrRateLimitExceeded       = &Error{Code: CodeRateLimitExceeded, Status: http.StatusTooManyRequests, Message: "rate limit exceeded", Retryable: true}
	ErrIdempotencyKeyRequired  = &Error{Code: CodeIdempotencyKeyRequired, Status: http.StatusBadRequest, Message: "idempotency key required"}
	ErrIdempotencyKeyConflict  = &Error{Code: CodeIdempotencyKeyConflict, Status: http.StatusConflict, Message: "idempotency key reused with a different payload"}
	ErrOutboxPublishFailure    = &Error{Code: CodeOutboxPublishFailure, Status: http.StatusInternalServerError, Message: "outbox publish failed", Retryable: true}
	ErrOutboxPublishExhausted  = &Error{Code: CodeOutboxPublishExhausted, Status: http.StatusInternalServerError, Message: "outbox publish retries exhausted"}
	ErrCounterStoreUnavailable = &Error{Code: CodeCounterStoreUnavailable, Status: http.StatusServiceUnavailable, Message: "counter store unavailable", Retryable: true}
)

// RateLimited builds a rejection carrying the delay the client should honor.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeRateLimitExceeded,
		Status:     http.StatusTooManyRequests,
		Message:    "rate limit exceeded",
		Retryable:  true,
		RetryAfter: retryAfter,
	}
}

// KeyConflict reports reuse of an idempotency key with a different payload.
func KeyConflict(scopeKey string) *Error {
	return &Error{
		Code:    CodeIdempotencyKeyConflict,
		Status:  http.StatusConflict,
		Message: fmt.Sprintf("idempotency key %q reused with a different payload", scopeKey),
	}
}

// StoreUnavailable wraps an infrastructure failure of the shared store.
func StoreUnavailable(err error) *Error {
	return &Error{
		Code:      CodeCounterStoreUnavailable,
		Status:    http.StatusServiceUnavailable,
		Message:   "counter store unavailable",
		Retryable: true,
		cause:     err,
	}
}

// PublishFailure wraps a transient publish sink error.
func PublishFailure(err error) *Error {
	return &Error{
		Code:      CodeOutboxPublishFailure,
		Status:    http.StatusInternalServerError,
		Message:   "outbox publish failed",
		Retryable: true,
		cause:     err,
	}
}

// HTTPStatus resolves the status for any error, defaulting to 500.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}

// CodeOf resolves the taxonomy code for any error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
