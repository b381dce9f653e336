// Package apperr defines the error kinds surfaced to API callers and
// their mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failure for the caller.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConflict
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindRateLimited
	KindUnavailable
)

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Status maps a kind onto the HTTP status code of the error envelope.
// Name conflicts are reported as 400 on the wire.
func (k Kind) Status() int {
	switch k {
	case KindValidation, KindConflict:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

// unavailableMessage is what callers see for internal failures.
const unavailableMessage = "service temporarily unavailable"

// Error is a classified failure. Message is safe to return to callers;
// Err holds the underlying cause and is only logged.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind, so callers
// can match with errors.Is(err, apperr.NotFoundErr).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is matching by kind.
var (
	ValidationErr   = &Error{Kind: KindValidation}
	ConflictErr     = &Error{Kind: KindConflict}
	UnauthorizedErr = &Error{Kind: KindUnauthorized}
	ForbiddenErr    = &Error{Kind: KindForbidden}
	NotFoundErr     = &Error{Kind: KindNotFound}
	RateLimitedErr  = &Error{Kind: KindRateLimited}
	UnavailableErr  = &Error{Kind: KindUnavailable}
)

// Validation reports malformed or out-of-range input.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports a uniqueness violation.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized reports a missing or invalid credential.
func Unauthorized(format string, args ...any) *Error {
	return &Error{Kind: KindUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// Forbidden reports a policy violation.
func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a reference that does not resolve.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// RateLimited reports an exhausted quota. retryAfter is a hint for the
// Retry-After header.
func RateLimited(retryAfter time.Duration, format string, args ...any) *Error {
	return &Error{Kind: KindRateLimited, Message: fmt.Sprintf(format, args...), RetryAfter: retryAfter}
}

// Unavailable wraps a backend failure. The cause is kept for logging and
// replaced by a generic message for callers.
func Unavailable(err error) *Error {
	return &Error{Kind: KindUnavailable, Message: unavailableMessage, Err: err}
}

// As extracts the *Error from err. Unclassified errors become
// Unavailable so internal detail never reaches a caller.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Unavailable(err)
}

// KindOf returns the kind of err, KindUnknown for nil.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	return As(err).Kind
}
