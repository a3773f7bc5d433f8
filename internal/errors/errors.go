// Package errors defines the typed error taxonomy used throughout partstash.
//
// Every failure that crosses a package boundary is an *Error carrying a Kind.
// Callers decide whether to retry, abort, or map to an HTTP status by Kind,
// never by inspecting message text.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for retry and propagation decisions.
type Kind int

const (
	// KindInternal is an unexpected failure with no better classification.
	KindInternal Kind = iota
	// KindTransient is a network or backend hiccup; retry with backoff.
	KindTransient
	// KindFatal is a rejected payload or configuration; never retried.
	KindFatal
	// KindNotFound is an unknown file or part reference.
	KindNotFound
	// KindOutOfOrder is an append whose index is not the next expected one.
	KindOutOfOrder
	// KindAlreadyComplete is a mutation of a finalized file.
	KindAlreadyComplete
	// KindRangeNotSatisfiable is a byte range invalid for the file size.
	KindRangeNotSatisfiable
	// KindSizeMismatch is disagreement between recorded part sizes and a total.
	KindSizeMismatch
	// KindInvalidArgument is a malformed caller request.
	KindInvalidArgument
	// KindConflict is a create against an identifier that already exists.
	KindConflict
)

var kindNames = map[Kind]string{
	KindInternal:            "Internal",
	KindTransient:           "Transient",
	KindFatal:               "Fatal",
	KindNotFound:            "NotFound",
	KindOutOfOrder:          "OutOfOrder",
	KindAlreadyComplete:     "AlreadyComplete",
	KindRangeNotSatisfiable: "RangeNotSatisfiable",
	KindSizeMismatch:        "SizeMismatch",
	KindInvalidArgument:     "InvalidArgument",
	KindConflict:            "Conflict",
}

// String returns the name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a classified partstash error.
type Error struct {
	// Kind drives retry and propagation decisions.
	Kind Kind
	// Code is a stable machine-readable identifier (e.g. "OutOfOrder").
	Code string
	// Message is a human-readable description.
	Message string
	// HTTPStatus is the status the HTTP layer responds with.
	HTTPStatus int
	// Cause is the underlying error, if any.
	Cause error
	// RetryAfter is a backend-supplied minimum delay before retrying.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind, so that
// errors.Is(err, ErrNotFound) matches any not-found error regardless of
// message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithCause returns a copy of e wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

// WithMessage returns a copy of e with a formatted message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// WithRetryAfter returns a copy of e carrying a retry delay hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	cp := *e
	cp.RetryAfter = d
	return &cp
}

// Pre-defined errors, one per kind.
var (
	ErrInternal = &Error{
		Kind:       KindInternal,
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: 500,
	}

	ErrTransient = &Error{
		Kind:       KindTransient,
		Code:       "BackendUnavailable",
		Message:    "The remote backend is temporarily unavailable",
		HTTPStatus: 503,
	}

	ErrFatal = &Error{
		Kind:       KindFatal,
		Code:       "BackendRejected",
		Message:    "The remote backend rejected the request",
		HTTPStatus: 502,
	}

	// ErrPayloadTooLarge is a Fatal error for parts above the backend ceiling.
	ErrPayloadTooLarge = &Error{
		Kind:       KindFatal,
		Code:       "PayloadTooLarge",
		Message:    "The part exceeds the backend size limit",
		HTTPStatus: 413,
	}

	ErrNotFound = &Error{
		Kind:       KindNotFound,
		Code:       "NotFound",
		Message:    "The specified file does not exist",
		HTTPStatus: 404,
	}

	ErrOutOfOrder = &Error{
		Kind:       KindOutOfOrder,
		Code:       "OutOfOrder",
		Message:    "The part index is not the next expected index",
		HTTPStatus: 409,
	}

	ErrAlreadyComplete = &Error{
		Kind:       KindAlreadyComplete,
		Code:       "AlreadyComplete",
		Message:    "The file has already been finalized",
		HTTPStatus: 409,
	}

	ErrRangeNotSatisfiable = &Error{
		Kind:       KindRangeNotSatisfiable,
		Code:       "InvalidRange",
		Message:    "The requested range is not satisfiable",
		HTTPStatus: 416,
	}

	ErrSizeMismatch = &Error{
		Kind:       KindSizeMismatch,
		Code:       "SizeMismatch",
		Message:    "The total size does not match the recorded parts",
		HTTPStatus: 422,
	}

	ErrInvalidArgument = &Error{
		Kind:       KindInvalidArgument,
		Code:       "InvalidArgument",
		Message:    "Invalid argument",
		HTTPStatus: 400,
	}

	ErrConflict = &Error{
		Kind:       KindConflict,
		Code:       "AlreadyExists",
		Message:    "A file with this id already exists",
		HTTPStatus: 409,
	}
)

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// RetryAfterOf returns the retry hint carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// HTTPStatus returns the HTTP status for err, defaulting to 500.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) && e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	return 500
}
