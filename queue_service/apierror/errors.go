// Package apierror defines the error kinds surfaced to callers of the
// queue operations. Handlers map these onto HTTP status codes; background
// loops never return them to users.
package apierror

import (
	"errors"
	"fmt"
)

// Kind classifies a caller-facing error.
type Kind string

const (
	KindInputError       Kind = "InputError"         // validation failure, non-retryable
	KindResourceNotFound Kind = "ResourceNotFound"
	KindRequestConflict  Kind = "RequestConflict"
	KindAuthorization    Kind = "AuthorizationError"
	KindInternal         Kind = "InternalError"
)

// Error is a caller-facing error with a machine-readable kind and an
// optional details payload (e.g. both definitions on an idempotency
// conflict).
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// InputError reports a definition that fails validation.
func InputError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInputError, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports an unknown taskId, runId or provisionerId.
func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindResourceNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports an idempotency collision, a terminal-state operation
// or a past-deadline operation.
func Conflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindRequestConflict, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized reports a failed scope check.
func Unauthorized(format string, args ...interface{}) *Error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps a permanent backend failure.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: err.Error()}
}

// WithDetails attaches a details payload and returns the same error.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind == kind
	}
	return false
}
