// Package mcperr defines the error taxonomy shared by the registry, broker,
// event fabric, and gateway. Errors carry a Kind that maps to transport-level
// status codes at the HTTP edge and drives retry classification in the healer.
package mcperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers that need to branch on failure class
// without inspecting message text.
type Kind int

const (
	// KindInternal is the catch-all for unexpected failures.
	KindInternal Kind = iota
	// KindInvalidArgument marks requests that fail schema or format validation.
	KindInvalidArgument
	// KindNotFound marks unknown server, tool, or job identifiers.
	KindNotFound
	// KindPreconditionFailed marks descriptors or sessions in a state that
	// cannot serve the request (e.g. neither endpoint nor command).
	KindPreconditionFailed
	// KindTimeout marks expired broker or discovery timers. Retryable.
	KindTimeout
	// KindProtocol marks malformed JSON-RPC or unparseable transport framing.
	// Not retried.
	KindProtocol
	// KindUpstream marks remote tool-server failures. Retryable subject to
	// healer classification.
	KindUpstream
	// KindUnauthenticated marks missing or expired credentials.
	KindUnauthenticated
	// KindPermissionDenied marks missing consent or scope.
	KindPermissionDenied
)

// Error wraps a cause with a Kind.
type Error struct {
	Knd   Kind
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil || e.Cause == nil {
		return ""
	}
	return e.Cause.Error()
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind from a format string.
func New(k Kind, format string, args ...any) error {
	return &Error{Knd: k, Cause: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error. Returns nil if err is nil.
func Wrap(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Knd: k, Cause: err}
}

// Internal builds a KindInternal error.
func Internal(format string, args ...any) error {
	return New(KindInternal, format, args...)
}

// InvalidArgument builds a KindInvalidArgument error.
func InvalidArgument(format string, args ...any) error {
	return New(KindInvalidArgument, format, args...)
}

// NotFound builds a KindNotFound error.
func NotFound(format string, args ...any) error {
	return New(KindNotFound, format, args...)
}

// PreconditionFailed builds a KindPreconditionFailed error.
func PreconditionFailed(format string, args ...any) error {
	return New(KindPreconditionFailed, format, args...)
}

// Timeout builds a KindTimeout error.
func Timeout(format string, args ...any) error {
	return New(KindTimeout, format, args...)
}

// Protocol builds a KindProtocol error.
func Protocol(format string, args ...any) error {
	return New(KindProtocol, format, args...)
}

// Upstream builds a KindUpstream error.
func Upstream(format string, args ...any) error {
	return New(KindUpstream, format, args...)
}

// Unauthenticated builds a KindUnauthenticated error.
func Unauthenticated(format string, args ...any) error {
	return New(KindUnauthenticated, format, args...)
}

// PermissionDenied builds a KindPermissionDenied error.
func PermissionDenied(format string, args ...any) error {
	return New(KindPermissionDenied, format, args...)
}

// KindOf returns the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Knd
	}
	return KindInternal
}

// IsRetryable reports whether the healer may retry the failed operation.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindUpstream:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error kind to the status code surfaced by the gateway.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindPreconditionFailed:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUpstream:
		return http.StatusBadGateway
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindPermissionDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
