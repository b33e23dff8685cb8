// Package apperr defines the error taxonomy shared by the storage, pipeline
// and HTTP layers. Every error that can reach a client is one of these kinds;
// the HTTP layer maps kinds to status codes without inspecting messages.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping.
type Kind int

const (
	// KindInternal is the fallback for unexpected failures.
	KindInternal Kind = iota
	// KindBadRequest covers malformed input: bad JSON, bad query syntax,
	// conflicting projections.
	KindBadRequest
	// KindValidationFailed carries per-field messages from schema
	// validation or script error() calls.
	KindValidationFailed
	// KindUnauthenticated means no valid credential was presented.
	KindUnauthenticated
	// KindForbidden means the principal is known but not allowed.
	KindForbidden
	// KindNotFound means the document or collection does not exist.
	KindNotFound
	// KindConflict covers duplicate ids and unique index violations.
	KindConflict
	// KindUnsupported marks operations the active backend cannot serve,
	// such as $forceMongo against SQL.
	KindUnsupported
	// KindStorageUnavailable means the backend is down or unreachable.
	KindStorageUnavailable
	// KindScriptTimeout means an event script exceeded its wall-clock
	// budget.
	KindScriptTimeout
)

// String returns the canonical name used in response bodies and logs.
func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindValidationFailed:
		return "validation_failed"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnsupported:
		return "unsupported_operation"
	case KindStorageUnavailable:
		return "storage_unavailable"
	case KindScriptTimeout:
		return "script_timeout"
	default:
		return "internal"
	}
}

// HTTPStatus maps a kind to its response status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest, KindValidationFailed:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnsupported:
		return http.StatusUnprocessableEntity
	case KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case KindScriptTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is the concrete error type crossing package boundaries. Fields is
// only populated for KindValidationFailed.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]string
	Status  int // optional override, used by script cancel(msg, status)
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the explicit status override when set, otherwise the
// kind default.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return e.Kind.HTTPStatus()
}

// New builds an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause. A nil cause returns nil.
func Wrap(kind Kind, err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// BadRequest builds a KindBadRequest error.
func BadRequest(format string, args ...interface{}) *Error {
	return New(KindBadRequest, format, args...)
}

// Validation builds a KindValidationFailed error from per-field messages.
func Validation(fields map[string]string) *Error {
	return &Error{Kind: KindValidationFailed, Message: "validation failed", Fields: fields}
}

// Unauthenticated builds a KindUnauthenticated error.
func Unauthenticated(format string, args ...interface{}) *Error {
	return New(KindUnauthenticated, format, args...)
}

// Forbidden builds a KindForbidden error.
func Forbidden(format string, args ...interface{}) *Error {
	return New(KindForbidden, format, args...)
}

// NotFound builds a KindNotFound error.
func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

// Conflict builds a KindConflict error.
func Conflict(format string, args ...interface{}) *Error {
	return New(KindConflict, format, args...)
}

// Unsupported builds a KindUnsupported error.
func Unsupported(format string, args ...interface{}) *Error {
	return New(KindUnsupported, format, args...)
}

// StorageUnavailable wraps a backend outage.
func StorageUnavailable(err error) *Error {
	return &Error{Kind: KindStorageUnavailable, Message: "storage backend unavailable", Err: err}
}

// ScriptTimeout builds a KindScriptTimeout error for the named phase.
func ScriptTimeout(collection, phase string) *Error {
	return New(KindScriptTimeout, "script %s/%s exceeded its time budget", collection, phase)
}

// Canceled builds the error produced by a script cancel(message, status)
// call. Status 0 falls back to 400.
func Canceled(message string, status int) *Error {
	kind := KindBadRequest
	switch {
	case status >= 500:
		kind = KindInternal
	case status == http.StatusUnauthorized:
		kind = KindUnauthenticated
	case status == http.StatusForbidden:
		kind = KindForbidden
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusConflict:
		kind = KindConflict
	}
	if status == 0 {
		status = http.StatusBadRequest
	}
	return &Error{Kind: kind, Message: message, Status: status}
}

// KindOf extracts the kind from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether the error chain contains an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// FieldsOf returns the per-field messages if the chain carries any.
func FieldsOf(err error) map[string]string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Fields
	}
	return nil
}

// StatusOf returns the HTTP status for any error, 500 for unknown ones.
func StatusOf(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.HTTPStatus()
	}
	return http.StatusInternalServerError
}
