// Package qrcerr defines the bridge's error taxonomy so call sites can
// branch on error kind with errors.As while still getting a normal wrapped
// error chain from fmt.Errorf("...: %w", err).
package qrcerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds enumerated by the bridge's error handling
// design. It is a taxonomy, not a set of distinct Go types.
type Kind string

const (
	ConnectionFailed     Kind = "CONNECTION_FAILED"
	ConnectionClosed     Kind = "CONNECTION_CLOSED"
	AuthenticationFailed Kind = "AUTHENTICATION_FAILED"
	Timeout              Kind = "TIMEOUT"
	CommandFailed        Kind = "COMMAND_FAILED"
	InvalidComponent     Kind = "INVALID_COMPONENT"
	InvalidControl       Kind = "INVALID_CONTROL"
	CacheSetFailed       Kind = "CACHE_SET_FAILED"
	NotInitialized       Kind = "NOT_INITIALIZED"
	PersistenceFailed    Kind = "PERSISTENCE_FAILED"
	ValidationFailed     Kind = "VALIDATION_FAILED"
	BreakerOpen          Kind = "BREAKER_OPEN"
)

// Error wraps a cause with a taxonomy Kind plus free-form context, matching
// the user-visible structured error shape from §7:
// {error:true, toolName, code, message, context}.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error wrapping cause. A nil cause is equivalent to New.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithContext attaches context key/value pairs used for structured error
// payloads, returning the same *Error for chaining.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Is lets errors.Is(err, qrcerr.New(SomeKind, "")) match purely on Kind,
// ignoring message and cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
