// Package errors provides the typed error kinds used across devharbor.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. These travel in the API error envelope and drive HTTP mapping.
const (
	KindUserInput = "user-input" // malformed request, invalid branch name
	KindNotFound  = "not-found"  // missing environment/session/agent/bare repo
	KindConflict  = "conflict"   // uniqueness violation, sandbox name collision
	KindState     = "state"      // no worktree, sandbox not running, dead session
	KindResource  = "resource"   // disk full, out of memory
	KindUpstream  = "upstream"   // network failure fetching the repository
	KindRuntime   = "runtime"    // container runtime unreachable, exec failure
	KindInvariant = "invariant"  // readonly mount, worktree/branch mismatch
)

// AppError is an application error carrying a kind, an actionable message and
// optional name suggestions for conflict responses.
type AppError struct {
	Kind        string   `json:"error"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
	Err         error    `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause for errors.Is / errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind to an HTTP status code.
// user-input/not-found/conflict/state are caller errors and are not retried;
// resource/upstream/runtime are retriable 5xx; invariant requires operator
// action.
func (e *AppError) HTTPStatus() int {
	switch e.Kind {
	case KindUserInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindState:
		return http.StatusBadRequest
	case KindResource, KindUpstream:
		return http.StatusServiceUnavailable
	case KindRuntime, KindInvariant:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Retriable reports whether the reaper (or a client) may retry the operation.
func (e *AppError) Retriable() bool {
	switch e.Kind {
	case KindResource, KindUpstream, KindRuntime:
		return true
	}
	return false
}

// WithCause attaches an underlying cause and returns the error.
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// UserInput creates a user-input error.
func UserInput(message string) *AppError {
	return &AppError{Kind: KindUserInput, Message: message}
}

// NotFound creates a not-found error for a resource.
func NotFound(resource, id string) *AppError {
	return &AppError{Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// Conflict creates a conflict error.
func Conflict(message string) *AppError {
	return &AppError{Kind: KindConflict, Message: message}
}

// NameConflict creates a conflict error carrying alternative name suggestions.
func NameConflict(message string, suggestions []string) *AppError {
	return &AppError{Kind: KindConflict, Message: message, Suggestions: suggestions}
}

// State creates a state error (resource exists but is in the wrong state).
func State(message string) *AppError {
	return &AppError{Kind: KindState, Message: message}
}

// Resource creates a resource-exhaustion error.
func Resource(message string, err error) *AppError {
	return &AppError{Kind: KindResource, Message: message, Err: err}
}

// Upstream creates an upstream (remote repository) error.
func Upstream(message string, err error) *AppError {
	return &AppError{Kind: KindUpstream, Message: message, Err: err}
}

// Runtime creates a container-runtime error.
func Runtime(message string, err error) *AppError {
	return &AppError{Kind: KindRuntime, Message: message, Err: err}
}

// Invariant creates an invariant-violation error. These are logged at error
// level and require operator action.
func Invariant(message string) *AppError {
	return &AppError{Kind: KindInvariant, Message: message}
}

// Wrap wraps err with additional context, preserving the kind when err is
// already an AppError and defaulting to runtime otherwise.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Kind:        appErr.Kind,
			Message:     fmt.Sprintf("%s: %s", message, appErr.Message),
			Suggestions: appErr.Suggestions,
			Err:         err,
		}
	}
	return &AppError{Kind: KindRuntime, Message: message, Err: err}
}

// IsKind reports whether err is an AppError of the given kind.
func IsKind(err error, kind string) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Kind == kind
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return IsKind(err, KindConflict) }

// KindOf returns the kind of err, or runtime when err is not an AppError.
func KindOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindRuntime
}

// HTTPStatus returns the HTTP status for any error.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}
