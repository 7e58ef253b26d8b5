package api

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every error the core surfaces across its boundary.
// Callers branch on the kind, never on message text.
type ErrorKind string

const (
	// KindValidation indicates a schema violation or a failed validation rule.
	KindValidation ErrorKind = "ValidationError"

	// KindConfigValidation indicates a configuration map failed its declared
	// schema or a custom field rule.
	KindConfigValidation ErrorKind = "ConfigValidationError"

	// KindConfigNotFound indicates a requested configuration key or version
	// does not exist.
	KindConfigNotFound ErrorKind = "ConfigNotFoundError"

	// KindPermissionDenied indicates tenant security rejected the operation.
	KindPermissionDenied ErrorKind = "PermissionDenied"

	// KindDependency indicates a required dependency is missing or in the
	// wrong state, or a conflicting dependency is active.
	KindDependency ErrorKind = "DependencyError"

	// KindMigration indicates a forward migration step failed.
	KindMigration ErrorKind = "MigrationError"

	// KindRollback indicates a compensating step failed.
	KindRollback ErrorKind = "RollbackError"

	// KindTimeout indicates a deadline was exceeded.
	KindTimeout ErrorKind = "TimeoutError"

	// KindConflict indicates a registry or integration reservation conflict.
	KindConflict ErrorKind = "ConflictError"

	// KindState indicates the operation is not valid in the current
	// lifecycle state.
	KindState ErrorKind = "StateError"

	// KindRollbackRequired is terminal: a rollback failed and operator
	// action is needed before the (module, tenant) pair accepts new work.
	KindRollbackRequired ErrorKind = "RollbackRequired"
)

// Error is the structured error value used across all core subsystems.
// It carries the taxonomy kind, free-form context for forensics, whether
// the condition is recoverable, and optional resolution hints.
type Error struct {
	Kind        ErrorKind
	Message     string
	Context     map[string]interface{}
	Recoverable bool
	Hints       []string

	// Cause is the wrapped underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext attaches a context value and returns the error for chaining.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithHint appends a resolution hint and returns the error for chaining.
func (e *Error) WithHint(hint string) *Error {
	e.Hints = append(e.Hints, hint)
	return e
}

// NewError creates a structured error of the given kind.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError wraps an underlying error with a kind and message.
func WrapError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// KindOf returns the ErrorKind of err, or the empty string when err is not
// a structured core error.
func KindOf(err error) ErrorKind {
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr.Kind
	}
	return ""
}

// IsKind checks whether err is (or wraps) a core error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsRecoverable reports whether the error is marked recoverable. Errors
// outside the core taxonomy are treated as non-recoverable.
func IsRecoverable(err error) bool {
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr.Recoverable
	}
	return false
}

// Convenience constructors for the most common kinds.

// NewValidationError creates a ValidationError.
func NewValidationError(format string, args ...interface{}) *Error {
	return NewError(KindValidation, format, args...)
}

// NewConfigValidationError creates a ConfigValidationError for a field path.
func NewConfigValidationError(path, format string, args ...interface{}) *Error {
	return NewError(KindConfigValidation, format, args...).WithContext("path", path)
}

// NewPermissionDenied creates a PermissionDenied error with a cause string.
func NewPermissionDenied(cause string) *Error {
	return NewError(KindPermissionDenied, "%s", cause)
}

// NewDependencyError creates a DependencyError listing the missing items.
func NewDependencyError(missing []string) *Error {
	return NewError(KindDependency, "unsatisfied dependencies: %v", missing).
		WithContext("missing", missing)
}

// NewConflictError creates a ConflictError naming the current owner of the
// contested resource.
func NewConflictError(resource, owner string) *Error {
	return NewError(KindConflict, "%s is already owned by module %s", resource, owner).
		WithContext("resource", resource).
		WithContext("owner", owner)
}

// NewStateError creates a StateError for an illegal lifecycle transition.
func NewStateError(current, requested string) *Error {
	return NewError(KindState, "operation not valid in state %s (requested %s)", current, requested).
		WithContext("current", current).
		WithContext("requested", requested)
}

// NewTimeoutError creates a TimeoutError for the named phase.
func NewTimeoutError(phase string) *Error {
	return NewError(KindTimeout, "deadline exceeded during %s", phase).
		WithContext("phase", phase)
}
