// Package apperror provides the structured error taxonomy of the flush engine.
// Store failures are wrapped, never swallowed; callers inspect the Code.
package apperror

import (
	"errors"
	"fmt"
)

// Error codes
const (
	// CodeOptimisticLock means a version predicate matched zero rows or an
	// explicit version mismatch was detected before the flush.
	CodeOptimisticLock = "OPTIMISTIC_LOCK"

	// CodeConfiguration is a mapping/consistency problem detected while
	// building the registry. It aborts construction, not individual flushes.
	CodeConfiguration = "CONFIGURATION_ERROR"

	// CodeLoadFailure is returned when a referenced backing object could not
	// be resolved while cascading (e.g. deleted concurrently).
	CodeLoadFailure = "LOAD_FAILURE"

	CodeNotFound   = "NOT_FOUND"
	CodeValidation = "VALIDATION_ERROR"
	CodeDatabase   = "DATABASE_ERROR"
	CodeInternal   = "INTERNAL_ERROR"
)

// AppError is the standard error type of the engine.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details carries the conflicting identity, the view type, etc.
	Details map[string]any `json:"details,omitempty"`

	// Err is the underlying error
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions ---

// NewOptimisticLock reports a stale write against entity/id. view is the view
// instance (or its type name) that caused the conflict.
func NewOptimisticLock(entity string, id any, view any) *AppError {
	return &AppError{
		Code:    CodeOptimisticLock,
		Message: fmt.Sprintf("%s was modified concurrently", entity),
		Details: map[string]any{"entity": entity, "id": id, "view": view},
	}
}

// NewConfiguration reports an invalid mapping model.
func NewConfiguration(format string, args ...any) *AppError {
	return &AppError{
		Code:    CodeConfiguration,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewLoadFailure reports an unresolvable reference during cascading.
func NewLoadFailure(entity string, id any) *AppError {
	return &AppError{
		Code:    CodeLoadFailure,
		Message: fmt.Sprintf("could not load %s referenced during flush", entity),
		Details: map[string]any{"entity": entity, "id": id},
	}
}

// NewNotFound creates a not found error
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", entity),
		Details: map[string]any{"entity": entity, "id": id},
	}
}

// NewValidation creates a validation error for invalid caller input.
func NewValidation(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
	}
}

// NewDatabase wraps a store failure.
func NewDatabase(op string, err error) *AppError {
	return &AppError{
		Code:    CodeDatabase,
		Message: op,
		Err:     err,
	}
}

// NewInternal creates an internal error
func NewInternal(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "internal error",
		Err:     err,
	}
}

// --- Helper functions ---

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func hasCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsOptimisticLock checks if error is CodeOptimisticLock
func IsOptimisticLock(err error) bool { return hasCode(err, CodeOptimisticLock) }

// IsConfiguration checks if error is CodeConfiguration
func IsConfiguration(err error) bool { return hasCode(err, CodeConfiguration) }

// IsLoadFailure checks if error is CodeLoadFailure
func IsLoadFailure(err error) bool { return hasCode(err, CodeLoadFailure) }

// IsNotFound checks if error is CodeNotFound
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

// IsValidation checks if error is CodeValidation
func IsValidation(err error) bool { return hasCode(err, CodeValidation) }
