package kberr

import (
	"fmt"
)

// Error is the structured error type for the retrieval core.
// It provides rich context for error handling, logging, and the
// propagation rules of the search surface: store and cache faults are
// downgraded by their owners, compute and engine faults reach the
// immediate caller typed.
type Error struct {
	// Code is the unique error code (e.g., "ERR_401_ENGINE_NOT_READY").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Validation, Store, Compute, ...).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with Error.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new Error with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates an Error from an existing error.
// The error's message becomes the Error message.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *Error {
	return New(ErrCodeInvalidOptions, message, cause)
}

// StoreError creates a relational-store error.
func StoreError(message string, cause error) *Error {
	return New(ErrCodeStoreQuery, message, cause)
}

// ComputeError wraps a failure from a caller-supplied compute function.
func ComputeError(cause error) *Error {
	if cause == nil {
		return nil
	}
	return New(ErrCodeComputeFailed, cause.Error(), cause)
}

// NotReadyError creates the typed failure for querying the retrieval
// engine before initialization completed.
func NotReadyError() *Error {
	return New(ErrCodeEngineNotReady, "retrieval engine not initialized", nil)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if ke, ok := err.(*Error); ok {
		return ke.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if ke, ok := err.(*Error); ok {
		return ke.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from an Error.
// Returns empty string if not an Error.
func GetCode(err error) string {
	if ke, ok := err.(*Error); ok {
		return ke.Code
	}
	return ""
}

// GetCategory extracts the category from an Error.
// Returns empty string if not an Error.
func GetCategory(err error) Category {
	if ke, ok := err.(*Error); ok {
		return ke.Category
	}
	return ""
}
