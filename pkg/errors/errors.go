package errors

import (
	"errors"
	"fmt"
)

// Error represents a typed domain error with a retry classification.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a new Error instance.
func New(code string, retryable bool, message string) *Error {
	return &Error{Code: code, Retryable: retryable, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, retryable bool, message string) *Error {
	return &Error{Code: code, Retryable: retryable, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrNotFound           = New("NOT_FOUND", false, "resource not found")
	ErrConflict           = New("CONFLICT", false, "conflict")
	ErrPreconditionFailed = New("PRECONDITION_FAILED", false, "precondition failed")
	ErrValidation         = New("VALIDATION_ERROR", false, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", true, "internal error")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Retryable, ErrInternal.Message)
}

// IsRetryable reports whether the error may succeed on a later attempt.
// Unclassified errors are treated as retryable so transient storage faults
// are never dropped.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}
