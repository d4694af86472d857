// Package errors provides the service-wide error taxonomy: a stable machine
// code plus a human-readable message, optionally wrapping an underlying cause.
package errors

import (
	"errors"
	"fmt"
)

// Code identifies the broad class of a failure. Codes are stable and are
// what the HTTP layer maps onto status codes.
type Code string

const (
	ErrCodeInvalidInput Code = "INVALID_INPUT"
	ErrCodeNotFound     Code = "NOT_FOUND"
	ErrCodeConflict     Code = "CONFLICT"
	ErrCodeUnauthorized Code = "UNAUTHORIZED"
	ErrCodeUnavailable  Code = "UNAVAILABLE"
	ErrCodeInternal     Code = "INTERNAL"
)

// Error is the concrete error type carried across package boundaries.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a code and a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a code and message.
// Returns nil when err is nil.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports that a named resource does not exist.
func NotFound(resource, id string) *Error {
	return Newf(ErrCodeNotFound, "%s %q not found", resource, id)
}

// InvalidInput reports a rejected input field.
func InvalidInput(field, message string) *Error {
	return Newf(ErrCodeInvalidInput, "%s: %s", field, message)
}

// CodeOf extracts the Code from err, walking the wrap chain.
// Unclassified errors report ErrCodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
