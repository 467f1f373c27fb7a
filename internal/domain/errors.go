package domain

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code surfaced to callers
// alongside the human-readable message.
type Code string

const (
	CodeNotFound          Code = "NOT_FOUND"
	CodeConflict          Code = "CONFLICT"
	CodeInvalidState      Code = "INVALID_STATE"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeCompletionBlocked Code = "COMPLETION_BLOCKED"
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeIOFailure         Code = "IO_FAILURE"
)

// Error pairs a taxonomy code with a message. Wrapped causes survive for
// errors.Is/errors.As chains.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Errf builds a coded error with a formatted message.
func Errf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapIO tags a filesystem-level failure without losing the cause.
func WrapIO(msg string, err error) *Error {
	return &Error{Code: CodeIOFailure, Message: msg, Err: err}
}

// CodeOf extracts the taxonomy code from err, or "" if err carries none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
