// Package errors provides coded service errors shared by every layer of the
// approval routing service. Transport handlers map the code to HTTP statuses
// and gRPC codes; callers branch on codes instead of matching message text.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an error for callers and transports.
type Code string

const (
	ErrCodeNotFound     Code = "NOT_FOUND"
	ErrCodeInvalidInput Code = "INVALID_INPUT"
	ErrCodeConflict     Code = "CONFLICT"
	ErrCodeUnauthorized Code = "UNAUTHORIZED"
	ErrCodeInternal     Code = "INTERNAL"

	// ErrCodeParse marks a malformed condition text.
	ErrCodeParse Code = "PARSE_ERROR"
	// ErrCodeValidationFailed marks a candidate line that does not satisfy the applicable rules.
	ErrCodeValidationFailed Code = "VALIDATION_FAILED"

	// State machine outcomes.
	ErrCodeAlreadyFinalized Code = "ALREADY_FINALIZED"
	ErrCodeNotAuthorized    Code = "NOT_AUTHORIZED"
	ErrCodeAlreadyActed     Code = "ALREADY_ACTED"
	ErrCodeCommentRequired  Code = "COMMENT_REQUIRED"

	// ErrCodeConcurrencyConflict is the only code that is safe to retry.
	ErrCodeConcurrencyConflict Code = "CONCURRENCY_CONFLICT"
)

// Error is a coded error with an optional offending field and cause.
type Error struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code. This lets a
// package keep sentinel values such as ErrAlreadyActed and still attach a
// request-specific message to the returned error.
func (e *Error) Is(target error) bool {
	var t *Error
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to a cause.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// InvalidInput reports a rejected input field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Field: field, Message: message}
}

// CodeOf returns the code of the first *Error in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Is forwards to the standard library so callers need a single import.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As forwards to the standard library so callers need a single import.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}
