// Package apperr defines the typed error taxonomy shared by the session,
// sync and transport layers.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure.
type Code string

const (
	// CodeValidation is a local, non-retryable input error (e.g. a malformed session code).
	CodeValidation Code = "VALIDATION_ERROR"
	// CodeNotFound means the session lookup found nothing.
	CodeNotFound Code = "NOT_FOUND"
	// CodeExpired means the session exists but is past its lifetime.
	CodeExpired Code = "EXPIRED"
	// CodeBackendUnavailable is transient and eligible for caller-level retry.
	CodeBackendUnavailable Code = "BACKEND_UNAVAILABLE"
	// CodeTransport is a channel publish/subscribe failure.
	CodeTransport Code = "TRANSPORT_ERROR"
	// CodeSubscriptionNotReady is raised by the readiness check.
	CodeSubscriptionNotReady Code = "SUBSCRIPTION_NOT_READY"
	// CodeProcessingTimeout marks a message stuck in processing.
	CodeProcessingTimeout Code = "PROCESSING_TIMEOUT"
)

// Error carries a Code, a human message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to err.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Is reports whether any error in err's chain is an *Error with the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Retryable reports whether the failure is transient.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeBackendUnavailable, CodeTransport, CodeSubscriptionNotReady:
		return true
	}
	return false
}
