package errors

import (
	"errors"
	"fmt"
)

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a code and message. It returns nil if err is nil.
//
//	resp, err := httpClient.Do(req)
//	if err != nil {
//	    return errors.Wrap(err, errors.CodeTransient, "identity provider unreachable")
//	}
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// Wrapf wraps err with a formatted message. It returns nil if err is nil.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// Validation creates a general validation error.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// InvalidRole creates an error for a role value outside the closed set.
func InvalidRole(value string) *Error {
	return New(CodeInvalidRole, "invalid role").WithDetail("value", value)
}

// Unauthorized creates an authentication error.
func Unauthorized(message string) *Error {
	return New(CodeUnauthorized, message)
}

// InvalidToken creates a token verification error.
func InvalidToken(message string) *Error {
	return New(CodeInvalidToken, message)
}

// NotFound creates a general not found error.
func NotFound(message string) *Error {
	return New(CodeNotFound, message)
}

// Config creates a configuration error.
func Config(message string) *Error {
	return New(CodeConfiguration, message)
}

// Internal creates an internal error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// Transient creates a retryable upstream error.
func Transient(message string) *Error {
	return New(CodeTransient, message)
}

// FromError returns err as an *Error, wrapping foreign errors as internal.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, CodeInternal, "an unexpected error occurred")
}
