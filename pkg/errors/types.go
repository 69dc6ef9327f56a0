package errors

import (
	"fmt"
	"maps"
	"net/http"
)

// Error is a structured error with a code, a user-safe message and an
// optional cause. Fields are not modified after creation.
type Error struct {
	// Code is the machine-readable error code (e.g. "AUTH_003").
	Code Code

	// Message is safe to show to end users. It never contains tokens,
	// secrets or upstream response bodies.
	Message string

	// Cause is the underlying error, if any. It is for logs only.
	Cause error

	// Details holds structured context such as the issuer or upstream status.
	Details map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the HTTP status for this error. Upstream failures map
// to 502 Bad Gateway. So does [CodeSubjectNotFound]: the subject came from
// a verified token, so a provider that does not know it is an upstream
// fault, not a missing resource.
func (e *Error) HTTPStatus() int {
	if e.Code == CodeSubjectNotFound {
		return http.StatusBadGateway
	}
	switch e.Code.Category() {
	case "VAL":
		return http.StatusBadRequest
	case "AUTH":
		return http.StatusUnauthorized
	case "NF":
		return http.StatusNotFound
	case "UNAVAIL":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WithDetail returns a copy of e with one detail added.
func (e *Error) WithDetail(key string, value any) *Error {
	details := make(map[string]any, len(e.Details)+1)
	maps.Copy(details, e.Details)
	details[key] = value
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Cause:   e.Cause,
		Details: details,
	}
}

// Format implements fmt.Formatter. %+v includes details and the cause chain.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "Error{Code: %q, Message: %q", e.Code, e.Message)
			if len(e.Details) > 0 {
				fmt.Fprintf(s, ", Details: %v", e.Details)
			}
			if e.Cause != nil {
				fmt.Fprintf(s, ", Cause: %+v", e.Cause)
			}
			fmt.Fprint(s, "}")
			return
		}
		fallthrough
	case 's':
		fmt.Fprint(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}
