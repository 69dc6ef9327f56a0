package errors

import (
	"errors"
)

// AsError finds the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetCode returns the code of the first *Error in err's chain, or "".
func GetCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return GetCode(err) == code
}

func hasCategory(err error, category string) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == category
}

// IsValidation reports whether err is a VAL_xxx error.
func IsValidation(err error) bool {
	return hasCategory(err, "VAL")
}

// IsInvalidRole reports whether err rejects a role value.
func IsInvalidRole(err error) bool {
	return HasCode(err, CodeInvalidRole)
}

// IsUnauthorized reports whether err is any AUTH_xxx error.
func IsUnauthorized(err error) bool {
	return hasCategory(err, "AUTH")
}

// IsInvalidToken reports whether err came from token verification,
// including expiry.
func IsInvalidToken(err error) bool {
	code := GetCode(err)
	return code == CodeInvalidToken || code == CodeTokenExpired
}

// IsNotFound reports whether err is a NF_xxx error.
func IsNotFound(err error) bool {
	return hasCategory(err, "NF")
}

// IsConfig reports whether err signals misconfiguration.
func IsConfig(err error) bool {
	return HasCode(err, CodeConfiguration)
}

// IsInternal reports whether err is an INT_xxx error.
func IsInternal(err error) bool {
	return hasCategory(err, "INT")
}

// IsTransient reports whether err is an UNAVAIL_xxx upstream failure.
func IsTransient(err error) bool {
	return hasCategory(err, "UNAVAIL")
}

// IsRetryable reports whether the operation that produced err may be
// retried. Only transient upstream failures qualify.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// IsClientError reports whether err maps to a 4xx status.
func IsClientError(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Code.Category() {
	case "VAL", "AUTH", "NF":
		return true
	default:
		return false
	}
}
