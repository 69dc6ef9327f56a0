package errors

// Code is a machine-readable error code of the form CATEGORY_NNN.
// Codes are stable once assigned.
type Code string

const (
	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"
	// CodeValidationRequired indicates a required value is missing.
	CodeValidationRequired Code = "VAL_002"
	// CodeInvalidRole indicates a role value outside the closed role set.
	CodeInvalidRole Code = "VAL_101"

	// CodeUnauthorized indicates the caller could not be authenticated.
	CodeUnauthorized Code = "AUTH_001"
	// CodeTokenExpired indicates the session token is past its expiry.
	CodeTokenExpired Code = "AUTH_002"
	// CodeInvalidToken indicates the token is malformed, carries an
	// unsupported algorithm, names an unknown key, comes from an untrusted
	// issuer or fails signature verification.
	CodeInvalidToken Code = "AUTH_003"

	// CodeNotFound indicates a general not found error.
	CodeNotFound Code = "NF_001"
	// CodeSubjectNotFound indicates the identity provider rejected the
	// subject as unknown.
	CodeSubjectNotFound Code = "NF_101"

	// CodeInternal indicates an unexpected internal failure.
	CodeInternal Code = "INT_001"
	// CodeInternalDatabase indicates a mirror database operation failed.
	CodeInternalDatabase Code = "INT_002"
	// CodeConfiguration indicates missing or rejected credentials or other
	// deployment misconfiguration. Never retryable; operators must be alerted.
	CodeConfiguration Code = "INT_003"

	// CodeTransient indicates an upstream failure that may succeed on retry.
	CodeTransient Code = "UNAVAIL_001"
	// CodeUpstream indicates a dependent service returned an unexpected result.
	CodeUpstream Code = "UNAVAIL_002"
	// CodeKeySetFetch indicates the issuer's key set could not be retrieved
	// or parsed.
	CodeKeySetFetch Code = "UNAVAIL_101"
	// CodeTimeout indicates an upstream call exceeded its deadline.
	CodeTimeout Code = "UNAVAIL_102"
)

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// Category returns the category prefix of the code (e.g. "VAL", "AUTH").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
