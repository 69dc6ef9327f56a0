// Package errors defines the error taxonomy shared by every role-sync
// component: the token verifier, the key set cache, the role writer, the
// resolution service and the client state machine.
//
// Each error carries a machine-readable [Code] of the form CATEGORY_NNN.
// The category decides the HTTP status at the service boundary
// ([Error.HTTPStatus]) and whether a caller may retry:
//
//	VAL_xxx     - bad input, e.g. a role outside the closed set (400)
//	AUTH_xxx    - missing, malformed, expired or unverifiable tokens (401)
//	NF_xxx      - a missing resource (404); NF_101, a subject the
//	              provider does not know, is 502
//	INT_xxx     - misconfiguration and internal failures (500)
//	UNAVAIL_xxx - an upstream dependency failed or timed out (502)
//
// Only UNAVAIL errors are retryable. The Message of an error may reach an
// end user; upstream response bodies and other internals belong in Cause.
//
// Usage:
//
//	if err := writer.WriteRole(ctx, subject, r); err != nil {
//	    if errors.IsTransient(err) {
//	        // safe to retry later
//	    }
//	}
package errors
