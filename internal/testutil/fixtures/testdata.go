// Package fixtures provides shared constants for the role-sync test suites.
package fixtures

// Identity values.
const (
	// Subject is the default verified user id.
	Subject = "user_2abcDEF123"

	// AltSubject is a second user for cross-subject tests.
	AltSubject = "user_9xyzUVW987"

	// KeyID is the default signing key id.
	KeyID = "ins_key_1"

	// RotatedKeyID is the signing key id after a rotation.
	RotatedKeyID = "ins_key_2"

	// UntrustedIssuer is an issuer never present in verifier config.
	UntrustedIssuer = "https://evil.example.test"
)

// Provider values.
const (
	// SecretKey is a backend API secret accepted by the fake provider.
	SecretKey = "sk_test_rolesync_fixture"

	// WrongSecretKey is rejected by the fake provider with 401.
	WrongSecretKey = "sk_test_wrong"
)

// Config loader values.
const (
	// EnvPrefix is the default environment variable prefix for config tests.
	EnvPrefix = "ROLESYNC_TEST"
)
