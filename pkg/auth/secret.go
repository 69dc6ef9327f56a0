package auth

// Secret is a string that redacts itself when printed, formatted or
// serialized. Read the raw value with [Secret.Value].
type Secret string

const secretRedacted = "[REDACTED]"

// String returns the redacted placeholder.
func (s Secret) String() string { return secretRedacted }

// GoString returns the redacted placeholder for %#v.
func (s Secret) GoString() string { return secretRedacted }

// Value returns the raw secret.
func (s Secret) Value() string { return string(s) }

// MarshalText returns the redacted placeholder so JSON and YAML output
// never contain the secret.
func (s Secret) MarshalText() ([]byte, error) { return []byte(secretRedacted), nil }
