package role

import (
	"errors"
	"fmt"
)

// MetadataKey is the field name holding a role inside the provider's
// public (authoritative) and unsafe (provisional) metadata objects.
const MetadataKey = "role"

// Metadata is the closed two-field role record attached to a user.
type Metadata struct {
	// Provisional is the client-written hint. Never used for authorization.
	Provisional Role `json:"provisional,omitempty"`
	// Authoritative is written only after server-side token verification.
	Authoritative Role `json:"authoritative,omitempty"`
}

// HasAuthoritative reports whether a verified role has been recorded.
func (m Metadata) HasAuthoritative() bool {
	return m.Authoritative.Valid()
}

// Effective returns the role that should drive routing: the authoritative
// value when present, otherwise the provisional value. The second result
// is true only when the returned role is authoritative.
func (m Metadata) Effective() (Role, bool) {
	if m.Authoritative.Valid() {
		return m.Authoritative, true
	}
	if m.Provisional.Valid() {
		return m.Provisional, false
	}
	return None, false
}

// FromProviderMetadata builds a Metadata record from the provider's
// untyped metadata objects. Values outside the closed role set are dropped
// and reported in the returned error; the record itself is always usable.
func FromProviderMetadata(public, unsafe map[string]any) (Metadata, error) {
	var (
		md   Metadata
		errs []error
	)
	authoritative, err := roleField(public)
	if err != nil {
		errs = append(errs, fmt.Errorf("public metadata: %w", err))
	}
	md.Authoritative = authoritative

	provisional, err := roleField(unsafe)
	if err != nil {
		errs = append(errs, fmt.Errorf("unsafe metadata: %w", err))
	}
	md.Provisional = provisional
	return md, errors.Join(errs...)
}

func roleField(obj map[string]any) (Role, error) {
	raw, ok := obj[MetadataKey]
	if !ok || raw == nil {
		return None, nil
	}
	s, ok := raw.(string)
	if !ok {
		return None, fmt.Errorf("role has type %T, want string", raw)
	}
	if s == "" {
		return None, nil
	}
	return Parse(s)
}
