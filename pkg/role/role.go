// Package role defines the closed set of marketplace roles and the
// two-field role metadata record kept by the identity provider.
//
// A user has at most two role values. The provisional value is written by
// the client during sign-up and is never trusted for authorization. The
// authoritative value is written only by the resolution service after the
// caller's session token has been verified, and is the sole source of truth
// once present.
package role

import (
	"strings"

	sserr "github.com/StricklySoft/stricklysoft-rolesync/pkg/errors"
)

// Role is a marketplace role. The zero value means "no role".
type Role string

const (
	// None is the absence of a role.
	None Role = ""
	// Student marks a user who raises funding.
	Student Role = "student"
	// Investor marks a user who funds students.
	Investor Role = "investor"
)

// All returns every valid role in a stable order.
func All() []Role {
	return []Role{Student, Investor}
}

// Valid reports whether r is a member of the closed role set.
func (r Role) Valid() bool {
	return r == Student || r == Investor
}

// String returns the wire representation of the role.
func (r Role) String() string {
	return string(r)
}

// Parse converts a wire value into a Role. Matching is exact; surrounding
// whitespace and case variants are rejected.
func Parse(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return None, sserr.InvalidRole(truncate(s, 64))
	}
	return r, nil
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. The empty string
// decodes to None; any other value must be a valid role.
func (r *Role) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*r = None
		return nil
	}
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= n {
		return s
	}
	return s[:n]
}
