package role

// Report compares the role values a user has across every store. It backs
// the role status endpoint and the client's diagnostics output.
type Report struct {
	Provisional   Role `json:"provisional,omitempty"`
	Authoritative Role `json:"authoritative,omitempty"`
	Mirror        Role `json:"mirror,omitempty"`

	// ProvisionalMismatch is set when both metadata fields exist and differ.
	ProvisionalMismatch bool `json:"provisional_mismatch"`
	// MirrorMismatch is set when the mirror was read and disagrees with the
	// authoritative value, or holds a role the provider does not.
	MirrorMismatch bool `json:"mirror_mismatch"`
	// PendingSync is set when only the provisional value exists.
	PendingSync bool `json:"pending_sync"`
}

// Consistent reports whether no mismatch or pending sync was found.
func (r Report) Consistent() bool {
	return !r.ProvisionalMismatch && !r.MirrorMismatch && !r.PendingSync
}

// Compare builds a Report. mirror is None when the mirror is disabled or
// holds no row for the subject.
func Compare(md Metadata, mirror Role) Report {
	r := Report{
		Provisional:   md.Provisional,
		Authoritative: md.Authoritative,
		Mirror:        mirror,
	}
	r.ProvisionalMismatch = md.Provisional.Valid() && md.Authoritative.Valid() &&
		md.Provisional != md.Authoritative
	r.MirrorMismatch = mirror.Valid() && mirror != md.Authoritative
	r.PendingSync = md.Provisional.Valid() && !md.Authoritative.Valid()
	return r
}
