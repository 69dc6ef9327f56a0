// Package session resolves which role a signed-in user should be routed
// with, on the client side of the role sync boundary.
//
// # Resolution
//
// A [Machine] reads the user's role metadata in priority order:
//
//	authoritative  >  provisional  >  none
//
// An authoritative role resolves immediately and is never re-derived from
// the provisional value. A provisional role with no authoritative
// counterpart triggers exactly one call to the role sync service per
// authentication event. A user with neither is sent to role selection.
//
// # States
//
//	Unknown → Loading → {Unauthenticated, NeedsRole, Resolved}
//
// Resolved is terminal for the session. NeedsRole waits for
// [Machine.SelectRole]. Any settled state re-enters Loading on the next
// authentication event.
//
// # Concurrency
//
// Resolve and SelectRole are serialized per Machine. Network calls are
// awaited in sequence; a metadata refresh never races the write it is
// meant to observe. A result that arrives after the session ended or
// changed is discarded.
package session

// State is the client's role resolution state.
type State string

const (
	// StateUnknown is the state before the first resolution.
	StateUnknown State = "unknown"

	// StateLoading means a resolution is in flight. No route is emitted.
	StateLoading State = "loading"

	// StateUnauthenticated means there is no active session.
	StateUnauthenticated State = "unauthenticated"

	// StateNeedsRole means the user has no role of either kind and must
	// pick one.
	StateNeedsRole State = "needs_role"

	// StateResolved means a role was settled for routing.
	StateResolved State = "resolved"
)

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateUnknown, StateLoading, StateUnauthenticated, StateNeedsRole, StateResolved:
		return true
	default:
		return false
	}
}

// Settled reports whether s is an outcome a caller can route on.
func (s State) Settled() bool {
	switch s {
	case StateUnauthenticated, StateNeedsRole, StateResolved:
		return true
	default:
		return false
	}
}

// validTransitions lists the allowed target states per source state:
//
//	Unknown         → Loading
//	Loading         → Unauthenticated, NeedsRole, Resolved
//	Unauthenticated → Loading   (sign-in)
//	NeedsRole       → Loading   (role selected or new auth event)
//	Resolved        → Loading   (new auth event)
var validTransitions = map[State][]State{
	StateUnknown:         {StateLoading},
	StateLoading:         {StateUnauthenticated, StateNeedsRole, StateResolved},
	StateUnauthenticated: {StateLoading},
	StateNeedsRole:       {StateLoading},
	StateResolved:        {StateLoading},
}

// ValidTransition reports whether from may move to to. Same-state
// transitions are rejected.
func ValidTransition(from, to State) bool {
	if from == to {
		return false
	}
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
