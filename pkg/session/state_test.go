package session

import "testing"

var allStates = []State{
	StateUnknown, StateLoading, StateUnauthenticated, StateNeedsRole, StateResolved,
}

func TestState_Valid(t *testing.T) {
	for _, s := range allStates {
		if !s.Valid() {
			t.Errorf("State(%q).Valid() = false, want true", s)
		}
	}
	for _, s := range []State{"", "LOADING", "resolved(student)", "pending"} {
		if s.Valid() {
			t.Errorf("State(%q).Valid() = true, want false", s)
		}
	}
}

func TestState_Settled(t *testing.T) {
	tests := []struct {
		state   State
		settled bool
	}{
		{StateUnknown, false},
		{StateLoading, false},
		{StateUnauthenticated, true},
		{StateNeedsRole, true},
		{StateResolved, true},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := tt.state.Settled(); got != tt.settled {
				t.Errorf("State(%q).Settled() = %v, want %v", tt.state, got, tt.settled)
			}
		})
	}
}

// TestValidTransition checks the full matrix: every pair not listed in
// validTransitions must be rejected.
func TestValidTransition(t *testing.T) {
	allowed := map[[2]State]bool{
		{StateUnknown, StateLoading}:         true,
		{StateLoading, StateUnauthenticated}: true,
		{StateLoading, StateNeedsRole}:       true,
		{StateLoading, StateResolved}:        true,
		{StateUnauthenticated, StateLoading}: true,
		{StateNeedsRole, StateLoading}:       true,
		{StateResolved, StateLoading}:        true,
	}
	for _, from := range allStates {
		for _, to := range allStates {
			want := allowed[[2]State{from, to}]
			if got := ValidTransition(from, to); got != want {
				t.Errorf("ValidTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
	if ValidTransition("bogus", StateLoading) {
		t.Error("ValidTransition from an unknown state should be false")
	}
}
