package mqtt

import (
	"errors"
	"testing"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateDisconnecting, "disconnecting"},
		{StateReconnecting, "reconnecting"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]State{
		{StateDisconnected, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnecting, StateDisconnected},
		{StateConnected, StateReconnecting},
		{StateConnected, StateDisconnecting},
		{StateReconnecting, StateConnected},
		{StateReconnecting, StateDisconnecting},
		{StateDisconnecting, StateDisconnected},
	}
	for _, tr := range allowed {
		if !CanTransition(tr[0], tr[1]) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tr[0], tr[1])
		}
	}

	forbidden := [][2]State{
		{StateDisconnected, StateConnected},
		{StateDisconnected, StateReconnecting},
		{StateConnecting, StateReconnecting},
		{StateConnected, StateConnecting},
		{StateDisconnecting, StateConnected},
		{StateReconnecting, StateDisconnected},
	}
	for _, tr := range forbidden {
		if CanTransition(tr[0], tr[1]) {
			t.Errorf("CanTransition(%s, %s) = true, want false", tr[0], tr[1])
		}
	}
}

func TestSessionTransition(t *testing.T) {
	var seen []string
	s := newSession(func(from, to State) {
		seen = append(seen, from.String()+"->"+to.String())
	})

	if err := s.transition(StateConnecting, StateDisconnected); err != nil {
		t.Fatalf("transition() error = %v", err)
	}
	if err := s.transition(StateConnected, StateConnecting); err != nil {
		t.Fatalf("transition() error = %v", err)
	}

	// Wrong expected source state.
	err := s.transition(StateConnected, StateReconnecting)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("transition() error = %v, want ErrInvalidState", err)
	}

	// Source matches but the machine forbids the move.
	err = s.transition(StateConnecting, StateConnected)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("transition() error = %v, want ErrInvalidState", err)
	}

	if s.current() != StateConnected {
		t.Errorf("current() = %s, want connected", s.current())
	}
	if len(seen) != 2 || seen[0] != "disconnected->connecting" || seen[1] != "connecting->connected" {
		t.Errorf("notifications = %v", seen)
	}
}
