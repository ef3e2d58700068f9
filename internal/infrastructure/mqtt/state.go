package mqtt

import (
	"fmt"
	"slices"
	"sync"
)

// State is the lifecycle state of the broker session.
type State uint32

// Session states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateReconnecting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// allowedTransitions is the session state machine.
var allowedTransitions = map[State][]State{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateConnected, StateDisconnected},
	StateConnected:     {StateReconnecting, StateDisconnecting},
	StateReconnecting:  {StateConnected, StateDisconnecting},
	StateDisconnecting: {StateDisconnected},
}

// CanTransition reports whether the state machine allows moving from one state to another.
func CanTransition(from, to State) bool {
	return slices.Contains(allowedTransitions[from], to)
}

// session holds the single State of a ConnectionManager.
//
// Transitions are totally ordered under mu. notify runs while mu is held,
// so observers see transitions in the order they happened and must not
// call back into the session.
type session struct {
	mu     sync.Mutex
	state  State
	notify func(from, to State)
	// changed is closed and replaced on every transition.
	changed chan struct{}
}

func newSession(notify func(from, to State)) *session {
	return &session{state: StateDisconnected, notify: notify, changed: make(chan struct{})}
}

// watch returns the current state and a channel closed on the next transition.
func (s *session) watch() (State, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.changed
}

func (s *session) current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves to the target state if the current state is one of from
// and the state machine allows the move.
func (s *session) transition(to State, from ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	if !slices.Contains(from, prev) || !CanTransition(prev, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, prev, to)
	}

	s.state = to
	close(s.changed)
	s.changed = make(chan struct{})
	if s.notify != nil {
		s.notify(prev, to)
	}
	return nil
}
