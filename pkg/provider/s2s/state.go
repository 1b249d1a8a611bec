package s2s

import (
	"fmt"
	"sync"
)

// State is the lifecycle state of a [Session].
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateOpen, StateFailed},
	StateOpen:         {StateClosing, StateFailed},
	StateClosing:      {StateClosed, StateFailed},
}

// StateMachine guards a session's lifecycle. It rejects illegal transitions
// and remembers the error that caused [StateFailed]. It is safe for
// concurrent use.
type StateMachine struct {
	mu       sync.Mutex
	state    State
	err      error
	onChange func(from, to State)
}

// NewStateMachine returns a machine in [StateDisconnected]. onChange, if
// non-nil, is called after each successful transition while the machine's
// lock is not held.
func NewStateMachine(onChange func(from, to State)) *StateMachine {
	return &StateMachine{onChange: onChange}
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the error recorded by [StateMachine.Fail], or nil.
func (m *StateMachine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Transition moves to the given state if the move is legal.
func (m *StateMachine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if !legal(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("s2s: illegal state transition %s → %s", from, to)
	}
	m.state = to
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(from, to)
	}
	return nil
}

// Fail moves a non-terminal session to [StateFailed] and records err. It
// returns false if the session was already terminal; the first recorded error
// wins.
func (m *StateMachine) Fail(err error) bool {
	m.mu.Lock()
	from := m.state
	if from.Terminal() {
		m.mu.Unlock()
		return false
	}
	m.state = StateFailed
	m.err = err
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(from, StateFailed)
	}
	return true
}

// Is reports whether the current state is one of states.
func (m *StateMachine) Is(states ...State) bool {
	cur := m.State()
	for _, s := range states {
		if cur == s {
			return true
		}
	}
	return false
}

func legal(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
