package transfer

import (
	"errors"
	"fmt"
)

type State int

const (
	StatePending State = iota
	StateRunning
	// StateSent: every chunk and file_complete went out, the relay has not
	// confirmed assembly yet.
	StateSent
	StateSuspended
	StateCompleted
	StateFailed
)

var ErrInvalidTransition = errors.New("invalid transfer state transition")

var transitions = map[State][]State{
	StatePending:   {StateRunning, StateSuspended, StateFailed},
	StateRunning:   {StateSuspended, StateSent, StateCompleted, StateFailed},
	StateSent:      {StateCompleted, StateFailed},
	StateSuspended: {StateRunning, StateFailed},
}

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSent:
		return "sent"
	case StateSuspended:
		return "suspended"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Next validates the transition from s to to.
func (s State) Next(to State) (State, error) {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return to, nil
		}
	}
	return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, to)
}
