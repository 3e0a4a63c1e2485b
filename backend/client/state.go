package client

import (
	"errors"
	"fmt"
	"time"
)

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
	StateManualRetryRequired
)

var ErrInvalidTransition = errors.New("invalid connection state transition")

var transitions = map[State][]State{
	StateDisconnected:        {StateConnecting},
	StateConnecting:          {StateAuthenticating, StateDisconnected},
	StateAuthenticating:      {StateConnected, StateReconnecting, StateDisconnected},
	StateConnected:           {StateReconnecting, StateDisconnected},
	StateReconnecting:        {StateConnected, StateManualRetryRequired, StateDisconnected},
	StateManualRetryRequired: {StateReconnecting, StateDisconnected},
}

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateManualRetryRequired:
		return "manual_retry_required"
	}
	return "unknown"
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

const maxBackoff = 30 * time.Second

// Backoff returns the delay before automatic reconnect attempt n (1-based):
// 1s, 2s, 4s, 8s and 30s for every attempt after that.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 4 {
		return maxBackoff
	}
	return time.Second << (attempt - 1)
}
