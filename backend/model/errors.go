package model

import "errors"

// Error categories. Package level errors join one of these
// so callers can classify failures with errors.Is.
var (
	ErrProtocol       = errors.New("protocol error")
	ErrAuthentication = errors.New("authentication error")
	ErrConnection     = errors.New("connection error")
	ErrTransfer       = errors.New("transfer error")
	ErrCapacity       = errors.New("capacity error")
)

var (
	ErrInvalidSession = errors.Join(ErrAuthentication, errors.New("invalid session id"))
	ErrUsernameTaken  = errors.Join(ErrAuthentication, errors.New("username already in use"))
	ErrUsernameEmpty  = errors.Join(ErrAuthentication, errors.New("username is required"))
)

// AuthError maps an auth_response failure reason to its error.
func AuthError(reason string) error {
	switch reason {
	case ReasonInvalidSession:
		return ErrInvalidSession
	case ReasonUsernameTaken:
		return ErrUsernameTaken
	case ReasonUsernameEmpty:
		return ErrUsernameEmpty
	}
	return errors.Join(ErrAuthentication, errors.New(reason))
}
