package presence

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownEvent        = errors.New("unknown event kind")
	ErrMissingField        = errors.New("missing field")
	ErrSessionClosed       = errors.New("session is disconnected")
	ErrSessionNotConnected = errors.New("session is not connected")
	ErrPersisterStopped    = errors.New("persister is stopped")
	ErrPersisterBusy       = errors.New("persister backlog is full")
	ErrLifecycleStopped    = errors.New("presence lifecycle is stopped")
)

// Authorization errors. These are returned to the calling session only.
var (
	ErrNotRegistered    = errors.New("session is not registered")
	ErrIdentityMismatch = errors.New("identity does not match the registered identity")
	ErrNotAuthorized    = errors.New("not a member of this room")
	ErrNotRoomMember    = errors.New("session has not joined this room")
)

func missingField(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, name)
}

// IsAuthorizationError returns true if err rejects the caller rather than reporting a fault.
func IsAuthorizationError(err error) bool {
	return errors.Is(err, ErrNotRegistered) ||
		errors.Is(err, ErrIdentityMismatch) ||
		errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, ErrNotRoomMember)
}
