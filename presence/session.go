package presence

import (
	"context"
	"sync"

	"github.com/codehive/roomsync/internal"
	"github.com/oklog/ulid/v2"
)

// Sender is the live side of a session: something which can push events down one connection.
// Send must never block; a full or closed connection drops the event and returns an error.
type Sender interface {
	SessionID() string
	Send(ev *Event) error
	// Close terminates the underlying connection. The transport is expected to call
	// Lifecycle.Disconnect once it notices.
	Close()
}

// NewSessionID returns a fresh, unique, sortable session ID.
func NewSessionID() string {
	return ulid.Make().String()
}

// NewMessageID returns the ID a message keeps across every attempt to save it.
func NewMessageID() string {
	return ulid.Make().String()
}

type State int

const (
	StateConnected State = iota
	StateRegistered
	StateJoined
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Session is one live connection and its ephemeral state. Room membership is not stored here:
// the Router is the only owner of it.
type Session struct {
	ID string

	sender   Sender
	verified string

	mu       sync.Mutex
	ctx      context.Context
	state    State
	identity string
}

func newSession(ctx context.Context, sender Sender, verified string) *Session {
	id := sender.SessionID()
	return &Session{
		ID:       id,
		sender:   sender,
		verified: verified,
		ctx:      internal.SessionContext(ctx, id),
		state:    StateConnected,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the registered identity, or "" before registration.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Verified returns the identity established by the transport when the connection was opened,
// or "" if the connection was not authenticated.
func (s *Session) Verified() string {
	return s.verified
}

// Context returns a logging context decorated with this session's ID and identity.
func (s *Session) Context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// register records the identity, running commit first while holding the session lock so a
// disconnect cannot interleave. Returns false without running commit if the session is already
// disconnected.
func (s *Session) register(identity string, commit func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return false
	}
	commit()
	s.identity = identity
	s.ctx = internal.WithIdentity(s.ctx, identity)
	if s.state == StateConnected {
		s.state = StateRegistered
	}
	return true
}

func (s *Session) setJoined(joined bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected || s.state == StateConnected {
		return
	}
	if joined {
		s.state = StateJoined
	} else {
		s.state = StateRegistered
	}
}

// disconnected moves the session to its terminal state. Returns false if it was already there.
func (s *Session) disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return false
	}
	s.state = StateDisconnected
	return true
}
