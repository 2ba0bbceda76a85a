package presence

import (
	"sync"
)

// Registry maps a durable identity to the session it is currently reachable on. It is used for
// targeted (unicast) delivery. Registration is last-write-wins: registering an identity again
// from a new session silently takes over, and the old session is no longer reachable by identity.
//
// A reverse index of session -> identity is kept so a disconnecting session can be removed
// without scanning every entry.
type Registry struct {
	mu                *sync.RWMutex
	identityToSession map[string]string
	sessionToIdentity map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		mu:                &sync.RWMutex{},
		identityToSession: make(map[string]string),
		sessionToIdentity: make(map[string]string),
	}
}

// Register points identity at sessionID, overwriting any previous mapping. Returns the session
// ID which was replaced, or "" if there was none.
func (r *Registry) Register(identity, sessionID string) (replaced string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.identityToSession[identity]; ok && prev != sessionID {
		replaced = prev
		delete(r.sessionToIdentity, prev)
	}
	// the same session re-registering as somebody else drops its old identity, but only if
	// nobody else has claimed that identity since
	if prevIdentity, ok := r.sessionToIdentity[sessionID]; ok && prevIdentity != identity {
		if r.identityToSession[prevIdentity] == sessionID {
			delete(r.identityToSession, prevIdentity)
		}
	}
	r.identityToSession[identity] = sessionID
	r.sessionToIdentity[sessionID] = identity
	return replaced
}

// Lookup returns the session ID currently registered for identity.
func (r *Registry) Lookup(identity string) (sessionID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessionID, ok = r.identityToSession[identity]
	return
}

// RemoveBySession removes the entry pointing at sessionID. If the identity has been
// re-registered on a newer session in the meantime, that newer mapping is left alone.
// Returns the identity that was unregistered.
func (r *Registry) RemoveBySession(sessionID string) (identity string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok = r.sessionToIdentity[sessionID]
	if !ok {
		return "", false
	}
	delete(r.sessionToIdentity, sessionID)
	if r.identityToSession[identity] == sessionID {
		delete(r.identityToSession, identity)
	}
	return identity, true
}

// Len returns the number of registered identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identityToSession)
}

// Close drops every entry. All sessions become unreachable by identity.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identityToSession = make(map[string]string)
	r.sessionToIdentity = make(map[string]string)
}
