package presence

import (
	"sync"

	"github.com/codehive/roomsync/internal"
	"golang.org/x/exp/maps"
)

type set map[string]struct{}

// Router tracks which sessions are joined to which rooms and fans events out to them. This is
// critical from a security perspective: only sessions admitted to a room may receive that room's
// events. Membership here is ephemeral and transport-level, distinct from the durable room
// member list which authorises a join in the first place.
//
// Joins are idempotent, a broadcast reaches each member exactly once and never echoes back to
// the sender, and a session's memberships are dropped when it is detached.
type Router struct {
	// map of room_id to joined session IDs, and the reverse
	roomToSessions map[string]set
	sessionToRooms map[string]set
	// every connected session, irrespective of room membership
	senders map[string]Sender
	mu      *sync.RWMutex

	metrics *Metrics
}

func NewRouter() *Router {
	return &Router{
		roomToSessions: make(map[string]set),
		sessionToRooms: make(map[string]set),
		senders:        make(map[string]Sender),
		mu:             &sync.RWMutex{},
	}
}

// Attach makes a connected session addressable by the router.
func (r *Router) Attach(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.senders[s.SessionID()]
	internal.Assert("session IDs are unique", !exists)
	r.senders[s.SessionID()] = s
}

// Detach removes the session from every room and stops delivering to it. Returns the rooms the
// session was a member of.
func (r *Router) Detach(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.senders, sessionID)
	return r.leaveAll(sessionID)
}

// Join adds the session to the room. Returns true if the session was not already a member.
func (r *Router) Join(sessionID, roomID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.senders[sessionID]; !ok {
		return false, ErrSessionNotConnected
	}
	members := r.roomToSessions[roomID]
	if members == nil {
		members = make(set)
		r.roomToSessions[roomID] = members
	}
	if _, exists := members[sessionID]; exists {
		return false, nil
	}
	members[sessionID] = struct{}{}
	rooms := r.sessionToRooms[sessionID]
	if rooms == nil {
		rooms = make(set)
		r.sessionToRooms[sessionID] = rooms
	}
	rooms[roomID] = struct{}{}
	return true, nil
}

// Leave removes the session from one room. Returns true if it was a member.
func (r *Router) Leave(sessionID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.roomToSessions[roomID]
	if _, exists := members[sessionID]; !exists {
		return false
	}
	r.removeMember(sessionID, roomID)
	return true
}

// LeaveAll removes the session from every room it has joined, returning those rooms.
func (r *Router) LeaveAll(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveAll(sessionID)
}

func (r *Router) leaveAll(sessionID string) []string {
	rooms := maps.Keys(r.sessionToRooms[sessionID])
	for _, roomID := range rooms {
		r.removeMember(sessionID, roomID)
	}
	return rooms
}

// removeMember must be called with the lock held. Empty sets are deleted so that neither table
// grows across reconnect cycles.
func (r *Router) removeMember(sessionID, roomID string) {
	members := r.roomToSessions[roomID]
	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.roomToSessions, roomID)
	}
	rooms := r.sessionToRooms[sessionID]
	delete(rooms, roomID)
	if len(rooms) == 0 {
		delete(r.sessionToRooms, sessionID)
	}
}

func (r *Router) IsMember(sessionID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roomToSessions[roomID][sessionID]
	return ok
}

func (r *Router) IsAttached(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.senders[sessionID]
	return ok
}

func (r *Router) RoomsForSession(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Keys(r.sessionToRooms[sessionID])
}

func (r *Router) MembersOfRoom(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Keys(r.roomToSessions[roomID])
}

// NumRooms returns the number of rooms with at least one member.
func (r *Router) NumRooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.roomToSessions)
}

// BroadcastToRoom delivers ev to every member of the room except the sender. Delivery is at most
// once and fire-and-forget. Returns the number of sessions the event was handed to.
func (r *Router) BroadcastToRoom(roomID, senderSessionID string, ev *Event) int {
	// snapshot recipients under the lock, deliver outside it
	r.mu.RLock()
	recipients := make([]Sender, 0, len(r.roomToSessions[roomID]))
	for sessionID := range r.roomToSessions[roomID] {
		if sessionID == senderSessionID {
			continue
		}
		if s, ok := r.senders[sessionID]; ok {
			recipients = append(recipients, s)
		}
	}
	r.mu.RUnlock()
	return r.deliver(recipients, ev)
}

// BroadcastGlobal delivers ev to every connected session, sender included. There is no room
// scoping and no authorisation.
func (r *Router) BroadcastGlobal(ev *Event) int {
	r.mu.RLock()
	recipients := maps.Values(r.senders)
	r.mu.RUnlock()
	return r.deliver(recipients, ev)
}

// SendTo delivers ev to exactly one session.
func (r *Router) SendTo(sessionID string, ev *Event) error {
	r.mu.RLock()
	s, ok := r.senders[sessionID]
	r.mu.RUnlock()
	if !ok {
		r.metrics.delivered(ev.Kind, deliveryOffline)
		return ErrSessionNotConnected
	}
	if err := s.Send(ev); err != nil {
		r.metrics.delivered(ev.Kind, deliveryDropped)
		return err
	}
	r.metrics.delivered(ev.Kind, deliveryOK)
	return nil
}

func (r *Router) deliver(recipients []Sender, ev *Event) int {
	n := 0
	for _, s := range recipients {
		if err := s.Send(ev); err != nil {
			// the connection is full or going away; the client will have to reconnect
			logger.Trace().Err(err).Str("s", s.SessionID()).Str("k", ev.Kind).Msg("dropped event")
			r.metrics.delivered(ev.Kind, deliveryDropped)
			continue
		}
		r.metrics.delivered(ev.Kind, deliveryOK)
		n++
	}
	return n
}
