package presence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/codehive/roomsync/internal"
	"github.com/rs/zerolog"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	exitCode := m.Run()
	os.Exit(exitCode)
}

var errTransportClosed = errors.New("closed")

// fakeSender records every event delivered to it.
type fakeSender struct {
	id     string
	mu     sync.Mutex
	events []*Event
	closed bool
	recv   chan *Event
}

func newFakeSender(id string) *fakeSender {
	return &fakeSender{
		id:   id,
		recv: make(chan *Event, 100),
	}
}

func (s *fakeSender) SessionID() string { return s.id }

func (s *fakeSender) Send(ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errTransportClosed
	}
	s.events = append(s.events, ev)
	s.recv <- ev
	return nil
}

func (s *fakeSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSender) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Event(nil), s.events...)
}

func (s *fakeSender) waitFor(t *testing.T, kind string) *Event {
	t.Helper()
	for {
		select {
		case ev := <-s.recv:
			if ev.Kind == kind {
				return ev
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: timed out waiting for %s event", s.id, kind)
			return nil
		}
	}
}

// fakeGateway is an in-memory PersistenceGateway.
type fakeGateway struct {
	mu            sync.Mutex
	messages      []internal.Message
	notifications []internal.Notification
	members       map[string]map[string]bool // room -> identity
	failures      int                        // fail this many SaveMessage calls
	lostAcks      bool                       // failed SaveMessage calls still commit
	attemptIDs    []string
	memberErr     error
	saveDelay     time.Duration
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		members: make(map[string]map[string]bool),
	}
}

func (g *fakeGateway) addMember(roomID string, identities ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.members[roomID] == nil {
		g.members[roomID] = make(map[string]bool)
	}
	for _, identity := range identities {
		g.members[roomID][identity] = true
	}
}

func (g *fakeGateway) SaveMessage(ctx context.Context, msg *internal.Message) error {
	if g.saveDelay > 0 {
		select {
		case <-time.After(g.saveDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attemptIDs = append(g.attemptIDs, msg.ID)
	if g.failures > 0 {
		g.failures--
		if g.lostAcks {
			g.insert(msg)
		}
		return fmt.Errorf("database unavailable")
	}
	g.insert(msg)
	return nil
}

// insert ignores a message ID it already holds, like the real store.
func (g *fakeGateway) insert(msg *internal.Message) {
	for _, m := range g.messages {
		if msg.ID != "" && m.ID == msg.ID {
			return
		}
	}
	g.messages = append(g.messages, *msg)
}

func (g *fakeGateway) AttemptIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.attemptIDs...)
}

func (g *fakeGateway) SaveNotification(ctx context.Context, n *internal.Notification) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notifications = append(g.notifications, *n)
	return nil
}

func (g *fakeGateway) IsAuthorizedMember(ctx context.Context, identity, roomID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.memberErr != nil {
		return false, g.memberErr
	}
	return g.members[roomID][identity], nil
}

func (g *fakeGateway) Messages() []internal.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]internal.Message(nil), g.messages...)
}

func newTestLifecycle(t *testing.T, gw *fakeGateway, authorize bool) *Lifecycle {
	t.Helper()
	l := NewLifecycle(Config{
		Gateway:              gw,
		AuthorizeJoins:       authorize,
		PersistWorkers:       2,
		PersistRetries:       2,
		PersistRetryInterval: time.Millisecond,
	})
	l.Start()
	return l
}

// connect opens a session, registers it and joins the given rooms.
func connect(t *testing.T, l *Lifecycle, identity string, rooms ...string) (*Session, *fakeSender) {
	t.Helper()
	sender := newFakeSender(NewSessionID())
	sess, err := l.Connect(context.Background(), sender, "")
	if err != nil {
		t.Fatalf("Connect: %s", err)
	}
	if identity == "" {
		return sess, sender
	}
	mustDispatch(t, l, sess, &Event{Kind: KindRegister, UserID: identity})
	for _, roomID := range rooms {
		mustDispatch(t, l, sess, &Event{Kind: KindJoinRoom, RoomID: roomID, UserID: identity})
	}
	return sess, sender
}

func mustDispatch(t *testing.T, l *Lifecycle, sess *Session, ev *Event) {
	t.Helper()
	if err := l.Dispatcher.Dispatch(sess.Context(), sess, ev); err != nil {
		t.Fatalf("Dispatch(%s): %s", ev.Kind, err)
	}
}

func assertDispatchErr(t *testing.T, l *Lifecycle, sess *Session, ev *Event, wantErr error) {
	t.Helper()
	err := l.Dispatcher.Dispatch(sess.Context(), sess, ev)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Dispatch(%s): got err %v want %v", ev.Kind, err, wantErr)
	}
}

func assertNoEvents(t *testing.T, s *fakeSender) {
	t.Helper()
	if evs := s.Events(); len(evs) > 0 {
		t.Fatalf("%s: got %d events want none, first is %+v", s.id, len(evs), evs[0])
	}
}

func strPtr(s string) *string {
	return &s
}
