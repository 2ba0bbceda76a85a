package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// An abrupt close releases the identity and every room membership.
func TestLifecycleDisconnectCleansUp(t *testing.T) {
	gw := newFakeGateway()
	l := newTestLifecycle(t, gw, false)
	defer l.Stop()
	alice, _ := connect(t, l, "alice", "r1", "r2")
	bob, bobConn := connect(t, l, "bob", "r1")

	l.Disconnect(alice)
	if _, ok := l.Registry.Lookup("alice"); ok {
		t.Errorf("alice still registered after disconnect")
	}
	assertEqualSlices(t, "r1", l.Router.MembersOfRoom("r1"), []string{bob.ID})
	assertNumEquals(t, len(l.Router.MembersOfRoom("r2")), 0)
	assertNumEquals(t, l.Router.NumRooms(), 1)
	assertNumEquals(t, l.NumSessions(), 1)
	if l.Session(alice.ID) != nil {
		t.Errorf("disconnected session is still addressable")
	}
	if alice.State() != StateDisconnected {
		t.Errorf("state %s want disconnected", alice.State())
	}

	// idempotent
	l.Disconnect(alice)
	assertNumEquals(t, l.NumSessions(), 1)

	// nothing is delivered to the closed session
	mustDispatch(t, l, bob, &Event{Kind: KindChatMessage, RoomID: "r1", Message: "anyone?", Sender: "Bob"})
	if l.Dispatcher.DeliverInvite(context.Background(), "alice", "Bob", "r1") {
		t.Errorf("invite delivered to a disconnected identity")
	}
	assertNoEvents(t, bobConn)
}

// A stale session closing must not unregister an identity which has moved on.
func TestLifecycleDisconnectAfterReRegister(t *testing.T) {
	gw := newFakeGateway()
	l := newTestLifecycle(t, gw, false)
	defer l.Stop()
	old, _ := connect(t, l, "bob")
	cur, _ := connect(t, l, "bob")
	l.Disconnect(old)
	assertLookup(t, l.Registry, "bob", cur.ID)
}

// A register that is handled after its session disconnected must not take the identity over.
func TestLifecycleRegisterAfterDisconnect(t *testing.T) {
	gw := newFakeGateway()
	l := newTestLifecycle(t, gw, false)
	defer l.Stop()
	stale, _ := connect(t, l, "")
	cur, _ := connect(t, l, "bob")
	l.Disconnect(stale)

	// past the state check at the top of Dispatch, as if the disconnect landed just after it
	err := l.Dispatcher.onRegister(stale.Context(), stale, &Event{Kind: KindRegister, UserID: "bob"})
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("got %v want %v", err, ErrSessionClosed)
	}
	assertLookup(t, l.Registry, "bob", cur.ID)
	if stale.Identity() != "" {
		t.Errorf("disconnected session took identity %q", stale.Identity())
	}
}

func TestLifecycleStop(t *testing.T) {
	gw := newFakeGateway()
	l := newTestLifecycle(t, gw, false)
	alice, aliceConn := connect(t, l, "alice", "r1")
	_, bobConn := connect(t, l, "bob", "r1")
	mustDispatch(t, l, alice, &Event{Kind: KindChatMessage, RoomID: "r1", Message: "bye", Sender: "Alice"})

	l.Stop()
	assertNumEquals(t, len(gw.Messages()), 1)
	assertNumEquals(t, l.NumSessions(), 0)
	assertNumEquals(t, l.Registry.Len(), 0)
	assertNumEquals(t, l.Router.NumRooms(), 0)
	for _, conn := range []*fakeSender{aliceConn, bobConn} {
		conn.mu.Lock()
		closed := conn.closed
		conn.mu.Unlock()
		if !closed {
			t.Errorf("%s was not closed", conn.id)
		}
	}
	if _, err := l.Connect(context.Background(), newFakeSender(NewSessionID()), ""); !errors.Is(err, ErrLifecycleStopped) {
		t.Errorf("Connect after Stop: got %v want %v", err, ErrLifecycleStopped)
	}
	// writes submitted after Stop fail fast
	task := l.Persister.Submit(context.Background(), "late", func(ctx context.Context) error { return nil }, nil)
	<-task.Done()
	if !errors.Is(task.Err(), ErrPersisterStopped) {
		t.Errorf("got %v want %v", task.Err(), ErrPersisterStopped)
	}
}

func TestLifecycleVerifiedIdentity(t *testing.T) {
	gw := newFakeGateway()
	l := newTestLifecycle(t, gw, false)
	defer l.Stop()
	sess, err := l.Connect(context.Background(), newFakeSender(NewSessionID()), "alice")
	if err != nil {
		t.Fatalf("Connect: %s", err)
	}
	// the verified identity wins over whatever the client claims
	mustDispatch(t, l, sess, &Event{Kind: KindRegister})
	if sess.Identity() != "alice" {
		t.Errorf("identity %q want alice", sess.Identity())
	}
	mustDispatch(t, l, sess, &Event{Kind: KindRegister, UserID: "mallory"})
	if sess.Identity() != "alice" {
		t.Errorf("identity %q want alice", sess.Identity())
	}
	if _, ok := l.Registry.Lookup("mallory"); ok {
		t.Errorf("claimed identity was registered")
	}
}

func TestLifecycleConcurrentSessions(t *testing.T) {
	gw := newFakeGateway()
	l := newTestLifecycle(t, gw, false)
	defer l.Stop()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := l.Connect(context.Background(), newFakeSender(NewSessionID()), "")
			if err != nil {
				t.Errorf("Connect: %s", err)
				return
			}
			for _, ev := range []*Event{
				{Kind: KindRegister, UserID: sess.ID},
				{Kind: KindJoinRoom, RoomID: "busy"},
				{Kind: KindCodeChange, RoomID: "busy", Code: strPtr("x")},
			} {
				if err := l.Dispatcher.Dispatch(sess.Context(), sess, ev); err != nil {
					t.Errorf("Dispatch(%s): %s", ev.Kind, err)
				}
			}
			l.Disconnect(sess)
		}()
	}
	wg.Wait()
	assertNumEquals(t, l.NumSessions(), 0)
	assertNumEquals(t, l.Registry.Len(), 0)
	assertNumEquals(t, l.Router.NumRooms(), 0)
}

func TestLifecycleMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	gw := newFakeGateway()
	l := NewLifecycle(Config{Gateway: gw, Metrics: metrics})
	l.Start()
	defer l.Stop()
	alice, _ := connect(t, l, "alice", "r1")
	connect(t, l, "bob", "r1")
	mustDispatch(t, l, alice, &Event{Kind: KindCodeChange, RoomID: "r1", Code: strPtr("x")})

	if got := testutil.ToFloat64(metrics.numSessions); got != 2 {
		t.Errorf("num_sessions %v want 2", got)
	}
	if got := testutil.ToFloat64(metrics.numRooms); got != 1 {
		t.Errorf("num_rooms %v want 1", got)
	}
	if got := testutil.ToFloat64(metrics.deliveries.WithLabelValues(KindCodeUpdate, deliveryOK)); got != 1 {
		t.Errorf("code-update deliveries %v want 1", got)
	}
	if got := testutil.ToFloat64(metrics.events.WithLabelValues(KindCodeChange, outcomeOK)); got != 1 {
		t.Errorf("code-change events %v want 1", got)
	}
}

// A store that never answers does not hold shutdown past the drain timeout.
func TestLifecycleStopWithHungStore(t *testing.T) {
	gw := newFakeGateway()
	gw.saveDelay = time.Hour
	l := NewLifecycle(Config{
		Gateway:             gw,
		PersistWorkers:      1,
		PersistDrainTimeout: 50 * time.Millisecond,
	})
	l.Start()
	alice, _ := connect(t, l, "alice", "r1")
	mustDispatch(t, l, alice, &Event{Kind: KindChatMessage, RoomID: "r1", Message: "lost", Sender: "Alice"})

	stopped := make(chan struct{})
	go func() {
		l.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop hung on the store")
	}
	assertNumEquals(t, len(gw.Messages()), 0)
}
