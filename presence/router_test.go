package presence

import (
	"errors"
	"sort"
	"testing"
)

func TestRouter(t *testing.T) {
	r := NewRouter()
	a := newFakeSender("A")
	b := newFakeSender("B")
	c := newFakeSender("C")
	r.Attach(a)
	r.Attach(b)
	r.Attach(c)

	mustJoin(t, r, "A", "room1", true)
	mustJoin(t, r, "A", "room2", true)
	mustJoin(t, r, "B", "room2", true)
	mustJoin(t, r, "C", "room3", true)
	assertEqualSlices(t, "A rooms", r.RoomsForSession("A"), []string{"room1", "room2"})
	assertEqualSlices(t, "room2 members", r.MembersOfRoom("room2"), []string{"A", "B"})
	assertNumEquals(t, r.NumRooms(), 3)

	// dupe joins don't bother it
	mustJoin(t, r, "A", "room2", false)
	assertEqualSlices(t, "room2 members", r.MembersOfRoom("room2"), []string{"A", "B"})

	if !r.Leave("A", "room1") {
		t.Errorf("Leave returned false for a member")
	}
	if r.Leave("A", "room1") {
		t.Errorf("Leave returned true for a non-member")
	}
	assertEqualSlices(t, "A rooms", r.RoomsForSession("A"), []string{"room2"})
	// empty rooms are forgotten
	assertNumEquals(t, r.NumRooms(), 2)

	// bogus values
	assertEqualSlices(t, "unknown rooms", r.RoomsForSession("unknown"), nil)
	assertEqualSlices(t, "unknown members", r.MembersOfRoom("unknown"), nil)
	if _, err := r.Join("unknown", "room1"); !errors.Is(err, ErrSessionNotConnected) {
		t.Errorf("Join for unattached session: got %v want ErrSessionNotConnected", err)
	}

	left := r.Detach("A")
	assertEqualSlices(t, "rooms A left", left, []string{"room2"})
	assertEqualSlices(t, "room2 members", r.MembersOfRoom("room2"), []string{"B"})
	if r.IsAttached("A") {
		t.Errorf("A still attached after Detach")
	}
}

func TestRouterBroadcastToRoom(t *testing.T) {
	r := NewRouter()
	a := newFakeSender("A")
	b := newFakeSender("B")
	outsider := newFakeSender("C")
	r.Attach(a)
	r.Attach(b)
	r.Attach(outsider)
	mustJoin(t, r, "A", "room1", true)
	mustJoin(t, r, "B", "room1", true)
	mustJoin(t, r, "B", "room1", false)

	n := r.BroadcastToRoom("room1", "A", CodeUpdate("x = 1"))
	assertNumEquals(t, n, 1)
	evs := b.Events()
	assertNumEquals(t, len(evs), 1)
	if evs[0].Kind != KindCodeUpdate || *evs[0].Code != "x = 1" {
		t.Errorf("B got %+v", evs[0])
	}
	assertNoEvents(t, a)
	assertNoEvents(t, outsider)

	// a closed connection drops the event without affecting others
	b.Close()
	n = r.BroadcastToRoom("room1", "", CodeUpdate("y"))
	assertNumEquals(t, n, 1) // only A
	assertNumEquals(t, len(a.Events()), 1)

	// unknown rooms deliver nothing
	assertNumEquals(t, r.BroadcastToRoom("nope", "A", CodeUpdate("z")), 0)
}

func TestRouterBroadcastGlobalAndSendTo(t *testing.T) {
	r := NewRouter()
	a := newFakeSender("A")
	b := newFakeSender("B")
	r.Attach(a)
	r.Attach(b)
	mustJoin(t, r, "A", "room1", true)

	// global fan-out ignores rooms and includes everybody
	n := r.BroadcastGlobal(ReceiveMessage(map[string]interface{}{"hello": "world"}))
	assertNumEquals(t, n, 2)
	assertNumEquals(t, len(a.Events()), 1)
	assertNumEquals(t, len(b.Events()), 1)

	if err := r.SendTo("B", NewNotification("alice", "pairing")); err != nil {
		t.Fatalf("SendTo: %s", err)
	}
	assertNumEquals(t, len(b.Events()), 2)
	assertNumEquals(t, len(a.Events()), 1)
	if err := r.SendTo("gone", NewNotification("alice", "pairing")); !errors.Is(err, ErrSessionNotConnected) {
		t.Errorf("SendTo unknown session: got %v want ErrSessionNotConnected", err)
	}
}

func mustJoin(t *testing.T, r *Router, sessionID, roomID string, wantNew bool) {
	t.Helper()
	newlyJoined, err := r.Join(sessionID, roomID)
	if err != nil {
		t.Fatalf("Join(%s, %s): %s", sessionID, roomID, err)
	}
	if newlyJoined != wantNew {
		t.Errorf("Join(%s, %s): got newlyJoined=%v want %v", sessionID, roomID, newlyJoined, wantNew)
	}
}

func assertEqualSlices(t *testing.T, name string, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: slices not equal, length mismatch: got %v , want %v", name, got, want)
	}
	sort.Strings(got)
	sort.Strings(want)
	for i := 0; i < len(got); i++ {
		if got[i] != want[i] {
			t.Errorf("%s: slices not equal, got %v want %v", name, got, want)
		}
	}
}
