package roomsync

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/codehive/roomsync/presence"
	"github.com/codehive/roomsync/state"
	"github.com/codehive/roomsync/testutils"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

var postgresConnectionString = "user=xxxxx dbname=roomsync_test sslmode=disable"

func TestMain(m *testing.M) {
	postgresConnectionString = testutils.PrepareDBConnectionString("roomsync_test_main")
	exitCode := m.Run()
	os.Exit(exitCode)
}

func newTestServer(t *testing.T, mutate func(o *Opts)) (*httptest.Server, *Server) {
	t.Helper()
	opts := DefaultOpts()
	opts.DBURI = postgresConnectionString
	opts.SnapshotDebounce = 20 * time.Millisecond
	opts.PersistWorkers = 2
	if mutate != nil {
		mutate(&opts)
	}
	if err := opts.Validate(); err != nil {
		t.Fatalf("invalid opts: %s", err)
	}
	store := state.NewStorage(postgresConnectionString)
	reg := prometheus.NewRegistry()
	s := Setup(store, opts, reg, reg)
	s.Start()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.Stop()
		store.Teardown()
	})
	return srv, s
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: time.Second}
	ws, resp, err := dialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	if err != nil {
		t.Fatalf("Dial: %s (resp %v)", err, resp)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendJSON(t *testing.T, ws *websocket.Conn, ev map[string]interface{}) {
	t.Helper()
	if err := ws.WriteJSON(ev); err != nil {
		t.Fatalf("WriteJSON: %s", err)
	}
}

func readEvent(t *testing.T, ws *websocket.Conn) *presence.Event {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %s", err)
	}
	var ev presence.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("bad event %s: %s", string(data), err)
	}
	return &ev
}

// roundTrip round trips an event the server always rejects, so that everything sent before it is
// known to have been processed.
func roundTrip(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	sendJSON(t, ws, map[string]interface{}{"kind": "bogus"})
	ev := readEvent(t, ws)
	if ev.Kind != presence.KindError || ev.For != "" {
		t.Fatalf("expected an error for the bogus event, got %+v", ev)
	}
}

func doRequest(t *testing.T, method, url string, body interface{}) (int, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Encode: %s", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %s", err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %s", method, url, err)
	}
	defer res.Body.Close()
	var out bytes.Buffer
	out.ReadFrom(res.Body)
	t.Logf("%s %s => HTTP %d", method, url, res.StatusCode)
	return res.StatusCode, out.Bytes()
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for: %s", msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
