package transport

import (
	"errors"
	"testing"

	"github.com/codehive/roomsync/presence"
	"github.com/gorilla/websocket"
)

func TestJSONCodecDecode(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		want    *presence.Event
		wantErr error
	}{
		{
			name:  "cursor",
			input: `{"kind":"cursor-move","roomId":"r1","userId":"alice","displayName":"Alice","position":{"lineNumber":3,"column":7}}`,
			want: &presence.Event{
				Kind: presence.KindCursorMove, RoomID: "r1", UserID: "alice", DisplayName: "Alice",
				Position: &presence.Position{Line: 3, Column: 7},
			},
		},
		{
			name:  "empty code is still code",
			input: `{"kind":"code-change","roomId":"r1","code":""}`,
			want:  &presence.Event{Kind: presence.KindCodeChange, RoomID: "r1", Code: strPtr("")},
		},
		{name: "not json", input: `{"kind":`, wantErr: ErrMalformedEvent},
		{name: "no kind", input: `{"roomId":"r1"}`, wantErr: ErrMalformedEvent},
		{name: "kind is not a string", input: `{"kind":7}`, wantErr: ErrMalformedEvent},
		{name: "outbound kind", input: `{"kind":"code-update","code":"x"}`, wantErr: presence.ErrUnknownEvent},
		{name: "wrong field type", input: `{"kind":"register","userId":{"a":1}}`, wantErr: ErrMalformedEvent},
	}
	for _, tc := range testCases {
		got, err := JSONCodec{}.Decode([]byte(tc.input))
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("%s: got err %v want %v", tc.name, err, tc.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: Decode returned %s", tc.name, err)
			continue
		}
		assertEventsEqual(t, tc.name, got, tc.want)
	}
}

func TestCBORCodec(t *testing.T) {
	codec := NewCBORCodec()
	if codec.MessageType() != websocket.BinaryMessage {
		t.Errorf("CBOR must use binary frames")
	}
	in := &presence.Event{
		Kind: presence.KindCursorMove, RoomID: "r1", UserID: "alice",
		Position: &presence.Position{Line: 1, Column: 2},
	}
	data, err := codec.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %s", err)
	}
	got, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %s", err)
	}
	assertEventsEqual(t, "cursor", got, in)

	data, _ = codec.Encode(presence.CodeUpdate("x"))
	if _, err = codec.Decode(data); !errors.Is(err, presence.ErrUnknownEvent) {
		t.Errorf("outbound kind: got %v want %v", err, presence.ErrUnknownEvent)
	}
	if _, err = codec.Decode([]byte{0xff, 0x00}); !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("garbage: got %v want %v", err, ErrMalformedEvent)
	}
	data, _ = codec.enc.Marshal(map[string]string{"roomId": "r1"})
	if _, err = codec.Decode(data); !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("no kind: got %v want %v", err, ErrMalformedEvent)
	}
}

func TestCodecForSubprotocol(t *testing.T) {
	if _, ok := CodecForSubprotocol(SubprotocolCBOR).(*CBORCodec); !ok {
		t.Errorf("cbor subprotocol did not give the CBOR codec")
	}
	for _, sp := range []string{"", SubprotocolJSON, "something else"} {
		if _, ok := CodecForSubprotocol(sp).(JSONCodec); !ok {
			t.Errorf("subprotocol %q did not give the JSON codec", sp)
		}
	}
}

func assertEventsEqual(t *testing.T, name string, got, want *presence.Event) {
	t.Helper()
	if got.Kind != want.Kind || got.RoomID != want.RoomID || got.UserID != want.UserID || got.DisplayName != want.DisplayName {
		t.Errorf("%s: got %+v want %+v", name, got, want)
	}
	if (got.Code == nil) != (want.Code == nil) || (got.Code != nil && *got.Code != *want.Code) {
		t.Errorf("%s: got code %v want %v", name, got.Code, want.Code)
	}
	if (got.Position == nil) != (want.Position == nil) || (got.Position != nil && *got.Position != *want.Position) {
		t.Errorf("%s: got position %v want %v", name, got.Position, want.Position)
	}
}

func strPtr(s string) *string {
	return &s
}
