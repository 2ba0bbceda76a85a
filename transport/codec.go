package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/codehive/roomsync/presence"
	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// Websocket subprotocols. A client which does not ask for one gets JSON.
const (
	SubprotocolJSON = "roomsync.json"
	SubprotocolCBOR = "roomsync.cbor"
)

var Subprotocols = []string{SubprotocolJSON, SubprotocolCBOR}

var ErrMalformedEvent = errors.New("malformed event")

// Codec converts events to and from websocket frames.
type Codec interface {
	// MessageType is the websocket frame type events are written as.
	MessageType() int
	Decode(data []byte) (*presence.Event, error)
	Encode(ev *presence.Event) ([]byte, error)
}

// CodecForSubprotocol returns the codec for a negotiated subprotocol.
func CodecForSubprotocol(subprotocol string) Codec {
	if subprotocol == SubprotocolCBOR {
		return cborCodec
	}
	return JSONCodec{}
}

// JSONCodec reads and writes events as flat JSON objects in text frames.
type JSONCodec struct{}

func (JSONCodec) MessageType() int { return websocket.TextMessage }

func (JSONCodec) Decode(data []byte) (*presence.Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedEvent)
	}
	kind := gjson.GetBytes(data, "kind")
	if kind.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformedEvent)
	}
	// don't bother unmarshalling events which will be rejected anyway
	if !presence.IsInboundKind(kind.Str) {
		return nil, fmt.Errorf("%w: %q", presence.ErrUnknownEvent, kind.Str)
	}
	var ev presence.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedEvent, err)
	}
	return &ev, nil
}

func (JSONCodec) Encode(ev *presence.Event) ([]byte, error) {
	return json.Marshal(ev)
}

// CBORCodec reads and writes events as CBOR maps in binary frames, with the same keys as JSON.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var (
	cborCodec          = NewCBORCodec()
	mapStringInterface = reflect.TypeOf(map[string]interface{}(nil))
)

func NewCBORCodec() *CBORCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{
		// so free-form payloads can be re-encoded as JSON for other clients
		DefaultMapType:  mapStringInterface,
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return &CBORCodec{enc: enc, dec: dec}
}

func (c *CBORCodec) MessageType() int { return websocket.BinaryMessage }

func (c *CBORCodec) Decode(data []byte) (*presence.Event, error) {
	var ev presence.Event
	if err := c.dec.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedEvent, err)
	}
	if ev.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformedEvent)
	}
	if !presence.IsInboundKind(ev.Kind) {
		return nil, fmt.Errorf("%w: %q", presence.ErrUnknownEvent, ev.Kind)
	}
	return &ev, nil
}

func (c *CBORCodec) Encode(ev *presence.Event) ([]byte, error) {
	return c.enc.Marshal(ev)
}
