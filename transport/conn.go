package transport

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/codehive/roomsync/internal"
	"github.com/codehive/roomsync/presence"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrConnClosed     = errors.New("connection closed")
)

type Settings struct {
	// WriteTimeout bounds a single frame write. A websocket cannot recover from a write timeout,
	// so the connection is closed.
	WriteTimeout time.Duration
	// ReadTimeout is how long the connection may be silent, pongs included, before it is
	// considered dead.
	ReadTimeout  time.Duration
	PingInterval time.Duration
	// SendBuffer is how many outbound events may be queued for a slow client before further
	// events to it are dropped.
	SendBuffer     int
	MaxMessageSize int64
}

func DefaultSettings() Settings {
	return Settings{
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   20 * time.Second,
		SendBuffer:     64,
		MaxMessageSize: 1 << 20,
	}
}

// Conn is one websocket connection. It implements presence.Sender: events are queued and
// written by a dedicated goroutine so that a broadcast never waits on a slow client.
type Conn struct {
	id       string
	ws       *websocket.Conn
	codec    Codec
	settings Settings
	send     chan *presence.Event

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(id string, ws *websocket.Conn, codec Codec, settings Settings) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:       id,
		ws:       ws,
		codec:    codec,
		settings: settings,
		send:     make(chan *presence.Event, settings.SendBuffer),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (c *Conn) SessionID() string {
	return c.id
}

// Send queues ev without blocking.
func (c *Conn) Send(ev *presence.Event) error {
	select {
	case <-c.ctx.Done():
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- ev:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops the write pump, which sends a close frame and closes the socket. The read loop
// then fails and the session is disconnected.
func (c *Conn) Close() {
	c.closeOnce.Do(c.cancel)
}

// writePump owns all writes to the socket.
func (c *Conn) writePump() {
	defer close(c.done)
	defer c.ws.Close()
	ticker := time.NewTicker(c.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			// flush whatever was queued before the close, e.g the reason for closing
			for len(c.send) > 0 {
				if err := c.write(<-c.send); err != nil {
					return
				}
			}
			c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case ev := <-c.send:
			if err := c.write(ev); err != nil {
				// a write deadline cannot be recovered from
				logger.Debug().Err(err).Str("s", c.id).Msg("write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) write(ev *presence.Event) error {
	data, err := c.codec.Encode(ev)
	if err != nil {
		logger.Error().Err(err).Str("s", c.id).Str("k", ev.Kind).Msg("failed to encode event")
		return nil
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
	return c.ws.WriteMessage(c.codec.MessageType(), data)
}

// readLoop reads frames until the socket fails or the session disconnects. Events are
// dispatched one at a time in arrival order, which is what gives each connection FIFO ordering.
func (c *Conn) readLoop(l *presence.Lifecycle, sess *presence.Session) {
	c.ws.SetReadLimit(c.settings.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		return nil
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				internal.DecorateLogger(sess.Context(), logger.Debug()).Err(err).Msg("connection lost")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		ev, err := c.codec.Decode(data)
		if err != nil {
			c.Send(presence.ErrorEvent("", "", err))
			continue
		}
		if err = l.Dispatcher.Dispatch(sess.Context(), sess, ev); err != nil {
			c.Send(presence.ErrorEvent(ev.Kind, ev.RoomID, err))
		}
		if sess.State() == presence.StateDisconnected {
			return
		}
	}
}
