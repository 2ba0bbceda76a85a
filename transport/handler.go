package transport

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/codehive/roomsync/auth"
	"github.com/codehive/roomsync/internal"
	"github.com/codehive/roomsync/presence"
	"github.com/getsentry/sentry-go"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/slices"
)

// Handler upgrades HTTP requests to websocket sessions.
type Handler struct {
	Lifecycle *presence.Lifecycle
	Auth      auth.Authenticator
	Settings  Settings

	upgrader websocket.Upgrader
}

// NewHandler returns a handler accepting connections from allowedOrigins. An origin of "*"
// accepts every origin.
func NewHandler(l *presence.Lifecycle, a auth.Authenticator, settings Settings, allowedOrigins []string) *Handler {
	if a == nil {
		a = auth.Anonymous{}
	}
	h := &Handler{
		Lifecycle: l,
		Auth:      a,
		Settings:  settings,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    Subprotocols,
		CheckOrigin:     checkOrigin(allowedOrigins),
	}
	return h
}

func checkOrigin(allowed []string) func(req *http.Request) bool {
	if slices.Contains(allowed, "*") {
		return func(req *http.Request) bool { return true }
	}
	return func(req *http.Request) bool {
		origin := req.Header.Get("Origin")
		if origin == "" {
			// not a browser
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return slices.Contains(allowed, u.Scheme+"://"+u.Host)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	verified, err := h.Auth.Authenticate(req)
	if err != nil {
		herr := &internal.HandlerError{StatusCode: http.StatusUnauthorized, Err: err}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(herr.StatusCode)
		w.Write(herr.JSON())
		return
	}
	ws, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// the upgrader has already replied
		logger.Debug().Err(err).Str("remote", req.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	conn := newConn(presence.NewSessionID(), ws, CodecForSubprotocol(ws.Subprotocol()), h.Settings)

	hub := sentry.CurrentHub().Clone()
	hub.Scope().SetTag("session", conn.id)
	ctx := sentry.SetHubOnContext(req.Context(), hub)

	sess, err := h.Lifecycle.Connect(ctx, conn, verified)
	if err != nil {
		if errors.Is(err, presence.ErrLifecycleStopped) {
			ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		}
		ws.Close()
		return
	}
	go conn.writePump()
	conn.readLoop(h.Lifecycle, sess)

	// abrupt or clean, every way out of the read loop releases the session
	h.Lifecycle.Disconnect(sess)
	conn.Close()
	<-conn.done
}
