// Package api is the REST surface next to the websocket: durable history, rooms, code
// snapshots and invites. Everything here is request/response over the store; live delivery
// happens in the presence package.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/codehive/roomsync/auth"
	"github.com/codehive/roomsync/internal"
	"github.com/codehive/roomsync/pubsub"
	"github.com/codehive/roomsync/state"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/exp/slices"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// maxBodyBytes bounds every JSON request body. Code snapshots are the largest.
const maxBodyBytes = 2 << 20

// Store is the durable state the API reads and writes. *state.Storage implements it.
type Store interface {
	DirectHistory(ctx context.Context, a, b string, limit int) ([]internal.Message, error)
	RoomHistory(ctx context.Context, roomID string, limit int) ([]internal.Message, error)
	MarkDirectRead(ctx context.Context, receiver, sender string) (int64, error)
	CreateRoom(ctx context.Context, room *internal.Room) error
	AddRoomMembers(ctx context.Context, roomID string, identities ...string) error
	Room(ctx context.Context, roomID string) (*internal.Room, error)
	RoomsForUser(ctx context.Context, identity string) ([]internal.Room, error)
	SaveCode(ctx context.Context, roomID, code string) error
	Code(ctx context.Context, roomID string) (string, error)
	SaveNotification(ctx context.Context, n *internal.Notification) error
	Notifications(ctx context.Context, recipient string) ([]internal.Notification, error)
	RespondToInvite(ctx context.Context, notificationID, status string) (*internal.Notification, error)
}

type Handler struct {
	store    Store
	notifier pubsub.Notifier
	auth     auth.Authenticator
}

// NewHandler returns the REST handler. Stored invites are published to notifier on
// pubsub.ChanInvites so that they can be delivered live. If a is nil every request is let in.
func NewHandler(store Store, notifier pubsub.Notifier, a auth.Authenticator) *Handler {
	if a == nil {
		a = auth.Anonymous{}
	}
	return &Handler{
		store:    store,
		notifier: notifier,
		auth:     a,
	}
}

// Register adds the API routes to r under /api.
func (h *Handler) Register(r *mux.Router) {
	s := r.PathPrefix("/api").Subrouter()
	s.Handle("/messages", h.wrap(h.directHistory)).Methods(http.MethodGet)
	s.Handle("/messages/read", h.wrap(h.markRead)).Methods(http.MethodPost)
	s.Handle("/rooms", h.wrap(h.listRooms)).Methods(http.MethodGet)
	s.Handle("/rooms", h.wrap(h.createRoom)).Methods(http.MethodPost)
	s.Handle("/rooms/{roomID}", h.wrap(h.getRoom)).Methods(http.MethodGet)
	s.Handle("/rooms/{roomID}/members", h.wrap(h.addMember)).Methods(http.MethodPost)
	s.Handle("/rooms/{roomID}/messages", h.wrap(h.roomHistory)).Methods(http.MethodGet)
	s.Handle("/rooms/{roomID}/code", h.wrap(h.getCode)).Methods(http.MethodGet)
	s.Handle("/rooms/{roomID}/code", h.wrap(h.saveCode)).Methods(http.MethodPost)
	s.Handle("/notifications", h.wrap(h.listNotifications)).Methods(http.MethodGet)
	s.Handle("/notifications/send", h.wrap(h.sendInvite)).Methods(http.MethodPost)
	s.Handle("/notifications/respond", h.wrap(h.respondToInvite)).Methods(http.MethodPost)
}

type verifiedKey struct{}

// wrap authenticates the request then renders whatever error fn returns as a HandlerError.
func (h *Handler) wrap(fn func(w http.ResponseWriter, req *http.Request) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		verified, err := h.auth.Authenticate(req)
		if err != nil {
			err = &internal.HandlerError{
				StatusCode: http.StatusUnauthorized,
				Err:        err,
			}
		} else {
			req = req.WithContext(context.WithValue(req.Context(), verifiedKey{}, verified))
			err = fn(w, req)
		}
		if err == nil {
			return
		}
		herr, ok := err.(*internal.HandlerError)
		if !ok {
			herr = &internal.HandlerError{
				StatusCode: 500,
				Err:        err,
			}
		}
		if herr.StatusCode >= 500 {
			hlog.FromRequest(req).Err(err).Str("path", req.URL.Path).Msg("request failed")
			internal.CaptureException(req.Context(), err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(herr.StatusCode)
		w.Write(herr.JSON())
	})
}

// actingAs returns the identity a request acts as. If the request was authenticated, any
// identity it names must be the authenticated one.
func actingAs(req *http.Request, claimed string) (string, error) {
	verified, _ := req.Context().Value(verifiedKey{}).(string)
	if verified == "" {
		if claimed == "" {
			return "", internal.BadRequest("missing identity")
		}
		return claimed, nil
	}
	if claimed != "" && claimed != verified {
		return "", &internal.HandlerError{
			StatusCode: http.StatusForbidden,
			Err:        fmt.Errorf("cannot act as %s", claimed),
		}
	}
	return verified, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(b)
	return err
}

func readJSON(w http.ResponseWriter, req *http.Request, v interface{}) error {
	defer req.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(v); err != nil {
		return internal.BadRequest("invalid request body: %s", err)
	}
	return nil
}

func parseIntFromQuery(u *url.URL, param string) (result int, err *internal.HandlerError) {
	val := u.Query().Get(param)
	if val == "" {
		return 0, nil
	}
	result, perr := strconv.Atoi(val)
	if perr != nil || result < 0 {
		return 0, internal.BadRequest("invalid %s: %s", param, val)
	}
	return result, nil
}

// storeError maps the store's sentinel errors to HTTP statuses.
func storeError(err error) error {
	switch {
	case errors.Is(err, state.ErrRoomNotFound):
		return internal.NotFound("Room not found")
	case errors.Is(err, state.ErrNotificationNotFound):
		return internal.NotFound("Notification not found")
	case errors.Is(err, state.ErrInviteAlreadySent):
		return internal.BadRequest("Invite already sent")
	case errors.Is(err, state.ErrInviteAnswered):
		return internal.BadRequest("Invite already answered")
	}
	return err
}

type okResponse struct {
	Message string `json:"message"`
}

func (h *Handler) directHistory(w http.ResponseWriter, req *http.Request) error {
	q := req.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	if to == "" {
		return internal.BadRequest("missing to")
	}
	from, err := actingAs(req, from)
	if err != nil {
		return err
	}
	limit, herr := parseIntFromQuery(req.URL, "limit")
	if herr != nil {
		return herr
	}
	msgs, err := h.store.DirectHistory(req.Context(), from, to, limit)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []internal.Message{}
	}
	return writeJSON(w, 200, msgs)
}

type markReadRequest struct {
	Receiver string `json:"receiver"`
	Sender   string `json:"sender"`
}

func (h *Handler) markRead(w http.ResponseWriter, req *http.Request) error {
	var body markReadRequest
	if err := readJSON(w, req, &body); err != nil {
		return err
	}
	if body.Sender == "" {
		return internal.BadRequest("missing sender")
	}
	receiver, err := actingAs(req, body.Receiver)
	if err != nil {
		return err
	}
	n, err := h.store.MarkDirectRead(req.Context(), receiver, body.Sender)
	if err != nil {
		return err
	}
	return writeJSON(w, 200, struct {
		Updated int64 `json:"updated"`
	}{n})
}

type roomSummary struct {
	RoomID    string `json:"roomId"`
	RoomName  string `json:"roomName"`
	CreatedAt int64  `json:"createdAt"`
}

func (h *Handler) listRooms(w http.ResponseWriter, req *http.Request) error {
	userID, err := actingAs(req, req.URL.Query().Get("userId"))
	if err != nil {
		return err
	}
	rooms, err := h.store.RoomsForUser(req.Context(), userID)
	if err != nil {
		return err
	}
	summaries := make([]roomSummary, 0, len(rooms))
	for _, r := range rooms {
		summaries = append(summaries, roomSummary{
			RoomID:    r.ID,
			RoomName:  r.Name,
			CreatedAt: r.CreatedAt,
		})
	}
	return writeJSON(w, 200, summaries)
}

type createRoomRequest struct {
	Name      string   `json:"name"`
	CreatedBy string   `json:"createdBy"`
	Members   []string `json:"members"`
}

func (h *Handler) createRoom(w http.ResponseWriter, req *http.Request) error {
	var body createRoomRequest
	if err := readJSON(w, req, &body); err != nil {
		return err
	}
	if strings.TrimSpace(body.Name) == "" {
		return internal.BadRequest("missing name")
	}
	creator, err := actingAs(req, body.CreatedBy)
	if err != nil {
		return err
	}
	room := &internal.Room{
		Name:      body.Name,
		CreatedBy: creator,
		Members:   slices.DeleteFunc(body.Members, func(m string) bool { return m == "" }),
	}
	if err := h.store.CreateRoom(req.Context(), room); err != nil {
		return err
	}
	hlog.FromRequest(req).Info().Str("room", room.ID).Str("creator", creator).Int("members", len(room.Members)).Msg("room created")
	return writeJSON(w, http.StatusCreated, room)
}

func (h *Handler) getRoom(w http.ResponseWriter, req *http.Request) error {
	room, err := h.store.Room(req.Context(), mux.Vars(req)["roomID"])
	if err != nil {
		return storeError(err)
	}
	return writeJSON(w, 200, room)
}

type addMemberRequest struct {
	UserID string `json:"userId"`
}

func (h *Handler) addMember(w http.ResponseWriter, req *http.Request) error {
	var body addMemberRequest
	if err := readJSON(w, req, &body); err != nil {
		return err
	}
	if body.UserID == "" {
		return internal.BadRequest("missing userId")
	}
	if err := h.store.AddRoomMembers(req.Context(), mux.Vars(req)["roomID"], body.UserID); err != nil {
		return storeError(err)
	}
	return writeJSON(w, 200, okResponse{"User added to room successfully"})
}

type roomMessage struct {
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	CreatedAt int64  `json:"createdAt"`
}

func (h *Handler) roomHistory(w http.ResponseWriter, req *http.Request) error {
	limit, herr := parseIntFromQuery(req.URL, "limit")
	if herr != nil {
		return herr
	}
	msgs, err := h.store.RoomHistory(req.Context(), mux.Vars(req)["roomID"], limit)
	if err != nil {
		return err
	}
	out := make([]roomMessage, 0, len(msgs))
	for _, m := range msgs {
		sender := m.SenderName
		if sender == "" {
			sender = "Unknown"
		}
		out = append(out, roomMessage{
			Text:      m.Text,
			Sender:    sender,
			CreatedAt: m.CreatedAt,
		})
	}
	return writeJSON(w, 200, out)
}

type codeBody struct {
	Code string `json:"code"`
}

func (h *Handler) getCode(w http.ResponseWriter, req *http.Request) error {
	code, err := h.store.Code(req.Context(), mux.Vars(req)["roomID"])
	if err != nil {
		return storeError(err)
	}
	return writeJSON(w, 200, codeBody{code})
}

func (h *Handler) saveCode(w http.ResponseWriter, req *http.Request) error {
	var body codeBody
	if err := readJSON(w, req, &body); err != nil {
		return err
	}
	if err := h.store.SaveCode(req.Context(), mux.Vars(req)["roomID"], body.Code); err != nil {
		return storeError(err)
	}
	return writeJSON(w, 200, okResponse{"Code saved successfully"})
}

func (h *Handler) listNotifications(w http.ResponseWriter, req *http.Request) error {
	userID, err := actingAs(req, req.URL.Query().Get("userId"))
	if err != nil {
		return err
	}
	ns, err := h.store.Notifications(req.Context(), userID)
	if err != nil {
		return err
	}
	if ns == nil {
		ns = []internal.Notification{}
	}
	return writeJSON(w, 200, ns)
}

type sendInviteRequest struct {
	Recipient  string `json:"recipient"`
	Sender     string `json:"sender"`
	SenderName string `json:"senderName"`
	Room       string `json:"room"`
	RoomName   string `json:"roomName"`
}

func (h *Handler) sendInvite(w http.ResponseWriter, req *http.Request) error {
	var body sendInviteRequest
	if err := readJSON(w, req, &body); err != nil {
		return err
	}
	if body.Recipient == "" || body.Room == "" {
		return internal.BadRequest("missing recipient or room")
	}
	sender, err := actingAs(req, body.Sender)
	if err != nil {
		return err
	}
	n := &internal.Notification{
		Recipient: body.Recipient,
		Sender:    sender,
		RoomID:    body.Room,
	}
	if err := h.store.SaveNotification(req.Context(), n); err != nil {
		return storeError(err)
	}
	// the invite is stored, a failed live delivery only means the recipient sees it on their next fetch
	err = h.notifier.Notify(pubsub.ChanInvites, &pubsub.InviteCreated{
		NotificationID: n.ID,
		Recipient:      n.Recipient,
		Sender:         n.Sender,
		SenderName:     body.SenderName,
		RoomID:         n.RoomID,
		RoomName:       body.RoomName,
	})
	if err != nil {
		hlog.FromRequest(req).Warn().Err(err).Str("notification", n.ID).Msg("failed to publish invite")
	}
	return writeJSON(w, 200, struct {
		Message      string                 `json:"message"`
		Notification *internal.Notification `json:"notification"`
	}{"Invite sent successfully", n})
}

type respondRequest struct {
	NotificationID string `json:"notificationId"`
	Status         string `json:"status"`
}

func (h *Handler) respondToInvite(w http.ResponseWriter, req *http.Request) error {
	var body respondRequest
	if err := readJSON(w, req, &body); err != nil {
		return err
	}
	status := strings.ToLower(body.Status)
	if !slices.Contains([]string{internal.NotificationStatusAccepted, internal.NotificationStatusRejected}, status) {
		return internal.BadRequest("invalid status: %q", body.Status)
	}
	if body.NotificationID == "" {
		return internal.BadRequest("missing notificationId")
	}
	n, err := h.store.RespondToInvite(req.Context(), body.NotificationID, status)
	if err != nil {
		return storeError(err)
	}
	return writeJSON(w, 200, okResponse{"Invite " + n.Status})
}
