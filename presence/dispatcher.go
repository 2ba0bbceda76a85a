package presence

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/codehive/roomsync/internal"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// how long a join may wait on the durable member list before it is rejected
const authorizeTimeout = 5 * time.Second

// Dispatcher decodes nothing itself: the transport hands it typed events, in arrival order, one
// connection at a time. It drives each session through Connected -> Registered -> Joined ->
// Disconnected and routes every event to the registry, the router or the persister.
//
// Room-scoped events are broadcast before their durable write is even queued, so broadcast
// latency never depends on the store.
type Dispatcher struct {
	registry   *Registry
	router     *Router
	persister  *Persister
	gateway    PersistenceGateway
	identities IdentityProvider
	code       CodeObserver
	lifecycle  *Lifecycle
	metrics    *Metrics

	// AuthorizeJoins makes join-room consult the durable member list. When false, any
	// registered session may join any room it can name.
	AuthorizeJoins bool
}

// Dispatch handles one inbound event for sess. A non-nil error means the event was rejected and
// had no effect; it should be reported to this session only.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *Session, ev *Event) (err error) {
	ctx = internal.EventContext(ctx, ev.Kind, ev.RoomID)
	defer func() {
		panicErr := recover()
		if panicErr != nil {
			err = fmt.Errorf("panic: %s", panicErr)
			logger.Error().Msg(string(debug.Stack()))
			internal.GetSentryHubFromContextOrDefault(ctx).RecoverWithContext(ctx, panicErr)
		}
		outcome := outcomeOK
		if err != nil {
			outcome = outcomeError
			if IsAuthorizationError(err) {
				outcome = outcomeRejected
			}
			internal.DecorateLogger(ctx, logger.Debug()).Err(err).Msg("event rejected")
		}
		d.metrics.event(ev.Kind, outcome)
	}()
	ctx, task := internal.StartTask(ctx, "Dispatch."+ev.Kind)
	defer task.End()

	if sess.State() == StateDisconnected {
		return ErrSessionClosed
	}
	switch ev.Kind {
	case KindRegister:
		err = d.onRegister(ctx, sess, ev)
	case KindJoinRoom:
		err = d.onJoinRoom(ctx, sess, ev)
	case KindLeaveRoom:
		err = d.onLeaveRoom(ctx, sess, ev)
	case KindCodeChange:
		err = d.onCodeChange(ctx, sess, ev)
	case KindCursorMove:
		err = d.onCursorMove(ctx, sess, ev)
	case KindChatMessage:
		err = d.onChatMessage(ctx, sess, ev)
	case KindPrivateMessage:
		err = d.onPrivateMessage(ctx, sess, ev)
	case KindMessage:
		d.router.BroadcastGlobal(ReceiveMessage(ev.Data))
	case KindSendInvite:
		err = d.onSendInvite(ctx, sess, ev)
	case KindDisconnect:
		d.lifecycle.Disconnect(sess)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}
	task.SetError(err)
	return err
}

func (d *Dispatcher) onRegister(ctx context.Context, sess *Session, ev *Event) error {
	identity, err := d.identities.Identify(sess.Verified(), ev.UserID)
	if err != nil {
		return err
	}
	var replaced string
	registered := sess.register(identity, func() {
		replaced = d.registry.Register(identity, sess.ID)
	})
	if !registered {
		// a disconnected session must never take over a live session's identity
		return ErrSessionClosed
	}
	if replaced != "" {
		internal.DecorateLogger(ctx, logger.Info()).Str("identity", identity).Str("replaced", replaced).Msg("identity moved to a new session")
	}
	d.lifecycle.updateGauges()
	return nil
}

// registeredIdentity returns the identity of sess, checking any identity the event names
// against it.
func (d *Dispatcher) registeredIdentity(sess *Session, named string) (string, error) {
	identity := sess.Identity()
	if identity == "" {
		return "", ErrNotRegistered
	}
	if named != "" && named != identity {
		return "", ErrIdentityMismatch
	}
	return identity, nil
}

func (d *Dispatcher) onJoinRoom(ctx context.Context, sess *Session, ev *Event) error {
	identity, err := d.registeredIdentity(sess, ev.UserID)
	if err != nil {
		return err
	}
	if ev.RoomID == "" {
		return missingField("roomId")
	}
	if d.AuthorizeJoins {
		actx, cancel := context.WithTimeout(ctx, authorizeTimeout)
		ok, err := d.gateway.IsAuthorizedMember(actx, identity, ev.RoomID)
		cancel()
		if err != nil {
			// fail closed: without the member list we cannot tell who may listen in
			internal.DecorateLogger(ctx, logger.Error()).Err(err).Msg("failed to check room membership")
			internal.CaptureException(ctx, err)
			return fmt.Errorf("%w: membership could not be checked", ErrNotAuthorized)
		}
		if !ok {
			return ErrNotAuthorized
		}
	}
	newlyJoined, err := d.router.Join(sess.ID, ev.RoomID)
	if err != nil {
		return err
	}
	sess.setJoined(true)
	if newlyJoined {
		internal.DecorateLogger(ctx, logger.Info()).Msg("joined room")
		d.lifecycle.updateGauges()
	}
	return nil
}

func (d *Dispatcher) onLeaveRoom(ctx context.Context, sess *Session, ev *Event) error {
	if ev.RoomID == "" {
		return missingField("roomId")
	}
	if d.router.Leave(sess.ID, ev.RoomID) {
		if len(d.router.RoomsForSession(sess.ID)) == 0 {
			sess.setJoined(false)
		}
		d.lifecycle.updateGauges()
	}
	return nil
}

// requireMember checks that sess may send to roomID. Sending to a room the session has not
// joined would let anybody who can guess a room ID write into it.
func (d *Dispatcher) requireMember(sess *Session, roomID string) error {
	if roomID == "" {
		return missingField("roomId")
	}
	if !d.router.IsMember(sess.ID, roomID) {
		return ErrNotRoomMember
	}
	return nil
}

func (d *Dispatcher) onCodeChange(ctx context.Context, sess *Session, ev *Event) error {
	if err := d.requireMember(sess, ev.RoomID); err != nil {
		return err
	}
	if ev.Code == nil {
		return missingField("code")
	}
	// last broadcast wins: there is no merge, concurrent edits may clobber each other
	d.router.BroadcastToRoom(ev.RoomID, sess.ID, CodeUpdate(*ev.Code))
	if d.code != nil {
		d.code.OnCodeChange(ev.RoomID, sess.Identity(), *ev.Code)
	}
	return nil
}

func (d *Dispatcher) onCursorMove(ctx context.Context, sess *Session, ev *Event) error {
	if err := d.requireMember(sess, ev.RoomID); err != nil {
		return err
	}
	identity, err := d.registeredIdentity(sess, ev.UserID)
	if err != nil {
		return err
	}
	d.router.BroadcastToRoom(ev.RoomID, sess.ID, CursorUpdate(identity, ev.DisplayName, ev.Position))
	return nil
}

func (d *Dispatcher) onChatMessage(ctx context.Context, sess *Session, ev *Event) error {
	if err := d.requireMember(sess, ev.RoomID); err != nil {
		return err
	}
	identity, err := d.registeredIdentity(sess, ev.UserID)
	if err != nil {
		return err
	}
	if ev.Message == "" {
		return missingField("message")
	}
	// broadcast first; the durable write is independent and never retracts it
	d.router.BroadcastToRoom(ev.RoomID, sess.ID, NewMessage(ev.Sender, ev.Message))
	msg := &internal.Message{
		ID:         NewMessageID(),
		Sender:     identity,
		SenderName: ev.Sender,
		RoomID:     ev.RoomID,
		Text:       ev.Message,
		CreatedAt:  internal.Now(),
	}
	d.persister.Submit(ctx, "save_room_message", func(ctx context.Context) error {
		return d.gateway.SaveMessage(ctx, msg)
	}, nil)
	return nil
}

func (d *Dispatcher) onPrivateMessage(ctx context.Context, sess *Session, ev *Event) error {
	identity, err := d.registeredIdentity(sess, ev.From)
	if err != nil {
		return err
	}
	if ev.To == "" {
		return missingField("to")
	}
	if ev.Message == "" {
		return missingField("message")
	}
	msg := &internal.Message{
		ID:        NewMessageID(),
		Sender:    identity,
		Receiver:  ev.To,
		Text:      ev.Message,
		CreatedAt: internal.Now(),
	}
	senderSessionID := sess.ID
	// the durable record is the source of truth: only deliver live once it exists
	d.persister.Submit(ctx, "save_direct_message", func(ctx context.Context) error {
		return d.gateway.SaveMessage(ctx, msg)
	}, func(err error) {
		if err != nil {
			d.router.SendTo(senderSessionID, ErrorEvent(KindPrivateMessage, "", fmt.Errorf("message was not saved")))
			return
		}
		recipient, ok := d.registry.Lookup(msg.Receiver)
		if !ok {
			// durable only: the recipient sees it next time they fetch history
			d.metrics.delivered(KindPrivateMessage, deliveryOffline)
			return
		}
		d.router.SendTo(recipient, PrivateMessage(msg.Sender, msg.Text))
	})
	return nil
}

func (d *Dispatcher) onSendInvite(ctx context.Context, sess *Session, ev *Event) error {
	if _, err := d.registeredIdentity(sess, ""); err != nil {
		return err
	}
	if ev.Recipient == "" {
		return missingField("recipient")
	}
	d.DeliverInvite(ctx, ev.Recipient, ev.SenderName, ev.RoomName)
	return nil
}

// DeliverInvite pushes a live invite notification to recipient if they are connected. The
// durable notification must already have been written by the caller; if the recipient is not
// connected the live notification is lost, not queued. Returns true if it was handed to a
// connection. Callers get no delivery confirmation beyond that.
func (d *Dispatcher) DeliverInvite(ctx context.Context, recipient, senderName, roomName string) bool {
	sessionID, ok := d.registry.Lookup(recipient)
	if !ok {
		d.metrics.delivered(KindNewNotification, deliveryOffline)
		internal.DecorateLogger(ctx, logger.Trace()).Str("recipient", recipient).Msg("invite recipient offline")
		return false
	}
	return d.router.SendTo(sessionID, NewNotification(senderName, roomName)) == nil
}
