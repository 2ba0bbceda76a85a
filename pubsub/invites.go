package pubsub

// The channel which has Invite* payloads
const ChanInvites = "invites"

type InviteListener interface {
	OnInviteCreated(p *InviteCreated)
}

// InviteCreated is published once an invite has been durably stored, so that it can be pushed
// live to the recipient if they are connected.
type InviteCreated struct {
	NotificationID string
	Recipient      string
	Sender         string
	SenderName     string
	RoomID         string
	RoomName       string
}

func (v InviteCreated) Type() string { return "i" }

type InviteSub struct {
	listener Listener
	receiver InviteListener
}

func NewInviteSub(l Listener, recv InviteListener) *InviteSub {
	return &InviteSub{
		listener: l,
		receiver: recv,
	}
}

func (v *InviteSub) Teardown() {
	v.listener.Close()
}

func (v *InviteSub) onMessage(p Payload) {
	switch p.Type() {
	case InviteCreated{}.Type():
		v.receiver.OnInviteCreated(p.(*InviteCreated))
	default:
		logger.Warn().Str("type", p.Type()).Msg("InviteSub: unknown payload type")
	}
}

// Listen blocks until the listener is closed.
func (v *InviteSub) Listen() error {
	return v.listener.Listen(ChanInvites, v.onMessage)
}
