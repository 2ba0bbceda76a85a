package presence

// Inbound event kinds, sent by clients.
const (
	KindRegister       = "register"
	KindJoinRoom       = "join-room"
	KindLeaveRoom      = "leave-room"
	KindCodeChange     = "code-change"
	KindCursorMove     = "cursor-move"
	KindChatMessage    = "chat-message"
	KindPrivateMessage = "private-message"
	KindMessage        = "message"
	KindSendInvite     = "send-invite"
	KindDisconnect     = "disconnect"
)

// Outbound event kinds, sent to clients. A private message is delivered under the same kind it
// was sent with.
const (
	KindCodeUpdate      = "code-update"
	KindCursorUpdate    = "cursor-update"
	KindNewMessage      = "new-message"
	KindReceiveMessage  = "receive-message"
	KindNewNotification = "new-notification"
	KindError           = "error"
)

var inboundKinds = map[string]struct{}{
	KindRegister:       {},
	KindJoinRoom:       {},
	KindLeaveRoom:      {},
	KindCodeChange:     {},
	KindCursorMove:     {},
	KindChatMessage:    {},
	KindPrivateMessage: {},
	KindMessage:        {},
	KindSendInvite:     {},
	KindDisconnect:     {},
}

// IsInboundKind returns true if clients are allowed to send events of this kind.
func IsInboundKind(kind string) bool {
	_, ok := inboundKinds[kind]
	return ok
}

// Position is a cursor location in the shared buffer.
type Position struct {
	Line   int `json:"lineNumber"`
	Column int `json:"column"`
}

// Event is a named payload travelling over a session in either direction. There is no envelope
// beyond Kind, and no sequence number: which fields are meaningful depends on Kind.
type Event struct {
	Kind        string      `json:"kind"`
	RoomID      string      `json:"roomId,omitempty"`
	UserID      string      `json:"userId,omitempty"`
	Code        *string     `json:"code,omitempty"`
	Message     string      `json:"message,omitempty"`
	Sender      string      `json:"sender,omitempty"`
	From        string      `json:"from,omitempty"`
	To          string      `json:"to,omitempty"`
	DisplayName string      `json:"displayName,omitempty"`
	Position    *Position   `json:"position,omitempty"`
	Recipient   string      `json:"recipient,omitempty"`
	SenderName  string      `json:"senderName,omitempty"`
	RoomName    string      `json:"roomName,omitempty"`
	Data        interface{} `json:"data,omitempty"`
	For         string      `json:"for,omitempty"`
	Error       string      `json:"error,omitempty"`
}

func CodeUpdate(code string) *Event {
	return &Event{
		Kind: KindCodeUpdate,
		Code: &code,
	}
}

func CursorUpdate(userID, displayName string, pos *Position) *Event {
	return &Event{
		Kind:        KindCursorUpdate,
		UserID:      userID,
		DisplayName: displayName,
		Position:    pos,
	}
}

func NewMessage(sender, message string) *Event {
	return &Event{
		Kind:    KindNewMessage,
		Sender:  sender,
		Message: message,
	}
}

func PrivateMessage(from, message string) *Event {
	return &Event{
		Kind:    KindPrivateMessage,
		From:    from,
		Message: message,
	}
}

func ReceiveMessage(data interface{}) *Event {
	return &Event{
		Kind: KindReceiveMessage,
		Data: data,
	}
}

func NewNotification(sender, roomName string) *Event {
	return &Event{
		Kind:     KindNewNotification,
		Sender:   sender,
		RoomName: roomName,
	}
}

// ErrorEvent tells a session that the event it sent was rejected.
func ErrorEvent(forKind, roomID string, err error) *Event {
	return &Event{
		Kind:   KindError,
		For:    forKind,
		RoomID: roomID,
		Error:  err.Error(),
	}
}
