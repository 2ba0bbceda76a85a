package internal

import "time"

// Notification kinds and statuses, as stored durably.
const (
	NotificationKindInvite = "invite"

	NotificationStatusPending  = "pending"
	NotificationStatusAccepted = "accepted"
	NotificationStatusRejected = "rejected"
)

// DefaultRoomCode is the buffer a new room starts with.
const DefaultRoomCode = "console.log('Hello world')"

// Message is a durable chat record. Exactly one of RoomID and Receiver is set: room chat has a
// RoomID, direct messages have a Receiver.
type Message struct {
	NID int64 `db:"message_nid" json:"-"`
	// ID is assigned once when the message is sent, so saving it again is a no-op.
	ID         string `db:"message_id" json:"id,omitempty"`
	Sender     string `db:"sender" json:"sender"`
	SenderName string `db:"sender_name" json:"sender_name,omitempty"`
	RoomID     string `db:"room_id" json:"room_id,omitempty"`
	Receiver   string `db:"receiver" json:"receiver,omitempty"`
	Text       string `db:"text" json:"text"`
	Read       bool   `db:"read" json:"read"`
	CreatedAt  int64  `db:"created_at" json:"created_at"`
}

// IsDirect returns true if this is a 1:1 message rather than room chat.
func (m *Message) IsDirect() bool {
	return m.Receiver != ""
}

// Notification is a durable invite record, created before any live delivery is attempted.
type Notification struct {
	ID        string `db:"notification_id" json:"id"`
	Recipient string `db:"recipient" json:"recipient"`
	Sender    string `db:"sender" json:"sender"`
	RoomID    string `db:"room_id" json:"room_id"`
	// RoomName is filled in when listing, it is not stored with the notification.
	RoomName  string `db:"room_name" json:"room_name,omitempty"`
	Kind      string `db:"kind" json:"type"`
	Status    string `db:"status" json:"status"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

// Room is the durable room record. Members is the authorisation list consulted when a session
// asks to join the room's live broadcast set.
type Room struct {
	ID            string   `db:"room_id" json:"room_id"`
	Name          string   `db:"name" json:"name"`
	CreatedBy     string   `db:"created_by" json:"created_by"`
	Members       []string `db:"-" json:"members"`
	Code          string   `db:"code" json:"code"`
	CreatedAt     int64    `db:"created_at" json:"created_at"`
	CodeUpdatedAt int64    `db:"code_updated_at" json:"code_updated_at"`
}

// Now returns the current time in unix milliseconds, the unit every *_at column uses.
func Now() int64 {
	return time.Now().UnixMilli()
}
