package state

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/codehive/roomsync/internal"
	"github.com/codehive/roomsync/sqlutil"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var (
	ErrRoomNotFound         = errors.New("room not found")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrInviteAlreadySent    = errors.New("Invite already sent")
	ErrInviteAnswered       = errors.New("invite has already been answered")
	ErrInvalidMessage       = errors.New("message must have exactly one of room and receiver")
)

// postgres unique_violation
const uniqueViolation = "23505"

// Storage is the durable store: rooms and their member lists, chat and direct messages, and
// invites. It implements presence.PersistenceGateway.
type Storage struct {
	RoomsTable         *RoomsTable
	MessagesTable      *MessagesTable
	NotificationsTable *NotificationsTable
	DB                 *sqlx.DB
}

func NewStorage(postgresURI string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		// TODO: if we panic(), will sentry have a chance to flush the event?
		logger.Panic().Err(err).Msg("failed to open SQL DB")
	}
	return NewStorageWithDB(db)
}

func NewStorageWithDB(db *sqlx.DB) *Storage {
	return &Storage{
		RoomsTable:         NewRoomsTable(db),
		MessagesTable:      NewMessagesTable(db),
		NotificationsTable: NewNotificationsTable(db),
		DB:                 db,
	}
}

// SaveMessage durably records a room chat message or a direct message.
func (s *Storage) SaveMessage(ctx context.Context, msg *internal.Message) error {
	if (msg.RoomID == "") == (msg.Receiver == "") {
		return ErrInvalidMessage
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = internal.Now()
	}
	if err := s.MessagesTable.Insert(ctx, msg); err != nil {
		return fmt.Errorf("SaveMessage: %w", err)
	}
	return nil
}

// SaveNotification durably records an invite. Returns ErrInviteAlreadySent if the same invite
// is still pending.
func (s *Storage) SaveNotification(ctx context.Context, n *internal.Notification) error {
	if n.CreatedAt == 0 {
		n.CreatedAt = internal.Now()
	}
	err := sqlutil.WithTransaction(ctx, s.DB, func(txn *sqlx.Tx) error {
		pending, err := s.NotificationsTable.HasPending(txn, n.Recipient, n.Sender, n.RoomID)
		if err != nil {
			return err
		}
		if pending {
			return ErrInviteAlreadySent
		}
		return s.NotificationsTable.Insert(txn, n)
	})
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		// lost a race with an identical invite
		return ErrInviteAlreadySent
	}
	return err
}

// IsAuthorizedMember returns true if identity is on the member list of roomID.
func (s *Storage) IsAuthorizedMember(ctx context.Context, identity, roomID string) (bool, error) {
	return s.RoomsTable.IsMember(ctx, identity, roomID)
}

// CreateRoom stores a new room whose members are its creator plus room.Members. An ID is
// assigned if the room has none.
func (s *Storage) CreateRoom(ctx context.Context, room *internal.Room) error {
	if room.ID == "" {
		room.ID = uuid.NewString()
	}
	if room.CreatedAt == 0 {
		room.CreatedAt = internal.Now()
	}
	if room.Code == "" {
		room.Code = internal.DefaultRoomCode
	}
	members := append([]string{room.CreatedBy}, room.Members...)
	slices.Sort(members)
	room.Members = slices.Compact(members)
	return sqlutil.WithTransaction(ctx, s.DB, func(txn *sqlx.Tx) error {
		if err := s.RoomsTable.Insert(txn, room); err != nil {
			return fmt.Errorf("CreateRoom: %w", err)
		}
		return s.RoomsTable.AddMembers(txn, room.ID, room.Members)
	})
}

// AddRoomMembers adds identities to the room's member list.
func (s *Storage) AddRoomMembers(ctx context.Context, roomID string, identities ...string) error {
	return sqlutil.WithTransaction(ctx, s.DB, func(txn *sqlx.Tx) error {
		room, err := s.RoomsTable.SelectRoom(txn, roomID)
		if err != nil {
			return err
		}
		if room == nil {
			return ErrRoomNotFound
		}
		return s.RoomsTable.AddMembers(txn, roomID, identities)
	})
}

// Room returns the room with its member list.
func (s *Storage) Room(ctx context.Context, roomID string) (room *internal.Room, err error) {
	err = sqlutil.WithTransaction(ctx, s.DB, func(txn *sqlx.Tx) error {
		room, err = s.RoomsTable.SelectRoom(txn, roomID)
		if err != nil {
			return err
		}
		if room == nil {
			return ErrRoomNotFound
		}
		room.Members, err = s.RoomsTable.Members(txn, roomID)
		return err
	})
	return
}

func (s *Storage) RoomsForUser(ctx context.Context, identity string) ([]internal.Room, error) {
	return s.RoomsTable.SelectRoomsForUser(ctx, identity)
}

// SaveCode overwrites the saved code buffer of the room.
func (s *Storage) SaveCode(ctx context.Context, roomID, code string) error {
	exists, err := s.RoomsTable.UpdateCode(ctx, roomID, code, internal.Now())
	if err != nil {
		return fmt.Errorf("SaveCode: %w", err)
	}
	if !exists {
		return ErrRoomNotFound
	}
	return nil
}

// Code returns the saved code buffer of the room.
func (s *Storage) Code(ctx context.Context, roomID string) (string, error) {
	code, exists, err := s.RoomsTable.SelectCode(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("Code: %w", err)
	}
	if !exists {
		return "", ErrRoomNotFound
	}
	return code, nil
}

// DirectHistory returns the messages exchanged between a and b, oldest first.
func (s *Storage) DirectHistory(ctx context.Context, a, b string, limit int) ([]internal.Message, error) {
	return s.MessagesTable.SelectDirect(ctx, a, b, limit)
}

// RoomHistory returns the chat messages of a room, oldest first.
func (s *Storage) RoomHistory(ctx context.Context, roomID string, limit int) ([]internal.Message, error) {
	return s.MessagesTable.SelectRoom(ctx, roomID, limit)
}

func (s *Storage) MarkDirectRead(ctx context.Context, receiver, sender string) (int64, error) {
	return s.MessagesTable.MarkDirectRead(ctx, receiver, sender)
}

// Notifications returns the recipient's notifications, newest first.
func (s *Storage) Notifications(ctx context.Context, recipient string) ([]internal.Notification, error) {
	return s.NotificationsTable.SelectForRecipient(ctx, recipient)
}

// RespondToInvite accepts or rejects a pending invite. Accepting adds the recipient to the room's
// member list in the same transaction.
func (s *Storage) RespondToInvite(ctx context.Context, notificationID, status string) (n *internal.Notification, err error) {
	if status != internal.NotificationStatusAccepted && status != internal.NotificationStatusRejected {
		return nil, fmt.Errorf("RespondToInvite: invalid status %q", status)
	}
	err = sqlutil.WithTransaction(ctx, s.DB, func(txn *sqlx.Tx) error {
		n, err = s.NotificationsTable.SelectForUpdate(txn, notificationID)
		if err != nil {
			return err
		}
		if n == nil {
			return ErrNotificationNotFound
		}
		if n.Status != internal.NotificationStatusPending {
			return ErrInviteAnswered
		}
		if err = s.NotificationsTable.UpdateStatus(txn, notificationID, status); err != nil {
			return err
		}
		n.Status = status
		if status != internal.NotificationStatusAccepted {
			return nil
		}
		room, err := s.RoomsTable.SelectRoom(txn, n.RoomID)
		if err != nil {
			return err
		}
		if room == nil {
			return ErrRoomNotFound
		}
		return s.RoomsTable.AddMembers(txn, n.RoomID, []string{n.Recipient})
	})
	if err != nil {
		return nil, err
	}
	logger.Info().Str("notification", notificationID).Str("recipient", n.Recipient).Str("room", n.RoomID).Str("status", status).Msg("invite answered")
	return n, nil
}

func (s *Storage) Teardown() {
	err := s.DB.Close()
	if err != nil {
		panic("Storage.Teardown: " + err.Error())
	}
}
