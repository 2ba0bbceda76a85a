package state

import (
	"context"
	"database/sql"

	"github.com/codehive/roomsync/internal"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// NotificationsTable stores invites. At most one invite per (recipient, sender, room) may be
// pending at a time.
type NotificationsTable struct {
	db *sqlx.DB
}

func NewNotificationsTable(db *sqlx.DB) *NotificationsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS roomsync_notifications (
		notification_id TEXT NOT NULL PRIMARY KEY,
		recipient TEXT NOT NULL,
		sender TEXT NOT NULL,
		room_id TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'invite',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS roomsync_notifications_recipient_idx ON roomsync_notifications(recipient, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS roomsync_notifications_pending_idx ON roomsync_notifications(recipient, sender, room_id)
		WHERE status = 'pending';
	`)
	return &NotificationsTable{db}
}

// Insert stores the notification, assigning it an ID if it has none.
func (t *NotificationsTable) Insert(txn *sqlx.Tx, n *internal.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Kind == "" {
		n.Kind = internal.NotificationKindInvite
	}
	if n.Status == "" {
		n.Status = internal.NotificationStatusPending
	}
	_, err := txn.Exec(`
	INSERT INTO roomsync_notifications(notification_id, recipient, sender, room_id, kind, status, created_at)
	VALUES($1, $2, $3, $4, $5, $6, $7)`, n.ID, n.Recipient, n.Sender, n.RoomID, n.Kind, n.Status, n.CreatedAt)
	return err
}

// HasPending returns true if an invite to the same room from the same sender is still pending.
func (t *NotificationsTable) HasPending(txn *sqlx.Tx, recipient, sender, roomID string) (exists bool, err error) {
	err = txn.QueryRow(`SELECT EXISTS(
		SELECT 1 FROM roomsync_notifications WHERE recipient=$1 AND sender=$2 AND room_id=$3 AND status=$4
	)`, recipient, sender, roomID, internal.NotificationStatusPending).Scan(&exists)
	return
}

// SelectForUpdate locks and returns the notification, or nil if it does not exist.
func (t *NotificationsTable) SelectForUpdate(txn *sqlx.Tx, id string) (*internal.Notification, error) {
	var n internal.Notification
	err := txn.Get(&n, `
	SELECT notification_id, recipient, sender, room_id, kind, status, created_at
	FROM roomsync_notifications WHERE notification_id=$1 FOR UPDATE`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (t *NotificationsTable) UpdateStatus(txn *sqlx.Tx, id, status string) error {
	_, err := txn.Exec(`UPDATE roomsync_notifications SET status=$2 WHERE notification_id=$1`, id, status)
	return err
}

// SelectForRecipient returns the recipient's notifications, newest first, with room names.
func (t *NotificationsTable) SelectForRecipient(ctx context.Context, recipient string) (ns []internal.Notification, err error) {
	err = t.db.SelectContext(ctx, &ns, `
	SELECT n.notification_id, n.recipient, n.sender, n.room_id, COALESCE(r.name, '') AS room_name, n.kind, n.status, n.created_at
	FROM roomsync_notifications n LEFT JOIN roomsync_rooms r ON r.room_id = n.room_id
	WHERE n.recipient = $1 ORDER BY n.created_at DESC, n.notification_id`, recipient)
	return
}
