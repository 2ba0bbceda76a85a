package state

import (
	"context"
	"database/sql"

	"github.com/codehive/roomsync/internal"
	"github.com/jmoiron/sqlx"
)

// MessagesTable stores room chat and direct messages. A row has exactly one of room_id and
// receiver set; the other is empty.
type MessagesTable struct {
	db *sqlx.DB
}

func NewMessagesTable(db *sqlx.DB) *MessagesTable {
	// make sure tables are made
	db.MustExec(`
	CREATE SEQUENCE IF NOT EXISTS roomsync_message_nids_seq;
	CREATE TABLE IF NOT EXISTS roomsync_messages (
		message_nid BIGINT PRIMARY KEY NOT NULL DEFAULT nextval('roomsync_message_nids_seq'),
		message_id TEXT,
		sender TEXT NOT NULL,
		sender_name TEXT NOT NULL DEFAULT '',
		room_id TEXT NOT NULL DEFAULT '',
		receiver TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at BIGINT NOT NULL,
		CHECK ((room_id = '') <> (receiver = ''))
	);
	CREATE INDEX IF NOT EXISTS roomsync_messages_room_idx ON roomsync_messages(room_id, message_nid) WHERE room_id <> '';
	CREATE INDEX IF NOT EXISTS roomsync_messages_direct_idx ON roomsync_messages(sender, receiver, message_nid) WHERE receiver <> '';
	ALTER TABLE roomsync_messages ADD COLUMN IF NOT EXISTS message_id TEXT;
	CREATE UNIQUE INDEX IF NOT EXISTS roomsync_messages_id_idx ON roomsync_messages(message_id);
	`)
	return &MessagesTable{db}
}

// Insert stores the message and sets its NID. A message whose ID is already stored is not
// inserted again: msg gets the NID of the stored row.
func (t *MessagesTable) Insert(ctx context.Context, msg *internal.Message) error {
	err := t.db.QueryRowContext(ctx, `
	INSERT INTO roomsync_messages(message_id, sender, sender_name, room_id, receiver, text, read, created_at)
	VALUES($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (message_id) DO NOTHING RETURNING message_nid`,
		nullIfEmpty(msg.ID), msg.Sender, msg.SenderName, msg.RoomID, msg.Receiver, msg.Text, msg.Read, msg.CreatedAt,
	).Scan(&msg.NID)
	if err == sql.ErrNoRows && msg.ID != "" {
		// an earlier attempt committed
		err = t.db.QueryRowContext(ctx, `SELECT message_nid FROM roomsync_messages WHERE message_id = $1`, msg.ID).Scan(&msg.NID)
	}
	return err
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// SelectDirect returns the latest messages exchanged between a and b in either direction, oldest
// first. A limit <= 0 returns all of them.
func (t *MessagesTable) SelectDirect(ctx context.Context, a, b string, limit int) (msgs []internal.Message, err error) {
	err = t.db.SelectContext(ctx, &msgs, `
	SELECT * FROM (
		SELECT message_nid, COALESCE(message_id, '') AS message_id, sender, sender_name, room_id, receiver, text, read, created_at FROM roomsync_messages
		WHERE receiver <> '' AND ((sender = $1 AND receiver = $2) OR (sender = $2 AND receiver = $1))
		ORDER BY message_nid DESC LIMIT $3
	) AS latest ORDER BY message_nid ASC`, a, b, limitOrNil(limit))
	return
}

// SelectRoom returns the latest chat messages of a room, oldest first. A limit <= 0 returns all
// of them.
func (t *MessagesTable) SelectRoom(ctx context.Context, roomID string, limit int) (msgs []internal.Message, err error) {
	err = t.db.SelectContext(ctx, &msgs, `
	SELECT * FROM (
		SELECT message_nid, COALESCE(message_id, '') AS message_id, sender, sender_name, room_id, receiver, text, read, created_at FROM roomsync_messages
		WHERE room_id = $1
		ORDER BY message_nid DESC LIMIT $2
	) AS latest ORDER BY message_nid ASC`, roomID, limitOrNil(limit))
	return
}

// MarkDirectRead marks every unread message from sender to receiver as read. Returns the number
// of messages updated.
func (t *MessagesTable) MarkDirectRead(ctx context.Context, receiver, sender string) (int64, error) {
	res, err := t.db.ExecContext(ctx,
		`UPDATE roomsync_messages SET read = TRUE WHERE receiver = $1 AND sender = $2 AND NOT read`, receiver, sender,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LIMIT NULL is no limit
func limitOrNil(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}
