package state

import (
	"context"
	"database/sql"

	"github.com/codehive/roomsync/internal"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// RoomsTable stores rooms, their durable member lists and the last saved code buffer.
// The member list is what authorises a session to join a room's live broadcast set.
type RoomsTable struct {
	db *sqlx.DB
}

func NewRoomsTable(db *sqlx.DB) *RoomsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS roomsync_rooms (
		room_id TEXT NOT NULL PRIMARY KEY,
		name TEXT NOT NULL,
		created_by TEXT NOT NULL,
		code TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		code_updated_at BIGINT NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS roomsync_room_members (
		room_id TEXT NOT NULL REFERENCES roomsync_rooms(room_id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		UNIQUE(room_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS roomsync_room_members_user_idx ON roomsync_room_members(user_id);
	`)
	return &RoomsTable{db}
}

func (t *RoomsTable) Insert(txn *sqlx.Tx, room *internal.Room) error {
	_, err := txn.NamedExec(`
	INSERT INTO roomsync_rooms(room_id, name, created_by, code, created_at, code_updated_at)
	VALUES(:room_id, :name, :created_by, :code, :created_at, :code_updated_at)`, room)
	return err
}

// AddMembers adds identities to the room's member list. Existing members are left alone.
func (t *RoomsTable) AddMembers(txn *sqlx.Tx, roomID string, identities []string) error {
	_, err := txn.Exec(`
	INSERT INTO roomsync_room_members(room_id, user_id)
	SELECT $1, unnest($2::text[])
	ON CONFLICT (room_id, user_id) DO NOTHING`, roomID, pq.StringArray(identities))
	return err
}

func (t *RoomsTable) IsMember(ctx context.Context, identity, roomID string) (bool, error) {
	var isMember bool
	err := t.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM roomsync_room_members WHERE room_id=$1 AND user_id=$2)`, roomID, identity,
	).Scan(&isMember)
	return isMember, err
}

// Members returns the member list of the room, sorted.
func (t *RoomsTable) Members(txn *sqlx.Tx, roomID string) ([]string, error) {
	var members pq.StringArray
	err := txn.QueryRow(
		`SELECT COALESCE(array_agg(user_id ORDER BY user_id), '{}') FROM roomsync_room_members WHERE room_id=$1`, roomID,
	).Scan(&members)
	return members, err
}

// SelectRoom returns the room without its member list, or nil if it does not exist.
func (t *RoomsTable) SelectRoom(txn *sqlx.Tx, roomID string) (*internal.Room, error) {
	var room internal.Room
	err := txn.Get(&room, `SELECT room_id, name, created_by, code, created_at, code_updated_at FROM roomsync_rooms WHERE room_id=$1`, roomID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// SelectRoomsForUser returns every room the identity is a member of, oldest first. Code and
// members are not loaded.
func (t *RoomsTable) SelectRoomsForUser(ctx context.Context, identity string) (rooms []internal.Room, err error) {
	err = t.db.SelectContext(ctx, &rooms, `
	SELECT r.room_id, r.name, r.created_by, r.created_at, r.code_updated_at FROM roomsync_rooms r
	JOIN roomsync_room_members m ON m.room_id = r.room_id
	WHERE m.user_id = $1 ORDER BY r.created_at, r.room_id`, identity)
	return
}

// UpdateCode overwrites the saved code buffer. Returns false if the room does not exist.
func (t *RoomsTable) UpdateCode(ctx context.Context, roomID, code string, at int64) (bool, error) {
	res, err := t.db.ExecContext(ctx, `UPDATE roomsync_rooms SET code=$2, code_updated_at=$3 WHERE room_id=$1`, roomID, code, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SelectCode returns the saved code buffer. Returns false if the room does not exist.
func (t *RoomsTable) SelectCode(ctx context.Context, roomID string) (code string, exists bool, err error) {
	err = t.db.QueryRowContext(ctx, `SELECT code FROM roomsync_rooms WHERE room_id=$1`, roomID).Scan(&code)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	return code, err == nil, err
}
