package migrations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upDedupePendingInvites, downDedupePendingInvites)
}

// Invites used to be deduplicated only by checking for a pending row before inserting, which two
// concurrent sends could both pass. Reject all but the oldest of each set of identical pending
// invites, then enforce it with a partial unique index.
func upDedupePendingInvites(ctx context.Context, tx *sql.Tx) error {
	exists, err := tableExists(tx, "roomsync_notifications")
	if err != nil {
		return err
	}
	if !exists {
		// fresh database, the table is created with the index
		return nil
	}
	res, err := tx.ExecContext(ctx, `
	UPDATE roomsync_notifications SET status = 'rejected'
	WHERE status = 'pending' AND notification_id IN (
		SELECT notification_id FROM (
			SELECT notification_id, row_number() OVER (
				PARTITION BY recipient, sender, room_id ORDER BY created_at, notification_id
			) AS n
			FROM roomsync_notifications WHERE status = 'pending'
		) AS ranked WHERE n > 1
	)`)
	if err != nil {
		return fmt.Errorf("failed to reject duplicate invites: %w", err)
	}
	ra, _ := res.RowsAffected()
	logger.Info().Int64("num_invites", ra).Msg("rejected duplicate pending invites")

	_, err = tx.ExecContext(ctx, `
	CREATE UNIQUE INDEX IF NOT EXISTS roomsync_notifications_pending_idx ON roomsync_notifications(recipient, sender, room_id)
		WHERE status = 'pending';
	`)
	return err
}

func downDedupePendingInvites(ctx context.Context, tx *sql.Tx) error {
	// the rejected duplicates cannot be told apart from genuine rejections, so only the index goes
	_, err := tx.ExecContext(ctx, `DROP INDEX IF EXISTS roomsync_notifications_pending_idx`)
	return err
}
