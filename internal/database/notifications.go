package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tablequeue/internal/models"
)

func (db *DB) CreateNotification(ctx context.Context, n *models.Notification) error {
	_, err := db.ExecContext(ctx, `INSERT INTO notifications
		(id, user_id, type, title, message, reference_id, created_at, is_read)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, n.ReferenceID, n.CreatedAt.UTC(), boolInt(n.IsRead))
	return err
}

// ListNotifications returns a user's notifications, newest first.
func (db *DB) ListNotifications(ctx context.Context, userID string, unreadOnly bool) ([]models.Notification, error) {
	query := `SELECT id, user_id, type, title, message, reference_id, created_at, is_read
		FROM notifications WHERE user_id = ?`
	if unreadOnly {
		query += " AND is_read = 0"
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.ReferenceID, &n.CreatedAt, &n.IsRead); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (db *DB) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, "UPDATE notifications SET is_read = 1 WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := db.QueryRowContext(ctx, "SELECT 1 FROM notifications WHERE id = ?", id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// DeleteNotificationsBefore drops notifications older than cutoff.
func (db *DB) DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM notifications WHERE created_at < ?", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
