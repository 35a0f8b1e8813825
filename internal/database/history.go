package database

import (
	"context"
	"time"

	"tablequeue/internal/models"
)

// ListHistoryByDate returns the outcomes recorded for entries of a queue date.
func (db *DB) ListHistoryByDate(ctx context.Context, date string) ([]models.HistoryRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, entry_id, user_id, queue_date, time_slot, hall, segment,
		guests, outcome, table_id, joined_at, resolved_at
		FROM queue_history WHERE queue_date = ? ORDER BY resolved_at ASC, id ASC`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.HistoryRecord
	for rows.Next() {
		var h models.HistoryRecord
		if err := rows.Scan(&h.ID, &h.EntryID, &h.UserID, &h.QueueDate, &h.TimeSlot, &h.Hall, &h.Segment,
			&h.Guests, &h.Outcome, &h.TableID, &h.JoinedAt, &h.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// DeleteHistoryBefore prunes history rows resolved before cutoff.
func (db *DB) DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM queue_history WHERE resolved_at < ?", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
