package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tablequeue/internal/models"
)

const reservationColumns = `id, user_id, table_number, table_id, date, time_slot, time_slot_label, guests,
	location, segment, user_name, user_phone, status, queue_entry_id, created_at, updated_at`

func scanReservation(row rowScanner) (*models.Reservation, error) {
	var r models.Reservation
	var entryID sql.NullString
	err := row.Scan(&r.ID, &r.UserID, &r.TableNumber, &r.TableID, &r.Date, &r.TimeSlot, &r.TimeSlotLabel,
		&r.Guests, &r.Location, &r.Segment, &r.UserName, &r.UserPhone, &r.Status, &entryID,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.QueueEntryID = entryID.String
	return &r, nil
}

func insertReservation(ctx context.Context, q querier, r *models.Reservation) error {
	var entryID any
	if r.QueueEntryID != "" {
		entryID = r.QueueEntryID
	}
	if r.Status == "" {
		r.Status = models.ReservationConfirmed
	}
	_, err := q.ExecContext(ctx, `INSERT INTO reservations (`+reservationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.TableNumber, r.TableID, r.Date, r.TimeSlot, r.TimeSlotLabel, r.Guests,
		r.Location, r.Segment, r.UserName, r.UserPhone, r.Status, entryID,
		r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return ErrNotAvailable
	}
	return err
}

func getReservationByEntry(ctx context.Context, q querier, entryID string) (*models.Reservation, error) {
	r, err := scanReservation(q.QueryRowContext(ctx,
		"SELECT "+reservationColumns+" FROM reservations WHERE queue_entry_id = ?", entryID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// CreateReservation stores r. It fails with ErrNotAvailable when the table is already
// reserved for the slot or under another user's live hold.
func (db *DB) CreateReservation(ctx context.Context, r *models.Reservation, now time.Time) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, "SELECT "+entryColumns+` FROM queue_entries
			WHERE status = 'notified' AND queue_date = ? AND time_slot = ? AND held_table_id = ?`,
			r.Date, r.TimeSlot, r.TableID)
		if err != nil {
			return err
		}
		holds, err := scanEntries(rows)
		if err != nil {
			return err
		}
		for _, h := range holds {
			if h.HoldLive(now) && h.UserID != r.UserID {
				return ErrNotAvailable
			}
		}
		return insertReservation(ctx, tx, r)
	})
}

// GetReservation returns a reservation by id or ErrNotFound.
func (db *DB) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	r, err := scanReservation(db.QueryRowContext(ctx,
		"SELECT "+reservationColumns+" FROM reservations WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// GetReservationByEntry returns the reservation created from a queue entry.
func (db *DB) GetReservationByEntry(ctx context.Context, entryID string) (*models.Reservation, error) {
	return getReservationByEntry(ctx, db, entryID)
}

// ListReservations returns a user's reservations, newest first. An empty userID lists all.
func (db *DB) ListReservations(ctx context.Context, userID string) ([]models.Reservation, error) {
	query := "SELECT " + reservationColumns + " FROM reservations"
	var args []any
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY created_at DESC"
	return db.queryReservations(ctx, query, args...)
}

// ListReservationsByDate returns every reservation of a calendar date.
func (db *DB) ListReservationsByDate(ctx context.Context, date string) ([]models.Reservation, error) {
	return db.queryReservations(ctx,
		"SELECT "+reservationColumns+" FROM reservations WHERE date = ? ORDER BY time_slot, table_number", date)
}

// ReservedTables returns the confirmed reservations of a (date, slot).
func (db *DB) ReservedTables(ctx context.Context, date, slot string) ([]models.Reservation, error) {
	return db.queryReservations(ctx, "SELECT "+reservationColumns+` FROM reservations
		WHERE date = ? AND time_slot = ? AND status = 'Confirmed'`, date, slot)
}

func (db *DB) queryReservations(ctx context.Context, query string, args ...any) ([]models.Reservation, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// CancelReservation marks a reservation cancelled. changed is false when it was already
// cancelled.
func (db *DB) CancelReservation(ctx context.Context, id string, now time.Time) (res *models.Reservation, changed bool, err error) {
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		r, err := scanReservation(tx.QueryRowContext(ctx,
			"SELECT "+reservationColumns+" FROM reservations WHERE id = ?", id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		res = r
		if r.Status == models.ReservationCancelled {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE reservations SET status = 'Cancelled', updated_at = ? WHERE id = ?", now.UTC(), id); err != nil {
			return err
		}
		r.Status = models.ReservationCancelled
		r.UpdatedAt = now.UTC()
		changed = true
		return nil
	})
	return res, changed, err
}
