package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tablequeue/internal/models"
	"tablequeue/internal/slotclock"
)

const entryColumns = `id, user_id, name, guests, contact, notification_method, hall, segment,
	queue_date, time_slot, estimated_wait_minutes, joined_at, notified_15min, slot_start_notified,
	table_available, table_confirmed, status, notified_at, notification_expires_at,
	from_reservation_cancellation, offer_reason, held_table_id, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.QueueEntry, error) {
	var e models.QueueEntry
	var notifiedAt, expiresAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.UserID, &e.Name, &e.Guests, &e.Contact, &e.NotificationMethod, &e.Hall, &e.Segment,
		&e.QueueDate, &e.TimeSlot, &e.EstimatedWaitMinutes, &e.JoinedAt, &e.NotifiedAt15Min, &e.SlotStartNotified,
		&e.TableAvailable, &e.TableConfirmed, &e.Status, &notifiedAt, &expiresAt,
		&e.FromReservationCancellation, &e.OfferReason, &e.HeldTableID, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if notifiedAt.Valid {
		t := notifiedAt.Time
		e.NotifiedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		e.NotificationExpiresAt = &t
	}
	e.TimeSlotDisplay = slotclock.Display(e.TimeSlot)
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]models.QueueEntry, error) {
	defer rows.Close()
	var entries []models.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getEntry(ctx context.Context, q querier, id string) (*models.QueueEntry, error) {
	e, err := scanEntry(q.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM queue_entries WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// InsertEntry stores a new waiting entry. A user may hold one active entry per (date, slot).
func (db *DB) InsertEntry(ctx context.Context, e *models.QueueEntry) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM queue_entries
			WHERE user_id = ? AND queue_date = ? AND time_slot = ? AND status IN ('waiting', 'notified')`,
			e.UserID, e.QueueDate, e.TimeSlot,
		).Scan(&count)
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateEntry
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO queue_entries (`+entryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.UserID, e.Name, e.Guests, e.Contact, e.NotificationMethod, e.Hall, e.Segment,
			e.QueueDate, e.TimeSlot, e.EstimatedWaitMinutes, e.JoinedAt.UTC(), boolInt(e.NotifiedAt15Min), boolInt(e.SlotStartNotified),
			boolInt(e.TableAvailable), boolInt(e.TableConfirmed), e.Status, nullTime(e.NotifiedAt), nullTime(e.NotificationExpiresAt),
			boolInt(e.FromReservationCancellation), e.OfferReason, e.HeldTableID, e.UpdatedAt.UTC(),
		)
		if isUniqueViolation(err) {
			return ErrDuplicateEntry
		}
		return err
	})
}

// GetEntry returns an entry by id or ErrNotFound.
func (db *DB) GetEntry(ctx context.Context, id string) (*models.QueueEntry, error) {
	return getEntry(ctx, db, id)
}

// ListEntries returns entries matching filter, oldest join first.
func (db *DB) ListEntries(ctx context.Context, filter models.EntryFilter) ([]models.QueueEntry, error) {
	var where []string
	var args []any
	if filter.QueueDate != "" {
		where = append(where, "queue_date = ?")
		args = append(args, filter.QueueDate)
	}
	if filter.TimeSlot != "" {
		where = append(where, "time_slot = ?")
		args = append(args, filter.TimeSlot)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	statuses := filter.Statuses
	if filter.ActiveOnly && len(statuses) == 0 {
		statuses = []models.EntryStatus{models.StatusWaiting, models.StatusNotified}
	}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = "?"
			args = append(args, s)
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := "SELECT " + entryColumns + " FROM queue_entries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY joined_at ASC, id ASC"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// UpdateEntry applies the bookkeeping fields of patch. State transitions go through
// Offer, ResolveEntry and ConfirmHold instead.
func (db *DB) UpdateEntry(ctx context.Context, id string, patch models.EntryPatch, now time.Time) (*models.QueueEntry, error) {
	var sets []string
	var args []any
	if patch.NotifiedAt15Min != nil {
		sets = append(sets, "notified_15min = ?")
		args = append(args, boolInt(*patch.NotifiedAt15Min))
	}
	if patch.SlotStartNotified != nil {
		sets = append(sets, "slot_start_notified = ?")
		args = append(args, boolInt(*patch.SlotStartNotified))
	}
	if patch.EstimatedWaitMinutes != nil {
		sets = append(sets, "estimated_wait_minutes = ?")
		args = append(args, *patch.EstimatedWaitMinutes)
	}
	if patch.FromReservationCancellation != nil {
		sets = append(sets, "from_reservation_cancellation = ?")
		args = append(args, boolInt(*patch.FromReservationCancellation))
	}
	if patch.NotificationExpiresAt != nil {
		sets = append(sets, "notification_expires_at = ?")
		args = append(args, patch.NotificationExpiresAt.UTC())
	}

	var updated *models.QueueEntry
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if len(sets) > 0 {
			sets = append(sets, "updated_at = ?")
			args = append(args, now.UTC(), id)
			res, err := tx.ExecContext(ctx,
				"UPDATE queue_entries SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrNotFound
			}
		}
		e, err := getEntry(ctx, tx, id)
		if err != nil {
			return err
		}
		updated = e
		return nil
	})
	return updated, err
}

// OfferRequest describes a compare-and-set offer of one table.
type OfferRequest struct {
	Date      string
	Slot      string
	Table     models.Table
	Reason    models.OfferReason
	Now       time.Time
	ExpiresAt time.Time
}

// Offer atomically moves one eligible waiting entry to notified for req.Table.
// It returns ErrNotEligible when no entry qualifies and ErrTableHeld when the table is
// already under another live offer.
func (db *DB) Offer(ctx context.Context, req OfferRequest) (*models.QueueEntry, error) {
	var offered *models.QueueEntry
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var heldBy string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM queue_entries
			WHERE status = 'notified' AND queue_date = ? AND time_slot = ? AND held_table_id = ?`,
			req.Date, req.Slot, req.Table.ID,
		).Scan(&heldBy)
		if err == nil {
			return ErrTableHeld
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var reserved int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM reservations
			WHERE date = ? AND time_slot = ? AND table_id = ? AND status = 'Confirmed'`,
			req.Date, req.Slot, req.Table.ID,
		).Scan(&reserved)
		if err != nil {
			return err
		}
		if reserved > 0 {
			return ErrNotAvailable
		}

		query := "SELECT " + entryColumns + ` FROM queue_entries
			WHERE queue_date = ? AND time_slot = ? AND status = 'waiting' AND table_available = 0
			  AND guests <= ?
			  AND (hall = 'Any' OR hall = ?)
			  AND (segment = 'Any' OR segment = ?)
			  AND user_id NOT IN (SELECT user_id FROM queue_entries WHERE status = 'notified')
			ORDER BY joined_at ASC, id ASC LIMIT 1`
		candidate, err := scanEntry(tx.QueryRowContext(ctx, query,
			req.Date, req.Slot, req.Table.Capacity, req.Table.Hall, req.Table.Segment))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotEligible
		}
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `UPDATE queue_entries
			SET status = 'notified', table_available = 1, notified_at = ?, notification_expires_at = ?,
			    held_table_id = ?, offer_reason = ?, from_reservation_cancellation = ?, updated_at = ?
			WHERE id = ? AND status = 'waiting'`,
			req.Now.UTC(), req.ExpiresAt.UTC(), req.Table.ID, req.Reason,
			boolInt(req.Reason == models.ReasonCancellation), req.Now.UTC(), candidate.ID,
		)
		if isUniqueViolation(err) {
			return ErrConcurrentModification
		}
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrConcurrentModification
		}

		offered, err = getEntry(ctx, tx, candidate.ID)
		return err
	})
	return offered, err
}

// ResolveEntry removes an entry from the ledger and records outcome. It returns nil when
// the entry is already gone. With onlyDueHold set, only a notified entry whose stored
// deadline has passed at now is resolved.
func (db *DB) ResolveEntry(ctx context.Context, id string, outcome models.Outcome, now time.Time, onlyDueHold bool) (*models.QueueEntry, error) {
	var resolved *models.QueueEntry
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		e, err := getEntry(ctx, tx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if onlyDueHold && !e.HoldDue(now) {
			return nil
		}
		if err := retireEntry(ctx, tx, e, outcome, now); err != nil {
			return err
		}
		resolved = e
		return nil
	})
	return resolved, err
}

// ExpireDueHolds forfeits every notified entry whose deadline passed at now. An empty
// userID sweeps all users.
func (db *DB) ExpireDueHolds(ctx context.Context, now time.Time, userID string) ([]models.QueueEntry, error) {
	var expired []models.QueueEntry
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		query := "SELECT " + entryColumns + " FROM queue_entries WHERE status = 'notified'"
		var args []any
		if userID != "" {
			query += " AND user_id = ?"
			args = append(args, userID)
		}
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		held, err := scanEntries(rows)
		if err != nil {
			return err
		}
		for i := range held {
			e := &held[i]
			if !e.HoldDue(now) {
				continue
			}
			if err := retireEntry(ctx, tx, e, models.OutcomeExpired, now); err != nil {
				return err
			}
			expired = append(expired, *e)
		}
		return nil
	})
	return expired, err
}

// LiveHolds returns notified entries of a (date, slot) whose deadline is still ahead.
func (db *DB) LiveHolds(ctx context.Context, date, slot string, now time.Time) ([]models.QueueEntry, error) {
	rows, err := db.QueryContext(ctx, "SELECT "+entryColumns+` FROM queue_entries
		WHERE status = 'notified' AND queue_date = ? AND time_slot = ?`, date, slot)
	if err != nil {
		return nil, err
	}
	held, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	live := held[:0]
	for _, e := range held {
		if e.HoldLive(now) {
			live = append(live, e)
		}
	}
	return live, nil
}

// ConfirmHold converts a live hold into a reservation in one transaction: insert the
// reservation, mark the entry confirmed, then delete it. Repeating the call for the same
// entry returns the reservation created the first time with created set to false.
func (db *DB) ConfirmHold(ctx context.Context, entryID string, build func(e *models.QueueEntry) (*models.Reservation, error), now time.Time) (res *models.Reservation, created bool, err error) {
	// The forfeiture of a due hold is committed even though the call fails.
	var expired bool
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getReservationByEntry(ctx, tx, entryID)
		if err == nil {
			res = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		e, err := getEntry(ctx, tx, entryID)
		if err != nil {
			return err
		}
		if e.Status != models.StatusNotified || e.HeldTableID == "" {
			return ErrNotHeld
		}
		if e.HoldDue(now) {
			if err := retireEntry(ctx, tx, e, models.OutcomeExpired, now); err != nil {
				return err
			}
			expired = true
			return nil
		}

		r, err := build(e)
		if err != nil {
			return err
		}
		r.QueueEntryID = e.ID
		if err := insertReservation(ctx, tx, r); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_entries SET status = 'confirmed', table_confirmed = 1, updated_at = ? WHERE id = ?`,
			now.UTC(), e.ID); err != nil {
			return err
		}
		e.Status = models.StatusConfirmed
		e.TableConfirmed = true
		if err := retireEntry(ctx, tx, e, models.OutcomeConfirmed, now); err != nil {
			return err
		}
		res = r
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if expired {
		return nil, false, ErrHoldExpired
	}
	return res, created, nil
}

// retireEntry deletes e and appends its outcome to queue_history.
func retireEntry(ctx context.Context, q querier, e *models.QueueEntry, outcome models.Outcome, now time.Time) error {
	status := models.StatusCancelled
	switch outcome {
	case models.OutcomeExpired, models.OutcomeSlotEnded:
		status = models.StatusExpired
	case models.OutcomeConfirmed:
		status = models.StatusConfirmed
	}

	if _, err := q.ExecContext(ctx, "DELETE FROM queue_entries WHERE id = ?", e.ID); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if _, err := q.ExecContext(ctx, `INSERT INTO queue_history
		(entry_id, user_id, queue_date, time_slot, hall, segment, guests, outcome, table_id, joined_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.QueueDate, e.TimeSlot, e.Hall, e.Segment, e.Guests, outcome, e.HeldTableID,
		e.JoinedAt.UTC(), now.UTC(),
	); err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	e.Status = status
	e.TableAvailable = e.TableAvailable && outcome == models.OutcomeConfirmed
	return nil
}
