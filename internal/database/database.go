package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// DB is the authoritative store for queue entries, reservations and notifications.
type DB struct {
	*sql.DB
	logger *zerolog.Logger
}

var (
	ErrNotFound               = errors.New("not found")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrNotAvailable           = errors.New("table not available")
	ErrTableHeld              = errors.New("table is under a live hold")
	ErrNotEligible            = errors.New("entry not eligible for an offer")
	ErrDuplicateEntry         = errors.New("user already queued for this slot")
	ErrNotHeld                = errors.New("entry has no outstanding hold")
	ErrHoldExpired            = errors.New("hold expired")
)

// NewDB opens the SQLite file at path and creates tables if they don't exist.
// Transactions take the write lock up front so compare-and-set sequences are atomic.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "database").Logger()
	return &DB{DB: db, logger: &l}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS queue_entries (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			guests INTEGER NOT NULL CHECK (guests >= 1),
			contact TEXT NOT NULL,
			notification_method TEXT NOT NULL DEFAULT 'sms',
			hall TEXT NOT NULL,
			segment TEXT NOT NULL,
			queue_date TEXT NOT NULL,
			time_slot TEXT NOT NULL,
			estimated_wait_minutes INTEGER NOT NULL DEFAULT 0,
			joined_at DATETIME NOT NULL,
			notified_15min INTEGER NOT NULL DEFAULT 0,
			slot_start_notified INTEGER NOT NULL DEFAULT 0,
			table_available INTEGER NOT NULL DEFAULT 0,
			table_confirmed INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'waiting',
			notified_at DATETIME,
			notification_expires_at DATETIME,
			from_reservation_cancellation INTEGER NOT NULL DEFAULT 0,
			offer_reason TEXT NOT NULL DEFAULT '',
			held_table_id TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_partition ON queue_entries(queue_date, time_slot, hall, segment, joined_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_user ON queue_entries(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_status ON queue_entries(status)`,
		// One outstanding offer per user and one offer per table.
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_queue_one_hold_per_user ON queue_entries(user_id) WHERE status = 'notified'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_queue_one_hold_per_table ON queue_entries(queue_date, time_slot, held_table_id) WHERE status = 'notified'`,

		`CREATE TABLE IF NOT EXISTS reservations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			table_number INTEGER NOT NULL,
			table_id TEXT NOT NULL,
			date TEXT NOT NULL,
			time_slot TEXT NOT NULL,
			time_slot_label TEXT NOT NULL,
			guests INTEGER NOT NULL,
			location TEXT NOT NULL,
			segment TEXT NOT NULL,
			user_name TEXT NOT NULL,
			user_phone TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'Confirmed',
			queue_entry_id TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_reservations_entry ON reservations(queue_entry_id) WHERE queue_entry_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_reservations_table ON reservations(date, time_slot, table_id) WHERE status = 'Confirmed'`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_user ON reservations(user_id)`,

		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			reference_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			is_read INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS queue_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			queue_date TEXT NOT NULL,
			time_slot TEXT NOT NULL,
			hall TEXT NOT NULL,
			segment TEXT NOT NULL,
			guests INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			table_id TEXT NOT NULL DEFAULT '',
			joined_at DATETIME NOT NULL,
			resolved_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_resolved ON queue_history(resolved_at)`,
		`CREATE INDEX IF NOT EXISTS idx_history_date ON queue_history(queue_date)`,
	}

	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("exec migration %s: %w", trimSQL(q), err)
		}
	}
	return nil
}

func trimSQL(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}

// withTx runs fn inside a write transaction and commits when fn returns nil.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err came from a UNIQUE constraint.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
