// Package audit exports the day's queue outcomes and reservations to Excel and prunes
// records past their retention window.
package audit

import (
	"context"
	"fmt"
	"io"
	"time"

	"tablequeue/internal/models"
)

// Source reads the records of one calendar date.
type Source interface {
	ListHistoryByDate(ctx context.Context, date string) ([]models.HistoryRecord, error)
	ListReservationsByDate(ctx context.Context, date string) ([]models.Reservation, error)
}

// Cleaner prunes old history and notifications.
type Cleaner interface {
	DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SheetWriter builds a workbook one sheet at a time.
type SheetWriter interface {
	// AddSheet starts a sheet with a bold, frozen header row.
	AddSheet(name string, columns []string) error
	AppendRow(values ...any) error
	Save(w io.Writer) error
	SaveToFile(path string) error
	Close() error
}

const filePrefix = "tablequeue_audit_"

// Filename names the export of a date, e.g. "tablequeue_audit_2026-02-10.xlsx".
func Filename(date string) string {
	return fmt.Sprintf("%s%s.xlsx", filePrefix, date)
}
