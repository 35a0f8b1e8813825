package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"tablequeue/internal/database"
	"tablequeue/internal/models"
)

const day = "2026-02-10"

func newDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "audit.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func resolve(t *testing.T, db *database.DB, id, user string, outcome models.Outcome, joined, resolved time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.InsertEntry(ctx, &models.QueueEntry{
		ID: id, UserID: user, Name: user, Guests: 2, Contact: user, NotificationMethod: models.NotifySMS,
		Hall: models.HallAny, Segment: models.SegmentAny, QueueDate: day, TimeSlot: "07:30-08:50",
		JoinedAt: joined, Status: models.StatusWaiting, UpdatedAt: joined,
	}))
	e, err := db.ResolveEntry(ctx, id, outcome, resolved, false)
	require.NoError(t, err)
	require.NotNil(t, e)
}

func newService(t *testing.T, db *database.DB, now time.Time) *Service {
	t.Helper()
	logger := zerolog.Nop()
	s := NewService(Config{Dir: t.TempDir(), Hour: 3, RetentionDays: 31, Location: time.UTC}, db, db, &logger)
	s.now = func() time.Time { return now }
	return s
}

func TestExportDay(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	joined := time.Date(2026, 2, 10, 6, 0, 0, 0, time.UTC)
	resolve(t, db, "Q1", "U1", models.OutcomeCancelled, joined, joined.Add(20*time.Minute))
	resolve(t, db, "Q2", "U2", models.OutcomeSlotEnded, joined, joined.Add(170*time.Minute))
	require.NoError(t, db.CreateReservation(ctx, &models.Reservation{
		ID: "R1", UserID: "U3", UserName: "Asha", UserPhone: "+91555", TableNumber: 7, TableID: "T007",
		Date: day, TimeSlot: "07:30-08:50", TimeSlotLabel: "7:30 AM – 8:50 AM", Guests: 2,
		Location: "ac hall", Segment: "Back", Status: models.ReservationConfirmed, CreatedAt: joined, UpdatedAt: joined,
	}, joined))

	s := newService(t, db, time.Date(2026, 2, 11, 4, 0, 0, 0, time.UTC))
	path, err := s.ExportDay(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, Filename(day), filepath.Base(path))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{"Summary", "Queue outcomes", "Reservations"}, f.GetSheetList())

	summary, err := f.GetRows("Summary")
	require.NoError(t, err)
	require.Len(t, summary, 2)
	assert.Equal(t, []string{"7:30 AM - 8:50 AM", "0", "0", "0", "1", "1", "1"}, summary[1])

	outcomes, err := f.GetRows("Queue outcomes")
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.Equal(t, "Q1", outcomes[1][0])
	assert.Equal(t, "cancelled", outcomes[1][6])
	assert.Equal(t, "20", outcomes[1][10])

	res, err := f.GetRows("Reservations")
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "R1", res[1][0])
	assert.Equal(t, "7", res[1][5])
}

func TestRunIfDue_OncePerDayAfterHour(t *testing.T) {
	db := newDB(t)
	logger := zerolog.Nop()
	dir := t.TempDir()
	s := NewService(Config{Dir: dir, Hour: 3, RetentionDays: 31, Location: time.UTC}, db, db, &logger)

	now := time.Date(2026, 2, 11, 2, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	assert.False(t, s.RunIfDue(context.Background()), "before the export hour")

	now = now.Add(time.Hour)
	assert.True(t, s.RunIfDue(context.Background()))
	assert.FileExists(t, filepath.Join(dir, Filename(day)))
	assert.False(t, s.RunIfDue(context.Background()), "already ran today")

	now = now.Add(24 * time.Hour)
	assert.True(t, s.RunIfDue(context.Background()))
}

func TestCleanup(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 20, 4, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -40)
	resolve(t, db, "Q1", "U1", models.OutcomeExpired, old, old.Add(time.Minute))

	s := newService(t, db, now)
	stale := filepath.Join(s.config.Dir, Filename("2026-02-01"))
	fresh := filepath.Join(s.config.Dir, Filename("2026-03-19"))
	other := filepath.Join(s.config.Dir, "notes.txt")
	for _, p := range []string{stale, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}

	require.NoError(t, s.Cleanup(ctx))

	history, err := db.ListHistoryByDate(ctx, day)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
}

func TestExcelizeWriter_TruncatesSheetNames(t *testing.T) {
	w, err := NewExcelizeWriter()
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.AddSheet("An extremely long sheet name that Excel rejects", []string{"a", "b"}))
	require.NoError(t, w.AppendRow(1, 2))
	assert.Error(t, w.AppendRow(1, 2, 3))

	sheets := w.file.GetSheetList()
	require.Len(t, sheets, 1)
	assert.Len(t, sheets[0], maxSheetName)
}
