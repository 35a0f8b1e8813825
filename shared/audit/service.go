package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tablequeue/internal/models"
	"tablequeue/internal/slotclock"
)

// Config holds configuration for the audit service.
type Config struct {
	// Dir receives one workbook per day.
	Dir string
	// Hour is the local hour at which the previous day is exported.
	Hour int
	// RetentionDays bounds how long history, notifications and workbooks are kept.
	RetentionDays int
	Location      *time.Location
}

func DefaultConfig() Config {
	return Config{Dir: "data/exports", Hour: 3, RetentionDays: 31, Location: time.UTC}
}

// Service exports the previous day once a day and prunes old records.
type Service struct {
	config  Config
	source  Source
	cleaner Cleaner
	writer  func() (SheetWriter, error)
	now     func() time.Time
	logger  *zerolog.Logger

	mu          sync.Mutex
	lastRunDate string
	running     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

func NewService(cfg Config, source Source, cleaner Cleaner, logger *zerolog.Logger) *Service {
	def := DefaultConfig()
	if cfg.Dir == "" {
		cfg.Dir = def.Dir
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = def.RetentionDays
	}
	if cfg.Hour < 0 || cfg.Hour > 23 {
		cfg.Hour = def.Hour
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	l := logger.With().Str("component", "audit").Logger()
	return &Service{
		config:  cfg,
		source:  source,
		cleaner: cleaner,
		writer:  func() (SheetWriter, error) { return NewExcelizeWriter() },
		now:     time.Now,
		logger:  &l,
	}
}

// Start checks once a minute whether the daily run is due.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		s.logger.Info().Int("hour", s.config.Hour).Int("retention_days", s.config.RetentionDays).Msg("audit service started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				s.RunIfDue(ctx)
			}
		}
	}()
}

func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info().Msg("audit service stopped")
}

// RunIfDue exports yesterday and prunes old data, at most once per local day and not
// before the configured hour. It reports whether a run happened.
func (s *Service) RunIfDue(ctx context.Context) bool {
	now := s.now().In(s.config.Location)
	today := now.Format(slotclock.DateLayout)

	s.mu.Lock()
	if now.Hour() < s.config.Hour || s.lastRunDate == today {
		s.mu.Unlock()
		return false
	}
	s.lastRunDate = today
	s.mu.Unlock()

	yesterday := now.AddDate(0, 0, -1).Format(slotclock.DateLayout)
	if path, err := s.ExportDay(ctx, yesterday); err != nil {
		s.logger.Error().Err(err).Str("date", yesterday).Msg("audit export failed")
	} else {
		s.logger.Info().Str("date", yesterday).Str("path", path).Msg("audit export written")
	}
	if err := s.Cleanup(ctx); err != nil {
		s.logger.Error().Err(err).Msg("audit cleanup failed")
	}
	return true
}

var (
	outcomeColumns     = []string{"Entry", "User", "Slot", "Hall", "Segment", "Guests", "Outcome", "Table", "Joined", "Resolved", "Waited (min)"}
	reservationColumns = []string{"Reservation", "User", "Name", "Phone", "Slot", "Table", "Location", "Segment", "Guests", "Status", "Queue entry", "Created"}
	summaryColumns     = []string{"Slot", "Confirmed", "Declined", "Expired", "Cancelled", "Slot ended", "Reservations"}
)

// ExportDay writes the workbook of date into the export directory and returns its path.
func (s *Service) ExportDay(ctx context.Context, date string) (string, error) {
	history, err := s.source.ListHistoryByDate(ctx, date)
	if err != nil {
		return "", fmt.Errorf("list history: %w", err)
	}
	reservations, err := s.source.ListReservationsByDate(ctx, date)
	if err != nil {
		return "", fmt.Errorf("list reservations: %w", err)
	}

	w, err := s.writer()
	if err != nil {
		return "", err
	}
	defer w.Close()

	if err := s.writeSummary(w, history, reservations); err != nil {
		return "", fmt.Errorf("summary sheet: %w", err)
	}

	if err := w.AddSheet("Queue outcomes", outcomeColumns); err != nil {
		return "", err
	}
	loc := s.config.Location
	for _, h := range history {
		waited := int(h.ResolvedAt.Sub(h.JoinedAt).Minutes())
		if err := w.AppendRow(h.EntryID, h.UserID, slotclock.Display(h.TimeSlot), string(h.Hall), string(h.Segment),
			h.Guests, string(h.Outcome), h.TableID, h.JoinedAt.In(loc).Format(time.DateTime),
			h.ResolvedAt.In(loc).Format(time.DateTime), waited); err != nil {
			return "", err
		}
	}

	if err := w.AddSheet("Reservations", reservationColumns); err != nil {
		return "", err
	}
	for _, r := range reservations {
		if err := w.AppendRow(r.ID, r.UserID, r.UserName, r.UserPhone, r.TimeSlotLabel, r.TableNumber,
			r.Location, r.Segment, r.Guests, r.Status, r.QueueEntryID, r.CreatedAt.In(loc).Format(time.DateTime)); err != nil {
			return "", err
		}
	}

	if err := os.MkdirAll(s.config.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}
	path := filepath.Join(s.config.Dir, Filename(date))
	if err := w.SaveToFile(path); err != nil {
		return "", fmt.Errorf("save workbook: %w", err)
	}
	return path, nil
}

type slotTotals struct {
	outcomes     map[models.Outcome]int
	reservations int
}

func (s *Service) writeSummary(w SheetWriter, history []models.HistoryRecord, reservations []models.Reservation) error {
	totals := make(map[string]*slotTotals)
	get := func(slot string) *slotTotals {
		t, ok := totals[slot]
		if !ok {
			t = &slotTotals{outcomes: make(map[models.Outcome]int)}
			totals[slot] = t
		}
		return t
	}
	for _, h := range history {
		get(h.TimeSlot).outcomes[h.Outcome]++
	}
	for _, r := range reservations {
		if r.Status == models.ReservationConfirmed {
			get(r.TimeSlot).reservations++
		}
	}

	slots := make([]string, 0, len(totals))
	for slot := range totals {
		slots = append(slots, slot)
	}
	sort.Strings(slots)

	if err := w.AddSheet("Summary", summaryColumns); err != nil {
		return err
	}
	for _, slot := range slots {
		t := totals[slot]
		if err := w.AppendRow(slotclock.Display(slot),
			t.outcomes[models.OutcomeConfirmed], t.outcomes[models.OutcomeDeclined], t.outcomes[models.OutcomeExpired],
			t.outcomes[models.OutcomeCancelled], t.outcomes[models.OutcomeSlotEnded], t.reservations); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup deletes history, notifications and workbooks older than the retention window.
func (s *Service) Cleanup(ctx context.Context) error {
	cutoff := s.now().AddDate(0, 0, -s.config.RetentionDays)

	history, err := s.cleaner.DeleteHistoryBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	notes, err := s.cleaner.DeleteNotificationsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("delete notifications: %w", err)
	}
	files := s.removeOldExports(cutoff.In(s.config.Location).Format(slotclock.DateLayout))

	s.logger.Info().
		Int64("history", history).
		Int64("notifications", notes).
		Int("workbooks", files).
		Int("retention_days", s.config.RetentionDays).
		Msg("cleaned up old audit data")
	return nil
}

// removeOldExports deletes workbooks whose date sorts before cutoffDate.
func (s *Service) removeOldExports(cutoffDate string) int {
	entries, err := os.ReadDir(s.config.Dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Msg("read export directory")
		}
		return 0
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".xlsx") {
			continue
		}
		date := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), ".xlsx")
		if date >= cutoffDate {
			continue
		}
		if err := os.Remove(filepath.Join(s.config.Dir, name)); err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("remove old export")
			continue
		}
		removed++
	}
	return removed
}
