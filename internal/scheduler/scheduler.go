// Package scheduler runs the single tick loop that expires holds and fires the slot
// triggers for every active queue entry.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tablequeue/internal/availability"
	"tablequeue/internal/hold"
	"tablequeue/internal/metrics"
	"tablequeue/internal/models"
	"tablequeue/internal/notify"
	"tablequeue/internal/slotclock"
)

// Store reads active entries and persists trigger flags.
type Store interface {
	GetEntry(ctx context.Context, id string) (*models.QueueEntry, error)
	ListEntries(ctx context.Context, filter models.EntryFilter) ([]models.QueueEntry, error)
	UpdateEntry(ctx context.Context, id string, patch models.EntryPatch, now time.Time) (*models.QueueEntry, error)
}

// Holds is the part of the hold manager driven by the tick.
type Holds interface {
	ExpireDue(ctx context.Context) ([]models.QueueEntry, error)
	EndSlot(ctx context.Context, entryID string) (*models.QueueEntry, error)
	OfferFreedTable(ctx context.Context, ft hold.FreedTable, reason models.OfferReason) (*models.QueueEntry, error)
}

// Matcher answers the pre-start availability re-check.
type Matcher interface {
	Check(ctx context.Context, q availability.Query) (availability.Result, error)
}

// Config tunes the tick loop.
type Config struct {
	Interval     time.Duration
	NoticeWindow time.Duration
	// Workers bounds the number of entries processed concurrently in one tick.
	Workers int
}

func DefaultConfig() Config {
	return Config{Interval: time.Second, NoticeWindow: DefaultNoticeWindow, Workers: 8}
}

type Scheduler struct {
	cfg      Config
	store    Store
	holds    Holds
	matcher  Matcher
	clock    *slotclock.Clock
	notifier hold.Notifier
	now      func() time.Time
	logger   *zerolog.Logger

	sem      chan struct{}
	inFlight sync.Map

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

func New(cfg Config, store Store, holds Holds, matcher Matcher, clock *slotclock.Clock, notifier hold.Notifier, logger *zerolog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.NoticeWindow <= 0 {
		cfg.NoticeWindow = def.NoticeWindow
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	l := logger.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		holds:    holds,
		matcher:  matcher,
		clock:    clock,
		notifier: notifier,
		now:      time.Now,
		logger:   &l,
		sem:      make(chan struct{}, cfg.Workers),
	}
}

// Start runs the tick loop until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	stopCh, done := s.stopCh, s.done
	s.mu.Unlock()
	defer close(done)

	s.logger.Info().Dur("interval", s.cfg.Interval).Int("workers", s.cfg.Workers).Msg("queue scheduler started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("queue scheduler stopped by context")
			return
		case <-stopCh:
			s.logger.Info().Msg("queue scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop ends the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()
	<-done
}

// Tick forfeits due holds, then evaluates every active entry once. Errors are logged and
// the work is retried on the next tick.
func (s *Scheduler) Tick(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.ObserveTick(time.Since(start)) }()

	if _, err := s.holds.ExpireDue(ctx); err != nil {
		s.logger.Error().Err(err).Msg("expire due holds")
	}

	entries, err := s.store.ListEntries(ctx, models.EntryFilter{ActiveOnly: true})
	if err != nil {
		s.logger.Error().Err(err).Msg("list active entries")
		return
	}
	metrics.SetActiveEntries(len(entries))

	var wg sync.WaitGroup
	for i := range entries {
		e := entries[i]
		if _, busy := s.inFlight.LoadOrStore(e.ID, struct{}{}); busy {
			continue
		}
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			s.inFlight.Delete(e.ID)
			wg.Wait()
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-s.sem }()
			defer s.inFlight.Delete(e.ID)
			s.process(ctx, &e)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) process(ctx context.Context, e *models.QueueEntry) {
	now := s.now()
	w, err := s.clock.Window(e.QueueDate, e.TimeSlot)
	if err != nil {
		s.logger.Warn().Err(err).Str("entry_id", e.ID).Msg("entry has no valid slot window")
		return
	}

	d := EvaluateWithin(e, w, now, s.cfg.NoticeWindow)
	if d.EndSlot {
		if _, err := s.holds.EndSlot(ctx, e.ID); err != nil {
			s.logger.Error().Err(err).Str("entry_id", e.ID).Msg("end slot")
		}
		return
	}

	var patch models.EntryPatch
	if d.StartNotice {
		s.send(ctx, notify.SlotStarted(e))
		patch.SlotStartNotified = ptr(true)
	}
	if d.FifteenMinute {
		if s.recheck(ctx, e) {
			// Only flag once the re-check actually ran.
			patch.NotifiedAt15Min = ptr(true)
		}
	}
	if d.WaitMinutes != e.EstimatedWaitMinutes {
		patch.EstimatedWaitMinutes = ptr(d.WaitMinutes)
	}
	if patch.IsEmpty() {
		return
	}
	if _, err := s.store.UpdateEntry(ctx, e.ID, patch, now); err != nil {
		s.logger.Error().Err(err).Str("entry_id", e.ID).Msg("persist trigger flags")
	}
}

// maxRecheckOffers bounds how many free tables one re-check hands out before giving up.
const maxRecheckOffers = 16

// recheck looks for a free table right before slot start. Every table it finds goes to
// the earliest eligible entry of the slot, which need not be e; e only gets the "no
// table yet" notice when it ends up without a hold.
func (s *Scheduler) recheck(ctx context.Context, e *models.QueueEntry) bool {
	q := availability.Query{
		Date:          e.QueueDate,
		Slot:          e.TimeSlot,
		Guests:        e.Guests,
		Hall:          e.Hall,
		Segment:       e.Segment,
		ExcludeUserID: e.UserID,
	}
	for i := 0; i < maxRecheckOffers; i++ {
		res, err := s.matcher.Check(ctx, q)
		if err != nil {
			s.logger.Warn().Err(err).Str("entry_id", e.ID).Msg("availability re-check failed")
			return false
		}
		if !res.Available {
			break
		}

		held, err := s.holds.OfferFreedTable(ctx, hold.FreedTable{Date: e.QueueDate, Slot: e.TimeSlot, Table: *res.Table}, models.ReasonImmediate)
		if err != nil {
			s.logger.Warn().Err(err).Str("entry_id", e.ID).Msg("immediate offer failed")
			return false
		}
		if held == nil {
			break
		}
		if held.ID == e.ID {
			return true
		}
		s.logger.Debug().Str("entry_id", e.ID).Str("offered_to", held.ID).Str("table_id", res.Table.ID).
			Msg("free table went to an earlier entry")
	}

	cur, err := s.store.GetEntry(ctx, e.ID)
	if err != nil {
		s.logger.Warn().Err(err).Str("entry_id", e.ID).Msg("reload entry after re-check")
		return false
	}
	if cur.Status == models.StatusNotified {
		return true
	}
	s.send(ctx, notify.NoTableYet(e))
	return true
}

func (s *Scheduler) send(ctx context.Context, n notify.Notice) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, n); err != nil {
		s.logger.Warn().Err(err).Str("kind", string(n.Kind)).Str("user_id", n.UserID).Msg("notice not delivered")
	}
}

func ptr[T any](v T) *T {
	return &v
}
