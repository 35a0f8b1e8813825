// Package queue implements the queue collaborator contract: join, list, patch, cancel,
// poll, availability checks and hold answers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tablequeue/internal/apperr"
	"tablequeue/internal/availability"
	"tablequeue/internal/database"
	"tablequeue/internal/events"
	"tablequeue/internal/ledger"
	"tablequeue/internal/metrics"
	"tablequeue/internal/models"
	"tablequeue/internal/reservation"
	"tablequeue/internal/slotclock"
)

// Join results reported to metrics.
const (
	joinQueued    = "queued"
	joinImmediate = "immediate"
	joinRejected  = "rejected"
)

// Store is the entry store behind the ledger, used for field patches.
type Store interface {
	UpdateEntry(ctx context.Context, id string, patch models.EntryPatch, now time.Time) (*models.QueueEntry, error)
}

// Matcher answers immediate availability.
type Matcher interface {
	Check(ctx context.Context, q availability.Query) (availability.Result, error)
}

// Holds drives hold state transitions.
type Holds interface {
	Cancel(ctx context.Context, entryID string) error
	Decline(ctx context.Context, entryID string) error
	ExpireDueForUser(ctx context.Context, userID string) ([]models.QueueEntry, error)
	ExpireDue(ctx context.Context) ([]models.QueueEntry, error)
}

// Confirmer turns an accepted hold into a reservation.
type Confirmer interface {
	Confirm(ctx context.Context, entryID string) (*models.Reservation, error)
}

// Reservations creates reservations made outside the queue.
type Reservations interface {
	Create(ctx context.Context, req reservation.CreateRequest) (*models.Reservation, error)
}

// JoinRequest is what a guest submits to get in line.
type JoinRequest struct {
	UserID             string `json:"userId"`
	Name               string `json:"name"`
	Guests             int    `json:"guests"`
	Contact            string `json:"contact"`
	NotificationMethod string `json:"notificationMethod"`
	Hall               string `json:"hall"`
	Segment            string `json:"segment"`
	QueueDate          string `json:"queueDate"`
	TimeSlot           string `json:"timeSlot"`
}

// JoinResult either carries the new entry or, when a table is free right now, the table
// the guest should reserve directly.
type JoinResult struct {
	Immediate bool               `json:"immediate"`
	Table     *models.Table      `json:"table,omitempty"`
	Entry     *models.QueueEntry `json:"entry,omitempty"`
}

// AvailabilityRequest mirrors the checkAvailability parameters.
type AvailabilityRequest struct {
	Date          string
	TimeSlot      string
	Guests        int
	Hall          string
	Segment       string
	ExcludeUserID string
}

type Service struct {
	ledger       *ledger.Ledger
	store        Store
	matcher      Matcher
	holds        Holds
	confirmer    Confirmer
	reservations Reservations
	clock        *slotclock.Clock
	bus          *events.EventBus
	maxPerUser   int
	now          func() time.Time
	logger       *zerolog.Logger
}

type Option func(*Service)

// WithMaxEntriesPerUser caps the number of active entries one user may hold.
func WithMaxEntriesPerUser(n int) Option {
	return func(s *Service) { s.maxPerUser = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(l *ledger.Ledger, store Store, matcher Matcher, holds Holds, confirmer Confirmer, reservations Reservations, clock *slotclock.Clock, bus *events.EventBus, logger *zerolog.Logger, opts ...Option) *Service {
	lg := logger.With().Str("component", "queue").Logger()
	s := &Service{
		ledger:       l,
		store:        store,
		matcher:      matcher,
		holds:        holds,
		confirmer:    confirmer,
		reservations: reservations,
		clock:        clock,
		bus:          bus,
		now:          time.Now,
		logger:       &lg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListEntries returns active entries, optionally narrowed to a date and a user. Due holds
// are forfeited first so the listing never shows an expired offer.
func (s *Service) ListEntries(ctx context.Context, date, userID string) ([]models.QueueEntry, error) {
	if _, err := s.expireDue(ctx, userID); err != nil {
		return nil, err
	}
	entries, err := s.ledger.List(ctx, models.EntryFilter{QueueDate: date, UserID: userID})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []models.QueueEntry{}
	}
	return entries, nil
}

// Debug lists every stored entry regardless of user.
func (s *Service) Debug(ctx context.Context) ([]models.QueueEntry, error) {
	return s.ListEntries(ctx, "", "")
}

// Join validates req and either reports an immediate opening or appends a new entry to
// the back of its partition.
func (s *Service) Join(ctx context.Context, req JoinRequest) (*JoinResult, error) {
	entry, err := s.validate(req)
	if err != nil {
		metrics.IncQueueJoined(joinRejected)
		return nil, err
	}

	res, err := s.matcher.Check(ctx, availability.Query{
		Date:          entry.QueueDate,
		Slot:          entry.TimeSlot,
		Guests:        entry.Guests,
		Hall:          entry.Hall,
		Segment:       entry.Segment,
		ExcludeUserID: entry.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("check availability: %w", err)
	}
	if res.Available {
		metrics.IncQueueJoined(joinImmediate)
		s.logger.Info().Str("user_id", entry.UserID).Str("table_id", res.Table.ID).Str("slot", entry.TimeSlot).Msg("table free, no queue entry created")
		return &JoinResult{Immediate: true, Table: res.Table}, nil
	}

	if s.maxPerUser > 0 {
		active, err := s.ledger.List(ctx, models.EntryFilter{UserID: entry.UserID})
		if err != nil {
			return nil, err
		}
		if len(active) >= s.maxPerUser {
			metrics.IncQueueJoined(joinRejected)
			return nil, apperr.Conflict(fmt.Sprintf("at most %d active queue entries per guest", s.maxPerUser))
		}
	}

	inserted, err := s.ledger.Insert(ctx, entry)
	if errors.Is(err, database.ErrDuplicateEntry) {
		metrics.IncQueueJoined(joinRejected)
		return nil, apperr.Conflict("already waiting for this slot", reservation.ChoicePickAnotherSlot)
	}
	if err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}
	metrics.IncQueueJoined(joinQueued)
	return &JoinResult{Entry: inserted}, nil
}

func (s *Service) validate(req JoinRequest) (*models.QueueEntry, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.Validation("name", "is required")
	}
	contact := strings.TrimSpace(req.Contact)
	if contact == "" {
		return nil, apperr.Validation("contact", "is required")
	}
	if req.Guests < 1 {
		return nil, apperr.Validation("guests", "must be at least 1")
	}

	method := models.NotificationMethod(strings.ToLower(strings.TrimSpace(req.NotificationMethod)))
	switch method {
	case "":
		method = models.NotifySMS
	case models.NotifySMS, models.NotifyEmail:
	default:
		return nil, apperr.Validation("notificationMethod", "must be sms or email")
	}

	hall, err := models.ParseHall(req.Hall)
	if err != nil {
		return nil, apperr.Validation("hall", "%v", err)
	}
	segment, err := models.ParseSegment(req.Segment)
	if err != nil {
		return nil, apperr.Validation("segment", "%v", err)
	}

	slot, ok := slotclock.Resolve(req.TimeSlot)
	if !ok {
		return nil, apperr.Validation("timeSlot", "unknown slot %q", req.TimeSlot)
	}
	w, err := s.clock.Window(req.QueueDate, slot.ID)
	if err != nil {
		return nil, apperr.Validation("queueDate", "%v", err)
	}
	now := s.now()
	if w.IsStarted(now) {
		return nil, apperr.Validation("timeSlot", "slot %s has already started", slot.Display)
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = contact
	}

	return &models.QueueEntry{
		ID:                   newEntryID(now),
		UserID:               userID,
		Name:                 name,
		Guests:               req.Guests,
		Contact:              contact,
		NotificationMethod:   method,
		Hall:                 hall,
		Segment:              segment,
		QueueDate:            req.QueueDate,
		TimeSlot:             slot.ID,
		TimeSlotDisplay:      slot.Display,
		EstimatedWaitMinutes: s.clock.EstimatedWaitMinutes(req.QueueDate, slot.ID, now),
		JoinedAt:             now.UTC(),
		Status:               models.StatusWaiting,
		UpdatedAt:            now.UTC(),
	}, nil
}

func newEntryID(now time.Time) string {
	return fmt.Sprintf("QUEUE%d%s", now.UnixMilli(), strings.ToUpper(uuid.NewString()[:6]))
}

// Cancel removes an entry. Cancelling an entry that is already gone is not an error.
func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.holds.Cancel(ctx, id)
}

// Patch applies a client update. The stored deadline is checked first: a due hold is
// forfeited and the entry reported gone. Deadlines may only move earlier; state fields
// are routed through the hold engine.
func (s *Service) Patch(ctx context.Context, id string, patch models.EntryPatch) (*models.QueueEntry, error) {
	e, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if e.HoldDue(now) {
		if _, err := s.holds.ExpireDueForUser(ctx, e.UserID); err != nil {
			return nil, err
		}
		return nil, apperr.NotFound("queue entry", id)
	}

	done, err := s.patchState(ctx, e, patch)
	if err != nil {
		return nil, err
	}
	if done {
		return e, nil
	}

	if patch.TableAvailable != nil && *patch.TableAvailable != e.TableAvailable {
		return nil, apperr.Validation("tableAvailable", "is set by the hold engine")
	}
	if patch.NotificationExpiresAt != nil {
		if e.Status != models.StatusNotified || e.NotificationExpiresAt == nil {
			return nil, apperr.Validation("notificationExpiresAt", "entry has no outstanding offer")
		}
		if patch.NotificationExpiresAt.After(*e.NotificationExpiresAt) {
			return nil, apperr.Validation("notificationExpiresAt", "a hold deadline cannot be extended")
		}
	}

	fields := models.EntryPatch{
		NotifiedAt15Min:             patch.NotifiedAt15Min,
		SlotStartNotified:           patch.SlotStartNotified,
		EstimatedWaitMinutes:        patch.EstimatedWaitMinutes,
		NotificationExpiresAt:       patch.NotificationExpiresAt,
		FromReservationCancellation: patch.FromReservationCancellation,
	}
	if !fields.IsEmpty() {
		if _, err := s.store.UpdateEntry(ctx, id, fields, now); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, apperr.NotFound("queue entry", id)
			}
			return nil, err
		}
	}

	if patch.NotificationExpiresAt != nil && !now.Before(*patch.NotificationExpiresAt) {
		if _, err := s.holds.ExpireDueForUser(ctx, e.UserID); err != nil {
			return nil, err
		}
		return nil, apperr.NotFound("queue entry", id)
	}

	updated, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, events.EntryUpdated, updated)
	return updated, nil
}

// patchState handles status and tableConfirmed changes. done reports that the entry was
// resolved and e now holds its final state.
func (s *Service) patchState(ctx context.Context, e *models.QueueEntry, patch models.EntryPatch) (done bool, err error) {
	confirm := patch.TableConfirmed != nil && *patch.TableConfirmed
	if patch.Status == nil && !confirm {
		return false, nil
	}

	target := e.Status
	if patch.Status != nil {
		target = *patch.Status
	}
	if confirm {
		target = models.StatusConfirmed
	}
	if target == e.Status {
		return false, nil
	}

	switch target {
	case models.StatusConfirmed:
		if _, err := s.confirmer.Confirm(ctx, e.ID); err != nil {
			return true, err
		}
		e.TableConfirmed = true
	case models.StatusCancelled:
		if e.Status == models.StatusNotified {
			err = s.holds.Decline(ctx, e.ID)
		} else {
			err = s.holds.Cancel(ctx, e.ID)
		}
		if err != nil {
			return true, err
		}
	default:
		return true, apperr.Validation("status", "cannot move from %s to %s", e.Status, target)
	}
	e.Status = target
	e.Position = 0
	return true, nil
}

// CheckAvailability reports whether a table is free right now.
func (s *Service) CheckAvailability(ctx context.Context, req AvailabilityRequest) (availability.Result, error) {
	if _, err := time.Parse(slotclock.DateLayout, req.Date); err != nil {
		return availability.Result{}, apperr.Validation("date", "must be YYYY-MM-DD")
	}
	slot, ok := slotclock.Resolve(req.TimeSlot)
	if !ok {
		return availability.Result{}, apperr.Validation("timeSlot", "unknown slot %q", req.TimeSlot)
	}
	if req.Guests < 1 {
		return availability.Result{}, apperr.Validation("guests", "must be at least 1")
	}
	hall, err := models.ParseHall(req.Hall)
	if err != nil {
		return availability.Result{}, apperr.Validation("hall", "%v", err)
	}
	segment, err := models.ParseSegment(req.Segment)
	if err != nil {
		return availability.Result{}, apperr.Validation("segment", "%v", err)
	}
	return s.matcher.Check(ctx, availability.Query{
		Date:          req.Date,
		Slot:          slot.ID,
		Guests:        req.Guests,
		Hall:          hall,
		Segment:       segment,
		ExcludeUserID: strings.TrimSpace(req.ExcludeUserID),
	})
}

// Poll is the compact status call made every few seconds by a waiting guest. Due holds of
// the user are forfeited before the answer is built.
func (s *Service) Poll(ctx context.Context, userID string) (*models.PollResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Validation("userId", "is required")
	}
	expired, err := s.holds.ExpireDueForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	entries, err := s.ledger.List(ctx, models.EntryFilter{UserID: userID})
	if err != nil {
		return nil, err
	}

	out := &models.PollResult{AutoExpired: len(expired) > 0}
	var pick *models.QueueEntry
	for i := range entries {
		if entries[i].Status == models.StatusNotified {
			pick = &entries[i]
			break
		}
		if pick == nil {
			pick = &entries[i]
		}
	}
	if pick != nil {
		out.Entry = pick
		out.TableAvailable = pick.TableAvailable
		out.FromReservationCancellation = pick.FromReservationCancellation
	}
	return out, nil
}

// Confirm accepts an outstanding offer.
func (s *Service) Confirm(ctx context.Context, id string) (*models.Reservation, error) {
	return s.confirmer.Confirm(ctx, id)
}

// Decline turns an outstanding offer down.
func (s *Service) Decline(ctx context.Context, id string) error {
	return s.holds.Decline(ctx, id)
}

// CreateReservation books a table outside the queue.
func (s *Service) CreateReservation(ctx context.Context, req reservation.CreateRequest) (*models.Reservation, error) {
	return s.reservations.Create(ctx, req)
}

func (s *Service) get(ctx context.Context, id string) (*models.QueueEntry, error) {
	e, err := s.ledger.Get(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NotFound("queue entry", id)
	}
	return e, err
}

func (s *Service) expireDue(ctx context.Context, userID string) ([]models.QueueEntry, error) {
	if userID != "" {
		return s.holds.ExpireDueForUser(ctx, userID)
	}
	return s.holds.ExpireDue(ctx)
}
