package reservation

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
	"tablequeue/internal/hold"
	"tablequeue/internal/models"
	"tablequeue/internal/notify"
	"tablequeue/internal/slotclock"
)

// Follow-up actions offered when no table can be assigned.
const (
	ChoiceJoinQueue       = "join_queue"
	ChoicePickAnotherSlot = "pick_another_slot"
)

// Matcher finds free tables.
type Matcher interface {
	Check(ctx context.Context, q availability.Query) (availability.Result, error)
	TablesFor(ctx context.Context, q availability.Query) (availability.Listing, error)
	Invalidate(ctx context.Context, date, slot string)
}

// CreateRequest is the payload of a direct reservation.
type CreateRequest struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserPhone string `json:"userPhone"`
	Date      string `json:"date"`
	TimeSlot  string `json:"timeSlot"`
	Guests    int    `json:"guests"`
	Hall      string `json:"location"`
	Segment   string `json:"segment"`
	// TableNumber pins a specific table; zero means auto-assign.
	TableNumber int `json:"tableNumber,omitempty"`
}

// AvailabilityRequest asks for the table-by-table view of a slot.
type AvailabilityRequest struct {
	UserID   string
	Date     string
	TimeSlot string
	Guests   int
	Hall     string
	Segment  string
}

type Service struct {
	store    Store
	matcher  Matcher
	holds    Holds
	tables   Tables
	clock    *slotclock.Clock
	notifier hold.Notifier
	bus      *events.EventBus
	now      func() time.Time
	logger   *zerolog.Logger
}

type ServiceOption func(*Service)

// WithServiceClock replaces time.Now for slot-start checks and timestamps.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, matcher Matcher, holds Holds, tables Tables, clock *slotclock.Clock, notifier hold.Notifier, bus *events.EventBus, logger *zerolog.Logger, opts ...ServiceOption) *Service {
	l := logger.With().Str("component", "reservations").Logger()
	s := &Service{
		store:    store,
		matcher:  matcher,
		holds:    holds,
		tables:   tables,
		clock:    clock,
		notifier: notifier,
		bus:      bus,
		now:      time.Now,
		logger:   &l,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create books a table directly. Without a pinned table number the smallest free table
// that fits is assigned; when nothing fits the guest is pointed at the waiting queue.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Reservation, error) {
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = req.UserPhone
	}
	q, slot, err := s.normalize(req.UserID, req.Date, req.TimeSlot, req.Guests, req.Hall, req.Segment)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.UserName) == "" {
		return nil, apperr.Validation("userName", "is required")
	}
	if strings.TrimSpace(req.UserPhone) == "" {
		return nil, apperr.Validation("userPhone", "is required")
	}

	now := s.now()
	w, err := s.clock.Window(q.Date, q.Slot)
	if err != nil {
		return nil, apperr.Validation("timeSlot", "%v", err)
	}
	if w.IsStarted(now) {
		return nil, apperr.Validation("timeSlot", "slot %s has already started", slot.Display)
	}

	table, err := s.pick(ctx, q, req.TableNumber)
	if err != nil {
		return nil, err
	}

	r := &models.Reservation{
		ID:            uuid.NewString(),
		UserID:        q.ExcludeUserID,
		TableNumber:   table.Number,
		TableID:       table.ID,
		Date:          q.Date,
		TimeSlot:      slot.ID,
		TimeSlotLabel: slot.Label,
		Guests:        req.Guests,
		Location:      table.Hall.Location(),
		Segment:       string(table.Segment),
		UserName:      strings.TrimSpace(req.UserName),
		UserPhone:     strings.TrimSpace(req.UserPhone),
		Status:        models.ReservationConfirmed,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
	if err := s.store.CreateReservation(ctx, r, now); err != nil {
		if errors.Is(err, database.ErrNotAvailable) {
			return nil, apperr.Conflict(fmt.Sprintf("table %d was just taken", table.Number), ChoiceJoinQueue, ChoicePickAnotherSlot)
		}
		return nil, fmt.Errorf("create reservation: %w", err)
	}

	s.matcher.Invalidate(ctx, r.Date, r.TimeSlot)
	s.bus.Publish(ctx, events.ReservationCreated, r)
	s.send(ctx, notify.ReservationConfirmed(r))
	s.logger.Info().Str("reservation_id", r.ID).Str("user_id", r.UserID).Str("table_id", r.TableID).Str("slot", r.TimeSlot).Msg("reservation created")
	return r, nil
}

func (s *Service) pick(ctx context.Context, q availability.Query, number int) (models.Table, error) {
	if number == 0 {
		res, err := s.matcher.Check(ctx, q)
		if err != nil {
			return models.Table{}, err
		}
		if !res.Available {
			return models.Table{}, apperr.Conflict("no table available for this slot", ChoiceJoinQueue, ChoicePickAnotherSlot)
		}
		return *res.Table, nil
	}

	table, ok := s.tables.Table(models.TableID(number))
	if !ok {
		return models.Table{}, apperr.Validation("tableNumber", "unknown table %d", number)
	}
	if !table.Fits(q.Guests, q.Hall, q.Segment) {
		return models.Table{}, apperr.Validation("tableNumber", "table %d does not fit the request", number)
	}
	listing, err := s.matcher.TablesFor(ctx, q)
	if err != nil {
		return models.Table{}, err
	}
	for _, ts := range listing.Tables {
		if ts.ID == table.ID && ts.IsAvailable {
			return table, nil
		}
	}
	return models.Table{}, apperr.Conflict(fmt.Sprintf("table %d is not available", number), ChoiceJoinQueue, ChoicePickAnotherSlot)
}

// Cancel cancels a reservation and offers the freed table to the waiting queue.
// Cancelling twice is not an error.
func (s *Service) Cancel(ctx context.Context, id string) (*models.Reservation, error) {
	r, changed, err := s.store.CancelReservation(ctx, id, s.now())
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NotFound("reservation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("cancel reservation %s: %w", id, err)
	}
	if !changed {
		return r, nil
	}

	s.matcher.Invalidate(ctx, r.Date, r.TimeSlot)
	s.bus.Publish(ctx, events.ReservationCancelled, r)
	s.send(ctx, notify.ReservationCancelled(r))
	s.logger.Info().Str("reservation_id", r.ID).Str("table_id", r.TableID).Msg("reservation cancelled")

	table, ok := s.tables.Table(r.TableID)
	if !ok {
		return r, nil
	}
	next, err := s.holds.OfferFreedTable(ctx, hold.FreedTable{Date: r.Date, Slot: r.TimeSlot, Table: table}, models.ReasonCancellation)
	if err != nil {
		s.logger.Error().Err(err).Str("table_id", table.ID).Msg("offer of cancelled table failed")
		return r, nil
	}
	if next != nil {
		s.logger.Info().Str("entry_id", next.ID).Str("table_id", table.ID).Msg("cancelled table offered to queue")
	}
	return r, nil
}

// Get returns one reservation.
func (s *Service) Get(ctx context.Context, id string) (*models.Reservation, error) {
	r, err := s.store.GetReservation(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NotFound("reservation", id)
	}
	return r, err
}

// List returns a user's reservations, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]models.Reservation, error) {
	out, err := s.store.ListReservations(ctx, userID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.Reservation{}
	}
	return out, nil
}

// Availability lists every table that fits the request with its state.
func (s *Service) Availability(ctx context.Context, req AvailabilityRequest) (availability.Listing, error) {
	q, _, err := s.normalize(req.UserID, req.Date, req.TimeSlot, req.Guests, req.Hall, req.Segment)
	if err != nil {
		return availability.Listing{}, err
	}
	return s.matcher.TablesFor(ctx, q)
}

func (s *Service) normalize(userID, date, timeSlot string, guests int, hall, segment string) (availability.Query, slotclock.Slot, error) {
	if _, err := time.Parse(slotclock.DateLayout, date); err != nil {
		return availability.Query{}, slotclock.Slot{}, apperr.Validation("date", "must be YYYY-MM-DD")
	}
	slot, ok := slotclock.Resolve(timeSlot)
	if !ok {
		return availability.Query{}, slotclock.Slot{}, apperr.Validation("timeSlot", "unknown slot %q", timeSlot)
	}
	if guests < 1 {
		return availability.Query{}, slotclock.Slot{}, apperr.Validation("guests", "must be at least 1")
	}
	h, err := models.ParseHall(hall)
	if err != nil {
		return availability.Query{}, slotclock.Slot{}, apperr.Validation("location", "%v", err)
	}
	seg, err := models.ParseSegment(segment)
	if err != nil {
		return availability.Query{}, slotclock.Slot{}, apperr.Validation("segment", "%v", err)
	}
	return availability.Query{
		Date:          date,
		Slot:          slot.ID,
		Guests:        guests,
		Hall:          h,
		Segment:       seg,
		ExcludeUserID: strings.TrimSpace(userID),
	}, slot, nil
}

func (s *Service) send(ctx context.Context, n notify.Notice) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, n); err != nil {
		s.logger.Warn().Err(err).Str("kind", string(n.Kind)).Msg("notice not delivered")
	}
}
