// Package reservation turns accepted holds into reservations and manages reservations
// made directly.
package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tablequeue/internal/apperr"
	"tablequeue/internal/database"
	"tablequeue/internal/events"
	"tablequeue/internal/hold"
	"tablequeue/internal/models"
	"tablequeue/internal/notify"
	"tablequeue/internal/slotclock"
)

// Store is the reservation side of the authoritative store.
type Store interface {
	GetEntry(ctx context.Context, id string) (*models.QueueEntry, error)
	ConfirmHold(ctx context.Context, entryID string, build func(e *models.QueueEntry) (*models.Reservation, error), now time.Time) (*models.Reservation, bool, error)
	GetReservationByEntry(ctx context.Context, entryID string) (*models.Reservation, error)
	CreateReservation(ctx context.Context, r *models.Reservation, now time.Time) error
	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	ListReservations(ctx context.Context, userID string) ([]models.Reservation, error)
	CancelReservation(ctx context.Context, id string, now time.Time) (*models.Reservation, bool, error)
}

// Holds is the part of the hold manager the converter finishes transitions with.
type Holds interface {
	Confirmed(ctx context.Context, e *models.QueueEntry)
	Forfeited(ctx context.Context, e *models.QueueEntry)
	OfferFreedTable(ctx context.Context, ft hold.FreedTable, reason models.OfferReason) (*models.QueueEntry, error)
}

// Tables resolves table ids against the floor plan.
type Tables interface {
	Table(id string) (models.Table, bool)
	Tables() []models.Table
}

// Invalidator drops cached availability for a (date, slot).
type Invalidator interface {
	Invalidate(ctx context.Context, date, slot string)
}

// Converter promotes a confirmed hold into a reservation.
type Converter struct {
	store    Store
	holds    Holds
	tables   Tables
	cache    redis.UniversalClient
	cacheTTL time.Duration
	avail    Invalidator
	notifier hold.Notifier
	bus      *events.EventBus
	now      func() time.Time
	logger   *zerolog.Logger
}

type ConverterOption func(*Converter)

// WithResultCache remembers completed confirmations in Redis for ttl.
func WithResultCache(client redis.UniversalClient, ttl time.Duration) ConverterOption {
	return func(c *Converter) {
		c.cache = client
		c.cacheTTL = ttl
	}
}

func WithConverterClock(now func() time.Time) ConverterOption {
	return func(c *Converter) { c.now = now }
}

func NewConverter(store Store, holds Holds, tables Tables, avail Invalidator, notifier hold.Notifier, bus *events.EventBus, logger *zerolog.Logger, opts ...ConverterOption) *Converter {
	l := logger.With().Str("component", "converter").Logger()
	c := &Converter{
		store:    store,
		holds:    holds,
		tables:   tables,
		avail:    avail,
		notifier: notifier,
		bus:      bus,
		now:      time.Now,
		logger:   &l,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Confirm creates the reservation for an outstanding hold, marks the entry confirmed and
// retires it. It is safe to repeat: every call for the same entry returns the same
// reservation.
func (c *Converter) Confirm(ctx context.Context, entryID string) (*models.Reservation, error) {
	if r := c.cached(ctx, entryID); r != nil {
		return r, nil
	}

	entry, err := c.store.GetEntry(ctx, entryID)
	if errors.Is(err, database.ErrNotFound) {
		r, rerr := c.store.GetReservationByEntry(ctx, entryID)
		if rerr == nil {
			c.remember(ctx, entryID, r)
			return r, nil
		}
		if errors.Is(rerr, database.ErrNotFound) {
			return nil, apperr.NotFound("queue entry", entryID)
		}
		return nil, rerr
	}
	if err != nil {
		return nil, err
	}

	now := c.now()
	res, created, err := c.store.ConfirmHold(ctx, entryID, c.build(now), now)
	switch {
	case errors.Is(err, database.ErrHoldExpired):
		entry.Status = models.StatusExpired
		c.holds.Forfeited(ctx, entry)
		return nil, apperr.NotFound("table hold", entryID)
	case errors.Is(err, database.ErrNotHeld):
		return nil, apperr.Conflict("entry has no outstanding table offer")
	case errors.Is(err, database.ErrNotFound):
		return nil, apperr.NotFound("queue entry", entryID)
	case errors.Is(err, database.ErrNotAvailable):
		return nil, apperr.Conflict("table was reserved by someone else", ChoiceJoinQueue, ChoicePickAnotherSlot)
	case err != nil:
		return nil, fmt.Errorf("confirm hold %s: %w", entryID, err)
	}

	c.remember(ctx, entryID, res)
	if !created {
		return res, nil
	}

	entry.Status = models.StatusConfirmed
	entry.TableConfirmed = true
	c.holds.Confirmed(ctx, entry)
	c.avail.Invalidate(ctx, res.Date, res.TimeSlot)
	c.bus.Publish(ctx, events.ReservationCreated, res)
	if c.notifier != nil {
		if err := c.notifier.Send(ctx, notify.ReservationConfirmed(res)); err != nil {
			c.logger.Warn().Err(err).Str("reservation_id", res.ID).Msg("confirmation notice not delivered")
		}
	}
	c.logger.Info().Str("entry_id", entryID).Str("reservation_id", res.ID).Str("table_id", res.TableID).Msg("hold converted to reservation")
	return res, nil
}

func (c *Converter) build(now time.Time) func(e *models.QueueEntry) (*models.Reservation, error) {
	return func(e *models.QueueEntry) (*models.Reservation, error) {
		table, ok := c.tables.Table(e.HeldTableID)
		if !ok {
			return nil, fmt.Errorf("held table %s not on floor plan", e.HeldTableID)
		}
		return &models.Reservation{
			ID:            uuid.NewString(),
			UserID:        e.UserID,
			TableNumber:   table.Number,
			TableID:       table.ID,
			Date:          e.QueueDate,
			TimeSlot:      e.TimeSlot,
			TimeSlotLabel: slotclock.Label(e.TimeSlot),
			Guests:        e.Guests,
			Location:      table.Hall.Location(),
			Segment:       string(table.Segment),
			UserName:      e.Name,
			UserPhone:     e.Contact,
			Status:        models.ReservationConfirmed,
			CreatedAt:     now.UTC(),
			UpdatedAt:     now.UTC(),
		}, nil
	}
}

func confirmKey(entryID string) string {
	return "tablequeue:confirm:" + entryID
}

func (c *Converter) cached(ctx context.Context, entryID string) *models.Reservation {
	if c.cache == nil {
		return nil
	}
	raw, err := c.cache.Get(ctx, confirmKey(entryID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Msg("confirm cache read failed")
		}
		return nil
	}
	var r models.Reservation
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil
	}
	return &r
}

func (c *Converter) remember(ctx context.Context, entryID string, r *models.Reservation) {
	if c.cache == nil || c.cacheTTL <= 0 {
		return
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := c.cache.SetNX(ctx, confirmKey(entryID), raw, c.cacheTTL).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("confirm cache write failed")
	}
}
