// Package availability answers whether a table is free right now for a request.
package availability

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tablequeue/internal/models"
)

// Source exposes what occupies tables for a (date, slot).
type Source interface {
	ReservedTables(ctx context.Context, date, slot string) ([]models.Reservation, error)
	LiveHolds(ctx context.Context, date, slot string, now time.Time) ([]models.QueueEntry, error)
}

// FloorPlan lists the physical tables.
type FloorPlan interface {
	Tables() []models.Table
}

type Query struct {
	Date          string
	Slot          string
	Guests        int
	Hall          models.Hall
	Segment       models.Segment
	// ExcludeUserID ignores that user's live holds; reservations always count.
	ExcludeUserID string
}

type Result struct {
	Available bool          `json:"available"`
	Table     *models.Table `json:"table,omitempty"`
}

// TableStatus is one row of an availability listing.
type TableStatus struct {
	models.Table
	Location    string `json:"location"`
	IsAvailable bool   `json:"isAvailable"`
}

// Listing is the table-by-table view of a (date, slot).
type Listing struct {
	Tables                 []TableStatus `json:"tables"`
	ShowWaitingQueueOption bool          `json:"showWaitingQueueOption"`
}

type Matcher struct {
	floor  FloorPlan
	source Source
	cache  redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
	logger *zerolog.Logger
}

type Option func(*Matcher)

// WithCache keeps the reserved-table set of a slot in Redis for ttl.
func WithCache(client redis.UniversalClient, ttl time.Duration) Option {
	return func(m *Matcher) {
		m.cache = client
		m.ttl = ttl
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Matcher) { m.now = now }
}

func NewMatcher(floor FloorPlan, source Source, logger *zerolog.Logger, opts ...Option) *Matcher {
	l := logger.With().Str("component", "availability").Logger()
	m := &Matcher{floor: floor, source: source, now: time.Now, logger: &l}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check reports whether a table fits q and is neither reserved (by anyone, q.ExcludeUserID
// included) nor under another user's live hold. The smallest adequate table wins, then the lowest table number.
func (m *Matcher) Check(ctx context.Context, q Query) (Result, error) {
	busy, err := m.busy(ctx, q.Date, q.Slot, q.ExcludeUserID)
	if err != nil {
		return Result{}, err
	}

	var best *models.Table
	for _, t := range m.floor.Tables() {
		if !t.Fits(q.Guests, q.Hall, q.Segment) || busy[t.ID] {
			continue
		}
		if best == nil || t.Capacity < best.Capacity || (t.Capacity == best.Capacity && t.Number < best.Number) {
			tbl := t
			best = &tbl
		}
	}
	if best == nil {
		return Result{Available: false}, nil
	}
	return Result{Available: true, Table: best}, nil
}

// TablesFor lists every table matching q with its availability. The waiting-queue option
// is shown when at least one table matches and none is free.
func (m *Matcher) TablesFor(ctx context.Context, q Query) (Listing, error) {
	busy, err := m.busy(ctx, q.Date, q.Slot, q.ExcludeUserID)
	if err != nil {
		return Listing{}, err
	}

	listing := Listing{Tables: []TableStatus{}}
	free := 0
	for _, t := range m.floor.Tables() {
		if !t.Fits(q.Guests, q.Hall, q.Segment) {
			continue
		}
		ok := !busy[t.ID]
		if ok {
			free++
		}
		listing.Tables = append(listing.Tables, TableStatus{Table: t, Location: t.Hall.Location(), IsAvailable: ok})
	}
	sort.Slice(listing.Tables, func(i, j int) bool { return listing.Tables[i].Number < listing.Tables[j].Number })
	listing.ShowWaitingQueueOption = len(listing.Tables) > 0 && free == 0
	return listing, nil
}

// Invalidate drops the cached reservation set of a (date, slot).
func (m *Matcher) Invalidate(ctx context.Context, date, slot string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Del(ctx, cacheKey(date, slot)).Err(); err != nil {
		m.logger.Warn().Err(err).Str("date", date).Str("slot", slot).Msg("cache invalidate failed")
	}
}

// busy maps table id to true for every reserved table and every table under a live hold
// of a user other than exclude. A guest's own reservation still occupies its table.
func (m *Matcher) busy(ctx context.Context, date, slot, exclude string) (map[string]bool, error) {
	owners, err := m.reservedOwners(ctx, date, slot)
	if err != nil {
		return nil, err
	}
	holds, err := m.source.LiveHolds(ctx, date, slot, m.now())
	if err != nil {
		return nil, err
	}

	busy := make(map[string]bool, len(owners)+len(holds))
	for tableID := range owners {
		busy[tableID] = true
	}
	for _, h := range holds {
		if exclude == "" || h.UserID != exclude {
			busy[h.HeldTableID] = true
		}
	}
	return busy, nil
}

// reservedOwners maps table id to the user holding the confirmed reservation.
func (m *Matcher) reservedOwners(ctx context.Context, date, slot string) (map[string]string, error) {
	if m.cache != nil {
		raw, err := m.cache.Get(ctx, cacheKey(date, slot)).Bytes()
		if err == nil {
			var owners map[string]string
			if json.Unmarshal(raw, &owners) == nil {
				return owners, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			m.logger.Warn().Err(err).Msg("cache read failed, falling back to store")
		}
	}

	reserved, err := m.source.ReservedTables(ctx, date, slot)
	if err != nil {
		return nil, err
	}
	owners := make(map[string]string, len(reserved))
	for _, r := range reserved {
		owners[r.TableID] = r.UserID
	}

	if m.cache != nil && m.ttl > 0 {
		if raw, err := json.Marshal(owners); err == nil {
			if err := m.cache.Set(ctx, cacheKey(date, slot), raw, m.ttl).Err(); err != nil {
				m.logger.Warn().Err(err).Msg("cache write failed")
			}
		}
	}
	return owners, nil
}

func cacheKey(date, slot string) string {
	return "tablequeue:reserved:" + date + ":" + slot
}
