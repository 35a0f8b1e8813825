// Package ledger keeps the ordered collection of active queue entries. Positions are
// derived from join order on every read and are never stored.
package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tablequeue/internal/database"
	"tablequeue/internal/events"
	"tablequeue/internal/metrics"
	"tablequeue/internal/models"
)

// Store is the authoritative entry store.
type Store interface {
	InsertEntry(ctx context.Context, e *models.QueueEntry) error
	GetEntry(ctx context.Context, id string) (*models.QueueEntry, error)
	ListEntries(ctx context.Context, filter models.EntryFilter) ([]models.QueueEntry, error)
	ResolveEntry(ctx context.Context, id string, outcome models.Outcome, now time.Time, onlyDueHold bool) (*models.QueueEntry, error)
}

// RemovedEvent is published when an entry leaves the ledger.
type RemovedEvent struct {
	Entry   models.QueueEntry `json:"entry"`
	Outcome models.Outcome    `json:"outcome"`
}

type Ledger struct {
	store  Store
	bus    *events.EventBus
	logger *zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(store Store, bus *events.EventBus, logger *zerolog.Logger) *Ledger {
	if bus == nil {
		bus = events.NewEventBus(logger)
	}
	l := logger.With().Str("component", "ledger").Logger()
	return &Ledger{
		store:  store,
		bus:    bus,
		logger: &l,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Lock serializes writers of one partition inside this process and returns the unlock func.
func (l *Ledger) Lock(key models.PartitionKey) func() {
	l.mu.Lock()
	m, ok := l.locks[key.String()]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key.String()] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Insert appends e to its partition and returns it with its position.
func (l *Ledger) Insert(ctx context.Context, e *models.QueueEntry) (*models.QueueEntry, error) {
	unlock := l.Lock(e.Partition())
	err := l.store.InsertEntry(ctx, e)
	unlock()
	if err != nil {
		return nil, err
	}

	l.logger.Info().Str("entry_id", e.ID).Str("user_id", e.UserID).Str("partition", e.Partition().String()).Msg("entry joined")
	inserted, err := l.Get(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	l.bus.Publish(ctx, events.EntryJoined, inserted)
	return inserted, nil
}

// Get returns one entry with its current position.
func (l *Ledger) Get(ctx context.Context, id string) (*models.QueueEntry, error) {
	e, err := l.store.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.Status.IsActive() {
		return e, nil
	}
	part, err := l.ListByPartition(ctx, e.Partition())
	if err != nil {
		return nil, err
	}
	for i := range part {
		if part[i].ID == e.ID {
			return &part[i], nil
		}
	}
	return e, nil
}

// ListByPartition returns the active entries of key in join order with positions 1..N.
func (l *Ledger) ListByPartition(ctx context.Context, key models.PartitionKey) ([]models.QueueEntry, error) {
	all, err := l.store.ListEntries(ctx, models.EntryFilter{QueueDate: key.Date, TimeSlot: key.Slot, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	part := all[:0]
	for _, e := range all {
		if e.Hall == key.Hall && e.Segment == key.Segment {
			part = append(part, e)
		}
	}
	rank(part)
	return part, nil
}

// List returns active entries matching filter. Positions are ranked against the whole
// partition even when filter selects a single user. Results are ordered by queue date
// (newest first), then slot, then position.
func (l *Ledger) List(ctx context.Context, filter models.EntryFilter) ([]models.QueueEntry, error) {
	filter.ActiveOnly = true
	selected, err := l.store.ListEntries(ctx, filter)
	if err != nil {
		return nil, err
	}

	positions := make(map[string]int)
	ranked := make(map[string]bool)
	for _, e := range selected {
		key := e.Partition()
		if ranked[key.String()] {
			continue
		}
		ranked[key.String()] = true
		part, err := l.ListByPartition(ctx, key)
		if err != nil {
			return nil, err
		}
		for _, p := range part {
			positions[p.ID] = p.Position
		}
	}

	for i := range selected {
		selected[i].Position = positions[selected[i].ID]
	}
	sort.SliceStable(selected, func(i, j int) bool {
		a, b := selected[i], selected[j]
		if a.QueueDate != b.QueueDate {
			return a.QueueDate > b.QueueDate
		}
		if a.TimeSlot != b.TimeSlot {
			return a.TimeSlot < b.TimeSlot
		}
		return a.Position < b.Position
	})
	return selected, nil
}

// Remove retires an entry with outcome. Removing an entry that is already gone is not an
// error and returns nil.
func (l *Ledger) Remove(ctx context.Context, id string, outcome models.Outcome, now time.Time) (*models.QueueEntry, error) {
	e, err := l.store.GetEntry(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	unlock := l.Lock(e.Partition())
	removed, err := l.store.ResolveEntry(ctx, id, outcome, now, false)
	unlock()
	if err != nil || removed == nil {
		return removed, err
	}
	l.Retired(ctx, removed, outcome)
	return removed, nil
}

// Retired records an entry removed by another path (expiry, confirmation).
func (l *Ledger) Retired(ctx context.Context, e *models.QueueEntry, outcome models.Outcome) {
	metrics.IncEntryResolved(string(outcome))
	l.logger.Info().Str("entry_id", e.ID).Str("outcome", string(outcome)).Msg("entry removed")
	l.bus.Publish(ctx, events.EntryRemoved, RemovedEvent{Entry: *e, Outcome: outcome})
}

// Subscribe registers handler for ledger changes (joined, updated, removed).
func (l *Ledger) Subscribe(handler events.EventHandler) {
	l.bus.Subscribe(events.EntryJoined, handler)
	l.bus.Subscribe(events.EntryUpdated, handler)
	l.bus.Subscribe(events.EntryRemoved, handler)
}

func rank(entries []models.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
	for i := range entries {
		entries[i].Position = i + 1
	}
}
