package hold

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tablequeue/internal/apperr"
	"tablequeue/internal/database"
	"tablequeue/internal/events"
	"tablequeue/internal/ledger"
	"tablequeue/internal/metrics"
	"tablequeue/internal/models"
	"tablequeue/internal/notify"
	"tablequeue/internal/slotclock"
)

// DefaultHoldDuration is the decision window of an offer and also its upper bound.
const DefaultHoldDuration = 180 * time.Second

const maxOfferAttempts = 3

// Store is the authoritative entry store used by the manager.
type Store interface {
	GetEntry(ctx context.Context, id string) (*models.QueueEntry, error)
	ListEntries(ctx context.Context, filter models.EntryFilter) ([]models.QueueEntry, error)
	Offer(ctx context.Context, req database.OfferRequest) (*models.QueueEntry, error)
	ResolveEntry(ctx context.Context, id string, outcome models.Outcome, now time.Time, onlyDueHold bool) (*models.QueueEntry, error)
	ExpireDueHolds(ctx context.Context, now time.Time, userID string) ([]models.QueueEntry, error)
}

// Tables resolves table ids against the floor plan.
type Tables interface {
	Table(id string) (models.Table, bool)
}

// Notifier delivers guest notices.
type Notifier interface {
	Send(ctx context.Context, n notify.Notice) error
}

// Locker serializes offers of one (date, slot) across processes.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// FreedTable is a table that just became free for a (date, slot).
type FreedTable struct {
	Date  string
	Slot  string
	Table models.Table
}

// HoldEvent is the payload of hold.* events.
type HoldEvent struct {
	EntryID   string             `json:"entryId"`
	UserID    string             `json:"userId"`
	TableID   string             `json:"tableId,omitempty"`
	Reason    models.OfferReason `json:"reason,omitempty"`
	ExpiresAt *time.Time         `json:"expiresAt,omitempty"`
}

type Manager struct {
	store    Store
	ledger   *ledger.Ledger
	tables   Tables
	clock    *slotclock.Clock
	notifier Notifier
	bus      *events.EventBus
	locker   Locker
	fsm      *FSM
	holdFor  time.Duration
	now      func() time.Time
	logger   *zerolog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

type Option func(*Manager)

// WithHoldDuration shortens the decision window. Values above DefaultHoldDuration are capped.
func WithHoldDuration(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.holdFor = min(d, DefaultHoldDuration)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLocker(l Locker) Option {
	return func(m *Manager) { m.locker = l }
}

func NewManager(store Store, l *ledger.Ledger, tables Tables, clock *slotclock.Clock, notifier Notifier, bus *events.EventBus, logger *zerolog.Logger, opts ...Option) *Manager {
	lg := logger.With().Str("component", "hold").Logger()
	m := &Manager{
		store:    store,
		ledger:   l,
		tables:   tables,
		clock:    clock,
		notifier: notifier,
		bus:      bus,
		fsm:      NewFSM(),
		holdFor:  DefaultHoldDuration,
		now:      time.Now,
		logger:   &lg,
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HoldDuration returns the decision window.
func (m *Manager) HoldDuration() time.Duration {
	return m.holdFor
}

// OfferFreedTable offers ft to the earliest eligible waiting entry of its slot. It returns
// nil without error when nobody is eligible or the table is already spoken for.
func (m *Manager) OfferFreedTable(ctx context.Context, ft FreedTable, reason models.OfferReason) (*models.QueueEntry, error) {
	now := m.now()
	w, err := m.clock.Window(ft.Date, ft.Slot)
	if err != nil {
		return nil, err
	}
	if w.IsEnded(now) {
		return nil, nil
	}

	if m.locker != nil {
		release, err := m.locker.Acquire(ctx, "offer:"+ft.Date+"|"+ft.Slot)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	req := database.OfferRequest{
		Date:      ft.Date,
		Slot:      ft.Slot,
		Table:     ft.Table,
		Reason:    reason,
		Now:       now,
		ExpiresAt: now.Add(m.holdFor),
	}

	for attempt := 1; attempt <= maxOfferAttempts; attempt++ {
		e, err := m.store.Offer(ctx, req)
		switch {
		case err == nil:
			m.offered(ctx, e, ft.Table)
			return e, nil
		case errors.Is(err, database.ErrConcurrentModification):
			metrics.IncOfferConflict()
			m.logger.Debug().Int("attempt", attempt).Str("table_id", ft.Table.ID).Msg("offer lost a race, retrying")
			continue
		case errors.Is(err, database.ErrNotEligible),
			errors.Is(err, database.ErrTableHeld),
			errors.Is(err, database.ErrNotAvailable):
			m.logger.Debug().Err(err).Str("table_id", ft.Table.ID).Str("slot", ft.Slot).Msg("no offer made")
			return nil, nil
		default:
			return nil, err
		}
	}
	return nil, database.ErrConcurrentModification
}

func (m *Manager) offered(ctx context.Context, e *models.QueueEntry, table models.Table) {
	m.schedule(e)
	metrics.IncHoldOffered(string(e.OfferReason))
	m.logger.Info().
		Str("entry_id", e.ID).
		Str("user_id", e.UserID).
		Str("table_id", table.ID).
		Str("reason", string(e.OfferReason)).
		Time("expires_at", *e.NotificationExpiresAt).
		Msg("hold offered")

	m.bus.Publish(ctx, events.HoldOffered, HoldEvent{
		EntryID: e.ID, UserID: e.UserID, TableID: table.ID, Reason: e.OfferReason, ExpiresAt: e.NotificationExpiresAt,
	})
	m.send(ctx, notify.HoldOffered(e, table, m.holdFor))
}

// Decline resolves an outstanding offer at the guest's request and moves the table on.
func (m *Manager) Decline(ctx context.Context, entryID string) error {
	e, err := m.store.GetEntry(ctx, entryID)
	if errors.Is(err, database.ErrNotFound) {
		return apperr.NotFound("queue entry", entryID)
	}
	if err != nil {
		return err
	}
	if !m.fsm.CanTransition(StateOf(e.Status), StateDeclined) {
		return apperr.Conflict("entry has no outstanding table offer")
	}

	now := m.now()
	if e.HoldDue(now) {
		// The deadline passed before the answer arrived.
		_, err := m.expire(ctx, e.ID, now)
		return err
	}

	removed, err := m.ledger.Remove(ctx, entryID, models.OutcomeDeclined, now)
	if err != nil || removed == nil {
		return err
	}
	m.stopTimer(entryID)
	m.bus.Publish(ctx, events.HoldDeclined, HoldEvent{EntryID: removed.ID, UserID: removed.UserID, TableID: removed.HeldTableID})
	m.send(ctx, notify.HoldDeclined(removed))
	m.reoffer(ctx, removed)
	return nil
}

// Cancel removes an entry in any active state. Cancelling an entry that is already gone
// is not an error. A held table is offered to the next eligible entry.
func (m *Manager) Cancel(ctx context.Context, entryID string) error {
	removed, err := m.ledger.Remove(ctx, entryID, models.OutcomeCancelled, m.now())
	m.stopTimer(entryID)
	if err != nil || removed == nil {
		return err
	}
	if removed.HeldTableID != "" {
		m.reoffer(ctx, removed)
	}
	return nil
}

// EndSlot expires an entry whose slot has ended. No table is re-offered.
func (m *Manager) EndSlot(ctx context.Context, entryID string) (*models.QueueEntry, error) {
	removed, err := m.ledger.Remove(ctx, entryID, models.OutcomeSlotEnded, m.now())
	m.stopTimer(entryID)
	if err != nil || removed == nil {
		return removed, err
	}
	m.send(ctx, notify.SlotEnded(removed))
	return removed, nil
}

// ExpireDue forfeits every hold whose stored deadline has passed and re-offers the tables.
func (m *Manager) ExpireDue(ctx context.Context) ([]models.QueueEntry, error) {
	return m.expireDue(ctx, "")
}

// ExpireDueForUser forfeits the user's due holds only.
func (m *Manager) ExpireDueForUser(ctx context.Context, userID string) ([]models.QueueEntry, error) {
	return m.expireDue(ctx, userID)
}

func (m *Manager) expireDue(ctx context.Context, userID string) ([]models.QueueEntry, error) {
	expired, err := m.store.ExpireDueHolds(ctx, m.now(), userID)
	if err != nil {
		return nil, err
	}
	for i := range expired {
		m.Forfeited(ctx, &expired[i])
	}
	return expired, nil
}

// expire forfeits one entry if its hold is due. It is what every timer firing runs.
func (m *Manager) expire(ctx context.Context, entryID string, now time.Time) (*models.QueueEntry, error) {
	e, err := m.store.ResolveEntry(ctx, entryID, models.OutcomeExpired, now, true)
	if err != nil || e == nil {
		return e, err
	}
	m.Forfeited(ctx, e)
	return e, nil
}

// Forfeited finishes an expiry that the store already committed.
func (m *Manager) Forfeited(ctx context.Context, e *models.QueueEntry) {
	m.stopTimer(e.ID)
	m.ledger.Retired(ctx, e, models.OutcomeExpired)
	m.bus.Publish(ctx, events.HoldExpired, HoldEvent{EntryID: e.ID, UserID: e.UserID, TableID: e.HeldTableID})
	m.send(ctx, notify.HoldExpired(e))
	m.reoffer(ctx, e)
}

// Confirmed finishes a confirmation that the store already committed.
func (m *Manager) Confirmed(ctx context.Context, e *models.QueueEntry) {
	m.stopTimer(e.ID)
	m.ledger.Retired(ctx, e, models.OutcomeConfirmed)
	m.bus.Publish(ctx, events.HoldConfirmed, HoldEvent{EntryID: e.ID, UserID: e.UserID, TableID: e.HeldTableID})
}

// reoffer moves a forfeited table on, keeping the reason of the original offer.
func (m *Manager) reoffer(ctx context.Context, e *models.QueueEntry) {
	if e.HeldTableID == "" {
		return
	}
	table, ok := m.tables.Table(e.HeldTableID)
	if !ok {
		m.logger.Warn().Str("table_id", e.HeldTableID).Msg("held table no longer on the floor plan")
		return
	}
	reason := e.OfferReason
	if reason == "" {
		reason = models.ReasonCancellation
	}
	next, err := m.OfferFreedTable(ctx, FreedTable{Date: e.QueueDate, Slot: e.TimeSlot, Table: table}, reason)
	if err != nil {
		m.logger.Error().Err(err).Str("table_id", table.ID).Msg("re-offer failed")
		return
	}
	if next != nil {
		m.logger.Info().Str("from_entry", e.ID).Str("to_entry", next.ID).Str("table_id", table.ID).Msg("table moved to next guest")
	}
}

// Restore re-arms timers for holds that were outstanding before a restart.
func (m *Manager) Restore(ctx context.Context) error {
	held, err := m.store.ListEntries(ctx, models.EntryFilter{Statuses: []models.EntryStatus{models.StatusNotified}})
	if err != nil {
		return err
	}
	for i := range held {
		m.schedule(&held[i])
	}
	m.logger.Info().Int("holds", len(held)).Msg("hold timers restored")
	return nil
}

// schedule arms an advisory timer at the stored deadline. Firing re-checks the deadline
// in the store, so a stale timer cannot forfeit a hold that was resolved another way.
func (m *Manager) schedule(e *models.QueueEntry) {
	if e.NotificationExpiresAt == nil {
		return
	}
	id := e.ID
	d := e.NotificationExpiresAt.Sub(m.now())
	if d < 0 {
		d = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.timers[id]; ok {
		t.Stop()
	}
	m.timers[id] = time.AfterFunc(d, func() {
		m.mu.Lock()
		delete(m.timers, id)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := m.expire(ctx, id, m.now()); err != nil {
			m.logger.Error().Err(err).Str("entry_id", id).Msg("hold timer expiry failed")
		}
	})
}

func (m *Manager) stopTimer(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

// PendingTimers returns the number of armed hold timers.
func (m *Manager) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Close stops all timers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) send(ctx context.Context, n notify.Notice) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Send(ctx, n); err != nil {
		m.logger.Warn().Err(err).Str("kind", string(n.Kind)).Str("user_id", n.UserID).Msg("notice not delivered")
	}
}
