// Package syncpoller keeps a guest's local view of their queue entries in step with the
// server by polling it every few seconds.
package syncpoller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tablequeue/internal/models"
)

// DefaultInterval is how often the server is polled.
const DefaultInterval = 5 * time.Second

// Backend is the part of the queue API the poller reads.
type Backend interface {
	Poll(ctx context.Context, userID string) (*models.PollResult, error)
	ListEntries(ctx context.Context, date, userID string) ([]models.QueueEntry, error)
}

type EventKind string

const (
	// Resolved means a tracked entry left the queue.
	Resolved EventKind = "resolved"
	// HoldOffered means a table is being held for the guest.
	HoldOffered EventKind = "hold_offered"
	// AutoExpired means a hold ran out before the guest answered.
	AutoExpired EventKind = "auto_expired"
	// Updated means position, wait estimate or table availability changed.
	Updated EventKind = "updated"
)

type Event struct {
	Kind  EventKind
	Entry models.QueueEntry
}

type Poller struct {
	backend  Backend
	userID   string
	interval time.Duration
	onEvent  func(Event)
	logger   *zerolog.Logger

	mu         sync.Mutex
	entries    map[string]models.QueueEntry
	surfaced   map[string]bool
	dialogOpen bool

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

func New(backend Backend, userID string, interval time.Duration, onEvent func(Event), logger *zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	l := logger.With().Str("component", "syncpoller").Str("user_id", userID).Logger()
	return &Poller{
		backend:  backend,
		userID:   userID,
		interval: interval,
		onEvent:  onEvent,
		logger:   &l,
		entries:  make(map[string]models.QueueEntry),
		surfaced: make(map[string]bool),
	}
}

// SetDialogOpen pauses reconciliation while the guest is answering a hold.
func (p *Poller) SetDialogOpen(open bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialogOpen = open
}

// Entries returns the local view, in no particular order.
func (p *Poller) Entries() []models.QueueEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.QueueEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	return out
}

// Load replaces the local view with the server's.
func (p *Poller) Load(ctx context.Context) error {
	entries, err := p.backend.ListEntries(ctx, "", p.userID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]models.QueueEntry, len(entries))
	for _, e := range entries {
		p.entries[e.ID] = e
	}
	for id := range p.surfaced {
		if _, ok := p.entries[id]; !ok {
			delete(p.surfaced, id)
		}
	}
	return nil
}

// Start polls until ctx is done or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	p.runMu.Lock()
	if p.running {
		p.runMu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	stopCh, done := p.stopCh, p.done
	p.runMu.Unlock()
	defer close(done)

	if err := p.Load(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("initial load failed")
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil {
				p.logger.Warn().Err(err).Msg("poll failed, retrying next tick")
			}
		}
	}
}

func (p *Poller) Stop() {
	p.runMu.Lock()
	if !p.running {
		p.runMu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	done := p.done
	p.runMu.Unlock()
	<-done
}

// PollOnce runs one reconciliation step. It is a no-op while the hold dialog is open.
func (p *Poller) PollOnce(ctx context.Context) error {
	p.mu.Lock()
	open := p.dialogOpen
	p.mu.Unlock()
	if open {
		return nil
	}

	res, err := p.backend.Poll(ctx, p.userID)
	if err != nil {
		return err
	}

	events, reload := p.reconcile(res)
	if reload {
		if err := p.Load(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("reload failed")
		}
	}
	for _, ev := range events {
		p.onEvent(ev)
	}
	return nil
}

func (p *Poller) reconcile(res *models.PollResult) (events []Event, reload bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if res.AutoExpired {
		ev := Event{Kind: AutoExpired}
		for id, e := range p.entries {
			if e.Status == models.StatusNotified || p.surfaced[id] {
				ev.Entry = e
				break
			}
		}
		return []Event{ev}, true
	}

	if res.Entry == nil {
		if len(p.entries) == 0 {
			return nil, false
		}
		for _, e := range p.entries {
			events = append(events, Event{Kind: Resolved, Entry: e})
		}
		return events, true
	}

	cur := *res.Entry
	prev, known := p.entries[cur.ID]
	if !known {
		// Another entry of the user was resolved or a new one appeared.
		return []Event{{Kind: Updated, Entry: cur}}, true
	}

	if res.TableAvailable && !prev.TableAvailable && !p.surfaced[cur.ID] {
		p.surfaced[cur.ID] = true
		p.entries[cur.ID] = cur
		return []Event{{Kind: HoldOffered, Entry: cur}}, false
	}

	changed := false
	if cur.Position != prev.Position {
		prev.Position = cur.Position
		changed = true
	}
	if cur.EstimatedWaitMinutes != prev.EstimatedWaitMinutes {
		prev.EstimatedWaitMinutes = cur.EstimatedWaitMinutes
		changed = true
	}
	if cur.TableAvailable != prev.TableAvailable {
		prev.TableAvailable = cur.TableAvailable
		changed = true
	}
	if !changed {
		return nil, false
	}
	p.entries[cur.ID] = prev
	return []Event{{Kind: Updated, Entry: prev}}, false
}
