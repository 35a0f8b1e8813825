package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types published by the queue engine.
const (
	EntryJoined          = "queue.joined"
	EntryRemoved         = "queue.removed"
	EntryUpdated         = "queue.updated"
	HoldOffered          = "hold.offered"
	HoldConfirmed        = "hold.confirmed"
	HoldDeclined         = "hold.declined"
	HoldExpired          = "hold.expired"
	ReservationCreated   = "reservation.created"
	ReservationCancelled = "reservation.cancelled"
	NoticeSent           = "notice.sent"
)

// Event represents a lightweight domain event.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler reacts to an event.
type EventHandler func(ctx context.Context, event Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	wildcard    []EventHandler
	mu          sync.RWMutex
	logger      *zerolog.Logger
}

// NewEventBus constructs an empty bus. A nil logger discards handler errors.
func NewEventBus(logger *zerolog.Logger) *EventBus {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "events").Logger()
	return &EventBus{subscribers: make(map[string][]EventHandler), logger: &l}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// SubscribeAll registers a handler for every event type.
func (b *EventBus) SubscribeAll(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, handler)
}

// Publish marshals payload and notifies subscribers of eventType. Handler errors are
// logged and never returned to the publisher.
func (b *EventBus) Publish(ctx context.Context, eventType string, payload any) {
	if b == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error().Err(err).Str("type", eventType).Msg("marshal event payload")
		return
	}
	b.Dispatch(ctx, Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	})
}

// Dispatch delivers an already-built event.
func (b *EventBus) Dispatch(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	handlers = append(handlers, b.wildcard...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		if err := handler(ctx, event); err != nil {
			b.logger.Warn().Err(err).Str("type", event.Type).Str("event_id", event.ID).Msg("event handler failed")
		}
	}
}
