// Package notify records guest notices as in-app notifications and publishes them as
// events. It decides what to say; transport to SMS or email is somebody else's job.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tablequeue/internal/events"
	"tablequeue/internal/models"
)

// Store persists in-app notifications.
type Store interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
}

// RetryConfig holds configuration for retry logic.
type RetryConfig struct {
	MaxRetries  int
	RetryDelays []time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		RetryDelays: []time.Duration{
			100 * time.Millisecond,
			500 * time.Millisecond,
			2 * time.Second,
		},
	}
}

// Config holds configuration for the dispatcher.
type Config struct {
	RateLimiter RateLimiterConfig
	Retry       RetryConfig
}

func DefaultConfig() Config {
	return Config{
		RateLimiter: DefaultRateLimiterConfig(),
		Retry:       DefaultRetryConfig(),
	}
}

type Dispatcher struct {
	store       Store
	bus         *events.EventBus
	rateLimiter *RateLimiter
	retryConfig RetryConfig
	metrics     *Metrics
	now         func() time.Time
	logger      *zerolog.Logger
}

func NewDispatcher(store Store, bus *events.EventBus, cfg Config, m *Metrics, logger *zerolog.Logger) *Dispatcher {
	if m == nil {
		m = NewMetrics("tablequeue", nil)
	}
	l := logger.With().Str("component", "notify").Logger()
	return &Dispatcher{
		store:       store,
		bus:         bus,
		rateLimiter: NewRateLimiter(cfg.RateLimiter),
		retryConfig: cfg.Retry,
		metrics:     m,
		now:         time.Now,
		logger:      &l,
	}
}

// Send stores n as a notification and publishes it. Store failures are retried with
// backoff; the last error is returned once retries are exhausted.
func (d *Dispatcher) Send(ctx context.Context, n Notice) error {
	start := time.Now()
	defer func() { d.metrics.ObserveSendDuration(time.Since(start).Seconds()) }()

	waited, err := d.rateLimiter.Wait(ctx)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if waited {
		d.metrics.IncRateLimitWaits()
	}

	rec := &models.Notification{
		ID:          uuid.NewString(),
		UserID:      n.UserID,
		Type:        n.Type,
		Title:       n.Title,
		Message:     n.Message,
		ReferenceID: n.ReferenceID,
		CreatedAt:   d.now().UTC(),
	}

	var lastErr error
	delays := d.retryConfig.RetryDelays
	for attempt := 0; attempt <= d.retryConfig.MaxRetries; attempt++ {
		lastErr = d.store.CreateNotification(ctx, rec)
		if lastErr == nil {
			break
		}
		if attempt == d.retryConfig.MaxRetries {
			break
		}

		delay := time.Second
		if attempt < len(delays) {
			delay = delays[attempt]
		}
		d.metrics.IncRetries()
		d.logger.Warn().Err(lastErr).Int("attempt", attempt+1).Dur("delay", delay).Str("kind", string(n.Kind)).Msg("retrying notice")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if lastErr != nil {
		d.metrics.IncNotice("failed", n.Kind)
		d.logger.Error().Err(lastErr).Str("user_id", n.UserID).Str("kind", string(n.Kind)).Msg("notice dropped after retries")
		return lastErr
	}

	d.metrics.IncNotice("sent", n.Kind)
	d.bus.Publish(ctx, events.NoticeSent, n)
	d.logger.Info().Str("user_id", n.UserID).Str("entry_id", n.EntryID).Str("kind", string(n.Kind)).Msg("notice sent")
	return nil
}
