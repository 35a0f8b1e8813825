// Package api exposes the queue engine over JSON/HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tablequeue/internal/apperr"
	"tablequeue/internal/availability"
	"tablequeue/internal/metrics"
	"tablequeue/internal/models"
	"tablequeue/internal/queue"
	"tablequeue/internal/reservation"
	"tablequeue/internal/slotclock"
)

// QueueService is the queue collaborator contract.
type QueueService interface {
	ListEntries(ctx context.Context, date, userID string) ([]models.QueueEntry, error)
	Debug(ctx context.Context) ([]models.QueueEntry, error)
	Join(ctx context.Context, req queue.JoinRequest) (*queue.JoinResult, error)
	Cancel(ctx context.Context, id string) error
	Patch(ctx context.Context, id string, patch models.EntryPatch) (*models.QueueEntry, error)
	CheckAvailability(ctx context.Context, req queue.AvailabilityRequest) (availability.Result, error)
	Poll(ctx context.Context, userID string) (*models.PollResult, error)
	Confirm(ctx context.Context, id string) (*models.Reservation, error)
	Decline(ctx context.Context, id string) error
}

// ReservationService manages reservations made outside the queue.
type ReservationService interface {
	Create(ctx context.Context, req reservation.CreateRequest) (*models.Reservation, error)
	Cancel(ctx context.Context, id string) (*models.Reservation, error)
	List(ctx context.Context, userID string) ([]models.Reservation, error)
	Availability(ctx context.Context, req reservation.AvailabilityRequest) (availability.Listing, error)
}

// NotificationStore reads in-app notifications.
type NotificationStore interface {
	ListNotifications(ctx context.Context, userID string, unreadOnly bool) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
}

// FloorPlan lists the physical tables.
type FloorPlan interface {
	Tables() []models.Table
}

// Config tunes the HTTP server.
type Config struct {
	Address        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	DebugEndpoints bool
	// RequestsPerSecond and Burst bound each client; zero disables limiting.
	RequestsPerSecond float64
	Burst             int
}

type HTTPServer struct {
	cfg           Config
	queue         QueueService
	reservations  ReservationService
	notifications NotificationStore
	floor         FloorPlan
	clock         *slotclock.Clock
	limiter       *clientLimiter
	now           func() time.Time
	log           *zerolog.Logger
	srv           *http.Server
}

func NewHTTPServer(cfg Config, q QueueService, res ReservationService, notes NotificationStore, floor FloorPlan, clock *slotclock.Clock, logger *zerolog.Logger) *HTTPServer {
	l := logger.With().Str("component", "api").Logger()
	s := &HTTPServer{
		cfg:           cfg,
		queue:         q,
		reservations:  res,
		notifications: notes,
		floor:         floor,
		clock:         clock,
		now:           time.Now,
		log:           &l,
	}
	if cfg.RequestsPerSecond > 0 {
		s.limiter = newClientLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	s.srv = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/slots", s.handleSlots)
	mux.HandleFunc("GET /api/tables", s.handleTables)

	mux.HandleFunc("GET /api/queue", s.handleListQueue)
	mux.HandleFunc("POST /api/queue/join", s.handleJoin)
	mux.HandleFunc("GET /api/queue/check-availability", s.handleCheckAvailability)
	mux.HandleFunc("GET /api/queue/poll", s.handlePoll)
	if s.cfg.DebugEndpoints {
		mux.HandleFunc("GET /api/queue/debug", s.handleDebug)
	}
	mux.HandleFunc("PATCH /api/queue/{id}", s.handlePatch)
	mux.HandleFunc("DELETE /api/queue/{id}", s.handleCancel)
	mux.HandleFunc("POST /api/queue/{id}/confirm", s.handleConfirm)
	mux.HandleFunc("POST /api/queue/{id}/decline", s.handleDecline)

	mux.HandleFunc("GET /api/reservations", s.handleListReservations)
	mux.HandleFunc("POST /api/reservations", s.handleCreateReservation)
	mux.HandleFunc("GET /api/reservations/availability", s.handleReservationAvailability)
	mux.HandleFunc("DELETE /api/reservations/{id}", s.handleCancelReservation)

	mux.HandleFunc("GET /api/notifications", s.handleNotifications)
	mux.HandleFunc("POST /api/notifications/{id}/read", s.handleMarkRead)

	return s.instrument(mux)
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctxShutdown)
	}()

	s.log.Info().Str("address", s.cfg.Address).Msg("api server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *HTTPServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if s.limiter != nil && !s.limiter.allow(clientKey(r), s.now()) {
			writeError(rec, http.StatusTooManyRequests, "too many requests")
		} else {
			next.ServeHTTP(rec, r)
		}

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.IncHTTP(route, rec.status)
	})
}

func clientKey(r *http.Request) string {
	if id := r.Header.Get("X-User-Id"); id != "" {
		return "user:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter keeps one token bucket per client key and forgets idle clients.
type clientLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*limiterEntry
}

const limiterIdle = 10 * time.Minute

func newClientLimiter(limit rate.Limit, burst int) *clientLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &clientLimiter{limit: limit, burst: burst, clients: make(map[string]*limiterEntry)}
}

func (c *clientLimiter) allow(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.clients[key]
	if !ok {
		if len(c.clients) >= 1024 {
			for k, v := range c.clients {
				if now.Sub(v.lastSeen) > limiterIdle {
					delete(c.clients, k)
				}
			}
		}
		e = &limiterEntry{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.clients[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

type errorResponse struct {
	Error   string   `json:"error"`
	Choices []string `json:"choices,omitempty"`
}

// fail maps err to its status code. Unclassified errors are logged and hidden.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, status, "internal error")
		return
	}

	resp := errorResponse{Error: err.Error()}
	var conflict *apperr.ConflictError
	if errors.As(err, &conflict) {
		resp.Choices = conflict.Choices
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decodeJSON decodes the body into v and rejects unknown fields.
func decodeJSON(r *http.Request, v any) error {
	return decodeBody(r, v, true)
}

func decodeBody(r *http.Request, v any, strict bool) error {
	dec := json.NewDecoder(r.Body)
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("", "invalid JSON body: %v", err)
	}
	return nil
}
