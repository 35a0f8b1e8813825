// Package client is a small HTTP client for the queue API, used by guest-side tools.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tablequeue/internal/apperr"
	"tablequeue/internal/models"
	"tablequeue/internal/queue"
	"tablequeue/internal/reservation"
	"tablequeue/internal/slotclock"
)

// QueueClient calls the tablequeue HTTP API.
type QueueClient struct {
	baseURL    string
	userID     string
	httpClient *http.Client

	redis    redis.UniversalClient
	cacheTTL time.Duration
}

// Availability is the answer of the immediate availability check.
type Availability struct {
	Available  bool          `json:"available"`
	IsReserved bool          `json:"isReserved"`
	Table      *models.Table `json:"table,omitempty"`
}

// NewQueueClient constructs a client for baseURL. userID, when set, is sent as X-User-Id.
func NewQueueClient(baseURL, userID string) *QueueClient {
	return &QueueClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userID:     userID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// UseRedisCache configures optional Redis caching for the static GET endpoints.
func (c *QueueClient) UseRedisCache(client redis.UniversalClient, ttl time.Duration) {
	c.redis = client
	c.cacheTTL = ttl
}

// Slots lists the slots still bookable on date.
func (c *QueueClient) Slots(ctx context.Context, date string) ([]slotclock.Slot, error) {
	cacheKey := "tablequeue:client:slots:" + date
	var wrap struct {
		Slots []slotclock.Slot `json:"slots"`
	}
	if c.readCache(ctx, cacheKey, &wrap) {
		return wrap.Slots, nil
	}
	if err := c.doGet(ctx, "slots", "/api/slots?date="+url.QueryEscape(date), &wrap); err != nil {
		return nil, err
	}
	c.writeCache(ctx, cacheKey, wrap)
	return wrap.Slots, nil
}

// Tables lists the floor plan.
func (c *QueueClient) Tables(ctx context.Context) ([]models.Table, error) {
	cacheKey := "tablequeue:client:tables"
	var wrap struct {
		Tables []models.Table `json:"tables"`
	}
	if c.readCache(ctx, cacheKey, &wrap) {
		return wrap.Tables, nil
	}
	if err := c.doGet(ctx, "tables", "/api/tables", &wrap); err != nil {
		return nil, err
	}
	c.writeCache(ctx, cacheKey, wrap)
	return wrap.Tables, nil
}

// ListEntries lists active queue entries; empty arguments match everything.
func (c *QueueClient) ListEntries(ctx context.Context, date, userID string) ([]models.QueueEntry, error) {
	q := url.Values{}
	if date != "" {
		q.Set("queueDate", date)
	}
	if userID != "" {
		q.Set("userId", userID)
	}
	var wrap struct {
		Entries []models.QueueEntry `json:"entries"`
	}
	if err := c.doGet(ctx, "list entries", withQuery("/api/queue", q), &wrap); err != nil {
		return nil, err
	}
	return wrap.Entries, nil
}

func (c *QueueClient) Join(ctx context.Context, req queue.JoinRequest) (*queue.JoinResult, error) {
	var res queue.JoinResult
	if err := c.doJSON(ctx, "join", http.MethodPost, "/api/queue/join", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Cancel leaves the queue. Cancelling twice is not an error.
func (c *QueueClient) Cancel(ctx context.Context, entryID string) error {
	return c.doJSON(ctx, "cancel", http.MethodDelete, "/api/queue/"+url.PathEscape(entryID), nil, nil)
}

func (c *QueueClient) Patch(ctx context.Context, entryID string, patch models.EntryPatch) (*models.QueueEntry, error) {
	var e models.QueueEntry
	if err := c.doJSON(ctx, "patch", http.MethodPatch, "/api/queue/"+url.PathEscape(entryID), patch, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *QueueClient) CheckAvailability(ctx context.Context, req queue.AvailabilityRequest) (*Availability, error) {
	q := url.Values{}
	q.Set("queueDate", req.Date)
	q.Set("timeSlot", req.TimeSlot)
	q.Set("guests", strconv.Itoa(req.Guests))
	if req.Hall != "" {
		q.Set("hall", req.Hall)
	}
	if req.Segment != "" {
		q.Set("segment", req.Segment)
	}
	if req.ExcludeUserID != "" {
		q.Set("userId", req.ExcludeUserID)
	}
	var res Availability
	if err := c.doGet(ctx, "check availability", withQuery("/api/queue/check-availability", q), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *QueueClient) Poll(ctx context.Context, userID string) (*models.PollResult, error) {
	var res models.PollResult
	if err := c.doGet(ctx, "poll", "/api/queue/poll?userId="+url.QueryEscape(userID), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Confirm accepts the table offered to entryID.
func (c *QueueClient) Confirm(ctx context.Context, entryID string) (*models.Reservation, error) {
	var r models.Reservation
	if err := c.doJSON(ctx, "confirm", http.MethodPost, "/api/queue/"+url.PathEscape(entryID)+"/confirm", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Decline turns the offered table down.
func (c *QueueClient) Decline(ctx context.Context, entryID string) error {
	return c.doJSON(ctx, "decline", http.MethodPost, "/api/queue/"+url.PathEscape(entryID)+"/decline", nil, nil)
}

func (c *QueueClient) CreateReservation(ctx context.Context, req reservation.CreateRequest) (*models.Reservation, error) {
	var r models.Reservation
	if err := c.doJSON(ctx, "create reservation", http.MethodPost, "/api/reservations", req, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *QueueClient) CancelReservation(ctx context.Context, id string) (*models.Reservation, error) {
	var r models.Reservation
	if err := c.doJSON(ctx, "cancel reservation", http.MethodDelete, "/api/reservations/"+url.PathEscape(id), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *QueueClient) ListReservations(ctx context.Context, userID string) ([]models.Reservation, error) {
	var wrap struct {
		Reservations []models.Reservation `json:"reservations"`
	}
	if err := c.doGet(ctx, "list reservations", "/api/reservations?userId="+url.QueryEscape(userID), &wrap); err != nil {
		return nil, err
	}
	return wrap.Reservations, nil
}

func (c *QueueClient) Notifications(ctx context.Context, userID string, unreadOnly bool) ([]models.Notification, error) {
	q := url.Values{}
	q.Set("userId", userID)
	if unreadOnly {
		q.Set("unread", "true")
	}
	var wrap struct {
		Notifications []models.Notification `json:"notifications"`
	}
	if err := c.doGet(ctx, "notifications", withQuery("/api/notifications", q), &wrap); err != nil {
		return nil, err
	}
	return wrap.Notifications, nil
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func (c *QueueClient) readCache(ctx context.Context, key string, out any) bool {
	if c.redis == nil || c.cacheTTL <= 0 {
		return false
	}
	val, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(val, out) == nil
}

func (c *QueueClient) writeCache(ctx context.Context, key string, val any) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.cacheTTL).Err()
}

func (c *QueueClient) doGet(ctx context.Context, op, path string, out any) error {
	return c.doJSON(ctx, op, http.MethodGet, path, nil, out)
}

func (c *QueueClient) doJSON(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userID != "" {
		req.Header.Set("X-User-Id", c.userID)
	}
	return c.do(op, req, out)
}

type errorBody struct {
	Error   string   `json:"error"`
	Choices []string `json:"choices"`
}

// do sends req. Failures to reach the server become TransientNetworkError; error
// responses are mapped back onto the apperr taxonomy.
func (c *QueueClient) do(op string, req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return apperr.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var body errorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &body) != nil || body.Error == "" {
			body.Error = strings.TrimSpace(string(raw))
		}
		mapped := apperr.FromStatus(resp.StatusCode, body.Error)
		var conflict *apperr.ConflictError
		if errors.As(mapped, &conflict) {
			conflict.Choices = body.Choices
		}
		return mapped
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
