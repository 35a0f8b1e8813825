package api

import (
	"errors"
	"net/http"
	"strings"

	"tablequeue/internal/apperr"
	"tablequeue/internal/database"
	"tablequeue/internal/models"
	"tablequeue/internal/reservation"
)

// GET /api/reservations?userId=
func (s *HTTPServer) handleListReservations(w http.ResponseWriter, r *http.Request) {
	list, err := s.reservations.List(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": list})
}

// POST /api/reservations
func (s *HTTPServer) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	var req reservation.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.reservations.Create(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GET /api/reservations/availability?date=&timeSlot=&location=&segment=&guests=&userId=
func (s *HTTPServer) handleReservationAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	guests, err := intParam(q.Get("guests"), "guests")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	listing, err := s.reservations.Availability(r.Context(), reservation.AvailabilityRequest{
		UserID:   q.Get("userId"),
		Date:     q.Get("date"),
		TimeSlot: q.Get("timeSlot"),
		Guests:   guests,
		Hall:     q.Get("location"),
		Segment:  q.Get("segment"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// DELETE /api/reservations/{id}
func (s *HTTPServer) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	res, err := s.reservations.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /api/notifications?userId=&unread=true
func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("userId"))
	if userID == "" {
		s.fail(w, r, apperr.Validation("userId", "is required"))
		return
	}
	notes, err := s.notifications.ListNotifications(r.Context(), userID, q.Get("unread") == "true")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if notes == nil {
		notes = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notes})
}

// POST /api/notifications/{id}/read
func (s *HTTPServer) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.notifications.MarkNotificationRead(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		err = apperr.NotFound("notification", id)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
