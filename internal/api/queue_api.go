package api

import (
	"net/http"
	"strconv"
	"strings"

	"tablequeue/internal/apperr"
	"tablequeue/internal/models"
	"tablequeue/internal/queue"
)

// GET /api/slots?date=YYYY-MM-DD
func (s *HTTPServer) handleSlots(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	date := strings.TrimSpace(r.URL.Query().Get("date"))
	if date == "" {
		date = s.clock.Today(now)
	}
	slots, err := s.clock.SlotsFor(date, now)
	if err != nil {
		s.fail(w, r, apperr.Validation("date", "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": date, "slots": slots})
}

// GET /api/tables
func (s *HTTPServer) handleTables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tables": s.floor.Tables()})
}

// GET /api/queue?queueDate=&userId=
func (s *HTTPServer) handleListQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := s.queue.ListEntries(r.Context(), q.Get("queueDate"), q.Get("userId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// POST /api/queue/join
func (s *HTTPServer) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req queue.JoinRequest
	// Clients may send the whole entry they display, id and joinedAt included. The
	// server assigns both, so extra fields are ignored here.
	if err := decodeBody(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.queue.Join(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if res.Immediate {
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type availabilityResponse struct {
	Available  bool          `json:"available"`
	IsReserved bool          `json:"isReserved"`
	Table      *models.Table `json:"table,omitempty"`
}

// GET /api/queue/check-availability?queueDate=&timeSlot=&guests=&hall=&segment=&userId=
func (s *HTTPServer) handleCheckAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	guests, err := intParam(q.Get("guests"), "guests")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.queue.CheckAvailability(r.Context(), queue.AvailabilityRequest{
		Date:          q.Get("queueDate"),
		TimeSlot:      q.Get("timeSlot"),
		Guests:        guests,
		Hall:          q.Get("hall"),
		Segment:       q.Get("segment"),
		ExcludeUserID: q.Get("userId"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, availabilityResponse{Available: res.Available, IsReserved: !res.Available, Table: res.Table})
}

// GET /api/queue/poll?userId=
func (s *HTTPServer) handlePoll(w http.ResponseWriter, r *http.Request) {
	res, err := s.queue.Poll(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /api/queue/debug
func (s *HTTPServer) handleDebug(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queue.Debug(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(entries), "entries": entries})
}

// PATCH /api/queue/{id}
func (s *HTTPServer) handlePatch(w http.ResponseWriter, r *http.Request) {
	var patch models.EntryPatch
	if err := decodeJSON(r, &patch); err != nil {
		s.fail(w, r, err)
		return
	}
	entry, err := s.queue.Patch(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// DELETE /api/queue/{id}
func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Cancel(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// POST /api/queue/{id}/confirm
func (s *HTTPServer) handleConfirm(w http.ResponseWriter, r *http.Request) {
	res, err := s.queue.Confirm(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/queue/{id}/decline
func (s *HTTPServer) handleDecline(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Decline(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func intParam(raw, field string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, apperr.Validation(field, "is required")
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation(field, "must be a number")
	}
	return n, nil
}
