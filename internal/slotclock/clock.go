// Package slotclock does time arithmetic over the restaurant's fixed dining slots.
package slotclock

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the wire format of queue and reservation dates.
const DateLayout = "2006-01-02"

// DefaultWaitMinutes is reported when a slot cannot be resolved.
const DefaultWaitMinutes = 60

// Slot is one entry of the dining slot catalog.
type Slot struct {
	ID      string `json:"id"`      // "07:30-08:50"
	Start   string `json:"start"`   // "07:30"
	End     string `json:"end"`     // "08:50"
	Display string `json:"display"` // "7:30 AM - 8:50 AM"
	// Label is the reservation-side spelling, "7:30 AM – 8:50 AM".
	Label string `json:"label"`
}

var catalog = []Slot{
	newSlot("07:30", "08:50"),
	newSlot("09:10", "10:30"),
	newSlot("12:00", "13:20"),
	newSlot("13:40", "15:00"),
	newSlot("18:40", "20:00"),
	newSlot("20:20", "21:40"),
}

func newSlot(start, end string) Slot {
	s, _ := time.Parse("15:04", start)
	e, _ := time.Parse("15:04", end)
	return Slot{
		ID:      start + "-" + end,
		Start:   start,
		End:     end,
		Display: s.Format("3:04 PM") + " - " + e.Format("3:04 PM"),
		Label:   s.Format("3:04 PM") + " – " + e.Format("3:04 PM"),
	}
}

// Catalog returns a copy of the slot catalog in serving order.
func Catalog() []Slot {
	out := make([]Slot, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup finds a catalog slot by id.
func Lookup(id string) (Slot, bool) {
	for _, s := range catalog {
		if s.ID == id {
			return s, true
		}
	}
	return Slot{}, false
}

// Resolve finds a catalog slot by id, display string or reservation label.
func Resolve(s string) (Slot, bool) {
	s = strings.TrimSpace(s)
	for _, slot := range catalog {
		if s == slot.ID || s == slot.Display || s == slot.Label {
			return slot, true
		}
	}
	return Slot{}, false
}

// Display returns the guest-facing form of a slot id, or the id itself when unknown.
func Display(id string) string {
	if s, ok := Lookup(id); ok {
		return s.Display
	}
	return id
}

// Label returns the reservation-side form of a slot id, or the id itself when unknown.
func Label(id string) string {
	if s, ok := Lookup(id); ok {
		return s.Label
	}
	return id
}

// Window is a slot pinned to a calendar date.
type Window struct {
	Slot  Slot
	Start time.Time
	End   time.Time
}

// IsStarted reports whether the slot has begun at now.
func (w Window) IsStarted(now time.Time) bool {
	return !now.Before(w.Start)
}

// IsEnded reports whether the slot is over at now.
func (w Window) IsEnded(now time.Time) bool {
	return !now.Before(w.End)
}

// MinutesUntilStart is negative once the slot has started.
func (w Window) MinutesUntilStart(now time.Time) float64 {
	return w.Start.Sub(now).Minutes()
}

// Clock resolves slots in the restaurant's time zone.
type Clock struct {
	loc *time.Location
}

// New creates a clock for the given location. A nil location means UTC.
func New(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{loc: loc}
}

// Location returns the clock's time zone.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// Window pins a catalog slot to a date.
func (c *Clock) Window(date, slotID string) (Window, error) {
	slot, ok := Lookup(slotID)
	if !ok {
		return Window{}, fmt.Errorf("unknown time slot %q", slotID)
	}
	day, err := time.ParseInLocation(DateLayout, date, c.loc)
	if err != nil {
		return Window{}, fmt.Errorf("invalid date %q; expected YYYY-MM-DD", date)
	}
	start, err := parseTimeOnDate(day, slot.Start)
	if err != nil {
		return Window{}, fmt.Errorf("parse start time: %w", err)
	}
	end, err := parseTimeOnDate(day, slot.End)
	if err != nil {
		return Window{}, fmt.Errorf("parse end time: %w", err)
	}
	return Window{Slot: slot, Start: start, End: end}, nil
}

// Today returns now's calendar date in the clock's zone.
func (c *Clock) Today(now time.Time) string {
	return now.In(c.loc).Format(DateLayout)
}

// SlotsFor lists the slots a guest may still pick for date. Today excludes slots that
// have already started; past dates have none.
func (c *Clock) SlotsFor(date string, now time.Time) ([]Slot, error) {
	day, err := time.ParseInLocation(DateLayout, date, c.loc)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q; expected YYYY-MM-DD", date)
	}
	today := c.Today(now)
	if date > today {
		return Catalog(), nil
	}
	if date < today {
		return []Slot{}, nil
	}

	result := make([]Slot, 0, len(catalog))
	for _, s := range catalog {
		start, err := parseTimeOnDate(day, s.Start)
		if err != nil {
			continue
		}
		if now.Before(start) {
			result = append(result, s)
		}
	}
	return result, nil
}

// EstimatedWaitMinutes is the whole minutes left until the slot starts, never negative.
func (c *Clock) EstimatedWaitMinutes(date, slotID string, now time.Time) int {
	w, err := c.Window(date, slotID)
	if err != nil {
		return DefaultWaitMinutes
	}
	m := w.MinutesUntilStart(now)
	if m <= 0 {
		return 0
	}
	return int(math.Ceil(m))
}

func parseTimeOnDate(date time.Time, timeStr string) (time.Time, error) {
	parts := strings.Split(timeStr, ":")
	if len(parts) < 2 {
		return time.Time{}, fmt.Errorf("invalid time format: %s", timeStr)
	}

	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid hour: %w", err)
	}

	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid minute: %w", err)
	}

	return time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, date.Location()), nil
}
