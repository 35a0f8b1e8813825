package scheduler

import (
	"math"
	"time"

	"tablequeue/internal/models"
	"tablequeue/internal/slotclock"
)

// DefaultNoticeWindow is how long before slot start the immediate re-check runs.
const DefaultNoticeWindow = 15 * time.Minute

// Decision is what one tick should do for one entry.
type Decision struct {
	// EndSlot terminalizes the entry; no other field is set with it.
	EndSlot bool
	// StartNotice surfaces the "slot started, still waiting" notice.
	StartNotice bool
	// FifteenMinute runs the availability re-check before slot start.
	FifteenMinute bool
	WaitMinutes   int
}

// Evaluate applies the three triggers to e with the default notice window.
func Evaluate(e *models.QueueEntry, w slotclock.Window, now time.Time) Decision {
	return EvaluateWithin(e, w, now, DefaultNoticeWindow)
}

// EvaluateWithin is Evaluate with a configurable notice window.
func EvaluateWithin(e *models.QueueEntry, w slotclock.Window, now time.Time, window time.Duration) Decision {
	if w.IsEnded(now) {
		return Decision{EndSlot: true}
	}

	mins := w.MinutesUntilStart(now)
	d := Decision{WaitMinutes: int(math.Ceil(math.Max(0, mins)))}

	if w.IsStarted(now) && !e.TableAvailable && !e.SlotStartNotified {
		d.StartNotice = true
	}
	if mins > 0 && mins <= window.Minutes() &&
		!e.NotifiedAt15Min && e.Status == models.StatusWaiting && !e.TableAvailable {
		d.FifteenMinute = true
	}
	return d
}
