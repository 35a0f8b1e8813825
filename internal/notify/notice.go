package notify

import (
	"fmt"
	"time"

	"tablequeue/internal/models"
)

// Kind identifies why a guest is being told something.
type Kind string

const (
	KindHoldOffered          Kind = "hold_offered"
	KindNoTableYet           Kind = "no_table_yet"
	KindSlotStarted          Kind = "slot_started"
	KindSlotEnded            Kind = "slot_ended"
	KindHoldExpired          Kind = "hold_expired"
	KindHoldDeclined         Kind = "hold_declined"
	KindReservationConfirmed Kind = "reservation_confirmed"
	KindReservationCancelled Kind = "reservation_cancelled"
)

// Notice is the decision to tell a guest something. Delivery is left to whoever consumes
// the stored notification or the published event.
type Notice struct {
	Kind        Kind                      `json:"kind"`
	UserID      string                    `json:"userId"`
	EntryID     string                    `json:"entryId,omitempty"`
	Method      models.NotificationMethod `json:"method,omitempty"`
	Contact     string                    `json:"contact,omitempty"`
	Type        models.NotificationType   `json:"type"`
	Title       string                    `json:"title"`
	Message     string                    `json:"message"`
	ReferenceID string                    `json:"referenceId,omitempty"`
	// RejoinOption asks the client to offer joining a different slot.
	RejoinOption bool `json:"rejoinOption,omitempty"`
}

func forEntry(e *models.QueueEntry, kind Kind, typ models.NotificationType, title, message string) Notice {
	return Notice{
		Kind:        kind,
		UserID:      e.UserID,
		EntryID:     e.ID,
		Method:      e.NotificationMethod,
		Contact:     e.Contact,
		Type:        typ,
		Title:       title,
		Message:     message,
		ReferenceID: e.ID,
	}
}

func HoldOffered(e *models.QueueEntry, table models.Table, holdFor time.Duration) Notice {
	msg := fmt.Sprintf("%s (%s, %s) is held for you for %s on %s. Confirm before it expires.",
		table.Name, table.Hall.DisplayName(), table.Segment, formatHold(holdFor), e.TimeSlotDisplay)
	if e.FromReservationCancellation {
		msg = "A reservation was cancelled. " + msg
	}
	return forEntry(e, KindHoldOffered, models.NotificationPending, "Table available!", msg)
}

func NoTableYet(e *models.QueueEntry) Notice {
	return forEntry(e, KindNoTableYet, models.NotificationInfo, "Still in the queue",
		fmt.Sprintf("Your slot %s starts in 15 minutes. No table is free yet; you are #%d in line.",
			e.TimeSlotDisplay, e.Position))
}

func SlotStarted(e *models.QueueEntry) Notice {
	n := forEntry(e, KindSlotStarted, models.NotificationInfo, "Your slot has started",
		fmt.Sprintf("The %s slot has started and no table is free yet. You can keep waiting or join the queue for another slot.",
			e.TimeSlotDisplay))
	n.RejoinOption = true
	return n
}

func SlotEnded(e *models.QueueEntry) Notice {
	return forEntry(e, KindSlotEnded, models.NotificationFailed, "Queue entry expired",
		fmt.Sprintf("The %s slot has ended without a free table. Your queue entry was removed.", e.TimeSlotDisplay))
}

func HoldExpired(e *models.QueueEntry) Notice {
	return forEntry(e, KindHoldExpired, models.NotificationFailed, "Table offer expired",
		"You did not confirm the held table in time, so it was offered to the next guest.")
}

func HoldDeclined(e *models.QueueEntry) Notice {
	return forEntry(e, KindHoldDeclined, models.NotificationInfo, "Table offer declined",
		"You declined the table. You can join the queue again for a different slot.")
}

func ReservationConfirmed(r *models.Reservation) Notice {
	return Notice{
		Kind:        KindReservationConfirmed,
		UserID:      r.UserID,
		EntryID:     r.QueueEntryID,
		Contact:     r.UserPhone,
		Type:        models.NotificationSuccess,
		Title:       "Reservation confirmed",
		Message:     fmt.Sprintf("Table %d is reserved for %d on %s, %s.", r.TableNumber, r.Guests, r.Date, r.TimeSlotLabel),
		ReferenceID: r.ID,
	}
}

func ReservationCancelled(r *models.Reservation) Notice {
	return Notice{
		Kind:        KindReservationCancelled,
		UserID:      r.UserID,
		Contact:     r.UserPhone,
		Type:        models.NotificationInfo,
		Title:       "Reservation cancelled",
		Message:     fmt.Sprintf("Your reservation for %s, %s was cancelled.", r.Date, r.TimeSlotLabel),
		ReferenceID: r.ID,
	}
}

func formatHold(d time.Duration) string {
	if d%time.Minute == 0 {
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return d.String()
}
