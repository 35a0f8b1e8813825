package models

import "time"

// Reservation statuses use the capitalized spelling of the reservation store.
const (
	ReservationConfirmed = "Confirmed"
	ReservationCancelled = "Cancelled"
)

// Reservation is a confirmed table booking for a (date, slot).
type Reservation struct {
	ID            string    `json:"reservationId"`
	UserID        string    `json:"userId"`
	TableNumber   int       `json:"tableNumber"`
	TableID       string    `json:"tableId"`
	Date          string    `json:"date"`
	TimeSlot      string    `json:"timeSlot"`
	TimeSlotLabel string    `json:"timeSlotLabel"`
	Guests        int       `json:"guests"`
	Location      string    `json:"location"`
	Segment       string    `json:"segment"`
	UserName      string    `json:"userName"`
	UserPhone     string    `json:"userPhone"`
	Status        string    `json:"status"`
	QueueEntryID  string    `json:"queueEntryId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// NotificationType classifies an in-app notification.
type NotificationType string

const (
	NotificationSuccess NotificationType = "success"
	NotificationPending NotificationType = "pending"
	NotificationFailed  NotificationType = "failed"
	NotificationInfo    NotificationType = "info"
)

// Notification is an in-app message for a guest.
type Notification struct {
	ID          string           `json:"id"`
	UserID      string           `json:"userId"`
	Type        NotificationType `json:"type"`
	Title       string           `json:"title"`
	Message     string           `json:"message"`
	ReferenceID string           `json:"referenceId,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	IsRead      bool             `json:"isRead"`
}

// Outcome is the terminal result recorded for a queue entry.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeDeclined  Outcome = "declined"
	OutcomeExpired   Outcome = "expired"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeSlotEnded Outcome = "slot_ended"
)

// HistoryRecord is an audit row written whenever an entry leaves the ledger.
type HistoryRecord struct {
	ID         int64     `json:"id"`
	EntryID    string    `json:"entryId"`
	UserID     string    `json:"userId"`
	QueueDate  string    `json:"queueDate"`
	TimeSlot   string    `json:"timeSlot"`
	Hall       Hall      `json:"hall"`
	Segment    Segment   `json:"segment"`
	Guests     int       `json:"guests"`
	Outcome    Outcome   `json:"outcome"`
	TableID    string    `json:"tableId,omitempty"`
	JoinedAt   time.Time `json:"joinedAt"`
	ResolvedAt time.Time `json:"resolvedAt"`
}
