package models

import "time"

// EntryStatus is the lifecycle state of a queue entry.
type EntryStatus string

const (
	StatusWaiting   EntryStatus = "waiting"
	StatusNotified  EntryStatus = "notified"
	StatusConfirmed EntryStatus = "confirmed"
	StatusCancelled EntryStatus = "cancelled"
	StatusExpired   EntryStatus = "expired"
)

// IsActive reports whether the entry still occupies a place in the ledger.
func (s EntryStatus) IsActive() bool {
	return s == StatusWaiting || s == StatusNotified
}

// NotificationMethod is how the guest asked to be contacted.
type NotificationMethod string

const (
	NotifySMS   NotificationMethod = "sms"
	NotifyEmail NotificationMethod = "email"
)

// OfferReason records why a hold was offered.
type OfferReason string

const (
	ReasonCancellation OfferReason = "cancellation"
	ReasonImmediate    OfferReason = "immediate"
)

// QueueEntry is one guest's place in line for a (date, slot, hall, segment) partition.
type QueueEntry struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"userId"`
	Name               string             `json:"name"`
	Guests             int                `json:"guests"`
	Contact            string             `json:"contact"`
	NotificationMethod NotificationMethod `json:"notificationMethod"`
	Hall               Hall               `json:"hall"`
	Segment            Segment            `json:"segment"`
	QueueDate          string             `json:"queueDate"` // YYYY-MM-DD
	TimeSlot           string             `json:"timeSlot"`  // "07:30-08:50"
	TimeSlotDisplay    string             `json:"timeSlotDisplay"`

	// Position is assigned on read from JoinedAt order; it is never stored.
	Position             int       `json:"position"`
	EstimatedWaitMinutes int       `json:"estimatedWaitMinutes"`
	JoinedAt             time.Time `json:"joinedAt"`

	NotifiedAt15Min             bool        `json:"notifiedAt15Min"`
	SlotStartNotified           bool        `json:"slotStartNotified"`
	TableAvailable              bool        `json:"tableAvailable"`
	TableConfirmed              bool        `json:"tableConfirmed"`
	Status                      EntryStatus `json:"status"`
	NotifiedAt                  *time.Time  `json:"notifiedAt,omitempty"`
	NotificationExpiresAt       *time.Time  `json:"notificationExpiresAt"`
	FromReservationCancellation bool        `json:"fromReservationCancellation"`
	OfferReason                 OfferReason `json:"offerReason,omitempty"`
	HeldTableID                 string      `json:"heldTableId,omitempty"`
	UpdatedAt                   time.Time   `json:"updatedAt"`
}

// Partition returns the ranking partition of the entry.
func (e *QueueEntry) Partition() PartitionKey {
	return PartitionKey{Date: e.QueueDate, Slot: e.TimeSlot, Hall: e.Hall, Segment: e.Segment}
}

// HoldLive reports whether the entry holds an offer whose deadline has not passed.
func (e *QueueEntry) HoldLive(now time.Time) bool {
	return e.Status == StatusNotified && e.NotificationExpiresAt != nil && now.Before(*e.NotificationExpiresAt)
}

// HoldDue reports whether the entry holds an offer whose deadline has passed.
func (e *QueueEntry) HoldDue(now time.Time) bool {
	return e.Status == StatusNotified && e.NotificationExpiresAt != nil && !now.Before(*e.NotificationExpiresAt)
}

// Accepts reports whether a concrete freed table location satisfies the entry.
// Any on the entry side is a wildcard.
func (e *QueueEntry) Accepts(hall Hall, segment Segment) bool {
	return e.Hall.Matches(hall) && e.Segment.Matches(segment)
}

// PartitionKey groups entries whose positions are ranked together.
type PartitionKey struct {
	Date    string  `json:"queueDate"`
	Slot    string  `json:"timeSlot"`
	Hall    Hall    `json:"hall"`
	Segment Segment `json:"segment"`
}

func (k PartitionKey) String() string {
	return k.Date + "|" + k.Slot + "|" + string(k.Hall) + "|" + string(k.Segment)
}

// SlotKey identifies the (date, slot) pair shared by several partitions.
func (k PartitionKey) SlotKey() string {
	return k.Date + "|" + k.Slot
}

// EntryPatch is the subset of fields a client may change through patch.
type EntryPatch struct {
	NotifiedAt15Min             *bool        `json:"notifiedAt15Min,omitempty"`
	SlotStartNotified           *bool        `json:"slotStartNotified,omitempty"`
	EstimatedWaitMinutes        *int         `json:"estimatedWaitMinutes,omitempty"`
	TableAvailable              *bool        `json:"tableAvailable,omitempty"`
	TableConfirmed              *bool        `json:"tableConfirmed,omitempty"`
	Status                      *EntryStatus `json:"status,omitempty"`
	NotificationExpiresAt       *time.Time   `json:"notificationExpiresAt,omitempty"`
	FromReservationCancellation *bool        `json:"fromReservationCancellation,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p EntryPatch) IsEmpty() bool {
	return p.NotifiedAt15Min == nil && p.SlotStartNotified == nil && p.EstimatedWaitMinutes == nil &&
		p.TableAvailable == nil && p.TableConfirmed == nil && p.Status == nil &&
		p.NotificationExpiresAt == nil && p.FromReservationCancellation == nil
}

// EntryFilter narrows a ledger listing. Empty fields match everything.
type EntryFilter struct {
	QueueDate  string
	TimeSlot   string
	UserID     string
	Statuses   []EntryStatus
	ActiveOnly bool
}

// PollResult is the compact status returned to frequently polling clients.
type PollResult struct {
	Entry                       *QueueEntry `json:"entry"`
	TableAvailable              bool        `json:"tableAvailable"`
	FromReservationCancellation bool        `json:"fromReservationCancellation"`
	AutoExpired                 bool        `json:"autoExpired"`
}
