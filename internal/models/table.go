package models

import (
	"fmt"
	"strings"
)

// Hall is a dining room. Any is only valid on the request side.
type Hall string

const (
	HallAC   Hall = "AC"
	HallMain Hall = "Main"
	HallVIP  Hall = "VIP"
	HallAny  Hall = "Any"
)

// ParseHall accepts the wire value ("AC") as well as the location form ("ac hall").
func ParseHall(s string) (Hall, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimSuffix(v, " hall")
	switch v {
	case "ac":
		return HallAC, nil
	case "main":
		return HallMain, nil
	case "vip":
		return HallVIP, nil
	case "any", "":
		return HallAny, nil
	}
	return "", fmt.Errorf("unknown hall %q", s)
}

// Matches reports whether the requested hall h accepts the concrete hall other.
func (h Hall) Matches(other Hall) bool {
	return h == HallAny || h == other
}

// Location is the reservation-side spelling, e.g. "vip hall".
func (h Hall) Location() string {
	if h == HallAny {
		return "any"
	}
	return strings.ToLower(string(h)) + " hall"
}

// DisplayName is the guest-facing spelling, e.g. "VIP Hall".
func (h Hall) DisplayName() string {
	if h == HallAny {
		return "Any Hall"
	}
	return string(h) + " Hall"
}

// Segment is a zone within a hall. Any is only valid on the request side.
type Segment string

const (
	SegmentFront  Segment = "Front"
	SegmentMiddle Segment = "Middle"
	SegmentBack   Segment = "Back"
	SegmentAny    Segment = "Any"
)

// ParseSegment accepts "Front" as well as longer labels like "Front side Tables".
func ParseSegment(s string) (Segment, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" || v == "any" {
		return SegmentAny, nil
	}
	for _, seg := range []Segment{SegmentFront, SegmentMiddle, SegmentBack} {
		if strings.HasPrefix(v, strings.ToLower(string(seg))) {
			return seg, nil
		}
	}
	return "", fmt.Errorf("unknown segment %q", s)
}

// Matches reports whether the requested segment s accepts the concrete segment other.
func (s Segment) Matches(other Segment) bool {
	if s == SegmentAny {
		return true
	}
	return strings.HasPrefix(strings.ToLower(string(other)), strings.ToLower(string(s)))
}

// Table is one physical table on the floor plan.
type Table struct {
	ID       string  `json:"tableId" yaml:"id"`
	Number   int     `json:"tableNumber" yaml:"number"`
	Name     string  `json:"tableName" yaml:"name"`
	Hall     Hall    `json:"hall" yaml:"hall"`
	Segment  Segment `json:"segment" yaml:"segment"`
	Capacity int     `json:"capacity" yaml:"capacity"`
}

// TableID formats a table number the way reservations reference it ("T001").
func TableID(number int) string {
	return fmt.Sprintf("T%03d", number)
}

// Fits reports whether the table can seat the party in the requested location.
func (t Table) Fits(guests int, hall Hall, segment Segment) bool {
	return t.Capacity >= guests && hall.Matches(t.Hall) && segment.Matches(t.Segment)
}

// DefaultFloorPlan is the restaurant layout used when no floor plan file is configured.
func DefaultFloorPlan() []Table {
	return []Table{
		{ID: "T001", Number: 1, Name: "VIP Table 1", Hall: HallVIP, Segment: SegmentFront, Capacity: 4},
		{ID: "T002", Number: 2, Name: "VIP Table 2", Hall: HallVIP, Segment: SegmentMiddle, Capacity: 6},
		{ID: "T003", Number: 3, Name: "VIP Table 3", Hall: HallVIP, Segment: SegmentBack, Capacity: 8},
		{ID: "T004", Number: 4, Name: "AC Table 1", Hall: HallAC, Segment: SegmentFront, Capacity: 4},
		{ID: "T005", Number: 5, Name: "AC Table 2", Hall: HallAC, Segment: SegmentMiddle, Capacity: 4},
		{ID: "T006", Number: 6, Name: "AC Table 3", Hall: HallAC, Segment: SegmentMiddle, Capacity: 6},
		{ID: "T007", Number: 7, Name: "AC Table 4", Hall: HallAC, Segment: SegmentBack, Capacity: 2},
		{ID: "T008", Number: 8, Name: "Main Table 1", Hall: HallMain, Segment: SegmentFront, Capacity: 4},
		{ID: "T009", Number: 9, Name: "Main Table 2", Hall: HallMain, Segment: SegmentFront, Capacity: 6},
		{ID: "T010", Number: 10, Name: "Main Table 3", Hall: HallMain, Segment: SegmentMiddle, Capacity: 8},
		{ID: "T011", Number: 11, Name: "Main Table 4", Hall: HallMain, Segment: SegmentBack, Capacity: 2},
		{ID: "T012", Number: 12, Name: "Main Table 5", Hall: HallMain, Segment: SegmentBack, Capacity: 4},
	}
}
