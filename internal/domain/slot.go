package domain

import "time"

// TimeSlot is a contiguous interval considered for a class booking.
// Start and End are instants in the studio's operating timezone.
type TimeSlot struct {
	Start time.Time
	End   time.Time
}

func (s TimeSlot) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Overlaps uses half-open interval intersection, so back-to-back
// slots do not count as overlapping.
func (s TimeSlot) Overlaps(other TimeSlot) bool {
	return other.Start.Before(s.End) && other.End.After(s.Start)
}

// BusyEvent is an existing calendar entry relevant to conflict
// checking. Style is the class style derived from the event summary,
// empty when the entry is not a class.
type BusyEvent struct {
	Start time.Time
	End   time.Time
	Style string
}

func (e BusyEvent) Slot() TimeSlot {
	return TimeSlot{Start: e.Start, End: e.End}
}

// EventRecord is the calendar's view of a created event, used for the
// post-insert verification read-back.
type EventRecord struct {
	ID      string
	Summary string
	Start   time.Time
	End     time.Time
}
