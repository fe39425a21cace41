// Package timegrid holds the pure time arithmetic shared by the
// availability resolver: the studio's daily operating window and the
// fixed interval at which candidate slots are sampled.
package timegrid

import (
	"time"

	"github.com/majaostudio/classbooking/internal/domain"
)

// Window is the daily operating window, expressed as offsets from
// midnight. A class may start at any point inside [Open, Close],
// including exactly at Close.
type Window struct {
	Open  time.Duration
	Close time.Duration
}

// Contains reports whether a class may start at t.
func (w Window) Contains(t time.Time) bool {
	offset := midnightOffset(t)
	return offset >= w.Open && offset <= w.Close
}

// DayBounds returns the open and close instants of the window on t's
// calendar day, in t's location.
func (w Window) DayBounds(t time.Time) (time.Time, time.Time) {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return midnight.Add(w.Open), midnight.Add(w.Close)
}

// Align rounds t down to the previous grid point, counting from
// midnight in t's location.
func Align(t time.Time, interval time.Duration) time.Time {
	offset := midnightOffset(t)
	return t.Add(-(offset % interval))
}

// Aligned reports whether t sits exactly on a grid point.
func Aligned(t time.Time, interval time.Duration) bool {
	return midnightOffset(t)%interval == 0
}

// Candidates samples every slot of the given length whose start lies
// inside the window on day, stepping by interval. A slot starting at
// the close of the window is included even though it ends after it,
// matching how the studio actually books its last class of the day.
func Candidates(day time.Time, w Window, interval, length time.Duration) []domain.TimeSlot {
	open, close := w.DayBounds(day)

	var slots []domain.TimeSlot
	for start := open; !start.After(close); start = start.Add(interval) {
		slots = append(slots, domain.TimeSlot{Start: start, End: start.Add(length)})
	}
	return slots
}

func midnightOffset(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second
}
