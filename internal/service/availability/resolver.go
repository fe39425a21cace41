// Package availability answers "is this slot free?" over a snapshot of
// the day's calendar and proposes ranked alternatives when it is not.
// Every caller that needs a conflict decision goes through the one
// Resolver so the overlap-counting rule cannot diverge.
package availability

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/majaostudio/classbooking/internal/domain"
	"github.com/majaostudio/classbooking/internal/timegrid"
)

const DefaultMaxSuggestions = 3

// Decision is the outcome of a CheckSlot call.
type Decision struct {
	Free      bool
	Conflicts []domain.BusyEvent
}

// Resolver evaluates slots against the studio's capacity rule: at most
// maxConcurrent simultaneous classes, and only when every overlapping
// class shares the requested style. A single overlapping class of a
// different style blocks the slot outright.
type Resolver struct {
	window        timegrid.Window
	interval      time.Duration
	maxConcurrent int
}

func NewResolver(window timegrid.Window, interval time.Duration, maxConcurrent int) *Resolver {
	return &Resolver{
		window:        window,
		interval:      interval,
		maxConcurrent: maxConcurrent,
	}
}

// ValidateWindow rejects slots starting outside the operating window.
// It runs before any calendar read so that out-of-hours requests never
// touch the external service.
func (r *Resolver) ValidateWindow(requested domain.TimeSlot) error {
	if !r.window.Contains(requested.Start) {
		return fmt.Errorf("slot %s: %w", requested.Start.Format("15:04"), domain.ErrOutsideHours)
	}
	return nil
}

// CheckSlot decides whether the requested slot is free given the busy
// events. The snapshot is read-only; CheckSlot has no side effects and
// is safe to call concurrently.
func (r *Resolver) CheckSlot(requested domain.TimeSlot, style string, busy []domain.BusyEvent) (Decision, error) {
	if err := r.ValidateWindow(requested); err != nil {
		return Decision{}, err
	}

	overlapping := overlappingEvents(requested, busy)
	return Decision{
		Free:      r.slotFree(overlapping, style),
		Conflicts: overlapping,
	}, nil
}

// SuggestAlternatives scans the requested day's window at the grid
// interval and returns up to maxSuggestions free slots, ordered as the
// student sees them: the closest free slot before the request, the
// closest after, then remaining slots by distance from the requested
// start. The requested slot itself is never suggested. An empty result
// means nothing in the day is free.
func (r *Resolver) SuggestAlternatives(requested domain.TimeSlot, style string, busy []domain.BusyEvent, maxSuggestions int) []domain.TimeSlot {
	if maxSuggestions <= 0 {
		maxSuggestions = DefaultMaxSuggestions
	}

	var free []domain.TimeSlot
	for _, candidate := range timegrid.Candidates(requested.Start, r.window, r.interval, requested.Duration()) {
		if candidate.Start.Equal(requested.Start) {
			continue
		}
		if r.slotFree(overlappingEvents(candidate, busy), style) {
			free = append(free, candidate)
		}
	}
	if len(free) == 0 {
		return nil
	}

	var suggestions []domain.TimeSlot
	if before, ok := closestBefore(free, requested.Start); ok {
		suggestions = append(suggestions, before)
	}
	if after, ok := closestAfter(free, requested.Start); ok {
		suggestions = append(suggestions, after)
	}

	if len(suggestions) < maxSuggestions {
		remaining := make([]domain.TimeSlot, 0, len(free))
		for _, slot := range free {
			if !containsSlot(suggestions, slot) {
				remaining = append(remaining, slot)
			}
		}
		sort.SliceStable(remaining, func(i, j int) bool {
			di := absDistance(remaining[i].Start, requested.Start)
			dj := absDistance(remaining[j].Start, requested.Start)
			if di != dj {
				return di < dj
			}
			return remaining[i].Start.Before(remaining[j].Start)
		})
		for _, slot := range remaining {
			if len(suggestions) == maxSuggestions {
				break
			}
			suggestions = append(suggestions, slot)
		}
	}

	if len(suggestions) > maxSuggestions {
		suggestions = suggestions[:maxSuggestions]
	}
	return suggestions
}

func (r *Resolver) slotFree(overlapping []domain.BusyEvent, style string) bool {
	if len(overlapping) == 0 {
		return true
	}
	if len(overlapping) >= r.maxConcurrent {
		return false
	}
	for _, event := range overlapping {
		if !sameStyle(event.Style, style) {
			return false
		}
	}
	return true
}

func overlappingEvents(slot domain.TimeSlot, busy []domain.BusyEvent) []domain.BusyEvent {
	var overlapping []domain.BusyEvent
	for _, event := range busy {
		if slot.Overlaps(event.Slot()) {
			overlapping = append(overlapping, event)
		}
	}
	return overlapping
}

func sameStyle(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func closestBefore(slots []domain.TimeSlot, pivot time.Time) (domain.TimeSlot, bool) {
	var best domain.TimeSlot
	found := false
	for _, slot := range slots {
		if !slot.Start.Before(pivot) {
			continue
		}
		if !found || slot.Start.After(best.Start) {
			best = slot
			found = true
		}
	}
	return best, found
}

func closestAfter(slots []domain.TimeSlot, pivot time.Time) (domain.TimeSlot, bool) {
	var best domain.TimeSlot
	found := false
	for _, slot := range slots {
		if !slot.Start.After(pivot) {
			continue
		}
		if !found || slot.Start.Before(best.Start) {
			best = slot
			found = true
		}
	}
	return best, found
}

func containsSlot(slots []domain.TimeSlot, target domain.TimeSlot) bool {
	for _, slot := range slots {
		if slot.Start.Equal(target.Start) {
			return true
		}
	}
	return false
}

func absDistance(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}
