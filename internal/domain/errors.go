package domain

import "errors"

var (
	// ErrOutsideHours rejects a request before any calendar lookup.
	ErrOutsideHours = errors.New("requested time is outside operating hours")
	// ErrInvalidInput covers malformed dates, times and styles.
	ErrInvalidInput = errors.New("invalid input")
	// ErrSlotConflict means the slot fails the free-rule, including at
	// commit-time re-validation.
	ErrSlotConflict = errors.New("slot conflicts with existing classes")
	// ErrNotFound means no live negotiation matches the lookup.
	ErrNotFound = errors.New("negotiation not found")
	// ErrDuplicateRequest means the student already has a live
	// negotiation for the same slot.
	ErrDuplicateRequest = errors.New("duplicate booking request")
	// ErrNegotiationBusy means another transition currently holds the
	// per-negotiation lock.
	ErrNegotiationBusy = errors.New("negotiation is busy")
	// ErrCalendarUnavailable wraps calendar read/write failures.
	ErrCalendarUnavailable = errors.New("calendar service unavailable")
	// ErrVerificationMismatch means the post-insert read-back does not
	// match the expected event.
	ErrVerificationMismatch = errors.New("created event does not match booking")
)
