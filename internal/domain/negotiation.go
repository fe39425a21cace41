package domain

import "time"

type NegotiationState string

const (
	StatePendingTeacherApproval NegotiationState = "PENDING_TEACHER_APPROVAL"
	StateAwaitingStudentEmail   NegotiationState = "AWAITING_STUDENT_EMAIL"
	StateBooked                 NegotiationState = "BOOKED"
	StateDeclined               NegotiationState = "DECLINED"
	StateExpired                NegotiationState = "EXPIRED"
	StateFailed                 NegotiationState = "FAILED"
)

// Terminal reports whether the negotiation can no longer transition.
func (s NegotiationState) Terminal() bool {
	switch s {
	case StateBooked, StateDeclined, StateExpired, StateFailed:
		return true
	}
	return false
}

// BookingRequest is one negotiation between a student and the teacher
// about a single class slot.
type BookingRequest struct {
	ID             string
	StudentName    string
	StudentContact string
	TeacherContact string
	Style          string
	SlotStart      time.Time
	SlotEnd        time.Time
	State          NegotiationState
	StudentEmail   string
	EventID        string
	FailureReason  string
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (b *BookingRequest) Slot() TimeSlot {
	return TimeSlot{Start: b.SlotStart, End: b.SlotEnd}
}
