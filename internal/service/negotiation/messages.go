package negotiation

import (
	"fmt"

	"github.com/majaostudio/classbooking/internal/domain"
)

func teacherRequestMessage(r *domain.BookingRequest) string {
	date := r.SlotStart.Format("2006-01-02")
	clock := r.SlotStart.Format("15:04")
	return fmt.Sprintf(
		"New booking request:\nStudent: %s\nStyle: %s\nDate: %s\nTime: %s\n\nReply with:\nYES %s %s to confirm\nNO to decline",
		r.StudentName, r.Style, date, clock, date, clock)
}

func studentDeclinedMessage(r *domain.BookingRequest) string {
	return fmt.Sprintf("Hi %s, sorry, the teacher can't make your %s class on %s at %s. Let's pick another time.",
		r.StudentName, r.Style, r.SlotStart.Format("Mon Jan 2"), r.SlotStart.Format("15:04"))
}

func studentBookedMessage(r *domain.BookingRequest) string {
	return fmt.Sprintf("Hi %s, your booking is confirmed! Invite sent to %s.",
		r.StudentName, r.StudentEmail)
}

func studentFailedMessage(r *domain.BookingRequest) string {
	return fmt.Sprintf("Hi %s, sorry, that slot's no longer available. Let's pick another time.",
		r.StudentName)
}

func studentExpiredMessage(r *domain.BookingRequest) string {
	return fmt.Sprintf("Hi %s, we didn't hear back from the teacher about your %s class on %s at %s, so the request expired. Feel free to ask for another time.",
		r.StudentName, r.Style, r.SlotStart.Format("Mon Jan 2"), r.SlotStart.Format("15:04"))
}

func teacherVerifyFailedMessage(r *domain.BookingRequest) string {
	return fmt.Sprintf("Heads up: the calendar entry for %s's %s class on %s at %s could not be verified. Please check the calendar.",
		r.StudentName, r.Style, r.SlotStart.Format("2006-01-02"), r.SlotStart.Format("15:04"))
}
