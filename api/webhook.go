package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/majaostudio/classbooking/internal/domain"
	"github.com/majaostudio/classbooking/internal/parse"
	"github.com/majaostudio/classbooking/internal/service/negotiation"
	"github.com/majaostudio/classbooking/internal/timegrid"
	"go.uber.org/zap"
)

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// Responder produces a reply for messages that are not booking
// intents. The real implementation is the conversational model, which
// lives outside this service.
type Responder interface {
	Reply(ctx context.Context, senderName, message string) (string, error)
}

// CannedResponder is the default fallback when no conversational
// backend is wired in.
type CannedResponder struct{}

func (CannedResponder) Reply(_ context.Context, senderName, _ string) (string, error) {
	return fmt.Sprintf("Hi %s! To book a private class, tell me the day, style and time, for example: \"tomorrow salsa at 2pm\".", senderName), nil
}

// WebhookHandler translates Twilio webhook payloads into negotiation
// triggers. Messages from the teacher's number are approval-flow
// replies; everything else is treated as a student.
type WebhookHandler struct {
	negotiations  negotiation.UseCase
	gateway       negotiation.Gateway
	responder     Responder
	teacherNumber string
	tz            *time.Location
	hours         string
	clock         func() time.Time
	log           *zap.Logger
}

func NewWebhookHandler(negotiations negotiation.UseCase, gateway negotiation.Gateway, responder Responder, teacherNumber string, tz *time.Location, window timegrid.Window, log *zap.Logger) *WebhookHandler {
	if responder == nil {
		responder = CannedResponder{}
	}
	return &WebhookHandler{
		negotiations:  negotiations,
		gateway:       gateway,
		responder:     responder,
		teacherNumber: bareNumber(teacherNumber),
		tz:            tz,
		hours:         hoursText(window),
		clock:         time.Now,
		log:           log,
	}
}

func (h *WebhookHandler) Register(router *gin.RouterGroup) {
	router.POST("/webhook", h.handle)
}

func (h *WebhookHandler) handle(c *gin.Context) {
	sender := bareNumber(c.PostForm("From"))
	body := strings.TrimSpace(c.PostForm("Body"))
	name := c.PostForm("ProfileName")
	if name == "" {
		name = "User"
	}
	h.log.Info("inbound message", zap.String("from", sender), zap.String("name", name))

	ctx := c.Request.Context()
	if sender == h.teacherNumber {
		h.handleTeacher(ctx, body)
	} else {
		h.handleStudent(ctx, sender, name, body)
	}
	c.Data(http.StatusOK, "text/xml", []byte(emptyTwiML))
}

func (h *WebhookHandler) handleTeacher(ctx context.Context, body string) {
	if date, clock, ok := parse.TeacherApproval(body); ok {
		_, err := h.negotiations.ApproveNegotiation(ctx, date, clock)
		if err != nil {
			h.replyTeacher(ctx, teacherErrorText(err))
		}
		return
	}
	if date, clock, ok := parse.TeacherDecline(body); ok {
		_, err := h.negotiations.DeclineNegotiation(ctx, date, clock)
		if err != nil {
			h.replyTeacher(ctx, teacherErrorText(err))
		}
		return
	}
	if email, ok := parse.Email(body); ok {
		request, err := h.negotiations.CompleteNegotiation(ctx, email)
		if err != nil {
			h.replyTeacher(ctx, teacherErrorText(err))
			return
		}
		switch request.State {
		case domain.StateBooked:
			h.replyTeacher(ctx, fmt.Sprintf("Booked %s for %s on %s at %s. Invite sent to %s.",
				request.Style, request.StudentName,
				request.SlotStart.Format("Mon Jan 2"), request.SlotStart.Format("15:04"), email))
		case domain.StateFailed:
			h.replyTeacher(ctx, fmt.Sprintf("Couldn't book that class: %s. The student has been notified.", request.FailureReason))
		}
		return
	}
	h.replyTeacher(ctx, "I didn't understand that. Please reply with 'yes DATE TIME', 'no', or a student email.")
}

func (h *WebhookHandler) handleStudent(ctx context.Context, sender, name, body string) {
	details, ok := parse.StudentBooking(body, h.clock().In(h.tz))
	if !ok {
		reply, err := h.responder.Reply(ctx, name, body)
		if err != nil {
			h.log.Warn("responder failed", zap.Error(err))
			reply, _ = CannedResponder{}.Reply(ctx, name, body)
		}
		h.reply(ctx, sender, reply)
		return
	}

	result, err := h.negotiations.StartNegotiation(ctx, negotiation.StartInput{
		StudentName:    name,
		StudentContact: sender,
		Style:          details.Style,
		Date:           details.Date,
		Clock:          details.Time,
	})
	if err != nil {
		h.reply(ctx, sender, studentErrorText(name, h.hours, err))
		return
	}

	if result.Free {
		h.reply(ctx, sender, fmt.Sprintf(
			"Hi %s, I've sent your %s class request for %s at %s to the teacher. I'll get back to you soon with confirmation!",
			name, details.Style, details.Date, details.Time))
		return
	}
	h.reply(ctx, sender, fmt.Sprintf(
		"Hi %s, sorry, %s at %s is fully booked.\n\nAvailable time slots:\n%s",
		name, details.Date, details.Time, formatSuggestions(result.Suggestions)))
}

func (h *WebhookHandler) reply(ctx context.Context, to, body string) {
	if err := h.gateway.Notify(ctx, to, body); err != nil {
		h.log.Error("reply lost", zap.String("to", to), zap.Error(err))
	}
}

func (h *WebhookHandler) replyTeacher(ctx context.Context, body string) {
	h.reply(ctx, h.teacherNumber, body)
}

func formatSuggestions(suggestions []domain.TimeSlot) string {
	if len(suggestions) == 0 {
		return "No alternative times available today"
	}
	lines := make([]string, 0, len(suggestions))
	for i, slot := range suggestions {
		lines = append(lines, fmt.Sprintf("%d. %s-%s", i+1, slot.Start.Format("15:04"), slot.End.Format("15:04")))
	}
	return strings.Join(lines, "\n")
}

func teacherErrorText(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "I couldn't find a matching booking request. Please reply with 'yes DATE TIME', 'no', or a student email."
	case errors.Is(err, domain.ErrNegotiationBusy):
		return "That request is being processed right now, please try again in a moment."
	default:
		return "Something went wrong handling that, please try again."
	}
}

func studentErrorText(name, hours string, err error) string {
	switch {
	case errors.Is(err, domain.ErrOutsideHours):
		return fmt.Sprintf("Hi %s, that time is outside our operating hours (%s). Could you pick another time?", name, hours)
	case errors.Is(err, domain.ErrDuplicateRequest):
		return fmt.Sprintf("Hi %s, you already have a request for that slot. I'll let you know as soon as the teacher replies!", name)
	case errors.Is(err, domain.ErrInvalidInput):
		return fmt.Sprintf("Hi %s, I couldn't read that date and time. Try something like \"tomorrow salsa at 2pm\".", name)
	default:
		return fmt.Sprintf("Hi %s, I'm having trouble checking the calendar right now. Please try again in a few minutes.", name)
	}
}

func bareNumber(number string) string {
	return strings.TrimPrefix(number, "whatsapp:")
}

// hoursText renders the operating window the way it reads in a chat
// message, e.g. "8:00 AM - 5:30 PM".
func hoursText(window timegrid.Window) string {
	midnight := time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)
	return fmt.Sprintf("%s - %s",
		midnight.Add(window.Open).Format("3:04 PM"),
		midnight.Add(window.Close).Format("3:04 PM"))
}
