// Package parse extracts booking intents from inbound WhatsApp/SMS
// text. The grammar is deliberately rigid: a student request names a
// day, a style and a time; a teacher approval is "yes DATE TIME".
// Anything richer is handed to the conversational responder instead.
package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// StudentRequest is a parsed student booking message. Date is
// YYYY-MM-DD and Time is HH:MM, both still unresolved to an instant.
type StudentRequest struct {
	Date  string
	Time  string
	Style string
}

var (
	bookingRe  = regexp.MustCompile(`(tomorrow|next \w+day|\d{4}-\d{2}-\d{2}|monday|tuesday|wednesday|thursday|friday|saturday|sunday)\s+(\w+)\s+(?:at|around)?\s*(\d{1,2}(?::\d{2})?(?:\s*(?:am|pm))?)`)
	approvalRe = regexp.MustCompile(`yes (\d{4}-\d{2}-\d{2}) (\d{2}:\d{2})`)
	declineRe  = regexp.MustCompile(`^no(?:\s+(\d{4}-\d{2}-\d{2})\s+(\d{2}:\d{2}))?$`)
	emailRe    = regexp.MustCompile(`[\w.-]+@[\w.-]+\.\w+`)
	clockRe    = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?(am|pm)?$`)
)

var weekdays = map[string]time.Weekday{
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sunday":    time.Sunday,
}

// StudentBooking extracts a booking request from a student message.
// Relative dates (tomorrow, next friday, bare weekday names) resolve
// against now; a bare weekday always means its next occurrence, never
// today.
func StudentBooking(message string, now time.Time) (StudentRequest, bool) {
	match := bookingRe.FindStringSubmatch(strings.ToLower(message))
	if match == nil {
		return StudentRequest{}, false
	}
	dateWord, style, timeWord := match[1], match[2], match[3]

	date, ok := resolveDate(dateWord, now)
	if !ok {
		return StudentRequest{}, false
	}
	clock, ok := NormalizeClock(timeWord)
	if !ok {
		return StudentRequest{}, false
	}

	return StudentRequest{Date: date, Time: clock, Style: style}, true
}

// TeacherApproval extracts the date and time from a "yes DATE TIME"
// teacher reply.
func TeacherApproval(message string) (date, clock string, ok bool) {
	match := approvalRe.FindStringSubmatch(strings.ToLower(message))
	if match == nil {
		return "", "", false
	}
	return match[1], match[2], true
}

// TeacherDecline matches a reply that is exactly "no", optionally
// followed by the slot being declined. Empty date and time mean the
// teacher declined without naming a slot. Messages that merely start
// with "no" ("nope", "no worries, ...") are not declines; anything
// else in them must get a chance to be parsed.
func TeacherDecline(message string) (date, clock string, ok bool) {
	match := declineRe.FindStringSubmatch(strings.ToLower(strings.TrimSpace(message)))
	if match == nil {
		return "", "", false
	}
	return match[1], match[2], true
}

// Email returns the first email address in the message.
func Email(message string) (string, bool) {
	email := emailRe.FindString(message)
	return email, email != ""
}

// NormalizeClock turns loose user time spellings ("3pm", "9:30 am",
// "14:00") into zero-padded 24-hour HH:MM.
func NormalizeClock(raw string) (string, bool) {
	raw = strings.ToLower(strings.ReplaceAll(raw, " ", ""))
	match := clockRe.FindStringSubmatch(raw)
	if match == nil {
		return "", false
	}

	hour, err := strconv.Atoi(match[1])
	if err != nil || hour > 23 {
		return "", false
	}
	minute := 0
	if match[2] != "" {
		minute, err = strconv.Atoi(match[2])
		if err != nil || minute > 59 {
			return "", false
		}
	}
	switch match[3] {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	return fmt.Sprintf("%02d:%02d", hour, minute), true
}

func resolveDate(word string, now time.Time) (string, bool) {
	switch {
	case word == "tomorrow":
		return now.AddDate(0, 0, 1).Format("2006-01-02"), true
	case strings.HasPrefix(word, "next "):
		day, ok := weekdays[strings.TrimPrefix(word, "next ")]
		if !ok {
			return "", false
		}
		return nextWeekday(now, day).Format("2006-01-02"), true
	default:
		if day, ok := weekdays[word]; ok {
			return nextWeekday(now, day).Format("2006-01-02"), true
		}
		if _, err := time.Parse("2006-01-02", word); err == nil {
			return word, true
		}
		return "", false
	}
}

func nextWeekday(now time.Time, target time.Weekday) time.Time {
	ahead := (int(target) - int(now.Weekday()) + 7) % 7
	if ahead == 0 {
		ahead = 7
	}
	return now.AddDate(0, 0, ahead)
}
