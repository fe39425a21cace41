// Package gcal implements the calendar service on Google Calendar,
// which is where the studio's shared schedule actually lives.
package gcal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/majaostudio/classbooking/config"
	"github.com/majaostudio/classbooking/internal/domain"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

type Client struct {
	svc        *calendar.Service
	calendarID string
	location   string
	tz         *time.Location
}

func NewClient(ctx context.Context, cfg config.CalendarConfig, tz *time.Location) (*Client, error) {
	svc, err := calendar.NewService(ctx,
		option.WithCredentialsFile(cfg.CredentialsFile),
		option.WithScopes(calendar.CalendarScope))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}

	calendarID := cfg.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}
	return &Client{svc: svc, calendarID: calendarID, location: cfg.Location, tz: tz}, nil
}

// ListEvents returns the scheduled classes intersecting [timeMin,
// timeMax). All-day entries carry no clock time and are skipped.
func (c *Client) ListEvents(ctx context.Context, timeMin, timeMax time.Time) ([]domain.BusyEvent, error) {
	res, err := c.svc.Events.List(c.calendarID).
		TimeMin(timeMin.Format(time.RFC3339)).
		TimeMax(timeMax.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	events := make([]domain.BusyEvent, 0, len(res.Items))
	for _, item := range res.Items {
		if item.Start == nil || item.Start.DateTime == "" || item.End == nil || item.End.DateTime == "" {
			continue
		}
		start, err := time.Parse(time.RFC3339, item.Start.DateTime)
		if err != nil {
			continue
		}
		end, err := time.Parse(time.RFC3339, item.End.DateTime)
		if err != nil {
			continue
		}
		events = append(events, domain.BusyEvent{
			Start: start.In(c.tz),
			End:   end.In(c.tz),
			Style: StyleFromSummary(item.Summary),
		})
	}
	return events, nil
}

func (c *Client) InsertEvent(ctx context.Context, slot domain.TimeSlot, summary, description string, attendees []string) (string, error) {
	event := &calendar.Event{
		Summary:     summary,
		Location:    c.location,
		Description: description,
		Start:       &calendar.EventDateTime{DateTime: slot.Start.Format(time.RFC3339), TimeZone: c.tz.String()},
		End:         &calendar.EventDateTime{DateTime: slot.End.Format(time.RFC3339), TimeZone: c.tz.String()},
	}
	for _, email := range attendees {
		event.Attendees = append(event.Attendees, &calendar.EventAttendee{Email: email})
	}

	created, err := c.svc.Events.Insert(c.calendarID, event).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return created.Id, nil
}

// ListEventRecords returns full event records, summaries included,
// intersecting [timeMin, timeMax). The weekly report needs the
// summaries to work out who taught each class; all-day entries are
// skipped the same way ListEvents skips them.
func (c *Client) ListEventRecords(ctx context.Context, timeMin, timeMax time.Time) ([]domain.EventRecord, error) {
	res, err := c.svc.Events.List(c.calendarID).
		TimeMin(timeMin.Format(time.RFC3339)).
		TimeMax(timeMax.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	records := make([]domain.EventRecord, 0, len(res.Items))
	for _, item := range res.Items {
		if item.Start == nil || item.Start.DateTime == "" || item.End == nil || item.End.DateTime == "" {
			continue
		}
		start, err := time.Parse(time.RFC3339, item.Start.DateTime)
		if err != nil {
			continue
		}
		end, err := time.Parse(time.RFC3339, item.End.DateTime)
		if err != nil {
			continue
		}
		records = append(records, domain.EventRecord{
			ID:      item.Id,
			Summary: item.Summary,
			Start:   start.In(c.tz),
			End:     end.In(c.tz),
		})
	}
	return records, nil
}

func (c *Client) GetEvent(ctx context.Context, eventID string) (*domain.EventRecord, error) {
	event, err := c.svc.Events.Get(c.calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", eventID, err)
	}

	record := &domain.EventRecord{ID: event.Id, Summary: event.Summary}
	if event.Start != nil && event.Start.DateTime != "" {
		if start, err := time.Parse(time.RFC3339, event.Start.DateTime); err == nil {
			record.Start = start.In(c.tz)
		}
	}
	if event.End != nil && event.End.DateTime != "" {
		if end, err := time.Parse(time.RFC3339, event.End.DateTime); err == nil {
			record.End = end.In(c.tz)
		}
	}
	return record, nil
}

// StyleFromSummary derives the class style from a summary shaped like
// "Student & Teacher: Style". Summaries without a colon are not
// classes and yield an empty style.
func StyleFromSummary(summary string) string {
	idx := strings.LastIndex(summary, ":")
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(summary[idx+1:])
}
