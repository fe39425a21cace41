// Package report builds the weekly class and payout summary from the
// shared calendar. Weeks run Saturday to Friday, matching the
// studio's pay cycle, and teachers are read off the event summaries
// since the calendar is the only record of who taught what.
package report

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/majaostudio/classbooking/internal/domain"
)

// Lister is the slice of the calendar the generator needs.
type Lister interface {
	ListEventRecords(ctx context.Context, timeMin, timeMax time.Time) ([]domain.EventRecord, error)
}

type TeacherStats struct {
	Teacher string  `json:"teacher"`
	Classes int     `json:"classes"`
	Hours   float64 `json:"hours"`
}

// WeeklyReport summarizes one Saturday-to-Friday week. Payments holds
// the COP owed per external teacher at the configured hourly rate;
// owner teachers take studio revenue directly and never appear in it.
type WeeklyReport struct {
	WeekStart    time.Time        `json:"week_start"`
	WeekEnd      time.Time        `json:"week_end"`
	TotalClasses int              `json:"total_classes"`
	TotalHours   float64          `json:"total_hours"`
	Teachers     []TeacherStats   `json:"teachers"`
	Payments     map[string]int64 `json:"payments"`
	TotalOwed    int64            `json:"total_owed"`
}

type Generator struct {
	calendar Lister
	tz       *time.Location
	rate     int64
	owners   map[string]struct{}
	clock    func() time.Time
}

func NewGenerator(calendar Lister, tz *time.Location, hourlyRateCOP int64, ownerTeachers []string) *Generator {
	owners := make(map[string]struct{}, len(ownerTeachers))
	for _, name := range ownerTeachers {
		owners[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
	}
	return &Generator{
		calendar: calendar,
		tz:       tz,
		rate:     hourlyRateCOP,
		owners:   owners,
		clock:    time.Now,
	}
}

// WithClock replaces the wall clock, for tests.
func (g *Generator) WithClock(clock func() time.Time) *Generator {
	g.clock = clock
	return g
}

// Generate builds the report for the current week, or for the one
// before it when previous is set.
func (g *Generator) Generate(ctx context.Context, previous bool) (*WeeklyReport, error) {
	start, end := g.weekBounds(previous)
	records, err := g.calendar.ListEventRecords(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("list week events: %w", err)
	}

	rep := &WeeklyReport{WeekStart: start, WeekEnd: end, Payments: make(map[string]int64)}
	hours := make(map[string]float64)
	classes := make(map[string]int)
	display := make(map[string]string)

	for _, rec := range records {
		duration := rec.End.Sub(rec.Start).Hours()
		if duration <= 0 {
			continue
		}
		rep.TotalClasses++
		rep.TotalHours += duration

		teacher := TeacherFromSummary(rec.Summary)
		if teacher == "" {
			continue
		}
		key := strings.ToLower(teacher)
		if _, seen := display[key]; !seen {
			display[key] = teacher
		}
		hours[key] += duration
		classes[key]++
	}

	for key, taught := range hours {
		rep.Teachers = append(rep.Teachers, TeacherStats{
			Teacher: display[key],
			Classes: classes[key],
			Hours:   taught,
		})
		if _, owner := g.owners[key]; owner {
			continue
		}
		owed := int64(math.Round(taught * float64(g.rate)))
		rep.Payments[display[key]] = owed
		rep.TotalOwed += owed
	}
	sort.Slice(rep.Teachers, func(i, j int) bool {
		if rep.Teachers[i].Hours != rep.Teachers[j].Hours {
			return rep.Teachers[i].Hours > rep.Teachers[j].Hours
		}
		return rep.Teachers[i].Teacher < rep.Teachers[j].Teacher
	})
	return rep, nil
}

func (g *Generator) weekBounds(previous bool) (time.Time, time.Time) {
	now := g.clock().In(g.tz)
	daysToSaturday := (int(now.Weekday()) - int(time.Saturday) + 7) % 7
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, g.tz).
		AddDate(0, 0, -daysToSaturday)
	if previous {
		start = start.AddDate(0, 0, -7)
	}
	return start, start.AddDate(0, 0, 7)
}

// Hand-entered events name the teacher after a connective, Spanish or
// English: "Ana y Chris: Salsa", "Privada con Sindi", "Ana & Maria:
// bachata". These are checked before the bootcamp dash form.
var teacherSeparators = []string{" y ", " con ", " and ", "&", "+"}

// TeacherFromSummary extracts the teacher's name from an event
// summary. Summaries without a recognizable teacher yield "".
func TeacherFromSummary(summary string) string {
	if idx := strings.LastIndex(summary, ":"); idx >= 0 {
		summary = summary[:idx]
	}
	lower := strings.ToLower(summary)
	for _, sep := range teacherSeparators {
		if idx := strings.Index(lower, sep); idx >= 0 {
			return cleanName(summary[idx+len(sep):])
		}
	}
	// Bootcamps are titled "Salsa Bootcamp - Teacher".
	if idx := strings.LastIndex(summary, " - "); idx >= 0 {
		return cleanName(summary[idx+3:])
	}
	return ""
}

func cleanName(name string) string {
	if idx := strings.Index(name, "("); idx >= 0 {
		name = name[:idx]
	}
	return strings.TrimSpace(name)
}
