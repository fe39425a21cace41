// Package negotiation owns the lifecycle of a booking request from the
// first parsed student message to a terminal state. Exactly one
// calendar mutation happens per approved request: availability is
// re-validated immediately before the insert, and the insert is
// verified by a read-back before the request is declared booked.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/majaostudio/classbooking/internal/domain"
	"github.com/majaostudio/classbooking/internal/kafka"
	"github.com/majaostudio/classbooking/internal/repository"
	"github.com/majaostudio/classbooking/internal/service/availability"
	"github.com/majaostudio/classbooking/internal/timegrid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

type UseCase interface {
	StartNegotiation(ctx context.Context, input StartInput) (*StartResult, error)
	ApproveNegotiation(ctx context.Context, date, clock string) (*domain.BookingRequest, error)
	DeclineNegotiation(ctx context.Context, date, clock string) (*domain.BookingRequest, error)
	CompleteNegotiation(ctx context.Context, studentEmail string) (*domain.BookingRequest, error)
	ExpirePendingNegotiations(ctx context.Context) ([]domain.BookingRequest, error)
	CheckAvailability(ctx context.Context, date, clock, style string) (*AvailabilityResult, error)
}

// Calendar is the external shared calendar. It is uncoordinated: other
// systems write to it too, so freshness is only guaranteed by reading
// again right before committing.
type Calendar interface {
	ListEvents(ctx context.Context, timeMin, timeMax time.Time) ([]domain.BusyEvent, error)
	InsertEvent(ctx context.Context, slot domain.TimeSlot, summary, description string, attendees []string) (string, error)
	GetEvent(ctx context.Context, eventID string) (*domain.EventRecord, error)
}

// Gateway delivers outbound notifications. Implementations handle
// channel fallback and queueing; a nil return means delivered or
// durably queued.
type Gateway interface {
	Notify(ctx context.Context, to, body string) error
}

// Locker serializes transitions per negotiation id.
type Locker interface {
	AcquireNegotiationLock(ctx context.Context, id string, ttl time.Duration) (bool, error)
	ReleaseNegotiationLock(ctx context.Context, id string) error
}

// EventCache is the optional day-snapshot cache used for initial
// availability checks. Commit-time re-validation always bypasses it.
type EventCache interface {
	GetDayEvents(ctx context.Context, day string) ([]domain.BusyEvent, error)
	SetDayEvents(ctx context.Context, day string, events []domain.BusyEvent) error
	InvalidateDay(ctx context.Context, day string) error
}

type Producer interface {
	Publish(ctx context.Context, topic, key string, value interface{}) error
}

type StartInput struct {
	StudentName    string
	StudentContact string
	Style          string
	Date           string
	Clock          string
}

// StartResult reports the outcome of a student request. When the slot
// is not free no request is created and Suggestions carries the ranked
// alternatives to show the student.
type StartResult struct {
	Free        bool
	Request     *domain.BookingRequest
	Conflicts   []domain.BusyEvent
	Suggestions []domain.TimeSlot
}

type AvailabilityResult struct {
	Slot        domain.TimeSlot
	Free        bool
	Conflicts   []domain.BusyEvent
	Suggestions []domain.TimeSlot
}

type Service struct {
	negotiations   repository.NegotiationRepository
	resolver       *availability.Resolver
	calendar       Calendar
	gateway        Gateway
	locker         Locker
	cache          EventCache
	producer       Producer
	eventsTopic    string
	window         timegrid.Window
	tz             *time.Location
	classLength    time.Duration
	approvalTTL    time.Duration
	lockTTL        time.Duration
	callTimeout    time.Duration
	maxSuggestions int
	teacherName    string
	teacherContact string
	teacherEmail   string
	log            *zap.Logger
	clock          func() time.Time
}

type ServiceOption func(*Service)

// WithClock replaces the wall clock, for tests.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

func WithMaxSuggestions(n int) ServiceOption {
	return func(s *Service) { s.maxSuggestions = n }
}

type Deps struct {
	Negotiations repository.NegotiationRepository
	Resolver     *availability.Resolver
	Calendar     Calendar
	Gateway      Gateway
	Locker       Locker
	Cache        EventCache
	Producer     Producer
	EventsTopic  string
	Window       timegrid.Window
	Timezone     *time.Location
	ClassLength  time.Duration
	ApprovalTTL  time.Duration
	TeacherName  string
	TeacherPhone string
	TeacherEmail string
	Logger       *zap.Logger
}

func NewService(deps Deps, opts ...ServiceOption) *Service {
	s := &Service{
		negotiations:   deps.Negotiations,
		resolver:       deps.Resolver,
		calendar:       deps.Calendar,
		gateway:        deps.Gateway,
		locker:         deps.Locker,
		cache:          deps.Cache,
		producer:       deps.Producer,
		eventsTopic:    deps.EventsTopic,
		window:         deps.Window,
		tz:             deps.Timezone,
		classLength:    deps.ClassLength,
		approvalTTL:    deps.ApprovalTTL,
		lockTTL:        30 * time.Second,
		callTimeout:    10 * time.Second,
		maxSuggestions: availability.DefaultMaxSuggestions,
		teacherName:    deps.TeacherName,
		teacherContact: deps.TeacherPhone,
		teacherEmail:   deps.TeacherEmail,
		log:            deps.Logger,
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartNegotiation handles a parsed student request. Out-of-hours
// requests are rejected before any calendar read; conflicting slots
// return suggestions without creating anything.
func (s *Service) StartNegotiation(ctx context.Context, input StartInput) (*StartResult, error) {
	slot, err := s.slotFor(input.Date, input.Clock)
	if err != nil {
		return nil, err
	}
	if err := s.resolver.ValidateWindow(slot); err != nil {
		return nil, err
	}

	busy, err := s.daySnapshot(ctx, slot.Start, false)
	if err != nil {
		return nil, err
	}

	decision, err := s.resolver.CheckSlot(slot, input.Style, busy)
	if err != nil {
		return nil, err
	}
	if !decision.Free {
		return &StartResult{
			Free:        false,
			Conflicts:   decision.Conflicts,
			Suggestions: s.resolver.SuggestAlternatives(slot, input.Style, busy, s.maxSuggestions),
		}, nil
	}

	live, err := s.negotiations.HasLiveRequest(ctx, input.StudentContact, slot.Start)
	if err != nil {
		return nil, fmt.Errorf("check live requests: %w", err)
	}
	if live {
		return nil, fmt.Errorf("%s at %s: %w", input.StudentContact, slot.Start.Format("2006-01-02 15:04"), domain.ErrDuplicateRequest)
	}

	request := &domain.BookingRequest{
		ID:             uuid.NewString(),
		StudentName:    input.StudentName,
		StudentContact: input.StudentContact,
		TeacherContact: s.teacherContact,
		Style:          input.Style,
		SlotStart:      slot.Start,
		SlotEnd:        slot.End,
		ExpiresAt:      s.clock().Add(s.approvalTTL),
	}
	if err := s.negotiations.Create(ctx, request); err != nil {
		return nil, fmt.Errorf("create negotiation: %w", err)
	}

	s.notify(ctx, s.teacherContact, teacherRequestMessage(request))
	s.publish(ctx, "negotiation_created", request)

	return &StartResult{Free: true, Request: request}, nil
}

// ApproveNegotiation transitions the most recent pending request for
// the given slot to awaiting-email and asks the teacher for the
// student's address.
func (s *Service) ApproveNegotiation(ctx context.Context, date, clock string) (*domain.BookingRequest, error) {
	slot, err := s.slotFor(date, clock)
	if err != nil {
		return nil, err
	}

	pending, err := s.negotiations.FindPendingBySlotStart(ctx, slot.Start)
	if err != nil {
		return nil, fmt.Errorf("find pending requests: %w", err)
	}
	if len(pending) == 0 {
		return nil, fmt.Errorf("no pending request for %s %s: %w", date, clock, domain.ErrNotFound)
	}
	target := pending[0]

	unlock, err := s.lock(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.negotiations.GetByID(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	if current.State != domain.StatePendingTeacherApproval {
		return nil, fmt.Errorf("request %s is no longer pending: %w", target.ID, domain.ErrNotFound)
	}

	updated, err := s.negotiations.UpdateState(ctx, target.ID, domain.StateAwaitingStudentEmail)
	if err != nil {
		return nil, fmt.Errorf("update state: %w", err)
	}

	s.notify(ctx, s.teacherContact, "What's the student's email to send a calendar invite?")
	s.publish(ctx, "negotiation_approved", updated)
	return updated, nil
}

// DeclineNegotiation declines a pending request. With an empty date
// and clock the most recent pending request is declined.
func (s *Service) DeclineNegotiation(ctx context.Context, date, clock string) (*domain.BookingRequest, error) {
	var target *domain.BookingRequest
	if date == "" || clock == "" {
		latest, err := s.negotiations.LatestPending(ctx)
		if err != nil {
			return nil, err
		}
		target = latest
	} else {
		slot, err := s.slotFor(date, clock)
		if err != nil {
			return nil, err
		}
		pending, err := s.negotiations.FindPendingBySlotStart(ctx, slot.Start)
		if err != nil {
			return nil, fmt.Errorf("find pending requests: %w", err)
		}
		if len(pending) == 0 {
			return nil, fmt.Errorf("no pending request for %s %s: %w", date, clock, domain.ErrNotFound)
		}
		target = &pending[0]
	}

	unlock, err := s.lock(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.negotiations.GetByID(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	if current.State != domain.StatePendingTeacherApproval {
		return nil, fmt.Errorf("request %s is no longer pending: %w", target.ID, domain.ErrNotFound)
	}

	declined, err := s.negotiations.UpdateState(ctx, target.ID, domain.StateDeclined)
	if err != nil {
		return nil, fmt.Errorf("update state: %w", err)
	}

	s.notify(ctx, declined.StudentContact, studentDeclinedMessage(declined))
	s.publish(ctx, "negotiation_declined", declined)
	return declined, nil
}

// CompleteNegotiation finishes the most recent awaiting-email request:
// re-validate against a fresh calendar snapshot, insert, verify by
// read-back, then mark booked. Commit failures surface as a terminal
// FAILED request, not as a silently retried transition.
func (s *Service) CompleteNegotiation(ctx context.Context, studentEmail string) (*domain.BookingRequest, error) {
	if studentEmail == "" {
		return nil, fmt.Errorf("student email required: %w", domain.ErrInvalidInput)
	}

	target, err := s.negotiations.LatestAwaitingEmail(ctx)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	request, err := s.negotiations.GetByID(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	if request.State != domain.StateAwaitingStudentEmail {
		return nil, fmt.Errorf("request %s is not awaiting an email: %w", target.ID, domain.ErrNotFound)
	}

	// The re-validation below is only sound if no other commit can land
	// between it and our own insert, so commits are serialized per
	// calendar day on top of the per-negotiation lock.
	commitUnlock, err := s.lock(ctx, "commit:"+s.dayKey(request.SlotStart))
	if err != nil {
		return nil, err
	}
	defer commitUnlock()

	// Time has passed since the initial check; a third party may have
	// taken the slot. A list failure here aborts the transition and
	// leaves the request recoverable in its current state.
	busy, err := s.daySnapshot(ctx, request.SlotStart, true)
	if err != nil {
		return nil, err
	}
	decision, err := s.resolver.CheckSlot(request.Slot(), request.Style, busy)
	if err != nil {
		return nil, err
	}
	if !decision.Free {
		return s.failCommit(ctx, request, "slot no longer available", true)
	}

	summary := eventSummary(request.StudentName, s.teacherName, request.Style)
	description := "Booking code: " + uuid.NewString()[:8]
	attendees := []string{studentEmail, s.teacherEmail}

	insertCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	eventID, err := s.calendar.InsertEvent(insertCtx, request.Slot(), summary, description, attendees)
	cancel()
	if err != nil {
		return s.failCommit(ctx, request, fmt.Sprintf("calendar insert failed: %v", err), true)
	}
	if s.cache != nil {
		_ = s.cache.InvalidateDay(ctx, s.dayKey(request.SlotStart))
	}

	if err := s.verifyEvent(ctx, eventID, summary); err != nil {
		failed, failErr := s.failCommit(ctx, request, err.Error(), true)
		// Verification mismatch is reported to both parties.
		s.notify(ctx, s.teacherContact, teacherVerifyFailedMessage(request))
		return failed, failErr
	}

	booked, err := s.negotiations.MarkBooked(ctx, request.ID, studentEmail, eventID)
	if err != nil {
		return nil, fmt.Errorf("mark booked: %w", err)
	}

	s.notify(ctx, booked.StudentContact, studentBookedMessage(booked))
	s.publish(ctx, "negotiation_booked", booked)
	return booked, nil
}

// ExpirePendingNegotiations moves pending requests past their approval
// deadline to EXPIRED and tells the students. Run by the worker.
func (s *Service) ExpirePendingNegotiations(ctx context.Context) ([]domain.BookingRequest, error) {
	expired, err := s.negotiations.ExpirePendingBefore(ctx, s.clock())
	if err != nil {
		return nil, fmt.Errorf("expire pending: %w", err)
	}
	for i := range expired {
		request := &expired[i]
		s.notify(ctx, request.StudentContact, studentExpiredMessage(request))
		s.publish(ctx, "negotiation_expired", request)
	}
	return expired, nil
}

// CheckAvailability answers a direct availability query without
// creating anything.
func (s *Service) CheckAvailability(ctx context.Context, date, clock, style string) (*AvailabilityResult, error) {
	slot, err := s.slotFor(date, clock)
	if err != nil {
		return nil, err
	}
	if err := s.resolver.ValidateWindow(slot); err != nil {
		return nil, err
	}

	busy, err := s.daySnapshot(ctx, slot.Start, false)
	if err != nil {
		return nil, err
	}
	decision, err := s.resolver.CheckSlot(slot, style, busy)
	if err != nil {
		return nil, err
	}

	result := &AvailabilityResult{Slot: slot, Free: decision.Free, Conflicts: decision.Conflicts}
	if !decision.Free {
		result.Suggestions = s.resolver.SuggestAlternatives(slot, style, busy, s.maxSuggestions)
	}
	return result, nil
}

func (s *Service) failCommit(ctx context.Context, request *domain.BookingRequest, reason string, notifyStudent bool) (*domain.BookingRequest, error) {
	failed, err := s.negotiations.MarkFailed(ctx, request.ID, reason)
	if err != nil {
		return nil, fmt.Errorf("mark failed: %w", err)
	}
	if notifyStudent {
		s.notify(ctx, failed.StudentContact, studentFailedMessage(failed))
	}
	s.publish(ctx, "negotiation_failed", failed)
	return failed, nil
}

// verifyEvent reads the created event back with bounded backoff and
// checks the summary matches the expected student/teacher/style triple.
func (s *Service) verifyEvent(ctx context.Context, eventID, expectedSummary string) error {
	backoff := retry.WithMaxRetries(4, retry.NewExponential(300*time.Millisecond))

	var record *domain.EventRecord
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		getCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
		rec, err := s.calendar.GetEvent(getCtx, eventID)
		if err != nil {
			return retry.RetryableError(err)
		}
		record = rec
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: read-back of event %s failed: %v", domain.ErrVerificationMismatch, eventID, err)
	}
	if record.Summary != expectedSummary {
		return fmt.Errorf("%w: got summary %q, want %q", domain.ErrVerificationMismatch, record.Summary, expectedSummary)
	}
	return nil
}

func (s *Service) daySnapshot(ctx context.Context, at time.Time, fresh bool) ([]domain.BusyEvent, error) {
	day := s.dayKey(at)
	if !fresh && s.cache != nil {
		if cached, err := s.cache.GetDayEvents(ctx, day); err == nil && cached != nil {
			return cached, nil
		}
	}

	open, close := s.window.DayBounds(at.In(s.tz))
	listCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	busy, err := s.calendar.ListEvents(listCtx, open, close.Add(s.classLength))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCalendarUnavailable, err)
	}
	if !fresh && s.cache != nil {
		_ = s.cache.SetDayEvents(ctx, day, busy)
	}
	return busy, nil
}

func (s *Service) slotFor(date, clock string) (domain.TimeSlot, error) {
	start, err := time.ParseInLocation("2006-01-02 15:04", date+" "+clock, s.tz)
	if err != nil {
		return domain.TimeSlot{}, fmt.Errorf("%w: bad date or time %q %q", domain.ErrInvalidInput, date, clock)
	}
	return domain.TimeSlot{Start: start, End: start.Add(s.classLength)}, nil
}

// lock acquires the per-negotiation lock with a short bounded retry.
func (s *Service) lock(ctx context.Context, id string) (func(), error) {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := s.locker.AcquireNegotiationLock(ctx, id, s.lockTTL)
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(domain.ErrNegotiationBusy)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNegotiationBusy) {
			return nil, fmt.Errorf("negotiation %s: %w", id, domain.ErrNegotiationBusy)
		}
		return nil, fmt.Errorf("acquire lock for %s: %w", id, err)
	}
	return func() {
		if err := s.locker.ReleaseNegotiationLock(context.WithoutCancel(ctx), id); err != nil {
			s.log.Warn("release negotiation lock", zap.String("id", id), zap.Error(err))
		}
	}, nil
}

func (s *Service) notify(ctx context.Context, to, body string) {
	notifyCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	if err := s.gateway.Notify(notifyCtx, to, body); err != nil {
		s.log.Error("notification lost", zap.String("to", to), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, eventType string, request *domain.BookingRequest) {
	if s.producer == nil || s.eventsTopic == "" {
		return
	}
	event := kafka.NegotiationEvent{
		Type:           eventType,
		NegotiationID:  request.ID,
		StudentName:    request.StudentName,
		StudentContact: request.StudentContact,
		Style:          request.Style,
		SlotStart:      request.SlotStart,
		SlotEnd:        request.SlotEnd,
		State:          string(request.State),
		EventID:        request.EventID,
		Reason:         request.FailureReason,
	}
	if err := s.producer.Publish(ctx, s.eventsTopic, request.ID, event); err != nil {
		s.log.Warn("publish negotiation event",
			zap.String("type", eventType), zap.String("id", request.ID), zap.Error(err))
	}
}

func (s *Service) dayKey(at time.Time) string {
	return at.In(s.tz).Format("2006-01-02")
}

func eventSummary(student, teacher, style string) string {
	return fmt.Sprintf("%s & %s: %s", student, teacher, style)
}

var _ UseCase = (*Service)(nil)
