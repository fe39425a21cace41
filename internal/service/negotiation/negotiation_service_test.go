package negotiation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/majaostudio/classbooking/internal/domain"
	"github.com/majaostudio/classbooking/internal/service/availability"
	"github.com/majaostudio/classbooking/internal/timegrid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Mock structs

type MockNegotiationRepository struct {
	mock.Mock
}

func (m *MockNegotiationRepository) Create(ctx context.Context, n *domain.BookingRequest) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

func (m *MockNegotiationRepository) GetByID(ctx context.Context, id string) (*domain.BookingRequest, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.BookingRequest), args.Error(1)
}

func (m *MockNegotiationRepository) UpdateState(ctx context.Context, id string, state domain.NegotiationState) (*domain.BookingRequest, error) {
	args := m.Called(ctx, id, state)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.BookingRequest), args.Error(1)
}

func (m *MockNegotiationRepository) MarkBooked(ctx context.Context, id, studentEmail, eventID string) (*domain.BookingRequest, error) {
	args := m.Called(ctx, id, studentEmail, eventID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.BookingRequest), args.Error(1)
}

func (m *MockNegotiationRepository) MarkFailed(ctx context.Context, id, reason string) (*domain.BookingRequest, error) {
	args := m.Called(ctx, id, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.BookingRequest), args.Error(1)
}

func (m *MockNegotiationRepository) FindPendingBySlotStart(ctx context.Context, slotStart time.Time) ([]domain.BookingRequest, error) {
	args := m.Called(ctx, slotStart)
	return args.Get(0).([]domain.BookingRequest), args.Error(1)
}

func (m *MockNegotiationRepository) LatestPending(ctx context.Context) (*domain.BookingRequest, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.BookingRequest), args.Error(1)
}

func (m *MockNegotiationRepository) LatestAwaitingEmail(ctx context.Context) (*domain.BookingRequest, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.BookingRequest), args.Error(1)
}

func (m *MockNegotiationRepository) HasLiveRequest(ctx context.Context, studentContact string, slotStart time.Time) (bool, error) {
	args := m.Called(ctx, studentContact, slotStart)
	return args.Bool(0), args.Error(1)
}

func (m *MockNegotiationRepository) ExpirePendingBefore(ctx context.Context, cutoff time.Time) ([]domain.BookingRequest, error) {
	args := m.Called(ctx, cutoff)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.BookingRequest), args.Error(1)
}

type MockCalendar struct {
	mock.Mock
}

func (m *MockCalendar) ListEvents(ctx context.Context, timeMin, timeMax time.Time) ([]domain.BusyEvent, error) {
	args := m.Called(ctx, timeMin, timeMax)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.BusyEvent), args.Error(1)
}

func (m *MockCalendar) InsertEvent(ctx context.Context, slot domain.TimeSlot, summary, description string, attendees []string) (string, error) {
	args := m.Called(ctx, slot, summary, description, attendees)
	return args.String(0), args.Error(1)
}

func (m *MockCalendar) GetEvent(ctx context.Context, eventID string) (*domain.EventRecord, error) {
	args := m.Called(ctx, eventID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.EventRecord), args.Error(1)
}

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Notify(ctx context.Context, to, body string) error {
	args := m.Called(ctx, to, body)
	return args.Error(0)
}

type MockLocker struct {
	mock.Mock
}

func (m *MockLocker) AcquireNegotiationLock(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, id, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockLocker) ReleaseNegotiationLock(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type MockProducer struct {
	mock.Mock
}

func (m *MockProducer) Publish(ctx context.Context, topic, key string, value interface{}) error {
	args := m.Called(ctx, topic, key, value)
	return args.Error(0)
}

// Fixtures

const (
	teacherPhone = "whatsapp:+573000000000"
	studentPhone = "whatsapp:+573001112233"
	eventsTopic  = "negotiation_events"
)

var testNow = time.Date(2025, 3, 26, 10, 0, 0, 0, time.UTC)

type serviceFixture struct {
	repo     *MockNegotiationRepository
	calendar *MockCalendar
	gateway  *MockGateway
	locker   *MockLocker
	producer *MockProducer
	service  *Service
}

func newServiceFixture() *serviceFixture {
	window := timegrid.Window{Open: 8 * time.Hour, Close: 17*time.Hour + 30*time.Minute}
	f := &serviceFixture{
		repo:     &MockNegotiationRepository{},
		calendar: &MockCalendar{},
		gateway:  &MockGateway{},
		locker:   &MockLocker{},
		producer: &MockProducer{},
	}
	f.service = &Service{
		negotiations:   f.repo,
		resolver:       availability.NewResolver(window, 30*time.Minute, 2),
		calendar:       f.calendar,
		gateway:        f.gateway,
		locker:         f.locker,
		producer:       f.producer,
		eventsTopic:    eventsTopic,
		window:         window,
		tz:             time.UTC,
		classLength:    time.Hour,
		approvalTTL:    24 * time.Hour,
		lockTTL:        30 * time.Second,
		callTimeout:    time.Second,
		maxSuggestions: 3,
		teacherName:    "Maria",
		teacherContact: teacherPhone,
		teacherEmail:   "maria@example.com",
		log:            zap.NewNop(),
		clock:          func() time.Time { return testNow },
	}
	return f
}

func (f *serviceFixture) expectLock(id string) {
	f.locker.On("AcquireNegotiationLock", mock.Anything, id, 30*time.Second).Return(true, nil).Once()
	f.locker.On("ReleaseNegotiationLock", mock.Anything, id).Return(nil).Once()
}

// Commits additionally hold the day-wide commit lock.
func (f *serviceFixture) expectCommitLock() {
	f.expectLock("commit:2025-03-28")
}

func slotAt(hour, min int) domain.TimeSlot {
	start := time.Date(2025, 3, 28, hour, min, 0, 0, time.UTC)
	return domain.TimeSlot{Start: start, End: start.Add(time.Hour)}
}

func pendingRequest(id string) *domain.BookingRequest {
	s := slotAt(14, 0)
	return &domain.BookingRequest{
		ID:             id,
		StudentName:    "Ana",
		StudentContact: studentPhone,
		TeacherContact: teacherPhone,
		Style:          "salsa",
		SlotStart:      s.Start,
		SlotEnd:        s.End,
		State:          domain.StatePendingTeacherApproval,
		ExpiresAt:      testNow.Add(24 * time.Hour),
	}
}

func awaitingEmailRequest(id string) *domain.BookingRequest {
	r := pendingRequest(id)
	r.State = domain.StateAwaitingStudentEmail
	return r
}

func startInput() StartInput {
	return StartInput{
		StudentName:    "Ana",
		StudentContact: studentPhone,
		Style:          "salsa",
		Date:           "2025-03-28",
		Clock:          "14:00",
	}
}

// StartNegotiation

func TestStartNegotiation_Success(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	f.calendar.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).
		Return([]domain.BusyEvent{}, nil).Once()
	f.repo.On("HasLiveRequest", mock.Anything, studentPhone, slotAt(14, 0).Start).
		Return(false, nil).Once()
	f.repo.On("Create", mock.Anything, mock.AnythingOfType("*domain.BookingRequest")).
		Run(func(args mock.Arguments) {
			args.Get(1).(*domain.BookingRequest).State = domain.StatePendingTeacherApproval
		}).Return(nil).Once()
	f.gateway.On("Notify", mock.Anything, teacherPhone, mock.AnythingOfType("string")).Return(nil).Once()
	f.producer.On("Publish", mock.Anything, eventsTopic, mock.Anything, mock.Anything).Return(nil).Once()

	result, err := f.service.StartNegotiation(ctx, startInput())

	require.NoError(t, err)
	assert.True(t, result.Free)
	require.NotNil(t, result.Request)
	assert.Equal(t, domain.StatePendingTeacherApproval, result.Request.State)
	assert.Equal(t, slotAt(14, 0).Start, result.Request.SlotStart)
	assert.Equal(t, slotAt(14, 0).End, result.Request.SlotEnd)
	assert.Equal(t, testNow.Add(24*time.Hour), result.Request.ExpiresAt)
	assert.NotEmpty(t, result.Request.ID)

	f.repo.AssertExpectations(t)
	f.calendar.AssertExpectations(t)
	f.gateway.AssertExpectations(t)
	f.producer.AssertExpectations(t)
}

func TestStartNegotiation_Conflict_NothingCreated(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	busy := []domain.BusyEvent{{
		Start: slotAt(14, 0).Start,
		End:   slotAt(14, 0).End,
		Style: "zouk",
	}}
	f.calendar.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).Return(busy, nil).Once()

	result, err := f.service.StartNegotiation(ctx, startInput())

	require.NoError(t, err)
	assert.False(t, result.Free)
	assert.Nil(t, result.Request)
	assert.Len(t, result.Conflicts, 1)
	assert.NotEmpty(t, result.Suggestions)
	for _, s := range result.Suggestions {
		assert.NotEqual(t, slotAt(14, 0).Start, s.Start)
	}

	f.repo.AssertNotCalled(t, "Create")
	f.repo.AssertNotCalled(t, "HasLiveRequest")
	f.gateway.AssertNotCalled(t, "Notify")
}

func TestStartNegotiation_OutsideHours_NoCalendarCall(t *testing.T) {
	f := newServiceFixture()

	input := startInput()
	input.Clock = "18:00"

	result, err := f.service.StartNegotiation(context.Background(), input)

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrOutsideHours))
	assert.Nil(t, result)

	f.calendar.AssertNotCalled(t, "ListEvents")
	f.repo.AssertNotCalled(t, "Create")
}

func TestStartNegotiation_DuplicateLiveRequest(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	f.calendar.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).
		Return([]domain.BusyEvent{}, nil).Once()
	f.repo.On("HasLiveRequest", mock.Anything, studentPhone, slotAt(14, 0).Start).
		Return(true, nil).Once()

	result, err := f.service.StartNegotiation(ctx, startInput())

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDuplicateRequest))
	assert.Nil(t, result)

	f.repo.AssertNotCalled(t, "Create")
	f.gateway.AssertNotCalled(t, "Notify")
}

func TestStartNegotiation_CalendarUnavailable(t *testing.T) {
	f := newServiceFixture()

	f.calendar.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("rate limited")).Once()

	result, err := f.service.StartNegotiation(context.Background(), startInput())

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCalendarUnavailable))
	assert.Nil(t, result)

	f.repo.AssertNotCalled(t, "Create")
}

// ApproveNegotiation

func TestApproveNegotiation_Success(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	pending := pendingRequest("neg-1")
	updated := awaitingEmailRequest("neg-1")

	f.repo.On("FindPendingBySlotStart", mock.Anything, pending.SlotStart).
		Return([]domain.BookingRequest{*pending}, nil).Once()
	f.expectLock("neg-1")
	f.repo.On("GetByID", mock.Anything, "neg-1").Return(pending, nil).Once()
	f.repo.On("UpdateState", mock.Anything, "neg-1", domain.StateAwaitingStudentEmail).
		Return(updated, nil).Once()
	f.gateway.On("Notify", mock.Anything, teacherPhone, mock.AnythingOfType("string")).Return(nil).Once()
	f.producer.On("Publish", mock.Anything, eventsTopic, "neg-1", mock.Anything).Return(nil).Once()

	request, err := f.service.ApproveNegotiation(ctx, "2025-03-28", "14:00")

	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingStudentEmail, request.State)

	f.repo.AssertExpectations(t)
	f.locker.AssertExpectations(t)
	f.gateway.AssertExpectations(t)
	f.producer.AssertExpectations(t)
}

func TestApproveNegotiation_NoPendingMatch(t *testing.T) {
	f := newServiceFixture()

	f.repo.On("FindPendingBySlotStart", mock.Anything, slotAt(14, 0).Start).
		Return([]domain.BookingRequest{}, nil).Once()

	request, err := f.service.ApproveNegotiation(context.Background(), "2025-03-28", "14:00")

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Nil(t, request)

	f.locker.AssertNotCalled(t, "AcquireNegotiationLock")
	f.repo.AssertNotCalled(t, "UpdateState")
}

func TestApproveNegotiation_StateChangedUnderLock(t *testing.T) {
	f := newServiceFixture()

	pending := pendingRequest("neg-1")
	declined := pendingRequest("neg-1")
	declined.State = domain.StateDeclined

	f.repo.On("FindPendingBySlotStart", mock.Anything, pending.SlotStart).
		Return([]domain.BookingRequest{*pending}, nil).Once()
	f.expectLock("neg-1")
	f.repo.On("GetByID", mock.Anything, "neg-1").Return(declined, nil).Once()

	request, err := f.service.ApproveNegotiation(context.Background(), "2025-03-28", "14:00")

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Nil(t, request)

	f.repo.AssertNotCalled(t, "UpdateState")
	f.locker.AssertExpectations(t)
}

func TestApproveNegotiation_LockBusy(t *testing.T) {
	f := newServiceFixture()

	pending := pendingRequest("neg-1")

	f.repo.On("FindPendingBySlotStart", mock.Anything, pending.SlotStart).
		Return([]domain.BookingRequest{*pending}, nil).Once()
	f.locker.On("AcquireNegotiationLock", mock.Anything, "neg-1", 30*time.Second).
		Return(false, nil)

	request, err := f.service.ApproveNegotiation(context.Background(), "2025-03-28", "14:00")

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNegotiationBusy))
	assert.Nil(t, request)

	f.repo.AssertNotCalled(t, "UpdateState")
	f.locker.AssertNotCalled(t, "ReleaseNegotiationLock")
}

// DeclineNegotiation

func TestDeclineNegotiation_LatestPending(t *testing.T) {
	f := newServiceFixture()

	pending := pendingRequest("neg-1")
	declined := pendingRequest("neg-1")
	declined.State = domain.StateDeclined

	f.repo.On("LatestPending", mock.Anything).Return(pending, nil).Once()
	f.expectLock("neg-1")
	f.repo.On("GetByID", mock.Anything, "neg-1").Return(pending, nil).Once()
	f.repo.On("UpdateState", mock.Anything, "neg-1", domain.StateDeclined).Return(declined, nil).Once()
	f.gateway.On("Notify", mock.Anything, studentPhone, mock.AnythingOfType("string")).Return(nil).Once()
	f.producer.On("Publish", mock.Anything, eventsTopic, "neg-1", mock.Anything).Return(nil).Once()

	request, err := f.service.DeclineNegotiation(context.Background(), "", "")

	require.NoError(t, err)
	assert.Equal(t, domain.StateDeclined, request.State)

	f.repo.AssertExpectations(t)
	f.gateway.AssertExpectations(t)
}

func TestDeclineNegotiation_BySlot(t *testing.T) {
	f := newServiceFixture()

	pending := pendingRequest("neg-2")
	declined := pendingRequest("neg-2")
	declined.State = domain.StateDeclined

	f.repo.On("FindPendingBySlotStart", mock.Anything, pending.SlotStart).
		Return([]domain.BookingRequest{*pending}, nil).Once()
	f.expectLock("neg-2")
	f.repo.On("GetByID", mock.Anything, "neg-2").Return(pending, nil).Once()
	f.repo.On("UpdateState", mock.Anything, "neg-2", domain.StateDeclined).Return(declined, nil).Once()
	f.gateway.On("Notify", mock.Anything, studentPhone, mock.AnythingOfType("string")).Return(nil).Once()
	f.producer.On("Publish", mock.Anything, eventsTopic, "neg-2", mock.Anything).Return(nil).Once()

	request, err := f.service.DeclineNegotiation(context.Background(), "2025-03-28", "14:00")

	require.NoError(t, err)
	assert.Equal(t, domain.StateDeclined, request.State)

	f.repo.AssertExpectations(t)
	f.repo.AssertNotCalled(t, "LatestPending")
}

// CompleteNegotiation

func TestCompleteNegotiation_Success(t *testing.T) {
	f := newServiceFixture()

	awaiting := awaitingEmailRequest("neg-1")
	booked := awaitingEmailRequest("neg-1")
	booked.State = domain.StateBooked
	booked.StudentEmail = "ana@example.com"
	booked.EventID = "evt-1"

	f.repo.On("LatestAwaitingEmail", mock.Anything).Return(awaiting, nil).Once()
	f.expectLock("neg-1")
	f.expectCommitLock()
	f.repo.On("GetByID", mock.Anything, "neg-1").Return(awaiting, nil).Once()
	f.calendar.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).
		Return([]domain.BusyEvent{}, nil).Once()
	f.calendar.On("InsertEvent", mock.Anything, awaiting.Slot(), "Ana & Maria: salsa",
		mock.AnythingOfType("string"), []string{"ana@example.com", "maria@example.com"}).
		Return("evt-1", nil).Once()
	f.calendar.On("GetEvent", mock.Anything, "evt-1").
		Return(&domain.EventRecord{ID: "evt-1", Summary: "Ana & Maria: salsa"}, nil).Once()
	f.repo.On("MarkBooked", mock.Anything, "neg-1", "ana@example.com", "evt-1").
		Return(booked, nil).Once()
	f.gateway.On("Notify", mock.Anything, studentPhone, mock.AnythingOfType("string")).Return(nil).Once()
	f.producer.On("Publish", mock.Anything, eventsTopic, "neg-1", mock.Anything).Return(nil).Once()

	request, err := f.service.CompleteNegotiation(context.Background(), "ana@example.com")

	require.NoError(t, err)
	assert.Equal(t, domain.StateBooked, request.State)
	assert.Equal(t, "evt-1", request.EventID)

	f.repo.AssertExpectations(t)
	f.calendar.AssertExpectations(t)
	f.gateway.AssertExpectations(t)
	f.producer.AssertExpectations(t)
}

func TestCompleteNegotiation_SlotTaken_NoInsert(t *testing.T) {
	f := newServiceFixture()

	awaiting := awaitingEmailRequest("neg-1")
	failed := awaitingEmailRequest("neg-1")
	failed.State = domain.StateFailed
	failed.FailureReason = "slot no longer available"

	// A third party grabbed the slot between approval and the email.
	busy := []domain.BusyEvent{{
		Start: awaiting.SlotStart,
		End:   awaiting.SlotEnd,
		Style: "zouk",
	}}

	f.repo.On("LatestAwaitingEmail", mock.Anything).Return(awaiting, nil).Once()
	f.expectLock("neg-1")
	f.expectCommitLock()
	f.repo.On("GetByID", mock.Anything, "neg-1").Return(awaiting, nil).Once()
	f.calendar.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).Return(busy, nil).Once()
	f.repo.On("MarkFailed", mock.Anything, "neg-1", "slot no longer available").
		Return(failed, nil).Once()
	f.gateway.On("Notify", mock.Anything, studentPhone, mock.AnythingOfType("string")).Return(nil).Once()
	f.producer.On("Publish", mock.Anything, eventsTopic, "neg-1", mock.Anything).Return(nil).Once()

	request, err := f.service.CompleteNegotiation(context.Background(), "ana@example.com")

	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, request.State)

	f.calendar.AssertNotCalled(t, "InsertEvent")
	f.repo.AssertNotCalled(t, "MarkBooked")
	f.repo.AssertExpectations(t)
}

func TestCompleteNegotiation_InsertError(t *testing.T) {
	f := newServiceFixture()

	awaiting := awaitingEmailRequest("neg-1")
	failed := awaitingEmailRequest("neg-1")
	failed.State = domain.StateFailed

	f.repo.On("LatestAwaitingEmail", mock.Anything).Return(awaiting, nil).Once()
	f.expectLock("neg-1")
	f.expectCommitLock()
	f.repo.On("GetByID", mock.Anything, "neg-1").Return(awaiting, nil).Once()
	f.calendar.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).
		Return([]domain.BusyEvent{}, nil).Once()
	f.calendar.On("InsertEvent", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("backend error")).Once()
	f.repo.On("MarkFailed", mock.Anything, "neg-1", mock.AnythingOfType("string")).
		Return(failed, nil).Once()
	f.gateway.On("Notify", mock.Anything, studentPhone, mock.AnythingOfType("string")).Return(nil).Once()
	f.producer.On("Publish", mock.Anything, eventsTopic, "neg-1", mock.Anything).Return(nil).Once()

	request, err := f.service.CompleteNegotiation(context.Background(), "ana@example.com")

	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, request.State)

	f.calendar.AssertNotCalled(t, "GetEvent")
	f.repo.AssertNotCalled(t, "MarkBooked")
}

func TestCompleteNegotiation_VerificationMismatch(t *testing.T) {
	f := newServiceFixture()

	awaiting := awaitingEmailRequest("neg-1")
	failed := awaitingEmailRequest("neg-1")
	failed.State = domain.StateFailed

	f.repo.On("LatestAwaitingEmail", mock.Anything).Return(awaiting, nil).Once()
	f.expectLock("neg-1")
	f.expectCommitLock()
	f.repo.On("GetByID", mock.Anything, "neg-1").Return(awaiting, nil).Once()
	f.calendar.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).
		Return([]domain.BusyEvent{}, nil).Once()
	f.calendar.On("InsertEvent", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("evt-1", nil).Once()
	f.calendar.On("GetEvent", mock.Anything, "evt-1").
		Return(&domain.EventRecord{ID: "evt-1", Summary: "someone else's class"}, nil).Once()
	f.repo.On("MarkFailed", mock.Anything, "neg-1", mock.AnythingOfType("string")).
		Return(failed, nil).Once()
	// Both the student and the teacher hear about a verification failure.
	f.gateway.On("Notify", mock.Anything, studentPhone, mock.AnythingOfType("string")).Return(nil).Once()
	f.gateway.On("Notify", mock.Anything, teacherPhone, mock.AnythingOfType("string")).Return(nil).Once()
	f.producer.On("Publish", mock.Anything, eventsTopic, "neg-1", mock.Anything).Return(nil).Once()

	request, err := f.service.CompleteNegotiation(context.Background(), "ana@example.com")

	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, request.State)

	f.repo.AssertNotCalled(t, "MarkBooked")
	f.gateway.AssertExpectations(t)
}

func TestCompleteNegotiation_ListErrorLeavesRequestRecoverable(t *testing.T) {
	f := newServiceFixture()

	awaiting := awaitingEmailRequest("neg-1")

	f.repo.On("LatestAwaitingEmail", mock.Anything).Return(awaiting, nil).Once()
	f.expectLock("neg-1")
	f.expectCommitLock()
	f.repo.On("GetByID", mock.Anything, "neg-1").Return(awaiting, nil).Once()
	f.calendar.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("timeout")).Once()

	request, err := f.service.CompleteNegotiation(context.Background(), "ana@example.com")

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCalendarUnavailable))
	assert.Nil(t, request)

	// The request stays awaiting-email; no terminal transition happened.
	f.repo.AssertNotCalled(t, "MarkFailed")
	f.calendar.AssertNotCalled(t, "InsertEvent")
}

func TestCompleteNegotiation_EmptyEmail(t *testing.T) {
	f := newServiceFixture()

	request, err := f.service.CompleteNegotiation(context.Background(), "")

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	assert.Nil(t, request)

	f.repo.AssertNotCalled(t, "LatestAwaitingEmail")
}

// A second request for the same slot must not produce a second calendar
// mutation: the commit-time re-check sees the event the first commit
// inserted and fails the request instead.
func TestCompleteNegotiation_SecondRequestSameSlotFails(t *testing.T) {
	f := newServiceFixture()

	first := awaitingEmailRequest("neg-1")
	firstBooked := awaitingEmailRequest("neg-1")
	firstBooked.State = domain.StateBooked

	second := awaitingEmailRequest("neg-2")
	second.Style = "bachata"
	secondFailed := awaitingEmailRequest("neg-2")
	secondFailed.Style = "bachata"
	secondFailed.State = domain.StateFailed

	// First commit: empty day, insert succeeds.
	f.repo.On("LatestAwaitingEmail", mock.Anything).Return(first, nil).Once()
	f.expectLock("neg-1")
	f.expectCommitLock()
	f.repo.On("GetByID", mock.Anything, "neg-1").Return(first, nil).Once()
	f.calendar.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).
		Return([]domain.BusyEvent{}, nil).Once()
	f.calendar.On("InsertEvent", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("evt-1", nil).Once()
	f.calendar.On("GetEvent", mock.Anything, "evt-1").
		Return(&domain.EventRecord{ID: "evt-1", Summary: "Ana & Maria: salsa"}, nil).Once()
	f.repo.On("MarkBooked", mock.Anything, "neg-1", "ana@example.com", "evt-1").
		Return(firstBooked, nil).Once()

	// Second commit: the fresh snapshot now contains the first class.
	f.repo.On("LatestAwaitingEmail", mock.Anything).Return(second, nil).Once()
	f.expectLock("neg-2")
	f.expectCommitLock()
	f.repo.On("GetByID", mock.Anything, "neg-2").Return(second, nil).Once()
	f.calendar.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).
		Return([]domain.BusyEvent{{Start: first.SlotStart, End: first.SlotEnd, Style: "salsa"}}, nil).Once()
	f.repo.On("MarkFailed", mock.Anything, "neg-2", "slot no longer available").
		Return(secondFailed, nil).Once()

	f.gateway.On("Notify", mock.Anything, studentPhone, mock.AnythingOfType("string")).Return(nil)
	f.producer.On("Publish", mock.Anything, eventsTopic, mock.Anything, mock.Anything).Return(nil)

	booked, err := f.service.CompleteNegotiation(context.Background(), "ana@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.StateBooked, booked.State)

	failed, err := f.service.CompleteNegotiation(context.Background(), "ana@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, failed.State)

	f.calendar.AssertNumberOfCalls(t, "InsertEvent", 1)
	f.repo.AssertExpectations(t)
}

// ExpirePendingNegotiations

func TestExpirePendingNegotiations(t *testing.T) {
	f := newServiceFixture()

	expired := []domain.BookingRequest{*pendingRequest("neg-1"), *pendingRequest("neg-2")}
	expired[0].State = domain.StateExpired
	expired[1].State = domain.StateExpired

	f.repo.On("ExpirePendingBefore", mock.Anything, testNow).Return(expired, nil).Once()
	f.gateway.On("Notify", mock.Anything, studentPhone, mock.AnythingOfType("string")).Return(nil).Twice()
	f.producer.On("Publish", mock.Anything, eventsTopic, mock.Anything, mock.Anything).Return(nil).Twice()

	result, err := f.service.ExpirePendingNegotiations(context.Background())

	require.NoError(t, err)
	assert.Len(t, result, 2)

	f.repo.AssertExpectations(t)
	f.gateway.AssertExpectations(t)
	f.producer.AssertExpectations(t)
}

func TestExpirePendingNegotiations_Empty(t *testing.T) {
	f := newServiceFixture()

	f.repo.On("ExpirePendingBefore", mock.Anything, testNow).
		Return([]domain.BookingRequest{}, nil).Once()

	result, err := f.service.ExpirePendingNegotiations(context.Background())

	require.NoError(t, err)
	assert.Empty(t, result)

	f.gateway.AssertNotCalled(t, "Notify")
	f.producer.AssertNotCalled(t, "Publish")
}

// CheckAvailability

func TestCheckAvailability_Free(t *testing.T) {
	f := newServiceFixture()

	f.calendar.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).
		Return([]domain.BusyEvent{}, nil).Once()

	result, err := f.service.CheckAvailability(context.Background(), "2025-03-28", "14:00", "salsa")

	require.NoError(t, err)
	assert.True(t, result.Free)
	assert.Empty(t, result.Conflicts)
	assert.Empty(t, result.Suggestions)
	assert.Equal(t, slotAt(14, 0), result.Slot)
}

func TestCheckAvailability_ConflictWithSuggestions(t *testing.T) {
	f := newServiceFixture()

	busy := []domain.BusyEvent{{
		Start: slotAt(14, 0).Start,
		End:   slotAt(14, 0).End,
		Style: "zouk",
	}}
	f.calendar.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).Return(busy, nil).Once()

	result, err := f.service.CheckAvailability(context.Background(), "2025-03-28", "14:00", "salsa")

	require.NoError(t, err)
	assert.False(t, result.Free)
	assert.Len(t, result.Conflicts, 1)
	assert.NotEmpty(t, result.Suggestions)
}

func TestCheckAvailability_BadInput(t *testing.T) {
	f := newServiceFixture()

	_, err := f.service.CheckAvailability(context.Background(), "not-a-date", "14:00", "salsa")

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	f.calendar.AssertNotCalled(t, "ListEvents")
}
