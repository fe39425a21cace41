package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

type MockMessageCreator struct {
	mock.Mock
}

func (m *MockMessageCreator) CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error) {
	args := m.Called(params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*openapi.ApiV2010Message), args.Error(1)
}

type MockProducer struct {
	mock.Mock
}

func (m *MockProducer) Publish(ctx context.Context, topic, key string, value interface{}) error {
	args := m.Called(ctx, topic, key, value)
	return args.Error(0)
}

func newTestGateway(api messageCreator, producer Producer) *Gateway {
	return &Gateway{
		api:             api,
		whatsappFrom:    "whatsapp:+14155550100",
		smsFrom:         "+14155550100",
		producer:        producer,
		deadLetterTopic: "outbound_dead_letter",
		log:             zap.NewNop(),
	}
}

func toNumber(want string) interface{} {
	return mock.MatchedBy(func(params *openapi.CreateMessageParams) bool {
		return params.To != nil && *params.To == want
	})
}

func TestSend_WhatsAppFirst(t *testing.T) {
	mockAPI := &MockMessageCreator{}
	gateway := newTestGateway(mockAPI, nil)

	sid := "SM123"
	mockAPI.On("CreateMessage", toNumber("whatsapp:+573001112233")).
		Return(&openapi.ApiV2010Message{Sid: &sid}, nil).Once()

	err := gateway.Send(context.Background(), "+573001112233", "hello")

	require.NoError(t, err)
	mockAPI.AssertExpectations(t)
	mockAPI.AssertNumberOfCalls(t, "CreateMessage", 1)
}

func TestSend_FallsBackToSMS(t *testing.T) {
	mockAPI := &MockMessageCreator{}
	gateway := newTestGateway(mockAPI, nil)

	mockAPI.On("CreateMessage", toNumber("whatsapp:+573001112233")).
		Return(nil, errors.New("whatsapp unavailable")).Once()
	mockAPI.On("CreateMessage", toNumber("+573001112233")).
		Return(&openapi.ApiV2010Message{}, nil).Once()

	err := gateway.Send(context.Background(), "whatsapp:+573001112233", "hello")

	require.NoError(t, err)
	mockAPI.AssertExpectations(t)
}

func TestSend_BothChannelsFail(t *testing.T) {
	mockAPI := &MockMessageCreator{}
	gateway := newTestGateway(mockAPI, nil)

	mockAPI.On("CreateMessage", mock.Anything).Return(nil, errors.New("down")).Twice()

	err := gateway.Send(context.Background(), "+573001112233", "hello")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "all channels")
	mockAPI.AssertExpectations(t)
}

func TestNotify_QueuesOnDoubleFailure(t *testing.T) {
	mockAPI := &MockMessageCreator{}
	mockProducer := &MockProducer{}
	gateway := newTestGateway(mockAPI, mockProducer)

	mockAPI.On("CreateMessage", mock.Anything).Return(nil, errors.New("down")).Twice()
	mockProducer.On("Publish", mock.Anything, "outbound_dead_letter", "+573001112233", mock.Anything).
		Return(nil).Once()

	err := gateway.Notify(context.Background(), "+573001112233", "hello")

	// Queued counts as handled.
	require.NoError(t, err)
	mockProducer.AssertExpectations(t)
}

func TestNotify_EnqueueFailureSurfaces(t *testing.T) {
	mockAPI := &MockMessageCreator{}
	mockProducer := &MockProducer{}
	gateway := newTestGateway(mockAPI, mockProducer)

	mockAPI.On("CreateMessage", mock.Anything).Return(nil, errors.New("down")).Twice()
	mockProducer.On("Publish", mock.Anything, "outbound_dead_letter", "+573001112233", mock.Anything).
		Return(errors.New("broker unreachable")).Once()

	err := gateway.Notify(context.Background(), "+573001112233", "hello")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "dead-letter enqueue failed")
}

func TestNotify_NoQueueWhenDelivered(t *testing.T) {
	mockAPI := &MockMessageCreator{}
	mockProducer := &MockProducer{}
	gateway := newTestGateway(mockAPI, mockProducer)

	mockAPI.On("CreateMessage", mock.Anything).Return(&openapi.ApiV2010Message{}, nil).Once()

	err := gateway.Notify(context.Background(), "+573001112233", "hello")

	require.NoError(t, err)
	mockProducer.AssertNotCalled(t, "Publish")
}
