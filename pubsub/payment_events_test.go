package pubsub_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booking/entity"
	"booking/pubsub"
)

type fakeService struct {
	lock   sync.Mutex
	events []entity.PaymentEvent
	err    error
}

func (s *fakeService) HandlePaymentEvent(_ context.Context, event entity.PaymentEvent) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.events = append(s.events, event)
	return s.err
}

func (s *fakeService) handled() []entity.PaymentEvent {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([]entity.PaymentEvent(nil), s.events...)
}

func TestPaymentEventsHandler_DispatchesEvent(t *testing.T) {
	service := &fakeService{}
	handler := pubsub.NewPaymentEventsHandler(service)

	payload, err := json.Marshal(entity.PaymentEvent{
		Type:      entity.PaymentEventCaptured,
		PaymentID: "pay-1",
		BookingID: "booking-1",
	})
	require.NoError(t, err)

	msg := message.NewMessage("msg-1", payload)
	require.NoError(t, handler.Handle(msg))

	handled := service.handled()
	require.Len(t, handled, 1)
	assert.Equal(t, entity.PaymentEventCaptured, handled[0].Type)
	assert.Equal(t, "booking-1", handled[0].BookingID)
}

func TestPaymentEventsHandler_PoisonMessageIsAcked(t *testing.T) {
	service := &fakeService{}
	handler := pubsub.NewPaymentEventsHandler(service)

	msg := message.NewMessage("msg-1", []byte("not json"))
	require.NoError(t, handler.Handle(msg), "poison messages must not block the stream")

	assert.Empty(t, service.handled())
}

func TestPaymentEventsHandler_ProcessingErrorIsAcked(t *testing.T) {
	service := &fakeService{err: assert.AnError}
	handler := pubsub.NewPaymentEventsHandler(service)

	payload, err := json.Marshal(entity.PaymentEvent{
		Type:      entity.PaymentEventFailed,
		BookingID: "booking-1",
	})
	require.NoError(t, err)

	require.NoError(t, handler.Handle(message.NewMessage("msg-1", payload)))
	assert.Len(t, service.handled(), 1)
}
