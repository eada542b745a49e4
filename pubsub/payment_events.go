package pubsub

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/ThreeDotsLabs/watermill/message"

	"booking/entity"
)

const TopicPaymentEvents = "payment-events"

// PaymentEventsService applies inbound payment events to bookings.
type PaymentEventsService interface {
	HandlePaymentEvent(ctx context.Context, event entity.PaymentEvent) error
}

type PaymentEventsHandler struct {
	service PaymentEventsService
}

func NewPaymentEventsHandler(service PaymentEventsService) PaymentEventsHandler {
	if service == nil {
		panic("service must be set")
	}

	return PaymentEventsHandler{service: service}
}

// Handle processes one payment-stream message. It never returns an error:
// a poison message or a processing failure is logged and acked, because
// blocking the stream behind one bad message hurts more than dropping it.
// Real failures are durably captured by the compensation DLQ.
func (h PaymentEventsHandler) Handle(msg *message.Message) error {
	ctx := msg.Context()

	var event entity.PaymentEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		log.FromContext(ctx).
			WithError(err).
			WithField("message_id", msg.UUID).
			Error("Could not unmarshal payment event, dropping")
		return nil
	}

	if err := h.service.HandlePaymentEvent(ctx, event); err != nil {
		log.FromContext(ctx).
			WithError(err).
			WithField("message_id", msg.UUID).
			WithField("booking_id", event.BookingID).
			WithField("type", event.Type).
			Error("Could not process payment event")
	}

	return nil
}
