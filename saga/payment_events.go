package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"

	"booking/entity"
	"booking/statemachine"
)

// HandlePaymentEvent applies one inbound payment-provider event to the
// referenced booking. Every handler is idempotent: duplicates and events
// that raced with the saga degrade to logged no-ops, never errors, so the
// stream keeps flowing.
func (o *Orchestrator) HandlePaymentEvent(ctx context.Context, event entity.PaymentEvent) error {
	if event.BookingID == "" {
		log.FromContext(ctx).WithField("payment_id", event.PaymentID).Warn("Payment event without booking id, skipping")
		return nil
	}

	switch event.Type {
	case entity.PaymentEventAuthorized:
		return o.onPaymentAuthorized(ctx, event)
	case entity.PaymentEventCaptured:
		return o.onPaymentCaptured(ctx, event)
	case entity.PaymentEventFailed:
		return o.onPaymentFailed(ctx, event)
	case entity.PaymentEventRefunded:
		return o.onPaymentRefunded(ctx, event)
	default:
		log.FromContext(ctx).WithField("type", event.Type).Warn("Unknown payment event type, skipping")
		return nil
	}
}

func (o *Orchestrator) onPaymentAuthorized(ctx context.Context, event entity.PaymentEvent) error {
	_, err := o.repo.UpdateByID(ctx, event.BookingID, func(b entity.Booking) (entity.Booking, []entity.OutboxEvent, error) {
		if _, err := o.sm.Apply(ctx, &b, statemachine.EventPaymentAuthorized, "payment-consumer", ""); err != nil {
			return o.skipInvalid(ctx, b, err)
		}

		b.PaymentStatus = entity.PaymentProcessing
		if b.PaymentReference == "" {
			b.PaymentReference = event.PaymentID
		}

		return b, nil, nil
	})
	return ignoreNotFound(ctx, err, event)
}

func (o *Orchestrator) onPaymentCaptured(ctx context.Context, event entity.PaymentEvent) error {
	_, err := o.repo.UpdateByID(ctx, event.BookingID, func(b entity.Booking) (entity.Booking, []entity.OutboxEvent, error) {
		if b.Status == entity.StatusConfirmed {
			// duplicate capture notification
			return b, nil, nil
		}

		if _, err := o.sm.Apply(ctx, &b, statemachine.EventPaymentCaptured, "payment-consumer", ""); err != nil {
			return o.skipInvalid(ctx, b, err)
		}

		b.PaymentStatus = entity.PaymentCaptured
		now := time.Now().UTC()
		b.ConfirmedAt = &now

		confirmed, err := entity.NewBookingEvent(b, entity.EventBookingConfirmed)
		if err != nil {
			return b, nil, err
		}

		return b, []entity.OutboxEvent{confirmed}, nil
	})
	return ignoreNotFound(ctx, err, event)
}

func (o *Orchestrator) onPaymentFailed(ctx context.Context, event entity.PaymentEvent) error {
	reason := event.FailureReason
	if reason == "" {
		reason = "payment failed"
	}

	// a duplicate event on an already-cancelled booking takes the no-op
	// branch and must not release its seats a second time
	cancelledNow := false
	booking, err := o.repo.UpdateByID(ctx, event.BookingID, func(b entity.Booking) (entity.Booking, []entity.OutboxEvent, error) {
		if b.Status.IsTerminal() {
			return b, nil, nil
		}

		if _, err := o.sm.Apply(ctx, &b, statemachine.EventPaymentFailed, "payment-consumer", reason); err != nil {
			return o.skipInvalid(ctx, b, err)
		}
		b.PaymentStatus = entity.PaymentFailed

		if _, err := o.sm.Apply(ctx, &b, statemachine.EventSystemCancel, "payment-consumer", reason); err != nil {
			return o.skipInvalid(ctx, b, err)
		}

		now := time.Now().UTC()
		b.CancelledAt = &now
		b.CancellationReason = reason

		cancelled, err := entity.NewBookingEvent(b, entity.EventBookingCancelled)
		if err != nil {
			return b, nil, err
		}

		cancelledNow = true
		return b, []entity.OutboxEvent{cancelled}, nil
	})
	if err := ignoreNotFound(ctx, err, event); err != nil {
		return err
	}

	if cancelledNow && booking.Status == entity.StatusCancelled {
		o.releaseSeatsWithFallback(ctx, &booking)
	}

	return nil
}

func (o *Orchestrator) onPaymentRefunded(ctx context.Context, event entity.PaymentEvent) error {
	_, err := o.repo.UpdateByID(ctx, event.BookingID, func(b entity.Booking) (entity.Booking, []entity.OutboxEvent, error) {
		// refunds do not move the booking lifecycle, only the payment
		b.PaymentStatus = entity.PaymentRefunded
		return b, nil, nil
	})
	return ignoreNotFound(ctx, err, event)
}

// skipInvalid downgrades an invalid transition to a no-op: at the consumer
// boundary it means a duplicate or a race already resolved elsewhere.
func (o *Orchestrator) skipInvalid(ctx context.Context, b entity.Booking, err error) (entity.Booking, []entity.OutboxEvent, error) {
	var invalidErr statemachine.InvalidTransitionError
	if errors.As(err, &invalidErr) {
		log.FromContext(ctx).
			WithField("booking_id", b.ID).
			WithField("from", invalidErr.From).
			WithField("event", invalidErr.Event).
			Info("Ignoring payment event: transition not applicable")
		return b, nil, nil
	}
	return b, nil, err
}

func ignoreNotFound(ctx context.Context, err error, event entity.PaymentEvent) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, entity.ErrNotFound) {
		log.FromContext(ctx).
			WithField("booking_id", event.BookingID).
			WithField("payment_id", event.PaymentID).
			Warn("Payment event for unknown booking, skipping")
		return nil
	}
	return fmt.Errorf("could not handle payment event %s: %w", event.Type, err)
}
