package saga

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"

	"booking/entity"
	"booking/metrics"
	"booking/statemachine"
)

// CancelBooking cancels a booking on the user's behalf. Captured payments
// are refunded, authorized ones voided, held seats released; any failing
// action lands in the DLQ instead of blocking the cancellation.
func (o *Orchestrator) CancelBooking(ctx context.Context, bookingID, reason string) (entity.Booking, error) {
	booking, err := o.repo.GetByID(ctx, bookingID)
	if err != nil {
		return entity.Booking{}, err
	}

	if _, err := o.sm.Apply(ctx, &booking, statemachine.EventCancel, "user", reason); err != nil {
		return booking, err
	}

	now := time.Now().UTC()
	booking.CancelledAt = &now
	booking.CancellationReason = reason

	logger := log.FromContext(ctx).WithField("booking_id", booking.ID)

	if booking.PaymentReference != "" {
		switch booking.PaymentStatus {
		case entity.PaymentCaptured:
			if err := o.payments.RefundPayment(ctx, booking.PaymentReference); err != nil {
				metrics.Compensations.WithLabelValues(string(entity.CompensationRefundPayment), "dlq").Inc()
				logger.WithError(err).Error("Refund failed, enqueueing for retry")

				o.saveCompensation(ctx, entity.NewFailedCompensation(
					booking.ID, entity.CompensationRefundPayment, booking.PaymentReference, err))
			} else {
				metrics.Compensations.WithLabelValues(string(entity.CompensationRefundPayment), "success").Inc()
				booking.PaymentStatus = entity.PaymentRefunded
			}
		case entity.PaymentAuthorized, entity.PaymentProcessing:
			if err := o.payments.CancelPayment(ctx, booking.PaymentReference); err != nil {
				metrics.Compensations.WithLabelValues(string(entity.CompensationCancelPayment), "dlq").Inc()
				logger.WithError(err).Error("Payment cancellation failed, enqueueing for retry")

				o.saveCompensation(ctx, entity.NewFailedCompensation(
					booking.ID, entity.CompensationCancelPayment, booking.PaymentReference, err))
			} else {
				metrics.Compensations.WithLabelValues(string(entity.CompensationCancelPayment), "success").Inc()
			}
		}
	}

	o.releaseSeatsWithFallback(ctx, &booking)

	cancelled, err := entity.NewBookingEvent(booking, entity.EventBookingCancelled)
	if err != nil {
		return booking, err
	}

	if err := o.repo.UpdateWithEvents(ctx, booking, cancelled); err != nil {
		return booking, err
	}

	logger.WithField("reason", reason).Info("Booking cancelled")

	return booking, nil
}

// ExpireStale moves bookings past their TTL to EXPIRED and frees whatever
// they were holding. Returns the number of bookings expired.
func (o *Orchestrator) ExpireStale(ctx context.Context, now time.Time, limit int) (int, error) {
	stale, err := o.repo.FindExpired(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range stale {
		booking, err := o.repo.UpdateByID(ctx, candidate.ID, func(b entity.Booking) (entity.Booking, []entity.OutboxEvent, error) {
			// re-check under the transaction: the saga or consumer may have
			// finished the booking in the meantime
			if b.Status.IsTerminal() || b.Status == entity.StatusConfirmed || b.ExpiresAt.After(now) {
				return b, nil, nil
			}

			if _, err := o.sm.Apply(ctx, &b, statemachine.EventExpire, "system", "booking ttl elapsed"); err != nil {
				return b, nil, nil
			}

			event, err := entity.NewBookingEvent(b, entity.EventBookingExpired)
			if err != nil {
				return b, nil, err
			}

			return b, []entity.OutboxEvent{event}, nil
		})
		if err != nil {
			log.FromContext(ctx).WithError(err).WithField("booking_id", candidate.ID).Error("Could not expire booking")
			continue
		}

		if booking.Status != entity.StatusExpired {
			continue
		}
		expired++

		if booking.PaymentReference != "" &&
			(booking.PaymentStatus == entity.PaymentAuthorized || booking.PaymentStatus == entity.PaymentProcessing) {
			if err := o.payments.CancelPayment(ctx, booking.PaymentReference); err != nil {
				o.saveCompensation(ctx, entity.NewFailedCompensation(
					booking.ID, entity.CompensationCancelPayment, booking.PaymentReference, err))
			}
		}

		o.releaseSeatsWithFallback(ctx, &booking)
	}

	return expired, nil
}

func (o *Orchestrator) releaseSeatsWithFallback(ctx context.Context, booking *entity.Booking) {
	if booking.ReservationID == "" {
		return
	}

	if err := o.reservations.ReleaseSeats(ctx, booking.ReservationID); err != nil {
		metrics.Compensations.WithLabelValues(string(entity.CompensationReleaseSeats), "dlq").Inc()
		log.FromContext(ctx).
			WithError(err).
			WithField("booking_id", booking.ID).
			Error("Seat release failed, enqueueing for retry")

		o.saveCompensation(ctx, entity.NewFailedCompensation(
			booking.ID, entity.CompensationReleaseSeats, booking.ReservationID, err))
		return
	}

	metrics.Compensations.WithLabelValues(string(entity.CompensationReleaseSeats), "success").Inc()
}
