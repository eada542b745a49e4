package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"

	"booking/entity"
	"booking/gateway"
	"booking/metrics"
)

const (
	sweepInterval = 30 * time.Second
	batchSize     = 50
)

type Store interface {
	Save(ctx context.Context, compensation entity.FailedCompensation) error
	ClaimDue(ctx context.Context, limit int) ([]entity.FailedCompensation, error)
	Update(ctx context.Context, compensation entity.FailedCompensation) error
}

// Compensator executes a single compensating action against the outside
// world.
type Compensator interface {
	Compensate(ctx context.Context, compensation entity.FailedCompensation) error
}

// GatewayCompensator dispatches dead-lettered compensations to the
// collaborator that can undo them.
type GatewayCompensator struct {
	reservations gateway.ReservationService
	payments     gateway.PaymentService
}

func NewGatewayCompensator(reservations gateway.ReservationService, payments gateway.PaymentService) *GatewayCompensator {
	return &GatewayCompensator{reservations: reservations, payments: payments}
}

func (c *GatewayCompensator) Compensate(ctx context.Context, compensation entity.FailedCompensation) error {
	switch compensation.Type {
	case entity.CompensationCancelPayment:
		return c.payments.CancelPayment(ctx, compensation.TargetRef)
	case entity.CompensationRefundPayment:
		return c.payments.RefundPayment(ctx, compensation.TargetRef)
	case entity.CompensationReleaseSeats:
		return c.reservations.ReleaseSeats(ctx, compensation.TargetRef)
	default:
		return fmt.Errorf("unknown compensation type: %s", compensation.Type)
	}
}

// RetryService re-drives dead-lettered compensations with exponential
// backoff until they succeed or run out of retries.
type RetryService struct {
	store       Store
	compensator Compensator
}

func NewRetryService(store Store, compensator Compensator) *RetryService {
	if store == nil {
		panic("store must be set")
	}
	if compensator == nil {
		panic("compensator must be set")
	}

	return &RetryService{store: store, compensator: compensator}
}

func (s *RetryService) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.FromContext(ctx).WithError(err).Error("Compensation retry sweep failed")
			}
		}
	}
}

// Sweep claims due compensations and retries each one. Individual failures
// are rescheduled, never propagated: one stuck compensation must not stall
// the rest of the queue.
func (s *RetryService) Sweep(ctx context.Context) error {
	claimed, err := s.store.ClaimDue(ctx, batchSize)
	if err != nil {
		return fmt.Errorf("could not claim due compensations: %w", err)
	}

	for _, compensation := range claimed {
		logger := log.FromContext(ctx).
			WithField("compensation_id", compensation.ID).
			WithField("booking_id", compensation.BookingID).
			WithField("compensation_type", compensation.Type)

		if err := s.compensator.Compensate(ctx, compensation); err != nil {
			compensation.ScheduleNextRetry(err)

			if compensation.Exhausted() {
				metrics.Compensations.WithLabelValues(string(compensation.Type), "exhausted").Inc()
				logger.WithError(err).
					WithField("retry_count", compensation.RetryCount).
					Error("Compensation retries exhausted, manual intervention required")
			} else {
				metrics.Compensations.WithLabelValues(string(compensation.Type), "rescheduled").Inc()
				logger.WithError(err).
					WithField("next_retry_at", compensation.NextRetryAt).
					Warn("Compensation failed again, rescheduled")
			}
		} else {
			compensation.MarkSucceeded()
			metrics.Compensations.WithLabelValues(string(compensation.Type), "retried").Inc()
			logger.Info("Compensation succeeded on retry")
		}

		if err := s.store.Update(ctx, compensation); err != nil {
			logger.WithError(err).Error("Could not persist compensation state")
		}
	}

	return nil
}
