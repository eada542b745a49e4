package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"

	"booking/entity"
	"booking/gateway"
	"booking/metrics"
	"booking/statemachine"
)

// ErrValidation wraps bad input. Validation failures are never retried and
// never start a saga.
var ErrValidation = errors.New("validation error")

type BookingRepository interface {
	Create(ctx context.Context, booking entity.Booking) error
	GetByID(ctx context.Context, bookingID string) (entity.Booking, error)
	GetByIdempotencyKey(ctx context.Context, key string) (entity.Booking, error)
	Update(ctx context.Context, booking entity.Booking) error
	UpdateWithEvents(ctx context.Context, booking entity.Booking, events ...entity.OutboxEvent) error
	UpdateByID(ctx context.Context, bookingID string, updateFn func(booking entity.Booking) (entity.Booking, []entity.OutboxEvent, error)) (entity.Booking, error)
	FindExpired(ctx context.Context, now time.Time, limit int) ([]entity.Booking, error)
}

type CompensationStore interface {
	Save(ctx context.Context, compensation entity.FailedCompensation) error
}

type Lease interface {
	Release(ctx context.Context) error
}

type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Orchestrator runs the booking saga: seat reservation and payment as
// forward steps, compensating actions on failure, with every state change
// going through the state machine and every downstream notification through
// the transactional outbox.
type Orchestrator struct {
	repo          BookingRepository
	sm            *statemachine.StateMachine
	locker        Locker
	reservations  gateway.ReservationService
	payments      gateway.PaymentService
	compensations CompensationStore
}

func NewOrchestrator(
	repo BookingRepository,
	sm *statemachine.StateMachine,
	locker Locker,
	reservations gateway.ReservationService,
	payments gateway.PaymentService,
	compensations CompensationStore,
) *Orchestrator {
	if repo == nil {
		panic("repo must be set")
	}
	if sm == nil {
		panic("state machine must be set")
	}
	if locker == nil {
		panic("locker must be set")
	}
	if reservations == nil {
		panic("reservation service must be set")
	}
	if payments == nil {
		panic("payment service must be set")
	}
	if compensations == nil {
		panic("compensation store must be set")
	}

	return &Orchestrator{
		repo:          repo,
		sm:            sm,
		locker:        locker,
		reservations:  reservations,
		payments:      payments,
		compensations: compensations,
	}
}

// CreateBooking executes the full saga. Sagas for the same event are
// serialized by the distributed lock; a reused idempotency key returns the
// existing booking without touching any collaborator.
func (o *Orchestrator) CreateBooking(ctx context.Context, cmd entity.CreateBookingCommand) (entity.Booking, error) {
	if err := validateCommand(cmd); err != nil {
		return entity.Booking{}, err
	}

	if cmd.IdempotencyKey != "" {
		existing, err := o.repo.GetByIdempotencyKey(ctx, cmd.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, entity.ErrNotFound) {
			return entity.Booking{}, err
		}
	}

	lease, err := o.locker.Acquire(ctx, cmd.EventID)
	if err != nil {
		return entity.Booking{}, err
	}
	defer func() {
		if releaseErr := lease.Release(ctx); releaseErr != nil {
			log.FromContext(ctx).WithError(releaseErr).WithField("event_id", cmd.EventID).Error("Failed to release saga lock")
		}
	}()

	booking := entity.NewBooking(cmd)

	if err := o.repo.Create(ctx, booking); err != nil {
		if errors.Is(err, entity.ErrIdempotencyConflict) && cmd.IdempotencyKey != "" {
			// lost the race with a concurrent identical request
			return o.repo.GetByIdempotencyKey(ctx, cmd.IdempotencyKey)
		}
		return entity.Booking{}, err
	}

	booking, err = o.runSaga(ctx, booking)
	if err != nil {
		return booking, err
	}

	return booking, nil
}

func (o *Orchestrator) runSaga(ctx context.Context, booking entity.Booking) (entity.Booking, error) {
	if _, err := o.sm.Apply(ctx, &booking, statemachine.EventReserveSeats, "saga", ""); err != nil {
		return booking, err
	}
	if err := o.repo.Update(ctx, booking); err != nil {
		return booking, err
	}

	reservation, err := o.reservations.ReserveSeats(ctx, gateway.ReserveSeatsRequest{
		BookingID: booking.ID,
		EventID:   booking.EventID,
		Seats:     booking.Seats,
	})
	if err != nil {
		metrics.SagaSteps.WithLabelValues("reserve_seats", "failure").Inc()
		return o.compensate(ctx, booking, statemachine.EventSeatsReservationFailed, fmt.Errorf("seat reservation failed: %w", err))
	}
	metrics.SagaSteps.WithLabelValues("reserve_seats", "success").Inc()

	booking.ReservationID = reservation.ReservationID
	if _, err := o.sm.Apply(ctx, &booking, statemachine.EventSeatsReserved, "saga", ""); err != nil {
		return o.compensate(ctx, booking, statemachine.EventFail, err)
	}
	if err := o.repo.Update(ctx, booking); err != nil {
		return o.compensate(ctx, booking, statemachine.EventFail, err)
	}

	if booking.RequiresPayment() {
		booking, err = o.executePayment(ctx, booking)
		if err != nil {
			return booking, err
		}
	} else {
		if _, err := o.sm.Apply(ctx, &booking, statemachine.EventConfirm, "saga", "free booking"); err != nil {
			return o.compensate(ctx, booking, statemachine.EventFail, err)
		}
	}

	now := time.Now().UTC()
	booking.ConfirmedAt = &now

	confirmed, err := entity.NewBookingEvent(booking, entity.EventBookingConfirmed)
	if err != nil {
		return o.compensate(ctx, booking, statemachine.EventFail, err)
	}

	if err := o.repo.UpdateWithEvents(ctx, booking, confirmed); err != nil {
		return o.compensate(ctx, booking, statemachine.EventFail, err)
	}

	log.FromContext(ctx).
		WithField("booking_id", booking.ID).
		WithField("booking_reference", booking.Reference).
		Info("Booking confirmed")

	return booking, nil
}

func (o *Orchestrator) executePayment(ctx context.Context, booking entity.Booking) (entity.Booking, error) {
	if _, err := o.sm.Apply(ctx, &booking, statemachine.EventRequestPayment, "saga", ""); err != nil {
		return o.compensate(ctx, booking, statemachine.EventFail, err)
	}
	if err := o.repo.Update(ctx, booking); err != nil {
		return o.compensate(ctx, booking, statemachine.EventFail, err)
	}

	payment, err := o.payments.CreatePayment(ctx, gateway.CreatePaymentRequest{
		BookingID:      booking.ID,
		UserID:         booking.UserID,
		Amount:         booking.TotalAmount,
		Currency:       booking.Currency,
		IdempotencyKey: booking.IdempotencyKey,
	})
	if err != nil {
		metrics.SagaSteps.WithLabelValues("create_payment", "failure").Inc()
		return o.compensate(ctx, booking, statemachine.EventPaymentFailed, fmt.Errorf("payment creation failed: %w", err))
	}
	metrics.SagaSteps.WithLabelValues("create_payment", "success").Inc()

	booking.PaymentReference = payment.PaymentReference
	booking.PaymentStatus = entity.PaymentAuthorized
	if _, err := o.sm.Apply(ctx, &booking, statemachine.EventPaymentAuthorized, "saga", ""); err != nil {
		return o.compensate(ctx, booking, statemachine.EventFail, err)
	}
	if err := o.repo.Update(ctx, booking); err != nil {
		return o.compensate(ctx, booking, statemachine.EventFail, err)
	}

	if err := o.payments.CapturePayment(ctx, booking.PaymentReference); err != nil {
		metrics.SagaSteps.WithLabelValues("capture_payment", "failure").Inc()
		return o.compensate(ctx, booking, statemachine.EventPaymentFailed, fmt.Errorf("payment capture failed: %w", err))
	}
	metrics.SagaSteps.WithLabelValues("capture_payment", "success").Inc()

	booking.PaymentStatus = entity.PaymentCaptured
	if _, err := o.sm.Apply(ctx, &booking, statemachine.EventPaymentCaptured, "saga", ""); err != nil {
		return o.compensate(ctx, booking, statemachine.EventFail, err)
	}

	return booking, nil
}

// compensate unwinds whatever partial state the saga acquired: the payment
// first, then the reservation. Each action failure is recorded in the DLQ
// and never masks the original error returned to the caller.
func (o *Orchestrator) compensate(
	ctx context.Context,
	booking entity.Booking,
	failEvent statemachine.Event,
	cause error,
) (entity.Booking, error) {
	logger := log.FromContext(ctx).WithField("booking_id", booking.ID)
	logger.WithError(cause).Info("Compensating booking saga")

	if booking.PaymentReference != "" {
		if err := o.payments.CancelPayment(ctx, booking.PaymentReference); err != nil {
			metrics.Compensations.WithLabelValues(string(entity.CompensationCancelPayment), "dlq").Inc()
			logger.WithError(err).Error("Payment cancellation failed, enqueueing for retry")

			o.saveCompensation(ctx, entity.NewFailedCompensation(
				booking.ID, entity.CompensationCancelPayment, booking.PaymentReference, err))
		} else {
			metrics.Compensations.WithLabelValues(string(entity.CompensationCancelPayment), "success").Inc()
		}
		booking.PaymentStatus = entity.PaymentFailed
	}

	if booking.ReservationID != "" {
		if err := o.reservations.ReleaseSeats(ctx, booking.ReservationID); err != nil {
			metrics.Compensations.WithLabelValues(string(entity.CompensationReleaseSeats), "dlq").Inc()
			logger.WithError(err).Error("Seat release failed, enqueueing for retry")

			o.saveCompensation(ctx, entity.NewFailedCompensation(
				booking.ID, entity.CompensationReleaseSeats, booking.ReservationID, err))
		} else {
			metrics.Compensations.WithLabelValues(string(entity.CompensationReleaseSeats), "success").Inc()
		}
	}

	if _, err := o.sm.Apply(ctx, &booking, failEvent, "saga", cause.Error()); err != nil {
		logger.WithError(err).WithField("status", booking.Status).
			Info("Failure event rejected, failing booking directly")
	}

	// PAYMENT_FAILED is an intermediate state; a compensated saga must
	// always end terminal or the expiry sweep re-selects the booking forever
	if !booking.Status.IsTerminal() {
		if _, err := o.sm.Apply(ctx, &booking, statemachine.EventFail, "saga", cause.Error()); err != nil || !booking.Status.IsTerminal() {
			logger.WithField("status", booking.Status).Warn("Forcing booking status to FAILED")
			booking.Status = entity.StatusFailed
		}
	}

	failed, eventErr := entity.NewBookingEvent(booking, entity.EventBookingFailed)
	if eventErr != nil {
		logger.WithError(eventErr).Error("Could not build booking failed event")
		if updateErr := o.repo.Update(ctx, booking); updateErr != nil {
			logger.WithError(updateErr).Error("Could not persist failed booking")
		}
		return booking, cause
	}

	if err := o.repo.UpdateWithEvents(ctx, booking, failed); err != nil {
		logger.WithError(err).Error("Could not persist failed booking")
	}

	return booking, cause
}

func (o *Orchestrator) saveCompensation(ctx context.Context, compensation entity.FailedCompensation) {
	if err := o.compensations.Save(ctx, compensation); err != nil {
		log.FromContext(ctx).
			WithError(err).
			WithField("booking_id", compensation.BookingID).
			WithField("compensation_type", compensation.Type).
			Error("Could not save failed compensation, manual intervention required")
	}
}

func validateCommand(cmd entity.CreateBookingCommand) error {
	switch {
	case cmd.UserID == "":
		return fmt.Errorf("%w: user id is required", ErrValidation)
	case cmd.EventID == "":
		return fmt.Errorf("%w: event id is required", ErrValidation)
	case len(cmd.Seats) == 0:
		return fmt.Errorf("%w: at least one seat is required", ErrValidation)
	case cmd.TotalAmount < 0:
		return fmt.Errorf("%w: total amount cannot be negative", ErrValidation)
	case cmd.TotalAmount > 0 && len(cmd.Currency) != 3:
		return fmt.Errorf("%w: currency must be a 3-letter code", ErrValidation)
	}

	return nil
}
