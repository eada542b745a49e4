package saga_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booking/entity"
	"booking/gateway"
	"booking/saga"
	"booking/statemachine"
)

type testHarness struct {
	repo          *fakeRepo
	locker        *fakeLocker
	reservations  *gateway.ReservationMock
	payments      *gateway.PaymentMock
	compensations *fakeCompensationStore
	orchestrator  *saga.Orchestrator
}

func newHarness() *testHarness {
	h := &testHarness{
		repo:          newFakeRepo(),
		locker:        &fakeLocker{},
		reservations:  &gateway.ReservationMock{},
		payments:      &gateway.PaymentMock{},
		compensations: &fakeCompensationStore{},
	}
	h.orchestrator = saga.NewOrchestrator(
		h.repo,
		statemachine.New(),
		h.locker,
		h.reservations,
		h.payments,
		h.compensations,
	)
	return h
}

func paidCommand() entity.CreateBookingCommand {
	return entity.CreateBookingCommand{
		UserID:      "user-1",
		EventID:     "event-1",
		Seats:       []string{"A1", "A2"},
		TotalAmount: 2000,
		Currency:    "USD",
	}
}

func TestCreateBooking_PaidHappyPath(t *testing.T) {
	h := newHarness()

	booking, err := h.orchestrator.CreateBooking(context.Background(), paidCommand())
	require.NoError(t, err)

	assert.Equal(t, entity.StatusConfirmed, booking.Status)
	assert.Equal(t, entity.PaymentCaptured, booking.PaymentStatus)
	assert.NotEmpty(t, booking.ReservationID)
	assert.NotEmpty(t, booking.PaymentReference)
	assert.NotNil(t, booking.ConfirmedAt)

	require.Len(t, h.payments.Captured(), 1)
	assert.Empty(t, h.payments.Cancelled())
	assert.Empty(t, h.reservations.Released())
	assert.Empty(t, h.compensations.all())

	confirmed := h.repo.eventsOfType(entity.EventBookingConfirmed)
	require.Len(t, confirmed, 1, "CONFIRMED booking must have its outbox event")
	assert.Equal(t, booking.ID, confirmed[0].AggregateID)
}

func TestCreateBooking_FreeBookingSkipsPayment(t *testing.T) {
	h := newHarness()

	cmd := paidCommand()
	cmd.TotalAmount = 0
	cmd.Currency = ""

	booking, err := h.orchestrator.CreateBooking(context.Background(), cmd)
	require.NoError(t, err)

	assert.Equal(t, entity.StatusConfirmed, booking.Status)
	assert.Equal(t, entity.PaymentNotRequired, booking.PaymentStatus)
	assert.Empty(t, booking.PaymentReference)
	assert.Empty(t, h.payments.Captured())
}

func TestCreateBooking_IdempotencyKeyShortCircuits(t *testing.T) {
	h := newHarness()

	cmd := paidCommand()
	cmd.IdempotencyKey = "idem-1"

	first, err := h.orchestrator.CreateBooking(context.Background(), cmd)
	require.NoError(t, err)

	second, err := h.orchestrator.CreateBooking(context.Background(), cmd)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, h.repo.bookings, 1)
	assert.Len(t, h.reservations.Reservations(), 1, "collaborator must not be re-invoked")
	assert.Len(t, h.payments.Captured(), 1)
}

func TestCreateBooking_ReservationFailure(t *testing.T) {
	h := newHarness()
	h.reservations.ReserveErr = &gateway.Error{Code: gateway.CodeFailedPrecondition, Message: "seats taken"}

	booking, err := h.orchestrator.CreateBooking(context.Background(), paidCommand())
	require.Error(t, err)
	assert.ErrorContains(t, err, "seat reservation failed")

	assert.Equal(t, entity.StatusFailed, booking.Status)
	assert.Empty(t, h.reservations.Released(), "nothing to release")
	assert.Empty(t, h.payments.Cancelled(), "no payment to cancel")
	assert.Empty(t, h.compensations.all())

	require.Len(t, h.repo.eventsOfType(entity.EventBookingFailed), 1)
}

func TestCreateBooking_CaptureFailureCompensates(t *testing.T) {
	h := newHarness()
	h.payments.CaptureErr = &gateway.Error{Code: gateway.CodeUnavailable, Message: "provider down"}

	booking, err := h.orchestrator.CreateBooking(context.Background(), paidCommand())
	require.Error(t, err)
	assert.ErrorContains(t, err, "payment capture failed")

	assert.Equal(t, entity.StatusFailed, booking.Status)
	assert.Equal(t, entity.PaymentFailed, booking.PaymentStatus)

	require.Len(t, h.reservations.Released(), 1, "reservation must be released exactly once")
	assert.Equal(t, booking.ReservationID, h.reservations.Released()[0])
	require.Len(t, h.payments.Cancelled(), 1)
	assert.Empty(t, h.compensations.all(), "successful compensations stay out of the DLQ")

	require.Len(t, h.repo.eventsOfType(entity.EventBookingFailed), 1)
	assert.Empty(t, h.repo.eventsOfType(entity.EventBookingConfirmed))
}

func TestCreateBooking_PaymentFailureLeavesNoLiveBooking(t *testing.T) {
	h := newHarness()
	h.payments.CreateErr = &gateway.Error{Code: gateway.CodeFailedPrecondition, Message: "card declined"}

	booking, err := h.orchestrator.CreateBooking(context.Background(), paidCommand())
	require.Error(t, err)

	assert.True(t, booking.Status.IsTerminal(), "compensated saga ended in %s", booking.Status)
	assert.Equal(t, entity.StatusFailed, booking.Status)

	stored, err := h.repo.GetByID(context.Background(), booking.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, stored.Status)

	expired, err := h.repo.FindExpired(context.Background(), booking.ExpiresAt.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, expired, "failed booking must not be picked up by the expiry sweep")
}

func TestCreateBooking_FailedCompensationsLandInDLQ(t *testing.T) {
	h := newHarness()
	h.payments.CaptureErr = &gateway.Error{Code: gateway.CodeUnavailable, Message: "provider down"}
	h.payments.CancelErr = &gateway.Error{Code: gateway.CodeUnavailable, Message: "provider down"}
	h.reservations.ReleaseErr = &gateway.Error{Code: gateway.CodeUnavailable, Message: "inventory down"}

	booking, err := h.orchestrator.CreateBooking(context.Background(), paidCommand())
	require.Error(t, err)
	assert.ErrorContains(t, err, "payment capture failed", "DLQ noise must not mask the original error")

	assert.Equal(t, entity.StatusFailed, booking.Status)

	saved := h.compensations.all()
	require.Len(t, saved, 2)

	types := map[entity.CompensationType]string{}
	for _, c := range saved {
		types[c.Type] = c.TargetRef
		assert.Equal(t, booking.ID, c.BookingID)
		assert.Equal(t, entity.CompensationPending, c.Status)
	}
	assert.Equal(t, booking.PaymentReference, types[entity.CompensationCancelPayment])
	assert.Equal(t, booking.ReservationID, types[entity.CompensationReleaseSeats])
}

func TestCreateBooking_Validation(t *testing.T) {
	h := newHarness()

	testCases := []struct {
		name   string
		mutate func(*entity.CreateBookingCommand)
	}{
		{"missing user", func(c *entity.CreateBookingCommand) { c.UserID = "" }},
		{"missing event", func(c *entity.CreateBookingCommand) { c.EventID = "" }},
		{"no seats", func(c *entity.CreateBookingCommand) { c.Seats = nil }},
		{"negative amount", func(c *entity.CreateBookingCommand) { c.TotalAmount = -1 }},
		{"bad currency", func(c *entity.CreateBookingCommand) { c.Currency = "DOLLARS" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := paidCommand()
			tc.mutate(&cmd)

			_, err := h.orchestrator.CreateBooking(context.Background(), cmd)
			require.ErrorIs(t, err, saga.ErrValidation)
		})
	}

	assert.Empty(t, h.repo.bookings, "validation failures must not persist anything")
	assert.Empty(t, h.locker.sequence(), "validation failures must not take the lock")
}

func TestCreateBooking_LockNotAcquired(t *testing.T) {
	h := newHarness()
	h.locker.acquireErr = entity.ErrLockNotAcquired

	_, err := h.orchestrator.CreateBooking(context.Background(), paidCommand())
	require.ErrorIs(t, err, entity.ErrLockNotAcquired)

	assert.Empty(t, h.repo.bookings)
	assert.Empty(t, h.reservations.Reservations())
}

func TestCreateBooking_SameEventSagasAreSerialized(t *testing.T) {
	h := newHarness()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orchestrator.CreateBooking(context.Background(), paidCommand())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	sequence := h.locker.sequence()
	require.Len(t, sequence, 4)
	assert.Equal(t, []string{"acquire:event-1", "release:event-1", "acquire:event-1", "release:event-1"}, sequence,
		"second saga must wait for the first to release the lock")

	assert.Len(t, h.repo.bookings, 2)
}

func TestCreateBooking_LockReleasedOnFailure(t *testing.T) {
	h := newHarness()
	h.reservations.ReserveErr = &gateway.Error{Code: gateway.CodeUnavailable, Message: "down"}

	_, err := h.orchestrator.CreateBooking(context.Background(), paidCommand())
	require.Error(t, err)

	sequence := h.locker.sequence()
	require.Len(t, sequence, 2)
	assert.Equal(t, "release:event-1", sequence[1])
}

func TestCancelBooking_RefundsCapturedPayment(t *testing.T) {
	h := newHarness()

	booking, err := h.orchestrator.CreateBooking(context.Background(), paidCommand())
	require.NoError(t, err)

	cancelled, err := h.orchestrator.CancelBooking(context.Background(), booking.ID, "change of plans")
	require.NoError(t, err)

	assert.Equal(t, entity.StatusCancelled, cancelled.Status)
	assert.Equal(t, entity.PaymentRefunded, cancelled.PaymentStatus)
	assert.Equal(t, "change of plans", cancelled.CancellationReason)
	assert.NotNil(t, cancelled.CancelledAt)

	require.Len(t, h.payments.Refunded(), 1)
	assert.Equal(t, booking.PaymentReference, h.payments.Refunded()[0])
	require.Len(t, h.reservations.Released(), 1)

	require.Len(t, h.repo.eventsOfType(entity.EventBookingCancelled), 1)
}

func TestCancelBooking_RefundFailureGoesToDLQ(t *testing.T) {
	h := newHarness()

	booking, err := h.orchestrator.CreateBooking(context.Background(), paidCommand())
	require.NoError(t, err)

	h.payments.RefundErr = &gateway.Error{Code: gateway.CodeUnavailable, Message: "provider down"}

	cancelled, err := h.orchestrator.CancelBooking(context.Background(), booking.ID, "refund me")
	require.NoError(t, err, "refund failure must not block cancellation")

	assert.Equal(t, entity.StatusCancelled, cancelled.Status)
	assert.Equal(t, entity.PaymentCaptured, cancelled.PaymentStatus, "refund still owed")

	saved := h.compensations.all()
	require.Len(t, saved, 1)
	assert.Equal(t, entity.CompensationRefundPayment, saved[0].Type)
	assert.Equal(t, booking.PaymentReference, saved[0].TargetRef)
}

func TestCancelBooking_TerminalBookingRejected(t *testing.T) {
	h := newHarness()
	h.reservations.ReserveErr = &gateway.Error{Code: gateway.CodeUnavailable, Message: "down"}

	booking, err := h.orchestrator.CreateBooking(context.Background(), paidCommand())
	require.Error(t, err)
	require.Equal(t, entity.StatusFailed, booking.Status)

	_, err = h.orchestrator.CancelBooking(context.Background(), booking.ID, "too late")

	var invalidErr statemachine.InvalidTransitionError
	require.ErrorAs(t, err, &invalidErr)
}

func TestCancelBooking_UnknownBooking(t *testing.T) {
	h := newHarness()

	_, err := h.orchestrator.CancelBooking(context.Background(), "missing", "whatever")
	require.ErrorIs(t, err, entity.ErrNotFound)
}

func TestExpireStale(t *testing.T) {
	h := newHarness()

	stale := entity.NewBooking(paidCommand())
	stale.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, h.repo.Create(context.Background(), stale))

	confirmed, err := h.orchestrator.CreateBooking(context.Background(), paidCommand())
	require.NoError(t, err)

	count, err := h.orchestrator.ExpireStale(context.Background(), time.Now(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	expired, err := h.repo.GetByID(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusExpired, expired.Status)

	untouched, err := h.repo.GetByID(context.Background(), confirmed.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusConfirmed, untouched.Status)

	require.Len(t, h.repo.eventsOfType(entity.EventBookingExpired), 1)
}
