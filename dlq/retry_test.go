package dlq_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booking/dlq"
	"booking/entity"
	"booking/gateway"
)

type memoryStore struct {
	lock sync.Mutex
	rows map[string]entity.FailedCompensation
	now  time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: map[string]entity.FailedCompensation{}, now: time.Now().UTC()}
}

func (s *memoryStore) Save(_ context.Context, compensation entity.FailedCompensation) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.rows[compensation.ID] = compensation
	return nil
}

func (s *memoryStore) ClaimDue(_ context.Context, limit int) ([]entity.FailedCompensation, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	var claimed []entity.FailedCompensation
	for id, row := range s.rows {
		if len(claimed) == limit {
			break
		}
		if row.Status == entity.CompensationPending && !row.NextRetryAt.After(s.now) {
			row.Status = entity.CompensationRetrying
			s.rows[id] = row
			claimed = append(claimed, row)
		}
	}
	return claimed, nil
}

func (s *memoryStore) Update(_ context.Context, compensation entity.FailedCompensation) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.rows[compensation.ID] = compensation
	return nil
}

func (s *memoryStore) get(id string) entity.FailedCompensation {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.rows[id]
}

func (s *memoryStore) advance(d time.Duration) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.now = s.now.Add(d)
}

func dueCompensation(typ entity.CompensationType, targetRef string) entity.FailedCompensation {
	c := entity.NewFailedCompensation("booking-1", typ, targetRef, errors.New("initial failure"))
	c.NextRetryAt = time.Now().Add(-time.Minute).UTC()
	return c
}

func TestSweep_SuccessfulRetry(t *testing.T) {
	store := newMemoryStore()
	reservations := &gateway.ReservationMock{}
	payments := &gateway.PaymentMock{}
	service := dlq.NewRetryService(store, dlq.NewGatewayCompensator(reservations, payments))

	row := dueCompensation(entity.CompensationReleaseSeats, "res-1")
	require.NoError(t, store.Save(context.Background(), row))

	require.NoError(t, service.Sweep(context.Background()))

	assert.Equal(t, entity.CompensationSucceeded, store.get(row.ID).Status)
	assert.Equal(t, []string{"res-1"}, reservations.Released())
}

func TestSweep_DispatchesByType(t *testing.T) {
	store := newMemoryStore()
	reservations := &gateway.ReservationMock{}
	payments := &gateway.PaymentMock{}
	service := dlq.NewRetryService(store, dlq.NewGatewayCompensator(reservations, payments))

	cancel := dueCompensation(entity.CompensationCancelPayment, "pay-1")
	refund := dueCompensation(entity.CompensationRefundPayment, "pay-2")
	require.NoError(t, store.Save(context.Background(), cancel))
	require.NoError(t, store.Save(context.Background(), refund))

	require.NoError(t, service.Sweep(context.Background()))

	assert.Equal(t, []string{"pay-1"}, payments.Cancelled())
	assert.Equal(t, []string{"pay-2"}, payments.Refunded())
	assert.Equal(t, entity.CompensationSucceeded, store.get(cancel.ID).Status)
	assert.Equal(t, entity.CompensationSucceeded, store.get(refund.ID).Status)
}

func TestSweep_BackoffScheduleAndExhaustion(t *testing.T) {
	store := newMemoryStore()
	payments := &gateway.PaymentMock{
		CancelErr: &gateway.Error{Code: gateway.CodeUnavailable, Message: "still down"},
	}
	service := dlq.NewRetryService(store, dlq.NewGatewayCompensator(&gateway.ReservationMock{}, payments))

	row := dueCompensation(entity.CompensationCancelPayment, "pay-1")
	require.NoError(t, store.Save(context.Background(), row))

	expectedDelays := []time.Duration{
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		480 * time.Second,
	}

	for attempt, wantDelay := range expectedDelays {
		before := time.Now().UTC()
		require.NoError(t, service.Sweep(context.Background()))

		updated := store.get(row.ID)
		assert.Equal(t, attempt+1, updated.RetryCount)
		assert.Equal(t, entity.CompensationPending, updated.Status)
		assert.WithinDuration(t, before.Add(wantDelay), updated.NextRetryAt, 2*time.Second,
			"attempt %d must back off by %s", attempt+1, wantDelay)

		store.advance(wantDelay + time.Second)
	}

	// fifth failure exhausts the budget
	require.NoError(t, service.Sweep(context.Background()))

	final := store.get(row.ID)
	assert.Equal(t, entity.CompensationFailed, final.Status)
	assert.Equal(t, 5, final.RetryCount)

	// FAILED rows are terminal, no further attempts
	calls := len(payments.Cancelled())
	store.advance(time.Hour)
	require.NoError(t, service.Sweep(context.Background()))
	assert.Len(t, payments.Cancelled(), calls)
}

func TestSweep_OneFailureDoesNotStallOthers(t *testing.T) {
	store := newMemoryStore()
	reservations := &gateway.ReservationMock{}
	payments := &gateway.PaymentMock{
		CancelErr: &gateway.Error{Code: gateway.CodeUnavailable, Message: "down"},
	}
	service := dlq.NewRetryService(store, dlq.NewGatewayCompensator(reservations, payments))

	failing := dueCompensation(entity.CompensationCancelPayment, "pay-1")
	healthy := dueCompensation(entity.CompensationReleaseSeats, "res-1")
	require.NoError(t, store.Save(context.Background(), failing))
	require.NoError(t, store.Save(context.Background(), healthy))

	require.NoError(t, service.Sweep(context.Background()))

	assert.Equal(t, entity.CompensationPending, store.get(failing.ID).Status)
	assert.Equal(t, entity.CompensationSucceeded, store.get(healthy.ID).Status)
	assert.Equal(t, []string{"res-1"}, reservations.Released())
}

func TestScheduleNextRetry_Deltas(t *testing.T) {
	c := entity.NewFailedCompensation("booking-1", entity.CompensationReleaseSeats, "res-1", errors.New("boom"))

	assert.WithinDuration(t, time.Now().Add(30*time.Second), c.NextRetryAt, time.Second,
		"initial retry is due in 30s")

	wantDelays := []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second, 480 * time.Second}
	for i, want := range wantDelays {
		before := time.Now().UTC()
		c.ScheduleNextRetry(errors.New("boom"))

		require.Equal(t, i+1, c.RetryCount)
		require.Equal(t, entity.CompensationPending, c.Status)
		assert.WithinDuration(t, before.Add(want), c.NextRetryAt, time.Second)
	}

	c.ScheduleNextRetry(errors.New("boom"))
	assert.Equal(t, 5, c.RetryCount)
	assert.Equal(t, entity.CompensationFailed, c.Status)
	assert.True(t, c.Exhausted())
}
