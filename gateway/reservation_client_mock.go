package gateway

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type ReservationMock struct {
	lock sync.Mutex

	ReserveErr error
	ReleaseErr error

	reservations map[string]ReserveSeatsRequest
	released     []string
}

func (m *ReservationMock) ReserveSeats(_ context.Context, request ReserveSeatsRequest) (Reservation, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.ReserveErr != nil {
		return Reservation{}, m.ReserveErr
	}

	if m.reservations == nil {
		m.reservations = make(map[string]ReserveSeatsRequest)
	}

	reservationID := uuid.NewString()
	m.reservations[reservationID] = request

	return Reservation{ReservationID: reservationID}, nil
}

func (m *ReservationMock) ReleaseSeats(_ context.Context, reservationID string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.ReleaseErr != nil {
		return m.ReleaseErr
	}

	delete(m.reservations, reservationID)
	m.released = append(m.released, reservationID)

	return nil
}

func (m *ReservationMock) Reservations() map[string]ReserveSeatsRequest {
	m.lock.Lock()
	defer m.lock.Unlock()

	out := make(map[string]ReserveSeatsRequest, len(m.reservations))
	for id, req := range m.reservations {
		out[id] = req
	}
	return out
}

func (m *ReservationMock) Released() []string {
	m.lock.Lock()
	defer m.lock.Unlock()

	return append([]string(nil), m.released...)
}
