package saga_test

import (
	"context"
	"sync"
	"time"

	"booking/entity"
	"booking/saga"
)

type fakeRepo struct {
	lock     sync.Mutex
	bookings map[string]entity.Booking
	events   []entity.OutboxEvent

	failUpdateWithEvents error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{bookings: map[string]entity.Booking{}}
}

func (r *fakeRepo) Create(_ context.Context, booking entity.Booking) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if booking.IdempotencyKey != "" {
		for _, b := range r.bookings {
			if b.IdempotencyKey == booking.IdempotencyKey {
				return entity.ErrIdempotencyConflict
			}
		}
	}

	r.bookings[booking.ID] = booking
	return nil
}

func (r *fakeRepo) GetByID(_ context.Context, bookingID string) (entity.Booking, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	booking, ok := r.bookings[bookingID]
	if !ok {
		return entity.Booking{}, entity.ErrNotFound
	}
	return booking, nil
}

func (r *fakeRepo) GetByIdempotencyKey(_ context.Context, key string) (entity.Booking, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	for _, b := range r.bookings {
		if b.IdempotencyKey == key {
			return b, nil
		}
	}
	return entity.Booking{}, entity.ErrNotFound
}

func (r *fakeRepo) Update(_ context.Context, booking entity.Booking) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.bookings[booking.ID] = booking
	return nil
}

func (r *fakeRepo) UpdateWithEvents(_ context.Context, booking entity.Booking, events ...entity.OutboxEvent) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.failUpdateWithEvents != nil {
		return r.failUpdateWithEvents
	}

	r.bookings[booking.ID] = booking
	r.events = append(r.events, events...)
	return nil
}

func (r *fakeRepo) UpdateByID(
	ctx context.Context,
	bookingID string,
	updateFn func(booking entity.Booking) (entity.Booking, []entity.OutboxEvent, error),
) (entity.Booking, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	booking, ok := r.bookings[bookingID]
	if !ok {
		return entity.Booking{}, entity.ErrNotFound
	}

	booking, events, err := updateFn(booking)
	if err != nil {
		return entity.Booking{}, err
	}

	r.bookings[booking.ID] = booking
	r.events = append(r.events, events...)
	return booking, nil
}

func (r *fakeRepo) FindExpired(_ context.Context, now time.Time, limit int) ([]entity.Booking, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	var result []entity.Booking
	for _, b := range r.bookings {
		if len(result) == limit {
			break
		}
		if b.Status.IsTerminal() || b.Status == entity.StatusConfirmed {
			continue
		}
		if !b.ExpiresAt.After(now) {
			result = append(result, b)
		}
	}
	return result, nil
}

func (r *fakeRepo) eventsOfType(eventType string) []entity.OutboxEvent {
	r.lock.Lock()
	defer r.lock.Unlock()

	var result []entity.OutboxEvent
	for _, e := range r.events {
		if e.EventType == eventType {
			result = append(result, e)
		}
	}
	return result
}

type fakeCompensationStore struct {
	lock  sync.Mutex
	saved []entity.FailedCompensation
}

func (s *fakeCompensationStore) Save(_ context.Context, compensation entity.FailedCompensation) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.saved = append(s.saved, compensation)
	return nil
}

func (s *fakeCompensationStore) all() []entity.FailedCompensation {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([]entity.FailedCompensation(nil), s.saved...)
}

// fakeLocker serializes per key with a real mutex and records the
// acquire/release sequence.
type fakeLocker struct {
	lock    sync.Mutex
	keys    map[string]*sync.Mutex
	history []string

	acquireErr error
}

func (l *fakeLocker) Acquire(_ context.Context, key string) (saga.Lease, error) {
	l.lock.Lock()
	if l.acquireErr != nil {
		l.lock.Unlock()
		return nil, l.acquireErr
	}
	if l.keys == nil {
		l.keys = map[string]*sync.Mutex{}
	}
	mu, ok := l.keys[key]
	if !ok {
		mu = &sync.Mutex{}
		l.keys[key] = mu
	}
	l.lock.Unlock()

	mu.Lock()

	l.lock.Lock()
	l.history = append(l.history, "acquire:"+key)
	l.lock.Unlock()

	return &fakeLease{locker: l, key: key, mu: mu}, nil
}

func (l *fakeLocker) sequence() []string {
	l.lock.Lock()
	defer l.lock.Unlock()

	return append([]string(nil), l.history...)
}

type fakeLease struct {
	locker *fakeLocker
	key    string
	mu     *sync.Mutex
}

func (le *fakeLease) Release(context.Context) error {
	le.locker.lock.Lock()
	le.locker.history = append(le.locker.history, "release:"+le.key)
	le.locker.lock.Unlock()

	le.mu.Unlock()
	return nil
}
