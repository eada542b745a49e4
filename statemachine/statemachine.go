package statemachine

import (
	"context"
	"fmt"

	"booking/entity"
	"booking/metrics"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
)

type Event string

const (
	EventReserveSeats           Event = "RESERVE_SEATS"
	EventSeatsReserved          Event = "SEATS_RESERVED"
	EventSeatsReservationFailed Event = "SEATS_RESERVATION_FAILED"
	EventRequestPayment         Event = "REQUEST_PAYMENT"
	EventPaymentAuthorized      Event = "PAYMENT_AUTHORIZED"
	EventPaymentCaptured        Event = "PAYMENT_CAPTURED"
	EventPaymentFailed          Event = "PAYMENT_FAILED"
	EventConfirm                Event = "CONFIRM"
	EventCancel                 Event = "CANCEL"
	EventSystemCancel           Event = "SYSTEM_CANCEL"
	EventExpire                 Event = "EXPIRE"
	EventFail                   Event = "FAIL"
)

// transitions is the full lifecycle table. Terminal states have no entry:
// nothing moves a CANCELLED, FAILED or EXPIRED booking. CONFIRMED only
// accepts a user cancel.
var transitions = map[entity.BookingStatus]map[Event]entity.BookingStatus{
	entity.StatusPending: {
		EventReserveSeats: entity.StatusReserving,
		EventFail:         entity.StatusFailed,
		EventCancel:       entity.StatusCancelled,
		EventExpire:       entity.StatusExpired,
	},
	entity.StatusReserving: {
		EventSeatsReserved:          entity.StatusSeatsReserved,
		EventSeatsReservationFailed: entity.StatusFailed,
		EventCancel:                 entity.StatusCancelled,
		EventFail:                   entity.StatusFailed,
	},
	entity.StatusSeatsReserved: {
		EventRequestPayment: entity.StatusPaymentPending,
		EventConfirm:        entity.StatusConfirmed,
		EventCancel:         entity.StatusCancelled,
		EventExpire:         entity.StatusExpired,
		EventFail:           entity.StatusFailed,
	},
	entity.StatusPaymentPending: {
		EventPaymentAuthorized: entity.StatusPaymentProcessing,
		EventPaymentCaptured:   entity.StatusConfirmed,
		EventPaymentFailed:     entity.StatusPaymentFailed,
		EventCancel:            entity.StatusCancelled,
		EventExpire:            entity.StatusExpired,
		EventFail:              entity.StatusFailed,
	},
	entity.StatusPaymentProcessing: {
		EventPaymentCaptured: entity.StatusConfirmed,
		EventPaymentFailed:   entity.StatusPaymentFailed,
		EventCancel:          entity.StatusCancelled,
		EventFail:            entity.StatusFailed,
	},
	entity.StatusPaymentFailed: {
		EventSystemCancel: entity.StatusCancelled,
		EventFail:         entity.StatusFailed,
	},
	entity.StatusConfirmed: {
		EventCancel: entity.StatusCancelled,
	},
}

// InvalidTransitionError is returned when an event is not defined for the
// booking's current status. The booking is left untouched.
type InvalidTransitionError struct {
	From  entity.BookingStatus
	Event Event
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s with event %s", e.From, e.Event)
}

// Observer is notified synchronously after every successful transition.
// A panicking or misbehaving observer never affects the transition itself.
type Observer interface {
	OnTransition(ctx context.Context, transition entity.StateTransition)
}

type StateMachine struct {
	observers []Observer
}

func New(observers ...Observer) *StateMachine {
	return &StateMachine{observers: observers}
}

func (sm *StateMachine) AddObserver(observer Observer) {
	sm.observers = append(sm.observers, observer)
}

// TargetState returns the status an event leads to from the given status.
func (sm *StateMachine) TargetState(from entity.BookingStatus, event Event) (entity.BookingStatus, bool) {
	target, ok := transitions[from][event]
	return target, ok
}

// ValidEvents returns the events accepted in the given status.
func (sm *StateMachine) ValidEvents(from entity.BookingStatus) []Event {
	events := make([]Event, 0, len(transitions[from]))
	for event := range transitions[from] {
		events = append(events, event)
	}
	return events
}

// Apply transitions the booking according to the event table. On success the
// booking's status is mutated, a transition record is returned and observers
// are notified. On an undefined (status, event) pair the booking is unchanged
// and an InvalidTransitionError is returned.
func (sm *StateMachine) Apply(
	ctx context.Context,
	booking *entity.Booking,
	event Event,
	triggeredBy string,
	reason string,
) (entity.StateTransition, error) {
	from := booking.Status

	target, ok := transitions[from][event]
	if !ok {
		metrics.StateTransitionsInvalid.Inc()
		log.FromContext(ctx).
			WithField("booking_id", booking.ID).
			WithField("from", from).
			WithField("event", event).
			Warn("Invalid state transition attempted")

		return entity.StateTransition{}, InvalidTransitionError{From: from, Event: event}
	}

	booking.Status = target

	transition := entity.NewStateTransition(booking.ID, from, target, string(event), triggeredBy, reason)

	metrics.StateTransitions.WithLabelValues(string(from), string(target)).Inc()

	log.FromContext(ctx).
		WithField("booking_id", booking.ID).
		WithField("from", from).
		WithField("to", target).
		WithField("event", event).
		WithField("triggered_by", triggeredBy).
		Info("State transition")

	for _, observer := range sm.observers {
		sm.notify(ctx, observer, transition)
	}

	return transition, nil
}

func (sm *StateMachine) notify(ctx context.Context, observer Observer, transition entity.StateTransition) {
	defer func() {
		if r := recover(); r != nil {
			log.FromContext(ctx).
				WithField("booking_id", transition.BookingID).
				WithField("panic", r).
				Error("State transition observer panicked")
		}
	}()

	observer.OnTransition(ctx, transition)
}
