package entity

import (
	"time"

	"github.com/google/uuid"
)

// StateTransition is an immutable audit record of a single booking state
// change. Rows are append-only; failures to persist them never abort the
// transition they describe.
type StateTransition struct {
	ID          string        `db:"transition_id"`
	BookingID   string        `db:"booking_id"`
	FromState   BookingStatus `db:"from_state"`
	ToState     BookingStatus `db:"to_state"`
	Event       string        `db:"event"`
	TriggeredBy string        `db:"triggered_by"`
	Reason      string        `db:"reason"`
	CreatedAt   time.Time     `db:"created_at"`
}

func NewStateTransition(bookingID string, from, to BookingStatus, event, triggeredBy, reason string) StateTransition {
	return StateTransition{
		ID:          uuid.NewString(),
		BookingID:   bookingID,
		FromState:   from,
		ToState:     to,
		Event:       event,
		TriggeredBy: triggeredBy,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	}
}
