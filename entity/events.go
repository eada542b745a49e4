package entity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

const (
	AggregateBooking = "BOOKING"
	AggregatePayment = "PAYMENT"
)

const (
	EventBookingConfirmed = "BOOKING_CONFIRMED"
	EventBookingCancelled = "BOOKING_CANCELLED"
	EventBookingFailed    = "BOOKING_FAILED"
	EventBookingExpired   = "BOOKING_EXPIRED"
)

// OutboxEvent is a row of the transactional outbox. It is inserted in the
// same transaction as the entity mutation it announces and published
// asynchronously by the outbox processor.
type OutboxEvent struct {
	ID            string       `db:"event_id"`
	AggregateType string       `db:"aggregate_type"`
	AggregateID   string       `db:"aggregate_id"`
	EventType     string       `db:"event_type"`
	Payload       []byte       `db:"payload"`
	Status        OutboxStatus `db:"status"`
	RetryCount    int          `db:"retry_count"`
	LastError     string       `db:"last_error"`
	CreatedAt     time.Time    `db:"created_at"`
	PublishedAt   *time.Time   `db:"published_at"`
}

// BookingEventPayload is the wire payload of every BOOKING_* outbox event.
type BookingEventPayload struct {
	BookingID          string        `json:"booking_id"`
	BookingReference   string        `json:"booking_reference"`
	UserID             string        `json:"user_id"`
	EventID            string        `json:"event_id"`
	Status             BookingStatus `json:"status"`
	PaymentStatus      PaymentStatus `json:"payment_status"`
	PaymentReference   string        `json:"payment_reference,omitempty"`
	TotalAmount        int64         `json:"total_amount"`
	Currency           string        `json:"currency"`
	Seats              []string      `json:"seats"`
	CancellationReason string        `json:"cancellation_reason,omitempty"`
	OccurredAt         time.Time     `json:"occurred_at"`
}

// NewBookingEvent snapshots the booking into a PENDING outbox row.
func NewBookingEvent(booking Booking, eventType string) (OutboxEvent, error) {
	payload, err := json.Marshal(BookingEventPayload{
		BookingID:          booking.ID,
		BookingReference:   booking.Reference,
		UserID:             booking.UserID,
		EventID:            booking.EventID,
		Status:             booking.Status,
		PaymentStatus:      booking.PaymentStatus,
		PaymentReference:   booking.PaymentReference,
		TotalAmount:        booking.TotalAmount,
		Currency:           booking.Currency,
		Seats:              booking.Seats,
		CancellationReason: booking.CancellationReason,
		OccurredAt:         time.Now().UTC(),
	})
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("could not marshal booking event payload: %w", err)
	}

	return OutboxEvent{
		ID:            uuid.NewString(),
		AggregateType: AggregateBooking,
		AggregateID:   booking.ID,
		EventType:     eventType,
		Payload:       payload,
		Status:        OutboxPending,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

const (
	PaymentEventAuthorized = "PAYMENT_AUTHORIZED"
	PaymentEventCaptured   = "PAYMENT_CAPTURED"
	PaymentEventFailed     = "PAYMENT_FAILED"
	PaymentEventRefunded   = "PAYMENT_REFUNDED"
)

// PaymentEvent is an inbound message from the payment provider stream.
type PaymentEvent struct {
	Type          string `json:"type"`
	PaymentID     string `json:"payment_id"`
	BookingID     string `json:"booking_id"`
	FailureReason string `json:"failure_reason,omitempty"`
}
