package entity

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/lithammer/shortuuid/v3"
)

type BookingStatus string

const (
	StatusPending           BookingStatus = "PENDING"
	StatusReserving         BookingStatus = "RESERVING"
	StatusSeatsReserved     BookingStatus = "SEATS_RESERVED"
	StatusPaymentPending    BookingStatus = "PAYMENT_PENDING"
	StatusPaymentProcessing BookingStatus = "PAYMENT_PROCESSING"
	StatusPaymentFailed     BookingStatus = "PAYMENT_FAILED"
	StatusConfirmed         BookingStatus = "CONFIRMED"
	StatusCancelled         BookingStatus = "CANCELLED"
	StatusFailed            BookingStatus = "FAILED"
	StatusExpired           BookingStatus = "EXPIRED"
)

// IsTerminal reports whether no further transitions are possible.
// CONFIRMED is not terminal: a confirmed booking can still be cancelled by the user.
func (s BookingStatus) IsTerminal() bool {
	return s == StatusCancelled || s == StatusFailed || s == StatusExpired
}

type PaymentStatus string

const (
	PaymentNotRequired PaymentStatus = "NOT_REQUIRED"
	PaymentPending     PaymentStatus = "PENDING"
	PaymentProcessing  PaymentStatus = "PROCESSING"
	PaymentAuthorized  PaymentStatus = "AUTHORIZED"
	PaymentCaptured    PaymentStatus = "CAPTURED"
	PaymentFailed      PaymentStatus = "FAILED"
	PaymentRefunded    PaymentStatus = "REFUNDED"
)

// Booking is the saga's aggregate. Status mutates only through the state
// machine; the single exception is the compensation fallback that forces
// FAILED when the booking already raced into a terminal state.
type Booking struct {
	ID                 string         `db:"booking_id"`
	Reference          string         `db:"booking_reference"`
	UserID             string         `db:"user_id"`
	EventID            string         `db:"event_id"`
	Status             BookingStatus  `db:"status"`
	PaymentStatus      PaymentStatus  `db:"payment_status"`
	PaymentReference   string         `db:"payment_reference"`
	ReservationID      string         `db:"reservation_id"`
	TotalAmount        int64          `db:"total_amount"`
	Currency           string         `db:"currency"`
	Seats              pq.StringArray `db:"seats"`
	IdempotencyKey     string         `db:"idempotency_key"`
	CancellationReason string         `db:"cancellation_reason"`
	ExpiresAt          time.Time      `db:"expires_at"`
	ConfirmedAt        *time.Time     `db:"confirmed_at"`
	CancelledAt        *time.Time     `db:"cancelled_at"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (b Booking) RequiresPayment() bool {
	return b.TotalAmount > 0
}

const bookingTTL = 15 * time.Minute

// NewBooking builds a PENDING booking from a create command.
// TotalAmount is in minor units of Currency.
func NewBooking(cmd CreateBookingCommand) Booking {
	now := time.Now().UTC()

	paymentStatus := PaymentNotRequired
	if cmd.TotalAmount > 0 {
		paymentStatus = PaymentPending
	}

	return Booking{
		ID:             uuid.NewString(),
		Reference:      NewBookingReference(),
		UserID:         cmd.UserID,
		EventID:        cmd.EventID,
		Status:         StatusPending,
		PaymentStatus:  paymentStatus,
		TotalAmount:    cmd.TotalAmount,
		Currency:       cmd.Currency,
		Seats:          append(pq.StringArray{}, cmd.Seats...),
		IdempotencyKey: cmd.IdempotencyKey,
		ExpiresAt:      now.Add(bookingTTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewBookingReference returns a human-quotable reference like BKG-K6QDH2M4N3X8.
func NewBookingReference() string {
	return "BKG-" + strings.ToUpper(shortuuid.New()[:12])
}

type CreateBookingCommand struct {
	UserID         string
	EventID        string
	Seats          []string
	TotalAmount    int64
	Currency       string
	IdempotencyKey string
}
