package entity

import (
	"time"

	"github.com/google/uuid"
)

type CompensationType string

const (
	CompensationCancelPayment CompensationType = "CANCEL_PAYMENT"
	CompensationReleaseSeats  CompensationType = "RELEASE_SEATS"
	CompensationRefundPayment CompensationType = "REFUND_PAYMENT"
)

type CompensationStatus string

const (
	CompensationPending   CompensationStatus = "PENDING"
	CompensationRetrying  CompensationStatus = "RETRYING"
	CompensationSucceeded CompensationStatus = "SUCCEEDED"
	CompensationFailed    CompensationStatus = "FAILED"
	CompensationManual    CompensationStatus = "MANUAL"
)

const (
	compensationMaxRetries   = 5
	compensationBaseDelay    = 30 * time.Second
	compensationMaxDelay     = 480 * time.Second
	compensationInitialDelay = 30 * time.Second
)

// FailedCompensation is a dead-letter row for a compensating action that
// could not be completed inline. The retry service re-dispatches due rows
// with exponential backoff until success or the retry budget runs out.
type FailedCompensation struct {
	ID          string             `db:"compensation_id"`
	BookingID   string             `db:"booking_id"`
	Type        CompensationType   `db:"compensation_type"`
	TargetRef   string             `db:"target_ref"`
	Status      CompensationStatus `db:"status"`
	RetryCount  int                `db:"retry_count"`
	LastError   string             `db:"last_error"`
	NextRetryAt time.Time          `db:"next_retry_at"`
	CreatedAt   time.Time          `db:"created_at"`
	UpdatedAt   time.Time          `db:"updated_at"`
}

// NewFailedCompensation enqueues a compensation for retry. TargetRef is the
// external identifier the action operates on (payment reference or
// reservation id).
func NewFailedCompensation(bookingID string, typ CompensationType, targetRef string, cause error) FailedCompensation {
	now := time.Now().UTC()

	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}

	return FailedCompensation{
		ID:          uuid.NewString(),
		BookingID:   bookingID,
		Type:        typ,
		TargetRef:   targetRef,
		Status:      CompensationPending,
		LastError:   lastError,
		NextRetryAt: now.Add(compensationInitialDelay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ScheduleNextRetry records a failed attempt. It bumps the retry count and
// either schedules the next attempt with exponential backoff or gives up and
// marks the row FAILED once the budget is exhausted.
func (c *FailedCompensation) ScheduleNextRetry(cause error) {
	now := time.Now().UTC()

	c.RetryCount++
	if cause != nil {
		c.LastError = cause.Error()
	}
	c.UpdatedAt = now

	if c.RetryCount >= compensationMaxRetries {
		c.Status = CompensationFailed
		return
	}

	delay := compensationBaseDelay * (1 << c.RetryCount)
	if delay > compensationMaxDelay {
		delay = compensationMaxDelay
	}

	c.Status = CompensationPending
	c.NextRetryAt = now.Add(delay)
}

// Exhausted reports whether the retry budget has run out.
func (c *FailedCompensation) Exhausted() bool {
	return c.Status == CompensationFailed
}

// MarkSucceeded finalizes the row after a successful retry.
func (c *FailedCompensation) MarkSucceeded() {
	c.Status = CompensationSucceeded
	c.UpdatedAt = time.Now().UTC()
}

// MarkManual hands the row over to an operator. The retry service never
// touches MANUAL rows again; they only show up in the status counts.
func (c *FailedCompensation) MarkManual() {
	c.Status = CompensationManual
	c.UpdatedAt = time.Now().UTC()
}
