package bookings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"booking/db"
	"booking/db/outbox"
	"booking/entity"
)

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(database *sqlx.DB) *PostgresRepository {
	if database == nil {
		panic("db must be set")
	}

	return &PostgresRepository{db: database}
}

const bookingColumns = `
	booking_id, booking_reference, user_id, event_id, status, payment_status,
	payment_reference, reservation_id, total_amount, currency, seats,
	idempotency_key, cancellation_reason, expires_at, confirmed_at,
	cancelled_at, created_at, updated_at
`

const insertBooking = `
	INSERT INTO bookings (
		booking_id, booking_reference, user_id, event_id, status, payment_status,
		payment_reference, reservation_id, total_amount, currency, seats,
		idempotency_key, cancellation_reason, expires_at, confirmed_at,
		cancelled_at, created_at, updated_at
	) VALUES (
		:booking_id, :booking_reference, :user_id, :event_id, :status, :payment_status,
		:payment_reference, :reservation_id, :total_amount, :currency, :seats,
		:idempotency_key, :cancellation_reason, :expires_at, :confirmed_at,
		:cancelled_at, :created_at, :updated_at
	)
`

const updateBooking = `
	UPDATE bookings SET
		status = :status,
		payment_status = :payment_status,
		payment_reference = :payment_reference,
		reservation_id = :reservation_id,
		cancellation_reason = :cancellation_reason,
		confirmed_at = :confirmed_at,
		cancelled_at = :cancelled_at,
		updated_at = :updated_at
	WHERE booking_id = :booking_id
`

// Create inserts a new booking. A reused idempotency key surfaces as
// entity.ErrIdempotencyConflict; the caller resolves it by reading the
// existing booking back.
func (r *PostgresRepository) Create(ctx context.Context, booking entity.Booking) error {
	_, err := r.db.NamedExecContext(ctx, insertBooking, booking)
	if err != nil {
		if db.IsErrorUniqueViolation(err) {
			return entity.ErrIdempotencyConflict
		}
		return fmt.Errorf("could not insert booking: %w", err)
	}

	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, bookingID string) (entity.Booking, error) {
	return r.getBy(ctx, r.db, "booking_id", bookingID)
}

func (r *PostgresRepository) GetByIdempotencyKey(ctx context.Context, key string) (entity.Booking, error) {
	return r.getBy(ctx, r.db, "idempotency_key", key)
}

func (r *PostgresRepository) getBy(ctx context.Context, q sqlx.QueryerContext, column, value string) (entity.Booking, error) {
	var booking entity.Booking
	err := sqlx.GetContext(ctx, q, &booking,
		`SELECT `+bookingColumns+` FROM bookings WHERE `+column+` = $1`, value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entity.Booking{}, entity.ErrNotFound
		}
		return entity.Booking{}, fmt.Errorf("could not get booking by %s: %w", column, err)
	}

	return booking, nil
}

// Update persists the booking's mutable fields.
func (r *PostgresRepository) Update(ctx context.Context, booking entity.Booking) error {
	booking.UpdatedAt = time.Now().UTC()

	_, err := r.db.NamedExecContext(ctx, updateBooking, booking)
	if err != nil {
		return fmt.Errorf("could not update booking: %w", err)
	}

	return nil
}

// UpdateWithEvents persists the booking and inserts the outbox events in a
// single transaction, so the state change and its announcement commit or
// roll back together.
func (r *PostgresRepository) UpdateWithEvents(ctx context.Context, booking entity.Booking, events ...entity.OutboxEvent) error {
	booking.UpdatedAt = time.Now().UTC()

	return db.UpdateInTx(ctx, r.db, sql.LevelReadCommitted, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, updateBooking, booking)
		if err != nil {
			return fmt.Errorf("could not update booking: %w", err)
		}

		for _, event := range events {
			if err := outbox.InsertInTx(ctx, tx, event); err != nil {
				return err
			}
		}

		return nil
	})
}

// UpdateByID reloads the booking inside a serializable transaction, applies
// updateFn and writes the result back. Used by concurrent writers (payment
// consumer, expiry sweep) that must not clobber the saga's state.
func (r *PostgresRepository) UpdateByID(
	ctx context.Context,
	bookingID string,
	updateFn func(booking entity.Booking) (entity.Booking, []entity.OutboxEvent, error),
) (entity.Booking, error) {
	var booking entity.Booking

	err := db.UpdateInTx(ctx, r.db, sql.LevelSerializable, func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		booking, err = r.getBy(ctx, tx, "booking_id", bookingID)
		if err != nil {
			return err
		}

		var events []entity.OutboxEvent
		booking, events, err = updateFn(booking)
		if err != nil {
			return err
		}

		booking.UpdatedAt = time.Now().UTC()

		_, err = tx.NamedExecContext(ctx, updateBooking, booking)
		if err != nil {
			return fmt.Errorf("could not update booking: %w", err)
		}

		for _, event := range events {
			if err := outbox.InsertInTx(ctx, tx, event); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return entity.Booking{}, err
	}

	return booking, nil
}

// FindExpired returns non-terminal, unconfirmed bookings whose TTL has
// elapsed.
func (r *PostgresRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]entity.Booking, error) {
	var bookings []entity.Booking
	err := r.db.SelectContext(ctx, &bookings, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE expires_at <= $1
		  AND status NOT IN ($2, $3, $4, $5)
		ORDER BY expires_at
		LIMIT $6
	`, now, entity.StatusConfirmed, entity.StatusCancelled, entity.StatusFailed, entity.StatusExpired, limit)
	if err != nil {
		return nil, fmt.Errorf("could not find expired bookings: %w", err)
	}

	return bookings, nil
}
