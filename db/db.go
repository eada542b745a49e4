package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const postgresUniqueValueViolationErrorCode = "23505"

func IsErrorUniqueViolation(err error) bool {
	var psqlErr *pq.Error
	return errors.As(err, &psqlErr) && psqlErr.Code == postgresUniqueValueViolationErrorCode
}

type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// UpdateInTx runs fn in a transaction with the given isolation level,
// committing on success and rolling back on error.
func UpdateInTx(
	ctx context.Context,
	db *sqlx.DB,
	level sql.IsolationLevel,
	fn func(ctx context.Context, tx *sqlx.Tx) error,
) (err error) {
	tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: level})
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			rollbackErr := tx.Rollback()
			if rollbackErr != nil {
				err = errors.Join(err, rollbackErr)
			}
			return
		}
		err = tx.Commit()
	}()

	return fn(ctx, tx)
}

var schema = `
CREATE TABLE IF NOT EXISTS bookings (
	booking_id UUID PRIMARY KEY,
	booking_reference VARCHAR(20) NOT NULL UNIQUE,
	user_id VARCHAR(100) NOT NULL,
	event_id VARCHAR(100) NOT NULL,
	status VARCHAR(32) NOT NULL,
	payment_status VARCHAR(32) NOT NULL,
	payment_reference VARCHAR(100) NOT NULL DEFAULT '',
	reservation_id VARCHAR(100) NOT NULL DEFAULT '',
	total_amount BIGINT NOT NULL,
	currency CHAR(3) NOT NULL,
	seats TEXT[] NOT NULL,
	idempotency_key VARCHAR(100) NOT NULL DEFAULT '',
	cancellation_reason TEXT NOT NULL DEFAULT '',
	expires_at TIMESTAMPTZ NOT NULL,
	confirmed_at TIMESTAMPTZ,
	cancelled_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS bookings_idempotency_key_idx
	ON bookings (idempotency_key) WHERE idempotency_key <> '';
CREATE INDEX IF NOT EXISTS bookings_status_expires_at_idx
	ON bookings (status, expires_at);

CREATE TABLE IF NOT EXISTS booking_state_transitions (
	transition_id UUID PRIMARY KEY,
	booking_id VARCHAR(100) NOT NULL,
	from_state VARCHAR(32) NOT NULL,
	to_state VARCHAR(32) NOT NULL,
	event VARCHAR(40) NOT NULL,
	triggered_by VARCHAR(100) NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS booking_state_transitions_booking_id_idx
	ON booking_state_transitions (booking_id, created_at);

CREATE TABLE IF NOT EXISTS outbox_events (
	event_id UUID PRIMARY KEY,
	aggregate_type VARCHAR(32) NOT NULL,
	aggregate_id VARCHAR(100) NOT NULL,
	event_type VARCHAR(40) NOT NULL,
	payload JSONB NOT NULL,
	status VARCHAR(16) NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	published_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS outbox_events_status_created_at_idx
	ON outbox_events (status, created_at);

CREATE TABLE IF NOT EXISTS failed_compensations (
	compensation_id UUID PRIMARY KEY,
	booking_id VARCHAR(100) NOT NULL,
	compensation_type VARCHAR(32) NOT NULL,
	target_ref VARCHAR(100) NOT NULL DEFAULT '',
	status VARCHAR(16) NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	next_retry_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS failed_compensations_status_next_retry_at_idx
	ON failed_compensations (status, next_retry_at);
`

func InitializeDatabaseSchema(db *sqlx.DB) error {
	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("could not initialize database schema: %w", err)
	}

	return nil
}
