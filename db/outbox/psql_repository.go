package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"booking/db"
	"booking/entity"
)

// InsertInTx appends an outbox event inside the caller's transaction. This
// is what makes the outbox transactional: the event commits with the
// business change that produced it.
func InsertInTx(ctx context.Context, tx *sqlx.Tx, event entity.OutboxEvent) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO outbox_events (
			event_id, aggregate_type, aggregate_id, event_type, payload,
			status, retry_count, last_error, created_at, published_at
		) VALUES (
			:event_id, :aggregate_type, :aggregate_id, :event_type, :payload,
			:status, :retry_count, :last_error, :created_at, :published_at
		)
	`, event)
	if err != nil {
		return fmt.Errorf("could not insert outbox event: %w", err)
	}

	return nil
}

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(database *sqlx.DB) *PostgresRepository {
	if database == nil {
		panic("db must be set")
	}

	return &PostgresRepository{db: database}
}

// ProcessPending claims a batch of PENDING events with FOR UPDATE SKIP
// LOCKED and feeds each one to publish. Published events are marked
// PUBLISHED, failed ones get their retry count bumped and are parked as
// FAILED for the reset sweep. Returns the number of events published.
func (r *PostgresRepository) ProcessPending(
	ctx context.Context,
	limit int,
	publish func(ctx context.Context, event entity.OutboxEvent) error,
) (int, error) {
	published := 0

	err := db.UpdateInTx(ctx, r.db, sql.LevelReadCommitted, func(ctx context.Context, tx *sqlx.Tx) error {
		var events []entity.OutboxEvent
		err := tx.SelectContext(ctx, &events, `
			SELECT event_id, aggregate_type, aggregate_id, event_type, payload,
			       status, retry_count, last_error, created_at, published_at
			FROM outbox_events
			WHERE status = $1
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, entity.OutboxPending, limit)
		if err != nil {
			return fmt.Errorf("could not select pending outbox events: %w", err)
		}

		now := time.Now().UTC()

		for _, event := range events {
			publishErr := publish(ctx, event)
			if publishErr != nil {
				_, err = tx.ExecContext(ctx, `
					UPDATE outbox_events
					SET status = $1, retry_count = retry_count + 1, last_error = $2
					WHERE event_id = $3
				`, entity.OutboxFailed, publishErr.Error(), event.ID)
				if err != nil {
					return fmt.Errorf("could not mark outbox event failed: %w", err)
				}
				continue
			}

			_, err = tx.ExecContext(ctx, `
				UPDATE outbox_events
				SET status = $1, published_at = $2
				WHERE event_id = $3
			`, entity.OutboxPublished, now, event.ID)
			if err != nil {
				return fmt.Errorf("could not mark outbox event published: %w", err)
			}

			published++
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return published, nil
}

// ResetFailed moves FAILED events that still have retry budget back to
// PENDING so the poller picks them up again.
func (r *PostgresRepository) ResetFailed(ctx context.Context, maxRetries int) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $1
		WHERE status = $2 AND retry_count < $3
	`, entity.OutboxPending, entity.OutboxFailed, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("could not reset failed outbox events: %w", err)
	}

	return result.RowsAffected()
}

// DeletePublishedBefore prunes PUBLISHED events older than the cutoff.
func (r *PostgresRepository) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM outbox_events
		WHERE status = $1 AND published_at < $2
	`, entity.OutboxPublished, cutoff)
	if err != nil {
		return 0, fmt.Errorf("could not delete published outbox events: %w", err)
	}

	return result.RowsAffected()
}

// OldestPendingCreatedAt returns the creation time of the oldest PENDING
// event, or nil when the outbox is drained. Used by the health check to
// detect a stuck processor.
func (r *PostgresRepository) OldestPendingCreatedAt(ctx context.Context) (*time.Time, error) {
	var createdAt time.Time
	err := r.db.GetContext(ctx, &createdAt, `
		SELECT created_at FROM outbox_events
		WHERE status = $1
		ORDER BY created_at
		LIMIT 1
	`, entity.OutboxPending)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not get oldest pending outbox event: %w", err)
	}

	return &createdAt, nil
}
