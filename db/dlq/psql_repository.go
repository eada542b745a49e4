package dlq

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"booking/db"
	"booking/entity"
)

// staleRetryingAfter is how long a RETRYING row may sit without an update
// before it is considered orphaned by a crashed sweep and claimed again.
const staleRetryingAfter = "10 minutes"

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(database *sqlx.DB) *PostgresRepository {
	if database == nil {
		panic("db must be set")
	}

	return &PostgresRepository{db: database}
}

func (r *PostgresRepository) Save(ctx context.Context, compensation entity.FailedCompensation) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO failed_compensations (
			compensation_id, booking_id, compensation_type, target_ref,
			status, retry_count, last_error, next_retry_at, created_at, updated_at
		) VALUES (
			:compensation_id, :booking_id, :compensation_type, :target_ref,
			:status, :retry_count, :last_error, :next_retry_at, :created_at, :updated_at
		)
	`, compensation)
	if err != nil {
		return fmt.Errorf("could not insert failed compensation: %w", err)
	}

	return nil
}

// ClaimDue atomically picks due compensations and marks them RETRYING, so
// concurrent sweeps never dispatch the same row twice. RETRYING rows whose
// last update is old enough belong to a sweep that died mid-dispatch and are
// claimed again.
func (r *PostgresRepository) ClaimDue(ctx context.Context, limit int) ([]entity.FailedCompensation, error) {
	var claimed []entity.FailedCompensation

	err := db.UpdateInTx(ctx, r.db, sql.LevelReadCommitted, func(ctx context.Context, tx *sqlx.Tx) error {
		err := tx.SelectContext(ctx, &claimed, `
			SELECT compensation_id, booking_id, compensation_type, target_ref,
			       status, retry_count, last_error, next_retry_at, created_at, updated_at
			FROM failed_compensations
			WHERE next_retry_at <= NOW()
			  AND (status = $1
			       OR (status = $2 AND updated_at <= NOW() - INTERVAL '`+staleRetryingAfter+`'))
			ORDER BY next_retry_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		`, entity.CompensationPending, entity.CompensationRetrying, limit)
		if err != nil {
			return fmt.Errorf("could not select due compensations: %w", err)
		}

		for i := range claimed {
			claimed[i].Status = entity.CompensationRetrying

			_, err = tx.ExecContext(ctx, `
				UPDATE failed_compensations
				SET status = $1, updated_at = NOW()
				WHERE compensation_id = $2
			`, entity.CompensationRetrying, claimed[i].ID)
			if err != nil {
				return fmt.Errorf("could not mark compensation retrying: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

func (r *PostgresRepository) Update(ctx context.Context, compensation entity.FailedCompensation) error {
	_, err := r.db.NamedExecContext(ctx, `
		UPDATE failed_compensations SET
			status = :status,
			retry_count = :retry_count,
			last_error = :last_error,
			next_retry_at = :next_retry_at,
			updated_at = :updated_at
		WHERE compensation_id = :compensation_id
	`, compensation)
	if err != nil {
		return fmt.Errorf("could not update failed compensation: %w", err)
	}

	return nil
}

// CountByStatus reports queue depth per status, used by the health endpoint.
func (r *PostgresRepository) CountByStatus(ctx context.Context) (map[entity.CompensationStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM failed_compensations GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("could not count compensations: %w", err)
	}
	defer rows.Close()

	counts := map[entity.CompensationStatus]int{}
	for rows.Next() {
		var status entity.CompensationStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("could not scan compensation count: %w", err)
		}
		counts[status] = count
	}

	return counts, rows.Err()
}
