package transitions

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

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

func (r *PostgresRepository) Save(ctx context.Context, transition entity.StateTransition) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO booking_state_transitions (
			transition_id, booking_id, from_state, to_state, event,
			triggered_by, reason, created_at
		) VALUES (
			:transition_id, :booking_id, :from_state, :to_state, :event,
			:triggered_by, :reason, :created_at
		)
	`, transition)
	if err != nil {
		return fmt.Errorf("could not insert state transition: %w", err)
	}

	return nil
}

// ListByBookingID returns the booking's transition history, oldest first.
func (r *PostgresRepository) ListByBookingID(ctx context.Context, bookingID string) ([]entity.StateTransition, error) {
	var result []entity.StateTransition
	err := r.db.SelectContext(ctx, &result, `
		SELECT transition_id, booking_id, from_state, to_state, event,
		       triggered_by, reason, created_at
		FROM booking_state_transitions
		WHERE booking_id = $1
		ORDER BY created_at
	`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("could not list state transitions: %w", err)
	}

	return result, nil
}
