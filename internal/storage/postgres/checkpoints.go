package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// LoadCheckpoint returns a recorded step result.
func (s *Store) LoadCheckpoint(ctx context.Context, instanceID, step string) ([]byte, bool, error) {
	var payload []byte
	err := s.db.QueryRow(ctx,
		`SELECT payload FROM step_checkpoints WHERE instance_id = $1 AND step = $2`,
		instanceID, step).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load checkpoint: %w", err)
	}
	return payload, true, nil
}

// SaveCheckpoint records a step result, replacing any earlier one.
func (s *Store) SaveCheckpoint(ctx context.Context, instanceID, step string, payload []byte) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO step_checkpoints (instance_id, step, payload, saved_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (instance_id, step) DO UPDATE SET payload = EXCLUDED.payload, saved_at = EXCLUDED.saved_at`,
		instanceID, step, payload, s.clock.Now())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
