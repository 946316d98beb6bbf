package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/attractor-run/control-plane/internal/apierr"
	"github.com/attractor-run/control-plane/internal/domain"
)

type RunCheckpointStore struct {
	db *sql.DB
}

func NewRunCheckpointStore(db *sql.DB) *RunCheckpointStore { return &RunCheckpointStore{db: db} }

// Upsert writes the single most-recent checkpoint row for c.RunID,
// overwriting any prior snapshot — the engine keeps only the latest.
func (s *RunCheckpointStore) Upsert(ctx context.Context, c *domain.RunCheckpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_checkpoints (run_id, current_node_id, context_json)
		VALUES ($1,$2,$3)
		ON CONFLICT (run_id) DO UPDATE SET
			current_node_id = EXCLUDED.current_node_id,
			context_json = EXCLUDED.context_json
	`, c.RunID, c.CurrentNodeID, c.ContextJSON)
	if err != nil {
		return fmt.Errorf("postgres: upsert run checkpoint: %w", err)
	}
	return nil
}

func (s *RunCheckpointStore) Get(ctx context.Context, runID string) (*domain.RunCheckpoint, error) {
	var c domain.RunCheckpoint
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, current_node_id, context_json FROM run_checkpoints WHERE run_id = $1`, runID).
		Scan(&c.RunID, &c.CurrentNodeID, &c.ContextJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("no checkpoint for run %q", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get run checkpoint: %w", err)
	}
	return &c, nil
}
