package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/attractor-run/control-plane/internal/domain"
)

type RunNodeOutcomeStore struct {
	db *sql.DB
}

func NewRunNodeOutcomeStore(db *sql.DB) *RunNodeOutcomeStore { return &RunNodeOutcomeStore{db: db} }

func (s *RunNodeOutcomeStore) Insert(ctx context.Context, o *domain.RunNodeOutcome) error {
	payload, err := json.Marshal(o.Payload)
	if err != nil {
		return fmt.Errorf("postgres: marshal node outcome payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_node_outcomes (run_id, node_id, attempt, status, payload)
		VALUES ($1,$2,$3,$4,$5)`, o.RunID, o.NodeID, o.Attempt, string(o.Status), payload)
	if err != nil {
		return fmt.Errorf("postgres: insert run node outcome: %w", err)
	}
	return nil
}

func (s *RunNodeOutcomeStore) ListByRun(ctx context.Context, runID string) ([]*domain.RunNodeOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, node_id, attempt, status, payload FROM run_node_outcomes
		WHERE run_id = $1 ORDER BY node_id, attempt`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list run node outcomes: %w", err)
	}
	defer rows.Close()

	var out []*domain.RunNodeOutcome
	for rows.Next() {
		var o domain.RunNodeOutcome
		var status string
		var payload []byte
		if err := rows.Scan(&o.RunID, &o.NodeID, &o.Attempt, &status, &payload); err != nil {
			return nil, fmt.Errorf("postgres: scan run node outcome: %w", err)
		}
		o.Status = domain.RunNodeOutcomeStatus(status)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &o.Payload); err != nil {
				return nil, fmt.Errorf("decode node outcome payload: %w", err)
			}
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (s *RunNodeOutcomeStore) NextAttempt(ctx context.Context, runID, nodeID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM run_node_outcomes WHERE run_id = $1 AND node_id = $2`,
		runID, nodeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count run node outcomes: %w", err)
	}
	return count + 1, nil
}
