package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/attractor-run/control-plane/internal/domain"
)

type RunEventStore struct {
	db *sql.DB
}

func NewRunEventStore(db *sql.DB) *RunEventStore { return &RunEventStore{db: db} }

// Append inserts e. Callers are responsible for publishing to the pub/sub
// fan-out only after this returns successfully — the event-insert-before-
// publish ordering guarantee lives one layer up, in internal/eventlog.
func (s *RunEventStore) Append(ctx context.Context, e *domain.RunEvent) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("postgres: marshal event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_events (id, run_id, ts, type, payload)
		VALUES ($1,$2,$3,$4,$5)`, e.ID, e.RunID, e.Ts, string(e.Type), payload)
	if err != nil {
		return fmt.Errorf("postgres: append run event: %w", err)
	}
	return nil
}

// ListSince returns events for runID after afterID (exclusive), in
// insertion order. ULIDs are lexicographically time-sortable so a string
// comparison on id is a valid cursor.
func (s *RunEventStore) ListSince(ctx context.Context, runID, afterID string, limit int) ([]*domain.RunEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, ts, type, payload FROM run_events
		WHERE run_id = $1 AND id > $2 ORDER BY id LIMIT $3`, runID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list run events: %w", err)
	}
	defer rows.Close()

	var out []*domain.RunEvent
	for rows.Next() {
		var e domain.RunEvent
		var eventType string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.Ts, &eventType, &payload); err != nil {
			return nil, fmt.Errorf("postgres: scan run event: %w", err)
		}
		e.Type = domain.EventType(eventType)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
