package graphengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/attractor-run/control-plane/internal/domain"
	"github.com/attractor-run/control-plane/internal/graphrun"
	"github.com/attractor-run/control-plane/internal/store"
)

// checkpoint persists the engine's current state as a durable snapshot —
// the control-plane equivalent of the teacher's git-commit-per-node: both
// exist to make a crashed worker resumable from the last completed node,
// just against a RunCheckpoint row instead of a worktree commit.
func (e *Engine) checkpoint(ctx context.Context) error {
	if e.deps.Checkpoints == nil {
		return nil
	}
	snap := e.state.ToSnapshot()
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("graphengine: marshal checkpoint: %w", err)
	}
	row := &domain.RunCheckpoint{
		RunID:         e.RunID,
		CurrentNodeID: e.state.CurrentNodeID,
		ContextJSON:   raw,
	}
	if err := e.deps.Checkpoints.Upsert(ctx, row); err != nil {
		return fmt.Errorf("graphengine: upsert checkpoint: %w", err)
	}
	return nil
}

// LoadSnapshot reads a run's persisted checkpoint row and decodes it back
// into a graphrun.Snapshot, for Resume. Returns ok=false if the run has
// never checkpointed (a fresh run).
func LoadSnapshot(ctx context.Context, checkpoints store.RunCheckpoints, runID string) (snap graphrun.Snapshot, ok bool, err error) {
	row, err := checkpoints.Get(ctx, runID)
	if err != nil {
		return graphrun.Snapshot{}, false, err
	}
	if row == nil {
		return graphrun.Snapshot{}, false, nil
	}
	if err := json.Unmarshal(row.ContextJSON, &snap); err != nil {
		return graphrun.Snapshot{}, false, fmt.Errorf("graphengine: decode checkpoint for %s: %w", runID, err)
	}
	return snap, true, nil
}
