package graphengine

import (
	"context"
	"testing"

	"github.com/attractor-run/control-plane/internal/domain"
)

func TestEngine_CheckpointThenLoadSnapshot(t *testing.T) {
	g := newLinearGraph()
	deps, cps, _, _, _ := newTestDeps()
	deps.Tools = &scriptedToolRunner{fn: func(req ToolRequest) (ToolResponse, error) {
		return ToolResponse{Stdout: "done", ExitCode: 0}, nil
	}}

	e := New(g, "run-checkpoint-1", "proj-1", domain.RunTypeTask, deps)
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	snap, ok, err := LoadSnapshot(context.Background(), cps, "run-checkpoint-1")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if !ok {
		t.Fatalf("expected a checkpoint to exist")
	}
	if snap.CurrentNodeID != "end" {
		t.Fatalf("expected checkpoint at end, got %s", snap.CurrentNodeID)
	}
	found := false
	for _, id := range snap.CompletedNodes {
		if id == "step" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected step in completed nodes, got %v", snap.CompletedNodes)
	}
}

func TestLoadSnapshot_NoCheckpointYieldsNotOK(t *testing.T) {
	_, cps, _, _, _ := newTestDeps()
	_, ok, err := LoadSnapshot(context.Background(), cps, "never-run")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for a run with no checkpoint")
	}
}
