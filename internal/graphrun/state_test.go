package graphrun

import "testing"

func TestEngineState_MarkCompletedAndSnapshot(t *testing.T) {
	s := NewEngineState("run-1")
	s.Context.Set("goal", "ship it")
	s.MarkCompleted("start", Outcome{Status: StatusSuccess})
	s.MarkCompleted("implement", Outcome{Status: StatusSuccess})
	s.RecordParallelBranch("fanout", "review", Outcome{Status: StatusSuccess})

	if len(s.CompletedNodes) != 2 {
		t.Fatalf("completed nodes: %v", s.CompletedNodes)
	}
	if s.NodeOutcomes["implement"] != StatusSuccess {
		t.Fatalf("node outcome not recorded")
	}

	snap := s.ToSnapshot()
	if snap.Context["goal"] != "ship it" {
		t.Fatalf("snapshot context: %v", snap.Context)
	}

	restored := FromSnapshot("run-1", snap)
	if len(restored.CompletedNodes) != 2 {
		t.Fatalf("restored completed nodes: %v", restored.CompletedNodes)
	}
	if v, ok := restored.Context.Get("goal"); !ok || v != "ship it" {
		t.Fatalf("restored context: %v %v", v, ok)
	}
	if restored.ParallelOutputs["fanout"]["review"].Status != StatusSuccess {
		t.Fatalf("restored parallel outputs: %+v", restored.ParallelOutputs)
	}
}
