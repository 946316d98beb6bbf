package graphengine

import (
	"context"
	"testing"
	"time"

	"github.com/attractor-run/control-plane/internal/attractor/model"
	"github.com/attractor-run/control-plane/internal/domain"
	"github.com/attractor-run/control-plane/internal/graphrun"
)

func newHumanGraph() *model.Graph {
	g := model.NewGraph("approval")
	start := model.NewNode("start")
	start.Attrs["type"] = "start"
	ask := model.NewNode("ask")
	ask.Attrs["type"] = "human"
	ask.Attrs["prompt"] = "approve this change?"
	end := model.NewNode("end")
	end.Attrs["type"] = "terminal"
	_ = g.AddNode(start)
	_ = g.AddNode(ask)
	_ = g.AddNode(end)
	_ = g.AddEdge(model.NewEdge("start", "ask"))
	_ = g.AddEdge(model.NewEdge("ask", "end"))
	return g
}

func TestEngine_HumanNodeWaitsThenSucceedsOnAnswer(t *testing.T) {
	g := newHumanGraph()
	deps, _, _, _, _ := newTestDeps()
	questions := newFakeQuestions()
	deps.Questions = questions

	e := New(g, "run-human-1", "proj-1", domain.RunTypeTask, deps)

	go func() {
		for i := 0; i < 50; i++ {
			time.Sleep(5 * time.Millisecond)
			questions.mu.Lock()
			for _, q := range questions.rows {
				if q.RunID == "run-human-1" && q.Status == domain.QuestionPending {
					q.Status = domain.QuestionAnswered
					q.Answer = "yes"
				}
			}
			questions.mu.Unlock()
		}
	}()

	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.Status != graphrun.FinalSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", result.Status, result.FailureMsg)
	}
}

func TestEngine_HumanNodeReRegistrationIsIdempotent(t *testing.T) {
	questions := newFakeQuestions()
	deps, _, _, _, _ := newTestDeps()
	deps.Questions = questions

	node := model.NewNode("ask")
	node.Attrs["type"] = "human"
	node.Attrs["prompt"] = "approve?"
	node.Attrs["timeout_ms"] = "10"

	e := New(newHumanGraph(), "run-human-2", "proj-1", domain.RunTypeTask, deps)

	first, err := e.executeHumanNode(context.Background(), node)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if first.Status != graphrun.StatusFail {
		t.Fatalf("expected timeout failure on first call, got %s", first.Status)
	}

	if len(questions.rows) != 1 {
		t.Fatalf("expected exactly one registered question, got %d", len(questions.rows))
	}

	second, err := e.executeHumanNode(context.Background(), node)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if second.Status != graphrun.StatusFail {
		t.Fatalf("expected the re-registered question to also time out, got %s", second.Status)
	}
	if len(questions.rows) != 1 {
		t.Fatalf("expected re-registration to reuse the existing row, got %d rows", len(questions.rows))
	}
}

func TestEngine_HumanNodeCanceledWhileWaiting(t *testing.T) {
	g := newHumanGraph()
	deps, _, _, _, _ := newTestDeps()
	canceler := &fakeCanceler{}
	deps.Cancel = canceler

	e := New(g, "run-human-3", "proj-1", domain.RunTypeTask, deps)

	go func() {
		time.Sleep(5 * time.Millisecond)
		canceler.cancel()
	}()

	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.Status != graphrun.FinalCanceled && result.Status != graphrun.FinalFailed {
		t.Fatalf("expected canceled or failed once cancel is observed mid-wait, got %s", result.Status)
	}
}
