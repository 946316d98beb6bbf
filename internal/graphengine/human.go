package graphengine

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/attractor-run/control-plane/internal/attractor/model"
	"github.com/attractor-run/control-plane/internal/domain"
	"github.com/attractor-run/control-plane/internal/graphrun"
	"github.com/attractor-run/control-plane/internal/idgen"
)

const defaultHumanPollInterval = 2 * time.Second

// executeHumanNode registers a RunQuestion, notifies whatever adapter is
// wired to HumanNotifier, then polls until the question is ANSWERED,
// times out, or the run is canceled. Re-entering this node (e.g. after a
// resume) re-registers the identical (runId, nodeId, prompt) tuple rather
// than creating a duplicate, per §4.6's idempotent re-registration rule.
func (e *Engine) executeHumanNode(ctx context.Context, node *model.Node) (graphrun.Outcome, error) {
	prompt := renderPrompt(node.Attr("prompt", ""), e.state)
	if strings.TrimSpace(prompt) == "" {
		return graphrun.Outcome{Status: graphrun.StatusFail, FailureReason: "human node missing prompt"}, nil
	}
	var options []string
	if raw := strings.TrimSpace(node.Attr("options", "")); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				options = append(options, o)
			}
		}
	}

	pending := &domain.RunQuestion{
		ID:        idgen.NewULID(),
		RunID:     e.RunID,
		NodeID:    node.ID,
		Prompt:    prompt,
		Options:   options,
		Status:    domain.QuestionPending,
		CreatedAt: time.Now(),
	}
	q, err := e.deps.Questions.GetOrCreatePending(ctx, pending)
	if err != nil {
		return graphrun.Outcome{}, err
	}
	if q.Status == domain.QuestionPending {
		e.emit(ctx, domain.EventHumanQuestionPending, map[string]any{"question_id": q.ID, "node_id": node.ID})
		if e.deps.Humans != nil {
			_ = e.deps.Humans.Notify(ctx, q)
		}
	}

	timeout := humanTimeout(node)
	deadline := time.Now().Add(timeout)
	interval := defaultHumanPollInterval

	for {
		answered, err := e.deps.Questions.GetAnswered(ctx, e.RunID, node.ID, prompt)
		if err != nil {
			return graphrun.Outcome{}, err
		}
		if answered != nil {
			e.emit(ctx, domain.EventHumanQuestionAnswered, map[string]any{"question_id": answered.ID, "node_id": node.ID})
			return graphrun.Outcome{
				Status:         graphrun.StatusSuccess,
				ContextUpdates: mergeOutput(nil, node, answered.Answer),
			}, nil
		}

		if canceled, err := e.checkCanceled(ctx); err != nil {
			return graphrun.Outcome{}, err
		} else if canceled {
			return graphrun.Outcome{Status: graphrun.StatusFail, FailureReason: "canceled"}, nil
		}

		if time.Now().After(deadline) {
			if err := e.deps.Questions.Timeout(ctx, q.ID, time.Now()); err != nil {
				return graphrun.Outcome{}, err
			}
			e.emit(ctx, domain.EventHumanQuestionTimedOut, map[string]any{"question_id": q.ID, "node_id": node.ID})
			return graphrun.Outcome{Status: graphrun.StatusFail, FailureReason: "human question timed out"}, nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return graphrun.Outcome{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func humanTimeout(n *model.Node) time.Duration {
	raw := n.Attr("timeout_ms", "")
	if raw == "" {
		return 24 * time.Hour
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(ms) * time.Millisecond
}
