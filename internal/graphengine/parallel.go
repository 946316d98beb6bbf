package graphengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/attractor-run/control-plane/internal/attractor/model"
	"github.com/attractor-run/control-plane/internal/domain"
	"github.com/attractor-run/control-plane/internal/graphrun"
)

// executeParallelNode fans each outgoing labeled branch out to its own
// sequential walk, run concurrently, and joins once every branch has
// produced an outcome or the join node is reached. Per the documented
// resolution of spec §9's Open Question, one branch failing aborts every
// sibling still in flight rather than letting them run to completion —
// cooperative cancellation (§5) already threads a context through every
// suspension point, so this reuses it instead of adding a second abort
// mechanism.
func (e *Engine) executeParallelNode(ctx context.Context, node *model.Node) (graphrun.Outcome, error) {
	branches := e.Graph.Outgoing(node.ID)
	if len(branches) == 0 {
		return graphrun.Outcome{Status: graphrun.StatusFail, FailureReason: "parallel node has no outgoing branches"}, nil
	}
	join := joinNodeFor(e.Graph, node.ID)

	bctx, abort := context.WithCancel(ctx)
	defer abort()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		outputs = map[string]graphrun.Outcome{}
		failed  bool
		reason  string
	)

	var sem chan struct{}
	if limit := e.RunConfig.MaxConcurrentBranches; limit > 0 && limit < len(branches) {
		sem = make(chan struct{}, limit)
	}

	for _, edge := range branches {
		edge := edge
		branchLabel := edge.Branch()
		if branchLabel == "" {
			branchLabel = edge.Label()
		}
		if branchLabel == "" {
			branchLabel = edge.To
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-bctx.Done():
					return
				}
			}
			out, err := e.walkBranch(bctx, edge.To, join)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if !failed {
					failed = true
					reason = err.Error()
					abort()
				}
				return
			}
			outputs[branchLabel] = out
			e.state.RecordParallelBranch(node.ID, branchLabel, out)
			if out.Status == graphrun.StatusFail {
				if !failed {
					failed = true
					reason = fmt.Sprintf("branch %s failed: %s", branchLabel, out.FailureReason)
					abort()
				}
			}
		}()
	}
	wg.Wait()

	if node.Attr("join_node", "") == "" && join != "" {
		node.Attrs["join_node"] = join
	}

	if failed {
		return graphrun.Outcome{Status: graphrun.StatusFail, FailureReason: reason}, nil
	}
	return graphrun.Outcome{
		Status:         graphrun.StatusSuccess,
		ContextUpdates: map[string]any{fmt.Sprintf("parallel.%s.branches", node.ID): outputs},
	}, nil
}

// walkBranch executes nodes starting at nodeID until it reaches the join
// node (exclusive) or runs out of outgoing edges, returning the last
// node's outcome. Each node along the way has its outcome recorded (it is
// not checkpointed), guarded by the engine's branch mutex since sibling
// branches run concurrently and share state.
func (e *Engine) walkBranch(ctx context.Context, nodeID, joinID string) (graphrun.Outcome, error) {
	current := nodeID
	var last graphrun.Outcome
	for {
		select {
		case <-ctx.Done():
			return graphrun.Outcome{}, ctx.Err()
		default:
		}
		if current == "" || current == joinID {
			return last, nil
		}
		node := e.Graph.Nodes[current]
		if node == nil {
			return graphrun.Outcome{}, fmt.Errorf("graphengine: missing branch node %q", current)
		}
		if isTerminalType(node) {
			return last, nil
		}

		out, attempt, err := e.executeWithRetry(ctx, node)
		if err != nil {
			return graphrun.Outcome{}, err
		}
		e.recordBranchNode(ctx, node.ID, attempt, out)
		last = out
		if out.Status == graphrun.StatusFail && !continueOnError(node) {
			return out, nil
		}

		next, err := e.selectNextEdge(node.ID, out)
		if err != nil {
			return graphrun.Outcome{}, err
		}
		if next == nil {
			return out, nil
		}
		current = next.To
	}
}

func (e *Engine) recordBranchNode(ctx context.Context, nodeID string, attempt int, out graphrun.Outcome) {
	e.branchMu.Lock()
	e.state.MarkCompleted(nodeID, out)
	e.state.Context.Merge(out.ContextUpdates)
	e.branchMu.Unlock()

	status := nodeOutcomeStatus(out)
	if err := e.persistNodeOutcome(ctx, nodeID, attempt, status, out); err != nil {
		e.deps.Log.WithError(err).Warn("graphengine: record parallel branch node outcome failed")
	}
	e.emit(ctx, domain.NodePhaseEvent(nodeID, string(out.Status)), map[string]any{"attempt": attempt, "branch": true})
}
