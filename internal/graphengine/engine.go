// Package graphengine walks a validated attractor graph node by node: it
// is the scheduler loop that chooses the next node, dispatches it to a
// type-specific handler, checkpoints the resulting state, and decides what
// runs next. internal/graphrun supplies the state shapes (EngineState,
// Context, Outcome); this package supplies the loop that mutates them.
package graphengine

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/attractor-run/control-plane/internal/apierr"
	"github.com/attractor-run/control-plane/internal/attractor/cond"
	"github.com/attractor-run/control-plane/internal/attractor/model"
	"github.com/attractor-run/control-plane/internal/domain"
	"github.com/attractor-run/control-plane/internal/eventlog"
	"github.com/attractor-run/control-plane/internal/graphrun"
	"github.com/attractor-run/control-plane/internal/store"
)

const defaultMaxSteps = 500

// Canceler reports whether a run has an outstanding cancel request. Workers
// check it at every step boundary, before every model/tool invocation, and
// inside human-wait polls (§5 cooperative cancellation).
type Canceler interface {
	CancelRequested(ctx context.Context, runID string) (bool, error)
}

// ObjectPutter writes an artifact body to the object store. Satisfied by
// *objectstore.Store; narrowed here so tests can fake it.
type ObjectPutter interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

// Dependencies bundles everything a node handler needs beyond the graph
// and engine state itself. Tests substitute fakes for all of these.
type Dependencies struct {
	Checkpoints  store.RunCheckpoints
	NodeOutcomes store.RunNodeOutcomes
	Questions    store.RunQuestions
	Artifacts    store.Artifacts
	Objects      ObjectPutter
	Events       *eventlog.Log
	Cancel       Canceler

	Models ModelCaller
	Tools  ToolRunner
	Humans HumanNotifier

	Log *logrus.Entry
}

// Engine drives one run's walk over a parsed, validated graph.
type Engine struct {
	Graph     *model.Graph
	RunID     string
	ProjectID string
	RunType   domain.RunType
	RunConfig RunConfigFile

	deps Dependencies

	state *graphrun.EngineState

	maxSteps int

	// branchMu guards state mutations from concurrently running "parallel"
	// branches; the top-level loop is single-threaded and never touches it.
	branchMu sync.Mutex

	// incomingEdge is the edge that led to the node currently being
	// evaluated, nil for the start node; decision/condition evaluation and
	// fidelity-style bookkeeping read it.
	incomingEdge *model.Edge
}

// New builds an Engine for a fresh run starting at the graph's start node.
func New(g *model.Graph, runID, projectID string, runType domain.RunType, deps Dependencies) *Engine {
	return &Engine{
		Graph:     g,
		RunID:     runID,
		ProjectID: projectID,
		RunType:   runType,
		deps:      withDefaults(deps),
		state:     graphrun.NewEngineState(runID),
		maxSteps:  resolveMaxSteps(g),
	}
}

// Resume rebuilds an Engine from a persisted checkpoint row, continuing
// from its CurrentNodeID rather than the graph's start node.
func Resume(g *model.Graph, runID, projectID string, runType domain.RunType, deps Dependencies, snap graphrun.Snapshot) *Engine {
	e := New(g, runID, projectID, runType, deps)
	e.state = graphrun.FromSnapshot(runID, snap)
	return e
}

func withDefaults(deps Dependencies) Dependencies {
	if deps.Log == nil {
		deps.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if deps.Models == nil {
		deps.Models = SimulatedModelCaller{}
	}
	if deps.Tools == nil {
		deps.Tools = LocalToolRunner{}
	}
	if deps.Humans == nil {
		deps.Humans = NoopHumanNotifier{}
	}
	return deps
}

func resolveMaxSteps(g *model.Graph) int {
	if g == nil {
		return defaultMaxSteps
	}
	raw := strings.TrimSpace(g.Attrs["max_steps"])
	if raw == "" {
		return defaultMaxSteps
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultMaxSteps
	}
	return n
}

// Run executes the scheduler loop until the graph reaches a terminal node,
// runs out of successors, exhausts max_steps, or is canceled. A panic
// inside a node handler is recovered and mapped to a FAILED result rather
// than crashing the worker.
func (e *Engine) Run(ctx context.Context) (result *graphrun.Result, runErr error) {
	defer func() {
		if r := recover(); r != nil {
			e.deps.Log.WithField("panic", r).Error("graphengine: node handler panicked")
			result = e.failResult(fmt.Sprintf("panic: %v", r))
			runErr = nil
		}
	}()

	current := e.state.CurrentNodeID
	if current == "" {
		current = findStartNodeID(e.Graph)
		if current == "" {
			return nil, fmt.Errorf("graphengine: no start node found")
		}
		e.state.CurrentNodeID = current
	}

	for {
		if canceled, err := e.checkCanceled(ctx); err != nil {
			return nil, err
		} else if canceled {
			return e.canceledResult(current), nil
		}

		if e.state.StepCount >= e.maxSteps {
			e.emit(ctx, domain.EngineEvent("MaxStepsExhausted"), map[string]any{"node_id": current, "max_steps": e.maxSteps})
			return e.failResult(fmt.Sprintf("max_steps (%d) exhausted at node %s", e.maxSteps, current)), nil
		}

		node := e.Graph.Nodes[current]
		if node == nil {
			return nil, fmt.Errorf("graphengine: missing node %q", current)
		}
		e.state.CurrentNodeID = current
		e.state.StepCount++

		if isTerminalType(node) {
			res, err := e.finishAtTerminal(ctx, node)
			return res, err
		}

		out, attempt, err := e.executeWithRetry(ctx, node)
		if err != nil {
			return nil, err
		}

		e.state.MarkCompleted(node.ID, out)
		e.state.Context.Merge(out.ContextUpdates)

		status := nodeOutcomeStatus(out)
		if perr := e.persistNodeOutcome(ctx, node.ID, attempt, status, out); perr != nil {
			return nil, perr
		}
		if err := e.checkpoint(ctx); err != nil {
			return nil, err
		}
		e.emit(ctx, domain.NodePhaseEvent(node.ID, string(out.Status)), map[string]any{"attempt": attempt})

		if out.Status == graphrun.StatusFail {
			if !continueOnError(node) {
				return e.failResult(fmt.Sprintf("node %s failed: %s", node.ID, out.FailureReason)), nil
			}
			next := onErrorEdge(e.Graph, node.ID)
			if next == nil {
				return e.failResult(fmt.Sprintf("node %s failed with continue_on_error but no on_error edge: %s", node.ID, out.FailureReason)), nil
			}
			e.incomingEdge = next
			current = next.To
			continue
		}

		if strings.EqualFold(node.Type(), "parallel") {
			join := joinNodeFor(e.Graph, node.ID)
			if join == "" {
				return nil, fmt.Errorf("graphengine: parallel node %s has no downstream join node", node.ID)
			}
			e.incomingEdge = nil
			current = join
			continue
		}

		next, err := e.selectNextEdge(node.ID, out)
		if err != nil {
			return nil, err
		}
		if next == nil {
			if out.Status == graphrun.StatusFail {
				return e.failResult(fmt.Sprintf("node %s failed with no outgoing edge", node.ID)), nil
			}
			return e.finishWithoutTerminal(ctx, node.ID), nil
		}
		e.incomingEdge = next
		current = next.To
	}
}

func (e *Engine) finishAtTerminal(ctx context.Context, node *model.Node) (*graphrun.Result, error) {
	out := graphrun.Outcome{Status: graphrun.StatusSuccess}
	e.state.MarkCompleted(node.ID, out)
	attempt, err := e.deps.NodeOutcomes.NextAttempt(ctx, e.RunID, node.ID)
	if err != nil {
		return nil, fmt.Errorf("graphengine: next attempt for terminal %s: %w", node.ID, err)
	}
	if perr := e.persistNodeOutcome(ctx, node.ID, attempt, domain.NodeOutcomeSucceeded, out); perr != nil {
		return nil, perr
	}
	if err := e.checkpoint(ctx); err != nil {
		return nil, err
	}
	artifactKey, aerr := e.collectArtifacts(ctx, node.ID)
	if aerr != nil {
		return nil, aerr
	}
	result := &graphrun.Result{
		RunID:            e.RunID,
		Status:           graphrun.FinalSucceeded,
		FinishedAt:       now(),
		FinalNodeID:      node.ID,
		FinalArtifactKey: artifactKey,
	}
	if e.RunType == domain.RunTypeImplementation {
		text, supplemental, ierr := e.collectImplementationText()
		if ierr != nil {
			return nil, ierr
		}
		result.ImplementationText = text
		result.SupplementalNotes = supplemental
	}
	return result, nil
}

// finishWithoutTerminal handles the "no more successors" termination path
// (spec §4.3 step 6) for a graph whose last reached node isn't typed
// terminal but has no outgoing edge left to take.
func (e *Engine) finishWithoutTerminal(ctx context.Context, lastNodeID string) *graphrun.Result {
	artifactKey, err := e.collectArtifacts(ctx, lastNodeID)
	if err != nil {
		return e.failResult(err.Error())
	}
	result := &graphrun.Result{
		RunID:            e.RunID,
		Status:           graphrun.FinalSucceeded,
		FinishedAt:       now(),
		FinalNodeID:      lastNodeID,
		FinalArtifactKey: artifactKey,
	}
	if e.RunType == domain.RunTypeImplementation {
		text, supplemental, ierr := e.collectImplementationText()
		if ierr != nil {
			return e.failResult(ierr.Error())
		}
		result.ImplementationText = text
		result.SupplementalNotes = supplemental
	}
	return result
}

func (e *Engine) failResult(reason string) *graphrun.Result {
	return &graphrun.Result{
		RunID:       e.RunID,
		Status:      graphrun.FinalFailed,
		FinishedAt:  now(),
		FailureKind: "node_failure",
		FailureMsg:  reason,
		FinalNodeID: e.state.CurrentNodeID,
	}
}

func (e *Engine) canceledResult(nodeID string) *graphrun.Result {
	return &graphrun.Result{
		RunID:       e.RunID,
		Status:      graphrun.FinalCanceled,
		FinishedAt:  now(),
		FinalNodeID: nodeID,
	}
}

func (e *Engine) checkCanceled(ctx context.Context) (bool, error) {
	if e.deps.Cancel == nil {
		return false, nil
	}
	requested, err := e.deps.Cancel.CancelRequested(ctx, e.RunID)
	if err != nil {
		return false, apierr.Transient(err, "graphengine: check cancel marker")
	}
	return requested, nil
}

func (e *Engine) emit(ctx context.Context, eventType domain.EventType, payload map[string]any) {
	if e.deps.Events == nil {
		return
	}
	if _, err := e.deps.Events.Append(ctx, e.RunID, eventType, payload); err != nil {
		e.deps.Log.WithError(err).Warn("graphengine: append event failed")
	}
}

func nodeOutcomeStatus(out graphrun.Outcome) domain.RunNodeOutcomeStatus {
	switch out.Status {
	case graphrun.StatusSuccess, graphrun.StatusPartialSuccess:
		return domain.NodeOutcomeSucceeded
	case graphrun.StatusSkipped:
		return domain.NodeOutcomeSkipped
	default:
		return domain.NodeOutcomeFailed
	}
}

func (e *Engine) persistNodeOutcome(ctx context.Context, nodeID string, attempt int, status domain.RunNodeOutcomeStatus, out graphrun.Outcome) error {
	payload := map[string]any{
		"preferred_label": out.PreferredLabel,
		"notes":           out.Notes,
	}
	if out.FailureReason != "" {
		payload["failure_reason"] = out.FailureReason
	}
	row := &domain.RunNodeOutcome{
		RunID:   e.RunID,
		NodeID:  nodeID,
		Attempt: attempt,
		Status:  status,
		Payload: payload,
	}
	if err := e.deps.NodeOutcomes.Insert(ctx, row); err != nil {
		return fmt.Errorf("graphengine: record outcome for %s: %w", nodeID, err)
	}
	return nil
}

func isTerminalType(n *model.Node) bool {
	if n == nil {
		return false
	}
	return strings.EqualFold(n.Type(), "terminal")
}

func findStartNodeID(g *model.Graph) string {
	if g == nil {
		return ""
	}
	for _, id := range g.NodeIDsInOrder() {
		if strings.EqualFold(g.Nodes[id].Type(), "start") {
			return id
		}
	}
	return ""
}

func continueOnError(n *model.Node) bool {
	return strings.EqualFold(strings.TrimSpace(n.Attr("continue_on_error", "false")), "true")
}

func onErrorEdge(g *model.Graph, nodeID string) *model.Edge {
	for _, edge := range g.Outgoing(nodeID) {
		if strings.EqualFold(edge.Attr("on_error", "false"), "true") {
			return edge
		}
	}
	return nil
}

func joinNodeFor(g *model.Graph, parallelNodeID string) string {
	for _, edge := range g.Outgoing(parallelNodeID) {
		if join := strings.TrimSpace(edge.Attr("join_node", "")); join != "" {
			return join
		}
	}
	// Fall back to the node's own join_node attribute, set by the parallel
	// handler once branches are scheduled.
	if n := g.Nodes[parallelNodeID]; n != nil {
		return strings.TrimSpace(n.Attr("join_node", ""))
	}
	return ""
}

func (e *Engine) selectNextEdge(fromID string, out graphrun.Outcome) (*model.Edge, error) {
	edges := e.Graph.Outgoing(fromID)
	if len(edges) == 0 {
		return nil, nil
	}

	var labeled, unconditional []*model.Edge
	for _, edge := range edges {
		if strings.TrimSpace(edge.Condition()) != "" {
			ok, err := cond.Evaluate(edge.Condition(), out, e.state.Context)
			if err != nil {
				return nil, fmt.Errorf("graphengine: condition on edge %s->%s: %w", edge.From, edge.To, err)
			}
			if ok {
				labeled = append(labeled, edge)
			}
			continue
		}
		if out.PreferredLabel != "" && strings.EqualFold(edge.Label(), out.PreferredLabel) {
			labeled = append(labeled, edge)
			continue
		}
		unconditional = append(unconditional, edge)
	}
	if len(labeled) > 0 {
		return labeled[0], nil
	}
	if len(unconditional) > 0 {
		return unconditional[0], nil
	}
	return nil, nil
}

func now() time.Time { return time.Now() }
