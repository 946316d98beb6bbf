package graphengine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/attractor-run/control-plane/internal/attractor/model"
	"github.com/attractor-run/control-plane/internal/domain"
	"github.com/attractor-run/control-plane/internal/graphrun"
	"github.com/attractor-run/control-plane/internal/idgen"
)

// ModelRequest is what a "model" node renders before calling the language
// model collaborator: the prompt plus everything spec §4.3 step 3 says
// must be available to it.
type ModelRequest struct {
	NodeID           string
	Provider         string
	Model            string
	Reasoning        string
	Temperature      string
	MaxTokens        string
	Prompt           string
	RepositoryTree   string
	NodeOutputs      map[string]graphrun.Outcome
	Context          map[string]any
}

type ModelResponse struct {
	Output         string
	PreferredLabel string
	ContextUpdates map[string]any
}

// ModelCaller invokes the configured language model for a "model" node.
// Implementations stream token-level events into the run's event log
// themselves if they want finer granularity than the node-level
// Node.<id>.running/success events this package already emits.
type ModelCaller interface {
	Call(ctx context.Context, req ModelRequest) (ModelResponse, error)
}

type ToolRequest struct {
	NodeID  string
	Command string
	Env     map[string]string
	WorkDir string
	Stdin   string
	Timeout time.Duration
}

type ToolResponse struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ToolRunner executes a "tool" node's named command with a bounded
// environment.
type ToolRunner interface {
	Run(ctx context.Context, req ToolRequest) (ToolResponse, error)
}

// HumanNotifier is told when a RunQuestion starts waiting for an answer, so
// an adapter (chat, email, ticket comment) can surface it. The polling loop
// itself doesn't depend on this being wired to anything.
type HumanNotifier interface {
	Notify(ctx context.Context, q *domain.RunQuestion) error
}

// SimulatedModelCaller is the default ModelCaller used when no real
// provider is wired in: it echoes the prompt back as output so graphs can
// be exercised end to end in tests and local dev without API keys.
type SimulatedModelCaller struct{}

func (SimulatedModelCaller) Call(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	return ModelResponse{
		Output:         fmt.Sprintf("[simulated %s/%s response for %s]\n%s", req.Provider, req.Model, req.NodeID, req.Prompt),
		PreferredLabel: "",
	}, nil
}

// LocalToolRunner runs tool node commands via the shell in the current
// process: bash -c "<command>" with a bounded env and captured
// stdout/stderr. internal/workload.ToolRunner offers the same contract
// backed by a liveness-checkable, killable Runtime for deployments that
// want tool execution isolated from the dispatcher process.
type LocalToolRunner struct{}

func (LocalToolRunner) Run(ctx context.Context, req ToolRequest) (ToolResponse, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "bash", "-c", req.Command)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	env := []string{}
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	resp := ToolResponse{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}
	if cctx.Err() == context.DeadlineExceeded {
		return resp, fmt.Errorf("tool command timed out after %s", timeout)
	}
	if runErr != nil && exitCode == -1 {
		return resp, fmt.Errorf("tool command failed to start: %w", runErr)
	}
	return resp, nil
}

// NoopHumanNotifier is the default HumanNotifier: a RunQuestion is recorded
// and polled, but nothing is actively notified.
type NoopHumanNotifier struct{}

func (NoopHumanNotifier) Notify(ctx context.Context, q *domain.RunQuestion) error { return nil }

// executeNode dispatches node to its type handler and returns the
// resulting outcome. A "start" node succeeds without doing any work; a
// "terminal" node never reaches here, since the scheduler loop finishes
// the run on it directly.
func (e *Engine) executeNode(ctx context.Context, node *model.Node) (graphrun.Outcome, error) {
	switch strings.ToLower(node.Type()) {
	case "start":
		return graphrun.Outcome{Status: graphrun.StatusSuccess, Notes: "start"}, nil
	case "model":
		return e.executeModelNode(ctx, node)
	case "tool":
		return e.executeToolNode(ctx, node)
	case "human":
		return e.executeHumanNode(ctx, node)
	case "decision":
		return e.executeDecisionNode(node)
	case "parallel":
		return e.executeParallelNode(ctx, node)
	default:
		return graphrun.Outcome{}, fmt.Errorf("graphengine: unknown node type %q for node %s", node.Type(), node.ID)
	}
}

func (e *Engine) executeModelNode(ctx context.Context, node *model.Node) (graphrun.Outcome, error) {
	req := ModelRequest{
		NodeID:      node.ID,
		Provider:    firstNonEmpty(node.Attr("provider", ""), e.RunConfig.ModelDefaults["provider"]),
		Model:       firstNonEmpty(node.Attr("model", ""), node.Attr("model_id", ""), e.RunConfig.ModelDefaults["model"]),
		Reasoning:   node.Attr("reasoning", ""),
		Temperature: node.Attr("temperature", ""),
		MaxTokens:   node.Attr("max_tokens", ""),
		Prompt:      renderPrompt(node.Attr("prompt", ""), e.state),
		NodeOutputs: e.state.NodeOutputs,
		Context:     e.state.Context.Snapshot(),
	}
	resp, err := e.deps.Models.Call(ctx, req)
	if err != nil {
		return graphrun.Outcome{
			Status:        graphrun.StatusFail,
			FailureReason: err.Error(),
		}, nil
	}
	out := graphrun.Outcome{
		Status:         graphrun.StatusSuccess,
		PreferredLabel: resp.PreferredLabel,
		ContextUpdates: mergeOutput(resp.ContextUpdates, node, resp.Output),
	}
	return out, nil
}

func (e *Engine) executeToolNode(ctx context.Context, node *model.Node) (graphrun.Outcome, error) {
	command := node.Attr("tool", "")
	if strings.TrimSpace(command) == "" {
		return graphrun.Outcome{Status: graphrun.StatusFail, FailureReason: "tool node missing tool command"}, nil
	}
	var timeout time.Duration
	if raw := node.Attr("timeout_ms", ""); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	env := map[string]string{"ATTRACTOR_RUN_ID": e.RunID, "ATTRACTOR_NODE_ID": node.ID}
	for k, v := range e.RunConfig.ToolEnv {
		env[k] = v
	}
	req := ToolRequest{
		NodeID:  node.ID,
		Command: command,
		Timeout: timeout,
		Env:     env,
	}
	resp, err := e.deps.Tools.Run(ctx, req)
	if err != nil {
		return graphrun.Outcome{Status: graphrun.StatusFail, FailureReason: err.Error()}, nil
	}
	if resp.ExitCode != 0 {
		return graphrun.Outcome{
			Status:        graphrun.StatusFail,
			FailureReason: fmt.Sprintf("tool exited %d: %s", resp.ExitCode, truncate(resp.Stderr, 2000)),
		}, nil
	}
	out := graphrun.Outcome{
		Status:         graphrun.StatusSuccess,
		ContextUpdates: mergeOutput(nil, node, resp.Stdout),
	}
	return out, nil
}

// executeDecisionNode switches on a named context value and takes the
// matching outgoing edge; the actual edge taken is resolved in the
// scheduler's selectNextEdge using the preferred_label this returns.
func (e *Engine) executeDecisionNode(node *model.Node) (graphrun.Outcome, error) {
	selector := strings.TrimSpace(node.Attr("decision_on", ""))
	if selector == "" {
		selector = strings.TrimSpace(node.Attr("output", ""))
	}
	var value string
	if selector != "" {
		if v, ok := e.state.Context.Get(selector); ok && v != nil {
			value = fmt.Sprint(v)
		}
	}
	if value == "" {
		return graphrun.Outcome{Status: graphrun.StatusFail, FailureReason: fmt.Sprintf("decision node %s: no value for selector %q", node.ID, selector)}, nil
	}
	for _, edge := range e.Graph.Outgoing(node.ID) {
		if strings.EqualFold(edge.Label(), value) {
			return graphrun.Outcome{Status: graphrun.StatusSuccess, PreferredLabel: value}, nil
		}
	}
	return graphrun.Outcome{Status: graphrun.StatusFail, FailureReason: fmt.Sprintf("decision node %s: no edge matches %q", node.ID, value)}, nil
}

func mergeOutput(updates map[string]any, node *model.Node, output string) map[string]any {
	if updates == nil {
		updates = map[string]any{}
	}
	key := strings.TrimSpace(node.Attr("output", ""))
	if key == "" {
		key = node.ID
	}
	updates[key] = output
	updates["node_outputs."+node.ID] = output
	return updates
}

func renderPrompt(template string, state *graphrun.EngineState) string {
	if template == "" {
		return ""
	}
	out := template
	for k, v := range state.Context.Snapshot() {
		out = strings.ReplaceAll(out, "{{"+k+"}}", fmt.Sprint(v))
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

// newCallID generates a correlation id for one tool/model invocation,
// distinct from the run id and node id so repeated attempts at the same
// node are distinguishable in logs.
func newCallID() string {
	return idgen.NewULID()
}
