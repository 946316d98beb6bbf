// Package validate implements the lint battery run over a parsed attractor
// graph before it is accepted into the store. Lint errors block run
// creation and content registration; warnings are surfaced but don't.
package validate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/attractor-run/control-plane/internal/attractor/cond"
	"github.com/attractor-run/control-plane/internal/attractor/model"
	"github.com/attractor-run/control-plane/internal/attractor/style"
	"github.com/attractor-run/control-plane/internal/graphrun"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	NodeID   string   `json:"node_id,omitempty"`
	EdgeFrom string   `json:"edge_from,omitempty"`
	EdgeTo   string   `json:"edge_to,omitempty"`
	Fix      string   `json:"fix,omitempty"`
}

// LintRule lets callers plug in additional checks beyond the built-in
// battery, appended after it in the returned diagnostic list.
type LintRule interface {
	Name() string
	Apply(g *model.Graph) []Diagnostic
}

var builtins = []func(*model.Graph) []Diagnostic{
	lintExactlyOneStartNode,
	lintAtLeastOneTerminalNode,
	lintEdgeTargetsExist,
	lintStartNoIncoming,
	lintTerminalNoOutgoing,
	lintReachability,
	lintConditionSyntax,
	lintStylesheetSyntax,
	lintToolCommandRequired,
	lintModelProviderPresent,
	lintDecisionHasOutgoing,
	lintParallelHasBranches,
	lintOnErrorTargetsExist,
	lintMaxStepsPositive,
	lintGraphNodeRefsExist,
	lintHumanPromptRequired,
}

// Validate runs every built-in lint rule plus any extra rules against the
// graph and returns all diagnostics, built-in rules first.
func Validate(g *model.Graph, extraRules ...LintRule) []Diagnostic {
	if g == nil {
		return []Diagnostic{{Rule: "graph_nil", Severity: SeverityError, Message: "graph is nil"}}
	}
	var diags []Diagnostic
	for _, rule := range builtins {
		diags = append(diags, rule(g)...)
	}
	for _, rule := range extraRules {
		if rule != nil {
			diags = append(diags, rule.Apply(g)...)
		}
	}
	return diags
}

// ValidateOrError collapses the error-severity diagnostics into a single
// error, the form create-run's precondition check consumes.
func ValidateOrError(g *model.Graph, extraRules ...LintRule) error {
	diags := Validate(g, extraRules...)
	var errs []string
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d.Rule+": "+d.Message)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func nodesOfType(g *model.Graph, typ string) []string {
	var ids []string
	for _, id := range g.NodeIDsInOrder() {
		if n := g.Nodes[id]; n != nil && n.Type() == typ {
			ids = append(ids, id)
		}
	}
	return ids
}

func lintExactlyOneStartNode(g *model.Graph) []Diagnostic {
	ids := nodesOfType(g, "start")
	if len(ids) != 1 {
		return []Diagnostic{{
			Rule:     "start_node",
			Severity: SeverityError,
			Message:  fmt.Sprintf("graph must have exactly one type=start node (found %d: %v)", len(ids), ids),
		}}
	}
	return nil
}

func lintAtLeastOneTerminalNode(g *model.Graph) []Diagnostic {
	if len(nodesOfType(g, "terminal")) == 0 {
		return []Diagnostic{{
			Rule:     "terminal_node",
			Severity: SeverityError,
			Message:  "graph must have at least one type=terminal node",
		}}
	}
	return nil
}

func lintEdgeTargetsExist(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		if _, ok := g.Nodes[e.From]; !ok {
			diags = append(diags, Diagnostic{Rule: "edge_target_exists", Severity: SeverityError,
				Message: "edge references missing from-node", EdgeFrom: e.From, EdgeTo: e.To})
		}
		if _, ok := g.Nodes[e.To]; !ok {
			diags = append(diags, Diagnostic{Rule: "edge_target_exists", Severity: SeverityError,
				Message: "edge references missing to-node", EdgeFrom: e.From, EdgeTo: e.To})
		}
	}
	return diags
}

func lintStartNoIncoming(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, id := range nodesOfType(g, "start") {
		if len(g.Incoming(id)) > 0 {
			diags = append(diags, Diagnostic{Rule: "start_no_incoming", Severity: SeverityError,
				Message: "start node must have no incoming edges", NodeID: id})
		}
	}
	return diags
}

func lintTerminalNoOutgoing(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, id := range nodesOfType(g, "terminal") {
		if len(g.Outgoing(id)) > 0 {
			diags = append(diags, Diagnostic{Rule: "terminal_no_outgoing", Severity: SeverityError,
				Message: "terminal node must have no outgoing edges", NodeID: id})
		}
	}
	return diags
}

func lintReachability(g *model.Graph) []Diagnostic {
	starts := nodesOfType(g, "start")
	if len(starts) != 1 {
		return nil // covered by lintExactlyOneStartNode
	}
	start := starts[0]
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.Outgoing(cur) {
			if e != nil && !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	var diags []Diagnostic
	for _, id := range g.NodeIDsInOrder() {
		if !seen[id] {
			diags = append(diags, Diagnostic{Rule: "reachability", Severity: SeverityError,
				Message: "node is not reachable from the start node", NodeID: id})
		}
	}
	return diags
}

func lintConditionSyntax(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		c := strings.TrimSpace(e.Condition())
		if c == "" {
			continue
		}
		if err := validateConditionSyntax(c); err != nil {
			diags = append(diags, Diagnostic{Rule: "condition_syntax", Severity: SeverityError,
				Message: err.Error(), EdgeFrom: e.From, EdgeTo: e.To})
			continue
		}
		_, _ = cond.Evaluate(c, graphrun.Outcome{Status: graphrun.StatusSuccess}, graphrun.NewContext())
	}
	return diags
}

func validateConditionSyntax(condExpr string) error {
	for _, clause := range strings.Split(condExpr, "&&") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		if strings.ContainsAny(clause, "<>|") {
			return fmt.Errorf("invalid condition operator in clause %q", clause)
		}
		if strings.Contains(clause, "!=") {
			return checkClauseParts(clause, "!=")
		}
		if strings.Contains(clause, "=") {
			return checkClauseParts(clause, "=")
		}
		if err := validateCondKey(clause); err != nil {
			return err
		}
	}
	return nil
}

func checkClauseParts(clause, op string) error {
	parts := strings.SplitN(clause, op, 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid condition clause %q", clause)
	}
	if err := validateCondKey(strings.TrimSpace(parts[0])); err != nil {
		return err
	}
	if strings.TrimSpace(parts[1]) == "" {
		return fmt.Errorf("invalid condition clause %q: missing literal", clause)
	}
	return nil
}

func validateCondKey(key string) error {
	if key == "" {
		return fmt.Errorf("invalid condition: empty key")
	}
	if key == "outcome" || key == "preferred_label" {
		return nil
	}
	key = strings.TrimPrefix(key, "context.")
	for _, part := range strings.Split(key, ".") {
		if part == "" {
			return fmt.Errorf("invalid condition key %q", key)
		}
		if !isAlphaUnderscore(part[0]) {
			return fmt.Errorf("invalid condition key %q", key)
		}
		for i := 1; i < len(part); i++ {
			if !isAlnumUnderscore(part[i]) {
				return fmt.Errorf("invalid condition key %q", key)
			}
		}
	}
	return nil
}

func isAlphaUnderscore(ch byte) bool {
	return (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || ch == '_'
}

func isAlnumUnderscore(ch byte) bool {
	return isAlphaUnderscore(ch) || (ch >= '0' && ch <= '9')
}

func lintStylesheetSyntax(g *model.Graph) []Diagnostic {
	raw := strings.TrimSpace(g.Attrs["model_stylesheet"])
	if raw == "" {
		return nil
	}
	if _, err := style.ParseStylesheet(raw); err != nil {
		return []Diagnostic{{Rule: "stylesheet_syntax", Severity: SeverityError, Message: err.Error()}}
	}
	return nil
}

func lintToolCommandRequired(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, id := range nodesOfType(g, "tool") {
		if strings.TrimSpace(g.Nodes[id].Attr("tool", "")) == "" {
			diags = append(diags, Diagnostic{Rule: "tool_command_required", Severity: SeverityError,
				Message: "tool node must set the tool attribute", NodeID: id})
		}
	}
	return diags
}

func lintModelProviderPresent(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, id := range nodesOfType(g, "model") {
		n := g.Nodes[id]
		if strings.TrimSpace(n.Attr("provider", "")) == "" {
			diags = append(diags, Diagnostic{Rule: "model_provider_present", Severity: SeverityWarning,
				Message: "model node has no provider attribute; falling back to the graph default", NodeID: id})
		}
		if strings.TrimSpace(n.Attr("model", n.Attr("model_id", ""))) == "" {
			diags = append(diags, Diagnostic{Rule: "model_id_present", Severity: SeverityWarning,
				Message: "model node has neither model nor model_id attribute", NodeID: id})
		}
	}
	return diags
}

func lintDecisionHasOutgoing(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, id := range nodesOfType(g, "decision") {
		if len(g.Outgoing(id)) == 0 {
			diags = append(diags, Diagnostic{Rule: "decision_has_outgoing", Severity: SeverityError,
				Message: "decision node has no outgoing edges to select between", NodeID: id})
		}
	}
	return diags
}

func lintParallelHasBranches(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, id := range nodesOfType(g, "parallel") {
		out := g.Outgoing(id)
		if len(out) == 0 {
			diags = append(diags, Diagnostic{Rule: "parallel_has_branches", Severity: SeverityError,
				Message: "parallel node has no outgoing branch edges", NodeID: id})
			continue
		}
		labels := map[string]bool{}
		for _, e := range out {
			label := e.Branch()
			if label == "" {
				diags = append(diags, Diagnostic{Rule: "parallel_branch_label_required", Severity: SeverityError,
					Message: "edge leaving a parallel node must carry a branch label", EdgeFrom: e.From, EdgeTo: e.To})
				continue
			}
			if labels[label] {
				diags = append(diags, Diagnostic{Rule: "parallel_branch_label_unique", Severity: SeverityError,
					Message: fmt.Sprintf("duplicate parallel branch label %q", label), NodeID: id})
			}
			labels[label] = true
		}
	}
	return diags
}

func lintOnErrorTargetsExist(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, id := range g.NodeIDsInOrder() {
		n := g.Nodes[id]
		target := strings.TrimSpace(n.Attr("on_error", ""))
		if target == "" {
			continue
		}
		if _, ok := g.Nodes[target]; !ok {
			diags = append(diags, Diagnostic{Rule: "on_error_target_exists", Severity: SeverityWarning,
				Message: fmt.Sprintf("on_error references missing node %q", target), NodeID: id})
		}
	}
	return diags
}

func lintMaxStepsPositive(g *model.Graph) []Diagnostic {
	raw := strings.TrimSpace(g.Attrs["max_steps"])
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return []Diagnostic{{Rule: "max_steps_positive", Severity: SeverityError,
			Message: fmt.Sprintf("graph attribute max_steps must be a positive integer, got %q", raw)}}
	}
	return nil
}

// lintGraphNodeRefsExist checks the graph-level node-id-valued attributes:
// final_output_node, implementation_patch_node, implementation_summary_node,
// reviewer_artifact_nodes.
func lintGraphNodeRefsExist(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	single := []string{"final_output_node", "implementation_patch_node", "implementation_summary_node"}
	for _, key := range single {
		ref := strings.TrimSpace(g.Attrs[key])
		if ref == "" {
			continue
		}
		if _, ok := g.Nodes[ref]; !ok {
			diags = append(diags, Diagnostic{Rule: "graph_node_ref_exists", Severity: SeverityError,
				Message: fmt.Sprintf("graph attribute %s references missing node %q", key, ref)})
		}
	}
	if raw := strings.TrimSpace(g.Attrs["reviewer_artifact_nodes"]); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, ok := g.Nodes[id]; !ok {
				diags = append(diags, Diagnostic{Rule: "graph_node_ref_exists", Severity: SeverityError,
					Message: fmt.Sprintf("reviewer_artifact_nodes references missing node %q", id)})
			}
		}
	}
	return diags
}

func lintHumanPromptRequired(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, id := range nodesOfType(g, "human") {
		if strings.TrimSpace(g.Nodes[id].Attr("prompt", "")) == "" {
			diags = append(diags, Diagnostic{Rule: "human_prompt_required", Severity: SeverityError,
				Message: "human node must set the prompt attribute", NodeID: id})
		}
	}
	return diags
}
