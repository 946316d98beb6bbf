package graphengine

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/attractor-run/control-plane/internal/attractor/model"
	"github.com/attractor-run/control-plane/internal/domain"
)

// collectArtifacts implements spec §4.3's artifact-selection rules for the
// run's declared type once the graph reaches its final node, writing each
// selected artifact's body to the object store and registering a matching
// Artifact row. It returns the key chosen as the run's final artifact
// (empty if the run type doesn't name one, as with implementation runs
// that finish through the patch/PR pipeline instead).
func (e *Engine) collectArtifacts(ctx context.Context, lastNodeID string) (string, error) {
	switch e.RunType {
	case domain.RunTypeTask:
		return e.collectTaskArtifacts(ctx, lastNodeID)
	case domain.RunTypePlanning:
		// Planning runs write their deterministic artifact set themselves,
		// then hand the registered keys to the spec bundle generator
		// (internal/specbundle), which copies them into the bundle's own
		// path and registers the SpecBundle row.
		return "", e.collectPlanningArtifacts(ctx)
	case domain.RunTypeImplementation:
		// Implementation runs never get a FinalArtifactKey from here: the
		// patch/PR pipeline (internal/patchpr), driven by
		// collectImplementationText below, registers implementation.patch
		// and implementation-note.md itself once the diff has actually
		// applied to a working tree.
		return "", nil
	default:
		return "", nil
	}
}

// collectImplementationText implements spec §4.3's implementation-run
// artifact selection for the text the patch/PR pipeline consumes: the
// in-graph path's patch-plus-summary concatenation when the graph opts
// into implementation_mode=dot, otherwise the same final-output-node
// selection rule as a task run's final report.
func (e *Engine) collectImplementationText() (text string, supplemental map[string]string, err error) {
	if strings.EqualFold(e.Graph.Attrs["implementation_mode"], "dot") {
		text, err = e.inGraphImplementationText()
	} else {
		finalNode := strings.TrimSpace(e.Graph.Attrs["final_output_node"])
		if finalNode == "" {
			finalNode = e.lastNonEmptyOutputNode()
		}
		if finalNode != "" {
			if _, ok := e.state.NodeOutputs[finalNode]; ok {
				text = e.nodeOutputText(finalNode)
			}
		}
	}
	if err != nil {
		return "", nil, err
	}

	supplemental = map[string]string{}
	for _, nodeID := range reviewerArtifactNodes(e.Graph) {
		if _, ok := e.state.NodeOutputs[nodeID]; ok {
			supplemental[nodeID] = e.nodeOutputText(nodeID)
		}
	}
	return text, supplemental, nil
}

func (e *Engine) nodeOutputText(nodeID string) string {
	if v, ok := e.state.Context.Get("node_outputs." + nodeID); ok {
		return fmt.Sprint(v)
	}
	if out, ok := e.state.NodeOutputs[nodeID]; ok {
		return out.Notes
	}
	return ""
}

func (e *Engine) collectTaskArtifacts(ctx context.Context, lastNodeID string) (string, error) {
	existing, err := e.deps.Artifacts.ExistingKeys(ctx, e.RunID)
	if err != nil {
		return "", fmt.Errorf("graphengine: existing artifact keys: %w", err)
	}
	if existing == nil {
		existing = map[string]bool{}
	}

	for _, nodeID := range reviewerArtifactNodes(e.Graph) {
		if _, ok := e.state.NodeOutputs[nodeID]; !ok {
			continue
		}
		body := e.nodeOutputText(nodeID)
		key, err := domain.NormalizeArtifactKey(fmt.Sprintf("reviewers/%s.md", safeArtifactSegment(nodeID)))
		if err != nil {
			return "", err
		}
		key = domain.DedupeArtifactKey(key, existing)
		existing[key] = true
		if err := e.writeArtifact(ctx, key, "text/markdown", []byte(body)); err != nil {
			return "", err
		}
	}

	finalNode := strings.TrimSpace(e.Graph.Attrs["final_output_node"])
	if finalNode == "" {
		finalNode = e.lastNonEmptyOutputNode()
	}
	if finalNode == "" {
		return "", nil
	}
	if _, ok := e.state.NodeOutputs[finalNode]; !ok {
		return "", nil
	}
	body := e.nodeOutputText(finalNode)
	key := strings.TrimSpace(e.Graph.Attrs["final_artifact_key"])
	if key == "" {
		key = "final-report.md"
	}
	key, err = domain.NormalizeArtifactKey(key)
	if err != nil {
		return "", err
	}
	key = domain.DedupeArtifactKey(key, existing)
	if err := e.writeArtifact(ctx, key, "text/markdown", []byte(body)); err != nil {
		return "", err
	}
	return key, nil
}

// collectPlanningArtifacts writes the deterministic spec-bundle source
// files a planning run is expected to produce, from the spec_bundle_nodes
// graph attribute: a comma-separated "name=nodeId" list, e.g.
// "plan.md=write_plan,requirements.md=write_requirements". A required name
// with no mapped node, or a mapped node that produced no output, is simply
// skipped here; the spec bundle generator rejects the run for it with a
// precondition error rather than this step failing silently.
func (e *Engine) collectPlanningArtifacts(ctx context.Context) error {
	mapping := parseSpecBundleNodes(e.Graph.Attrs["spec_bundle_nodes"])
	if len(mapping) == 0 {
		return nil
	}
	existing, err := e.deps.Artifacts.ExistingKeys(ctx, e.RunID)
	if err != nil {
		return fmt.Errorf("graphengine: existing artifact keys: %w", err)
	}
	if existing == nil {
		existing = map[string]bool{}
	}
	for _, name := range domain.RequiredSpecBundleArtifacts {
		nodeID, ok := mapping[name]
		if !ok {
			continue
		}
		if _, ok := e.state.NodeOutputs[nodeID]; !ok {
			continue
		}
		key, err := domain.NormalizeArtifactKey(name)
		if err != nil {
			return err
		}
		if existing[key] {
			continue
		}
		existing[key] = true
		if err := e.writeArtifact(ctx, key, contentTypeForArtifact(name), []byte(e.nodeOutputText(nodeID))); err != nil {
			return err
		}
	}
	return nil
}

func parseSpecBundleNodes(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		nodeID := strings.TrimSpace(parts[1])
		if name == "" || nodeID == "" {
			continue
		}
		out[name] = nodeID
	}
	return out
}

func contentTypeForArtifact(name string) string {
	if strings.HasSuffix(name, ".json") {
		return "application/json"
	}
	return "text/markdown"
}

// inGraphImplementationText handles the in-graph implementation path of
// spec §4.3: pick a patch node (falling back to the last node whose
// output looks like a unified diff) and a summary node, and concatenate
// them into the commit note the patch/PR pipeline extracts a diff from.
func (e *Engine) inGraphImplementationText() (string, error) {
	patchNode := strings.TrimSpace(e.Graph.Attrs["implementation_patch_node"])
	if patchNode == "" {
		patchNode = e.lastNodeWithUnifiedDiff()
	}
	if patchNode == "" {
		return "", fmt.Errorf("graphengine: implementation_mode=dot but no patch node found")
	}
	if _, ok := e.state.NodeOutputs[patchNode]; !ok {
		return "", fmt.Errorf("graphengine: patch node %s produced no output", patchNode)
	}
	patchBody := e.nodeOutputText(patchNode)

	summaryNode := strings.TrimSpace(e.Graph.Attrs["implementation_summary_node"])
	if summaryNode != "" {
		if _, ok := e.state.NodeOutputs[summaryNode]; ok {
			return e.nodeOutputText(summaryNode) + "\n\n" + patchBody, nil
		}
	}
	return patchBody, nil
}

func (e *Engine) writeArtifact(ctx context.Context, key, contentType string, body []byte) error {
	objectKey := fmt.Sprintf("runs/%s/%s/%s", e.ProjectID, e.RunID, key)
	if e.deps.Objects != nil {
		if err := e.deps.Objects.Put(ctx, objectKey, bytes.NewReader(body), int64(len(body)), contentType); err != nil {
			return fmt.Errorf("graphengine: write artifact %s: %w", key, err)
		}
	}
	if e.deps.Artifacts != nil {
		row := &domain.Artifact{
			ID:          newCallID(),
			RunID:       e.RunID,
			Key:         key,
			Path:        objectKey,
			ContentType: contentType,
			SizeBytes:   int64(len(body)),
		}
		if err := e.deps.Artifacts.Insert(ctx, row); err != nil {
			return fmt.Errorf("graphengine: register artifact %s: %w", key, err)
		}
	}
	return nil
}

// reviewerArtifactNodes expands the comma-separated
// reviewer_artifact_nodes graph attribute into concrete node ids. An entry
// containing a glob metacharacter (e.g. "review-*", "reviewers/**") is
// matched via doublestar against every declared node id rather than taken
// literally, so a graph can name a whole family of reviewer nodes without
// enumerating each one.
func reviewerArtifactNodes(g *model.Graph) []string {
	raw := strings.TrimSpace(g.Attrs["reviewer_artifact_nodes"])
	if raw == "" {
		return nil
	}
	allIDs := g.NodeIDsInOrder()
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !doublestar.ValidatePattern(entry) || !isGlobPattern(entry) {
			add(entry)
			continue
		}
		for _, id := range allIDs {
			if ok, err := doublestar.Match(entry, id); err == nil && ok {
				add(id)
			}
		}
	}
	return out
}

func isGlobPattern(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

func safeArtifactSegment(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// lastNonEmptyOutputNode returns the last completed node (in scheduler
// order) that produced non-empty output, the fallback for an unset
// final_output_node.
func (e *Engine) lastNonEmptyOutputNode() string {
	for i := len(e.state.CompletedNodes) - 1; i >= 0; i-- {
		id := e.state.CompletedNodes[i]
		if strings.TrimSpace(e.nodeOutputText(id)) != "" {
			return id
		}
	}
	return ""
}

// lastNodeWithUnifiedDiff scans completed nodes (most recent first) for
// output containing a unified diff, per spec §4.4 step 2's acceptable
// forms.
func (e *Engine) lastNodeWithUnifiedDiff() string {
	for i := len(e.state.CompletedNodes) - 1; i >= 0; i-- {
		id := e.state.CompletedNodes[i]
		if strings.Contains(e.nodeOutputText(id), "diff --git ") {
			return id
		}
	}
	return ""
}
