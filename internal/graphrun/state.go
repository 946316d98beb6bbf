package graphrun

import "time"

// EngineState is the engine's working memory for one run, the unit that
// gets written to a RunCheckpoint after every node: the shared context,
// node outputs, parallel-branch outputs, node outcomes, retry counts, and
// the set of completed nodes.
type EngineState struct {
	RunID   string
	Context *Context

	// NodeOutputs holds the last Outcome recorded for each node, keyed by
	// node id. Re-visiting a node (via a cycle) overwrites the prior entry.
	NodeOutputs map[string]Outcome

	// ParallelOutputs holds per-branch outcomes for in-flight or completed
	// "parallel" nodes, keyed by the parallel node id then branch label.
	ParallelOutputs map[string]map[string]Outcome

	NodeOutcomes map[string]StageStatus

	// NodeRetryCounts tracks how many retry attempts a node has consumed,
	// checked against the node's "retries" attribute.
	NodeRetryCounts map[string]int

	CompletedNodes []string

	CurrentNodeID string
	StepCount     int
}

func NewEngineState(runID string) *EngineState {
	return &EngineState{
		RunID:           runID,
		Context:         NewContext(),
		NodeOutputs:     map[string]Outcome{},
		ParallelOutputs: map[string]map[string]Outcome{},
		NodeOutcomes:    map[string]StageStatus{},
		NodeRetryCounts: map[string]int{},
	}
}

func (s *EngineState) MarkCompleted(nodeID string, outcome Outcome) {
	s.NodeOutputs[nodeID] = outcome
	s.NodeOutcomes[nodeID] = outcome.Status
	s.CompletedNodes = append(s.CompletedNodes, nodeID)
}

func (s *EngineState) RecordParallelBranch(parallelNodeID, branch string, outcome Outcome) {
	if s.ParallelOutputs[parallelNodeID] == nil {
		s.ParallelOutputs[parallelNodeID] = map[string]Outcome{}
	}
	s.ParallelOutputs[parallelNodeID][branch] = outcome
}

// Snapshot is the JSON-serializable form of EngineState stored in a
// RunCheckpoint row's state_json column.
type Snapshot struct {
	CurrentNodeID   string                    `json:"current_node_id"`
	StepCount       int                       `json:"step_count"`
	Context         map[string]any            `json:"context"`
	NodeOutputs     map[string]Outcome        `json:"node_outputs"`
	ParallelOutputs map[string]map[string]Outcome `json:"parallel_outputs,omitempty"`
	NodeOutcomes    map[string]StageStatus    `json:"node_outcomes"`
	NodeRetryCounts map[string]int            `json:"node_retry_counts,omitempty"`
	CompletedNodes  []string                  `json:"completed_nodes"`
}

func (s *EngineState) ToSnapshot() Snapshot {
	return Snapshot{
		CurrentNodeID:   s.CurrentNodeID,
		StepCount:       s.StepCount,
		Context:         s.Context.Snapshot(),
		NodeOutputs:     s.NodeOutputs,
		ParallelOutputs: s.ParallelOutputs,
		NodeOutcomes:    s.NodeOutcomes,
		NodeRetryCounts: s.NodeRetryCounts,
		CompletedNodes:  s.CompletedNodes,
	}
}

// FromSnapshot rebuilds engine state from a checkpoint row, used when a
// run is resumed after a process restart.
func FromSnapshot(runID string, snap Snapshot) *EngineState {
	s := &EngineState{
		RunID:           runID,
		Context:         RestoreContext(snap.Context),
		NodeOutputs:     snap.NodeOutputs,
		ParallelOutputs: snap.ParallelOutputs,
		NodeOutcomes:    snap.NodeOutcomes,
		NodeRetryCounts: snap.NodeRetryCounts,
		CompletedNodes:  snap.CompletedNodes,
		CurrentNodeID:   snap.CurrentNodeID,
		StepCount:       snap.StepCount,
	}
	if s.NodeOutputs == nil {
		s.NodeOutputs = map[string]Outcome{}
	}
	if s.ParallelOutputs == nil {
		s.ParallelOutputs = map[string]map[string]Outcome{}
	}
	if s.NodeOutcomes == nil {
		s.NodeOutcomes = map[string]StageStatus{}
	}
	if s.NodeRetryCounts == nil {
		s.NodeRetryCounts = map[string]int{}
	}
	return s
}

// FinalStatus is the terminal result of a run, recorded on the Run row.
type FinalStatus string

const (
	FinalSucceeded FinalStatus = "succeeded"
	FinalFailed    FinalStatus = "failed"
	FinalCanceled  FinalStatus = "canceled"
)

// Result is the run-level outcome produced when the engine reaches a
// terminal node, exhausts max_steps, is canceled, or panics. A panic
// during node execution is recovered and mapped to a FAILED outcome.
type Result struct {
	RunID       string      `json:"run_id"`
	Status      FinalStatus `json:"status"`
	FinishedAt  time.Time   `json:"finished_at"`
	FailureKind string      `json:"failure_kind,omitempty"`
	FailureMsg  string      `json:"failure_message,omitempty"`

	FinalArtifactKey string `json:"final_artifact_key,omitempty"`
	FinalNodeID      string `json:"final_node_id,omitempty"`

	// ImplementationText and SupplementalNotes are populated for
	// implementation runs only: the text the patch/PR pipeline extracts a
	// diff from, and any reviewer-node commentary to carry alongside it.
	// Neither is written to an artifact by the engine itself; the patch/PR
	// pipeline owns registering implementation.patch/-note.md and the
	// supplemental reviewer files once it has applied the diff.
	ImplementationText string            `json:"-"`
	SupplementalNotes  map[string]string `json:"-"`
}
