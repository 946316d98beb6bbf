package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/attractor-run/control-plane/internal/apierr"
)

type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCanceled  RunStatus = "CANCELED"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// allowedTransitions encodes the only legal status transitions:
// QUEUED->RUNNING, RUNNING->{SUCCEEDED,FAILED,CANCELED}, QUEUED->CANCELED.
var allowedTransitions = map[RunStatus]map[RunStatus]bool{
	RunStatusQueued: {
		RunStatusRunning:  true,
		RunStatusCanceled: true,
	},
	RunStatusRunning: {
		RunStatusSucceeded: true,
		RunStatusFailed:    true,
		RunStatusCanceled:  true,
	},
}

// CanTransition reports whether moving from to is a legal run status
// transition. Terminal states are absorbing — no outgoing transition is
// ever legal from one.
func CanTransition(from, to RunStatus) bool {
	return allowedTransitions[from][to]
}

// EnvironmentSnapshot is an opaque copy of the Environment row taken at
// dispatch time so later edits to the Environment don't affect in-flight
// runs.
type EnvironmentSnapshot struct {
	ID               string
	Name             string
	Kind             EnvironmentKind
	RunnerImageRef   string
	ServiceAccount   string
	ResourceRequests *ResourceSpec
	ResourceLimits   *ResourceSpec
}

func SnapshotEnvironment(e *Environment) EnvironmentSnapshot {
	return EnvironmentSnapshot{
		ID:               e.ID,
		Name:             e.Name,
		Kind:             e.Kind,
		RunnerImageRef:   e.RunnerImageRef,
		ServiceAccount:   e.ServiceAccount,
		ResourceRequests: e.ResourceRequests,
		ResourceLimits:   e.ResourceLimits,
	}
}

type Run struct {
	ID                      string
	ProjectID               string
	AttractorDefID          string
	AttractorContentPath    string
	AttractorContentVersion int
	AttractorContentSha256  string
	EnvironmentID           string
	EnvironmentSnapshot     EnvironmentSnapshot
	RunType                 RunType
	SourceBranch            string
	TargetBranch            string
	Status                  RunStatus
	SpecBundleID            string
	LinkedIssueRef          string
	LinkedPullRequestRef    string
	PrURL                   string
	StartedAt               *time.Time
	FinishedAt              *time.Time
	Error                   string
}

// CreateRunInput is the create-run contract's request shape.
type CreateRunInput struct {
	ProjectID      string
	AttractorDefID string
	RunType        RunType
	SourceBranch   string
	TargetBranch   string
	EnvironmentID  string
	SpecBundleID   string
	Force          bool

	// SourcePlanningRunID is set by the self-iterate convenience endpoint
	// when chaining an implementation run off a SUCCEEDED planning run's
	// spec bundle; it carries no validation weight of its own, it is only
	// mirrored onto the RunQueued event payload for traceability.
	SourcePlanningRunID string
}

func (in CreateRunInput) Validate() error {
	if strings.TrimSpace(in.ProjectID) == "" {
		return apierr.Validation("projectId is required")
	}
	if strings.TrimSpace(in.AttractorDefID) == "" {
		return apierr.Validation("attractorDefId is required")
	}
	if strings.TrimSpace(in.SourceBranch) == "" {
		return apierr.Validation("sourceBranch is required")
	}
	if strings.TrimSpace(in.TargetBranch) == "" {
		return apierr.Validation("targetBranch is required")
	}
	switch in.RunType {
	case RunTypePlanning, RunTypeImplementation, RunTypeTask:
	default:
		return apierr.Validation("runType %q is invalid", in.RunType)
	}
	if in.RunType != RunTypeImplementation && in.SpecBundleID != "" {
		return apierr.Validation("%s runs must not carry a specBundleId", in.RunType)
	}
	return nil
}

type RunQuestionStatus string

const (
	QuestionPending  RunQuestionStatus = "PENDING"
	QuestionAnswered RunQuestionStatus = "ANSWERED"
	QuestionTimedOut RunQuestionStatus = "TIMEOUT"
)

type RunQuestion struct {
	ID         string
	RunID      string
	NodeID     string
	Prompt     string
	Options    []string
	Status     RunQuestionStatus
	Answer     string
	CreatedAt  time.Time
	AnsweredAt *time.Time
}

// Key identifies the (runId, nodeId, prompt) tuple used for idempotent
// re-registration of the same question.
func (q RunQuestion) Key() (runID, nodeID, prompt string) {
	return q.RunID, q.NodeID, q.Prompt
}

type ReviewDecision string

const (
	ReviewApprove        ReviewDecision = "APPROVE"
	ReviewRequestChanges ReviewDecision = "REQUEST_CHANGES"
	ReviewReject         ReviewDecision = "REJECT"
	ReviewException      ReviewDecision = "EXCEPTION"
)

type RunReview struct {
	RunID             string
	Reviewer          string
	Decision          ReviewDecision
	Checklist         map[string]bool
	Summary           string
	CriticalFindings  []string
	ArtifactFindings  map[string]string
	Attestation       string
	ReviewedHeadSha   string
	WritebackStatus   string
}

type Artifact struct {
	ID          string
	RunID       string
	Key         string
	Path        string
	ContentType string
	SizeBytes   int64
}

// NormalizeArtifactKey rejects absolute paths and ".." segments.
func NormalizeArtifactKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", apierr.Validation("artifact key must not be empty")
	}
	if strings.HasPrefix(key, "/") {
		return "", apierr.Validation("artifact key %q must not be an absolute path", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", apierr.Validation("artifact key %q must not contain ..", key)
		}
	}
	return key, nil
}

// DedupeArtifactKey appends "-2", "-3", ... to key until it doesn't collide
// with an entry in existing. Used when multiple reviewers write to the same
// artifact key.
func DedupeArtifactKey(key string, existing map[string]bool) string {
	if !existing[key] {
		return key
	}
	for n := 2; ; n++ {
		candidate := key + "-" + strconv.Itoa(n)
		if !existing[candidate] {
			return candidate
		}
	}
}
