package httpapi

import "github.com/attractor-run/control-plane/internal/domain"

// CreateProjectRequest is the POST /projects request body.
type CreateProjectRequest struct {
	Name                 string `json:"name"`
	Namespace            string `json:"namespace,omitempty"`
	DefaultBranch        string `json:"defaultBranch"`
	RepoFullName         string `json:"repoFullName,omitempty"`
	DefaultEnvironmentID string `json:"defaultEnvironmentId,omitempty"`
}

// CreateEnvironmentRequest is the POST /environments request body.
type CreateEnvironmentRequest struct {
	Name           string                 `json:"name"`
	Kind           domain.EnvironmentKind `json:"kind"`
	RunnerImageRef string                 `json:"runnerImageRef"`
}

// CreateAttractorDefRequest is the POST /projects/{id}/attractors request
// body. Content is supplied separately via PUT, so a freshly created def
// has no storage-backed content until the first PUT.
type CreateAttractorDefRequest struct {
	Name           string             `json:"name"`
	DefaultRunType domain.RunType     `json:"defaultRunType"`
	ModelConfig    domain.ModelConfig `json:"modelConfig"`
	Description    string             `json:"description,omitempty"`
}

// CreateGlobalAttractorRequest is the POST /attractors/global request body.
type CreateGlobalAttractorRequest struct {
	Name string `json:"name"`
}

// PutAttractorContentRequest is the PUT .../content request body.
type PutAttractorContentRequest struct {
	Content                string `json:"content"`
	ExpectedContentVersion int    `json:"expectedContentVersion,omitempty"`
}

// PromoteAttractorRequest is the POST /attractors/global/{id}/promote
// request body.
type PromoteAttractorRequest struct {
	ProjectIDs     []string           `json:"projectIds"`
	DefaultRunType domain.RunType     `json:"defaultRunType"`
	ModelConfig    domain.ModelConfig `json:"modelConfig"`
	Description    string             `json:"description,omitempty"`
}

// CreateRunRequest is the POST /runs request body.
type CreateRunRequest struct {
	ProjectID      string         `json:"projectId"`
	AttractorDefID string         `json:"attractorDefId"`
	RunType        domain.RunType `json:"runType"`
	SourceBranch   string         `json:"sourceBranch"`
	TargetBranch   string         `json:"targetBranch"`
	EnvironmentID  string         `json:"environmentId,omitempty"`
	SpecBundleID   string         `json:"specBundleId,omitempty"`
	Force          bool           `json:"force,omitempty"`
}

// SelfIterateRequest is the POST /runs/{id}/self-iterate request body: it
// chains a new implementation run off a SUCCEEDED planning run, pinning
// the planning run's spec bundle automatically.
type SelfIterateRequest struct {
	SourceBranch  string `json:"sourceBranch"`
	TargetBranch  string `json:"targetBranch"`
	EnvironmentID string `json:"environmentId,omitempty"`
	Force         bool   `json:"force,omitempty"`
}

// AnswerQuestionRequest is the POST .../questions/{qid}/answer request body.
type AnswerQuestionRequest struct {
	Answer string `json:"answer"`
}

// RunView is the JSON shape returned for a Run.
type RunView struct {
	ID                   string         `json:"id"`
	ProjectID            string         `json:"projectId"`
	AttractorDefID       string         `json:"attractorDefId"`
	RunType              domain.RunType `json:"runType"`
	Status               domain.RunStatus `json:"status"`
	SourceBranch         string         `json:"sourceBranch"`
	TargetBranch         string         `json:"targetBranch"`
	SpecBundleID         string         `json:"specBundleId,omitempty"`
	LinkedIssueRef       string         `json:"linkedIssueRef,omitempty"`
	LinkedPullRequestRef string         `json:"linkedPullRequestRef,omitempty"`
	PrURL                string         `json:"prUrl,omitempty"`
	Error                string         `json:"error,omitempty"`
}

func newRunView(r *domain.Run) RunView {
	return RunView{
		ID:                   r.ID,
		ProjectID:            r.ProjectID,
		AttractorDefID:       r.AttractorDefID,
		RunType:              r.RunType,
		Status:               r.Status,
		SourceBranch:         r.SourceBranch,
		TargetBranch:         r.TargetBranch,
		SpecBundleID:         r.SpecBundleID,
		LinkedIssueRef:       r.LinkedIssueRef,
		LinkedPullRequestRef: r.LinkedPullRequestRef,
		PrURL:                r.PrURL,
		Error:                r.Error,
	}
}

// ErrorResponse is the envelope every error response uses.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
