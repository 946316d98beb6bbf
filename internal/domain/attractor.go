package domain

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/attractor-run/control-plane/internal/apierr"
)

type Scope string

const (
	ScopeGlobal  Scope = "GLOBAL"
	ScopeProject Scope = "PROJECT"
)

// ModelConfig is the attractor def's default model configuration, checked
// against the provider catalog at create-run time.
type ModelConfig struct {
	Provider       string
	Model          string
	Reasoning      string
	Temperature    float64
	MaxTokens      int
}

func (c ModelConfig) Validate() error {
	if strings.TrimSpace(c.Provider) == "" {
		return apierr.Validation("modelConfig.provider is required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return apierr.Validation("modelConfig.model is required")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return apierr.Validation("modelConfig.temperature %v out of range [0,2]", c.Temperature)
	}
	if c.MaxTokens < 0 {
		return apierr.Validation("modelConfig.maxTokens must be >= 0")
	}
	return nil
}

type RunType string

const (
	RunTypePlanning       RunType = "planning"
	RunTypeImplementation RunType = "implementation"
	RunTypeTask           RunType = "task"
)

type AttractorDef struct {
	ID              string
	ProjectID       string
	Scope           Scope
	Name            string
	ContentPath     string
	ContentVersion  int
	DefaultRunType  RunType
	ModelConfig     ModelConfig
	Active          bool
	Description     string
}

// NewAttractorDef builds a project- or global-scope attractor definition.
// GLOBAL rows are immutable mirrors of GlobalAttractor; rejecting a direct
// content update against one is enforced in the HTTP handler where the
// request path is known, so this constructor only checks the shape
// invariants common to both scopes.
func NewAttractorDef(id, projectID string, scope Scope, name string, defaultRunType RunType, cfg ModelConfig) (*AttractorDef, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apierr.Validation("attractor name is required")
	}
	if scope != ScopeGlobal && scope != ScopeProject {
		return nil, apierr.Validation("attractor scope %q is invalid", scope)
	}
	if scope == ScopeProject && strings.TrimSpace(projectID) == "" {
		return nil, apierr.Validation("PROJECT-scope attractor requires a projectId")
	}
	switch defaultRunType {
	case RunTypePlanning, RunTypeImplementation, RunTypeTask:
	default:
		return nil, apierr.Validation("attractor defaultRunType %q is invalid", defaultRunType)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &AttractorDef{
		ID:             id,
		ProjectID:      projectID,
		Scope:          scope,
		Name:           name,
		DefaultRunType: defaultRunType,
		ModelConfig:    cfg,
		Active:         true,
	}, nil
}

type GlobalAttractor struct {
	ID             string
	Name           string
	ContentPath    string
	ContentVersion int
}

// ContentVersionRow is the shared shape of AttractorDefVersion and
// GlobalAttractorVersion: both carry identical content-addressed-storage
// and version fields and the same append-only rules.
type ContentVersionRow struct {
	ParentID      string
	Version       int
	ContentPath   string
	ContentSha256 string
	SizeBytes     int64
}

var safeNameFoldPattern = regexp.MustCompile(`[^a-z0-9]+`)

// SafeName lowercases name, folds runs of non-alphanumeric characters to a
// single "-", and trims the result.
func SafeName(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	folded := safeNameFoldPattern.ReplaceAllString(lower, "-")
	return strings.Trim(folded, "-")
}

// GlobalContentPath returns the versioned object path for a global
// attractor: attractors/global/<safe-name>/v<version>.dot
func GlobalContentPath(name string, version int) string {
	return contentPath("attractors/global", SafeName(name), version)
}

// ProjectContentPath returns the versioned object path for a project-scope
// attractor: attractors/projects/<projectId>/<safe-name>/v<version>.dot
func ProjectContentPath(projectID, name string, version int) string {
	return contentPath("attractors/projects/"+projectID, SafeName(name), version)
}

func contentPath(root, safeName string, version int) string {
	return root + "/" + safeName + "/v" + strconv.Itoa(version) + ".dot"
}
