package domain

import (
	"strings"
	"time"

	"github.com/attractor-run/control-plane/internal/apierr"
)

const SchemaVersionV1 = "v1"

type SpecBundle struct {
	ID            string
	RunID         string
	SchemaVersion string
	ManifestPath  string
}

// ManifestArtifact is one entry in a spec bundle manifest's artifacts list.
type ManifestArtifact struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Manifest is the spec-bundle manifest.json shape.
type Manifest struct {
	SchemaVersion string             `json:"schema_version"`
	ProjectID     string             `json:"project_id"`
	SourceRunID   string             `json:"source_run_id"`
	Repo          string             `json:"repo"`
	SourceBranch  string             `json:"source_branch"`
	CreatedAt     time.Time          `json:"created_at"`
	Artifacts     []ManifestArtifact `json:"artifacts"`
	Checksums     map[string]string  `json:"checksums"`
}

func (m Manifest) Validate() error {
	if m.SchemaVersion != SchemaVersionV1 {
		return apierr.Validation("manifest schema_version %q is not accepted; only %q", m.SchemaVersion, SchemaVersionV1)
	}
	if strings.TrimSpace(m.ProjectID) == "" {
		return apierr.Validation("manifest project_id is required")
	}
	if strings.TrimSpace(m.SourceRunID) == "" {
		return apierr.Validation("manifest source_run_id is required")
	}
	if len(m.Artifacts) == 0 {
		return apierr.Validation("manifest artifacts must be non-empty")
	}
	return nil
}

// RequiredSpecBundleArtifacts are the files a planning run deterministically
// produces.
var RequiredSpecBundleArtifacts = []string{
	"plan.md", "requirements.md", "tasks.json", "acceptance-tests.md",
}
