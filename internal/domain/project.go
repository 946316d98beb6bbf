// Package domain defines the control plane's entities and their
// invariants: Project, Environment, AttractorDef/GlobalAttractor and their
// version rows, SpecBundle, Run and its owned rows, and Artifact. These are
// plain data types; persistence lives in internal/store.
package domain

import (
	"regexp"
	"strings"
	"time"

	"github.com/attractor-run/control-plane/internal/apierr"
)

type Project struct {
	ID                   string
	Name                 string
	Namespace            string
	DefaultBranch        string
	RepoFullName         string
	DefaultEnvironmentID string
	InstallationRef      string
	CreatedAt            time.Time
}

var namespaceFoldPattern = regexp.MustCompile(`[^a-z0-9]+`)

// DeriveNamespace lowercases name, folds non-alphanumeric runs to a single
// "-", and trims leading/trailing "-". Used to derive a project's namespace
// from its name when one isn't supplied explicitly.
func DeriveNamespace(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	folded := namespaceFoldPattern.ReplaceAllString(lower, "-")
	return strings.Trim(folded, "-")
}

// NewProject constructs a Project, deriving Namespace from Name when it is
// blank. Namespace is immutable once set; callers must not recompute it on
// update.
func NewProject(id, name, namespace, defaultBranch string) (*Project, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apierr.Validation("project name is required")
	}
	if strings.TrimSpace(defaultBranch) == "" {
		return nil, apierr.Validation("project defaultBranch is required")
	}
	ns := strings.TrimSpace(namespace)
	if ns == "" {
		ns = DeriveNamespace(name)
	}
	if ns == "" {
		return nil, apierr.Validation("project namespace could not be derived from name %q", name)
	}
	return &Project{
		ID:            id,
		Name:          name,
		Namespace:     ns,
		DefaultBranch: defaultBranch,
	}, nil
}

type EnvironmentKind string

const EnvironmentKindContainerJob EnvironmentKind = "container-job"

var runnerImageDigestPattern = regexp.MustCompile(`@sha256:[0-9a-f]{64}$`)

type ResourceSpec struct {
	CPU    string
	Memory string
}

type Environment struct {
	ID                 string
	Name               string
	Kind               EnvironmentKind
	RunnerImageRef     string
	ServiceAccount     string
	ResourceRequests   *ResourceSpec
	ResourceLimits     *ResourceSpec
	Active             bool
}

// NewEnvironment validates the digest-pinned runnerImageRef invariant:
// runnerImageRef must be pinned by content digest (@sha256:<64 hex>);
// tag-only or untagged references are rejected.
func NewEnvironment(id, name string, kind EnvironmentKind, runnerImageRef string) (*Environment, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apierr.Validation("environment name is required")
	}
	if kind != EnvironmentKindContainerJob {
		return nil, apierr.Validation("environment kind %q is not supported", kind)
	}
	if !runnerImageDigestPattern.MatchString(runnerImageRef) {
		return nil, apierr.Validation("environment runnerImageRef %q must be pinned by content digest (@sha256:<64 hex>)", runnerImageRef)
	}
	return &Environment{
		ID:             id,
		Name:           name,
		Kind:           kind,
		RunnerImageRef: runnerImageRef,
		Active:         true,
	}, nil
}
