// Package store defines the relational persistence contracts for the
// control plane's entities. internal/store/postgres provides the
// database/sql-backed implementation; callers (run lifecycle controller,
// graph engine, attractor store) depend on these interfaces rather than on
// pgx directly, so unit tests can fake them.
package store

import (
	"context"
	"time"

	"github.com/attractor-run/control-plane/internal/domain"
)

// Projects persists Project rows.
type Projects interface {
	Create(ctx context.Context, p *domain.Project) error
	Get(ctx context.Context, id string) (*domain.Project, error)
	GetByNamespace(ctx context.Context, namespace string) (*domain.Project, error)
}

// Environments persists Environment rows.
type Environments interface {
	Create(ctx context.Context, e *domain.Environment) error
	Get(ctx context.Context, id string) (*domain.Environment, error)
	GetByName(ctx context.Context, name string) (*domain.Environment, error)
	ListActive(ctx context.Context) ([]*domain.Environment, error)
}

// AttractorDefs persists project- and global-scope AttractorDef rows.
type AttractorDefs interface {
	Create(ctx context.Context, d *domain.AttractorDef) error
	Get(ctx context.Context, id string) (*domain.AttractorDef, error)
	// GetByProjectNameScope looks up the unique (projectId, name, scope) key.
	GetByProjectNameScope(ctx context.Context, projectID, name string, scope domain.Scope) (*domain.AttractorDef, error)
	ListByProject(ctx context.Context, projectID string) ([]*domain.AttractorDef, error)
	// UpdateContentPointer advances the (contentPath, contentVersion) pointer
	// after a new version has been written. It never touches other fields.
	UpdateContentPointer(ctx context.Context, id, contentPath string, version int) error
	// UpsertGlobalMirror creates or refreshes the GLOBAL-scope mirror row that
	// promote() writes into a project; GLOBAL rows are otherwise read-only.
	UpsertGlobalMirror(ctx context.Context, d *domain.AttractorDef) error
}

// GlobalAttractors persists GlobalAttractor rows.
type GlobalAttractors interface {
	Create(ctx context.Context, g *domain.GlobalAttractor) error
	Get(ctx context.Context, id string) (*domain.GlobalAttractor, error)
	GetByName(ctx context.Context, name string) (*domain.GlobalAttractor, error)
	UpdateContentPointer(ctx context.Context, id, contentPath string, version int) error
}

// ContentVersions persists AttractorDefVersion and GlobalAttractorVersion
// rows. Both entities share the same shape and CAS/version rules (§4.2), so
// one interface serves both parent kinds; callers pass the owning table via
// the Kind field on domain.ContentVersionRow's parent id namespace.
type ContentVersions interface {
	// Latest returns the highest-version row for parentID, or nil if none
	// exists yet.
	Latest(ctx context.Context, parentID string) (*domain.ContentVersionRow, error)
	Insert(ctx context.Context, row domain.ContentVersionRow) error
	Get(ctx context.Context, parentID string, version int) (*domain.ContentVersionRow, error)
	List(ctx context.Context, parentID string) ([]domain.ContentVersionRow, error)
}

// Runs persists Run rows and enforces the status state machine and the
// branch-lock precondition at the storage layer as a second line of defense
// behind internal/lock's distributed lock.
type Runs interface {
	Create(ctx context.Context, r *domain.Run) error
	Get(ctx context.Context, id string) (*domain.Run, error)
	ListByProject(ctx context.Context, projectID string, limit int) ([]*domain.Run, error)
	// ActiveImplementationRunID returns the id of a QUEUED or RUNNING
	// implementation run for (projectID, targetBranch), or "" if none.
	ActiveImplementationRunID(ctx context.Context, projectID, targetBranch string) (string, error)
	// TransitionStatus moves a run from its current status to to, failing
	// with a ConflictError if the transition isn't legal for the row's
	// current status. startedAt/finishedAt/errMsg are applied when non-zero.
	TransitionStatus(ctx context.Context, id string, to domain.RunStatus, startedAt, finishedAt *time.Time, errMsg string) error
	SetSpecBundleID(ctx context.Context, id, specBundleID string) error
	SetPullRequestRef(ctx context.Context, id, linkedPullRequestRef, prURL string) error
	SetLinkedIssueRef(ctx context.Context, id, linkedIssueRef string) error
}

// RunEvents persists the append-only run_events log.
type RunEvents interface {
	Append(ctx context.Context, e *domain.RunEvent) error
	// ListSince returns events for runID with id greater than afterID (empty
	// afterID replays from the beginning), ordered by insertion.
	ListSince(ctx context.Context, runID, afterID string, limit int) ([]*domain.RunEvent, error)
}

// RunCheckpoints persists the single most-recent checkpoint row per run.
type RunCheckpoints interface {
	Upsert(ctx context.Context, c *domain.RunCheckpoint) error
	Get(ctx context.Context, runID string) (*domain.RunCheckpoint, error)
}

// RunNodeOutcomes persists one row per node attempt.
type RunNodeOutcomes interface {
	Insert(ctx context.Context, o *domain.RunNodeOutcome) error
	ListByRun(ctx context.Context, runID string) ([]*domain.RunNodeOutcome, error)
	// NextAttempt returns the next attempt number for (runID, nodeID),
	// i.e. the count of existing rows plus one.
	NextAttempt(ctx context.Context, runID, nodeID string) (int, error)
}

// RunQuestions persists human-in-the-loop questions with the idempotent
// re-registration rule from §4.6.
type RunQuestions interface {
	// GetOrCreatePending returns the existing PENDING row for
	// (runID, nodeID, prompt) if one exists, otherwise inserts q and returns
	// it unchanged.
	GetOrCreatePending(ctx context.Context, q *domain.RunQuestion) (*domain.RunQuestion, error)
	// GetAnswered returns an ANSWERED row for (runID, nodeID, prompt) with a
	// non-empty answer, or nil if none exists.
	GetAnswered(ctx context.Context, runID, nodeID, prompt string) (*domain.RunQuestion, error)
	Get(ctx context.Context, id string) (*domain.RunQuestion, error)
	// Answer transitions a PENDING question to ANSWERED. Re-answering an
	// already-ANSWERED row is a no-op and never errors.
	Answer(ctx context.Context, id, answer string, at time.Time) error
	Timeout(ctx context.Context, id string, at time.Time) error
}

// RunReviews persists the single review row per run.
type RunReviews interface {
	Upsert(ctx context.Context, r *domain.RunReview) error
	Get(ctx context.Context, runID string) (*domain.RunReview, error)
	SetWritebackStatus(ctx context.Context, runID, status string) error
}

// Artifacts persists Artifact rows, unique on (runID, key).
type Artifacts interface {
	Insert(ctx context.Context, a *domain.Artifact) error
	ListByRun(ctx context.Context, runID string) ([]*domain.Artifact, error)
	// ExistingKeys returns the set of artifact keys already registered for
	// runID, for use with domain.DedupeArtifactKey.
	ExistingKeys(ctx context.Context, runID string) (map[string]bool, error)
}

// SpecBundles persists SpecBundle rows.
type SpecBundles interface {
	Create(ctx context.Context, b *domain.SpecBundle) error
	Get(ctx context.Context, id string) (*domain.SpecBundle, error)
	GetByRun(ctx context.Context, runID string) (*domain.SpecBundle, error)
}

// ProviderSecrets persists provider credential references at project or
// global scope.
type ProviderSecrets interface {
	Upsert(ctx context.Context, s *domain.ProviderSecret) error
	// EffectiveSecret implements create-run precondition 3's lookup order:
	// a PROJECT-scope row for (projectID, provider) if one exists, otherwise
	// the GLOBAL-scope row for provider, otherwise nil.
	EffectiveSecret(ctx context.Context, projectID, provider string) (*domain.ProviderSecret, error)
}

// Store aggregates every persistence contract the control plane depends on.
// Handlers and workers take a *Store (or the narrower interfaces above)
// rather than reaching for a concrete driver.
type Store struct {
	Projects             Projects
	Environments         Environments
	AttractorDefs        AttractorDefs
	GlobalAttractors     GlobalAttractors
	AttractorDefVersions ContentVersions
	GlobalAttractorVersions ContentVersions
	Runs                 Runs
	RunEvents            RunEvents
	RunCheckpoints       RunCheckpoints
	RunNodeOutcomes      RunNodeOutcomes
	RunQuestions         RunQuestions
	RunReviews           RunReviews
	Artifacts            Artifacts
	SpecBundles          SpecBundles
	ProviderSecrets      ProviderSecrets
}
