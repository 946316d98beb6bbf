// Package runlifecycle implements the run lifecycle controller: the
// create-run contract's six preconditions and ordered side effects, the
// cancel contract, and the dispatch loop that hands queued runs to the
// graph engine. internal/graphengine drives one run once it's dispatched;
// this package owns everything before and around that.
package runlifecycle

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/attractor-run/control-plane/internal/apierr"
	"github.com/attractor-run/control-plane/internal/attractor/dot"
	"github.com/attractor-run/control-plane/internal/attractorstore"
	"github.com/attractor-run/control-plane/internal/domain"
	"github.com/attractor-run/control-plane/internal/eventlog"
	"github.com/attractor-run/control-plane/internal/idgen"
	"github.com/attractor-run/control-plane/internal/objectstore"
	"github.com/attractor-run/control-plane/internal/store"
)

// QueueWriter is the slice of *redisqueue.Queue the controller depends on
// to enqueue a run and to signal/clear its cancel marker. The worker side
// of the same queue is consumed through the narrower Queue interface in
// dispatcher.go.
type QueueWriter interface {
	Enqueue(ctx context.Context, runID string) error
	PublishCancel(ctx context.Context, runID string) error
	ClearCancel(ctx context.Context, runID string) error
}

// BranchLocker is the slice of *lock.BranchLock the controller depends on.
type BranchLocker interface {
	Acquire(ctx context.Context, projectID, targetBranch, runID string) (bool, error)
	Release(ctx context.Context, projectID, targetBranch, runID string) error
	HolderRunID(ctx context.Context, projectID, targetBranch string) (string, error)
}

// GraphFetcher reads a pinned attractor's raw .dot bytes so the controller
// can inspect the graph's implementation_mode attribute for precondition 4.
type GraphFetcher interface {
	Get(ctx context.Context, key string) (io.ReadCloser, objectstore.ObjectInfo, error)
}

// Controller owns the create-run and cancel contracts (spec.md §4.1).
type Controller struct {
	store      *store.Store
	attractors *attractorstore.Store
	objects    GraphFetcher
	dispatch   QueueWriter
	branchLock BranchLocker
	events     *eventlog.Log
	catalog    ModelCatalog
	clock      func() time.Time

	log *logrus.Entry
}

func New(
	st *store.Store,
	attractors *attractorstore.Store,
	objects GraphFetcher,
	dispatch QueueWriter,
	branchLock BranchLocker,
	events *eventlog.Log,
	catalog ModelCatalog,
	log *logrus.Entry,
) *Controller {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Controller{
		store:      st,
		attractors: attractors,
		objects:    objects,
		dispatch:   dispatch,
		branchLock: branchLock,
		events:     events,
		catalog:    catalog,
		clock:      time.Now,
		log:        log,
	}
}

// CreateRun validates every create-run precondition in order, pins the
// attractor content and environment, inserts the Run row in QUEUED, and
// enqueues it for dispatch. Any precondition failure leaves no trace: the
// first write (the branch lock, for implementation runs) comes after every
// check has passed, and it is released if inserting the Run row fails.
func (c *Controller) CreateRun(ctx context.Context, in domain.CreateRunInput) (*domain.Run, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	project, err := c.store.Projects.Get(ctx, in.ProjectID)
	if err != nil {
		return nil, err
	}

	def, err := c.store.AttractorDefs.Get(ctx, in.AttractorDefID)
	if err != nil {
		return nil, err
	}
	if !def.Active {
		return nil, apierr.Precondition("attractor %q is not active", def.Name)
	}
	if def.Scope == domain.ScopeProject && def.ProjectID != project.ID {
		return nil, apierr.Precondition("attractor %q does not belong to project %q", def.Name, project.ID)
	}

	if err := def.ModelConfig.Validate(); err != nil {
		return nil, err
	}
	if c.catalog != nil && !c.catalog.HasModel(def.ModelConfig.Provider, def.ModelConfig.Model) {
		return nil, apierr.Precondition("model %s/%s is not present in the provider catalog", def.ModelConfig.Provider, def.ModelConfig.Model)
	}

	secret, err := c.store.ProviderSecrets.EffectiveSecret(ctx, project.ID, def.ModelConfig.Provider)
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, apierr.Precondition("no provider secret configured for %s at project or global scope", def.ModelConfig.Provider)
	}

	pinned, err := c.attractors.PinForRun(ctx, def)
	if err != nil {
		return nil, err
	}

	inGraph, err := c.implementationModeInGraph(ctx, pinned)
	if err != nil {
		return nil, err
	}
	if in.RunType == domain.RunTypeImplementation && in.SpecBundleID == "" && !inGraph {
		return nil, apierr.Precondition("implementation runs must carry a specBundleId unless the pinned attractor opts into in-graph implementation")
	}

	var bundle *domain.SpecBundle
	if in.SpecBundleID != "" {
		bundle, err = c.store.SpecBundles.Get(ctx, in.SpecBundleID)
		if err != nil {
			return nil, err
		}
		if bundle.SchemaVersion != domain.SchemaVersionV1 {
			return nil, apierr.Precondition("specBundle %s has unsupported schemaVersion %q", bundle.ID, bundle.SchemaVersion)
		}
	}

	env, err := c.resolveEnvironment(ctx, in.EnvironmentID, project)
	if err != nil {
		return nil, err
	}

	runID := idgen.NewULID()

	if in.RunType == domain.RunTypeImplementation && !in.Force {
		activeID, err := c.store.Runs.ActiveImplementationRunID(ctx, project.ID, in.TargetBranch)
		if err != nil {
			return nil, err
		}
		if activeID != "" {
			return nil, apierr.Precondition("an implementation run (%s) is already active on %s/%s", activeID, project.ID, in.TargetBranch)
		}
		acquired, err := c.branchLock.Acquire(ctx, project.ID, in.TargetBranch, runID)
		if err != nil {
			return nil, err
		}
		if !acquired {
			holder, _ := c.branchLock.HolderRunID(ctx, project.ID, in.TargetBranch)
			return nil, apierr.Precondition("branch %s/%s is locked by run %s", project.ID, in.TargetBranch, holder)
		}
	}

	run := &domain.Run{
		ID:                      runID,
		ProjectID:               project.ID,
		AttractorDefID:          def.ID,
		AttractorContentPath:    pinned.ContentPath,
		AttractorContentVersion: pinned.ContentVersion,
		AttractorContentSha256:  pinned.ContentSha256,
		EnvironmentID:           env.ID,
		EnvironmentSnapshot:     domain.SnapshotEnvironment(env),
		RunType:                 in.RunType,
		SourceBranch:            in.SourceBranch,
		TargetBranch:            in.TargetBranch,
		Status:                  domain.RunStatusQueued,
	}
	if bundle != nil {
		run.SpecBundleID = bundle.ID
	}

	if err := c.store.Runs.Create(ctx, run); err != nil {
		if in.RunType == domain.RunTypeImplementation && !in.Force {
			_ = c.branchLock.Release(ctx, project.ID, in.TargetBranch, runID)
		}
		return nil, err
	}

	queuedPayload := map[string]any{
		"environment_snapshot": run.EnvironmentSnapshot,
		"model_config":         def.ModelConfig,
		"run_type":             run.RunType,
		"source_branch":        run.SourceBranch,
		"target_branch":        run.TargetBranch,
	}
	if in.SourcePlanningRunID != "" {
		queuedPayload["source_planning_run_id"] = in.SourcePlanningRunID
	}
	if _, err := c.events.Append(ctx, run.ID, domain.EventRunQueued, queuedPayload); err != nil {
		return nil, err
	}

	if err := c.dispatch.Enqueue(ctx, run.ID); err != nil {
		return nil, fmt.Errorf("runlifecycle: enqueue %s: %w", run.ID, err)
	}

	return run, nil
}

// Cancel moves an active run to CANCELED, publishes the cancel marker
// workers poll cooperatively, records the event, and releases the branch
// lock for implementation runs.
func (c *Controller) Cancel(ctx context.Context, runID string) error {
	run, err := c.store.Runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return apierr.Precondition("run %s is already terminal (%s)", run.ID, run.Status)
	}

	now := c.clock()
	if err := c.store.Runs.TransitionStatus(ctx, run.ID, domain.RunStatusCanceled, nil, &now, ""); err != nil {
		return err
	}
	if err := c.dispatch.PublishCancel(ctx, run.ID); err != nil {
		return fmt.Errorf("runlifecycle: publish cancel %s: %w", run.ID, err)
	}
	if _, err := c.events.Append(ctx, run.ID, domain.EventRunCanceled, nil); err != nil {
		return err
	}
	if run.RunType == domain.RunTypeImplementation {
		if err := c.branchLock.Release(ctx, run.ProjectID, run.TargetBranch, run.ID); err != nil {
			return fmt.Errorf("runlifecycle: release branch lock for %s: %w", run.ID, err)
		}
	}
	return nil
}

// resolveEnvironment implements the explicit > project-default >
// auto-provisioned-default resolution order from the create-run side
// effects.
func (c *Controller) resolveEnvironment(ctx context.Context, explicitID string, project *domain.Project) (*domain.Environment, error) {
	if explicitID != "" {
		return c.store.Environments.Get(ctx, explicitID)
	}
	if project.DefaultEnvironmentID != "" {
		return c.store.Environments.Get(ctx, project.DefaultEnvironmentID)
	}
	active, err := c.store.Environments.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, apierr.Precondition("project %s has no default environment and no active environment exists to auto-provision", project.ID)
	}
	return active[0], nil
}

// implementationModeInGraph fetches the pinned graph's raw bytes and
// checks its implementation_mode attribute, the escape hatch precondition
// 4 grants runs whose graph does its own patch application rather than
// relying on a spec bundle.
func (c *Controller) implementationModeInGraph(ctx context.Context, pinned attractorstore.PinnedContent) (bool, error) {
	body, _, err := c.objects.Get(ctx, pinned.ContentPath)
	if err != nil {
		return false, fmt.Errorf("runlifecycle: fetch pinned graph %s: %w", pinned.ContentPath, err)
	}
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return false, fmt.Errorf("runlifecycle: read pinned graph %s: %w", pinned.ContentPath, err)
	}
	g, err := dot.Parse(raw)
	if err != nil {
		return false, fmt.Errorf("runlifecycle: parse pinned graph %s: %w", pinned.ContentPath, err)
	}
	return strings.EqualFold(strings.TrimSpace(g.Attrs["implementation_mode"]), "dot"), nil
}
