package runlifecycle

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/attractor-run/control-plane/internal/attractor/dot"
	"github.com/attractor-run/control-plane/internal/attractor/model"
	"github.com/attractor-run/control-plane/internal/domain"
	"github.com/attractor-run/control-plane/internal/eventlog"
	"github.com/attractor-run/control-plane/internal/graphengine"
	"github.com/attractor-run/control-plane/internal/graphrun"
	"github.com/attractor-run/control-plane/internal/idgen"
	"github.com/attractor-run/control-plane/internal/objectstore"
	"github.com/attractor-run/control-plane/internal/patchpr"
	"github.com/attractor-run/control-plane/internal/scm"
	"github.com/attractor-run/control-plane/internal/specbundle"
	"github.com/attractor-run/control-plane/internal/store"
)

// Queue is the slice of *redisqueue.Queue the dispatcher depends on: one
// run id at a time off the FIFO, plus the cancel marker node handlers poll
// cooperatively. A popped runId is the caller's exclusive responsibility
// for the rest of the worker's lifetime; there is no separate ack step.
type Queue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (runID string, ok bool, err error)
	CancelRequested(ctx context.Context, runID string) (bool, error)
}

// GraphObjects is the slice of *objectstore.Store a worker needs: Get to
// fetch the pinned graph, Put for node handlers to write artifact bodies.
type GraphObjects interface {
	graphengine.ObjectPutter
	Get(ctx context.Context, key string) (io.ReadCloser, objectstore.ObjectInfo, error)
}

// Dispatcher pops queued run ids and drives each one to completion (or
// cancellation, or failure) through the graph execution engine. Multiple
// Dispatcher.Run goroutines, in the same or different processes, are safe
// to run concurrently: each popped id is exclusively owned by the worker
// that popped it for the rest of its lifetime.
type Dispatcher struct {
	store      *store.Store
	queue      Queue
	branchLock BranchLocker
	events     *eventlog.Log
	objects    GraphObjects

	models graphengine.ModelCaller
	tools  graphengine.ToolRunner
	humans graphengine.HumanNotifier

	// patchPR and workspace are both optional: a deployment that never
	// runs implementation graphs (or that only runs implementation_mode
	// graphs reviewed by a human outside the control plane) can leave
	// both nil, and implementation runs simply finish SUCCEEDED without
	// a patch ever being committed anywhere.
	patchPR   *patchpr.Pipeline
	workspace *RepoWorkspace
	bundler   *specbundle.Generator

	log *logrus.Entry

	wg sync.WaitGroup
}

func NewDispatcher(
	st *store.Store,
	queue Queue,
	branchLock BranchLocker,
	events *eventlog.Log,
	objects GraphObjects,
	models graphengine.ModelCaller,
	tools graphengine.ToolRunner,
	humans graphengine.HumanNotifier,
	patchPR *patchpr.Pipeline,
	workspace *RepoWorkspace,
	bundler *specbundle.Generator,
	log *logrus.Entry,
) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{
		store:      st,
		queue:      queue,
		branchLock: branchLock,
		events:     events,
		objects:    objects,
		models:     models,
		tools:      tools,
		humans:     humans,
		patchPR:    patchPR,
		workspace:  workspace,
		bundler:    bundler,
		log:        log,
	}
}

// Run pops run ids off the dispatch queue until ctx is canceled, launching
// a worker goroutine per run. It blocks until ctx is done and every
// in-flight worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		runID, ok, err := d.queue.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.log.WithError(err).Error("runlifecycle: dequeue failed")
			continue
		}
		if !ok {
			if ctx.Err() != nil {
				break
			}
			continue
		}
		d.wg.Add(1)
		go func(id string) {
			defer d.wg.Done()
			d.work(ctx, id)
		}(runID)
	}
	d.wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context, runID string) {
	log := d.log.WithField("run_id", runID)

	run, err := d.store.Runs.Get(ctx, runID)
	if err != nil {
		log.WithError(err).Error("runlifecycle: load run failed")
		return
	}
	if run.Status.Terminal() {
		return
	}

	now := time.Now()
	if err := d.store.Runs.TransitionStatus(ctx, run.ID, domain.RunStatusRunning, &now, nil, ""); err != nil {
		log.WithError(err).Error("runlifecycle: transition to RUNNING failed")
		return
	}
	if _, err := d.events.Append(ctx, run.ID, domain.EventRunStarted, nil); err != nil {
		log.WithError(err).Error("runlifecycle: append RunStarted failed")
	}

	g, err := d.fetchGraph(ctx, run.AttractorContentPath)
	if err != nil {
		d.failRun(ctx, run, err.Error())
		return
	}

	deps := graphengine.Dependencies{
		Checkpoints:  d.store.RunCheckpoints,
		NodeOutcomes: d.store.RunNodeOutcomes,
		Questions:    d.store.RunQuestions,
		Artifacts:    d.store.Artifacts,
		Objects:      d.objects,
		Events:       d.events,
		Cancel:       d.queue,
		Models:       d.models,
		Tools:        d.tools,
		Humans:       d.humans,
		Log:          log,
	}

	engine := d.buildEngine(ctx, g, run, deps, log)

	result, err := engine.Run(ctx)
	if err != nil {
		d.failRun(ctx, run, err.Error())
		return
	}

	d.finish(ctx, run, result, log)
}

func (d *Dispatcher) fetchGraph(ctx context.Context, path string) (*model.Graph, error) {
	body, _, err := d.objects.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	return dot.Parse(raw)
}

func (d *Dispatcher) buildEngine(ctx context.Context, g *model.Graph, run *domain.Run, deps graphengine.Dependencies, log *logrus.Entry) *graphengine.Engine {
	snap, ok, err := graphengine.LoadSnapshot(ctx, d.store.RunCheckpoints, run.ID)
	if err != nil {
		log.WithError(err).Warn("runlifecycle: load checkpoint failed, starting fresh")
		ok = false
	}
	if ok {
		return graphengine.Resume(g, run.ID, run.ProjectID, run.RunType, deps, snap)
	}
	return graphengine.New(g, run.ID, run.ProjectID, run.RunType, deps)
}

func (d *Dispatcher) finish(ctx context.Context, run *domain.Run, result *graphrun.Result, log *logrus.Entry) {
	now := time.Now()
	switch result.Status {
	case graphrun.FinalSucceeded:
		completedPayload := map[string]any{"final_node_id": result.FinalNodeID}
		if run.RunType == domain.RunTypeImplementation && result.ImplementationText != "" {
			prRef, err := d.runPatchPipeline(ctx, run, result, log)
			if err != nil {
				d.failRun(ctx, run, err.Error())
				return
			}
			if prRef != nil {
				log = log.WithField("pull_request", prRef.URL)
			}
		}
		if run.RunType == domain.RunTypePlanning {
			bundle, err := d.buildSpecBundle(ctx, run)
			if err != nil {
				d.failRun(ctx, run, err.Error())
				return
			}
			if bundle != nil {
				completedPayload["spec_bundle_id"] = bundle.ID
			}
		}
		if err := d.store.Runs.TransitionStatus(ctx, run.ID, domain.RunStatusSucceeded, nil, &now, ""); err != nil {
			log.WithError(err).Error("runlifecycle: transition to SUCCEEDED failed")
		}
		if _, err := d.events.Append(ctx, run.ID, domain.EventRunCompleted, completedPayload); err != nil {
			log.WithError(err).Error("runlifecycle: append RunCompleted failed")
		}
	case graphrun.FinalCanceled:
		// Cancel already transitioned the row and appended RunCanceled; the
		// engine has simply stopped in response.
	default:
		d.failRun(ctx, run, result.FailureMsg)
		return
	}
	d.releaseBranchLock(ctx, run)
}

// runPatchPipeline drives spec §4.4's patch/PR pipeline for an
// implementation run that just reached a terminal node with diff text in
// hand. A nil patchPR or workspace means the deployment hasn't configured
// one; the run still succeeds, just without a patch ever touching a repo.
func (d *Dispatcher) runPatchPipeline(ctx context.Context, run *domain.Run, result *graphrun.Result, log *logrus.Entry) (*scm.PullRequestResult, error) {
	if d.patchPR == nil || d.workspace == nil {
		log.Warn("runlifecycle: implementation run produced a diff but no patch/PR pipeline is configured")
		return nil, nil
	}
	project, err := d.store.Projects.Get(ctx, run.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("runlifecycle: load project for patch pipeline: %w", err)
	}
	worktreeDir, cleanup, err := d.workspace.Prepare(ctx, project, run)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	out, err := d.patchPR.Apply(ctx, worktreeDir, patchpr.Input{
		Project:            project,
		Run:                run,
		ImplementationText: result.ImplementationText,
		SupplementalNotes:  result.SupplementalNotes,
	})
	if err != nil {
		return nil, err
	}
	return out.PullRequest, nil
}

// buildSpecBundle assembles and registers the spec bundle a successful
// planning run produces, from the artifacts its graph wrote under
// collectPlanningArtifacts. A nil bundler means the deployment hasn't
// configured one; the planning run still succeeds without a bundle, same
// as an implementation run succeeding without a configured patch/PR
// pipeline.
func (d *Dispatcher) buildSpecBundle(ctx context.Context, run *domain.Run) (*domain.SpecBundle, error) {
	if d.bundler == nil {
		return nil, nil
	}
	project, err := d.store.Projects.Get(ctx, run.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("runlifecycle: load project for spec bundle: %w", err)
	}
	artifacts, err := d.store.Artifacts.ListByRun(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("runlifecycle: list run artifacts for spec bundle: %w", err)
	}
	sourceKeys := make(map[string]string, len(artifacts))
	for _, a := range artifacts {
		sourceKeys[a.Key] = a.Path
	}
	bundle, err := d.bundler.Build(ctx, idgen.NewUUID(), project, run, sourceKeys)
	if err != nil {
		return nil, err
	}
	if err := d.store.SpecBundles.Create(ctx, bundle); err != nil {
		return nil, fmt.Errorf("runlifecycle: register spec bundle: %w", err)
	}
	if err := d.store.Runs.SetSpecBundleID(ctx, run.ID, bundle.ID); err != nil {
		return nil, fmt.Errorf("runlifecycle: set run spec bundle: %w", err)
	}
	return bundle, nil
}

func (d *Dispatcher) failRun(ctx context.Context, run *domain.Run, errMsg string) {
	now := time.Now()
	if err := d.store.Runs.TransitionStatus(ctx, run.ID, domain.RunStatusFailed, nil, &now, errMsg); err != nil {
		d.log.WithError(err).WithField("run_id", run.ID).Error("runlifecycle: transition to FAILED failed")
	}
	if _, err := d.events.Append(ctx, run.ID, domain.EventRunFailed, map[string]any{"error": errMsg}); err != nil {
		d.log.WithError(err).WithField("run_id", run.ID).Error("runlifecycle: append RunFailed failed")
	}
	d.releaseBranchLock(ctx, run)
}

func (d *Dispatcher) releaseBranchLock(ctx context.Context, run *domain.Run) {
	if run.RunType != domain.RunTypeImplementation {
		return
	}
	if err := d.branchLock.Release(ctx, run.ProjectID, run.TargetBranch, run.ID); err != nil {
		d.log.WithError(err).WithField("run_id", run.ID).Error("runlifecycle: release branch lock failed")
	}
}
