package runlifecycle

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/attractor-run/control-plane/internal/domain"
	"github.com/attractor-run/control-plane/internal/eventlog"
	"github.com/attractor-run/control-plane/internal/store"
)

type fakeCheckpoints struct {
	mu  sync.Mutex
	row *domain.RunCheckpoint
}

func (f *fakeCheckpoints) Upsert(ctx context.Context, c *domain.RunCheckpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.row = c
	return nil
}
func (f *fakeCheckpoints) Get(ctx context.Context, runID string) (*domain.RunCheckpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.row, nil
}

type fakeNodeOutcomes struct {
	mu   sync.Mutex
	rows []*domain.RunNodeOutcome
}

func (f *fakeNodeOutcomes) Insert(ctx context.Context, o *domain.RunNodeOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, o)
	return nil
}
func (f *fakeNodeOutcomes) ListByRun(ctx context.Context, runID string) ([]*domain.RunNodeOutcome, error) {
	return nil, nil
}
func (f *fakeNodeOutcomes) NextAttempt(ctx context.Context, runID, nodeID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.rows {
		if r.RunID == runID && r.NodeID == nodeID {
			n++
		}
	}
	return n + 1, nil
}

type fakeQuestions struct{}

func (fakeQuestions) GetOrCreatePending(ctx context.Context, q *domain.RunQuestion) (*domain.RunQuestion, error) {
	return q, nil
}
func (fakeQuestions) GetAnswered(ctx context.Context, runID, nodeID, prompt string) (*domain.RunQuestion, error) {
	return nil, nil
}
func (fakeQuestions) Get(ctx context.Context, id string) (*domain.RunQuestion, error) { return nil, nil }
func (fakeQuestions) Answer(ctx context.Context, id, answer string, at time.Time) error {
	return nil
}
func (fakeQuestions) Timeout(ctx context.Context, id string, at time.Time) error { return nil }

type dispatcherArtifacts struct {
	mu   sync.Mutex
	rows []*domain.Artifact
}

func (f *dispatcherArtifacts) Insert(ctx context.Context, a *domain.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, a)
	return nil
}
func (f *dispatcherArtifacts) ListByRun(ctx context.Context, runID string) ([]*domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Artifact
	for _, a := range f.rows {
		if a.RunID == runID {
			out = append(out, a)
		}
	}
	return out, nil
}
func (f *dispatcherArtifacts) ExistingKeys(ctx context.Context, runID string) (map[string]bool, error) {
	items, _ := f.ListByRun(ctx, runID)
	keys := make(map[string]bool, len(items))
	for _, a := range items {
		keys[a.Key] = true
	}
	return keys, nil
}

type fakeQueue struct{}

func (fakeQueue) Dequeue(ctx context.Context, timeout time.Duration) (string, bool, error) {
	return "", false, nil
}
func (fakeQueue) CancelRequested(ctx context.Context, runID string) (bool, error) { return false, nil }

// Put completes fakeObjectStore's GraphObjects contract
// (Get already satisfies the controller's GraphFetcher).
func (f *fakeObjectStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.blobs[key] = data
	return nil
}

func newDispatcherFixture(t *testing.T) (*Dispatcher, *fakeRuns, *fakeRunEvents, *fakeObjectStore, *fakeBranchLocker) {
	t.Helper()
	runs := newFakeRuns()
	runEvents := &fakeRunEvents{}
	objects := newFakeObjectStore()
	branchLock := newFakeBranchLocker()

	st := &store.Store{
		Runs:            runs,
		RunEvents:       runEvents,
		RunCheckpoints:  &fakeCheckpoints{},
		RunNodeOutcomes: &fakeNodeOutcomes{},
		RunQuestions:    fakeQuestions{},
		Artifacts:       &dispatcherArtifacts{},
	}
	events := eventlog.New(runEvents, nil)

	d := NewDispatcher(st, fakeQueue{}, branchLock, events, objects, nil, nil, nil, nil, nil, nil, nil)
	return d, runs, runEvents, objects, branchLock
}

func TestDispatcher_Work_TaskRunSucceeds(t *testing.T) {
	d, runs, runEvents, objects, _ := newDispatcherFixture(t)

	run := &domain.Run{ID: "run-1", ProjectID: "proj-1", RunType: domain.RunTypeTask,
		AttractorContentPath: "graphs/run-1.dot", Status: domain.RunStatusQueued}
	_ = runs.Create(context.Background(), run)
	objects.blobs[run.AttractorContentPath] = []byte(planningDOT)

	d.work(context.Background(), run.ID)

	got, _ := runs.Get(context.Background(), run.ID)
	if got.Status != domain.RunStatusSucceeded {
		t.Fatalf("Status = %s, want SUCCEEDED", got.Status)
	}

	var sawStarted, sawCompleted bool
	for _, e := range runEvents.events {
		switch e.Type {
		case domain.EventRunStarted:
			sawStarted = true
		case domain.EventRunCompleted:
			sawCompleted = true
		}
	}
	if !sawStarted || !sawCompleted {
		t.Errorf("events = %+v, want RunStarted and RunCompleted", runEvents.events)
	}
}

func TestDispatcher_Work_MissingGraphFailsRun(t *testing.T) {
	d, runs, runEvents, _, _ := newDispatcherFixture(t)

	run := &domain.Run{ID: "run-2", ProjectID: "proj-1", RunType: domain.RunTypeTask,
		AttractorContentPath: "graphs/missing.dot", Status: domain.RunStatusQueued}
	_ = runs.Create(context.Background(), run)

	d.work(context.Background(), run.ID)

	got, _ := runs.Get(context.Background(), run.ID)
	if got.Status != domain.RunStatusFailed {
		t.Fatalf("Status = %s, want FAILED", got.Status)
	}
	var sawFailed bool
	for _, e := range runEvents.events {
		if e.Type == domain.EventRunFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Error("no RunFailed event recorded")
	}
}

func TestDispatcher_Work_TerminalRunIsANoOp(t *testing.T) {
	d, runs, runEvents, _, _ := newDispatcherFixture(t)

	run := &domain.Run{ID: "run-3", RunType: domain.RunTypeTask, Status: domain.RunStatusSucceeded}
	_ = runs.Create(context.Background(), run)

	d.work(context.Background(), run.ID)

	if len(runEvents.events) != 0 {
		t.Errorf("events = %+v, want none for an already-terminal run", runEvents.events)
	}
}

func TestDispatcher_FailRun_ReleasesBranchLockForImplementationRuns(t *testing.T) {
	d, runs, _, _, branchLock := newDispatcherFixture(t)

	run := &domain.Run{ID: "run-4", ProjectID: "proj-1", TargetBranch: "impl/run-4",
		RunType: domain.RunTypeImplementation, Status: domain.RunStatusRunning}
	_ = runs.Create(context.Background(), run)
	branchLock.holders[lockKey(run.ProjectID, run.TargetBranch)] = run.ID

	d.failRun(context.Background(), run, "boom")

	if holder := branchLock.holders[lockKey(run.ProjectID, run.TargetBranch)]; holder != "" {
		t.Errorf("branch lock still held by %q after failRun", holder)
	}
}
