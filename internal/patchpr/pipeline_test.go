package patchpr

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/attractor-run/control-plane/internal/domain"
	"github.com/attractor-run/control-plane/internal/eventlog"
	"github.com/attractor-run/control-plane/internal/scm"
)

type fakeObjects struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeObjects() *fakeObjects { return &fakeObjects{data: make(map[string][]byte)} }

func (f *fakeObjects) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = data
	return nil
}

type fakeArtifacts struct {
	mu    sync.Mutex
	items []*domain.Artifact
}

func (f *fakeArtifacts) Insert(ctx context.Context, a *domain.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, a)
	return nil
}

func (f *fakeArtifacts) ListByRun(ctx context.Context, runID string) ([]*domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Artifact
	for _, a := range f.items {
		if a.RunID == runID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeArtifacts) ExistingKeys(ctx context.Context, runID string) (map[string]bool, error) {
	items, _ := f.ListByRun(ctx, runID)
	keys := make(map[string]bool, len(items))
	for _, a := range items {
		keys[a.Key] = true
	}
	return keys, nil
}

type fakeRuns struct {
	mu             sync.Mutex
	linkedIssueRef string
	pullRequestRef string
	prURL          string
}

func (f *fakeRuns) Create(ctx context.Context, r *domain.Run) error { return nil }
func (f *fakeRuns) Get(ctx context.Context, id string) (*domain.Run, error) {
	return nil, nil
}
func (f *fakeRuns) ListByProject(ctx context.Context, projectID string, limit int) ([]*domain.Run, error) {
	return nil, nil
}
func (f *fakeRuns) ActiveImplementationRunID(ctx context.Context, projectID, targetBranch string) (string, error) {
	return "", nil
}
func (f *fakeRuns) TransitionStatus(ctx context.Context, id string, to domain.RunStatus, startedAt, finishedAt *time.Time, errMsg string) error {
	return nil
}
func (f *fakeRuns) SetSpecBundleID(ctx context.Context, id, specBundleID string) error { return nil }
func (f *fakeRuns) SetPullRequestRef(ctx context.Context, id, linkedPullRequestRef, prURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullRequestRef, f.prURL = linkedPullRequestRef, prURL
	return nil
}
func (f *fakeRuns) SetLinkedIssueRef(ctx context.Context, id, linkedIssueRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkedIssueRef = linkedIssueRef
	return nil
}

type fakeRunEvents struct {
	mu     sync.Mutex
	events []*domain.RunEvent
}

func (f *fakeRunEvents) Append(ctx context.Context, e *domain.RunEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeRunEvents) ListSince(ctx context.Context, runID, afterID string, limit int) ([]*domain.RunEvent, error) {
	return nil, nil
}

type fakeCollaborator struct {
	mu  sync.Mutex
	prs []scm.PullRequestInput
}

func (f *fakeCollaborator) UpsertPullRequest(ctx context.Context, in scm.PullRequestInput) (scm.PullRequestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prs = append(f.prs, in)
	return scm.PullRequestResult{Number: 1, URL: "https://example.com/pr/1", HeadSHA: "deadbeef"}, nil
}

func (f *fakeCollaborator) PostCheckRun(ctx context.Context, in scm.CheckRunInput) error { return nil }

func (f *fakeCollaborator) PostIssueComment(ctx context.Context, in scm.IssueCommentInput) error {
	return nil
}

func initPipelineTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "x.go"), []byte("package x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	// Apply force-pushes the target branch to origin, so give it a bare one.
	remote := t.TempDir()
	if out, err := exec.Command("git", "init", "--bare", remote).CombinedOutput(); err != nil {
		t.Fatalf("git init --bare failed: %v\n%s", err, out)
	}
	run("remote", "add", "origin", remote)
	return dir
}

func TestPipeline_Apply_NoCollaborator(t *testing.T) {
	dir := initPipelineTestRepo(t)

	objects := newFakeObjects()
	artifacts := &fakeArtifacts{}
	runs := &fakeRuns{}
	events := eventlog.New(&fakeRunEvents{}, nil)

	p := New(objects, artifacts, runs, events, nil)

	run := &domain.Run{ID: "run-1", ProjectID: "proj-1", TargetBranch: "impl/run-1"}
	project := &domain.Project{ID: "proj-1", RepoFullName: "acme/demo", DefaultBranch: "main"}

	implText := "Applying the fix.\n\nCloses #12\n\n```diff\ndiff --git a/x.go b/x.go\nindex 0000000..1111111 100644\n--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-package x\n+package x // patched\n```\n"

	result, err := p.Apply(context.Background(), dir, Input{
		Project:            project,
		Run:                run,
		ImplementationText: implText,
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if result.HeadSHA == "" {
		t.Error("Apply did not report a HeadSHA")
	}
	if result.PullRequest != nil {
		t.Error("Apply opened a pull request with no collaborator configured")
	}
	if result.LinkedIssueRef != "#12" {
		t.Errorf("LinkedIssueRef = %q, want #12", result.LinkedIssueRef)
	}
	if runs.linkedIssueRef != "#12" {
		t.Errorf("runs.SetLinkedIssueRef not called with #12, got %q", runs.linkedIssueRef)
	}

	items, _ := artifacts.ListByRun(context.Background(), "run-1")
	keys := map[string]bool{}
	for _, a := range items {
		keys[a.Key] = true
	}
	if !keys["implementation.patch"] || !keys["implementation-note.md"] {
		t.Errorf("artifacts registered = %v, want implementation.patch and implementation-note.md", keys)
	}
}

func TestPipeline_Apply_WithCollaborator(t *testing.T) {
	dir := initPipelineTestRepo(t)

	objects := newFakeObjects()
	artifacts := &fakeArtifacts{}
	runs := &fakeRuns{}
	events := eventlog.New(&fakeRunEvents{}, nil)
	collab := &fakeCollaborator{}

	p := New(objects, artifacts, runs, events, collab)

	run := &domain.Run{ID: "run-2", ProjectID: "proj-1", TargetBranch: "impl/run-2"}
	project := &domain.Project{ID: "proj-1", RepoFullName: "acme/demo", DefaultBranch: "main"}

	implText := "```diff\ndiff --git a/x.go b/x.go\nindex 0000000..1111111 100644\n--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-package x\n+package x // v2\n```\n"

	result, err := p.Apply(context.Background(), dir, Input{Project: project, Run: run, ImplementationText: implText})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if result.PullRequest == nil || result.PullRequest.Number != 1 {
		t.Fatalf("PullRequest = %+v, want an upserted PR", result.PullRequest)
	}
	if runs.pullRequestRef == "" || runs.prURL == "" {
		t.Error("runs.SetPullRequestRef was not called")
	}
	if len(collab.prs) != 1 || collab.prs[0].Head != "impl/run-2" {
		t.Errorf("collaborator calls = %v, want one PR against impl/run-2", collab.prs)
	}
}

func TestPipeline_Apply_NoDiffFound(t *testing.T) {
	dir := initPipelineTestRepo(t)

	objects := newFakeObjects()
	artifacts := &fakeArtifacts{}
	runs := &fakeRuns{}
	events := eventlog.New(&fakeRunEvents{}, nil)
	p := New(objects, artifacts, runs, events, nil)

	run := &domain.Run{ID: "run-3", ProjectID: "proj-1", TargetBranch: "impl/run-3"}
	project := &domain.Project{ID: "proj-1", RepoFullName: "acme/demo", DefaultBranch: "main"}

	_, err := p.Apply(context.Background(), dir, Input{Project: project, Run: run, ImplementationText: "no diff here, sorry"})
	if err == nil {
		t.Fatal("Apply with no diff in the implementation text succeeded, want error")
	}
}

func TestPipeline_Apply_MalformedDiffFails(t *testing.T) {
	dir := initPipelineTestRepo(t)

	objects := newFakeObjects()
	artifacts := &fakeArtifacts{}
	runs := &fakeRuns{}
	events := eventlog.New(&fakeRunEvents{}, nil)
	p := New(objects, artifacts, runs, events, nil)

	run := &domain.Run{ID: "run-4", ProjectID: "proj-1", TargetBranch: "impl/run-4"}
	project := &domain.Project{ID: "proj-1", RepoFullName: "acme/demo", DefaultBranch: "main"}

	_, err := p.Apply(context.Background(), dir, Input{
		Project: project, Run: run,
		ImplementationText: "diff --git a/nope.go b/nope.go\nthis is not a real unified diff\n",
	})
	if err == nil {
		t.Fatal("Apply with a malformed diff succeeded, want error")
	}
}
