package runlifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/attractor-run/control-plane/internal/domain"
	"github.com/attractor-run/control-plane/internal/gitutil"
)

// CloneURLer resolves an authenticated clone URL for a project's repo, so
// RepoWorkspace never has to hold SCM credentials itself. A nil CloneURLer
// (no SCM configured) falls back to an unauthenticated https URL, which
// only reaches public repos.
type CloneURLer interface {
	CloneURL(ctx context.Context, owner, repo string) (string, error)
}

// RepoWorkspace maintains one persistent local clone per project under
// root and hands out a fresh worktree, branched from the run's source
// branch, for each implementation run's patch/PR pipeline.
type RepoWorkspace struct {
	root   string
	cloner CloneURLer
}

func NewRepoWorkspace(root string, cloner CloneURLer) *RepoWorkspace {
	return &RepoWorkspace{root: root, cloner: cloner}
}

// Prepare returns a worktree directory whose HEAD sits at the tip of
// run.SourceBranch, ready for the patch/PR pipeline to branch
// run.TargetBranch from, and a cleanup func that removes the worktree
// (the underlying clone is kept on disk for the project's next run).
func (w *RepoWorkspace) Prepare(ctx context.Context, project *domain.Project, run *domain.Run) (string, func(), error) {
	owner, repo, ok := splitOwnerRepoName(project.RepoFullName)
	if !ok {
		return "", nil, fmt.Errorf("runlifecycle: project repo %q is not owner/name", project.RepoFullName)
	}

	remoteURL := fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
	if w.cloner != nil {
		authed, err := w.cloner.CloneURL(ctx, owner, repo)
		if err != nil {
			return "", nil, fmt.Errorf("runlifecycle: clone url: %w", err)
		}
		remoteURL = authed
	}

	repoDir := filepath.Join(w.root, project.Namespace, "repo")
	if err := gitutil.EnsureRepo(repoDir, remoteURL); err != nil {
		return "", nil, fmt.Errorf("runlifecycle: prepare clone: %w", err)
	}
	if err := gitutil.FetchBranch(repoDir, "origin", run.SourceBranch); err != nil {
		return "", nil, fmt.Errorf("runlifecycle: fetch %s: %w", run.SourceBranch, err)
	}
	baseSHA, err := gitutil.RevParse(repoDir, "origin/"+run.SourceBranch)
	if err != nil {
		return "", nil, fmt.Errorf("runlifecycle: resolve %s: %w", run.SourceBranch, err)
	}

	worktreeDir := filepath.Join(w.root, project.Namespace, "worktrees", run.ID)
	_ = gitutil.RemoveWorktree(repoDir, worktreeDir)
	baseBranch := "attractor/base-" + run.ID
	if err := gitutil.CreateBranchAt(repoDir, baseBranch, baseSHA); err != nil {
		return "", nil, fmt.Errorf("runlifecycle: create base branch: %w", err)
	}
	if err := gitutil.AddWorktree(repoDir, worktreeDir, baseBranch); err != nil {
		return "", nil, fmt.Errorf("runlifecycle: add worktree: %w", err)
	}

	cleanup := func() {
		_ = gitutil.RemoveWorktree(repoDir, worktreeDir)
	}
	return worktreeDir, cleanup, nil
}

func splitOwnerRepoName(fullName string) (owner, repo string, ok bool) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
