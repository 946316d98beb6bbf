// Package patchpr implements the patch and pull-request pipeline that
// turns an implementation run's final text into a committed branch and
// an opened pull request: extract diff, apply it, register artifacts,
// commit, push, and upsert the pull request.
package patchpr

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/attractor-run/control-plane/internal/apierr"
	"github.com/attractor-run/control-plane/internal/domain"
	"github.com/attractor-run/control-plane/internal/eventlog"
	"github.com/attractor-run/control-plane/internal/gitutil"
	"github.com/attractor-run/control-plane/internal/scm"
	"github.com/attractor-run/control-plane/internal/store"
)

// Objects is the slice of *objectstore.Store the pipeline needs to write
// the patch and note artifacts.
type Objects interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

// Input bundles everything the pipeline needs beyond the repo worktree
// itself.
type Input struct {
	Project            *domain.Project
	Run                *domain.Run
	ImplementationText string
	SupplementalNotes  map[string]string // node id -> markdown content
}

// Result records what the pipeline produced, mirrored onto the Run row
// by the caller.
type Result struct {
	HeadSHA        string
	PullRequest    *scm.PullRequestResult
	LinkedIssueRef string
}

type Pipeline struct {
	objects      Objects
	artifacts    store.Artifacts
	runs         store.Runs
	events       *eventlog.Log
	collaborator scm.Collaborator // nil: patch is committed and pushed but no PR is opened
}

func New(objects Objects, artifacts store.Artifacts, runs store.Runs, events *eventlog.Log, collaborator scm.Collaborator) *Pipeline {
	return &Pipeline{objects: objects, artifacts: artifacts, runs: runs, events: events, collaborator: collaborator}
}

// Apply runs the seven pipeline steps against worktreeDir, a clone of the
// repository already checked out at the run's source branch.
func (p *Pipeline) Apply(ctx context.Context, worktreeDir string, in Input) (*Result, error) {
	run := in.Run

	if err := checkoutTargetBranch(worktreeDir, run.TargetBranch); err != nil {
		return nil, apierr.Execution(err, "patchpr: checkout target branch %s", run.TargetBranch)
	}

	diff, extracted := ExtractDiff(in.ImplementationText)
	if !extracted {
		if _, err := p.events.Append(ctx, run.ID, domain.EventImplementationPatchMissing, nil); err != nil {
			return nil, err
		}
		return nil, apierr.Execution(nil, "implementation text contained no unified diff to apply")
	}
	if _, err := p.events.Append(ctx, run.ID, domain.EventImplementationPatchExtract, map[string]any{"bytes": len(diff)}); err != nil {
		return nil, err
	}

	applyErr := gitutil.ApplyPatch(worktreeDir, []byte(diff))
	appliedPayload := map[string]any{"applied": applyErr == nil}
	if applyErr != nil {
		appliedPayload["error"] = applyErr.Error()
	}
	if _, err := p.events.Append(ctx, run.ID, domain.EventImplementationPatchApplied, appliedPayload); err != nil {
		return nil, err
	}
	if applyErr != nil {
		return nil, apierr.Execution(applyErr, "patchpr: apply diff failed")
	}

	if err := p.registerArtifacts(ctx, run, diff, in.ImplementationText, in.SupplementalNotes); err != nil {
		return nil, err
	}

	staged, err := gitutil.StagedFiles(worktreeDir)
	if err != nil {
		return nil, apierr.Execution(err, "patchpr: list staged files")
	}
	if len(staged) == 0 {
		return nil, apierr.Execution(nil, "implementation produced no staged changes")
	}

	headSHA, err := gitutil.Commit(worktreeDir, fmt.Sprintf("attractor: implementation run %s", run.ID))
	if err != nil {
		return nil, apierr.Execution(err, "patchpr: commit")
	}
	if err := gitutil.PushBranchForceWithLease(worktreeDir, "origin", run.TargetBranch); err != nil {
		return nil, apierr.Execution(err, "patchpr: push %s", run.TargetBranch)
	}

	result := &Result{HeadSHA: headSHA}
	if linked, ok := ExtractLinkedIssue(in.ImplementationText); ok {
		result.LinkedIssueRef = linked
		if err := p.runs.SetLinkedIssueRef(ctx, run.ID, linked); err != nil {
			return nil, err
		}
	}

	if p.collaborator != nil {
		owner, repo, ok := splitOwnerRepo(in.Project.RepoFullName)
		if !ok {
			return nil, apierr.Execution(nil, "patchpr: project repo %q is not owner/name", in.Project.RepoFullName)
		}
		title := fmt.Sprintf("attractor: implementation run %s", run.ID)
		if result.LinkedIssueRef != "" {
			title = fmt.Sprintf("Fix %s (run %s)", result.LinkedIssueRef, run.ID)
		}
		pr, err := p.collaborator.UpsertPullRequest(ctx, scm.PullRequestInput{
			Owner: owner,
			Repo:  repo,
			Base:  in.Project.DefaultBranch,
			Head:  run.TargetBranch,
			Title: title,
			Body:  in.ImplementationText,
		})
		if err != nil {
			return nil, apierr.Transient(err, "patchpr: upsert pull request")
		}
		result.PullRequest = &pr
		prRef := fmt.Sprintf("%s/%s#%d", owner, repo, pr.Number)
		if err := p.runs.SetPullRequestRef(ctx, run.ID, prRef, pr.URL); err != nil {
			return nil, err
		}
	}

	return result, nil
}

func (p *Pipeline) registerArtifacts(ctx context.Context, run *domain.Run, diff, note string, supplemental map[string]string) error {
	existing, err := p.artifacts.ExistingKeys(ctx, run.ID)
	if err != nil {
		return err
	}

	if err := p.putArtifact(ctx, run, "implementation.patch", "text/x-diff", []byte(diff), existing); err != nil {
		return err
	}
	if err := p.putArtifact(ctx, run, "implementation-note.md", "text/markdown", []byte(note), existing); err != nil {
		return err
	}
	for nodeID, content := range supplemental {
		key := "reviewers/" + safeNodeID(nodeID) + ".md"
		if err := p.putArtifact(ctx, run, key, "text/markdown", []byte(content), existing); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) putArtifact(ctx context.Context, run *domain.Run, key, contentType string, data []byte, existing map[string]bool) error {
	key, err := domain.NormalizeArtifactKey(key)
	if err != nil {
		return err
	}
	key = domain.DedupeArtifactKey(key, existing)
	existing[key] = true

	path := "runs/" + run.ProjectID + "/" + run.ID + "/" + key
	if err := p.objects.Put(ctx, path, strings.NewReader(string(data)), int64(len(data)), contentType); err != nil {
		return fmt.Errorf("patchpr: write artifact %s: %w", key, err)
	}
	return p.artifacts.Insert(ctx, &domain.Artifact{
		ID:          run.ID + ":" + key,
		RunID:       run.ID,
		Key:         key,
		Path:        path,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
	})
}

func checkoutTargetBranch(worktreeDir, branch string) error {
	if err := gitutil.CheckoutNewBranch(worktreeDir, branch); err != nil {
		head, headErr := gitutil.HeadSHA(worktreeDir)
		if headErr != nil {
			return err
		}
		if cErr := gitutil.CreateBranchAt(worktreeDir, branch, head); cErr != nil {
			return err
		}
		return gitutil.CheckoutBranch(worktreeDir, branch)
	}
	return nil
}

func safeNodeID(nodeID string) string {
	var b strings.Builder
	for _, r := range nodeID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

func splitOwnerRepo(fullName string) (owner, repo string, ok bool) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
