// Package gitutil wraps the git CLI for the operations the patch and
// pull-request pipeline needs: branch setup, patch application, staged
// diff inspection, and push. Every call shells out rather than linking a
// git library, so behavior matches whatever git binary is on PATH.
package gitutil

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	fallbackIdentityName  = "attractor-run"
	fallbackIdentityEmail = "attractor-run@local"
)

// CommandError reports a failed git invocation with enough context to
// surface as a typed pipeline event without re-running the command.
type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

func runGit(dir string, args ...string) (string, string, error) {
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr, errStr := stdout.String(), stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

// EnsureRepo makes dir a local clone of remoteURL: clones fresh if dir
// doesn't exist yet, otherwise updates the existing clone's origin URL
// (credentials rotate) and leaves its history alone.
func EnsureRepo(dir, remoteURL string) error {
	if IsRepo(dir) {
		_, _, err := runGit(dir, "remote", "set-url", "origin", remoteURL)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("gitutil: create clone parent dir: %w", err)
	}
	cmd := exec.Command("git", "clone", "--origin", "origin", "--no-checkout", remoteURL, dir)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		return &CommandError{Args: []string{"clone", remoteURL, dir}, Stdout: stdout.String(), Stderr: stderr.String(), Err: err}
	}
	return nil
}

// FetchBranch fetches a single branch ref from remote, updating its
// remote-tracking ref without touching the current worktree.
func FetchBranch(dir, remote, branch string) error {
	_, _, err := runGit(dir, "fetch", remote, branch)
	return err
}

// RevParse resolves ref to a commit SHA.
func RevParse(dir, ref string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func IsRepo(dir string) bool {
	out, _, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

func HeadSHA(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func StatusPorcelain(dir string) (string, error) {
	out, _, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	return out, nil
}

func IsClean(dir string) (bool, error) {
	out, err := StatusPorcelain(dir)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// CreateBranchAt creates or resets branch to point at baseSHA.
func CreateBranchAt(dir, branch, baseSHA string) error {
	_, _, err := runGit(dir, "branch", "--force", branch, baseSHA)
	return err
}

func AddWorktree(repoDir, worktreeDir, branch string) error {
	_, _, err := runGit(repoDir, "worktree", "add", worktreeDir, branch)
	return err
}

func RemoveWorktree(repoDir, worktreeDir string) error {
	_, _, err := runGit(repoDir, "worktree", "remove", "--force", worktreeDir)
	return err
}

func CheckoutBranch(worktreeDir, branch string) error {
	_, _, err := runGit(worktreeDir, "switch", branch)
	return err
}

// CheckoutNewBranch creates branch from HEAD and switches to it, the first
// step of the patch pipeline (create + switch to targetBranch).
func CheckoutNewBranch(worktreeDir, branch string) error {
	_, _, err := runGit(worktreeDir, "switch", "-c", branch)
	return err
}

func ResetHard(worktreeDir, sha string) error {
	_, _, err := runGit(worktreeDir, "reset", "--hard", sha)
	return err
}

func AddAll(worktreeDir string) error {
	_, _, err := runGit(worktreeDir, "add", "-A")
	return err
}

// ApplyPatch runs "git apply --index" against a unified diff, staging the
// changes it introduces without committing them. A malformed or
// non-applying diff surfaces as a *CommandError for the caller to turn
// into the pipeline's typed apply-failure event.
func ApplyPatch(worktreeDir string, diff []byte) error {
	base := []string{
		"-C", worktreeDir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
		"apply", "--index", "-",
	}
	cmd := exec.Command("git", base...)
	cmd.Stdin = bytes.NewReader(diff)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &CommandError{Args: []string{"apply", "--index", "-"}, Stdout: stdout.String(), Stderr: stderr.String(), Err: err}
	}
	return nil
}

// StagedFiles lists paths with staged changes, used to enforce "the patch
// must stage at least one change" before committing.
func StagedFiles(worktreeDir string) ([]string, error) {
	out, _, err := runGit(worktreeDir, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, err
	}
	return nonEmptyLines(out), nil
}

// CommitAllowEmpty stages everything and commits, falling back to an
// explicit throwaway identity (without touching repo config) if the
// worktree has none configured.
func CommitAllowEmpty(worktreeDir, message string) (string, error) {
	if err := AddAll(worktreeDir); err != nil {
		return "", err
	}
	return commit(worktreeDir, message, true)
}

// Commit commits whatever is currently staged, failing if nothing is
// staged, with the same identity fallback as CommitAllowEmpty.
func Commit(worktreeDir, message string) (string, error) {
	return commit(worktreeDir, message, false)
}

func commit(worktreeDir, message string, allowEmpty bool) (string, error) {
	args := []string{"commit", "-m", message}
	if allowEmpty {
		args = []string{"commit", "--allow-empty", "-m", message}
	}
	_, _, err := runGit(worktreeDir, args...)
	if err != nil {
		if isMissingIdentity(err) {
			fallback := append([]string{
				"-c", "user.name=" + fallbackIdentityName,
				"-c", "user.email=" + fallbackIdentityEmail,
			}, args...)
			_, _, err = runGit(worktreeDir, fallback...)
		}
		if err != nil {
			return "", err
		}
	}
	return HeadSHA(worktreeDir)
}

func isMissingIdentity(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Author identity unknown") ||
		strings.Contains(msg, "Please tell me who you are") ||
		strings.Contains(msg, "unable to auto-detect email address")
}

// PushBranch pushes a branch to the named remote. Best-effort: failures
// are returned, not panicked, and callers decide whether they abort the
// pipeline.
func PushBranch(repoDir, remote, branch string) error {
	_, _, err := runGit(repoDir, "push", remote, branch)
	return err
}

// PushBranchForceWithLease force-pushes with a lease, so a concurrent
// push to the same branch (e.g. a human pushing to the run's branch
// mid-flight) is detected and rejected instead of silently clobbered.
func PushBranchForceWithLease(repoDir, remote, branch string) error {
	_, _, err := runGit(repoDir, "push", "--force-with-lease", remote, branch)
	return err
}

func MergeFastForwardOnly(worktreeDir, otherRef string) error {
	_, _, err := runGit(worktreeDir, "merge", "--ff-only", otherRef)
	return err
}

func FastForwardFFOnly(worktreeDir, otherRef string) error {
	return MergeFastForwardOnly(worktreeDir, otherRef)
}

// DiffNameOnly returns file paths changed between baseRef and HEAD.
func DiffNameOnly(dir, baseRef string) ([]string, error) {
	out, _, err := runGit(dir, "diff", "--name-only", baseRef)
	if err != nil {
		return nil, err
	}
	return nonEmptyLines(out), nil
}

func nonEmptyLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}
