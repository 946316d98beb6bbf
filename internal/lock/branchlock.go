// Package lock implements the (projectId, targetBranch) branch lock:
// create-run's precondition 6 refuses a second concurrent implementation
// run against the same target branch, and the lock is released on that
// run's cancel or terminal completion.
package lock

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

func branchLockKey(projectID, targetBranch string) string {
	return fmt.Sprintf("runs.lock.%s.%s", projectID, targetBranch)
}

// releaseScript deletes the lock key only if it still holds the value this
// caller set, so a run that overran its TTL and had its lock seized by a
// later run can't delete that later run's lock out from under it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// BranchLock is a Redis-backed mutual-exclusion lock keyed on
// (projectId, targetBranch).
type BranchLock struct {
	client  redis.Cmdable
	release *redis.Script
}

func New(client redis.Cmdable) *BranchLock {
	return &BranchLock{client: client, release: redis.NewScript(releaseScript)}
}

// Acquire sets the branch lock to runID if it's currently unheld. It
// returns false, without error, when another run already holds it — the
// caller translates that into the branch-collision precondition failure.
// The lock has no TTL of its own: spec precondition 6 only allows one
// QUEUED/RUNNING implementation run per branch at a time, and the lock's
// lifetime is tied to that run's lifecycle (released explicitly on cancel
// or terminal completion), not to a timer.
func (l *BranchLock) Acquire(ctx context.Context, projectID, targetBranch, runID string) (bool, error) {
	ok, err := l.client.SetNX(ctx, branchLockKey(projectID, targetBranch), runID, 0).Result()
	if err != nil {
		return false, fmt.Errorf("lock: acquire %s/%s: %w", projectID, targetBranch, err)
	}
	return ok, nil
}

// Release drops the lock iff it's still held by runID.
func (l *BranchLock) Release(ctx context.Context, projectID, targetBranch, runID string) error {
	_, err := l.release.Run(ctx, l.client, []string{branchLockKey(projectID, targetBranch)}, runID).Result()
	if err != nil {
		return fmt.Errorf("lock: release %s/%s: %w", projectID, targetBranch, err)
	}
	return nil
}

// HolderRunID returns the runId currently holding the lock, or "" if the
// branch is unlocked.
func (l *BranchLock) HolderRunID(ctx context.Context, projectID, targetBranch string) (string, error) {
	v, err := l.client.Get(ctx, branchLockKey(projectID, targetBranch)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lock: holder %s/%s: %w", projectID, targetBranch, err)
	}
	return v, nil
}
