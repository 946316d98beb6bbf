// Package redisqueue implements the dispatch queue and the cancel marker
// over Redis: an ordered FIFO of runIds for the dispatcher to pop, and a
// per-run bounded-TTL key that running workers poll cooperatively.
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	dispatchQueueKey  = "runs.queue"
	cancelMarkerPrefix = "runs.cancel."
)

func cancelKey(runID string) string {
	return cancelMarkerPrefix + runID
}

// Config controls the cancel marker's TTL; bounded so a marker for a run
// that somehow never gets cleaned up doesn't live in Redis forever.
type Config struct {
	CancelMarkerTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.CancelMarkerTTL <= 0 {
		c.CancelMarkerTTL = 24 * time.Hour
	}
	return c
}

// Queue is the dispatch queue plus cancel marker, both backed by one Redis
// client.
type Queue struct {
	client redis.Cmdable
	cfg    Config
}

func New(client redis.Cmdable, cfg Config) *Queue {
	return &Queue{client: client, cfg: cfg.withDefaults()}
}

// Enqueue appends runID to the dispatch queue's tail.
func (q *Queue) Enqueue(ctx context.Context, runID string) error {
	if err := q.client.RPush(ctx, dispatchQueueKey, runID).Err(); err != nil {
		return fmt.Errorf("redisqueue: enqueue %s: %w", runID, err)
	}
	return nil
}

// Dequeue blocks up to timeout for a runId to become available. ok is
// false on a timeout, which is not an error: the caller should just poll
// again. A popped runId is the caller's exclusive responsibility for the
// rest of the run's worker lifetime; there is no separate ack step.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (runID string, ok bool, err error) {
	result, err := q.client.BLPop(ctx, timeout, dispatchQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redisqueue: dequeue: %w", err)
	}
	if len(result) < 2 {
		return "", false, nil
	}
	return result[1], true, nil
}

// Depth returns the number of runIds currently waiting in the dispatch
// queue.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, dispatchQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redisqueue: depth: %w", err)
	}
	return n, nil
}

// PublishCancel sets runID's cancel marker. Workers cooperatively poll
// CancelRequested at every engine step boundary, before every model/tool
// invocation, and inside human-wait polls, and must abort promptly once it
// returns true.
func (q *Queue) PublishCancel(ctx context.Context, runID string) error {
	if err := q.client.Set(ctx, cancelKey(runID), "1", q.cfg.CancelMarkerTTL).Err(); err != nil {
		return fmt.Errorf("redisqueue: publish cancel for %s: %w", runID, err)
	}
	return nil
}

// CancelRequested reports whether runID's cancel marker is currently set.
func (q *Queue) CancelRequested(ctx context.Context, runID string) (bool, error) {
	n, err := q.client.Exists(ctx, cancelKey(runID)).Result()
	if err != nil {
		return false, fmt.Errorf("redisqueue: check cancel for %s: %w", runID, err)
	}
	return n > 0, nil
}

// ClearCancel removes runID's cancel marker, called once the run has
// actually reached a terminal state so a future run reusing a recycled id
// space (unlikely, but cheap to guard) never inherits a stale marker.
func (q *Queue) ClearCancel(ctx context.Context, runID string) error {
	if err := q.client.Del(ctx, cancelKey(runID)).Err(); err != nil {
		return fmt.Errorf("redisqueue: clear cancel for %s: %w", runID, err)
	}
	return nil
}
