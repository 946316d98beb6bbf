package graphengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/attractor-run/control-plane/internal/apierr"
	"github.com/attractor-run/control-plane/internal/attractor/model"
	"github.com/attractor-run/control-plane/internal/graphrun"
)

// failureClass distinguishes failures worth retrying (transient infra,
// rate limits, timeouts) from ones that will just fail again (bad
// configuration, malformed prompts, missing tool binaries): retrying the
// latter only burns the retry budget before giving the identical result.
type failureClass string

const (
	failureClassTransient    failureClass = "transient"
	failureClassDeterministic failureClass = "deterministic"
)

// classify maps an error from a model/tool call to a failure class.
// apierr.TransientFailure is the explicit signal; everything else is
// treated as deterministic unless its text looks like a timeout,
// connection reset, or rate limit, matching the teacher's text-sniffing
// fallback for errors a lower layer didn't wrap.
func classify(err error) failureClass {
	if err == nil {
		return failureClassDeterministic
	}
	if apierr.Is(err, apierr.KindTransientFail) {
		return failureClassTransient
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"timeout", "timed out", "connection reset", "rate limit", "429", "503", "temporarily unavailable", "context deadline exceeded"} {
		if strings.Contains(msg, needle) {
			return failureClassTransient
		}
	}
	return failureClassDeterministic
}

// executeWithRetry runs node through executeNode, retrying transient
// failures up to the node's "retries" limit with exponential backoff, and
// failing fast on deterministic failures even if retries remain (spec
// §4.3 supplement: failure-class-aware retry gating).
func (e *Engine) executeWithRetry(ctx context.Context, node *model.Node) (graphrun.Outcome, int, error) {
	limit := retryLimitFor(e.Graph, node)
	cfg := backoffConfigFor(e.Graph, node)

	attempt, err := e.deps.NodeOutcomes.NextAttempt(ctx, e.RunID, node.ID)
	if err != nil {
		return graphrun.Outcome{}, 0, fmt.Errorf("graphengine: next attempt for %s: %w", node.ID, err)
	}

	for {
		if canceled, cerr := e.checkCanceled(ctx); cerr != nil {
			return graphrun.Outcome{}, attempt, cerr
		} else if canceled {
			return graphrun.Outcome{Status: graphrun.StatusFail, FailureReason: "canceled"}, attempt, nil
		}

		out, err := e.executeNode(ctx, node)
		if err != nil {
			return graphrun.Outcome{}, attempt, err
		}
		if out.Status != graphrun.StatusFail && out.Status != graphrun.StatusRetry {
			return out, attempt, nil
		}

		cls := classify(errors.New(out.FailureReason))
		retriesUsed := e.state.NodeRetryCounts[node.ID]
		if cls == failureClassDeterministic || retriesUsed >= limit {
			out.Status = graphrun.StatusFail
			return out, attempt, nil
		}

		e.state.NodeRetryCounts[node.ID] = retriesUsed + 1
		delay := delayForAttempt(retriesUsed+1, cfg)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return graphrun.Outcome{}, attempt, ctx.Err()
			case <-timer.C:
			}
		}
		attempt++
	}
}
