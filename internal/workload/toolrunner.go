package workload

import (
	"context"
	"fmt"
	"time"

	"github.com/attractor-run/control-plane/internal/graphengine"
)

// ToolRunner implements graphengine.ToolRunner on top of a Runtime,
// isolating each tool node's command as its own started-and-reaped unit
// of work instead of running it inline in the dispatcher goroutine.
type ToolRunner struct {
	runtime Runtime
}

func NewToolRunner(runtime Runtime) *ToolRunner {
	if runtime == nil {
		runtime = LocalRuntime{}
	}
	return &ToolRunner{runtime: runtime}
}

func (r *ToolRunner) Run(ctx context.Context, req graphengine.ToolRequest) (graphengine.ToolResponse, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	h, err := r.runtime.Start(cctx, Spec{
		Command: req.Command,
		Env:     req.Env,
		Dir:     req.WorkDir,
		Timeout: timeout,
	})
	if err != nil {
		return graphengine.ToolResponse{}, fmt.Errorf("workload tool runner: %w", err)
	}

	done := make(chan struct{})
	var exitCode int
	var stdout, stderr string
	var waitErr error
	go func() {
		exitCode, stdout, stderr, waitErr = r.runtime.Wait(h)
		close(done)
	}()

	select {
	case <-done:
	case <-cctx.Done():
		_ = r.runtime.Kill(h)
		<-done
	}

	resp := graphengine.ToolResponse{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}
	if cctx.Err() == context.DeadlineExceeded {
		return resp, fmt.Errorf("tool command timed out after %s", timeout)
	}
	if waitErr != nil && exitCode == -1 {
		return resp, fmt.Errorf("tool command failed to start: %w", waitErr)
	}
	return resp, nil
}
