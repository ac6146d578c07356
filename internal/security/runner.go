package security

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// execRunner is the production Runner. It spawns the process directly with
// an argument list (never through a shell), sends SIGTERM when the timeout
// expires, and lets the runtime escalate to SIGKILL after the grace period.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string, timeout, grace time.Duration) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		return res
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Started and exited non-zero; the caller decides whether
			// that is a failure.
			res.ExitCode = exitErr.ExitCode()
			return res
		}
		res.Err = err
		res.ExitCode = -1
		return res
	}

	res.Success = true
	return res
}

// RecordedCall is one invocation captured by a RecordingRunner.
type RecordedCall struct {
	Name string
	Args []string
}

// RecordingRunner is a test double that records invocations instead of
// spawning processes. Whitelist and argument-sanitization behavior can be
// asserted by counting calls.
type RecordingRunner struct {
	mu     sync.Mutex
	calls  []RecordedCall
	Result Result
}

func (r *RecordingRunner) Run(_ context.Context, name string, args []string, _, _ time.Duration) Result {
	r.mu.Lock()
	r.calls = append(r.calls, RecordedCall{Name: name, Args: append([]string(nil), args...)})
	r.mu.Unlock()
	return r.Result
}

// Calls returns a snapshot of every recorded invocation.
func (r *RecordingRunner) Calls() []RecordedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedCall, len(r.calls))
	copy(out, r.calls)
	return out
}
