package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/covrun/covrun/internal/covrun"
	"github.com/covrun/covrun/internal/environment"
	"github.com/covrun/covrun/internal/log"
)

const defaultGracePeriod = 10 * time.Second

// Command describes a single delegated process invocation. The environment
// is an explicit overlay; the child never inherits anything the overlay
// doesn't carry.
type Command struct {
	Argv []string
	Dir  string
	Env  *environment.Overlay

	// Stdout and Stderr are streamed to as the child produces output.
	// They default to the harness's own stdout and stderr, so delegated
	// diagnostics pass through unmodified.
	Stdout io.Writer
	Stderr io.Writer

	// Timeout bounds the child's runtime. Zero means no bound;
	// termination is then caller-driven via context cancellation.
	Timeout time.Duration

	// GracePeriod is how long to wait between SIGINT and SIGKILL when
	// terminating the child.
	GracePeriod time.Duration
}

// Step wraps the command as a named harness step.
func (c *Command) Step(name string) *Step {
	return &Step{Name: name, Fn: c.Run}
}

// Run spawns the process and blocks until it exits, streaming its output
// through. The returned code is the child's own exit status; harness-side
// failures (unspawnable binary, cancellation) report InternalErrorCode.
func (c *Command) Run(ctx context.Context) (int, error) {
	if len(c.Argv) == 0 {
		return covrun.InternalErrorCode, errors.New("no command provided")
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	stdout := c.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := c.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if c.Env != nil {
		cmd.Env = c.Env.Environ()
	}

	// Run the child in its own process group so termination reaches the
	// whole tree, not just the immediate child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return covrun.InternalErrorCode, fmt.Errorf("failed to start the process: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-done:
		// Child finished on its own
	case <-ctx.Done():
		log.Info(ctx, "terminating process", "cause", ctx.Err())
		c.terminate(ctx, cmd, done)
		return covrun.InternalErrorCode, fmt.Errorf("process terminated: %w", ctx.Err())
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code := ExitCode(waitErr)
			return code, fmt.Errorf("process exited with status %d", code)
		}
		return covrun.InternalErrorCode, waitErr
	}

	return 0, nil
}

// terminate sends SIGINT to the child's process group, waits for the grace
// period, then sends SIGKILL.
func (c *Command) terminate(ctx context.Context, cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}

	grace := c.GracePeriod
	if grace == 0 {
		grace = defaultGracePeriod
	}

	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGINT); err != nil {
		log.Error(ctx, "failed to send SIGINT to process group", "error", err)
		return
	}

	select {
	case <-done:
		log.Info(ctx, "process exited gracefully after SIGINT")
	case <-time.After(grace):
		log.Info(ctx, "process did not exit after SIGINT, sending SIGKILL")
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			log.Error(ctx, "failed to send SIGKILL to process group", "error", err)
			return
		}
		<-done
	}
}

// ExitCode maps a Wait error to the status the harness reports for it.
// Signal deaths use the shell's 128+signal convention.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}

	return covrun.InternalErrorCode
}
