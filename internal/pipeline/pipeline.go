// Package pipeline composes child processes connected stdout to stdin. A
// pipeline fails if any stage fails, regardless of how the final stage
// exits, so an upstream failure is never masked by a successful downstream
// stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/covrun/covrun/internal/covrun"
	"github.com/covrun/covrun/internal/environment"
	"github.com/covrun/covrun/internal/harness"
)

// Stage is one process in the pipe.
type Stage struct {
	Name string
	Argv []string
}

type Pipeline struct {
	Stages []Stage

	// Dir is the working directory shared by every stage. Empty means the
	// harness's own directory.
	Dir string

	Env *environment.Overlay

	// Timeout bounds the whole pipe's runtime. Zero means no bound;
	// termination is then caller-driven via context cancellation.
	Timeout time.Duration

	// Stdout receives the final stage's output; Stderr is shared by every
	// stage. Both default to the harness's own streams.
	Stdout io.Writer
	Stderr io.Writer
}

// Step wraps the pipeline as a named harness step.
func (p *Pipeline) Step(name string) *harness.Step {
	return &harness.Step{Name: name, Fn: p.Run}
}

// Run starts every stage, wires the pipes, and waits for all of them. The
// returned code is the first failing stage's status in pipe order, or 0 if
// every stage succeeded.
func (p *Pipeline) Run(ctx context.Context) (int, error) {
	n := len(p.Stages)
	if n == 0 {
		return covrun.InternalErrorCode, errors.New("pipeline has no stages")
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	stdout := p.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := p.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	cmds := make([]*exec.Cmd, n)
	for i, stage := range p.Stages {
		if len(stage.Argv) == 0 {
			return covrun.InternalErrorCode, fmt.Errorf("stage %q has no command", stage.Name)
		}

		cmd := exec.CommandContext(ctx, stage.Argv[0], stage.Argv[1:]...)
		cmd.Dir = p.Dir
		cmd.Stderr = stderr
		if p.Env != nil {
			cmd.Env = p.Env.Environ()
		}
		cmds[i] = cmd
	}
	cmds[n-1].Stdout = stdout

	// Wire stage i's stdout to stage i+1's stdin. The parent closes its
	// copies of the pipe ends after starting so EOF propagates.
	parentEnds := make([]*os.File, 0, 2*(n-1))
	for i := 0; i < n-1; i++ {
		pr, pw, err := os.Pipe()
		if err != nil {
			closeAll(parentEnds)
			return covrun.InternalErrorCode, fmt.Errorf("creating pipe: %w", err)
		}
		cmds[i].Stdout = pw
		cmds[i+1].Stdin = pr
		parentEnds = append(parentEnds, pr, pw)
	}

	codes := make([]int, n)
	waitErrs := make([]error, n)
	started := make([]bool, n)

	var startErr error
	for i, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			if startErr == nil {
				startErr = fmt.Errorf("failed to start stage %q: %w", p.Stages[i].Name, err)
			}
		} else {
			started[i] = true
		}
	}
	closeAll(parentEnds)

	var g errgroup.Group
	for i, cmd := range cmds {
		if !started[i] {
			continue
		}
		g.Go(func() error {
			err := cmd.Wait()
			codes[i] = harness.ExitCode(err)
			waitErrs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	// An unspawnable stage is the harness's own failure, and its sibling
	// stages may have died of SIGPIPE because of it; don't let their
	// codes stand in for the real cause.
	if startErr != nil {
		return covrun.InternalErrorCode, startErr
	}

	for i, code := range codes {
		if code != 0 {
			return code, fmt.Errorf("stage %q failed: %w", p.Stages[i].Name, waitErrs[i])
		}
	}

	return 0, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}
