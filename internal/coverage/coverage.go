// Package coverage builds the argv for the delegated coverage-instrumented
// test run. The invocation is constructed once at harness start and never
// mutated afterwards.
package coverage

import (
	"errors"
	"fmt"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/covrun/covrun/internal/covrun"
)

// Invocation identifies the coverage entry point, the measurement scope,
// the test-runner module, and the one suite file the run targets.
type Invocation struct {
	Tool   string
	Source string
	Runner string
	Target string

	// PassThrough asks the runner not to capture test output, so it
	// streams to the harness's stdout as it is produced.
	PassThrough bool
}

// Default is the stock invocation for a suite target, equivalent to
// `coverage run --source=. -m pytest <target> -s`.
func Default(target string) Invocation {
	return Invocation{
		Tool:        covrun.DefaultCoverageTool,
		Source:      covrun.DefaultSourceScope,
		Runner:      covrun.DefaultRunnerModule,
		Target:      target,
		PassThrough: true,
	}
}

// Argv renders the ordered argument list for the delegated tool.
func (i Invocation) Argv() []string {
	argv := []string{i.Tool, "run", "--source=" + i.Source, "-m", i.Runner, i.Target}
	if i.PassThrough {
		argv = append(argv, "-s")
	}
	return argv
}

// Parse splits a user supplied command line using shell quoting rules, for
// overriding the stock invocation wholesale.
func Parse(cmdline string) ([]string, error) {
	argv, err := shellquote.Split(cmdline)
	if err != nil {
		return nil, fmt.Errorf("parsing command line: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("empty command line")
	}
	return argv, nil
}

// Render formats an argv as a copy-pastable shell command line for logging.
func Render(argv []string) string {
	return shellquote.Join(argv...)
}
