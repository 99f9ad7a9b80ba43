// covrun is a strict fail-fast wrapper around a coverage-instrumented test
// run: it prepares the module search path, delegates to the test runner
// pointed at one suite file, streams the runner's output through untouched,
// and exits with the first failing step's status.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	charmlog "github.com/charmbracelet/log"
	"github.com/google/uuid"
	slogmulti "github.com/samber/slog-multi"

	"github.com/covrun/covrun/internal/coverage"
	"github.com/covrun/covrun/internal/covrun"
	"github.com/covrun/covrun/internal/environment"
	"github.com/covrun/covrun/internal/harness"
	"github.com/covrun/covrun/internal/log"
	"github.com/covrun/covrun/internal/o11y"
	"github.com/covrun/covrun/internal/pipeline"
)

type opts struct {
	Target       string
	Source       string
	RunnerModule string
	CoverageTool string
	Command      string
	Filter       string
	Capture      bool

	ModulePathVar string
	WorkDir       string
	CleanEnv      bool
	Env           envFlags

	LogDir      string
	Timeout     time.Duration
	GracePeriod time.Duration
	Verbose     bool
	Version     bool

	runID string
}

// envFlags collects repeated -env KEY=VALUE flags in order.
type envFlags []string

func (e *envFlags) String() string { return strings.Join(*e, ",") }

func (e *envFlags) Set(v string) error {
	*e = append(*e, v)
	return nil
}

func parseFlags() *opts {
	opts := &opts{}

	flag.StringVar(&opts.Target, "target", "", "Path to the test-suite file to run")
	flag.StringVar(&opts.Source, "source", covrun.DefaultSourceScope, "Coverage measurement scope")
	flag.StringVar(&opts.RunnerModule, "runner", covrun.DefaultRunnerModule, "Test-runner module executed under the coverage tool")
	flag.StringVar(&opts.CoverageTool, "coverage-tool", covrun.DefaultCoverageTool, "Coverage tool entry point")
	flag.StringVar(&opts.Command, "command", "", "Full delegated command line, overriding the stock invocation (shell quoting rules)")
	flag.StringVar(&opts.Filter, "filter", "", "Command the delegated run's stdout is piped through; the run still fails if the runner fails")
	flag.BoolVar(&opts.Capture, "capture", false, "Let the runner capture test output instead of streaming it through")
	flag.StringVar(&opts.ModulePathVar, "module-path-var", covrun.DefaultModulePathVar, "Environment variable carrying the module search path")
	flag.StringVar(&opts.WorkDir, "workdir", "", "Working directory for the delegated run, defaults to the current directory")
	flag.BoolVar(&opts.CleanEnv, "clean-env", false, "Do not inherit the harness's environment in the delegated process")
	flag.Var(&opts.Env, "env", "KEY=VALUE override for the delegated environment, repeatable; values may reference ${VAR}")
	flag.StringVar(&opts.LogDir, "log-dir", os.Getenv(covrun.LogDirEnvVar), "Directory for per-run log files")
	flag.DurationVar(&opts.Timeout, "timeout", 0, "How long to allow the delegated run before terminating it, 0 means no limit")
	flag.DurationVar(&opts.GracePeriod, "grace-period", 10*time.Second, "How long to wait after SIGINT before SIGKILL when terminating")
	flag.BoolVar(&opts.Verbose, "verbose", false, "Enable debug logging")
	flag.BoolVar(&opts.Version, "version", false, "Print version and exit")

	flag.Parse()

	if opts.Target == "" && flag.NArg() > 0 {
		opts.Target = flag.Arg(0)
	}

	return opts
}

func main() {
	opts := parseFlags()

	if opts.Version {
		fmt.Printf("covrun version %s\n", covrun.Version)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx = setupLog(ctx, opts.Verbose)

	os.Exit(opts.Run(ctx))
}

// setupLog sets up the default logging configuration: a console handler on
// stderr, so delegated output on stdout stays unpolluted.
func setupLog(ctx context.Context, verbose bool) context.Context {
	console := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
	})
	if verbose {
		console.SetLevel(charmlog.DebugLevel)
	}

	logger := clog.New(slogmulti.Fanout(console))
	ctx = clog.WithLogger(ctx, logger)
	slog.SetDefault(&logger.Logger)
	return ctx
}

func (o *opts) Run(ctx context.Context) int {
	o.runID = uuid.New().String()
	ctx = log.With(ctx, o11y.AttrRunID, o.runID)
	if o.Target != "" {
		ctx = log.With(ctx, o11y.AttrTarget, o.Target)
	}

	ctx, cleanup := log.SetupRunLogging(ctx, o.LogDir, o.runID, o.Target)
	defer cleanup()

	shutdown, err := o11y.SetupTracing(ctx)
	if err != nil {
		log.Warn(ctx, "failed to set up tracing", "error", err)
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn(ctx, "failed to shut down tracing", "error", err)
		}
	}()

	if o.Target == "" && o.Command == "" {
		log.Error(ctx, "no test-suite target provided")
		return covrun.InternalErrorCode
	}

	envOpts := []environment.Option{environment.Inherit()}
	if o.CleanEnv {
		envOpts = nil
	}
	env := environment.New(envOpts...)

	h := harness.New(
		harness.WithInclude(harness.ParseLabels(os.Getenv(covrun.LabelsEnvVar))),
		harness.WithExclude(harness.ParseLabels(os.Getenv(covrun.SkipLabelsEnvVar))),
	)

	h.Add("resolve module path", func(ctx context.Context) (int, error) {
		dir, err := o.workDir()
		if err != nil {
			return covrun.InternalErrorCode, err
		}
		env.Set(o.ModulePathVar, dir)
		log.Info(ctx, "module search path configured", "var", o.ModulePathVar, "path", dir)
		return 0, nil
	})

	h.Add("apply environment overrides", func(ctx context.Context) (int, error) {
		for _, kv := range o.Env {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return covrun.InternalErrorCode, fmt.Errorf("malformed -env value %q, want KEY=VALUE", kv)
			}
			expanded, err := env.Expand(v)
			if err != nil {
				return covrun.InternalErrorCode, fmt.Errorf("expanding %s: %w", k, err)
			}
			env.Set(k, expanded)
		}
		return 0, nil
	})

	run := &harness.Command{
		Dir:         o.WorkDir,
		Env:         env,
		Timeout:     o.Timeout,
		GracePeriod: o.GracePeriod,
	}
	filtered := &pipeline.Pipeline{
		Dir:     o.WorkDir,
		Env:     env,
		Timeout: o.Timeout,
	}

	// The argv is assembled in its own step after the environment steps
	// have run, so a dangling variable reference fails the run before
	// anything is spawned. A -filter pipes the runner's stdout through the
	// filter command; the combined status is the first failing stage's, so
	// a failing runner is never masked by a successful filter.
	h.Add("assemble invocation", func(ctx context.Context) (int, error) {
		argv, err := o.invocation(env)
		if err != nil {
			return covrun.InternalErrorCode, err
		}
		log.Info(ctx, "delegating to test runner", "command", coverage.Render(argv))

		if o.Filter == "" {
			run.Argv = argv
			return 0, nil
		}

		expanded, err := env.Expand(o.Filter)
		if err != nil {
			return covrun.InternalErrorCode, err
		}
		filterArgv, err := coverage.Parse(expanded)
		if err != nil {
			return covrun.InternalErrorCode, err
		}
		filtered.Stages = []pipeline.Stage{
			{Name: "runner", Argv: argv},
			{Name: "filter", Argv: filterArgv},
		}
		return 0, nil
	})

	if o.Filter != "" {
		h.AddStep(filtered.Step("run suite"))
	} else {
		h.AddStep(run.Step("run suite"))
	}

	code, err := h.Run(ctx)
	if err != nil {
		log.Error(ctx, "run failed", "error", err)
	}
	return code
}

// invocation assembles the delegated argv after the setup steps have run,
// so variable references fail the run before anything is spawned.
func (o *opts) invocation(env *environment.Overlay) ([]string, error) {
	if o.Command != "" {
		expanded, err := env.Expand(o.Command)
		if err != nil {
			return nil, err
		}
		return coverage.Parse(expanded)
	}

	target, err := env.Expand(o.Target)
	if err != nil {
		return nil, err
	}

	inv := coverage.Default(target)
	inv.Tool = o.CoverageTool
	inv.Source = o.Source
	inv.Runner = o.RunnerModule
	inv.PassThrough = !o.Capture
	return inv.Argv(), nil
}

func (o *opts) workDir() (string, error) {
	if o.WorkDir == "" {
		dir, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolving working directory: %w", err)
		}
		return dir, nil
	}
	return filepath.Abs(o.WorkDir)
}
