// Package covrun holds the constants shared between the covrun binary and
// the packages that implement it.
package covrun

const (
	// InternalErrorCode is returned when the harness itself fails, as
	// opposed to a delegated process reporting its own non-zero status.
	// 125 sits above the conventional user range and below the 128+signal
	// band, so it can't collide with a propagated child code in practice.
	InternalErrorCode = 125

	// DefaultModulePathVar is the variable the module-path step sets so
	// locally defined modules are importable by the delegated runner
	// without installation.
	DefaultModulePathVar = "PYTHONPATH"

	// Defaults for the delegated invocation, mirroring
	// `coverage run --source=. -m pytest <target> -s`.
	DefaultCoverageTool = "coverage"
	DefaultRunnerModule = "pytest"
	DefaultSourceScope  = "."

	// LogDirEnvVar points at a directory for per-run log files. Unset
	// means console-only logging.
	LogDirEnvVar = "COVRUN_LOG_DIR"

	// LabelsEnvVar and SkipLabelsEnvVar carry comma separated k=v pairs
	// selecting which harness steps run.
	LabelsEnvVar     = "COVRUN_LABELS"
	SkipLabelsEnvVar = "COVRUN_SKIP_LABELS"
)

// Version is stamped at build time via ldflags.
var Version = "dev"
