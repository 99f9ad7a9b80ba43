package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/gosimple/slug"
	slogmulti "github.com/samber/slog-multi"
)

// SetupRunLogging tees the context's logger into a per-run JSON log file
// under logsDirectory. The returned cleanup closes the file; the returned
// context carries the teed logger. When logsDirectory is empty this is a
// no-op, and file setup failures degrade to console-only logging rather
// than failing the run.
func SetupRunLogging(ctx context.Context, logsDirectory, runID, target string) (context.Context, func()) {
	if logsDirectory == "" {
		return ctx, func() {}
	}

	runDir := filepath.Join(logsDirectory, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		clog.WarnContext(ctx, "failed to create run log directory", "path", runDir, "error", err.Error())
		return ctx, func() {}
	}

	logPath := filepath.Join(runDir, fmt.Sprintf("%s.log", slug.Make(target)))

	logFile, err := os.Create(logPath)
	if err != nil {
		clog.WarnContext(ctx, "failed to create run log file", "path", logPath, "error", err.Error())
		return ctx, func() {}
	}

	handler := slogmulti.Fanout(
		clog.FromContext(ctx).Handler(),
		slog.NewJSONHandler(logFile, nil),
	)

	clog.InfoContext(ctx, "logging run to file", "path", logPath)
	ctx = clog.WithLogger(ctx, clog.New(handler))

	return ctx, func() {
		if err := logFile.Close(); err != nil {
			clog.WarnContext(ctx, "failed to close run log file", "path", logPath, "error", err.Error())
		}
	}
}
