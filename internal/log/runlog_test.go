package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/chainguard-dev/clog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietContext() context.Context {
	logger := clog.New(slog.NewTextHandler(io.Discard, nil))
	return clog.WithLogger(context.Background(), logger)
}

func TestSetupRunLogging(t *testing.T) {
	dir := t.TempDir()

	ctx, cleanup := SetupRunLogging(quietContext(), dir, "run-123", "tests/test_suite.py")
	Info(ctx, "step started", "step", "run suite")
	cleanup()

	logs, err := filepath.Glob(filepath.Join(dir, "run-123", "*.log"))
	require.NoError(t, err)
	require.Len(t, logs, 1)

	data, err := os.ReadFile(logs[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "step started")
	assert.Contains(t, string(data), "run suite")
}

func TestSetupRunLoggingDisabled(t *testing.T) {
	in := quietContext()

	ctx, cleanup := SetupRunLogging(in, "", "run-123", "target")
	defer cleanup()

	// No directory means console-only logging and an unchanged context.
	assert.Equal(t, in, ctx)
}

func TestSetupRunLoggingUnwritableDirectory(t *testing.T) {
	// A file where the directory should go forces MkdirAll to fail; the
	// run must degrade to console-only logging, not abort.
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	require.NoError(t, os.WriteFile(blocked, nil, 0o644))

	ctx, cleanup := SetupRunLogging(quietContext(), filepath.Join(blocked, "nested"), "run-123", "target")
	defer cleanup()

	assert.NotNil(t, ctx)
}
