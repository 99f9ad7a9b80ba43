package pipeline

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covrun/covrun/internal/covrun"
	"github.com/covrun/covrun/internal/environment"
)

func TestRunAllStagesSucceed(t *testing.T) {
	var stdout bytes.Buffer

	p := &Pipeline{
		Stages: []Stage{
			{Name: "produce", Argv: []string{"echo", "hello pipeline"}},
			{Name: "pass", Argv: []string{"cat"}},
		},
		Stdout: &stdout,
		Stderr: &bytes.Buffer{},
	}

	code, err := p.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello pipeline\n", stdout.String())
}

// An upstream failure is not masked by a successful downstream stage.
func TestRunUpstreamFailurePropagates(t *testing.T) {
	var stdout bytes.Buffer

	p := &Pipeline{
		Stages: []Stage{
			{Name: "fail", Argv: []string{"/bin/sh", "-c", "echo partial; exit 1"}},
			{Name: "format", Argv: []string{"cat"}},
		},
		Stdout: &stdout,
		Stderr: &bytes.Buffer{},
	}

	code, err := p.Run(t.Context())
	assert.Equal(t, 1, code)
	assert.ErrorContains(t, err, `stage "fail" failed`)

	// Output produced before the failure still streams through.
	assert.Equal(t, "partial\n", stdout.String())
}

func TestRunReportsFirstFailingStageInOrder(t *testing.T) {
	p := &Pipeline{
		Stages: []Stage{
			{Name: "first", Argv: []string{"/bin/sh", "-c", "exit 4"}},
			{Name: "second", Argv: []string{"/bin/sh", "-c", "cat >/dev/null; exit 6"}},
		},
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
	}

	code, err := p.Run(t.Context())
	assert.Equal(t, 4, code)
	assert.ErrorContains(t, err, `stage "first" failed`)
}

func TestRunUnspawnableStage(t *testing.T) {
	p := &Pipeline{
		Stages: []Stage{
			{Name: "produce", Argv: []string{"echo", "hi"}},
			{Name: "broken", Argv: []string{"definitely-not-a-binary"}},
		},
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
	}

	code, err := p.Run(t.Context())
	assert.Equal(t, covrun.InternalErrorCode, code)
	assert.Error(t, err)
}

func TestRunEmptyPipeline(t *testing.T) {
	p := &Pipeline{}

	code, err := p.Run(t.Context())
	assert.Equal(t, covrun.InternalErrorCode, code)
	assert.Error(t, err)
}

// Every stage runs in the configured working directory, not the harness's
// own.
func TestRunStageWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "present"), nil, 0o644))

	var stdout bytes.Buffer
	p := &Pipeline{
		Stages: []Stage{
			{Name: "check", Argv: []string{"/bin/sh", "-c", "test -f present && echo found"}},
			{Name: "pass", Argv: []string{"cat"}},
		},
		Dir:    dir,
		Stdout: &stdout,
		Stderr: &bytes.Buffer{},
	}

	code, err := p.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "found\n", stdout.String())
}

func TestRunStageEnvOverlay(t *testing.T) {
	env := environment.New()
	env.Set("PIPE_VALUE", "flows")

	var stdout bytes.Buffer
	p := &Pipeline{
		Stages: []Stage{
			{Name: "emit", Argv: []string{"/bin/sh", "-c", "printenv PIPE_VALUE"}},
			{Name: "pass", Argv: []string{"cat"}},
		},
		Env:    env,
		Stdout: &stdout,
		Stderr: &bytes.Buffer{},
	}

	code, err := p.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "flows\n", stdout.String())
}
