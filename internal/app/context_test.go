package app

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimline/internal/config"
)

func TestResolveConfigFallsBackToDefaults(t *testing.T) {
	cfg, err := ResolveConfig(t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, config.Default().Processing.Workers, cfg.Processing.Workers)
}

func TestResolveConfigReadsExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte("processing:\n  workers: 9\n"), 0o644))
	cfg, err := ResolveConfig(t.TempDir(), path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Processing.Workers)

	_, err = ResolveConfig("", filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestInitWorkspaceAndOpen(t *testing.T) {
	ws := t.TempDir()
	path, err := InitWorkspace(ws, false)
	require.NoError(t, err)
	assert.FileExists(t, path)

	_, err = InitWorkspace(ws, false)
	assert.Error(t, err)
	_, err = InitWorkspace(ws, true)
	assert.NoError(t, err)

	rt, err := Open(Options{Workspace: ws, LogOutput: io.Discard})
	require.NoError(t, err)
	defer rt.Close(context.Background())

	policies, err := rt.Engine.Repo.ListPolicies(context.Background())
	require.NoError(t, err)
	assert.Empty(t, policies)
}
