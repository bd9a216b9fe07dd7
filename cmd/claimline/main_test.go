package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimline/internal/domain"
)

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	stdout = &out
	t.Cleanup(func() { stdout = os.Stdout })

	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&out)
	require.NoError(t, root.ExecuteContext(context.Background()), out.String())
	return out.String()
}

func TestClaimSubmitWaitsForDecision(t *testing.T) {
	ws := t.TempDir()
	out := runCLI(t, "init", "-w", ws)
	assert.Contains(t, out, filepath.Join(ws, "claimline.yml"))

	out = runCLI(t, "policy", "upsert", "POL-1", "-w", ws,
		"--holder", "Jane Roe", "--effective", "2023-01-01", "--expires", "2030-01-01",
		"--limit", "50000", "--deductible", "500", "--perils", "collision,theft")
	assert.Contains(t, out, "Saved policy POL-1")

	out = runCLI(t, "claim", "submit", "-w", ws, "--json",
		"--id", "clm-1", "--policy", "POL-1", "--type", "collision", "--amount", "1250",
		"--incident-date", "2024-02-01", "--description", "rear ended at a traffic light")
	var claim domain.Claim
	require.NoError(t, json.Unmarshal([]byte(out), &claim), out)
	assert.Equal(t, "clm-1", claim.ID)
	assert.True(t, claim.Status.Settled(), "status %s", claim.Status)
	assert.Equal(t, 1, claim.Attempts)
	require.NotNil(t, claim.Decision)

	out = runCLI(t, "claim", "show", "clm-1", "-w", ws, "--json=false")
	assert.Contains(t, out, "Claim clm-1")
	assert.Contains(t, out, "$1,250")

	out = runCLI(t, "log", "tail", "-w", ws, "--type", "claim.submitted")
	assert.Contains(t, out, "claim/clm-1")
}

func TestClaimSubmitRejectsInvalidAmount(t *testing.T) {
	ws := t.TempDir()
	runCLI(t, "init", "-w", ws)

	var out bytes.Buffer
	stdout = &out
	t.Cleanup(func() { stdout = os.Stdout })
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"claim", "submit", "-w", ws, "--policy", "POL-1", "--type", "collision", "--amount", "-5",
		"--incident-date", "2024-02-01"})
	assert.Error(t, root.ExecuteContext(context.Background()))
}
