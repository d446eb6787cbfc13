package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRun_PanicRecovery(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	// An HCL syntax error makes app.NewApp panic while loading settings.
	invalidHCL := `
		package "requests" {
			pre_built = true
		// Missing closing brace here
	`
	tempDir := t.TempDir()
	filePath := filepath.Join(tempDir, "settings.hcl")
	err := os.WriteFile(filePath, []byte(invalidHCL), 0600)
	require.NoError(t, err, "failed to set up test file")

	args := []string{"-settings", filePath, "-work-dir", filepath.Join(tempDir, "work"), "requests"}
	out := &bytes.Buffer{}

	// --- Act ---
	runErr := run(context.Background(), out, args)

	// --- Assert ---
	require.Error(t, runErr, "run() should have returned an error after recovering from a panic")

	errStr := runErr.Error()
	require.True(t, strings.Contains(errStr, "application startup panicked"), "The error message should indicate that a panic was recovered.")
	require.True(t, strings.Contains(errStr, "failed to parse"), "The error message should contain the underlying reason for the panic.")
}

func TestRun_ShouldExit(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	args := []string{"-h"}
	out := &bytes.Buffer{}

	// --- Act ---
	err := run(context.Background(), out, args)

	// --- Assert ---
	require.NoError(t, err, "run() should return a nil error when shouldExit is true")
	require.Contains(t, out.String(), "Usage:", "Expected help text to be printed to the output buffer")
}

func TestRun_ParseError(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	args := []string{"--this-is-not-a-valid-flag"}
	out := &bytes.Buffer{}

	// --- Act ---
	err := run(context.Background(), out, args)

	// --- Assert ---
	require.Error(t, err, "run() should return an error when argument parsing fails")
	require.Contains(t, err.Error(), "flag provided but not defined: -this-is-not-a-valid-flag")
}

func TestRun_BuildModeWithoutGraph(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	dir := t.TempDir()
	args := []string{
		"-mode", "build",
		"-graph", filepath.Join(dir, "missing.json"),
		"-cache-dir", filepath.Join(dir, "cache"),
		"-work-dir", filepath.Join(dir, "work"),
	}
	out := &bytes.Buffer{}

	// --- Act ---
	err := run(context.Background(), out, args)

	// --- Assert ---
	require.Error(t, err)
	require.Contains(t, err.Error(), "loading graph")
}
