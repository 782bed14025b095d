package main

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getProjectRoot returns the absolute path to the project root.
func getProjectRoot(t *testing.T) string {
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	t.Fatal("go.mod not found")
	return ""
}

func buildBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping build test in short mode")
	}
	binPath := filepath.Join(t.TempDir(), "cassnap")
	buildCmd := exec.Command("go", "build", "-o", binPath, ".")
	buildCmd.Dir = filepath.Join(getProjectRoot(t), "cmd", "cassnap")
	output, err := buildCmd.CombinedOutput()
	require.NoError(t, err, "build failed: %s", string(output))
	return binPath
}

func exitStatus(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func TestMainHelpFlag(t *testing.T) {
	bin := buildBinary(t)

	out, err := exec.Command(bin, "--help").CombinedOutput()
	require.NoError(t, err)
	assert.Contains(t, string(out), "incremental Cassandra backups")
}

func TestMainUnknownCommand(t *testing.T) {
	bin := buildBinary(t)

	out, err := exec.Command(bin, "unknown-command-xyz").CombinedOutput()
	assert.Equal(t, 1, exitStatus(err))
	assert.Contains(t, strings.ToLower(string(out)), "unknown")
}

func TestMainInvalidConfigIsFatal(t *testing.T) {
	bin := buildBinary(t)
	cfg := filepath.Join(t.TempDir(), "cassnap.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("gateway:\n  request_timeout: soon\n"), 0o600))

	out, err := exec.Command(bin, "--config", cfg, "snapshot").CombinedOutput()
	assert.Equal(t, 1, exitStatus(err))
	assert.Contains(t, string(out), "E_CONFIG_INVALID")
}

func TestMainConfigRoundTrip(t *testing.T) {
	bin := buildBinary(t)
	cfg := filepath.Join(t.TempDir(), "cassnap.yaml")

	out, err := exec.Command(bin, "--config", cfg, "config", "set", "gateway.dest_dir", "/backups/prod").CombinedOutput()
	require.NoError(t, err, string(out))

	out, err = exec.Command(bin, "--config", cfg, "config", "get", "gateway.dest_dir").CombinedOutput()
	require.NoError(t, err)
	assert.Equal(t, "/backups/prod\n", string(out))
}
