package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectRuntimeEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HIVE_CELLS_ROOT", filepath.Join(dir, "cells"))
	t.Setenv("HIVE_DB_PATH", filepath.Join(dir, "state", "hive.db"))
	t.Setenv("HIVE_TEMPLATES_PATH", filepath.Join(dir, "templates.yaml"))
	t.Setenv("HIVE_OPENCODE_BIN", "/usr/local/bin/opencode")
	t.Setenv("HIVE_OPENCODE_START_TIMEOUT_MS", "5000")
	t.Setenv("SERVICE_HOST", "cells.local")
	t.Setenv("SERVICE_PROTOCOL", "https")

	cfg := DetectRuntime()

	assert.Equal(t, filepath.Join(dir, "cells"), cfg.CellsRoot)
	assert.Equal(t, filepath.Join(dir, "state", "hive.db"), cfg.DBPath)
	assert.Equal(t, "/usr/local/bin/opencode", cfg.OpencodeBin)
	assert.Equal(t, 5*time.Second, cfg.OpencodeStartTimeout)
	assert.Equal(t, "cells.local", cfg.ServiceHost)
	assert.Equal(t, "https", cfg.ServiceProtocol)

	// State directories are created eagerly.
	assert.DirExists(t, cfg.CellsRoot)
	assert.DirExists(t, filepath.Dir(cfg.DBPath))
}

func TestDetectRuntimeDefaults(t *testing.T) {
	t.Setenv("HIVE_CELLS_ROOT", t.TempDir())
	t.Setenv("HIVE_DB_PATH", filepath.Join(t.TempDir(), "hive.db"))
	t.Setenv("HIVE_OPENCODE_BIN", "")
	t.Setenv("HIVE_OPENCODE_START_TIMEOUT_MS", "")
	t.Setenv("SERVICE_HOST", "")
	t.Setenv("SERVICE_PROTOCOL", "")

	cfg := DetectRuntime()

	assert.Equal(t, "opencode", cfg.OpencodeBin)
	assert.Equal(t, 20*time.Second, cfg.OpencodeStartTimeout)
	assert.Equal(t, "localhost", cfg.ServiceHost)
	assert.Equal(t, "http", cfg.ServiceProtocol)
}

func TestDetectRuntimeIgnoresBadTimeout(t *testing.T) {
	t.Setenv("HIVE_CELLS_ROOT", t.TempDir())
	t.Setenv("HIVE_DB_PATH", filepath.Join(t.TempDir(), "hive.db"))
	t.Setenv("HIVE_OPENCODE_START_TIMEOUT_MS", "not-a-number")

	cfg := DetectRuntime()
	assert.Equal(t, 20*time.Second, cfg.OpencodeStartTimeout)
}

func TestCellCoordinatesAreDeterministic(t *testing.T) {
	cfg := &RuntimeConfig{CellsRoot: "/var/hive/cells"}

	require.Equal(t, filepath.Join("/var/hive/cells", "abc"), cfg.CellPath("abc"))
	require.Equal(t, "cell-abc", cfg.CellBranch("abc"))
	assert.Equal(t, cfg.CellPath("abc"), cfg.CellPath("abc"))
}
