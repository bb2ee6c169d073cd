package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// RuntimeConfig holds environment-derived settings for the server process.
type RuntimeConfig struct {
	// CellsRoot is the directory holding per-cell worktrees at CellsRoot/<cellID>.
	CellsRoot string
	// DBPath is the sqlite database location.
	DBPath string
	// TemplatesPath points at the YAML template registry.
	TemplatesPath string

	// OpencodeServerURL is an explicit agent server URL override.
	OpencodeServerURL string
	// OpencodeBin is the binary launched by the chat terminal.
	OpencodeBin string
	// OpencodeStartTimeout bounds how long we wait for the agent runtime.
	OpencodeStartTimeout time.Duration

	ServiceHost     string
	ServiceProtocol string
}

var (
	// Runtime is the global runtime configuration instance
	Runtime *RuntimeConfig
)

func init() {
	Runtime = DetectRuntime()
}

// DetectRuntime builds the runtime configuration from the environment,
// falling back to ~/.hive for on-disk state.
func DetectRuntime() *RuntimeConfig {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.Getenv("HOME")
		if homeDir == "" {
			homeDir = "."
		}
	}
	hiveDir := filepath.Join(homeDir, ".hive")

	config := &RuntimeConfig{
		CellsRoot:            envOr("HIVE_CELLS_ROOT", filepath.Join(hiveDir, "cells")),
		DBPath:               envOr("HIVE_DB_PATH", filepath.Join(hiveDir, "hive.db")),
		TemplatesPath:        envOr("HIVE_TEMPLATES_PATH", filepath.Join(hiveDir, "templates.yaml")),
		OpencodeServerURL:    os.Getenv("HIVE_OPENCODE_SERVER_URL"),
		OpencodeBin:          envOr("HIVE_OPENCODE_BIN", "opencode"),
		OpencodeStartTimeout: envMillis("HIVE_OPENCODE_START_TIMEOUT_MS", 20_000),
		ServiceHost:          envOr("SERVICE_HOST", "localhost"),
		ServiceProtocol:      envOr("SERVICE_PROTOCOL", "http"),
	}

	for _, dir := range []string{config.CellsRoot, filepath.Dir(config.DBPath)} {
		_ = os.MkdirAll(dir, 0755)
	}

	return config
}

// CellPath returns the deterministic worktree location for a cell. The path is
// chosen before the worktree exists so the cell row can be inserted first.
func (rc *RuntimeConfig) CellPath(cellID string) string {
	return filepath.Join(rc.CellsRoot, cellID)
}

// CellBranch returns the deterministic branch name for a cell.
func (rc *RuntimeConfig) CellBranch(cellID string) string {
	return "cell-" + cellID
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envMillis(key string, fallback int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return time.Duration(fallback) * time.Millisecond
}
