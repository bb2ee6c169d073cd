package terminal

import (
	"fmt"

	"github.com/hivedev/hive/internal/config"
)

// ChatOptions describes an agent-chat terminal attach.
type ChatOptions struct {
	CellID            string
	WorkspacePath     string
	OpencodeSessionID string
	// ServerURL points the TUI at the server owning the session. Falls back
	// to the configured override when empty.
	ServerURL string
	ThemeMode string
	Cols      uint16
	Rows      uint16
}

// ChatLaunchSpec builds the launch spec for the coding-agent attach command.
// The binary resolves through HIVE_OPENCODE_BIN; identical parameters make a
// later EnsureSession idempotent.
func ChatLaunchSpec(cfg *config.RuntimeConfig, opts ChatOptions) LaunchSpec {
	argv := []string{
		cfg.OpencodeBin,
		"attach",
		"--session", opts.OpencodeSessionID,
		"--dir", opts.WorkspacePath,
	}
	if opts.ThemeMode != "" {
		argv = append(argv, "--theme", opts.ThemeMode)
	}

	serverURL := opts.ServerURL
	if serverURL == "" {
		serverURL = cfg.OpencodeServerURL
	}
	var env []string
	if serverURL != "" {
		env = append(env, fmt.Sprintf("OPENCODE_SERVER_URL=%s", serverURL))
	}

	return LaunchSpec{
		Key:          opts.CellID,
		Cwd:          opts.WorkspacePath,
		Argv:         argv,
		Env:          env,
		StartingCols: opts.Cols,
		StartingRows: opts.Rows,
	}
}
