// Package cmd holds the hive CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "hive",
	Short:   "Hive - per-branch dev cells with services, terminals, and a coding agent",
	Version: Version,
	Long: `Hive manages cells: isolated dev environments that pair a git worktree
with template-declared services, PTY terminals, and an opencode agent
session, all driven over an HTTP + SSE API.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
