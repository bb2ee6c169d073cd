package git

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// Executor abstracts git command execution so worktree operations can be
// tested against a fake.
type Executor interface {
	Execute(dir string, args ...string) ([]byte, error)
}

// ShellExecutor implements Executor using the git binary.
type ShellExecutor struct{}

// NewShellExecutor creates a shell-based git command executor.
func NewShellExecutor() Executor {
	return &ShellExecutor{}
}

// Execute runs a git command in the specified directory.
func (e *ShellExecutor) Execute(dir string, args ...string) ([]byte, error) {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git %s failed: %v\nstderr: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.Bytes(), nil
}
