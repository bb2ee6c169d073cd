package git

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/hivedev/hive/internal/logger"
)

// TimingFunc reports the duration of one intra-phase step.
type TimingFunc func(step string, durationMs int64, metadata map[string]interface{})

// CreateOptions controls worktree creation.
type CreateOptions struct {
	// WorkspaceRoot is the primary checkout the worktree is attached to.
	WorkspaceRoot string
	// Path is the deterministic worktree location (cellsRoot/<cellID>).
	Path string
	// Branch is the deterministic branch name (cell-<cellID>).
	Branch string
	// Include lists glob patterns (relative to WorkspaceRoot) copied into the
	// fresh worktree, for untracked files templates depend on.
	Include []string
	// Force wipes any prior path and branch before creating.
	Force bool
	// OnTiming, when set, receives per-step timings.
	OnTiming TimingFunc
}

// CreateResult reports the coordinates of a created worktree.
type CreateResult struct {
	Path       string `json:"path"`
	Branch     string `json:"branch"`
	BaseCommit string `json:"baseCommit"`
}

// WorktreeManager creates and removes per-cell git worktrees.
type WorktreeManager struct {
	executor Executor
}

// NewWorktreeManager creates a worktree manager backed by the given executor.
func NewWorktreeManager(executor Executor) *WorktreeManager {
	return &WorktreeManager{executor: executor}
}

// CreateWorktree attaches a new worktree with its own branch at a
// deterministic path. Errors are the closed WorktreeError union.
func (wm *WorktreeManager) CreateWorktree(opts CreateOptions) (*CreateResult, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return nil, worktreeErr(ErrGitMissing, opts.Path, opts.Branch, err)
	}

	timed := func(step string, metadata map[string]interface{}, fn func() error) error {
		start := time.Now()
		err := fn()
		if opts.OnTiming != nil {
			opts.OnTiming(step, time.Since(start).Milliseconds(), metadata)
		}
		return err
	}

	// Resolve the base commit before touching the filesystem.
	var baseCommit string
	if err := timed("resolve_head", nil, func() error {
		repo, err := gogit.PlainOpen(opts.WorkspaceRoot)
		if err != nil {
			return worktreeErr(ErrHeadResolutionFailed, opts.WorkspaceRoot, "", err)
		}
		head, err := repo.Head()
		if err != nil {
			return worktreeErr(ErrHeadResolutionFailed, opts.WorkspaceRoot, "", err)
		}
		baseCommit = head.Hash().String()

		branchRef := plumbing.NewBranchReferenceName(opts.Branch)
		if _, err := repo.Reference(branchRef, false); err == nil && !opts.Force {
			return worktreeErr(ErrBranchExists, opts.Path, opts.Branch, nil)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := timed("prepare_path", map[string]interface{}{"force": opts.Force}, func() error {
		if _, err := os.Stat(opts.Path); err == nil {
			if !opts.Force {
				return worktreeErr(ErrWorktreeExists, opts.Path, opts.Branch, nil)
			}
			if err := wm.wipe(opts.WorkspaceRoot, opts.Path, opts.Branch); err != nil {
				return err
			}
		}
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return worktreeErr(ErrFilesystem, opts.Path, opts.Branch, err)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := timed("worktree_add", map[string]interface{}{"branch": opts.Branch, "baseCommit": baseCommit}, func() error {
		if _, err := wm.executor.Execute(opts.WorkspaceRoot,
			"worktree", "add", "-b", opts.Branch, opts.Path, baseCommit); err != nil {
			return classifyAddError(err, opts.Path, opts.Branch)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if len(opts.Include) > 0 {
		if err := timed("copy_includes", map[string]interface{}{"patterns": opts.Include}, func() error {
			return wm.copyIncludes(opts.WorkspaceRoot, opts.Path, opts.Include)
		}); err != nil {
			// Includes are a convenience; a created worktree is not torn down
			// for a copy failure, but the error is still fatal to the caller.
			return nil, err
		}
	}

	return &CreateResult{Path: opts.Path, Branch: opts.Branch, BaseCommit: baseCommit}, nil
}

// RemoveWorktree detaches the worktree and deletes its branch. Best-effort:
// on structural git failure it falls back to recursive filesystem removal so
// no persistent registration is left behind.
func (wm *WorktreeManager) RemoveWorktree(workspaceRoot, path, branch string) error {
	var gitFailed bool
	if _, err := wm.executor.Execute(workspaceRoot, "worktree", "remove", "--force", path); err != nil {
		logger.Warnf("git worktree remove failed for %s, falling back to filesystem removal: %v", path, err)
		gitFailed = true
	}

	if gitFailed {
		if err := os.RemoveAll(path); err != nil {
			return worktreeErr(ErrFilesystem, path, branch, err)
		}
		// Drop the stale registration so git forgets the path.
		if _, err := wm.executor.Execute(workspaceRoot, "worktree", "prune"); err != nil {
			logger.Warnf("git worktree prune failed for %s: %v", workspaceRoot, err)
		}
	}

	if branch != "" {
		if _, err := wm.executor.Execute(workspaceRoot, "branch", "-D", branch); err != nil {
			logger.Debugf("branch %s not removed (may not exist): %v", branch, err)
		}
	}
	return nil
}

// wipe removes a prior worktree registration, path, and branch ahead of a
// forced create.
func (wm *WorktreeManager) wipe(workspaceRoot, path, branch string) error {
	if _, err := wm.executor.Execute(workspaceRoot, "worktree", "remove", "--force", path); err != nil {
		logger.Debugf("force wipe: worktree remove failed for %s: %v", path, err)
	}
	if err := os.RemoveAll(path); err != nil {
		return worktreeErr(ErrFilesystem, path, branch, err)
	}
	if _, err := wm.executor.Execute(workspaceRoot, "worktree", "prune"); err != nil {
		logger.Debugf("force wipe: worktree prune failed: %v", err)
	}
	if _, err := wm.executor.Execute(workspaceRoot, "branch", "-D", branch); err != nil {
		logger.Debugf("force wipe: branch delete failed for %s: %v", branch, err)
	}
	return nil
}

// Diff returns the worktree's patch against its base commit, including
// staged changes.
func (wm *WorktreeManager) Diff(worktreePath, baseCommit string) (string, error) {
	if baseCommit == "" {
		return "", fmt.Errorf("no base commit recorded for %s", worktreePath)
	}
	out, err := wm.executor.Execute(worktreePath, "diff", baseCommit)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (wm *WorktreeManager) copyIncludes(root, dest string, patterns []string) error {
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(root, pattern))
		if err != nil {
			return worktreeErr(ErrFilesystem, dest, "", fmt.Errorf("bad include pattern %q: %w", pattern, err))
		}
		for _, src := range matches {
			rel, err := filepath.Rel(root, src)
			if err != nil {
				continue
			}
			if err := copyFile(src, filepath.Join(dest, rel)); err != nil {
				return worktreeErr(ErrFilesystem, dest, "", err)
			}
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, info.Mode().Perm())
}

// classifyAddError maps git worktree add failures onto the error union.
func classifyAddError(err error, path, branch string) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "already exists") && strings.Contains(msg, "branch"):
		return worktreeErr(ErrBranchExists, path, branch, err)
	case strings.Contains(msg, "already exists"):
		return worktreeErr(ErrWorktreeExists, path, branch, err)
	case strings.Contains(msg, "already used by worktree") || strings.Contains(msg, "is already checked out"):
		return worktreeErr(ErrPathInUse, path, branch, err)
	default:
		return worktreeErr(ErrFilesystem, path, branch, err)
	}
}
