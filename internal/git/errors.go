package git

import "fmt"

// WorktreeErrorKind is the closed set of ways worktree creation and removal
// can fail. Kinds are stable and survive JSON serialization.
type WorktreeErrorKind string

const (
	ErrGitMissing           WorktreeErrorKind = "git_missing"
	ErrHeadResolutionFailed WorktreeErrorKind = "head_resolution_failed"
	ErrBranchExists         WorktreeErrorKind = "branch_exists"
	ErrWorktreeExists       WorktreeErrorKind = "worktree_exists"
	ErrPathInUse            WorktreeErrorKind = "path_in_use"
	ErrFilesystem           WorktreeErrorKind = "filesystem_error"
)

// WorktreeError is a structured worktree failure. Fatal to the provisioning
// attempt that triggered it.
type WorktreeError struct {
	Kind   WorktreeErrorKind `json:"kind"`
	Path   string            `json:"path,omitempty"`
	Branch string            `json:"branch,omitempty"`
	Cause  error             `json:"-"`
}

func (e *WorktreeError) Error() string {
	msg := fmt.Sprintf("worktree %s", e.Kind)
	if e.Path != "" {
		msg += " at " + e.Path
	}
	if e.Branch != "" {
		msg += " (branch " + e.Branch + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *WorktreeError) Unwrap() error { return e.Cause }

func worktreeErr(kind WorktreeErrorKind, path, branch string, cause error) *WorktreeError {
	return &WorktreeError{Kind: kind, Path: path, Branch: branch, Cause: cause}
}
