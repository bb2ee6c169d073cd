package git

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecutor records git invocations and replays canned responses.
type fakeExecutor struct {
	calls [][]string
	// respond maps the first git subcommand ("worktree", "diff", ...) to a
	// result. Unmapped commands succeed with empty output.
	respond map[string]fakeResult
}

type fakeResult struct {
	out []byte
	err error
}

func (f *fakeExecutor) Execute(dir string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, args)
	if r, ok := f.respond[args[0]]; ok {
		return r.out, r.err
	}
	return nil, nil
}

func TestClassifyAddError(t *testing.T) {
	cases := []struct {
		msg  string
		kind WorktreeErrorKind
	}{
		{"fatal: a branch named 'hive/x' already exists", ErrBranchExists},
		{"fatal: '/cells/x' already exists", ErrWorktreeExists},
		{"fatal: '/cells/x' is already used by worktree at '/cells/y'", ErrPathInUse},
		{"fatal: 'hive/x' is already checked out at '/cells/y'", ErrPathInUse},
		{"fatal: could not create directory", ErrFilesystem},
	}
	for _, tc := range cases {
		err := classifyAddError(errors.New(tc.msg), "/cells/x", "hive/x")
		var wtErr *WorktreeError
		require.True(t, errors.As(err, &wtErr), tc.msg)
		assert.Equal(t, tc.kind, wtErr.Kind, tc.msg)
	}
}

func TestWorktreeErrorMessage(t *testing.T) {
	err := worktreeErr(ErrPathInUse, "/cells/x", "hive/x", errors.New("boom"))
	assert.Contains(t, err.Error(), "path_in_use")
	assert.Contains(t, err.Error(), "/cells/x")
	assert.Contains(t, err.Error(), "hive/x")
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, "boom", errors.Unwrap(err).Error())
}

func TestCreateWorktreeHeadResolutionFailure(t *testing.T) {
	// An empty directory is not a git repository.
	wm := NewWorktreeManager(&fakeExecutor{})
	_, err := wm.CreateWorktree(CreateOptions{
		WorkspaceRoot: t.TempDir(),
		Path:          filepath.Join(t.TempDir(), "wt"),
		Branch:        "hive/x",
	})
	var wtErr *WorktreeError
	require.True(t, errors.As(err, &wtErr))
	assert.Equal(t, ErrHeadResolutionFailed, wtErr.Kind)
}

func TestRemoveWorktreeFallsBackToFilesystem(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wt")
	require.NoError(t, os.MkdirAll(path, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "f"), []byte("x"), 0644))

	exe := &fakeExecutor{respond: map[string]fakeResult{
		"worktree": {err: errors.New("git worktree remove failed")},
	}}
	wm := NewWorktreeManager(exe)

	require.NoError(t, wm.RemoveWorktree("/repo", path, "hive/x"))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// remove, prune, then branch -D.
	require.Len(t, exe.calls, 3)
	assert.Equal(t, []string{"worktree", "remove", "--force", path}, exe.calls[0])
	assert.Equal(t, []string{"worktree", "prune"}, exe.calls[1])
	assert.Equal(t, []string{"branch", "-D", "hive/x"}, exe.calls[2])
}

func TestRemoveWorktreeHappyPath(t *testing.T) {
	exe := &fakeExecutor{}
	wm := NewWorktreeManager(exe)

	require.NoError(t, wm.RemoveWorktree("/repo", "/cells/x", "hive/x"))

	require.Len(t, exe.calls, 2)
	assert.Equal(t, "worktree", exe.calls[0][0])
	assert.Equal(t, "branch", exe.calls[1][0])
}

func TestDiff(t *testing.T) {
	exe := &fakeExecutor{respond: map[string]fakeResult{
		"diff": {out: []byte("diff --git a/f b/f\n")},
	}}
	wm := NewWorktreeManager(exe)

	out, err := wm.Diff("/cells/x", "abc123")
	require.NoError(t, err)
	assert.Contains(t, out, "diff --git")
	assert.Equal(t, []string{"diff", "abc123"}, exe.calls[0])

	_, err = wm.Diff("/cells/x", "")
	assert.Error(t, err)
}

func TestDiffExecutorFailure(t *testing.T) {
	exe := &fakeExecutor{respond: map[string]fakeResult{
		"diff": {err: fmt.Errorf("git diff failed")},
	}}
	wm := NewWorktreeManager(exe)

	_, err := wm.Diff("/cells/x", "abc123")
	assert.Error(t, err)
}

func TestCopyIncludes(t *testing.T) {
	root := t.TempDir()
	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte("A=1"), 0600))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "config"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "config", "local.yml"), []byte("x: 1"), 0644))

	wm := NewWorktreeManager(&fakeExecutor{})
	require.NoError(t, wm.copyIncludes(root, dest, []string{".env", "config/*.yml"}))

	data, err := os.ReadFile(filepath.Join(dest, ".env"))
	require.NoError(t, err)
	assert.Equal(t, "A=1", string(data))

	info, err := os.Stat(filepath.Join(dest, ".env"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	_, err = os.Stat(filepath.Join(dest, "config", "local.yml"))
	assert.NoError(t, err)
}
