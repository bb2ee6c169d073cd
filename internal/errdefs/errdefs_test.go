package errdefs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateSetupErrorRoundTrip(t *testing.T) {
	code := 7
	original := &TemplateSetupError{
		TemplateID:    "hive-dev",
		WorkspacePath: "/cells/abc",
		Command:       "npm install && exit 7",
		ExitCode:      &code,
		Cause:         &CommandExecutionError{Command: "npm install && exit 7", Cwd: "/cells/abc", ExitCode: &code},
	}

	rehydrated := Rehydrate(Serialize(original))

	setupErr, ok := IsTemplateSetup(rehydrated)
	require.True(t, ok)
	assert.Equal(t, "hive-dev", setupErr.TemplateID)
	assert.Equal(t, "/cells/abc", setupErr.WorkspacePath)
	require.NotNil(t, setupErr.ExitCode)
	assert.Equal(t, 7, *setupErr.ExitCode)

	var cmdErr *CommandExecutionError
	require.True(t, errors.As(rehydrated, &cmdErr))
	assert.Equal(t, "/cells/abc", cmdErr.Cwd)
}

func TestRehydrateByShapeWithoutKind(t *testing.T) {
	// A record that lost its kind still matches structurally.
	raw := []byte(`{"message":"boom","templateId":"t1","workspacePath":"/w","command":"make setup"}`)

	_, ok := IsTemplateSetup(Rehydrate(raw))
	assert.True(t, ok)
}

func TestRehydrateCancellation(t *testing.T) {
	original := &CancellationError{CellID: "c1", Reason: "cell is being deleted"}

	rehydrated := Rehydrate(Serialize(original))

	assert.True(t, IsCancellation(rehydrated))
	assert.Contains(t, rehydrated.Error(), "c1")
}

func TestRehydrateUnknownShapeIsPlainError(t *testing.T) {
	rehydrated := Rehydrate([]byte(`{"message":"something odd"}`))

	assert.False(t, IsCancellation(rehydrated))
	_, ok := IsTemplateSetup(rehydrated)
	assert.False(t, ok)
	assert.Equal(t, "something odd", rehydrated.Error())
}

func TestRehydrateGarbageInput(t *testing.T) {
	err := Rehydrate([]byte("not json at all"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unparseable")
}

func TestErrorMessages(t *testing.T) {
	code := 2
	setupErr := &TemplateSetupError{TemplateID: "t", WorkspacePath: "/w", Command: "exit 2", ExitCode: &code}
	assert.Contains(t, setupErr.Error(), "exit code 2")
	assert.Contains(t, setupErr.Error(), "exit 2")

	cmdErr := &CommandExecutionError{Command: "ls"}
	assert.Contains(t, cmdErr.Error(), `"ls"`)
}
