// Package errdefs defines the typed failures that cross the supervisor and
// engine boundaries. Each kind carries a stable discriminator so errors
// serialized to JSON (for example by an out-of-process adapter) can be
// re-hydrated by shape instead of by message matching.
package errdefs

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminators used in serialized error records.
const (
	KindTemplateSetup    = "template_setup_error"
	KindCommandExecution = "command_execution_error"
	KindCancellation     = "cancellation_error"
)

// CommandExecutionError reports a supervisor-launched process that exited
// non-zero.
type CommandExecutionError struct {
	Command  string `json:"command"`
	Cwd      string `json:"cwd,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

func (e *CommandExecutionError) Error() string {
	if e.ExitCode != nil {
		return fmt.Sprintf("command %q failed with exit code %d", e.Command, *e.ExitCode)
	}
	return fmt.Sprintf("command %q failed", e.Command)
}

// TemplateSetupError means the worktree is valid but the template's setup
// recipe failed. Callers preserve the worktree and cell row so the user can
// inspect and retry.
type TemplateSetupError struct {
	TemplateID    string `json:"templateId"`
	WorkspacePath string `json:"workspacePath"`
	Command       string `json:"command"`
	ExitCode      *int   `json:"exitCode,omitempty"`
	Cause         error  `json:"-"`
}

func (e *TemplateSetupError) Error() string {
	msg := fmt.Sprintf("template %s setup failed in %s running %q", e.TemplateID, e.WorkspacePath, e.Command)
	if e.ExitCode != nil {
		msg += fmt.Sprintf(" (exit code %d)", *e.ExitCode)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TemplateSetupError) Unwrap() error { return e.Cause }

// CancellationError means the cell was deleted or flipped to deleting while
// an attempt was in flight. Recovery must not mark the cell errored.
type CancellationError struct {
	CellID string `json:"cellId"`
	Reason string `json:"reason"`
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("provisioning of cell %s cancelled: %s", e.CellID, e.Reason)
}

// IsCancellation reports whether any error in the chain is a cancellation.
func IsCancellation(err error) bool {
	var ce *CancellationError
	return errors.As(err, &ce)
}

// IsTemplateSetup extracts a TemplateSetupError from the chain.
func IsTemplateSetup(err error) (*TemplateSetupError, bool) {
	var te *TemplateSetupError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// record is the wire form of a typed error: a kind discriminator plus the
// flattened fields, with nested causes as children.
type record struct {
	Kind          string  `json:"kind,omitempty"`
	Name          string  `json:"name,omitempty"`
	Message       string  `json:"message"`
	TemplateID    string  `json:"templateId,omitempty"`
	WorkspacePath string  `json:"workspacePath,omitempty"`
	Command       string  `json:"command,omitempty"`
	Cwd           string  `json:"cwd,omitempty"`
	ExitCode      *int    `json:"exitCode,omitempty"`
	CellID        string  `json:"cellId,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	Cause         *record `json:"cause,omitempty"`
}

// Serialize renders the error chain as a JSON record suitable for crossing a
// process boundary.
func Serialize(err error) []byte {
	b, _ := json.Marshal(toRecord(err))
	return b
}

func toRecord(err error) *record {
	if err == nil {
		return nil
	}
	r := &record{Message: err.Error()}
	switch e := err.(type) {
	case *TemplateSetupError:
		r.Kind = KindTemplateSetup
		r.TemplateID = e.TemplateID
		r.WorkspacePath = e.WorkspacePath
		r.Command = e.Command
		r.ExitCode = e.ExitCode
	case *CommandExecutionError:
		r.Kind = KindCommandExecution
		r.Command = e.Command
		r.Cwd = e.Cwd
		r.ExitCode = e.ExitCode
	case *CancellationError:
		r.Kind = KindCancellation
		r.CellID = e.CellID
		r.Reason = e.Reason
	}
	if cause := errors.Unwrap(err); cause != nil {
		r.Cause = toRecord(cause)
	}
	return r
}

// Rehydrate walks a serialized error record and rebuilds typed errors by
// structural match. Records without a recognized kind (or shape) come back as
// plain errors.
func Rehydrate(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("unparseable error record: %s", string(data))
	}
	return fromRecord(&r)
}

func fromRecord(r *record) error {
	if r == nil {
		return nil
	}
	var cause error
	if r.Cause != nil {
		cause = fromRecord(r.Cause)
	}

	switch {
	case r.Kind == KindTemplateSetup || (r.TemplateID != "" && r.Command != ""):
		return &TemplateSetupError{
			TemplateID:    r.TemplateID,
			WorkspacePath: r.WorkspacePath,
			Command:       r.Command,
			ExitCode:      r.ExitCode,
			Cause:         cause,
		}
	case r.Kind == KindCommandExecution || (r.Command != "" && (r.Cwd != "" || r.ExitCode != nil)):
		return &CommandExecutionError{Command: r.Command, Cwd: r.Cwd, ExitCode: r.ExitCode}
	case r.Kind == KindCancellation:
		return &CancellationError{CellID: r.CellID, Reason: r.Reason}
	}

	if cause != nil {
		return fmt.Errorf("%s: %w", r.Message, cause)
	}
	return errors.New(r.Message)
}
