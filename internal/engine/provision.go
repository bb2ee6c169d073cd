package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hivedev/hive/internal/agent"
	"github.com/hivedev/hive/internal/errdefs"
	"github.com/hivedev/hive/internal/git"
	"github.com/hivedev/hive/internal/logger"
	"github.com/hivedev/hive/internal/models"
	"github.com/hivedev/hive/internal/recovery"
)

// initialPromptTimeout bounds the fire-and-forget initial prompt. Provisioning
// never waits on the agent's reply.
const initialPromptTimeout = 3 * time.Second

// CreateCellRequest is the input to cell creation.
type CreateCellRequest struct {
	WorkspaceID string `json:"workspaceId"`
	TemplateID  string `json:"templateId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// Prompt is sent to the agent session once, on the first attempt.
	Prompt     string           `json:"prompt,omitempty"`
	ModelID    string           `json:"modelId,omitempty"`
	ProviderID string           `json:"providerId,omitempty"`
	StartMode  models.StartMode `json:"startMode,omitempty"`
}

// CreateCell validates the request, inserts the spawning cell row with its
// deterministic worktree coordinates, and kicks off provisioning in the
// background. The returned cell is in the spawning state.
func (e *Engine) CreateCell(req CreateCellRequest) (*models.Cell, error) {
	workspace, ok := e.registry.Workspace(req.WorkspaceID)
	if !ok {
		return nil, fmt.Errorf("unknown workspace %q", req.WorkspaceID)
	}
	tmpl, ok := e.registry.Template(req.TemplateID)
	if !ok {
		return nil, fmt.Errorf("unknown template %q", req.TemplateID)
	}
	if req.Name == "" {
		return nil, fmt.Errorf("cell name is required")
	}

	cellID := uuid.New().String()
	cell := &models.Cell{
		ID:                cellID,
		WorkspaceID:       workspace.ID,
		WorkspaceRootPath: workspace.RootPath,
		WorkspacePath:     e.cfg.CellPath(cellID),
		BranchName:        e.cfg.CellBranch(cellID),
		TemplateID:        tmpl.ID,
		Name:              req.Name,
		Description:       req.Description,
		Status:            models.CellStatusSpawning,
		CreatedAt:         time.Now().UTC(),
	}
	if err := e.store.CreateCell(cell); err != nil {
		return nil, err
	}

	startMode := req.StartMode
	if startMode == "" {
		startMode = tmpl.Defaults.StartMode
	}
	if startMode == "" {
		startMode = models.StartModePlan
	}
	pstate := &models.ProvisioningState{CellID: cellID, StartMode: startMode}
	if req.ModelID != "" {
		pstate.ModelIDOverride = &req.ModelID
	}
	if req.ProviderID != "" {
		pstate.ProviderIDOverride = &req.ProviderID
	}
	if err := e.store.UpsertProvisioningState(pstate); err != nil {
		return nil, err
	}

	e.publishCellStatus(cell, "cell")
	e.startProvisioning(cellID, req.Prompt)
	return cell, nil
}

// RetryCell restarts provisioning for a cell stuck in the error state. The
// flight is claimed before the status flips so a concurrent retry observes the
// conflict instead of a silent no-op. The worktree is recreated with force, so
// a preserved failed worktree is wiped.
func (e *Engine) RetryCell(cellID string) (*models.Cell, error) {
	cell, err := e.store.GetCell(cellID)
	if err != nil {
		return nil, err
	}
	if cell.Status != models.CellStatusError {
		return nil, ErrCellNotRetryable
	}

	f := e.acquire(cellID)
	if f == nil {
		return nil, ErrProvisioningActive
	}

	if err := e.store.UpdateCellStatus(cellID, models.CellStatusSpawning, true); err != nil {
		e.release(cellID, f)
		return nil, err
	}
	cell.Status = models.CellStatusSpawning
	cell.LastSetupError = nil
	e.publishCellStatus(cell, "cell")

	e.launch(f, cellID, "")
	return cell, nil
}

// startProvisioning claims the cell and runs the pipeline in the background.
// Reports whether the flight was acquired; a cell already in flight is left
// alone.
func (e *Engine) startProvisioning(cellID, prompt string) bool {
	f := e.acquire(cellID)
	if f == nil {
		return false
	}
	e.launch(f, cellID, prompt)
	return true
}

// launch runs the pipeline on an already-claimed flight.
func (e *Engine) launch(f *flight, cellID, prompt string) {
	e.wg.Add(1)
	recovery.SafeGoWithCleanup("provision-"+cellID,
		func() { e.provision(f.ctx, cellID, prompt) },
		func() {
			e.release(cellID, f)
			e.wg.Done()
		})
}

// provision runs one attempt of the create pipeline. On failure the cell is
// marked errored; a template setup failure preserves the worktree for
// inspection while any other failure rolls it back.
func (e *Engine) provision(ctx context.Context, cellID, prompt string) {
	cell, err := e.store.GetCell(cellID)
	if err != nil {
		logger.Errorf("Provisioning aborted, cell %s not loadable: %v", cellID, err)
		return
	}
	if cell.Status == models.CellStatusDeleting {
		return
	}
	tmpl, ok := e.registry.Template(cell.TemplateID)
	if !ok {
		_ = e.store.MarkCellError(cellID, fmt.Sprintf("template %q no longer exists", cell.TemplateID))
		e.publishStatusByID(cellID)
		return
	}

	attempt, err := e.store.BeginAttempt(cellID, time.Now())
	if err != nil {
		logger.Errorf("Provisioning aborted, attempt not recorded for cell %s: %v", cellID, err)
		return
	}
	runID := uuid.New().String()
	logger.Infof("Provisioning cell %s (attempt %d)", cellID, attempt)

	record := func(step string, status models.TimingStatus, durationMs int64, metadata map[string]interface{}) {
		e.recordTiming(cellID, runID, models.WorkflowCreate, step, status, durationMs, &attempt, metadata)
	}
	timed := func(step string, metadata map[string]interface{}, fn func() error) error {
		if err := e.checkCancelled(ctx, cellID); err != nil {
			return err
		}
		start := time.Now()
		err := fn()
		status := models.TimingOK
		if err != nil {
			status = models.TimingError
		}
		record(step, status, time.Since(start).Milliseconds(), metadata)
		return err
	}

	runStart := time.Now()
	err = e.runCreatePipeline(ctx, cell, tmpl, attempt, prompt, record, timed)
	totalStatus := models.TimingOK
	if err != nil {
		totalStatus = models.TimingError
	}
	record("total", totalStatus, time.Since(runStart).Milliseconds(), nil)

	if err == nil {
		_ = e.store.FinishAttempt(cellID, time.Now())
		return
	}

	if errdefs.IsCancellation(err) || ctx.Err() != nil {
		logger.Infof("Provisioning of cell %s cancelled", cellID)
		return
	}

	_ = e.store.FinishAttempt(cellID, time.Now())

	if setupErr, ok := errdefs.IsTemplateSetup(err); ok {
		// The worktree is healthy; keep it so the setup log can be inspected
		// and the cell retried in place.
		logger.Warnf("Template setup failed for cell %s: %v", cellID, setupErr)
		_ = e.store.MarkCellError(cellID, setupErr.Error())
		e.publishStatusByID(cellID)
		return
	}

	logger.Errorf("Provisioning failed for cell %s: %v", cellID, err)
	e.rollbackWorktree(cell)
	_ = e.store.MarkCellError(cellID, err.Error())
	e.publishStatusByID(cellID)
}

func (e *Engine) runCreatePipeline(ctx context.Context, cell *models.Cell, tmpl *models.Template,
	attempt int, prompt string,
	record func(string, models.TimingStatus, int64, map[string]interface{}),
	timed func(string, map[string]interface{}, func() error) error) error {

	cellID := cell.ID

	if err := timed("create_worktree", map[string]interface{}{"branch": cell.BranchName}, func() error {
		result, err := e.worktrees.CreateWorktree(git.CreateOptions{
			WorkspaceRoot: cell.WorkspaceRootPath,
			Path:          cell.WorkspacePath,
			Branch:        cell.BranchName,
			Include:       tmpl.Include,
			Force:         true,
			OnTiming: func(step string, durationMs int64, metadata map[string]interface{}) {
				record("create_worktree:"+step, models.TimingOK, durationMs, metadata)
			},
		})
		if err != nil {
			return err
		}
		cell.BaseCommit = result.BaseCommit
		return e.store.SetCellWorktree(cellID, result.Path, result.Branch, result.BaseCommit)
	}); err != nil {
		return err
	}

	if err := timed("ensure_services", nil, func() error {
		return e.services.EnsureCellServices(ctx, cell, tmpl, func(step string, durationMs int64, metadata map[string]interface{}) {
			record("ensure_services:"+step, models.TimingOK, durationMs, metadata)
		})
	}); err != nil {
		return err
	}

	opts := e.agentOptions(cell, tmpl)
	var sessionID string
	var created bool
	if err := timed("ensure_agent_session", nil, func() error {
		var err error
		sessionID, created, err = e.agent.EnsureSession(ctx, cell, opts)
		if err != nil {
			return err
		}
		cell.OpencodeSessionID = &sessionID
		return e.store.SetCellOpencodeSession(cellID, sessionID)
	}); err != nil {
		return err
	}

	// The initial prompt goes out exactly once: first attempt, or a resumed
	// attempt that had to create a fresh session. Fire-and-forget, failures
	// are logged, never fatal.
	if prompt != "" && (attempt == 1 || created) {
		if err := timed("send_initial_prompt", nil, func() error {
			go func() {
				sendCtx, cancel := context.WithTimeout(context.Background(), initialPromptTimeout)
				defer cancel()
				if err := e.agent.SendMessage(sendCtx, sessionID, prompt, opts); err != nil {
					logger.Warnf("Initial prompt for cell %s not delivered: %v", cellID, err)
				}
			}()
			return nil
		}); err != nil {
			return err
		}
	}

	return timed("mark_ready", nil, func() error {
		if err := e.store.UpdateCellStatus(cellID, models.CellStatusReady, true); err != nil {
			return err
		}
		logger.Infof("Cell %s is ready", cellID)
		e.publishStatusByID(cellID)
		return nil
	})
}

// agentOptions resolves session settings: per-cell overrides win over
// template defaults.
func (e *Engine) agentOptions(cell *models.Cell, tmpl *models.Template) agent.SessionOptions {
	opts := agent.SessionOptions{
		Title:      cell.Name,
		ModelID:    tmpl.Defaults.ModelID,
		ProviderID: tmpl.Defaults.ProviderID,
		StartMode:  tmpl.Defaults.StartMode,
	}
	if pstate, err := e.store.GetProvisioningState(cell.ID); err == nil {
		if pstate.ModelIDOverride != nil {
			opts.ModelID = *pstate.ModelIDOverride
		}
		if pstate.ProviderIDOverride != nil {
			opts.ProviderID = *pstate.ProviderIDOverride
		}
		if pstate.StartMode != "" {
			opts.StartMode = pstate.StartMode
		}
	}
	return opts
}

// checkCancelled turns context cancellation or a concurrent flip to deleting
// into a cancellation error.
func (e *Engine) checkCancelled(ctx context.Context, cellID string) error {
	if ctx.Err() != nil {
		return &errdefs.CancellationError{CellID: cellID, Reason: "provisioning cancelled"}
	}
	cell, err := e.store.GetCell(cellID)
	if err != nil {
		return &errdefs.CancellationError{CellID: cellID, Reason: "cell row is gone"}
	}
	if cell.Status == models.CellStatusDeleting {
		return &errdefs.CancellationError{CellID: cellID, Reason: "cell is being deleted"}
	}
	return nil
}

// rollbackWorktree removes a partially provisioned worktree, best effort.
func (e *Engine) rollbackWorktree(cell *models.Cell) {
	_ = e.services.TeardownCell(cell.ID, true)
	if err := e.worktrees.RemoveWorktree(cell.WorkspaceRootPath, cell.WorkspacePath, cell.BranchName); err != nil {
		logger.Warnf("Rollback of worktree %s failed: %v", cell.WorkspacePath, err)
	}
}

func (e *Engine) publishStatusByID(cellID string) {
	if cell, err := e.store.GetCell(cellID); err == nil {
		e.publishCellStatus(cell, "cell")
	}
}
