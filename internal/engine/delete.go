package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/hivedev/hive/internal/db"
	"github.com/hivedev/hive/internal/events"
	"github.com/hivedev/hive/internal/logger"
	"github.com/hivedev/hive/internal/models"
)

// DeleteCell runs the teardown pipeline: the cell flips to deleting first (so
// a crash resumes the pipeline on boot), any in-flight provisioning is
// cancelled and drained, then the agent session, services, terminals,
// worktree, and finally the row itself are removed. Every step short of row
// deletion is tolerant of already-gone resources.
func (e *Engine) DeleteCell(ctx context.Context, cellID string) error {
	cell, err := e.store.GetCell(cellID)
	if err != nil {
		return err
	}

	if cell.Status != models.CellStatusDeleting {
		if err := e.store.UpdateCellStatus(cellID, models.CellStatusDeleting, false); err != nil {
			return err
		}
		cell.Status = models.CellStatusDeleting
		e.publishCellStatus(cell, "cell")
	}

	e.cancelFlight(cellID)

	runID := uuid.New().String()
	runStart := time.Now()
	recordTotal := func(status models.TimingStatus) {
		e.recordTiming(cellID, runID, models.WorkflowDelete, "total", status, time.Since(runStart).Milliseconds(), nil, nil)
	}
	timed := func(step string, fn func() error) error {
		start := time.Now()
		err := fn()
		status := models.TimingOK
		if err != nil {
			status = models.TimingError
		}
		e.recordTiming(cellID, runID, models.WorkflowDelete, step, status, time.Since(start).Milliseconds(), nil, nil)
		return err
	}

	_ = timed("close_agent_session", func() error {
		if cell.OpencodeSessionID == nil || *cell.OpencodeSessionID == "" {
			return nil
		}
		if err := e.agent.CloseSession(ctx, *cell.OpencodeSessionID); err != nil {
			logger.Warnf("Agent session %s for cell %s not closed: %v", *cell.OpencodeSessionID, cellID, err)
			return err
		}
		return nil
	})

	_ = timed("stop_services", func() error {
		if err := e.services.TeardownCell(cellID, true); err != nil {
			logger.Warnf("Services of cell %s not fully stopped: %v", cellID, err)
			return err
		}
		return nil
	})

	_ = timed("close_terminals", func() error {
		e.chats.CloseSession(cellID)
		e.shells.CloseSession(cellID)
		return nil
	})

	if err := timed("remove_worktree", func() error {
		return e.worktrees.RemoveWorktree(cell.WorkspaceRootPath, cell.WorkspacePath, cell.BranchName)
	}); err != nil {
		// The row stays in deleting so the boot resumer re-runs the pipeline.
		recordTotal(models.TimingError)
		return err
	}

	// Recorded before the row goes away; it cascades with the rest.
	recordTotal(models.TimingOK)

	if err := timed("delete_row", func() error {
		err := e.store.DeleteCell(cellID)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return err
	}); err != nil {
		return err
	}

	logger.Infof("Deleted cell %s", cellID)
	e.bus.Publish(events.CellStatusTopic(cell.WorkspaceID), "cell_removed", map[string]string{"id": cellID})
	return nil
}

// DeleteCells tears down many cells one after another, which keeps the load
// on the single sqlite writer bounded. It returns the ids that were actually
// removed alongside the combined errors of the ones that were not; a
// partially failed bulk delete reports both.
func (e *Engine) DeleteCells(ctx context.Context, cellIDs []string) ([]string, error) {
	var (
		removed []string
		errs    error
	)
	for _, id := range cellIDs {
		if err := e.DeleteCell(ctx, id); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		removed = append(removed, id)
	}
	return removed, errs
}
