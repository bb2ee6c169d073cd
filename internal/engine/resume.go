package engine

import (
	"context"

	"github.com/hivedev/hive/internal/logger"
	"github.com/hivedev/hive/internal/models"
	"github.com/hivedev/hive/internal/recovery"
)

// Resume picks up work a previous process left behind: cells still in
// spawning are re-provisioned (up to the attempt cap), cells in deleting get
// their teardown pipeline re-run. Called once at boot, before the HTTP
// listener accepts traffic.
func (e *Engine) Resume(ctx context.Context) {
	spawning, err := e.store.ListCellsByStatus(models.CellStatusSpawning)
	if err != nil {
		logger.Errorf("Boot resume: listing spawning cells failed: %v", err)
	}
	for _, cell := range spawning {
		pstate, err := e.store.GetProvisioningState(cell.ID)
		if err == nil && pstate.AttemptCount >= maxResumeAttempts {
			logger.Warnf("Cell %s exceeded %d provisioning attempts, marking errored", cell.ID, maxResumeAttempts)
			_ = e.store.MarkCellError(cell.ID, "Provisioning interrupted: Retry limit exceeded")
			e.publishStatusByID(cell.ID)
			continue
		}
		logger.Infof("Resuming provisioning of cell %s", cell.ID)
		// The original prompt is gone with the old process; a resumed run
		// never re-sends it against an existing session.
		e.startProvisioning(cell.ID, "")
	}

	deleting, err := e.store.ListCellsByStatus(models.CellStatusDeleting)
	if err != nil {
		logger.Errorf("Boot resume: listing deleting cells failed: %v", err)
	}
	for _, cell := range deleting {
		logger.Infof("Resuming deletion of cell %s", cell.ID)
		e.wg.Add(1)
		recovery.SafeGoWithCleanup("resume-delete-"+cell.ID,
			func() {
				if err := e.DeleteCell(ctx, cell.ID); err != nil {
					logger.Warnf("Resumed deletion of cell %s failed: %v", cell.ID, err)
				}
			},
			e.wg.Done)
	}
}
