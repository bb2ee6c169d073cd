package handlers

import (
	"bytes"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/hivedev/hive/internal/db"
	"github.com/hivedev/hive/internal/engine"
	"github.com/hivedev/hive/internal/git"
	"github.com/hivedev/hive/internal/logger"
	"github.com/hivedev/hive/internal/models"
	"github.com/hivedev/hive/internal/supervisor"
)

// CellsHandler serves the cell lifecycle endpoints.
type CellsHandler struct {
	engine    *engine.Engine
	store     *db.Store
	sup       *supervisor.Supervisor
	worktrees *git.WorktreeManager
}

// NewCellsHandler creates the cells handler.
func NewCellsHandler(eng *engine.Engine, store *db.Store, sup *supervisor.Supervisor, worktrees *git.WorktreeManager) *CellsHandler {
	return &CellsHandler{engine: eng, store: store, sup: sup, worktrees: worktrees}
}

// audit records one activity row for a user-visible action, picking up the
// x-hive-* attribution headers when the caller sends them. Best effort.
func audit(c *fiber.Ctx, store *db.Store, cellID, kind, serviceName string, detail map[string]interface{}) {
	ev := &models.ActivityEvent{
		CellID:      cellID,
		Kind:        kind,
		Source:      c.Get("x-hive-source"),
		Tool:        c.Get("x-hive-tool"),
		AuditEvent:  c.Get("x-hive-audit-event"),
		ServiceName: serviceName,
		Detail:      detail,
	}
	if ev.ServiceName == "" {
		ev.ServiceName = c.Get("x-hive-service-name")
	}
	if err := store.InsertActivityEvent(ev); err != nil {
		logger.Warnf("Activity event %s for cell %s not recorded: %v", kind, cellID, err)
	}
}

// Create handles POST /api/cells. The response is the spawning cell;
// provisioning continues in the background.
func (h *CellsHandler) Create(c *fiber.Ctx) error {
	var req engine.CreateCellRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": "malformed request body"})
	}
	cell, err := h.engine.CreateCell(req)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": err.Error()})
	}
	audit(c, h.store, cell.ID, "cell_created", "", map[string]interface{}{
		"name": cell.Name, "templateId": cell.TemplateID,
	})
	return c.Status(fiber.StatusCreated).JSON(cell)
}

// List handles GET /api/cells?workspaceId=. Deleting cells are excluded.
func (h *CellsHandler) List(c *fiber.Ctx) error {
	workspaceID := c.Query("workspaceId")
	if workspaceID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": "workspaceId query parameter is required"})
	}
	cells, err := h.store.ListCellsByWorkspace(workspaceID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
	}
	if cells == nil {
		cells = []*models.Cell{}
	}
	return c.JSON(cells)
}

type cellDetails struct {
	*models.Cell
	SetupLog string `json:"setupLog,omitempty"`
}

// Get handles GET /api/cells/:id. ?setupLog=true (or a line count) appends a
// tail of the setup terminal's ring buffer.
func (h *CellsHandler) Get(c *fiber.Ctx) error {
	cell, err := h.store.GetCell(c.Params("id"))
	if errors.Is(err, db.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "cell not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
	}

	details := cellDetails{Cell: cell}
	if raw := c.Query("setupLog"); raw != "" && raw != "false" {
		lines := 200
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			lines = n
		}
		if out, ok := h.sup.SetupTerminals().ReadOutput(cell.ID); ok {
			details.SetupLog = tailLines(out, lines)
		}
	}
	return c.JSON(details)
}

// Delete handles DELETE /api/cells/:id. The full teardown pipeline runs
// before the response.
func (h *CellsHandler) Delete(c *fiber.Ctx) error {
	id := c.Params("id")
	err := h.engine.DeleteCell(c.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "cell not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
	}
	audit(c, h.store, id, "cell_deleted", "", nil)
	return c.JSON(fiber.Map{"id": id})
}

// BulkDelete handles DELETE /api/cells with a body of ids. Only ids that were
// actually removed are reported back.
func (h *CellsHandler) BulkDelete(c *fiber.Ctx) error {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := c.BodyParser(&req); err != nil || len(req.IDs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": "ids is required"})
	}

	removed, errs := h.engine.DeleteCells(c.Context(), req.IDs)
	if removed == nil {
		removed = []string{}
	}
	for _, id := range removed {
		audit(c, h.store, id, "cell_deleted", "", nil)
	}
	if errs != nil && len(removed) == 0 {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"message": errs.Error(), "deletedIds": removed,
		})
	}
	resp := fiber.Map{"deletedIds": removed}
	if errs != nil {
		resp["errors"] = errs.Error()
	}
	return c.JSON(resp)
}

// Retry handles POST /api/cells/:id/setup/retry. Only errored cells restart;
// a run already in flight yields 409.
func (h *CellsHandler) Retry(c *fiber.Ctx) error {
	id := c.Params("id")
	cell, err := h.engine.RetryCell(id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "cell not found"})
	case errors.Is(err, engine.ErrProvisioningActive):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"message": err.Error()})
	case errors.Is(err, engine.ErrCellNotRetryable):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": err.Error()})
	case err != nil:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
	}
	audit(c, h.store, id, "cell_retried", "", nil)
	return c.JSON(cell)
}

// Diff handles GET /api/cells/:id/diff: the worktree's patch against its base
// commit.
func (h *CellsHandler) Diff(c *fiber.Ctx) error {
	cell, err := h.store.GetCell(c.Params("id"))
	if errors.Is(err, db.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "cell not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
	}
	if cell.BaseCommit == "" || cell.Status == models.CellStatusSpawning {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"message": "cell has no diffable worktree yet"})
	}
	diff, err := h.worktrees.Diff(cell.WorkspacePath, cell.BaseCommit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
	}
	return c.JSON(fiber.Map{"baseCommit": cell.BaseCommit, "diff": diff})
}

// Activity handles GET /api/cells/:id/activity with keyset pagination.
func (h *CellsHandler) Activity(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := h.store.GetCell(id); errors.Is(err, db.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "cell not found"})
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": "limit must be a positive integer"})
		}
		limit = min(n, 200)
	}

	evs, err := h.store.ListActivityEvents(id, c.Query("cursor"), limit)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": err.Error()})
	}
	if evs == nil {
		evs = []*models.ActivityEvent{}
	}
	resp := fiber.Map{"events": evs}
	if len(evs) == limit {
		resp["nextCursor"] = db.ActivityCursor(evs[len(evs)-1])
	}
	return c.JSON(resp)
}

// tailLines returns the last n lines of the buffer as a string.
func tailLines(buf []byte, n int) string {
	if len(buf) == 0 {
		return ""
	}
	trimmed := bytes.TrimRight(buf, "\n")
	idx := len(trimmed)
	for i := 0; i < n; i++ {
		next := bytes.LastIndexByte(trimmed[:idx], '\n')
		if next < 0 {
			return string(buf)
		}
		idx = next
	}
	return string(buf[idx+1:])
}
