package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/hivedev/hive/internal/db"
	"github.com/hivedev/hive/internal/models"
	"github.com/hivedev/hive/internal/supervisor"
)

// ServicesHandler drives the supervisor over HTTP.
type ServicesHandler struct {
	store *db.Store
	sup   *supervisor.Supervisor
}

// NewServicesHandler creates the services handler.
func NewServicesHandler(store *db.Store, sup *supervisor.Supervisor) *ServicesHandler {
	return &ServicesHandler{store: store, sup: sup}
}

type stopRequest struct {
	ReleasePorts bool `json:"releasePorts"`
}

func (h *ServicesHandler) requireCell(c *fiber.Ctx) (string, error) {
	id := c.Params("id")
	if _, err := h.store.GetCell(id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return "", c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "cell not found"})
		}
		return "", c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
	}
	return id, nil
}

// List handles GET /api/cells/:id/services. Statuses are reconciled against
// live processes on every read.
func (h *ServicesHandler) List(c *fiber.Ctx) error {
	cellID, err := h.requireCell(c)
	if cellID == "" {
		return err
	}
	services, err := h.sup.ListCellServices(cellID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
	}
	if services == nil {
		services = []*models.CellService{}
	}
	return c.JSON(services)
}

// StartAll handles POST /api/cells/:id/services/start.
func (h *ServicesHandler) StartAll(c *fiber.Ctx) error {
	cellID, err := h.requireCell(c)
	if cellID == "" {
		return err
	}
	startErr := h.sup.StartCellServices(cellID)
	audit(c, h.store, cellID, "services_started", "", nil)
	return h.respondAll(c, cellID, startErr)
}

// StopAll handles POST /api/cells/:id/services/stop.
func (h *ServicesHandler) StopAll(c *fiber.Ctx) error {
	cellID, err := h.requireCell(c)
	if cellID == "" {
		return err
	}
	req := stopRequest{ReleasePorts: true}
	_ = c.BodyParser(&req)
	stopErr := h.sup.StopCellServices(cellID, req.ReleasePorts)
	audit(c, h.store, cellID, "services_stopped", "", nil)
	return h.respondAll(c, cellID, stopErr)
}

// RestartAll handles POST /api/cells/:id/services/restart.
func (h *ServicesHandler) RestartAll(c *fiber.Ctx) error {
	cellID, err := h.requireCell(c)
	if cellID == "" {
		return err
	}
	req := stopRequest{ReleasePorts: true}
	_ = c.BodyParser(&req)
	restartErr := h.sup.StopCellServices(cellID, req.ReleasePorts)
	if restartErr == nil {
		restartErr = h.sup.StartCellServices(cellID)
	}
	audit(c, h.store, cellID, "services_restarted", "", nil)
	return h.respondAll(c, cellID, restartErr)
}

// respondAll returns the reconciled service list; individual failures ride
// along without failing the response wholesale.
func (h *ServicesHandler) respondAll(c *fiber.Ctx, cellID string, opErr error) error {
	services, err := h.sup.ListCellServices(cellID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
	}
	if services == nil {
		services = []*models.CellService{}
	}
	resp := fiber.Map{"services": services}
	if opErr != nil {
		resp["errors"] = opErr.Error()
	}
	return c.JSON(resp)
}

func (h *ServicesHandler) lookupService(c *fiber.Ctx) (*models.CellService, error) {
	svc, err := h.sup.GetCellService(c.Params("serviceId"))
	if errors.Is(err, db.ErrNotFound) {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "service not found"})
	}
	if err != nil {
		return nil, c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
	}
	if svc.CellID != c.Params("id") {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "service not found"})
	}
	return svc, nil
}

// Start handles POST /api/cells/:id/services/:serviceId/start.
func (h *ServicesHandler) Start(c *fiber.Ctx) error {
	svc, err := h.lookupService(c)
	if svc == nil {
		return err
	}
	started, err := h.sup.StartService(svc.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
	}
	audit(c, h.store, svc.CellID, "service_started", svc.Name, nil)
	return c.JSON(started)
}

// Stop handles POST /api/cells/:id/services/:serviceId/stop.
func (h *ServicesHandler) Stop(c *fiber.Ctx) error {
	svc, err := h.lookupService(c)
	if svc == nil {
		return err
	}
	req := stopRequest{ReleasePorts: true}
	_ = c.BodyParser(&req)
	stopped, err := h.sup.StopService(svc.ID, req.ReleasePorts)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
	}
	audit(c, h.store, svc.CellID, "service_stopped", svc.Name, nil)
	return c.JSON(stopped)
}

// Restart handles POST /api/cells/:id/services/:serviceId/restart.
func (h *ServicesHandler) Restart(c *fiber.Ctx) error {
	svc, err := h.lookupService(c)
	if svc == nil {
		return err
	}
	req := stopRequest{ReleasePorts: true}
	_ = c.BodyParser(&req)
	if _, err := h.sup.StopService(svc.ID, req.ReleasePorts); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
	}
	restarted, err := h.sup.StartService(svc.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
	}
	audit(c, h.store, svc.CellID, "service_restarted", svc.Name, nil)
	return c.JSON(restarted)
}
