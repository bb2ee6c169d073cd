package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/hivedev/hive/internal/db"
	"github.com/hivedev/hive/internal/events"
	"github.com/hivedev/hive/internal/models"
	"github.com/hivedev/hive/internal/supervisor"
)

// StreamsHandler serves the SSE state streams and timing queries.
type StreamsHandler struct {
	store *db.Store
	bus   *events.Bus
	sup   *supervisor.Supervisor
}

// NewStreamsHandler creates the streams handler.
func NewStreamsHandler(store *db.Store, bus *events.Bus, sup *supervisor.Supervisor) *StreamsHandler {
	return &StreamsHandler{store: store, bus: bus, sup: sup}
}

// tailTopic subscribes, snapshots via the callback, then streams bus messages
// until the client goes away. The subscription opens before the snapshot so
// nothing falls between them; anything queued before the snapshot is dropped
// as already included. An optional replay runs between the ready marker and
// the snapshot, for streams that spell out the snapshot as individual events.
func (h *StreamsHandler) tailTopic(c *fiber.Ctx, topic string,
	snapshot func() (interface{}, error),
	replay func(s *sseWriter) bool,
	forward func(s *sseWriter, msg events.Message) bool) error {

	ch, dispose := h.bus.Subscribe(topic)
	snap, err := snapshot()
	if err != nil {
		dispose()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
	}
drain:
	for {
		select {
		case <-ch:
		default:
			break drain
		}
	}

	done := c.Context().Done()
	return stream(c, func(s *sseWriter) {
		defer dispose()
		if !s.send("ready", fiber.Map{"topic": topic}) {
			return
		}
		if replay != nil && !replay(s) {
			return
		}
		if !s.send("snapshot", snap) {
			return
		}
		heartbeat := newHeartbeatTicker()
		defer heartbeat.Stop()
		for {
			select {
			case msg, open := <-ch:
				if !open {
					return
				}
				if !forward(s, msg) {
					return
				}
			case <-heartbeat.C:
				if !s.heartbeat() {
					return
				}
			case <-done:
				return
			}
		}
	})
}

// CellsStream handles GET /api/cells/workspace/:workspaceId/stream. Each
// pre-existing cell is replayed as its own event before the snapshot, and
// every tailed status event re-reads the row so a cell mid-teardown reaches
// the client as a removal, never as a deleting row.
func (h *StreamsHandler) CellsStream(c *fiber.Ctx) error {
	workspaceID := c.Params("workspaceId")
	var cells []*models.Cell
	return h.tailTopic(c, events.CellStatusTopic(workspaceID),
		func() (interface{}, error) {
			var err error
			cells, err = h.store.ListCellsByWorkspace(workspaceID)
			if cells == nil {
				cells = []*models.Cell{}
			}
			return fiber.Map{"cells": cells}, err
		},
		func(s *sseWriter) bool {
			for _, cell := range cells {
				if !s.send("cell", cell) {
					return false
				}
			}
			return true
		},
		func(s *sseWriter, msg events.Message) bool {
			event, payload := h.cellEventForClient(msg)
			return s.send(event, payload)
		})
}

// cellEventForClient rewrites a cell status message for stream clients. The
// row is re-read at send time: a row that vanished or flipped to deleting
// since publish goes out as cell_removed instead of a stale cell event.
func (h *StreamsHandler) cellEventForClient(msg events.Message) (string, interface{}) {
	if msg.Type != "cell" {
		return msg.Type, msg.Payload
	}
	cell, ok := msg.Payload.(*models.Cell)
	if !ok {
		return msg.Type, msg.Payload
	}
	fresh, err := h.store.GetCell(cell.ID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && fresh.Status == models.CellStatusDeleting) {
		return "cell_removed", map[string]string{"id": cell.ID}
	}
	if err != nil {
		return "cell", cell
	}
	return "cell", fresh
}

// ServicesStream handles GET /api/cells/:id/services/stream.
func (h *StreamsHandler) ServicesStream(c *fiber.Ctx) error {
	cellID := c.Params("id")
	if _, err := h.store.GetCell(cellID); errors.Is(err, db.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "cell not found"})
	}
	return h.tailTopic(c, events.ServiceTopic(cellID),
		func() (interface{}, error) {
			services, err := h.sup.ListCellServices(cellID)
			if services == nil {
				services = []*models.CellService{}
			}
			return fiber.Map{"services": services}, err
		},
		nil,
		func(s *sseWriter, msg events.Message) bool {
			return s.send("service", msg.Payload)
		})
}

// Timings handles GET /api/cells/:id/timings?workflow=create|delete|all.
func (h *StreamsHandler) Timings(c *fiber.Ctx) error {
	cellID := c.Params("id")
	if _, err := h.store.GetCell(cellID); errors.Is(err, db.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "cell not found"})
	}
	evs, err := h.store.ListTimingEvents(cellID, c.Query("workflow"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
	}
	if evs == nil {
		evs = []*models.TimingEvent{}
	}
	return c.JSON(evs)
}

// GlobalTimings handles GET /api/cells/timings/global?limit=.
func (h *StreamsHandler) GlobalTimings(c *fiber.Ctx) error {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": "limit must be a positive integer"})
		}
		limit = n
	}
	evs, err := h.store.ListGlobalTimingEvents(limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
	}
	if evs == nil {
		evs = []*models.TimingEvent{}
	}
	return c.JSON(evs)
}

// TimingsStream handles GET /api/cells/:id/timings/stream?workflow=.
func (h *StreamsHandler) TimingsStream(c *fiber.Ctx) error {
	cellID := c.Params("id")
	if _, err := h.store.GetCell(cellID); errors.Is(err, db.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "cell not found"})
	}
	workflow := c.Query("workflow")
	return h.tailTopic(c, events.CellTimingTopic(cellID),
		func() (interface{}, error) {
			evs, err := h.store.ListTimingEvents(cellID, workflow)
			if evs == nil {
				evs = []*models.TimingEvent{}
			}
			return fiber.Map{"timings": evs}, err
		},
		nil,
		func(s *sseWriter, msg events.Message) bool {
			if workflow != "" && workflow != "all" {
				if ev, ok := msg.Payload.(*models.TimingEvent); ok && string(ev.Workflow) != workflow {
					return true
				}
			}
			return s.send("timing", msg.Payload)
		})
}
