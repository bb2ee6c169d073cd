package handlers

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/hivedev/hive/internal/config"
	"github.com/hivedev/hive/internal/db"
	"github.com/hivedev/hive/internal/engine"
	"github.com/hivedev/hive/internal/logger"
	"github.com/hivedev/hive/internal/models"
	"github.com/hivedev/hive/internal/supervisor"
	"github.com/hivedev/hive/internal/terminal"
)

// TerminalsHandler serves the PTY endpoints for all four terminal flavors.
type TerminalsHandler struct {
	store  *db.Store
	cfg    *config.RuntimeConfig
	engine *engine.Engine
	sup    *supervisor.Supervisor
}

// NewTerminalsHandler creates the terminals handler.
func NewTerminalsHandler(store *db.Store, cfg *config.RuntimeConfig, eng *engine.Engine, sup *supervisor.Supervisor) *TerminalsHandler {
	return &TerminalsHandler{store: store, cfg: cfg, engine: eng, sup: sup}
}

// target resolves one request to a registry, a session key, and an optional
// spawner. Setup and service terminals are never spawned by their endpoints.
type target struct {
	registry *terminal.Registry
	key      string
	ensure   func() error
}

func (h *TerminalsHandler) cell(c *fiber.Ctx) (*models.Cell, error) {
	cell, err := h.store.GetCell(c.Params("id"))
	if errors.Is(err, db.ErrNotFound) {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "cell not found"})
	}
	if err != nil {
		return nil, c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
	}
	return cell, nil
}

// shellTarget: a login shell in the cell's worktree.
func (h *TerminalsHandler) shellTarget(c *fiber.Ctx) (*target, error) {
	cell, err := h.cell(c)
	if cell == nil {
		return nil, err
	}
	if _, statErr := os.Stat(cell.WorkspacePath); statErr != nil {
		return nil, c.Status(fiber.StatusConflict).JSON(fiber.Map{"message": "worktree is not available yet"})
	}
	reg := h.engine.ShellTerminals()
	return &target{
		registry: reg,
		key:      cell.ID,
		ensure: func() error {
			_, err := reg.EnsureSession(terminal.LaunchSpec{
				Key:  cell.ID,
				Cwd:  cell.WorkspacePath,
				Argv: []string{"/bin/bash", "-l"},
			})
			return err
		},
	}, nil
}

// chatTarget: the coding-agent TUI attached to the cell's session. Requires a
// ready cell with a recorded session.
func (h *TerminalsHandler) chatTarget(c *fiber.Ctx) (*target, error) {
	cell, err := h.cell(c)
	if cell == nil {
		return nil, err
	}
	if cell.Status != models.CellStatusReady || cell.OpencodeSessionID == nil {
		return nil, c.Status(fiber.StatusConflict).JSON(fiber.Map{"message": "chat terminal is unavailable until the cell is ready"})
	}
	serverURL, urlErr := h.engine.AgentBaseURL(c.Context())
	if urlErr != nil {
		return nil, c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": urlErr.Error()})
	}
	reg := h.engine.ChatTerminals()
	spec := terminal.ChatLaunchSpec(h.cfg, terminal.ChatOptions{
		CellID:            cell.ID,
		WorkspacePath:     cell.WorkspacePath,
		OpencodeSessionID: *cell.OpencodeSessionID,
		ServerURL:         serverURL,
		ThemeMode:         c.Query("theme"),
	})
	return &target{
		registry: reg,
		key:      cell.ID,
		ensure: func() error {
			_, err := reg.EnsureSession(spec)
			return err
		},
	}, nil
}

// setupTarget: read-mostly view of the template setup run.
func (h *TerminalsHandler) setupTarget(c *fiber.Ctx) (*target, error) {
	cell, err := h.cell(c)
	if cell == nil {
		return nil, err
	}
	return &target{registry: h.sup.SetupTerminals(), key: cell.ID}, nil
}

// serviceTarget: a service's PTY, keyed by service id.
func (h *TerminalsHandler) serviceTarget(c *fiber.Ctx) (*target, error) {
	cell, err := h.cell(c)
	if cell == nil {
		return nil, err
	}
	svc, svcErr := h.store.GetService(c.Params("serviceId"))
	if errors.Is(svcErr, db.ErrNotFound) || (svc != nil && svc.CellID != cell.ID) {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "service not found"})
	}
	if svcErr != nil {
		return nil, c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": svcErr.Error()})
	}
	return &target{registry: h.sup.ServiceTerminals(), key: svc.ID}, nil
}

type resolver func(c *fiber.Ctx) (*target, error)

// Stream returns the SSE endpoint for a flavor: ready, a ring-buffer
// snapshot, then live data and exit events with heartbeats.
func (h *TerminalsHandler) Stream(resolve resolver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		t, err := resolve(c)
		if t == nil {
			return err
		}
		if t.ensure != nil {
			if err := t.ensure(); err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
			}
		}
		info, ok := t.registry.Get(t.key)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "no terminal session"})
		}

		ch := make(chan terminal.Event, 256)
		dispose, err := t.registry.Subscribe(t.key, func(ev terminal.Event) {
			select {
			case ch <- ev:
			default:
			}
		})
		if err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": err.Error()})
		}

		snapshot, _ := t.registry.ReadOutput(t.key)
		// Anything queued before the snapshot was taken is already in it.
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
			if !s.send("ready", info) {
				return
			}
			if !s.send("snapshot", fiber.Map{"data": snapshot}) {
				return
			}
			heartbeat := newHeartbeatTicker()
			defer heartbeat.Stop()
			for {
				select {
				case ev, open := <-ch:
					if !open {
						return
					}
					switch ev.Type {
					case "data":
						if !s.send("data", fiber.Map{"data": ev.Chunk}) {
							return
						}
					case "exit":
						s.send("exit", fiber.Map{"exitCode": ev.ExitCode, "signal": ev.Signal})
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
}

// Input forwards the raw request body to the PTY.
func (h *TerminalsHandler) Input(resolve resolver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		t, err := resolve(c)
		if t == nil {
			return err
		}
		if err := t.registry.Write(t.key, c.Body()); err != nil {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"message": err.Error()})
		}
		return c.SendStatus(fiber.StatusOK)
	}
}

// Resize applies new dimensions.
func (h *TerminalsHandler) Resize(resolve resolver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		t, err := resolve(c)
		if t == nil {
			return err
		}
		var req struct {
			Cols uint16 `json:"cols"`
			Rows uint16 `json:"rows"`
		}
		if err := c.BodyParser(&req); err != nil || req.Cols == 0 || req.Rows == 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": "cols and rows are required"})
		}
		if err := t.registry.Resize(t.key, req.Cols, req.Rows); err != nil {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"message": err.Error()})
		}
		return c.SendStatus(fiber.StatusOK)
	}
}

// Restart kills the session and spawns a fresh one. Flavors without a spawner
// cannot be restarted through this endpoint.
func (h *TerminalsHandler) Restart(resolve resolver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		t, err := resolve(c)
		if t == nil {
			return err
		}
		if t.ensure == nil {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"message": "this terminal cannot be restarted directly"})
		}
		t.registry.CloseSession(t.key)
		if err := t.ensure(); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
		}
		audit(c, h.store, c.Params("id"), "terminal_restarted", "", nil)
		info, _ := t.registry.Get(t.key)
		return c.JSON(info)
	}
}

// wsControl is the JSON control frame accepted on terminal websockets; any
// binary frame is raw keystrokes.
type wsControl struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// Attach returns the websocket endpoint for a flavor: binary frames carry
// PTY bytes both ways, text frames carry JSON control messages.
func (h *TerminalsHandler) Attach(resolve resolver) fiber.Handler {
	upgrade := func(c *fiber.Ctx) (*target, error) {
		t, err := resolve(c)
		if t == nil {
			return nil, err
		}
		if t.ensure != nil {
			if err := t.ensure(); err != nil {
				return nil, c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
			}
		}
		return t, nil
	}

	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		t, err := upgrade(c)
		if t == nil {
			return err
		}
		reg, key := t.registry, t.key

		return websocket.New(func(conn *websocket.Conn) {
			defer conn.Close()

			if out, ok := reg.ReadOutput(key); ok && len(out) > 0 {
				if err := conn.WriteMessage(websocket.BinaryMessage, out); err != nil {
					return
				}
			}

			closed := make(chan struct{})
			dispose, err := reg.Subscribe(key, func(ev terminal.Event) {
				switch ev.Type {
				case "data":
					if err := conn.WriteMessage(websocket.BinaryMessage, ev.Chunk); err != nil {
						select {
						case <-closed:
						default:
							close(closed)
						}
					}
				case "exit":
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session exited"))
					select {
					case <-closed:
					default:
						close(closed)
					}
				}
			})
			if err != nil {
				return
			}
			defer dispose()

			go func() {
				<-closed
				_ = conn.Close()
			}()

			for {
				msgType, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				switch msgType {
				case websocket.TextMessage:
					var ctrl wsControl
					if json.Unmarshal(data, &ctrl) == nil && ctrl.Type == "resize" && ctrl.Cols > 0 && ctrl.Rows > 0 {
						if err := reg.Resize(key, ctrl.Cols, ctrl.Rows); err != nil {
							logger.Debugf("ws resize failed for %s: %v", key, err)
						}
						continue
					}
					if err := reg.Write(key, data); err != nil {
						return
					}
				case websocket.BinaryMessage:
					if err := reg.Write(key, data); err != nil {
						return
					}
				}
			}
		})(c)
	}
}
