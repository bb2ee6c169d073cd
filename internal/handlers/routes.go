package handlers

import (
	"github.com/gofiber/fiber/v2"
)

// Register mounts the full HTTP surface under /api/cells. Literal segments
// are registered ahead of parameterized ones so fiber matches them first.
func Register(app *fiber.App, cells *CellsHandler, services *ServicesHandler,
	terminals *TerminalsHandler, streams *StreamsHandler) {

	g := app.Group("/api/cells")

	g.Post("/", cells.Create)
	g.Get("/", cells.List)
	g.Delete("/", cells.BulkDelete)
	g.Get("/timings/global", streams.GlobalTimings)
	g.Get("/workspace/:workspaceId/stream", streams.CellsStream)

	g.Get("/:id", cells.Get)
	g.Delete("/:id", cells.Delete)
	g.Post("/:id/setup/retry", cells.Retry)
	g.Get("/:id/diff", cells.Diff)
	g.Get("/:id/activity", cells.Activity)
	g.Get("/:id/timings", streams.Timings)
	g.Get("/:id/timings/stream", streams.TimingsStream)

	g.Get("/:id/services", services.List)
	g.Get("/:id/services/stream", streams.ServicesStream)
	g.Post("/:id/services/start", services.StartAll)
	g.Post("/:id/services/stop", services.StopAll)
	g.Post("/:id/services/restart", services.RestartAll)
	g.Post("/:id/services/:serviceId/start", services.Start)
	g.Post("/:id/services/:serviceId/stop", services.Stop)
	g.Post("/:id/services/:serviceId/restart", services.Restart)

	mountTerminal := func(prefix string, resolve resolver, attachable bool) {
		g.Get(prefix+"/stream", terminals.Stream(resolve))
		g.Post(prefix+"/input", terminals.Input(resolve))
		g.Post(prefix+"/resize", terminals.Resize(resolve))
		g.Post(prefix+"/restart", terminals.Restart(resolve))
		if attachable {
			g.Get(prefix+"/ws", terminals.Attach(resolve))
		}
	}

	mountTerminal("/:id/terminal", terminals.shellTarget, true)
	mountTerminal("/:id/chat/terminal", terminals.chatTarget, true)
	mountTerminal("/:id/setup/terminal", terminals.setupTarget, false)
	mountTerminal("/:id/services/:serviceId/terminal", terminals.serviceTarget, false)
}
