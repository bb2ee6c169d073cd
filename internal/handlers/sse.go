package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
)

// heartbeatInterval keeps idle SSE connections from being reaped by proxies.
const heartbeatInterval = 15 * time.Second

// sseWriter serializes named SSE events onto one stream.
type sseWriter struct {
	w *bufio.Writer
}

// send writes one named event with a JSON payload and flushes. Returns false
// once the client is gone.
func (s *sseWriter) send(event string, payload interface{}) bool {
	b, err := json.Marshal(payload)
	if err != nil {
		return true
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return false
	}
	return s.w.Flush() == nil
}

func newHeartbeatTicker() *time.Ticker {
	return time.NewTicker(heartbeatInterval)
}

func (s *sseWriter) heartbeat() bool {
	return s.send("heartbeat", fiber.Map{"ts": time.Now().UnixMilli()})
}

// stream sets SSE headers and hands a writer to fn on fasthttp's streaming
// body writer. fn runs on its own goroutine and must return when send fails.
func stream(c *fiber.Ctx, fn func(s *sseWriter)) error {
	if ah := c.Get("Accept"); ah != "" && !strings.Contains(ah, "text/event-stream") && !strings.Contains(ah, "*/*") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "this endpoint only serves text/event-stream",
		})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		fn(&sseWriter{w: w})
	}))
	return nil
}
