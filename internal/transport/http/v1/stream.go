package v1

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// StreamEvents pushes hub events as Server-Sent Events.
// GET /v1/events/stream?incident_id=
func (h *Handler) StreamEvents(c echo.Context) error {
	ctx := c.Request().Context()

	sub, err := h.hub.Subscribe(c.QueryParam("incident_id"))
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	}
	defer h.hub.Unsubscribe(sub)

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	fmt.Fprintf(c.Response().Writer, "event: connected\ndata: {\"subscriber_id\":%q}\n\n", sub.ID)
	flusher.Flush()

	interval := h.sseInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	keepAlive := time.NewTicker(interval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Send:
			if !ok {
				// Dropped for falling behind, or the hub stopped.
				return nil
			}
			if _, err := fmt.Fprintf(c.Response().Writer, "data: %s\n\n", msg); err != nil {
				return nil
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(c.Response().Writer, ": keep-alive\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}
