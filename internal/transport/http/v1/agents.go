package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ListAgents returns the AgentState table with each agent's tools.
// GET /v1/agents
func (h *Handler) ListAgents(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"agents": h.service.Agents(c.Request().Context()),
	})
}
