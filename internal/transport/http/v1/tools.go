package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/sentinel/internal/domain"
)

// ListTools lists the tool catalog.
// GET /v1/tools
func (h *Handler) ListTools(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"tools": h.service.Tools(c.Request().Context()),
	})
}

// InvokeTool calls an agent tool outside any incident.
// POST /v1/tools/:tool_name/invoke
func (h *Handler) InvokeTool(c echo.Context) error {
	ctx := c.Request().Context()
	toolName := c.Param("tool_name")

	var req domain.ToolInvokeRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		}
	}
	if err := h.validator.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	rec, err := h.service.InvokeTool(ctx, toolName, req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

// ListCalls returns the most recent calls.
// GET /v1/calls?limit=&incident_id=
func (h *Handler) ListCalls(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		limit = v
	}
	if h.maxCalls > 0 && limit > h.maxCalls {
		limit = h.maxCalls
	}

	resp, err := h.service.ListCalls(c.Request().Context(), c.QueryParam("incident_id"), limit)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// ReplayCall re-issues a logged call. An optional {"confirm":true} body
// confirms guarded tools.
// POST /v1/calls/:call_id/replay
func (h *Handler) ReplayCall(c echo.Context) error {
	var req domain.ReplayRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		}
	}

	rec, err := h.service.ReplayCall(c.Request().Context(), c.Param("call_id"), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}
