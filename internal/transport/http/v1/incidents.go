package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/sentinel/internal/domain"
)

// CreateIncident accepts a new incident.
// POST /v1/incidents
func (h *Handler) CreateIncident(c echo.Context) error {
	ctx := c.Request().Context()

	var req domain.CreateIncidentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := h.validator.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	inc, err := h.service.CreateIncident(ctx, req)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, inc)
}

// SimulateIncident creates an incident from a built-in scenario.
// POST /v1/incidents/simulate?scenario=N
func (h *Handler) SimulateIncident(c echo.Context) error {
	ctx := c.Request().Context()

	var idx *int
	if raw := c.QueryParam("scenario"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "scenario must be an integer"})
		}
		idx = &n
	}

	inc, err := h.service.SimulateIncident(ctx, idx)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, inc)
}

// ListIncidents lists all incidents, newest first.
// GET /v1/incidents
func (h *Handler) ListIncidents(c echo.Context) error {
	incidents := h.service.ListIncidents(c.Request().Context())
	return c.JSON(http.StatusOK, domain.IncidentListResponse{Incidents: incidents, Total: len(incidents)})
}

// ClearIncidents drops every incident, plan and call.
// DELETE /v1/incidents
func (h *Handler) ClearIncidents(c echo.Context) error {
	resp, err := h.service.Clear(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetIncident gets one incident.
// GET /v1/incidents/:incident_id
func (h *Handler) GetIncident(c echo.Context) error {
	inc, err := h.service.GetIncident(c.Request().Context(), c.Param("incident_id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, inc)
}

// StartRemediation starts a held incident.
// POST /v1/incidents/:incident_id/remediate
func (h *Handler) StartRemediation(c echo.Context) error {
	inc, err := h.service.StartRemediation(c.Request().Context(), c.Param("incident_id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, inc)
}

// AbandonIncident stops an incident's run.
// POST /v1/incidents/:incident_id/abandon
func (h *Handler) AbandonIncident(c echo.Context) error {
	inc, err := h.service.AbandonIncident(c.Request().Context(), c.Param("incident_id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, inc)
}

// GetPlan gets an incident's execution plan.
// GET /v1/incidents/:incident_id/plan
func (h *Handler) GetPlan(c echo.Context) error {
	plan, err := h.service.GetPlan(c.Request().Context(), c.Param("incident_id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, plan)
}

// GetTrace lists an incident's calls, oldest first.
// GET /v1/incidents/:incident_id/trace
func (h *Handler) GetTrace(c echo.Context) error {
	incidentID := c.Param("incident_id")
	calls, err := h.service.Trace(c.Request().Context(), incidentID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"incident_id": incidentID,
		"calls":       calls,
		"total":       len(calls),
	})
}

// GetIncidentEvents returns journaled events for reconnecting observers.
// GET /v1/incidents/:incident_id/events?after_seq=&limit=
func (h *Handler) GetIncidentEvents(c echo.Context) error {
	incidentID := c.Param("incident_id")

	var afterSeq int64
	if raw := c.QueryParam("after_seq"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "after_seq must be an integer"})
		}
		afterSeq = v
	}
	limit := 500
	if raw := c.QueryParam("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		limit = v
	}

	events, err := h.service.Events(c.Request().Context(), incidentID, afterSeq, limit)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"incident_id": incidentID,
		"events":      events,
	})
}
