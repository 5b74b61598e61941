// Package v1 provides the public REST handlers.
package v1

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/xiaot623/sentinel/internal/config"
	"github.com/xiaot623/sentinel/internal/hub"
	"github.com/xiaot623/sentinel/internal/pkg/ctxlog"
	"github.com/xiaot623/sentinel/internal/service"
	"github.com/xiaot623/sentinel/internal/tools"
)

// Handler handles HTTP requests.
type Handler struct {
	service     *service.Service
	hub         *hub.Hub
	validator   *validator.Validate
	limiter     echo.MiddlewareFunc
	maxCalls    int
	sseInterval time.Duration
}

// NewHandler creates a new handler.
func NewHandler(svc *service.Service, h *hub.Hub, cfg *config.Config) *Handler {
	if cfg == nil {
		cfg = config.Default()
	}
	limiter := middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(cfg.ManualInvokeRPS),
			Burst:     cfg.ManualInvokeBurst,
			ExpiresIn: 3 * time.Minute,
		}),
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		},
	})
	return &Handler{
		service:     svc,
		hub:         h,
		validator:   validator.New(),
		limiter:     limiter,
		maxCalls:    cfg.CallLogSize,
		sseInterval: cfg.PingInterval,
	}
}

// RegisterRoutes registers external routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Incidents
	e.POST("/v1/incidents", h.CreateIncident)
	e.POST("/v1/incidents/simulate", h.SimulateIncident)
	e.GET("/v1/incidents", h.ListIncidents)
	e.DELETE("/v1/incidents", h.ClearIncidents)
	e.GET("/v1/incidents/:incident_id", h.GetIncident)
	e.POST("/v1/incidents/:incident_id/remediate", h.StartRemediation)
	e.POST("/v1/incidents/:incident_id/abandon", h.AbandonIncident)
	e.GET("/v1/incidents/:incident_id/plan", h.GetPlan)
	e.GET("/v1/incidents/:incident_id/trace", h.GetTrace)
	e.GET("/v1/incidents/:incident_id/events", h.GetIncidentEvents)

	// Agents and tools
	e.GET("/v1/agents", h.ListAgents)
	e.GET("/v1/tools", h.ListTools)
	e.POST("/v1/tools/:tool_name/invoke", h.InvokeTool, h.limiter)

	// Call log
	e.GET("/v1/calls", h.ListCalls)
	e.POST("/v1/calls/:call_id/replay", h.ReplayCall, h.limiter)

	// Live events
	e.GET("/v1/events/stream", h.StreamEvents)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "healthy",
		"version":   "0.1.0",
		"observers": h.hub.Count(),
	})
}

// errorStatus maps service errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrIncidentNotFound),
		errors.Is(err, service.ErrPlanNotFound),
		errors.Is(err, service.ErrCallNotFound),
		errors.Is(err, tools.ErrUnknownTool):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyStarted),
		errors.Is(err, service.ErrIncidentFinished):
		return http.StatusConflict
	case errors.Is(err, service.ErrPolicyBlocked):
		return http.StatusForbidden
	case errors.Is(err, service.ErrInvalidParams),
		errors.Is(err, service.ErrInvalidCaller):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c echo.Context, err error) error {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		ctxlog.FromContext(c.Request().Context()).Error("request failed", "path", c.Path(), "error", err)
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
