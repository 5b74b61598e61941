// Package http provides the HTTP servers of the orchestrator.
package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaot623/sentinel/internal/config"
	"github.com/xiaot623/sentinel/internal/hub"
	"github.com/xiaot623/sentinel/internal/service"
	v1 "github.com/xiaot623/sentinel/internal/transport/http/v1"
	"github.com/xiaot623/sentinel/internal/transport/ws"
)

// NewExternalServer creates and configures the public HTTP server.
// It serves the REST API, the SSE stream and the WebSocket endpoint.
func NewExternalServer(svc *service.Service, h *hub.Hub, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(svc, h, cfg)
	wsServer := ws.NewServer(h, ws.Config{
		PingInterval: cfg.PingInterval,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
	})

	// Register Routes
	v1Handler.RegisterRoutes(e)
	e.GET("/ws", wsServer.Handle)

	return e
}

// NewInternalServer creates the server for health checks and metrics scraping.
func NewInternalServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Recover())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e
}
