package httpapi

import (
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/flasharr/flasharr/internal/eventbus"
	"github.com/flasharr/flasharr/internal/obs/logger"
)

// RegisterRoutes wires every task lifecycle endpoint plus the SSE stream
// onto e. Grounded on gonzb's api.RegisterRoutes, generalized from one
// Newznab controller to a small REST surface.
func RegisterRoutes(e *echo.Echo, orch Orchestrator, events *eventbus.Bus, log *logger.Logger) {
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	tc := &TaskController{Orchestrator: orch, Events: events, Logger: log}

	api := e.Group("/api/tasks")
	api.POST("", tc.Submit)
	api.GET("", tc.List)
	api.GET("/:id", tc.Get)
	api.POST("/:id/pause", tc.Pause)
	api.POST("/:id/resume", tc.Resume)
	api.POST("/:id/cancel", tc.Cancel)
	api.POST("/:id/retry", tc.Retry)
	api.DELETE("/:id", tc.Delete)
	api.POST("/batch", tc.Batch)

	e.GET("/api/events", tc.Subscribe)
}
