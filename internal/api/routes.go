// Package api contains the control API routes for the collector
package api

import (
	"fmt"

	"github.com/labstack/echo/v4"

	"github.com/deltaquant/optioncollector/internal/api/handlers"
	"github.com/deltaquant/optioncollector/internal/api/middleware"
	"github.com/deltaquant/optioncollector/internal/collector"
	"github.com/deltaquant/optioncollector/internal/config"
	"github.com/deltaquant/optioncollector/internal/repository"
	"github.com/deltaquant/optioncollector/pkg/utils/response"
)

// Deps carries the shared components every per-session server exposes
type Deps struct {
	Cfg           *config.Config
	Control       *collector.Control
	Pool          *collector.ConnectionPool
	Buffer        *collector.TickBuffer
	Stats         *collector.Stats
	Writer        handlers.LastWriter
	LifecycleRepo *repository.LifecycleRepository
}

// NewSessionServer builds the Echo instance serving one session's control
// endpoints. One server runs per session on its own port.
func NewSessionServer(sessionID int, deps Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	middleware.SetupLoggerMiddleware(e)

	controlHandler := handlers.NewControlHandler(sessionID, deps.Cfg, deps.Control, deps.Pool, deps.Buffer, deps.Stats, deps.Writer, deps.LifecycleRepo)

	// Health route
	e.GET("/health", controlHandler.Health)

	// Create a group for all API routes
	api := e.Group("/api")

	// Index route
	api.GET("/", indexRoute(sessionID, deps.Cfg))

	// Control routes
	api.POST("/subscribe", controlHandler.Subscribe)
	api.POST("/unsubscribe", controlHandler.Unsubscribe)
	api.GET("/status", controlHandler.Status)
	api.GET("/events", controlHandler.Events)

	return e
}

// indexRoute sets up the index route for the control API
func indexRoute(sessionID int, cfg *config.Config) echo.HandlerFunc {
	return func(c echo.Context) error {
		message := fmt.Sprintf("%s session %d", cfg.CollectorID, sessionID)
		return response.SuccessResponse(c, message)
	}
}
