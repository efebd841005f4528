// Package api exposes the HTTP surface: session lifecycle, the step
// endpoint and its SSE variant, snapshots, replay and the dev inspector.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/fableforge/storyrun/pkg/config"
	"github.com/fableforge/storyrun/pkg/database"
	"github.com/fableforge/storyrun/pkg/pipeline"
	"github.com/fableforge/storyrun/pkg/services"
)

// Server is the HTTP API server.
type Server struct {
	echo *echo.Echo
	http *http.Server

	cfg      *config.Settings
	db       *database.Client
	sessions *services.SessionService
	stories  *services.StoryService
	replay   *services.ReplayService
	engine   *pipeline.Engine
}

// NewServer wires the router.
func NewServer(cfg *config.Settings, db *database.Client, sessions *services.SessionService,
	stories *services.StoryService, replay *services.ReplayService, engine *pipeline.Engine) *Server {

	e := echo.New()
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("HTTP request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status)
			return nil
		},
	}))
	e.Use(securityHeaders())

	s := &Server{
		echo:     e,
		cfg:      cfg,
		db:       db,
		sessions: sessions,
		stories:  stories,
		replay:   replay,
		engine:   engine,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.healthHandler)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/stories", s.publishStoryHandler)

	v1.POST("/sessions", s.createSessionHandler)
	v1.GET("/sessions/:id", s.getSessionHandler)
	v1.POST("/sessions/:id/step", s.stepHandler)
	v1.POST("/sessions/:id/step/stream", s.stepStreamHandler)
	v1.POST("/sessions/:id/snapshot", s.snapshotHandler)
	v1.POST("/sessions/:id/rollback", s.rollbackHandler)
	v1.POST("/sessions/:id/end", s.endSessionHandler)
	v1.GET("/sessions/:id/replay", s.replayHandler)

	v1.GET("/debug/sessions/:id", s.debugSessionHandler)
}

// Start serves HTTP on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP server listening", "addr", addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for handler tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
