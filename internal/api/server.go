package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/gwtoolzone/open-swe/internal/orchestrator"
	"github.com/gwtoolzone/open-swe/internal/pipeline"
	"github.com/gwtoolzone/open-swe/internal/store"
	"github.com/gwtoolzone/open-swe/internal/tracker"
)

// Server is the HTTP surface: the tracker webhook ingress and the direct
// message API.
type Server struct {
	echo *echo.Echo
	port int

	pipeline *pipeline.Pipeline
	orch     *orchestrator.Orchestrator
	tracker  tracker.Client
	store    store.Store

	allowedUsers  []string
	webhookSecret string
}

// NewServer creates the API server with all pipeline dependencies wired in.
// Process-wide collaborators are explicit construction parameters, scoped to
// service startup and shutdown.
func NewServer(port int, p *pipeline.Pipeline, orch *orchestrator.Orchestrator, trackerClient tracker.Client, st store.Store, allowedUsers []string, webhookSecret string) *Server {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server := &Server{
		echo:          e,
		port:          port,
		pipeline:      p,
		orch:          orch,
		tracker:       trackerClient,
		store:         st,
		allowedUsers:  allowedUsers,
		webhookSecret: webhookSecret,
	}

	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	s.echo.POST("/webhooks/github", s.handleWebhook)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/messages", s.handleMessage)
}

// Start begins the API server and blocks until SIGINT, then shuts down
// gracefully.
func (s *Server) Start() error {
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
			s.echo.Logger.Fatal("shutting down the server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(ctx)
}
