// Package api exposes the HTTP surface: the GitLab webhook receiver,
// the analysis status endpoint and the health check.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/pipewatch/internal/orchestrator"
)

// Server represents the API server.
type Server struct {
	echo          *echo.Echo
	port          int
	webhookSecret string
	manager       *orchestrator.Manager
}

// NewServer creates the API server and wires its routes.
func NewServer(port int, webhookSecret string, manager *orchestrator.Manager) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())

	server := &Server{
		echo:          e,
		port:          port,
		webhookSecret: webhookSecret,
		manager:       manager,
	}

	server.setupRoutes()

	return server
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.health)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/webhooks/gitlab", s.handleGitLabWebhook)
	v1.GET("/analyses/:id", s.getAnalysis)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Start runs the server until the context is canceled, then shuts it
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	log.Info().Int("port", s.port).Msg("API server started")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}
