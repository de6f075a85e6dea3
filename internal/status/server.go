// Package status serves the controller's latest sample over HTTP.
package status

import (
	"context"
	"time"

	"codeberg.org/mutker/pifanctl/internal/logger"
	"codeberg.org/mutker/pifanctl/internal/telemetry"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

const (
	defaultHistoryLimit = 60
	maxHistoryLimit     = 1000
	shutdownTimeout     = 5 * time.Second
)

// LatestSource provides the most recent sample.
type LatestSource interface {
	Latest() (telemetry.Sample, bool)
}

// HistorySource provides recorded samples, newest first.
type HistorySource interface {
	Recent(ctx context.Context, limit int) ([]telemetry.Sample, error)
}

// Server represents the status API server
type Server struct {
	app     *fiber.App
	latest  LatestSource
	history HistorySource
	mode    string
	started time.Time
	logger  logger.Logger
}

// NewServer builds the API. history may be nil.
func NewServer(latest LatestSource, history HistorySource, mode string, log logger.Logger) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           60 * time.Second,
		DisableStartupMessage: true,
		ServerHeader:          "pifanctl",
		AppName:               "pifanctl",
	})

	app.Use(recover.New())
	app.Use(func(c *fiber.Ctx) error {
		err := c.Next()
		log.Debug().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", c.Response().StatusCode()).
			Msg("Status API request")
		return err
	})

	server := &Server{
		app:     app,
		latest:  latest,
		history: history,
		mode:    mode,
		started: time.Now(),
		logger:  log,
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	api := s.app.Group("/api")

	api.Get("/status", s.getStatus)
	api.Get("/history", s.getHistory)
	api.Get("/health", s.healthCheck)
}

// Start serves on address until Shutdown is called.
func (s *Server) Start(address string) error {
	s.logger.Info().Str("address", address).Msg("Status API listening")
	return s.app.Listen(address)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(shutdownTimeout)
}
