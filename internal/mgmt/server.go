// Package mgmt serves the HTTP surface: probes, metrics, session status,
// fact submissions, moderation and Slack review callbacks.
package mgmt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/factbot/internal/health"
	"github.com/p-blackswan/factbot/internal/metrics"
	"github.com/p-blackswan/factbot/internal/requestid"
)

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	ListenAddr     string
	AuthConfig     AuthConfig
	SubmitCooldown time.Duration
}

// Deps are the collaborators the routes are served from. Session and
// Reviewer may be nil.
type Deps struct {
	Session  SessionReporter
	Facts    FactStore
	Random   RandomSource
	Reviewer Reviewer
	Checker  *health.Checker
	Metrics  *metrics.Metrics
	Clock    clockwork.Clock
}

// Server is the management API Fiber application.
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	config ServerConfig
}

// NewServer creates and configures a new HTTP server.
func NewServer(cfg ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Checker == nil {
		deps.Checker = health.NewChecker(logger)
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             64 * 1024,
	})

	s := &Server{
		app:    app,
		logger: logger.With().Str("component", "mgmt_server").Logger(),
		config: cfg,
	}

	if cfg.AuthConfig.APIKey == "" {
		s.logger.Warn().Msg("API_KEY not set; moderation routes are unauthenticated")
	}

	h := NewHandlers(deps.Session, deps.Facts, deps.Random, deps.Reviewer, deps.Metrics, logger)
	s.setupMiddleware()
	s.setupRoutes(cfg, h, deps)

	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(func(c *fiber.Ctx) error {
		ctx, reqID := requestid.Ensure(c.UserContext(), c.Get(requestid.Header))
		c.SetUserContext(ctx)
		c.Set(requestid.Header, reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	// Audit log, probes excluded.
	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		s.logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Int("status", c.Response().StatusCode()).
			Dur("latency", time.Since(start)).
			Str("request_id", fmt.Sprintf("%v", c.Locals("request_id"))).
			Msg("http request")
		return err
	})
}

func (s *Server) setupRoutes(cfg ServerConfig, h *Handlers, deps Deps) {
	s.app.Get("/healthz", adaptor.HTTPHandlerFunc(health.LivenessHandler()))
	s.app.Get("/readyz", adaptor.HTTPHandlerFunc(deps.Checker.ReadinessHandler()))
	s.app.Get("/metrics", adaptor.HTTPHandler(deps.Metrics.Handler()))

	admin := NewAuthMiddleware(cfg.AuthConfig, s.logger)
	limited := NewCooldownMiddleware(cfg.SubmitCooldown, deps.Clock, func() {
		deps.Metrics.RecordSubmission("rate_limited")
	})

	v1 := s.app.Group("/api/v1")
	v1.Get("/session", h.Session)

	v1.Post("/facts", limited, h.SubmitFact)
	v1.Get("/facts/pending", admin, h.PendingFacts)
	v1.Get("/facts/counts", admin, h.FactCounts)
	v1.Get("/facts/random", admin, h.RandomFact)
	v1.Post("/facts/:id/approve", admin, h.ApproveFact)
	v1.Delete("/facts/:id", admin, h.DenyFact)

	s.app.Post("/slack/interactions", h.SlackInteractions)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8080"
	}

	s.logger.Info().Str("addr", addr).Msg("HTTP server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("HTTP server shutting down")
	return s.app.ShutdownWithContext(ctx)
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		if code >= fiber.StatusInternalServerError {
			logger.Error().
				Err(err).
				Int("status", code).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Msg("unhandled error")
		}

		title := fiber.NewError(code).Message
		detail := err.Error()
		// Don't leak internal details.
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     "http_error",
			Title:    title,
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
