package httpapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/isdmx/flowbox/config"
	"github.com/isdmx/flowbox/flowstore"
	"github.com/isdmx/flowbox/progress"
	"github.com/isdmx/flowbox/sandbox"
	"github.com/isdmx/flowbox/session"
)

// APIVersion is reported by the health endpoint
const APIVersion = "1.0.0"

// Recorder receives HTTP request telemetry
type Recorder interface {
	RecordHTTPRequest(method, route string, status int, elapsed time.Duration)
}

// Server is the REST front door of the execution engine
type Server struct {
	config   *config.Config
	logger   *zap.Logger
	app      *fiber.App
	executor sandbox.Executor
	sessions *session.Manager
	logs     *progress.Store
	flows    flowstore.Store
	registry *sandbox.Registry
	recorder Recorder
	gatherer prometheus.Gatherer
}

// Option defines a functional option for Server
type Option func(*Server)

// WithMetrics records request metrics and serves gatherer on the metrics path
func WithMetrics(recorder Recorder, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.recorder = recorder
		s.gatherer = gatherer
	}
}

// New creates the server and registers its routes
func New(
	cfg *config.Config,
	logger *zap.Logger,
	executor sandbox.Executor,
	sessions *session.Manager,
	logs *progress.Store,
	flows flowstore.Store,
	registry *sandbox.Registry,
	opts ...Option,
) *Server {
	s := &Server{
		config:   cfg,
		logger:   logger.With(zap.String("component", "httpapi")),
		executor: executor,
		sessions: sessions,
		logs:     logs,
		flows:    flows,
		registry: registry,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "flowbox",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Use(s.requestLogger())
	s.app.Use(recover.New())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins:  s.config.Server.CORSOrigins,
		AllowMethods:  "GET,POST,OPTIONS",
		AllowHeaders:  "Origin,Content-Type,Accept",
		ExposeHeaders: "Content-Type,Cache-Control",
	}))

	s.app.Get("/", s.handleRoot)

	if s.config.Metrics.Enabled && s.gatherer != nil {
		s.app.Get(s.config.Metrics.Path, adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	api := s.app.Group("/api")
	api.Get("/health", s.handleHealth)

	api.Post("/execute", s.handleExecute)
	api.Post("/execute/stream", s.handleExecuteStream)
	api.Post("/execute/logging", s.handleExecuteLogging)
	api.Get("/execute/:id", s.handleSessionStatus)
	api.Post("/execute/:id/cancel", s.handleCancel)
	api.Get("/logs/:id", s.handleReadLog)

	api.Post("/flows/save", s.handleSaveFlow)
	api.Get("/flows/load/:id", s.handleLoadFlow)
	api.Get("/flows/list", s.handleListFlows)
}

// App returns the underlying fiber application
func (s *Server) App() *fiber.App {
	return s.app
}

// Start listens on the configured port until Shutdown
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Server.HTTPPort)
	s.logger.Info("starting REST server", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("stopping REST server")
	return s.app.ShutdownWithContext(ctx)
}

// requestLogger logs each request through zap and feeds the metrics recorder
func (s *Server) requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if err != nil {
			if handlerErr := s.handleError(c, err); handlerErr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		elapsed := time.Since(start)
		route := c.Route().Path

		s.logger.Info("request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
		)
		if s.recorder != nil {
			s.recorder.RecordHTTPRequest(c.Method(), route, status, elapsed)
		}
		return nil
	}
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(code).JSON(ErrorResponse{Error: err.Error()})
}
