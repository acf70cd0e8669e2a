package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	mw "github.com/markscan/markscan/internal/api/middleware"
	v1 "github.com/markscan/markscan/internal/api/v1"
	"github.com/markscan/markscan/internal/conf"
	"github.com/markscan/markscan/internal/datastore"
	"github.com/markscan/markscan/internal/logger"
	"github.com/markscan/markscan/internal/observability"
)

// Server is the MarkScan HTTP server. It owns the echo instance, the
// middleware stack and the v1 controller.
type Server struct {
	echo     *echo.Echo
	config   *Config
	settings *conf.Settings
	log      logger.Logger

	// Dependencies
	pipeline        v1.Inspector
	dataStore       datastore.Interface
	metrics         *observability.Metrics
	artifactBackend string

	apiController *v1.Controller
	uploads       *UploadsServer

	startTime time.Time
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithDataStore sets the record store.
func WithDataStore(ds datastore.Interface) ServerOption {
	return func(s *Server) { s.dataStore = ds }
}

// WithPipeline sets the inspection pipeline behind /predict/.
func WithPipeline(p v1.Inspector) ServerOption {
	return func(s *Server) { s.pipeline = p }
}

// WithMetrics sets the observability metrics for the server.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithArtifactBackend names the active artifact backend.
func WithArtifactBackend(name string) ServerOption {
	return func(s *Server) { s.artifactBackend = name }
}

// New creates a new HTTP server with the given settings and options.
func New(settings *conf.Settings, opts ...ServerOption) (*Server, error) {
	config := ConfigFromSettings(settings)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	s := &Server{
		config:          config,
		settings:        settings,
		artifactBackend: settings.Storage.Artifacts.Backend,
		startTime:       time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = GetLogger()
	}
	if s.pipeline == nil || s.dataStore == nil {
		return nil, fmt.Errorf("server requires a pipeline and a datastore")
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Debug = config.Debug

	s.echo.Server.ReadTimeout = config.ReadTimeout
	s.echo.Server.WriteTimeout = config.WriteTimeout
	s.echo.Server.IdleTimeout = config.IdleTimeout

	s.setupMiddleware()
	s.setupRoutes()

	s.log.Info("HTTP server initialized",
		logger.String("address", config.Address()),
		logger.String("records", s.dataStore.Backend()),
		logger.String("artifacts", s.artifactBackend),
		logger.Bool("debug", config.Debug))

	return s, nil
}

// setupMiddleware configures the Echo middleware stack.
func (s *Server) setupMiddleware() {
	// Recovery middleware - should be first
	s.echo.Use(echomw.Recover())
	s.echo.Use(echomw.RequestID())
	s.echo.Use(mw.NewTraceContext())

	s.echo.Use(mw.NewRequestLoggerWithSkipper(s.log, mw.SkipPaths("/metrics")))
	if s.metrics != nil {
		s.echo.Use(mw.NewMetrics(s.metrics.HTTP))
	}

	security := mw.SecurityConfig{AllowedOrigins: s.config.AllowedOrigins}
	s.echo.Use(mw.NewCORS(security))
	s.echo.Use(mw.NewBodyLimit(s.config.BodyLimit))
	if s.config.Gzip {
		s.echo.Use(mw.NewGzip())
	}
	s.echo.Use(mw.NewSecureHeaders(security))
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.apiController = v1.New(s.echo, s.pipeline, s.dataStore, s.settings,
		v1.WithMetrics(s.metrics),
		v1.WithArtifactBackend(s.artifactBackend),
		v1.WithMaxUpload(s.config.BodyLimitBytes()),
	)

	if s.config.UploadsDir != "" {
		s.uploads = NewUploadsServer(s.config.UploadsDir, s.log)
		s.uploads.RegisterRoutes(s.echo)
	}

	if s.config.Metrics && s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	s.echo.GET("/health", s.healthCheck)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting HTTP server", logger.String("address", s.config.Address()))
		if err := s.echo.Start(s.config.Address()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server error: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.log.Info("Shutdown signal received, initiating graceful shutdown")
		return s.Shutdown()
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		s.log.Error("Error during server shutdown", logger.Error(err))
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.log.Info("Server shutdown complete")
	return nil
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Config returns the resolved server configuration.
func (s *Server) Config() *Config {
	return s.config
}
