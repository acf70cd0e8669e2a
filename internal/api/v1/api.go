// Package api implements the MarkScan JSON endpoints: prediction, the
// inspection record listing, overrides and analytics.
package api

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/patrickmn/go-cache"

	"github.com/markscan/markscan/internal/conf"
	"github.com/markscan/markscan/internal/datastore"
	"github.com/markscan/markscan/internal/inspection"
	"github.com/markscan/markscan/internal/logger"
	"github.com/markscan/markscan/internal/observability"
)

// Cache settings for the analytics summary.
const (
	DefaultStatsTTL   = 30 * time.Second
	statsCacheKey     = "summary"
	statsCacheName    = "stats"
	statsCacheCleanup = 5 * time.Minute
)

// Inspector runs one inspection.
type Inspector interface {
	Run(ctx context.Context, req *inspection.Request) (*inspection.Outcome, error)
}

// Controller manages the API routes and handlers.
type Controller struct {
	Echo     *echo.Echo
	Pipeline Inspector
	DS       datastore.Interface
	Settings *conf.Settings

	artifactBackend string
	maxUpload       int64
	statsTTL        time.Duration
	statsCache      *cache.Cache
	statsMu         sync.Mutex
	statsGen        uint64 // bumped by every write
	metrics         *observability.Metrics
	logger          logger.Logger
}

// Option is a functional option for configuring the Controller.
type Option func(*Controller)

// WithMetrics records overrides and cache lookups.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger overrides the module logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithArtifactBackend names the artifact backend in the liveness message.
func WithArtifactBackend(name string) Option {
	return func(c *Controller) { c.artifactBackend = name }
}

// WithMaxUpload caps the bytes read from an uploaded file.
func WithMaxUpload(n int64) Option {
	return func(c *Controller) { c.maxUpload = n }
}

// WithStatsTTL sets how long the analytics summary is cached.
func WithStatsTTL(d time.Duration) Option {
	return func(c *Controller) { c.statsTTL = d }
}

// New creates the controller and registers its routes on e.
func New(e *echo.Echo, pipeline Inspector, ds datastore.Interface, settings *conf.Settings, opts ...Option) *Controller {
	c := &Controller{
		Echo:            e,
		Pipeline:        pipeline,
		DS:              ds,
		Settings:        settings,
		artifactBackend: "no",
		statsTTL:        DefaultStatsTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = GetLogger()
	}
	c.statsCache = cache.New(c.statsTTL, statsCacheCleanup)

	c.initRoutes()
	return c
}

// GetLogger returns the v1 API logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("api.v1")
}

func (c *Controller) initRoutes() {
	c.Echo.GET("/", c.Liveness)

	c.Echo.POST("/predict/", c.Predict)
	c.Echo.POST("/predict", c.Predict)

	c.Echo.GET("/inspection_records", c.ListRecords)
	c.Echo.GET("/inspection_records/stats", c.GetStats)
	c.Echo.GET("/inspection_records/:id", c.GetRecord)
	c.Echo.PUT("/inspection_records/:id", c.UpdateRecord)
}

// Liveness reports which backends are active.
func (c *Controller) Liveness(ctx echo.Context) error {
	records := "no"
	if c.DS != nil {
		records = c.DS.Backend()
	}
	return ctx.JSON(http.StatusOK, map[string]string{
		"status": fmt.Sprintf("MarkScan AI Backend is running with %s records and %s artifacts.", records, c.artifactBackend),
	})
}

// invalidateStats drops the cached summary after a write.
func (c *Controller) invalidateStats() {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.statsGen++
	c.statsCache.Delete(statsCacheKey)
}

func (c *Controller) statsGeneration() uint64 {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.statsGen
}

// cacheStats stores summary unless a write happened since gen was read.
func (c *Controller) cacheStats(gen uint64, summary any) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	if c.statsGen == gen {
		c.statsCache.SetDefault(statsCacheKey, summary)
	}
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

// NewErrorResponse creates a new API error response.
func NewErrorResponse(err error, message string, code int) *ErrorResponse {
	errorStr := message
	if err != nil {
		errorStr = err.Error()
	}
	return &ErrorResponse{
		Error:         errorStr,
		Message:       message,
		Code:          code,
		CorrelationID: generateCorrelationID(),
	}
}

// generateCorrelationID returns 8 random alphanumerics.
func generateCorrelationID() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 8

	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "ERR-RAND"
	}
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b)
}

// HandleError logs err and writes the error body.
func (c *Controller) HandleError(ctx echo.Context, err error, message string, code int) error {
	resp := NewErrorResponse(err, message, code)

	fields := []logger.Field{
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("message", message),
		logger.String("error", resp.Error),
		logger.Int("code", code),
		logger.String("path", ctx.Request().URL.Path),
		logger.String("method", ctx.Request().Method),
		logger.String("ip", ctx.RealIP()),
	}
	log := c.logger.WithContext(ctx.Request().Context())
	if code >= http.StatusInternalServerError {
		log.Error("API error", fields...)
	} else {
		log.Warn("API error", fields...)
	}

	return ctx.JSON(code, resp)
}
