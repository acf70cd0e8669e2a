// Package api provides the HTTP server for MarkScan. The server owns the echo
// instance and middleware; the JSON endpoints live in the v1 subpackage.
package api

import (
	"fmt"
	"time"

	"github.com/labstack/gommon/bytes"

	"github.com/markscan/markscan/internal/conf"
	"github.com/markscan/markscan/internal/logger"
)

// GetLogger returns the api package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("api")
}

// Default constants for the HTTP server.
const (
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultBodyLimit       = "20M"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host string
	Port int

	AllowedOrigins []string

	// Timeouts
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Limits
	BodyLimit string // e.g. "20M"

	Gzip    bool
	Metrics bool // expose /metrics
	Debug   bool

	// UploadsDir is served at /uploads/ when set.
	UploadsDir string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:            "0.0.0.0",
		Port:            8000,
		AllowedOrigins:  []string{"*"},
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		IdleTimeout:     DefaultIdleTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		BodyLimit:       DefaultBodyLimit,
		Gzip:            true,
		Metrics:         true,
	}
}

// ConfigFromSettings creates a Config from the application settings. Zero
// values keep the defaults.
func ConfigFromSettings(settings *conf.Settings) *Config {
	cfg := DefaultConfig()
	srv := settings.Server

	if srv.Host != "" {
		cfg.Host = srv.Host
	}
	if srv.Port != 0 {
		cfg.Port = srv.Port
	}
	if len(srv.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = srv.AllowedOrigins
	}
	if srv.ReadTimeout > 0 {
		cfg.ReadTimeout = srv.ReadTimeout
	}
	if srv.WriteTimeout > 0 {
		cfg.WriteTimeout = srv.WriteTimeout
	}
	if srv.IdleTimeout > 0 {
		cfg.IdleTimeout = srv.IdleTimeout
	}
	if srv.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = srv.ShutdownTimeout
	}
	if srv.BodyLimit != "" {
		cfg.BodyLimit = srv.BodyLimit
	}
	cfg.Gzip = srv.Gzip
	cfg.Metrics = settings.Telemetry.Metrics
	cfg.Debug = settings.Debug

	if settings.Storage.Artifacts.Backend == "" || settings.Storage.Artifacts.Backend == "local" {
		cfg.UploadsDir = settings.Storage.Artifacts.Local.Dir
	}
	return cfg
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	if _, err := bytes.Parse(c.BodyLimit); err != nil {
		return fmt.Errorf("invalid body limit %q: %w", c.BodyLimit, err)
	}
	return nil
}

// BodyLimitBytes is BodyLimit in bytes. Validate must have passed.
func (c *Config) BodyLimitBytes() int64 {
	n, _ := bytes.Parse(c.BodyLimit)
	return n
}

// Address returns the address string for the server to listen on.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// String returns a human-readable representation of the config.
func (c *Config) String() string {
	return fmt.Sprintf("Server Config: address=%s, body_limit=%s, debug=%v",
		c.Address(), c.BodyLimit, c.Debug)
}
