// Package telemetry enables optional Sentry error reporting.
package telemetry

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/markscan/markscan/internal/conf"
	"github.com/markscan/markscan/internal/errors"
	"github.com/markscan/markscan/internal/logger"
)

const defaultEnvironment = "production"

var sentryInitialized atomic.Bool

// Option configures InitSentry.
type Option func(*sentry.ClientOptions)

// WithTransport replaces the HTTP transport, mainly for tests.
func WithTransport(t sentry.Transport) Option {
	return func(o *sentry.ClientOptions) { o.Transport = t }
}

// GetLogger returns the telemetry module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("telemetry")
}

// InitSentry starts Sentry and routes EnhancedErrors to it. Reporting is
// opt-in: without telemetry.sentry_dsn this does nothing.
func InitSentry(settings *conf.Settings, release string, opts ...Option) error {
	dsn := settings.Telemetry.SentryDSN
	if dsn == "" {
		GetLogger().Debug("sentry error reporting disabled")
		return nil
	}

	env := settings.Telemetry.Environment
	if env == "" {
		env = defaultEnvironment
	}

	options := sentry.ClientOptions{
		Dsn:              dsn,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      env,
		ServerName:       "",
		Release:          "markscan@" + release,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	}
	for _, opt := range opts {
		opt(&options)
	}

	if err := sentry.Init(options); err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}

	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	sentryInitialized.Store(true)

	GetLogger().Info("sentry error reporting enabled",
		logger.String("environment", env),
		logger.String("release", options.Release))
	return nil
}

// Enabled reports whether InitSentry succeeded.
func Enabled() bool {
	return sentryInitialized.Load()
}

// Flush waits up to timeout for queued events.
func Flush(timeout time.Duration) bool {
	if !sentryInitialized.Load() {
		return true
	}
	return sentry.Flush(timeout)
}

// Shutdown flushes and detaches the reporter from the errors package.
func Shutdown(timeout time.Duration) {
	if !sentryInitialized.Swap(false) {
		return
	}
	errors.SetTelemetryReporter(nil)
	if !sentry.Flush(timeout) {
		GetLogger().Warn("sentry flush timed out", logger.Duration("timeout", timeout))
	}
}

// applyPrivacyFilters drops everything identifying the host or the caller.
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""
	event.Request = nil

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}
	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}
	return event
}
