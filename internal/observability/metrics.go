// Package observability owns the private Prometheus registry and its collectors.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markscan/markscan/internal/logger"
	"github.com/markscan/markscan/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry   *prometheus.Registry
	Inspection *metrics.InspectionMetrics
	Datastore  *metrics.DatastoreMetrics
	HTTP       *metrics.HTTPMetrics
	MQTT       *metrics.MQTTMetrics
}

// NewMetrics creates a private registry with process, Go runtime and MarkScan collectors.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register go collector: %w", err)
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("failed to register process collector: %w", err)
	}

	inspection, err := metrics.NewInspectionMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create inspection metrics: %w", err)
	}

	datastore, err := metrics.NewDatastoreMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create datastore metrics: %w", err)
	}

	httpMetrics, err := metrics.NewHTTPMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
	}

	mqtt, err := metrics.NewMQTTMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT metrics: %w", err)
	}

	return &Metrics{
		registry:   registry,
		Inspection: inspection,
		Datastore:  datastore,
		HTTP:       httpMetrics,
		MQTT:       mqtt,
	}, nil
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the Prometheus exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      promLogger{GetLogger()},
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// GetLogger returns the observability module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("observability")
}

// promLogger adapts Logger to promhttp.Logger.
type promLogger struct{ log logger.Logger }

func (p promLogger) Println(v ...any) {
	p.log.Warn("metrics handler error", logger.String("detail", fmt.Sprint(v...)))
}
