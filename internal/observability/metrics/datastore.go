package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DatastoreMetrics contains Prometheus metrics for record store operations.
type DatastoreMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewDatastoreMetrics creates the collectors and registers them with registry.
func NewDatastoreMetrics(registry *prometheus.Registry) (*DatastoreMetrics, error) {
	m := &DatastoreMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *DatastoreMetrics) initMetrics() {
	m.operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markscan_datastore_operations_total",
			Help: "Total number of record store operations",
		},
		[]string{"operation", "backend", "status"},
	)

	m.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "markscan_datastore_operation_duration_seconds",
			Help:    "Time taken by record store operations",
			Buckets: prometheus.ExponentialBuckets(BucketStart100us, BucketFactor2, BucketCount15), // 0.1ms to ~1.6s
		},
		[]string{"operation", "backend"},
	)

	m.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markscan_datastore_errors_total",
			Help: "Total number of record store errors by type",
		},
		[]string{"operation", "backend", "error_type"},
	)

	m.collectors = []prometheus.Collector{m.operationsTotal, m.operationDuration, m.errorsTotal}
}

// Describe implements prometheus.Collector.
func (m *DatastoreMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *DatastoreMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

// ForBackend returns a Recorder that labels everything with backend.
func (m *DatastoreMetrics) ForBackend(backend string) Recorder {
	return &backendRecorder{m: m, backend: backend}
}

type backendRecorder struct {
	m       *DatastoreMetrics
	backend string
}

func (r *backendRecorder) RecordOperation(operation, status string) {
	r.m.operationsTotal.WithLabelValues(operation, r.backend, status).Inc()
}

func (r *backendRecorder) RecordDuration(operation string, seconds float64) {
	r.m.operationDuration.WithLabelValues(operation, r.backend).Observe(seconds)
}

func (r *backendRecorder) RecordError(operation, errorType string) {
	r.m.errorsTotal.WithLabelValues(operation, r.backend, errorType).Inc()
}
