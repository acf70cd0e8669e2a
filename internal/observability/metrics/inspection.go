package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// InspectionMetrics tracks the predict pipeline and the detector behind it.
type InspectionMetrics struct {
	requestsTotal      *prometheus.CounterVec
	verdictsTotal      *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	degradationsTotal  *prometheus.CounterVec
	overridesTotal     *prometheus.CounterVec
	imageBytes         prometheus.Histogram
	detectionsPerImage prometheus.Histogram
	modelInvokeSeconds *prometheus.HistogramVec
	modelInvokeErrors  *prometheus.CounterVec
	modelLoaded        *prometheus.GaugeVec

	collectors []prometheus.Collector
}

// NewInspectionMetrics creates the collectors and registers them with registry.
func NewInspectionMetrics(registry *prometheus.Registry) (*InspectionMetrics, error) {
	m := &InspectionMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *InspectionMetrics) initMetrics() {
	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markscan_inspection_requests_total",
			Help: "Inspection requests by outcome",
		},
		[]string{"outcome"}, // ok, invalid_input, invalid_image, model_unavailable
	)

	m.verdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markscan_inspection_verdicts_total",
			Help: "Verdicts by label and scan result",
		},
		[]string{"label", "result"},
	)

	m.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "markscan_inspection_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(BucketStart100us, BucketFactor2, BucketCount15),
		},
		[]string{"stage"},
	)

	m.degradationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markscan_inspection_degradations_total",
			Help: "Requests that completed without persisting an artifact or record",
		},
		[]string{"stage"},
	)

	m.overridesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markscan_inspection_overrides_total",
			Help: "Operator result overrides by new result",
		},
		[]string{"result"},
	)

	m.imageBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "markscan_inspection_image_bytes",
			Help:    "Size of uploaded images",
			Buckets: prometheus.ExponentialBuckets(BucketStart1KB*16, BucketFactor2, BucketCount12), // 16KB to 32MB
		},
	)

	m.detectionsPerImage = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "markscan_inspection_detections_per_image",
			Help:    "Number of detections returned per image",
			Buckets: prometheus.ExponentialBuckets(BucketStart1, BucketFactor2, BucketCount10),
		},
	)

	m.modelInvokeSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "markscan_model_invoke_duration_seconds",
			Help:    "Model runtime invoke latency",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount12), // 1ms to ~2s
		},
		[]string{"backend"},
	)

	m.modelInvokeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markscan_model_invoke_errors_total",
			Help: "Failed model runtime invocations",
		},
		[]string{"backend"},
	)

	m.modelLoaded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "markscan_model_loaded",
			Help: "1 when the detector loaded successfully at startup",
		},
		[]string{"backend"},
	)

	m.collectors = []prometheus.Collector{
		m.requestsTotal, m.verdictsTotal, m.stageDuration, m.degradationsTotal,
		m.overridesTotal, m.imageBytes, m.detectionsPerImage,
		m.modelInvokeSeconds, m.modelInvokeErrors, m.modelLoaded,
	}
}

// Describe implements prometheus.Collector.
func (m *InspectionMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *InspectionMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

// RecordRequest counts a finished pipeline run.
func (m *InspectionMetrics) RecordRequest(outcome string) {
	m.requestsTotal.WithLabelValues(outcome).Inc()
}

// RecordVerdict counts a reduced verdict.
func (m *InspectionMetrics) RecordVerdict(label, result string) {
	m.verdictsTotal.WithLabelValues(label, result).Inc()
}

// RecordStage observes one stage's latency.
func (m *InspectionMetrics) RecordStage(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordDegradation counts a swallowed persistence failure.
func (m *InspectionMetrics) RecordDegradation(stage string) {
	m.degradationsTotal.WithLabelValues(stage).Inc()
}

// RecordOverride counts an operator override.
func (m *InspectionMetrics) RecordOverride(result string) {
	m.overridesTotal.WithLabelValues(result).Inc()
}

// RecordImage observes the upload size and detection count of one request.
func (m *InspectionMetrics) RecordImage(bytes, detections int) {
	m.imageBytes.Observe(float64(bytes))
	m.detectionsPerImage.Observe(float64(detections))
}

// RecordInvoke observes a model runtime call.
func (m *InspectionMetrics) RecordInvoke(backend string, d time.Duration, err error) {
	m.modelInvokeSeconds.WithLabelValues(backend).Observe(d.Seconds())
	if err != nil {
		m.modelInvokeErrors.WithLabelValues(backend).Inc()
	}
}

// SetModelLoaded reports whether the detector for backend is usable.
func (m *InspectionMetrics) SetModelLoaded(backend string, loaded bool) {
	v := 0.0
	if loaded {
		v = 1
	}
	m.modelLoaded.WithLabelValues(backend).Set(v)
}
