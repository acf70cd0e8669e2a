package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Publish outcomes for MQTTMetrics.
const (
	PublishDelivered = "delivered"
	PublishFailed    = "failed"
	PublishDropped   = "dropped"
)

// MQTTMetrics tracks the inspection event publisher.
type MQTTMetrics struct {
	connected       prometheus.Gauge
	messagesTotal   *prometheus.CounterVec
	publishDuration prometheus.Histogram
	messageSize     prometheus.Histogram

	collectors []prometheus.Collector
}

// NewMQTTMetrics creates the collectors and registers them with registry.
func NewMQTTMetrics(registry *prometheus.Registry) (*MQTTMetrics, error) {
	m := &MQTTMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MQTTMetrics) initMetrics() {
	m.connected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "markscan_mqtt_connected",
		Help: "1 while connected to the MQTT broker",
	})

	m.messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markscan_mqtt_messages_total",
			Help: "Inspection events by publish outcome",
		},
		[]string{"outcome"},
	)

	m.publishDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "markscan_mqtt_publish_duration_seconds",
		Help:    "Time from publish until the broker acknowledged",
		Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount12),
	})

	m.messageSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "markscan_mqtt_message_size_bytes",
		Help:    "Size of published inspection events",
		Buckets: prometheus.ExponentialBuckets(BucketStart1, BucketFactor4, BucketCount8),
	})

	m.collectors = []prometheus.Collector{m.connected, m.messagesTotal, m.publishDuration, m.messageSize}
}

// Describe implements prometheus.Collector.
func (m *MQTTMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *MQTTMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

// SetConnected updates the connection gauge.
func (m *MQTTMetrics) SetConnected(connected bool) {
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

// RecordPublish counts one event. Size and duration are only observed for
// events that reached the broker.
func (m *MQTTMetrics) RecordPublish(outcome string, bytes int, seconds float64) {
	m.messagesTotal.WithLabelValues(outcome).Inc()
	if outcome == PublishDelivered {
		m.publishDuration.Observe(seconds)
		m.messageSize.Observe(float64(bytes))
	}
}
