// Package mqtt publishes saved inspection records to an MQTT broker so line
// controllers and dashboards can react to failed parts without polling.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/markscan/markscan/internal/datastore"
	"github.com/markscan/markscan/internal/errors"
	"github.com/markscan/markscan/internal/logger"
	"github.com/markscan/markscan/internal/observability/metrics"
)

// Defaults for zero Config fields.
const (
	DefaultTopic          = "markscan/inspections"
	DefaultQueueSize      = 256
	DefaultConnectTimeout = 10 * time.Second
	DefaultPublishTimeout = 5 * time.Second
	disconnectQuiesceMS   = 250
)

// Config holds the publisher settings.
type Config struct {
	Broker         string // tcp://, ssl://, ws:// or wss:// URL
	ClientID       string
	Username       string
	Password       string
	Topic          string // events go to <Topic>/<result>
	QoS            byte
	Retain         bool
	QueueSize      int
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// BrokerClient is the part of paho's Client the publisher uses.
type BrokerClient interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload any) paho.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Publisher queues records and publishes them from one goroutine, so a slow
// broker never delays an inspection response. Records that do not fit in the
// queue are dropped.
type Publisher struct {
	cfg     Config
	client  BrokerClient
	metrics *metrics.MQTTMetrics
	log     logger.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan *datastore.InspectionRecord
	done   chan struct{}
	start  sync.Once
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithClient replaces the paho client, mainly for tests.
func WithClient(c BrokerClient) Option {
	return func(p *Publisher) { p.client = c }
}

// WithMetrics reports publish outcomes to m.
func WithMetrics(m *metrics.MQTTMetrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithLogger overrides the module logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Publisher) { p.log = l }
}

// GetLogger returns the mqtt module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("mqtt")
}

// New validates cfg and prepares the client. Nothing is sent until Connect.
func New(cfg Config, opts ...Option) (*Publisher, error) {
	if err := validate(&cfg); err != nil {
		return nil, errors.New(err).
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Build()
	}

	p := &Publisher{
		cfg:   cfg,
		queue: make(chan *datastore.InspectionRecord, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = GetLogger()
	}
	if p.client == nil {
		p.client = paho.NewClient(p.clientOptions())
	}
	return p, nil
}

func validate(cfg *Config) error {
	u, err := url.Parse(cfg.Broker)
	if err != nil || u.Host == "" {
		return fmt.Errorf("mqtt: broker %q is not a URL", cfg.Broker)
	}
	switch u.Scheme {
	case "tcp", "mqtt", "ssl", "tls", "mqtts", "ws", "wss":
	default:
		return fmt.Errorf("mqtt: unsupported broker scheme %q", u.Scheme)
	}
	if cfg.QoS > 2 {
		return fmt.Errorf("mqtt: qos must be 0, 1 or 2")
	}

	cfg.Topic = strings.Trim(cfg.Topic, "/")
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if strings.ContainsAny(cfg.Topic, "+#") {
		return fmt.Errorf("mqtt: topic %q must not contain wildcards", cfg.Topic)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "markscan"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	return nil
}

func (p *Publisher) clientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	opts.SetClientID(p.cfg.ClientID)
	opts.SetUsername(p.cfg.Username)
	opts.SetPassword(p.cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(p.cfg.ConnectTimeout)
	opts.SetOnConnectHandler(func(paho.Client) {
		p.log.Info("connected to MQTT broker", logger.String("broker", p.cfg.Broker))
		p.setConnected(true)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		p.log.Warn("connection to MQTT broker lost", logger.String("broker", p.cfg.Broker), logger.Error(err))
		p.setConnected(false)
	})
	return opts
}

// Topic returns the topic a record with result is published to.
func (p *Publisher) Topic(result string) string {
	return p.cfg.Topic + "/" + result
}

// Connect starts the publish loop and waits for the first broker connection.
// On timeout the client keeps retrying in the background and queued records
// are sent once it connects.
func (p *Publisher) Connect(ctx context.Context) error {
	p.start.Do(func() { go p.run() })

	token := p.client.Connect()
	timer := time.NewTimer(p.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return errors.New(fmt.Errorf("mqtt: connect %s: %w", p.cfg.Broker, err)).
				Component("mqtt").
				Category(errors.CategoryNetwork).
				Build()
		}
		return nil
	case <-timer.C:
		return errors.Newf("mqtt: no connection to %s after %s, retrying in background", p.cfg.Broker, p.cfg.ConnectTimeout).
			Component("mqtt").
			Category(errors.CategoryTimeout).
			Build()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishRecord queues rec and reports whether it was accepted. It never blocks.
func (p *Publisher) PublishRecord(rec *datastore.InspectionRecord) bool {
	if rec == nil {
		return false
	}
	copied := *rec

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- &copied:
		return true
	default:
		p.recordPublish(metrics.PublishDropped, 0, 0)
		p.log.Warn("publish queue full, dropping inspection event",
			logger.Int("queue_size", p.cfg.QueueSize),
			logger.Any("record_id", rec.ID))
		return false
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for rec := range p.queue {
		if err := p.publish(rec); err != nil {
			p.log.Warn("inspection event not published",
				logger.Any("record_id", rec.ID),
				logger.Error(err))
		}
	}
}

func (p *Publisher) publish(rec *datastore.InspectionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		p.recordPublish(metrics.PublishFailed, 0, 0)
		return fmt.Errorf("mqtt: encode record %d: %w", rec.ID, err)
	}

	start := time.Now()
	topic := p.Topic(rec.Result)
	token := p.client.Publish(topic, p.cfg.QoS, p.cfg.Retain, payload)
	if !token.WaitTimeout(p.cfg.PublishTimeout) {
		p.recordPublish(metrics.PublishFailed, len(payload), 0)
		return fmt.Errorf("mqtt: publish to %s timed out after %s", topic, p.cfg.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		p.recordPublish(metrics.PublishFailed, len(payload), 0)
		return fmt.Errorf("mqtt: publish to %s: %w", topic, err)
	}
	p.recordPublish(metrics.PublishDelivered, len(payload), time.Since(start).Seconds())
	return nil
}

// Close stops accepting records, publishes what is queued within
// PublishTimeout and disconnects.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	// never started: nothing drains the queue
	p.start.Do(func() { close(p.done) })

	var err error
	select {
	case <-p.done:
	case <-time.After(p.cfg.PublishTimeout):
		err = fmt.Errorf("mqtt: %d inspection events not published before shutdown", len(p.queue))
	}

	if p.client.IsConnected() {
		p.client.Disconnect(disconnectQuiesceMS)
	}
	p.setConnected(false)
	return err
}

func (p *Publisher) setConnected(connected bool) {
	if p.metrics != nil {
		p.metrics.SetConnected(connected)
	}
}

func (p *Publisher) recordPublish(outcome string, bytes int, seconds float64) {
	if p.metrics != nil {
		p.metrics.RecordPublish(outcome, bytes, seconds)
	}
}
