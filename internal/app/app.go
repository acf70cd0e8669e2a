// Package app assembles the detector, storage backends, metrics and the
// inspection pipeline from settings, and tears them down again.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/markscan/markscan/internal/api"
	"github.com/markscan/markscan/internal/artifact"
	"github.com/markscan/markscan/internal/conf"
	"github.com/markscan/markscan/internal/datastore"
	"github.com/markscan/markscan/internal/detection"
	"github.com/markscan/markscan/internal/detection/onnx"
	"github.com/markscan/markscan/internal/detection/opencv"
	"github.com/markscan/markscan/internal/detection/tflite"
	"github.com/markscan/markscan/internal/errors"
	"github.com/markscan/markscan/internal/inspection"
	"github.com/markscan/markscan/internal/logger"
	"github.com/markscan/markscan/internal/mqtt"
	"github.com/markscan/markscan/internal/observability"
	"github.com/markscan/markscan/internal/observability/metrics"
)

// App owns every long-lived resource of a MarkScan process.
type App struct {
	Settings  *conf.Settings
	Metrics   *observability.Metrics
	Detector  detection.Detector
	Artifacts artifact.Store      // nil when built WithoutArtifacts
	Records   datastore.Interface // nil when built WithoutRecords
	Publisher *mqtt.Publisher     // nil unless mqtt is enabled and records are kept
	Pipeline  *inspection.Pipeline

	log logger.Logger
}

// Option configures Build.
type Option func(*options)

type options struct {
	detector    detection.Detector
	noArtifacts bool
	noRecords   bool
	transport   http.RoundTripper
	log         logger.Logger
	metrics     *observability.Metrics
	recordHook  func(*datastore.InspectionRecord)
	broker      mqtt.BrokerClient
}

// WithDetector skips model loading and uses d.
func WithDetector(d detection.Detector) Option {
	return func(o *options) { o.detector = d }
}

// WithoutArtifacts builds a pipeline that keeps no image copies.
func WithoutArtifacts() Option {
	return func(o *options) { o.noArtifacts = true }
}

// WithoutRecords builds a pipeline that persists nothing.
func WithoutRecords() Option {
	return func(o *options) { o.noRecords = true }
}

// WithTransport routes the supabase backends through rt.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithLogger sets the logger handed to the pipeline.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics reuses m instead of creating a registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRecordHook is passed through to the pipeline.
func WithRecordHook(fn func(*datastore.InspectionRecord)) Option {
	return func(o *options) { o.recordHook = fn }
}

// WithBrokerClient replaces the MQTT client used when mqtt is enabled.
func WithBrokerClient(c mqtt.BrokerClient) Option {
	return func(o *options) { o.broker = c }
}

// GetLogger returns the app module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("app")
}

// Build wires an App from settings. A model that fails to load does not fail
// the build: the detector reports ErrModelUnavailable on every call instead.
// Storage failures do fail it.
func Build(settings *conf.Settings, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = GetLogger()
	}

	a := &App{Settings: settings, log: o.log}

	a.Metrics = o.metrics
	if a.Metrics == nil {
		m, err := observability.NewMetrics()
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		a.Metrics = m
	}

	reducer, err := inspection.NewReducer(settings.Verdict.Selection, settings.Verdict.EmptyLabel)
	if err != nil {
		return nil, err
	}

	if !o.noRecords {
		records, err := datastore.New(settings,
			datastore.WithRecorder(a.Metrics.Datastore.ForBackend(settings.Storage.Records.Backend)),
			datastore.WithTransport(o.transport))
		if err != nil {
			return nil, err
		}
		if err := records.Open(); err != nil {
			return nil, err
		}
		a.Records = records
	}

	if !o.noArtifacts {
		store, err := artifact.New(settings, artifact.WithTransport(o.transport))
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Artifacts = store
	}

	if settings.MQTT.Enabled && a.Records != nil {
		pub, err := startPublisher(&settings.MQTT, a.Metrics, o)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Publisher = pub
	}

	a.Detector = o.detector
	if a.Detector == nil {
		a.Detector = LoadDetector(&settings.Model, a.Metrics.Inspection, o.log)
	}

	pipelineOpts := []inspection.Option{
		inspection.WithRecorder(a.Metrics.Inspection),
		inspection.WithLogger(o.log),
	}
	if hook := a.recordHook(o.recordHook); hook != nil {
		pipelineOpts = append(pipelineOpts, inspection.WithRecordHook(hook))
	}

	a.Pipeline = inspection.NewPipeline(inspection.Config{
		Threshold: settings.Model.Threshold,
		MaxPixels: settings.Upload.MaxPixels,
		Reducer:   reducer,
	}, a.Detector, a.Artifacts, a.Records, pipelineOpts...)

	o.log.Info("application assembled",
		logger.String("model_backend", a.Detector.Backend()),
		logger.String("records", a.recordBackend()),
		logger.String("artifacts", a.ArtifactBackend()),
		logger.Bool("mqtt", a.Publisher != nil))
	return a, nil
}

// startPublisher connects to the broker. A broker that is down does not fail
// the build; paho keeps retrying and queued records go out once it is back.
func startPublisher(s *conf.MQTTSettings, m *observability.Metrics, o options) (*mqtt.Publisher, error) {
	opts := []mqtt.Option{mqtt.WithMetrics(m.MQTT)}
	if o.broker != nil {
		opts = append(opts, mqtt.WithClient(o.broker))
	}
	pub, err := mqtt.New(mqtt.Config{
		Broker:         s.Broker,
		ClientID:       s.ClientID,
		Username:       s.Username,
		Password:       s.Password,
		Topic:          s.Topic,
		QoS:            byte(s.QoS), //nolint:gosec // validated to 0..2
		Retain:         s.Retain,
		QueueSize:      s.QueueSize,
		ConnectTimeout: s.ConnectTimeout,
		PublishTimeout: s.PublishTimeout,
	}, opts...)
	if err != nil {
		return nil, err
	}

	if err := pub.Connect(context.Background()); err != nil {
		o.log.Warn("MQTT broker not reachable yet, inspection events are queued",
			logger.String("broker", s.Broker),
			logger.Error(err))
	}
	return pub, nil
}

// recordHook combines the caller's hook with event publishing.
func (a *App) recordHook(extra func(*datastore.InspectionRecord)) func(*datastore.InspectionRecord) {
	pub := a.Publisher
	switch {
	case pub == nil:
		return extra
	case extra == nil:
		return func(rec *datastore.InspectionRecord) { pub.PublishRecord(rec) }
	default:
		return func(rec *datastore.InspectionRecord) {
			pub.PublishRecord(rec)
			extra(rec)
		}
	}
}

// LoadDetector opens the configured engine and wraps it in the YOLO detector.
// On failure it logs the cause and returns a detection.Unavailable.
func LoadDetector(model *conf.ModelSettings, m *metrics.InspectionMetrics, log logger.Logger) detection.Detector {
	backend := model.Backend
	if backend == "" {
		backend = onnx.BackendName
	}

	start := time.Now()
	engine, err := loadEngine(backend, model)
	if err != nil {
		log.Error("model not loaded, inspections will fail until restart",
			logger.String("backend", backend),
			logger.String("path", model.Path),
			logger.Error(err))
		m.SetModelLoaded(backend, false)
		return detection.NewUnavailable(backend, err)
	}

	log.Info("model loaded",
		logger.String("backend", backend),
		logger.String("path", model.Path),
		logger.Duration("elapsed", time.Since(start)))
	m.SetModelLoaded(backend, true)

	return detection.NewYOLODetector(engine, detection.YOLOConfig{
		Backend:       backend,
		InputSize:     model.InputSize,
		IoU:           model.IoU,
		MaxDetections: model.MaxDetections,
		Classes:       model.Classes,
	}, detection.WithInvokeObserver(m))
}

func loadEngine(backend string, model *conf.ModelSettings) (detection.Engine, error) {
	switch backend {
	case onnx.BackendName:
		e, err := onnx.New(onnx.Config{
			ModelPath:   model.Path,
			LibraryPath: model.RuntimeLibrary,
			InputSize:   model.InputSize,
			Threads:     model.Threads,
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	case tflite.BackendName:
		e, err := tflite.New(tflite.Config{
			ModelPath:  model.Path,
			InputSize:  model.InputSize,
			Threads:    model.Threads,
			UseXNNPACK: model.UseXNNPACK,
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	case opencv.BackendName:
		e, err := opencv.New(opencv.Config{
			ModelPath: model.Path,
			InputSize: model.InputSize,
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, errors.Newf("unsupported model backend %q", backend).
			Category(errors.CategoryConfiguration).
			Build()
	}
}

// ArtifactBackend names the artifact store, or "no" when none is configured.
func (a *App) ArtifactBackend() string {
	if a.Artifacts == nil {
		return "no"
	}
	return a.Artifacts.Backend()
}

func (a *App) recordBackend() string {
	if a.Records == nil {
		return "no"
	}
	return a.Records.Backend()
}

// Server builds the HTTP server over this App. Records are required.
func (a *App) Server(opts ...api.ServerOption) (*api.Server, error) {
	if a.Records == nil {
		return nil, fmt.Errorf("server requires a record store")
	}
	base := []api.ServerOption{
		api.WithDataStore(a.Records),
		api.WithPipeline(a.Pipeline),
		api.WithMetrics(a.Metrics),
		api.WithArtifactBackend(a.ArtifactBackend()),
	}
	return api.New(a.Settings, append(base, opts...)...)
}

// Close releases the detector, the publisher and the storage backends
// concurrently.
func (a *App) Close() error {
	var g errgroup.Group
	if a.Publisher != nil {
		g.Go(a.Publisher.Close)
	}
	if a.Detector != nil {
		g.Go(a.Detector.Close)
	}
	if a.Records != nil {
		g.Go(a.Records.Close)
	}
	if c, ok := a.Artifacts.(interface{ Close() }); ok {
		g.Go(func() error {
			c.Close()
			return nil
		})
	}
	return g.Wait()
}
