package detection

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/markscan/markscan/internal/errors"
	"github.com/markscan/markscan/internal/logger"
)

const (
	// DefaultThreshold applies when a caller passes 0.
	DefaultThreshold = 0.25
	// DefaultIoU is the NMS overlap limit.
	DefaultIoU = 0.7
	// DefaultMaxDetections caps results after NMS.
	DefaultMaxDetections = 300
	// DefaultInputSize is the square model input edge.
	DefaultInputSize = 640
)

// Engine runs one forward pass. input is NCHW float32 of shape
// [1, 3, InputSize, InputSize]; output is returned with its shape.
// Engines are not required to be safe for concurrent use.
type Engine interface {
	Infer(input []float32) (output []float32, shape []int64, err error)
	Close() error
}

// InvokeObserver receives the duration of every engine call.
type InvokeObserver interface {
	RecordInvoke(backend string, d time.Duration, err error)
}

// YOLOConfig configures output decoding.
type YOLOConfig struct {
	Backend       string
	InputSize     int
	IoU           float64
	MaxDetections int
	Classes       []string
}

func (c *YOLOConfig) applyDefaults() {
	if c.InputSize <= 0 {
		c.InputSize = DefaultInputSize
	}
	if c.IoU <= 0 {
		c.IoU = DefaultIoU
	}
	if c.MaxDetections <= 0 {
		c.MaxDetections = DefaultMaxDetections
	}
	if len(c.Classes) == 0 {
		c.Classes = DefaultClasses
	}
}

// YOLODetector decodes YOLOv8 style outputs from any Engine.
//
// The engine is guarded by mu, so only one inference runs at a time per
// process. Requests queue on the lock; this is the throughput ceiling of
// the service.
type YOLODetector struct {
	mu       sync.Mutex
	engine   Engine
	cfg      YOLOConfig
	observer InvokeObserver
	log      logger.Logger
	closed   bool
}

// Option customises a YOLODetector.
type Option func(*YOLODetector)

// WithInvokeObserver reports engine timings, typically to Prometheus.
func WithInvokeObserver(o InvokeObserver) Option {
	return func(d *YOLODetector) { d.observer = o }
}

// WithLogger overrides the module logger.
func WithLogger(l logger.Logger) Option {
	return func(d *YOLODetector) { d.log = l }
}

// NewYOLODetector wraps engine. The detector owns the engine and closes it.
func NewYOLODetector(engine Engine, cfg YOLOConfig, opts ...Option) *YOLODetector {
	cfg.applyDefaults()
	d := &YOLODetector{engine: engine, cfg: cfg}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = GetLogger()
	}
	return d
}

func (d *YOLODetector) Backend() string { return d.cfg.Backend }

// Detect letterboxes img, runs the engine and returns detections sorted by confidence.
func (d *YOLODetector) Detect(ctx context.Context, img image.Image, threshold float64) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	input := Letterbox(img, d.cfg.InputSize)

	output, shape, elapsed, err := d.infer(input)
	if d.observer != nil {
		d.observer.RecordInvoke(d.cfg.Backend, elapsed, err)
	}
	if err != nil {
		return nil, errors.New(fmt.Errorf("%w: %w", ErrModelUnavailable, err)).
			Component("detection").
			Category(errors.CategoryModelInference).
			Context("model_backend", d.cfg.Backend).
			Timing("model_invoke", elapsed).
			Build()
	}

	candidates, err := decodeOutput(output, shape, len(d.cfg.Classes), threshold)
	if err != nil {
		return nil, errors.New(fmt.Errorf("%w: %w", ErrModelUnavailable, err)).
			Component("detection").
			Category(errors.CategoryModelInference).
			Context("model_backend", d.cfg.Backend).
			Context("output_shape", fmt.Sprint(shape)).
			Build()
	}
	kept := nonMaxSuppression(candidates, d.cfg.IoU, d.cfg.MaxDetections)

	detections := make([]Detection, len(kept))
	for i, c := range kept {
		detections[i] = Detection{
			Label:      LabelForClass(c.class, d.cfg.Classes),
			Confidence: float64(c.score),
		}
	}

	d.log.Debug("inference complete",
		logger.String("backend", d.cfg.Backend),
		logger.Int("candidates", len(candidates)),
		logger.Int("detections", len(detections)),
		logger.Duration("elapsed", elapsed))
	return detections, nil
}

func (d *YOLODetector) infer(input []float32) ([]float32, []int64, time.Duration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, nil, 0, fmt.Errorf("detector closed")
	}
	start := time.Now()
	out, shape, err := d.engine.Infer(input)
	return out, shape, time.Since(start), err
}

// Close waits for an in-flight inference and releases the engine.
func (d *YOLODetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.engine.Close()
}
