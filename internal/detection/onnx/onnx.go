// Package onnx runs detection models through ONNX Runtime.
package onnx

import (
	"fmt"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/markscan/markscan/internal/cpuspec"
	"github.com/markscan/markscan/internal/errors"
	"github.com/markscan/markscan/internal/logger"
)

// BackendName identifies this runtime in config and metrics.
const BackendName = "onnx"

// Config locates the model and the runtime library.
type Config struct {
	ModelPath   string
	LibraryPath string // libonnxruntime; empty uses the platform default name
	InputSize   int
	Threads     int
}

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment loads the shared library once per process.
func initEnvironment(libraryPath string) error {
	envOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// Engine owns one ONNX Runtime session with pre-bound input and output tensors.
type Engine struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	shape   []int64
}

// New loads the model and allocates the session. Errors carry CategoryModelLoad.
func New(cfg Config) (*Engine, error) {
	start := time.Now()
	fail := func(err error, op string) error {
		return errors.New(err).
			Component("detection").
			Category(errors.CategoryModelLoad).
			ModelContext(BackendName, cfg.ModelPath).
			Timing(op, time.Since(start)).
			Build()
	}

	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, fail(fmt.Errorf("initialize onnxruntime: %w", err), "runtime_init")
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fail(fmt.Errorf("read model %s: %w", cfg.ModelPath, err), "model_load")
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, fail(fmt.Errorf("model must have one input and at least one output, got %d/%d", len(inputs), len(outputs)), "model_load")
	}

	size := int64(cfg.InputSize)
	inShape := ort.NewShape(1, 3, size, size)
	outShape, err := resolveOutputShape(outputs[0].Dimensions, size)
	if err != nil {
		return nil, fail(err, "model_load")
	}

	inTensor, err := ort.NewEmptyTensor[float32](inShape)
	if err != nil {
		return nil, fail(fmt.Errorf("allocate input tensor: %w", err), "tensor_alloc")
	}
	outTensor, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		_ = inTensor.Destroy()
		return nil, fail(fmt.Errorf("allocate output tensor: %w", err), "tensor_alloc")
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		_ = inTensor.Destroy()
		_ = outTensor.Destroy()
		return nil, fail(fmt.Errorf("create session options: %w", err), "session_create")
	}
	defer func() { _ = opts.Destroy() }()

	threads := cpuspec.ThreadCount(cfg.Threads)
	if err := opts.SetIntraOpNumThreads(threads); err != nil {
		GetLogger().Warn("cannot set intra-op threads", logger.Int("threads", threads), logger.Error(err))
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{inputs[0].Name}, []string{outputs[0].Name},
		[]ort.Value{inTensor}, []ort.Value{outTensor}, opts)
	if err != nil {
		_ = inTensor.Destroy()
		_ = outTensor.Destroy()
		return nil, fail(fmt.Errorf("create session: %w", err), "session_create")
	}

	GetLogger().Info("onnx model loaded",
		logger.String("input", inputs[0].Name),
		logger.String("output", outputs[0].Name),
		logger.String("output_shape", outShape.String()),
		logger.Int("threads", threads),
		logger.Duration("elapsed", time.Since(start)))

	return &Engine{session: session, input: inTensor, output: outTensor, shape: []int64(outShape)}, nil
}

// resolveOutputShape fills dynamic (-1) dimensions. Only the batch axis and, for
// dynamic-size exports, the anchor axis can be dynamic.
func resolveOutputShape(dims ort.Shape, inputSize int64) (ort.Shape, error) {
	if len(dims) != 3 {
		return nil, fmt.Errorf("unexpected output rank %d", len(dims))
	}
	out := ort.NewShape(dims...)
	if out[0] < 0 {
		out[0] = 1
	}
	// stride 8, 16 and 32 heads
	anchors := (inputSize/8)*(inputSize/8) + (inputSize/16)*(inputSize/16) + (inputSize/32)*(inputSize/32)
	for i := 1; i < 3; i++ {
		if out[i] < 0 {
			out[i] = anchors
		}
	}
	return out, nil
}

// Infer copies input into the bound tensor, runs the session and returns a copy of the output.
func (e *Engine) Infer(input []float32) ([]float32, []int64, error) {
	dst := e.input.GetData()
	if len(input) != len(dst) {
		return nil, nil, fmt.Errorf("input has %d values, model expects %d", len(input), len(dst))
	}
	copy(dst, input)

	if err := e.session.Run(); err != nil {
		return nil, nil, fmt.Errorf("onnx session run: %w", err)
	}

	src := e.output.GetData()
	out := make([]float32, len(src))
	copy(out, src)
	return out, e.shape, nil
}

// Close releases the session and tensors. The process-wide environment stays loaded.
func (e *Engine) Close() error {
	return errors.Join(e.session.Destroy(), e.input.Destroy(), e.output.Destroy())
}

// GetLogger returns the onnx backend logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("detection.onnx")
}
