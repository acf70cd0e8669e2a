// Package tflite runs detection models through TensorFlow Lite.
package tflite

import (
	"fmt"
	"os"
	"runtime"
	"time"

	tflite "github.com/tphakala/go-tflite"
	"github.com/tphakala/go-tflite/delegates/xnnpack"

	"github.com/markscan/markscan/internal/cpuspec"
	"github.com/markscan/markscan/internal/errors"
	"github.com/markscan/markscan/internal/logger"
)

// BackendName identifies this runtime in config and metrics.
const BackendName = "tflite"

// Config locates the model and tunes the interpreter.
type Config struct {
	ModelPath  string
	InputSize  int
	Threads    int
	UseXNNPACK bool
}

// Engine wraps one interpreter. YOLO exports for TFLite usually take NHWC input;
// Infer converts from the detector's NCHW layout when needed.
type Engine struct {
	model       *tflite.Model
	options     *tflite.InterpreterOptions
	interpreter *tflite.Interpreter
	nhwc        bool
	inputSize   int
}

// New loads the model file and allocates tensors.
func New(cfg Config) (*Engine, error) {
	start := time.Now()
	fail := func(err error, op string) error {
		return errors.New(err).
			Component("detection").
			Category(errors.CategoryModelLoad).
			ModelContext(BackendName, cfg.ModelPath).
			Context("use_xnnpack", cfg.UseXNNPACK).
			Timing(op, time.Since(start)).
			Build()
	}

	data, err := os.ReadFile(cfg.ModelPath)
	if err != nil {
		return nil, fail(fmt.Errorf("read model %s: %w", cfg.ModelPath, err), "model_load")
	}

	model := tflite.NewModel(data)
	if model == nil {
		return nil, fail(fmt.Errorf("cannot load TensorFlow Lite model"), "model_init")
	}

	log := GetLogger()
	threads := cpuspec.ThreadCount(cfg.Threads)
	options := tflite.NewInterpreterOptions()
	if cfg.UseXNNPACK {
		delegate := xnnpack.New(xnnpack.DelegateOptions{NumThreads: int32(max(1, threads-1))}) //nolint:gosec // bounded by CPU count
		if delegate == nil {
			log.Warn("failed to create XNNPACK delegate, falling back to default CPU")
			options.SetNumThread(threads)
		} else {
			options.AddDelegate(delegate)
			options.SetNumThread(1)
		}
	} else {
		options.SetNumThread(threads)
	}
	options.SetErrorReporter(func(msg string, _ any) {
		GetLogger().Error("tflite error", logger.String("message", msg))
	}, nil)

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		options.Delete()
		model.Delete()
		return nil, fail(fmt.Errorf("cannot create interpreter"), "model_init")
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		options.Delete()
		model.Delete()
		return nil, fail(fmt.Errorf("tensor allocation failed: %v", status), "tensor_alloc")
	}

	in := interpreter.GetInputTensor(0)
	if in == nil || in.NumDims() != 4 {
		interpreter.Delete()
		options.Delete()
		model.Delete()
		return nil, fail(fmt.Errorf("model input must be rank 4"), "model_init")
	}
	nhwc := in.Dim(3) == 3

	// the interpreter keeps its own copy of the flatbuffer
	runtime.GC()

	log.Info("tflite model loaded",
		logger.Int("threads", threads),
		logger.Bool("xnnpack", cfg.UseXNNPACK),
		logger.Bool("nhwc", nhwc),
		logger.Duration("elapsed", time.Since(start)))

	return &Engine{model: model, options: options, interpreter: interpreter, nhwc: nhwc, inputSize: cfg.InputSize}, nil
}

// Infer copies input into the interpreter, invokes it and returns the first output.
func (e *Engine) Infer(input []float32) ([]float32, []int64, error) {
	in := e.interpreter.GetInputTensor(0)
	if in == nil {
		return nil, nil, fmt.Errorf("cannot get input tensor")
	}
	dst := in.Float32s()
	if len(dst) != len(input) {
		return nil, nil, fmt.Errorf("input has %d values, model expects %d", len(input), len(dst))
	}
	if e.nhwc {
		chwToHWC(dst, input, e.inputSize)
	} else {
		copy(dst, input)
	}

	if status := e.interpreter.Invoke(); status != tflite.OK {
		return nil, nil, fmt.Errorf("tensor invoke failed: %v", status)
	}

	outTensor := e.interpreter.GetOutputTensor(0)
	if outTensor == nil {
		return nil, nil, fmt.Errorf("cannot get output tensor")
	}
	shape := make([]int64, outTensor.NumDims())
	for i := range shape {
		shape[i] = int64(outTensor.Dim(i))
	}
	src := outTensor.Float32s()
	out := make([]float32, len(src))
	copy(out, src)
	return out, shape, nil
}

func chwToHWC(dst, src []float32, size int) {
	plane := size * size
	for i := range plane {
		dst[i*3] = src[i]
		dst[i*3+1] = src[plane+i]
		dst[i*3+2] = src[2*plane+i]
	}
}

// Close releases the interpreter, options and model.
func (e *Engine) Close() error {
	e.interpreter.Delete()
	e.options.Delete()
	e.model.Delete()
	return nil
}

// GetLogger returns the tflite backend logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("detection.tflite")
}
