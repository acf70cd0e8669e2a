//go:build gocv

// Package opencv runs detection models through the OpenCV DNN module.
package opencv

import (
	"fmt"
	"time"
	"unsafe"

	"gocv.io/x/gocv"

	"github.com/markscan/markscan/internal/errors"
	"github.com/markscan/markscan/internal/logger"
)

// BackendName identifies this runtime in config and metrics.
const BackendName = "opencv"

// Available reports whether this build links OpenCV.
const Available = true

// Config locates the model.
type Config struct {
	ModelPath string
	InputSize int
}

// Engine wraps a gocv DNN network loaded from ONNX.
type Engine struct {
	net       gocv.Net
	inputSize int
}

// New reads the ONNX model with OpenCV.
func New(cfg Config) (*Engine, error) {
	start := time.Now()
	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, errors.New(fmt.Errorf("opencv cannot read model %s", cfg.ModelPath)).
			Component("detection").
			Category(errors.CategoryModelLoad).
			ModelContext(BackendName, cfg.ModelPath).
			Timing("model_load", time.Since(start)).
			Build()
	}
	_ = net.SetPreferableBackend(gocv.NetBackendDefault)
	_ = net.SetPreferableTarget(gocv.NetTargetCPU)

	GetLogger().Info("opencv model loaded", logger.Duration("elapsed", time.Since(start)))
	return &Engine{net: net, inputSize: cfg.InputSize}, nil
}

// Infer feeds the NCHW blob directly; the detector already letterboxed and scaled it.
func (e *Engine) Infer(input []float32) ([]float32, []int64, error) {
	size := e.inputSize
	if len(input) != 3*size*size {
		return nil, nil, fmt.Errorf("input has %d values, model expects %d", len(input), 3*size*size)
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&input[0])), len(input)*4) //nolint:gosec // float32 view as bytes
	blob, err := gocv.NewMatWithSizesFromBytes([]int{1, 3, size, size}, gocv.MatTypeCV32F, raw)
	if err != nil {
		return nil, nil, fmt.Errorf("build input blob: %w", err)
	}
	defer blob.Close()

	e.net.SetInput(blob, "")
	out := e.net.Forward("")
	defer out.Close()
	if out.Empty() {
		return nil, nil, fmt.Errorf("opencv forward returned an empty tensor")
	}

	sizes := out.Size()
	shape := make([]int64, len(sizes))
	for i, s := range sizes {
		shape[i] = int64(s)
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, nil, fmt.Errorf("read output: %w", err)
	}
	result := make([]float32, len(data))
	copy(result, data)
	return result, shape, nil
}

// Close releases the network.
func (e *Engine) Close() error {
	return e.net.Close()
}

// GetLogger returns the opencv backend logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("detection.opencv")
}
