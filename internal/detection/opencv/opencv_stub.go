//go:build !gocv

// Package opencv runs detection models through the OpenCV DNN module.
// This build was compiled without the gocv tag, so New always fails.
package opencv

import (
	"github.com/markscan/markscan/internal/errors"
)

// BackendName identifies this runtime in config and metrics.
const BackendName = "opencv"

// Available reports whether this build links OpenCV.
const Available = false

// ErrNotCompiled is returned by New in builds without the gocv tag.
var ErrNotCompiled = errors.NewStd("opencv backend requires building with -tags gocv")

// Config locates the model.
type Config struct {
	ModelPath string
	InputSize int
}

// Engine is never constructed in this build.
type Engine struct{}

// New reports that OpenCV support is not compiled in.
func New(cfg Config) (*Engine, error) {
	return nil, errors.New(ErrNotCompiled).
		Component("detection").
		Category(errors.CategoryConfiguration).
		ModelContext(BackendName, cfg.ModelPath).
		Build()
}

func (e *Engine) Infer([]float32) ([]float32, []int64, error) {
	return nil, nil, ErrNotCompiled
}

func (e *Engine) Close() error { return nil }
