// Package detection runs object-detection models over decoded images.
//
// A Detector turns an image into an ordered list of (label, confidence)
// pairs. The YOLO implementation is shared by every runtime backend
// (onnx, tflite, opencv); the backend only supplies an Engine that maps an
// input tensor to an output tensor.
package detection

import (
	"context"
	"fmt"
	"image"

	"github.com/markscan/markscan/internal/errors"
)

// Label is a detection class name as it appears on the wire.
type Label string

const (
	Defective   Label = "Defective"
	Perfect     Label = "Perfect"
	Unknown     Label = "Unknown"
	NoDetection Label = "No Detection"
)

// DefaultClasses maps class index to label for the trained model.
var DefaultClasses = []string{string(Defective), string(Perfect)}

// Detection is one labelled box with its confidence in [0, 1].
type Detection struct {
	Label      Label   `json:"label"`
	Confidence float64 `json:"confidence"`
}

// ErrModelUnavailable is returned when no usable model is loaded.
var ErrModelUnavailable = errors.NewStd("model unavailable")

// Detector is the model handle shared by every request.
type Detector interface {
	// Detect returns detections above threshold in detector order.
	// A threshold of 0 selects DefaultThreshold.
	Detect(ctx context.Context, img image.Image, threshold float64) ([]Detection, error)
	// Backend names the runtime, e.g. "onnx".
	Backend() string
	Close() error
}

// LabelForClass maps a class index through classes. Indices outside the list are Unknown.
func LabelForClass(idx int, classes []string) Label {
	if idx < 0 || idx >= len(classes) {
		return Unknown
	}
	switch l := Label(classes[idx]); l {
	case Defective, Perfect:
		return l
	default:
		return Unknown
	}
}

// Unavailable is installed when the model failed to load. Every call fails the same way.
type Unavailable struct {
	backend string
	cause   error
}

// NewUnavailable records why the model could not be loaded.
func NewUnavailable(backend string, cause error) *Unavailable {
	return &Unavailable{backend: backend, cause: cause}
}

func (u *Unavailable) Detect(context.Context, image.Image, float64) ([]Detection, error) {
	err := ErrModelUnavailable
	if u.cause != nil {
		err = fmt.Errorf("%w: %w", ErrModelUnavailable, u.cause)
	}
	return nil, errors.New(err).
		Component("detection").
		Category(errors.CategoryModelLoad).
		Context("model_backend", u.backend).
		Build()
}

func (u *Unavailable) Backend() string { return u.backend }

// Cause returns the load error, if any.
func (u *Unavailable) Cause() error { return u.cause }

func (u *Unavailable) Close() error { return nil }
