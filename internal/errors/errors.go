// Package errors provides categorized errors with optional telemetry reporting.
//
// Errors are built fluently and carry a component, category and context map:
//
//	return errors.New(err).
//	    Component("detection").
//	    Category(errors.CategoryModelInference).
//	    Context("backend", "onnx").
//	    Build()
//
// The package also passes through the standard library helpers (Is, As, Join)
// so callers need only one import.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrorCategory groups errors for reporting and HTTP status mapping.
type ErrorCategory string

// CategorizedError lets an error declare its own category.
type CategorizedError interface {
	error
	ErrorCategory() ErrorCategory
}

const (
	CategoryValidation     ErrorCategory = "validation"
	CategoryImageDecode    ErrorCategory = "image-decode"
	CategoryModelLoad      ErrorCategory = "model-loading"
	CategoryModelInference ErrorCategory = "model-inference"
	CategoryDatabase       ErrorCategory = "database"
	CategoryStorage        ErrorCategory = "artifact-storage"
	CategoryNetwork        ErrorCategory = "network"
	CategoryConfiguration  ErrorCategory = "configuration"
	CategoryFileIO         ErrorCategory = "file-io"
	CategoryNotFound       ErrorCategory = "not-found"
	CategoryTimeout        ErrorCategory = "timeout"
	CategoryGeneric        ErrorCategory = "generic"
)

const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// ComponentUnknown is used when the component cannot be determined.
const ComponentUnknown = "unknown"

const modulePathPrefix = "github.com/markscan/markscan/internal/errors"

// EnhancedError wraps an error with a category, component and context.
type EnhancedError struct {
	Err       error
	component string
	Category  ErrorCategory
	Priority  string
	Context   map[string]any
	Timestamp time.Time
	reported  bool
	detected  bool
	mu        sync.RWMutex
}

func (ee *EnhancedError) Error() string {
	return ee.Err.Error()
}

func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is matches another EnhancedError by category, otherwise defers to the wrapped error.
func (ee *EnhancedError) Is(target error) bool {
	if other, ok := target.(*EnhancedError); ok {
		return ee.Category == other.Category
	}
	return stderrors.Is(ee.Err, target)
}

// GetComponent returns the component, walking the call stack on first use if none was set.
func (ee *EnhancedError) GetComponent() string {
	ee.mu.RLock()
	if ee.detected || ee.component != "" {
		c := ee.component
		ee.mu.RUnlock()
		return c
	}
	ee.mu.RUnlock()

	ee.mu.Lock()
	defer ee.mu.Unlock()
	if ee.component == "" && !ee.detected {
		ee.component = detectComponent()
		ee.detected = true
	}
	return ee.component
}

func (ee *EnhancedError) GetCategory() string {
	return string(ee.Category)
}

// GetContext returns a copy of the context map.
func (ee *EnhancedError) GetContext() map[string]any {
	ee.mu.RLock()
	defer ee.mu.RUnlock()
	if ee.Context == nil {
		return nil
	}
	out := make(map[string]any, len(ee.Context))
	maps.Copy(out, ee.Context)
	return out
}

func (ee *EnhancedError) MarkReported() {
	ee.mu.Lock()
	defer ee.mu.Unlock()
	ee.reported = true
}

func (ee *EnhancedError) IsReported() bool {
	ee.mu.RLock()
	defer ee.mu.RUnlock()
	return ee.reported
}

// ErrorBuilder assembles an EnhancedError.
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	priority  string
	context   map[string]any
}

// New starts a builder wrapping err.
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf starts a builder from a formatted message. %w is honoured.
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Priority sets an explicit priority. Unknown values fall back to medium.
func (eb *ErrorBuilder) Priority(priority string) *ErrorBuilder {
	switch priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		eb.priority = priority
	case "":
	default:
		eb.priority = PriorityMedium
	}
	return eb
}

func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

// ModelContext records the inference backend and the kind of model path (never the path itself).
func (eb *ErrorBuilder) ModelContext(backend, modelPath string) *ErrorBuilder {
	if backend != "" {
		eb.Context("model_backend", backend)
	}
	if modelPath != "" {
		eb.Context("model_extension", fileExtension(modelPath))
	}
	return eb
}

// ImageContext records the declared format and a size bucket of an uploaded image.
func (eb *ErrorBuilder) ImageContext(format string, size int) *ErrorBuilder {
	if format != "" {
		eb.Context("image_format", format)
	}
	if size >= 0 {
		eb.Context("image_size_category", sizeCategory(int64(size)))
	}
	return eb
}

// StorageContext records which artifact or record backend failed.
func (eb *ErrorBuilder) StorageContext(backend, operation string) *ErrorBuilder {
	eb.Context("storage_backend", backend)
	if operation != "" {
		eb.Context("operation", operation)
	}
	return eb
}

// Timing adds the operation name and its duration in milliseconds.
func (eb *ErrorBuilder) Timing(operation string, d time.Duration) *ErrorBuilder {
	eb.Context("operation", operation)
	eb.Context("duration_ms", d.Milliseconds())
	return eb
}

// Build creates the EnhancedError. Component and category are only inferred
// from the call stack and message while a reporter is active; otherwise they
// default to unknown and generic.
func (eb *ErrorBuilder) Build() *EnhancedError {
	reporting := hasActiveReporting.Load()

	component, category := eb.component, eb.category
	if component == "" {
		component = ComponentUnknown
		if reporting {
			component = detectComponent()
		}
	}
	if category == "" {
		category = CategoryGeneric
		if reporting {
			category = detectCategory(eb.err, component)
		}
	}

	ee := &EnhancedError{
		Err:       eb.err,
		component: component,
		Category:  category,
		Priority:  eb.priority,
		Context:   eb.context,
		Timestamp: time.Now(),
		detected:  true,
	}
	if reporting {
		reportToTelemetry(ee)
	}
	return ee
}

var (
	componentRegistry = make(map[string]string)
	registryMutex     sync.RWMutex

	hasActiveReporting atomic.Bool
)

// RegisterComponent maps a package path fragment to a component name.
func RegisterComponent(packagePattern, componentName string) {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	componentRegistry[packagePattern] = componentName
}

func init() {
	RegisterComponent("internal/api", "api")
	RegisterComponent("internal/inspection", "inspection")
	RegisterComponent("internal/detection", "detection")
	RegisterComponent("internal/imagecodec", "imagecodec")
	RegisterComponent("internal/artifact", "artifact")
	RegisterComponent("internal/datastore", "datastore")
	RegisterComponent("internal/httpclient", "httpclient")
	RegisterComponent("internal/conf", "configuration")
	RegisterComponent("internal/app", "app")
	RegisterComponent("internal/mqtt", "mqtt")
}

func detectComponent() string {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.Function, modulePathPrefix) {
			if c := lookupComponent(frame.Function); c != ComponentUnknown {
				return c
			}
		}
		if !more {
			break
		}
	}
	return ComponentUnknown
}

func lookupComponent(funcName string) string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	best, bestLen := ComponentUnknown, 0
	for pattern, component := range componentRegistry {
		if len(pattern) > bestLen && strings.Contains(funcName, pattern) {
			best, bestLen = component, len(pattern)
		}
	}
	return best
}

func detectCategory(err error, component string) ErrorCategory {
	if err == nil {
		return CategoryGeneric
	}

	var catErr CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr.ErrorCategory()
	}
	var enh *EnhancedError
	if stderrors.As(err, &enh) && enh.Category != "" {
		return enh.Category
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "model") && strings.Contains(msg, "load"):
		return CategoryModelLoad
	case strings.Contains(msg, "decode") || strings.Contains(msg, "image: unknown format"):
		return CategoryImageDecode
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return CategoryTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "dial"):
		return CategoryNetwork
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "missing"):
		return CategoryValidation
	}

	switch component {
	case "datastore":
		return CategoryDatabase
	case "artifact":
		return CategoryStorage
	case "detection":
		return CategoryModelInference
	case "configuration":
		return CategoryConfiguration
	case "mqtt":
		return CategoryNetwork
	}
	return CategoryGeneric
}

func fileExtension(path string) string {
	if i := strings.LastIndex(path, "."); i > 0 && i < len(path)-1 {
		return strings.ToLower(path[i+1:])
	}
	return "none"
}

func sizeCategory(size int64) string {
	switch {
	case size < 64*1024:
		return "small"
	case size < 2*1024*1024:
		return "medium"
	case size < 10*1024*1024:
		return "large"
	default:
		return "very-large"
	}
}

// NewStd creates a plain error.
func NewStd(text string) error {
	return stderrors.New(text)
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target any) bool {
	return stderrors.As(err, target)
}

func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}

func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

// IsCategory reports whether err wraps an EnhancedError of the given category.
func IsCategory(err error, category ErrorCategory) bool {
	var ee *EnhancedError
	return stderrors.As(err, &ee) && ee.Category == category
}

// IsNotFound is shorthand for IsCategory(err, CategoryNotFound).
func IsNotFound(err error) bool {
	return IsCategory(err, CategoryNotFound)
}
