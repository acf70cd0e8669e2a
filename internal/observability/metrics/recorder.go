package metrics

// Recorder is the narrow interface storage backends report through, so they
// do not depend on concrete collectors.
type Recorder interface {
	// RecordOperation counts an operation with its status (success or error).
	RecordOperation(operation, status string)

	// RecordDuration observes how long an operation took in seconds.
	RecordDuration(operation string, seconds float64)

	// RecordError counts a failed operation by error type.
	RecordError(operation, errorType string)
}

// NoOpRecorder discards everything.
type NoOpRecorder struct{}

func (NoOpRecorder) RecordOperation(string, string) {}
func (NoOpRecorder) RecordDuration(string, float64) {}
func (NoOpRecorder) RecordError(string, string)     {}

var _ Recorder = NoOpRecorder{}
