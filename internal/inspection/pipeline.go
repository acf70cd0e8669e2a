package inspection

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/markscan/markscan/internal/artifact"
	"github.com/markscan/markscan/internal/datastore"
	"github.com/markscan/markscan/internal/detection"
	"github.com/markscan/markscan/internal/errors"
	"github.com/markscan/markscan/internal/imagecodec"
	"github.com/markscan/markscan/internal/logger"
)

// ErrInvalidInput marks a request missing a field or the image.
var ErrInvalidInput = errors.NewStd("invalid input")

// State is a pipeline stage. Stages always run in declaration order.
type State int

const (
	StateReceived State = iota
	StateDecoded
	StateDetected
	StateReduced
	StateArtifactAttempted
	StateRecordAttempted
	StateResponded
)

var stateNames = [...]string{
	StateReceived:          "received",
	StateDecoded:           "decoded",
	StateDetected:          "detected",
	StateReduced:           "reduced",
	StateArtifactAttempted: "artifact",
	StateRecordAttempted:   "record",
	StateResponded:         "responded",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// StageResult records how one stage went. Degraded stages failed without
// aborting the request; Skipped stages had no backend configured.
type StageResult struct {
	Stage    State
	Duration time.Duration
	Err      error
	Degraded bool
	Skipped  bool
}

// Request is one inspection submission.
type Request struct {
	Image      []byte
	Filename   string
	Vendor     string
	LotID      string
	PartNumber string
	Operator   string
}

// Validate checks that every required field is present.
func (r *Request) Validate() error {
	var missing []string
	if len(r.Image) == 0 {
		missing = append(missing, "file")
	}
	for _, f := range []struct{ name, value string }{
		{"vendor", r.Vendor},
		{"lotId", r.LotID},
		{"partNumber", r.PartNumber},
		{"operator", r.Operator},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return errors.New(fmt.Errorf("%w: missing %s", ErrInvalidInput, strings.Join(missing, ", "))).
		Component("inspection").
		Category(errors.CategoryValidation).
		Context("missing_fields", missing).
		Build()
}

// Outcome is everything a finished or aborted run produced.
type Outcome struct {
	Detections []detection.Detection
	Verdict    Verdict
	Format     string
	Artifact   *artifact.Ref
	Record     *datastore.InspectionRecord
	Stages     []StageResult
}

// ArtifactStored reports whether the image was persisted.
func (o *Outcome) ArtifactStored() bool { return o.Artifact != nil }

// RecordSaved reports whether the record was persisted.
func (o *Outcome) RecordSaved() bool { return o.Record != nil && o.Record.ID != 0 }

// Degraded reports whether any persistence stage failed.
func (o *Outcome) Degraded() bool {
	for _, s := range o.Stages {
		if s.Degraded {
			return true
		}
	}
	return false
}

// Stage returns the result for s, if that stage ran.
func (o *Outcome) Stage(s State) (StageResult, bool) {
	for _, r := range o.Stages {
		if r.Stage == s {
			return r, true
		}
	}
	return StageResult{}, false
}

// Recorder receives pipeline metrics.
type Recorder interface {
	RecordRequest(outcome string)
	RecordVerdict(label, result string)
	RecordStage(stage string, d time.Duration)
	RecordDegradation(stage string)
	RecordImage(bytes, detections int)
}

// Request outcomes reported to Recorder.
const (
	OutcomeOK               = "ok"
	OutcomeInvalidInput     = "invalid_input"
	OutcomeInvalidImage     = "invalid_image"
	OutcomeModelUnavailable = "model_unavailable"
	OutcomeCancelled        = "cancelled"
)

// Config holds the pipeline's tunables.
type Config struct {
	Threshold float64
	MaxPixels int
	Reducer   Reducer
}

// Pipeline runs decode, detect, reduce, store artifact, store record.
// It is safe for concurrent use; the detector serializes inference.
type Pipeline struct {
	decoder   *imagecodec.Decoder
	detector  detection.Detector
	reducer   Reducer
	threshold float64
	artifacts artifact.Store
	records   datastore.Interface
	recorder  Recorder
	log       logger.Logger
	onSaved   func(*datastore.InspectionRecord)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRecorder reports metrics to r.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithLogger overrides the module logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithRecordHook calls fn after every saved record.
func WithRecordHook(fn func(*datastore.InspectionRecord)) Option {
	return func(p *Pipeline) { p.onSaved = fn }
}

// NewPipeline wires the stages. artifacts and records may be nil, in which case
// those stages are skipped.
func NewPipeline(cfg Config, detector detection.Detector, artifacts artifact.Store, records datastore.Interface, opts ...Option) *Pipeline {
	p := &Pipeline{
		decoder:   imagecodec.NewDecoder(cfg.MaxPixels),
		detector:  detector,
		reducer:   cfg.Reducer,
		threshold: cfg.Threshold,
		artifacts: artifacts,
		records:   records,
		recorder:  nopRecorder{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = GetLogger()
	}
	return p
}

// Run processes req. The returned error is non-nil only when the request is
// rejected (invalid input or image) or the model is unavailable; persistence
// failures are reported through the outcome's stage results instead.
func (p *Pipeline) Run(ctx context.Context, req *Request) (*Outcome, error) {
	out := &Outcome{}
	log := p.log.WithContext(ctx)

	stage := func(s State, start time.Time, err error) StageResult {
		r := StageResult{Stage: s, Duration: time.Since(start), Err: err}
		p.recorder.RecordStage(s.String(), r.Duration)
		return r
	}

	start := time.Now()
	if err := req.Validate(); err != nil {
		out.Stages = append(out.Stages, stage(StateReceived, start, err))
		p.recorder.RecordRequest(OutcomeInvalidInput)
		return out, err
	}
	out.Stages = append(out.Stages, stage(StateReceived, start, nil))

	start = time.Now()
	img, format, err := p.decoder.Decode(req.Image)
	out.Stages = append(out.Stages, stage(StateDecoded, start, err))
	if err != nil {
		p.recorder.RecordRequest(OutcomeInvalidImage)
		log.Info("rejected undecodable image",
			logger.Int("bytes", len(req.Image)),
			logger.String("filename", req.Filename),
			logger.Error(err))
		return out, err
	}
	out.Format = format

	start = time.Now()
	detections, err := p.detector.Detect(ctx, img, p.threshold)
	out.Stages = append(out.Stages, stage(StateDetected, start, err))
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			p.recorder.RecordRequest(OutcomeCancelled)
		default:
			p.recorder.RecordRequest(OutcomeModelUnavailable)
			log.Error("detection failed",
				logger.String("backend", p.detector.Backend()),
				logger.Error(err))
		}
		return out, err
	}
	out.Detections = detections
	p.recorder.RecordImage(len(req.Image), len(detections))

	start = time.Now()
	out.Verdict = p.reducer.Reduce(detections)
	out.Stages = append(out.Stages, stage(StateReduced, start, nil))
	p.recorder.RecordVerdict(string(out.Verdict.Label), out.Verdict.ScanResult)

	out.Stages = append(out.Stages, p.storeArtifact(ctx, log, req, out))
	out.Stages = append(out.Stages, p.storeRecord(ctx, log, req, out))

	out.Stages = append(out.Stages, StageResult{Stage: StateResponded})
	p.recorder.RecordRequest(OutcomeOK)

	log.Info("inspection complete",
		logger.String("vendor", req.Vendor),
		logger.String("lot_id", req.LotID),
		logger.String("part_number", req.PartNumber),
		logger.String("label", string(out.Verdict.Label)),
		logger.Float64("confidence", out.Verdict.Confidence),
		logger.String("result", out.Verdict.ScanResult),
		logger.Int("detections", len(detections)),
		logger.Bool("artifact_stored", out.ArtifactStored()),
		logger.Bool("record_saved", out.RecordSaved()))

	return out, nil
}

func (p *Pipeline) storeArtifact(ctx context.Context, log logger.Logger, req *Request, out *Outcome) StageResult {
	if p.artifacts == nil {
		return StageResult{Stage: StateArtifactAttempted, Skipped: true}
	}

	start := time.Now()
	ref, err := p.artifacts.Store(ctx, req.Image, req.Filename)
	r := StageResult{Stage: StateArtifactAttempted, Duration: time.Since(start), Err: err}
	p.recorder.RecordStage(r.Stage.String(), r.Duration)

	if err != nil {
		r.Degraded = true
		p.recorder.RecordDegradation(r.Stage.String())
		log.Warn("artifact not stored, continuing without image url",
			logger.String("backend", p.artifacts.Backend()),
			logger.Error(err))
		return r
	}
	out.Artifact = &ref
	return r
}

func (p *Pipeline) storeRecord(ctx context.Context, log logger.Logger, req *Request, out *Outcome) StageResult {
	if p.records == nil {
		return StageResult{Stage: StateRecordAttempted, Skipped: true}
	}

	rec := &datastore.InspectionRecord{
		Vendor:     strings.TrimSpace(req.Vendor),
		LotID:      strings.TrimSpace(req.LotID),
		PartNumber: strings.TrimSpace(req.PartNumber),
		Operator:   strings.TrimSpace(req.Operator),
		Result:     out.Verdict.ScanResult,
		Confidence: out.Verdict.Confidence,
	}
	if out.Artifact != nil {
		url := out.Artifact.URL
		rec.ImageURL = &url
	}

	start := time.Now()
	_, err := p.records.Insert(ctx, rec)
	r := StageResult{Stage: StateRecordAttempted, Duration: time.Since(start), Err: err}
	p.recorder.RecordStage(r.Stage.String(), r.Duration)

	if err != nil {
		r.Degraded = true
		p.recorder.RecordDegradation(r.Stage.String())
		log.Warn("record not saved",
			logger.String("backend", p.records.Backend()),
			logger.String("part_number", rec.PartNumber),
			logger.Error(err))
		return r
	}
	out.Record = rec
	if p.onSaved != nil {
		p.onSaved(rec)
	}
	return r
}

// GetLogger returns the inspection module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("inspection")
}

type nopRecorder struct{}

func (nopRecorder) RecordRequest(string)              {}
func (nopRecorder) RecordVerdict(string, string)      {}
func (nopRecorder) RecordStage(string, time.Duration) {}
func (nopRecorder) RecordDegradation(string)          {}
func (nopRecorder) RecordImage(int, int)              {}
