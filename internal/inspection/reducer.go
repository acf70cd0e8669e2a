// Package inspection turns an uploaded image into a verdict and persists the outcome.
package inspection

import (
	"fmt"

	"github.com/markscan/markscan/internal/datastore"
	"github.com/markscan/markscan/internal/detection"
)

// Selection policies for Reducer.
const (
	// SelectFirst takes the first detection in detector order.
	SelectFirst = "first"
	// SelectConfidence takes the highest confidence; ties keep the earliest.
	SelectConfidence = "confidence"
)

// Empty label policies for Reducer.
const (
	EmptyNoDetection = "no_detection"
	EmptyDefective   = "defective"
)

// Verdict is the single outcome reduced from a detection list.
type Verdict struct {
	Label      detection.Label `json:"label"`
	Confidence float64         `json:"confidence"`
	ScanResult string          `json:"scan_result"`
}

// Reducer picks one verdict from detections. The zero value uses SelectFirst
// and EmptyNoDetection.
type Reducer struct {
	Selection  string
	EmptyLabel string
}

// NewReducer validates the policy names.
func NewReducer(selection, emptyLabel string) (Reducer, error) {
	switch selection {
	case "", SelectFirst, SelectConfidence:
	default:
		return Reducer{}, fmt.Errorf("unknown verdict selection %q", selection)
	}
	switch emptyLabel {
	case "", EmptyNoDetection, EmptyDefective:
	default:
		return Reducer{}, fmt.Errorf("unknown empty label policy %q", emptyLabel)
	}
	return Reducer{Selection: selection, EmptyLabel: emptyLabel}, nil
}

// Reduce never fails. With no detections it returns the empty sentinel at 0.0.
func (r Reducer) Reduce(detections []detection.Detection) Verdict {
	if len(detections) == 0 {
		label := detection.NoDetection
		if r.EmptyLabel == EmptyDefective {
			label = detection.Defective
		}
		return newVerdict(label, 0)
	}

	chosen := detections[0]
	if r.Selection == SelectConfidence {
		for _, d := range detections[1:] {
			if d.Confidence > chosen.Confidence {
				chosen = d
			}
		}
	}
	return newVerdict(chosen.Label, chosen.Confidence)
}

func newVerdict(label detection.Label, confidence float64) Verdict {
	return Verdict{Label: label, Confidence: confidence, ScanResult: ScanResultFor(label)}
}

// ScanResultFor is pass only for Perfect.
func ScanResultFor(label detection.Label) string {
	if label == detection.Perfect {
		return datastore.ResultPass
	}
	return datastore.ResultFail
}
