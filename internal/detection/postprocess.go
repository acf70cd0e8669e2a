package detection

import (
	"cmp"
	"fmt"
	"slices"
)

// candidate is one anchor that cleared the threshold, box in input pixels (x1, y1, x2, y2).
type candidate struct {
	box   [4]float32
	class int
	score float32
}

// decodeOutput reads a YOLOv8 head of shape [1, 4+nc, anchors] or [1, anchors, 4+nc].
// The layout follows numClasses when one axis matches 4+numClasses; otherwise the
// longer axis is taken as anchors.
func decodeOutput(out []float32, shape []int64, numClasses int, threshold float64) ([]candidate, error) {
	dims := shape
	if len(dims) == 3 {
		if dims[0] != 1 {
			return nil, fmt.Errorf("unsupported batch size %d", dims[0])
		}
		dims = dims[1:]
	}
	if len(dims) != 2 {
		return nil, fmt.Errorf("unexpected output rank %d", len(shape))
	}

	rows, cols := int(dims[0]), int(dims[1])
	if rows*cols != len(out) {
		return nil, fmt.Errorf("output has %d values, shape %v needs %d", len(out), shape, rows*cols)
	}

	channelsFirst := rows <= cols
	if want := 4 + numClasses; numClasses > 0 && rows != cols {
		switch want {
		case rows:
			channelsFirst = true
		case cols:
			channelsFirst = false
		}
	}
	channels, anchors := rows, cols
	if !channelsFirst {
		channels, anchors = cols, rows
	}
	if channels < 5 {
		return nil, fmt.Errorf("output needs at least 5 channels, got %d", channels)
	}
	numClasses = channels - 4

	at := func(c, a int) float32 {
		if channelsFirst {
			return out[c*anchors+a]
		}
		return out[a*channels+c]
	}

	thr := float32(threshold)
	var result []candidate
	for a := range anchors {
		best, bestScore := 0, at(4, a)
		for c := 1; c < numClasses; c++ {
			if s := at(4+c, a); s > bestScore {
				best, bestScore = c, s
			}
		}
		if bestScore < thr {
			continue
		}
		cx, cy, w, h := at(0, a), at(1, a), at(2, a), at(3, a)
		result = append(result, candidate{
			box:   [4]float32{cx - w/2, cy - h/2, cx + w/2, cy + h/2},
			class: best,
			score: bestScore,
		})
	}
	return result, nil
}

// nonMaxSuppression keeps the highest scoring boxes per class, dropping any box whose IoU
// with a kept box of the same class exceeds iouLimit. The result is sorted by score, highest first.
func nonMaxSuppression(cands []candidate, iouLimit float64, maxDet int) []candidate {
	sorted := slices.Clone(cands)
	slices.SortStableFunc(sorted, func(a, b candidate) int {
		return cmp.Compare(b.score, a.score)
	})

	kept := make([]candidate, 0, min(len(sorted), maxDet))
	for _, c := range sorted {
		if len(kept) >= maxDet {
			break
		}
		suppressed := false
		for _, k := range kept {
			if k.class == c.class && iou(k.box, c.box) > float32(iouLimit) {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, c)
		}
	}
	return kept
}

func iou(a, b [4]float32) float32 {
	ix1, iy1 := max(a[0], b[0]), max(a[1], b[1])
	ix2, iy2 := min(a[2], b[2]), min(a[3], b[3])
	iw, ih := max(0, ix2-ix1), max(0, iy2-iy1)
	inter := iw * ih
	union := (a[2]-a[0])*(a[3]-a[1]) + (b[2]-b[0])*(b[3]-b[1]) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
