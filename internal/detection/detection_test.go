package detection

import (
	"context"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/markscan/markscan/internal/errors"
	"github.com/markscan/markscan/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeEngine returns a fixed output and tracks concurrent callers.
type fakeEngine struct {
	output   []float32
	shape    []int64
	err      error
	delay    time.Duration
	active   atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
	closed   atomic.Bool
	lastSize int
}

func (f *fakeEngine) Infer(input []float32) ([]float32, []int64, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.calls.Add(1)
	f.lastSize = len(input)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.output, f.shape, f.err
}

func (f *fakeEngine) Close() error {
	f.closed.Store(true)
	return nil
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []error
}

func (r *recordingObserver) RecordInvoke(_ string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, err)
}

// channelsFirst builds a [1, 4+nc, anchors] tensor from per-anchor rows of cx, cy, w, h, scores...
func channelsFirst(rows [][]float32) ([]float32, []int64) {
	channels, anchors := len(rows[0]), len(rows)
	out := make([]float32, channels*anchors)
	for a, row := range rows {
		for c, v := range row {
			out[c*anchors+a] = v
		}
	}
	return out, []int64{1, int64(channels), int64(anchors)}
}

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	return img
}

func quietDetector(engine Engine, cfg YOLOConfig, opts ...Option) *YOLODetector {
	opts = append(opts, WithLogger(logger.NewSlogLogger(nil, logger.LogLevelError)))
	return NewYOLODetector(engine, cfg, opts...)
}

func TestLabelForClass(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Defective, LabelForClass(0, DefaultClasses))
	assert.Equal(t, Perfect, LabelForClass(1, DefaultClasses))
	assert.Equal(t, Unknown, LabelForClass(2, DefaultClasses))
	assert.Equal(t, Unknown, LabelForClass(-1, DefaultClasses))
	assert.Equal(t, Unknown, LabelForClass(0, []string{"Scratch"}))
}

func TestLetterbox(t *testing.T) {
	t.Parallel()

	// 2x1 red image into a 4x4 square: scaled to 4x2, one grey row above and below
	out := Letterbox(testImage(2, 1), 4)
	require.Len(t, out, 3*16)

	pad := float32(114) / 255
	red := func(x, y int) float32 { return out[y*4+x] }
	green := func(x, y int) float32 { return out[16+y*4+x] }

	for x := range 4 {
		assert.InDelta(t, pad, red(x, 0), 1e-6, "top padding")
		assert.InDelta(t, pad, red(x, 3), 1e-6, "bottom padding")
		assert.InDelta(t, 1.0, red(x, 1), 0.02)
		assert.InDelta(t, 1.0, red(x, 2), 0.02)
		assert.InDelta(t, 0.0, green(x, 1), 0.02)
	}
}

func TestDecodeOutputLayouts(t *testing.T) {
	t.Parallel()

	rows := [][]float32{
		{10, 10, 4, 4, 0.05, 0.9},
		{30, 30, 4, 4, 0.6, 0.1},
		{50, 50, 4, 4, 0.01, 0.02},
	}
	first, firstShape := channelsFirst(rows)

	var transposed []float32
	for _, r := range rows {
		transposed = append(transposed, r...)
	}

	for name, tc := range map[string]struct {
		out   []float32
		shape []int64
	}{
		"channels first": {first, firstShape},
		"transposed":     {transposed, []int64{1, 3, 6}},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cands, err := decodeOutput(tc.out, tc.shape, 2, 0.1)
			require.NoError(t, err)
			require.Len(t, cands, 2)
			assert.Equal(t, 1, cands[0].class)
			assert.InDelta(t, 0.9, cands[0].score, 1e-6)
			assert.Equal(t, [4]float32{8, 8, 12, 12}, cands[0].box)
			assert.Equal(t, 0, cands[1].class)
		})
	}
}

func TestDecodeOutputRejectsBadShapes(t *testing.T) {
	t.Parallel()

	_, err := decodeOutput(make([]float32, 12), []int64{1, 6, 3}, 2, 0.1)
	require.Error(t, err, "size mismatch")

	_, err = decodeOutput(make([]float32, 8), []int64{1, 4, 2}, 0, 0.1)
	require.Error(t, err, "no class channels")

	_, err = decodeOutput(make([]float32, 36), []int64{2, 6, 3}, 2, 0.1)
	require.Error(t, err, "batch of two")
}

func TestNonMaxSuppression(t *testing.T) {
	t.Parallel()

	cands := []candidate{
		{box: [4]float32{0, 0, 10, 10}, class: 1, score: 0.8},
		{box: [4]float32{1, 1, 11, 11}, class: 1, score: 0.9},   // overlaps the first heavily
		{box: [4]float32{1, 1, 11, 11}, class: 0, score: 0.7},   // same place, other class
		{box: [4]float32{50, 50, 60, 60}, class: 1, score: 0.3}, // far away
	}

	kept := nonMaxSuppression(cands, 0.7, 300)
	require.Len(t, kept, 3)
	assert.InDelta(t, 0.9, kept[0].score, 1e-6)
	assert.InDelta(t, 0.7, kept[1].score, 1e-6)
	assert.InDelta(t, 0.3, kept[2].score, 1e-6)

	assert.Len(t, nonMaxSuppression(cands, 0.7, 2), 2, "capped at max detections")
}

func TestYOLODetectorDetect(t *testing.T) {
	t.Parallel()

	out, shape := channelsFirst([][]float32{
		{100, 100, 50, 50, 0.1, 0.92},
		{300, 300, 40, 40, 0.55, 0.2},
		{102, 101, 50, 50, 0.3, 0.85}, // suppressed by the first
		{500, 500, 20, 20, 0.2, 0.15}, // below the default threshold
	})
	engine := &fakeEngine{output: out, shape: shape}
	obs := &recordingObserver{}
	d := quietDetector(engine, YOLOConfig{Backend: "fake", InputSize: 64}, WithInvokeObserver(obs))

	got, err := d.Detect(context.Background(), testImage(20, 10), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Perfect, got[0].Label)
	assert.InDelta(t, 0.92, got[0].Confidence, 1e-6)
	assert.Equal(t, Defective, got[1].Label)
	assert.InDelta(t, 0.55, got[1].Confidence, 1e-6)

	assert.Equal(t, 3*64*64, engine.lastSize)
	assert.Len(t, obs.calls, 1)
	assert.Equal(t, "fake", d.Backend())

	low, err := d.Detect(context.Background(), testImage(20, 10), 0.1)
	require.NoError(t, err)
	assert.Len(t, low, 3, "explicit threshold keeps the 0.2 box")

	require.NoError(t, d.Close())
	assert.True(t, engine.closed.Load())
}

func TestYOLODetectorEngineFailure(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{err: errors.NewStd("session run failed")}
	d := quietDetector(engine, YOLOConfig{Backend: "fake", InputSize: 32})

	_, err := d.Detect(context.Background(), testImage(4, 4), 0.1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.True(t, errors.IsCategory(err, errors.CategoryModelInference))

	require.NoError(t, d.Close())
	_, err = d.Detect(context.Background(), testImage(4, 4), 0.1)
	assert.ErrorIs(t, err, ErrModelUnavailable, "closed detector is unavailable")
}

func TestYOLODetectorCancelledContext(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	d := quietDetector(engine, YOLOConfig{InputSize: 32})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Detect(ctx, testImage(4, 4), 0.1)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, engine.calls.Load())
}

func TestYOLODetectorSerializesInference(t *testing.T) {
	t.Parallel()

	out, shape := channelsFirst([][]float32{{10, 10, 4, 4, 0.1, 0.9}})
	engine := &fakeEngine{output: out, shape: shape, delay: 5 * time.Millisecond}
	d := quietDetector(engine, YOLOConfig{InputSize: 32})
	defer d.Close()

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			_, err := d.Detect(context.Background(), testImage(8, 8), 0.1)
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	assert.Equal(t, int32(8), engine.calls.Load())
	assert.Equal(t, int32(1), engine.peak.Load(), "engine never runs concurrently")
}

func TestUnavailable(t *testing.T) {
	t.Parallel()

	cause := errors.NewStd("open best.onnx: no such file or directory")
	u := NewUnavailable("onnx", cause)

	for range 2 {
		_, err := u.Detect(context.Background(), testImage(2, 2), 0.1)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrModelUnavailable)
		assert.ErrorIs(t, err, cause)
	}
	assert.Equal(t, "onnx", u.Backend())
	assert.Same(t, cause, u.Cause())
	assert.NoError(t, u.Close())
}
