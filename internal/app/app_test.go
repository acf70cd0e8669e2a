package app

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/markscan/markscan/internal/artifact"
	"github.com/markscan/markscan/internal/conf"
	"github.com/markscan/markscan/internal/datastore"
	"github.com/markscan/markscan/internal/detection"
	"github.com/markscan/markscan/internal/inspection"
	"github.com/markscan/markscan/internal/logger"
	"github.com/markscan/markscan/internal/observability"
)

type staticDetector struct {
	detections []detection.Detection
	closed     bool
}

func (d *staticDetector) Detect(context.Context, image.Image, float64) ([]detection.Detection, error) {
	return d.detections, nil
}
func (d *staticDetector) Backend() string { return "static" }
func (d *staticDetector) Close() error    { d.closed = true; return nil }

func testSettings(t *testing.T) *conf.Settings {
	t.Helper()
	dir := t.TempDir()

	s := &conf.Settings{}
	s.Server.Port = 8000
	s.Server.BaseURL = "http://localhost:8000"
	s.Server.BodyLimit = "5M"
	s.Model.Backend = "opencv"
	s.Model.Path = filepath.Join(dir, "missing.onnx")
	s.Model.InputSize = 640
	s.Storage.Records.Backend = datastore.BackendSQLite
	s.Storage.Records.SQLite.Path = filepath.Join(dir, "inspection.db")
	s.Storage.Artifacts.Backend = artifact.BackendLocal
	s.Storage.Artifacts.Local.Dir = filepath.Join(dir, "uploads")
	return s
}

func quiet() logger.Logger {
	return logger.NewSlogLogger(nil, logger.LogLevelError)
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func request(t *testing.T) *inspection.Request {
	t.Helper()
	return &inspection.Request{
		Image:      pngBytes(t),
		Filename:   "part.png",
		Vendor:     "Acme",
		LotID:      "L1",
		PartNumber: "P1",
		Operator:   "op",
	}
}

func gaugeValue(t *testing.T, m *observability.Metrics, name, backend string) (float64, bool) {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "backend" && lp.GetValue() == backend {
					return metric.GetGauge().GetValue(), true
				}
			}
		}
	}
	return 0, false
}

func TestBuildModelUnavailable(t *testing.T) {
	defer goleak.VerifyNone(t)

	a, err := Build(testSettings(t), WithLogger(quiet()))
	require.NoError(t, err, "a missing model does not stop the service")

	_, ok := a.Detector.(*detection.Unavailable)
	require.True(t, ok, "detector is %T", a.Detector)
	assert.Equal(t, "opencv", a.Detector.Backend())

	loaded, found := gaugeValue(t, a.Metrics, "markscan_model_loaded", "opencv")
	require.True(t, found)
	assert.Zero(t, loaded)

	_, err = a.Pipeline.Run(t.Context(), request(t))
	require.ErrorIs(t, err, detection.ErrModelUnavailable)

	records, err := a.Records.ListAll(t.Context())
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, a.Close())
}

func TestBuildPersistsInspections(t *testing.T) {
	det := &staticDetector{detections: []detection.Detection{{Label: detection.Perfect, Confidence: 0.88}}}
	var hooked []uint
	a, err := Build(testSettings(t), WithLogger(quiet()), WithDetector(det),
		WithRecordHook(func(r *datastore.InspectionRecord) { hooked = append(hooked, r.ID) }))
	require.NoError(t, err)

	out, err := a.Pipeline.Run(t.Context(), request(t))
	require.NoError(t, err)
	assert.Equal(t, detection.Perfect, out.Verdict.Label)
	assert.True(t, out.ArtifactStored())
	assert.True(t, out.RecordSaved())
	assert.Equal(t, []uint{out.Record.ID}, hooked)

	assert.Equal(t, artifact.BackendLocal, a.ArtifactBackend())
	require.NoError(t, a.Close())
	assert.True(t, det.closed)
}

func TestBuildOffline(t *testing.T) {
	det := &staticDetector{}
	a, err := Build(testSettings(t), WithLogger(quiet()), WithDetector(det), WithoutArtifacts(), WithoutRecords())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Nil(t, a.Records)
	assert.Nil(t, a.Artifacts)
	assert.Equal(t, "no", a.ArtifactBackend())

	out, err := a.Pipeline.Run(t.Context(), request(t))
	require.NoError(t, err)
	assert.Equal(t, detection.NoDetection, out.Verdict.Label)
	assert.False(t, out.RecordSaved())

	_, err = a.Server()
	require.Error(t, err, "the server needs a record store")
}

func TestBuildRejectsBadSettings(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*conf.Settings)
	}{
		{"verdict selection", func(s *conf.Settings) { s.Verdict.Selection = "best" }},
		{"record backend", func(s *conf.Settings) { s.Storage.Records.Backend = "postgres" }},
		{"artifact backend", func(s *conf.Settings) { s.Storage.Artifacts.Backend = "s3" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSettings(t)
			tt.modify(s)
			_, err := Build(s, WithLogger(quiet()), WithDetector(&staticDetector{}))
			require.Error(t, err)
		})
	}
}

func TestServerLiveness(t *testing.T) {
	a, err := Build(testSettings(t), WithLogger(quiet()), WithDetector(&staticDetector{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	srv, err := a.Server()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"MarkScan AI Backend is running with sqlite records and local artifacts."}`, rec.Body.String())
}

func TestLoadDetectorUnknownBackend(t *testing.T) {
	m, err := observability.NewMetrics()
	require.NoError(t, err)

	d := LoadDetector(&conf.ModelSettings{Backend: "coreml"}, m.Inspection, quiet())
	u, ok := d.(*detection.Unavailable)
	require.True(t, ok)
	require.Error(t, u.Cause())
	assert.Contains(t, u.Cause().Error(), "coreml")
}

type doneToken struct{ done chan struct{} }

func completed() doneToken {
	t := doneToken{done: make(chan struct{})}
	close(t.done)
	return t
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{}          { return t.done }
func (t doneToken) Error() error                   { return nil }

type captureBroker struct {
	mu        sync.Mutex
	connected bool
	topics    []string
	payloads  [][]byte
}

func (b *captureBroker) Connect() paho.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return completed()
}

func (b *captureBroker) Publish(topic string, _ byte, _ bool, payload any) paho.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	b.payloads = append(b.payloads, payload.([]byte))
	return completed()
}

func (b *captureBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *captureBroker) Disconnect(uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
}

func TestBuildPublishesSavedRecords(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := testSettings(t)
	s.MQTT.Enabled = true
	s.MQTT.Broker = "tcp://broker:1883"
	s.MQTT.Topic = "plant/line4"
	s.MQTT.QoS = 1

	broker := &captureBroker{}
	det := &staticDetector{detections: []detection.Detection{{Label: detection.Perfect, Confidence: 0.91}}}
	var hooked int
	a, err := Build(s, WithLogger(quiet()), WithDetector(det), WithBrokerClient(broker),
		WithRecordHook(func(*datastore.InspectionRecord) { hooked++ }))
	require.NoError(t, err)
	require.NotNil(t, a.Publisher)

	out, err := a.Pipeline.Run(t.Context(), request(t))
	require.NoError(t, err)
	require.True(t, out.RecordSaved())
	assert.Equal(t, 1, hooked, "the caller's hook still runs")

	// Close drains the queue before disconnecting
	require.NoError(t, a.Close())

	broker.mu.Lock()
	defer broker.mu.Unlock()
	require.Len(t, broker.topics, 1)
	assert.Equal(t, "plant/line4/"+out.Record.Result, broker.topics[0])
	assert.False(t, broker.connected)

	var got datastore.InspectionRecord
	require.NoError(t, json.Unmarshal(broker.payloads[0], &got))
	assert.Equal(t, out.Record.ID, got.ID)
	assert.Equal(t, "P1", got.PartNumber)
}

func TestBuildWithoutRecordsSkipsPublisher(t *testing.T) {
	s := testSettings(t)
	s.MQTT.Enabled = true
	s.MQTT.Broker = "tcp://broker:1883"

	a, err := Build(s, WithLogger(quiet()), WithDetector(&staticDetector{}), WithoutRecords(), WithBrokerClient(&captureBroker{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	assert.Nil(t, a.Publisher)
}
