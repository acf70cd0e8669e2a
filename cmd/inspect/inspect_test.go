package inspect

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markscan/markscan/internal/app"
	"github.com/markscan/markscan/internal/conf"
	"github.com/markscan/markscan/internal/datastore"
	"github.com/markscan/markscan/internal/detection"
	"github.com/markscan/markscan/internal/logger"
)

type fixedDetector struct{ detections []detection.Detection }

func (d fixedDetector) Detect(context.Context, image.Image, float64) ([]detection.Detection, error) {
	return d.detections, nil
}
func (fixedDetector) Backend() string { return "fixed" }
func (fixedDetector) Close() error    { return nil }

func settingsFor(t *testing.T) *conf.Settings {
	t.Helper()
	dir := t.TempDir()
	s := &conf.Settings{}
	s.Server.BaseURL = "http://localhost:8000"
	s.Storage.Records.SQLite.Path = filepath.Join(dir, "inspection.db")
	s.Storage.Artifacts.Local.Dir = filepath.Join(dir, "uploads")
	return s
}

func writeImage(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 24, 24))
	for i := range 24 {
		img.Set(i, i, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	path := filepath.Join(t.TempDir(), "BRD-7.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func testOptions(det detection.Detector) []app.Option {
	return []app.Option{
		app.WithDetector(det),
		app.WithLogger(logger.NewSlogLogger(nil, logger.LogLevelError)),
	}
}

func TestRunOffline(t *testing.T) {
	det := fixedDetector{detections: []detection.Detection{
		{Label: detection.Perfect, Confidence: 0.91},
		{Label: detection.Defective, Confidence: 0.95},
	}}
	path := writeImage(t)
	settings := settingsFor(t)

	var out bytes.Buffer
	o := &Options{Vendor: "Acme", LotID: "L1", Operator: "qa", Format: "json"}
	require.NoError(t, Run(t.Context(), settings, path, o, &out, testOptions(det)...))

	var res Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, "png", res.Format)
	assert.Equal(t, "Perfect", res.Label, "first detection wins")
	assert.Equal(t, "pass", res.ScanResult)
	assert.Len(t, res.Detections, 2)
	assert.Empty(t, res.ImageURL)
	assert.Zero(t, res.RecordID)

	skipped := map[string]bool{}
	for _, s := range res.Stages {
		skipped[s.Name] = s.Skipped
	}
	assert.True(t, skipped["artifact"])
	assert.True(t, skipped["record"])

	_, err := os.Stat(settings.Storage.Records.SQLite.Path)
	assert.True(t, os.IsNotExist(err), "offline runs open no database")
}

func TestRunSave(t *testing.T) {
	path := writeImage(t)
	settings := settingsFor(t)

	var out bytes.Buffer
	o := &Options{Vendor: "Acme", LotID: "L1", Operator: "qa", Save: true, Format: "yaml"}
	require.NoError(t, Run(t.Context(), settings, path, o, &out, testOptions(fixedDetector{})...))
	assert.Contains(t, out.String(), "label: No Detection")
	assert.Contains(t, out.String(), "image_url: http://localhost:8000/uploads/scan_")

	ds, err := datastore.New(settings)
	require.NoError(t, err)
	require.NoError(t, ds.Open())
	t.Cleanup(func() { _ = ds.Close() })

	records, err := ds.ListAll(t.Context())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "BRD-7", records[0].PartNumber, "part number defaults to the file name")
	assert.Equal(t, datastore.ResultFail, records[0].Result)
}

func TestRunErrors(t *testing.T) {
	settings := settingsFor(t)
	o := &Options{Vendor: "Acme", LotID: "L1", Operator: "qa", Format: "json"}

	err := Run(t.Context(), settings, filepath.Join(t.TempDir(), "missing.png"), o, &bytes.Buffer{}, testOptions(fixedDetector{})...)
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.jpg")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0o600))
	err = Run(t.Context(), settings, bad, o, &bytes.Buffer{}, testOptions(fixedDetector{})...)
	require.Error(t, err)
}

func TestCommandRejectsFormat(t *testing.T) {
	cmd := Command(settingsFor(t))
	cmd.SetArgs([]string{"--format", "csv", writeImage(t)})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	require.Error(t, cmd.Execute())
}
