package logger_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markscan/markscan/internal/logger"
)

func TestLogLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		level     logger.LogLevel
		wantDebug bool
		wantInfo  bool
		wantWarn  bool
	}{
		{"debug shows everything", logger.LogLevelDebug, true, true, true},
		{"info hides debug", logger.LogLevelInfo, false, true, true},
		{"warn hides info", logger.LogLevelWarn, false, false, true},
		{"error hides warn", logger.LogLevelError, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			log := logger.NewSlogLogger(&buf, tt.level)

			log.Debug("debug line")
			log.Info("info line")
			log.Warn("warn line")
			log.Error("error line")

			out := buf.String()
			assert.Equal(t, tt.wantDebug, strings.Contains(out, "debug line"))
			assert.Equal(t, tt.wantInfo, strings.Contains(out, "info line"))
			assert.Equal(t, tt.wantWarn, strings.Contains(out, "warn line"))
			assert.Contains(t, out, "error line", "errors are always emitted")
		})
	}
}

func TestLogFormatting(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.NewSlogLogger(&buf, logger.LogLevelInfo).Module("inspection")

	log.Info("verdict reached",
		logger.String("label", "Perfect"),
		logger.Float64("confidence", 0.91234),
		logger.Int("detections", 2),
		logger.Duration("elapsed", 1500*time.Microsecond),
		logger.String("operator", "Jane Doe"),
		logger.Error(errors.New("boom")))

	line := buf.String()
	assert.True(t, strings.HasPrefix(line, "INFO  [inspection] verdict reached"), line)
	assert.Contains(t, line, "label=Perfect")
	assert.Contains(t, line, "confidence=0.912")
	assert.Contains(t, line, "detections=2")
	assert.Contains(t, line, "elapsed=1.5ms")
	assert.Contains(t, line, `operator="Jane Doe"`)
	assert.Contains(t, line, "error=boom")
}

func TestLoggerWith(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := logger.NewSlogLogger(&buf, logger.LogLevelInfo).Module("api")
	scoped := base.With(logger.String("route", "/predict/")).Module("predict")

	scoped.Info("request")
	base.Info("plain")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "[api.predict]")
	assert.Contains(t, lines[0], "route=/predict/")
	assert.NotContains(t, lines[1], "route=")
}

func TestLoggerWithContext(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.NewSlogLogger(&buf, logger.LogLevelInfo)

	ctx := logger.WithTraceID(context.Background(), "abc123")
	assert.Equal(t, "abc123", logger.TraceIDFromContext(ctx))

	log.WithContext(ctx).Info("traced")
	log.WithContext(context.Background()).Info("untraced")

	out := buf.String()
	assert.Contains(t, out, "traced trace_id=abc123")
	assert.Equal(t, 1, strings.Count(out, "trace_id="))
}

func TestFileOutput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "markscan.log")
	cl, err := logger.NewCentralLogger(&logger.LoggingConfig{
		DefaultLevel: "debug",
		Timezone:     "UTC",
		Console:      &logger.ConsoleOutput{Enabled: false},
		FileOutput:   &logger.FileOutput{Enabled: true, Path: path},
		ModuleLevels: map[string]string{"datastore": "warn"},
	})
	require.NoError(t, err)

	cl.Module("inspection").Debug("pipeline started", logger.Int("bytes", 42))
	cl.Module("datastore").Info("suppressed by module level")
	cl.Module("datastore.sqlite").Warn("inherits datastore level")
	require.NoError(t, cl.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		entries = append(entries, entry)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, entries, 2)

	assert.Equal(t, "DEBUG", entries[0]["level"])
	assert.Equal(t, "inspection", entries[0]["module"])
	assert.InDelta(t, 42, entries[0]["bytes"], 0)
	assert.True(t, strings.HasSuffix(entries[0]["time"].(string), "Z"))

	assert.Equal(t, "WARN", entries[1]["level"])
	assert.Equal(t, "datastore.sqlite", entries[1]["module"])
}

func TestNewCentralLogger_InvalidTimezone(t *testing.T) {
	t.Parallel()

	_, err := logger.NewCentralLogger(&logger.LoggingConfig{Timezone: "Mars/Olympus"})
	require.Error(t, err)

	_, err = logger.NewCentralLogger(nil)
	require.Error(t, err)
}

func TestGlobalLogger(t *testing.T) {
	cl, err := logger.NewCentralLogger(&logger.LoggingConfig{
		Console: &logger.ConsoleOutput{Enabled: false},
	})
	require.NoError(t, err)

	previous := logger.Global()
	logger.SetGlobal(cl)
	t.Cleanup(func() { logger.SetGlobal(previous) })

	assert.Same(t, cl, logger.Global())
	assert.NotNil(t, logger.Global().Module("api"))
}
