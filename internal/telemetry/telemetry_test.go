package telemetry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceChat/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for name, want := range tests {
		assert.Equal(t, want, ParseLevel(name), name)
	}
}

func TestInitLoggerWritesToFile(t *testing.T) {
	dir := t.TempDir()
	cfg := config.LogConfig{Dir: dir, File: "test.log", Level: "info", MaxSize: 1}

	logger, cleanup, err := InitLogger(cfg, false)
	require.NoError(t, err)

	logger.Info("hello", "key", "value")
	cleanup()

	data, err := os.ReadFile(filepath.Join(dir, "test.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"key":"value"`)
}

func TestInitTelemetryDisabledReturnsNoop(t *testing.T) {
	providers, cleanup, err := InitTelemetry(context.Background(), config.TelemetryConfig{}, config.LogConfig{})
	require.NoError(t, err)
	defer cleanup()

	require.NotNil(t, providers.Tracer)
	require.NotNil(t, providers.Meter)

	_, span := providers.Tracer.Start(context.Background(), "noop")
	span.End()
	RequestDuration(context.Background(), providers.Meter, time.Now())
	Count(context.Background(), providers.Meter, "test.count", "test counter", 1)
}

func TestInitTelemetryEnabled(t *testing.T) {
	dir := t.TempDir()
	cfg := config.TelemetryConfig{Enabled: true, ServiceName: "voicechat-test", ExportInterval: time.Hour}

	providers, cleanup, err := InitTelemetry(context.Background(), cfg, config.LogConfig{Dir: dir, MaxSize: 1})
	require.NoError(t, err)

	_, span := providers.Tracer.Start(context.Background(), "op")
	span.End()
	cleanup()

	_, err = os.Stat(filepath.Join(dir, "voicechat-test_traces.log"))
	assert.NoError(t, err)
}
