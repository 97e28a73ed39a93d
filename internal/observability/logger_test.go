// File: internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/chauffeur/internal/config"
)

// syncBuffer adapts a bytes.Buffer to zapcore.WriteSyncer so tests can
// capture console output without touching os.Stdout.
type syncBuffer struct {
	bytes.Buffer
}

func (*syncBuffer) Sync() error { return nil }

func initTestLogger(t *testing.T, cfg config.LoggerConfig) *syncBuffer {
	t.Helper()
	ResetForTest()
	t.Cleanup(ResetForTest)

	buf := &syncBuffer{}
	Initialize(cfg, zapcore.Lock(buf))
	return buf
}

func TestInitializeConsoleLogger(t *testing.T) {
	buf := initTestLogger(t, config.LoggerConfig{
		Level:       "debug",
		Format:      "console",
		ServiceName: "testservice",
	})

	GetLogger().Info("This is a test message.")

	output := buf.String()
	assert.Contains(t, output, "INFO", "output should contain the log level")
	assert.Contains(t, output, "This is a test message.")
	assert.Contains(t, output, "testservice.", "output should carry the named component")
}

func TestInitializeJSONLogger(t *testing.T) {
	buf := initTestLogger(t, config.LoggerConfig{
		Level:       "info",
		Format:      "json",
		ServiceName: "testservice",
	})

	GetLogger().Warn("structured warning")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "JSON format must produce parseable lines")
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "structured warning", entry["msg"])
}

func TestLevelFiltering(t *testing.T) {
	buf := initTestLogger(t, config.LoggerConfig{
		Level:       "warn",
		Format:      "json",
		ServiceName: "testservice",
	})

	GetLogger().Info("should be dropped")
	GetLogger().Warn("should pass")

	assert.NotContains(t, buf.String(), "should be dropped")
	assert.Contains(t, buf.String(), "should pass")
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	buf := initTestLogger(t, config.LoggerConfig{
		Level:       "not-a-level",
		Format:      "json",
		ServiceName: "testservice",
	})

	GetLogger().Debug("debug is filtered at info")
	GetLogger().Info("info passes")

	assert.NotContains(t, buf.String(), "debug is filtered")
	assert.Contains(t, buf.String(), "info passes")
}

func TestFileCoreWritesJSON(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "chauffeur.log")
	initTestLogger(t, config.LoggerConfig{
		Level:       "info",
		Format:      "console",
		ServiceName: "testservice",
		LogFile:     logFile,
		MaxSize:     1,
	})

	GetLogger().Info("file bound entry")
	Sync()

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"file bound entry"`, "the file core always encodes JSON")
}

func TestGetLoggerBeforeInitializeReturnsFallback(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
	// Must not panic, and must not install itself as the global.
	logger.Info("fallback works")
	assert.Nil(t, globalLogger.Load())
}

func TestInitializeIsIdempotent(t *testing.T) {
	buf := initTestLogger(t, config.LoggerConfig{Level: "info", Format: "json", ServiceName: "first"})

	// A second Initialize must be a no-op under the sync.Once guard.
	other := &syncBuffer{}
	Initialize(config.LoggerConfig{Level: "debug", Format: "console", ServiceName: "second"}, zapcore.Lock(other))

	GetLogger().Info("routed to first")
	assert.Contains(t, buf.String(), "routed to first")
	assert.Empty(t, other.String())
}
