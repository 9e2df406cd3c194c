package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fentz26/conductor/internal/config"
)

func TestJSONLoggerCarriesService(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LogConfig{Level: "info", Format: "json"}, "conductor", &buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("seat released", zap.String("run_id", "run-1"))
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "seat released", entry["msg"])
	assert.Equal(t, "conductor", entry["service"])
	assert.Equal(t, "run-1", entry["run_id"])
	assert.Contains(t, entry, "ts")
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LogConfig{Level: "debug", Format: "console"}, "", &buf)
	require.NoError(t, err)

	logger.Debug("tick")
	require.NoError(t, logger.Sync())
	assert.Contains(t, buf.String(), "DEBUG")
	assert.Contains(t, buf.String(), "tick")
}

func TestInvalidLevel(t *testing.T) {
	_, err := NewWithWriter(config.LogConfig{Level: "loud"}, "", &bytes.Buffer{})
	assert.Error(t, err)
}
