package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, LevelFromString(" DEBUG "))
	assert.Equal(t, slog.LevelWarn, LevelFromString("warning"))
	assert.Equal(t, slog.LevelError, LevelFromString("error"))
	assert.Equal(t, slog.LevelInfo, LevelFromString("nonsense"))
}

func TestNewWritesJSONWithService(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "ride-api", "warn")
	logger.Info("ignored")
	logger.Warn("ride_created", "ride_id", "r1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "ride_created", rec["msg"])
	assert.Equal(t, "ride-api", rec["service"])
	assert.Equal(t, "r1", rec["ride_id"])
	assert.Contains(t, rec, "source")
}
