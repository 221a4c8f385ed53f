package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf).SetLevel(LevelWarn)

	l.Info("hidden")
	l.Warn("shown", map[string]any{"kind": "table_detection"})

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "kind=table_detection")
}

func TestLoggerSetLevelFromString(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf).SetLevelFromString("debug")
	l.Debug("visible")
	assert.Contains(t, buf.String(), "visible")

	buf.Reset()
	l.SetLevelFromString("not-a-level")
	l.Debug("still visible")
	assert.Contains(t, buf.String(), "still visible")
}

func TestLoggerJSONWithFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf).SetJSON(true).With(map[string]any{"component": "cache"})
	l.Info("evicted", map[string]any{"bytes": 42})

	line := strings.TrimSpace(buf.String())
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &decoded))
	assert.Equal(t, "evicted", decoded["msg"])
	assert.Equal(t, "cache", decoded["component"])
	assert.EqualValues(t, 42, decoded["bytes"])
}
