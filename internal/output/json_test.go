package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takuphilchan/offgrid-docai/internal/models"
	"github.com/takuphilchan/offgrid-docai/internal/resource"
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

func capture(t *testing.T, jsonMode bool) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevWriter, prevMode := Writer, JSONMode
	Writer, JSONMode = &buf, jsonMode
	t.Cleanup(func() { Writer, JSONMode = prevWriter, prevMode })
	return &buf
}

func TestSuccessOnlyWritesInJSONMode(t *testing.T) {
	buf := capture(t, false)
	require.NoError(t, Success("done", nil))
	assert.Empty(t, buf.String())

	buf = capture(t, true)
	require.NoError(t, Success("done", map[string]int{"n": 2}))
	var got CommandResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.True(t, got.Success)
	assert.Equal(t, "done", got.Message)
}

func TestErrorCarriesMessage(t *testing.T) {
	buf := capture(t, true)
	require.NoError(t, Error("install failed", errors.New("checksum mismatch")))
	var got CommandResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.False(t, got.Success)
	assert.Equal(t, "checksum mismatch", got.Error)
}

func TestConversions(t *testing.T) {
	m := NewModelInfo(models.Descriptor{Kind: api.KindTableDetection, Version: "1.2.0", SizeBytes: 3 << 20, FilePath: "/m/t.onnx"})
	assert.Equal(t, "3.0 MiB", m.Size)
	assert.Equal(t, "table_detection", m.Kind)

	p := NewDownloadProgress(models.DownloadProgress{Kind: api.KindTableDetection, Status: "failed", Speed: 2048, Error: errors.New("boom")})
	assert.Equal(t, "2.0 KiB/s", p.Speed)
	assert.Equal(t, "boom", p.Error)

	s := NewSystemInfo(resource.Capability{CPUCores: 8, TotalRAMMB: 16384, ComputeQueueAvailable: true, GPUMemoryMB: 4096})
	assert.Equal(t, "16 GiB", s.Memory)
	assert.Equal(t, "4.0 GiB", s.GPUMemory)
	assert.True(t, s.Accelerated)
}
