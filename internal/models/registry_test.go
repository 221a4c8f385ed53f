package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takuphilchan/offgrid-docai/internal/logging"
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

func TestRegistryMissingManifestIsEmpty(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "manifest.json"), dir, logging.Discard())
	require.NoError(t, r.Load())

	_, ok := r.Resolve(api.KindTableDetection)
	assert.False(t, ok)
	assert.Empty(t, r.List())
	assert.Equal(t, "", r.Version(api.KindTableDetection))
}

func TestRegistryLoadSkipsUnknownKinds(t *testing.T) {
	dir := t.TempDir()
	manifest := `{
  "schema_version": "1.0",
  "total_size_mb": 1,
  "models": {
    "table_detection": {"version": "1.2.0", "filename": "table.onnx", "size_bytes": 10, "checksum": "", "performance_target_ms": 120},
    "sentiment": {"version": "0.1", "filename": "s.onnx"}
  }
}`
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0644))

	r := NewRegistry(path, dir, logging.Discard())
	require.NoError(t, r.Load())

	list := r.List()
	require.Len(t, list, 1)
	d := list[0]
	assert.Equal(t, api.KindTableDetection, d.Kind)
	assert.Equal(t, filepath.Join(dir, "table.onnx"), d.FilePath)
	assert.Equal(t, "120ms", d.LatencyTarget.String())
}

func TestRegistryResolveReturnsCopies(t *testing.T) {
	r := seedRegistry(t, api.KindLayoutAnalysis, "1.0", []byte("layout"))
	d, ok := r.Resolve(api.KindLayoutAnalysis)
	require.True(t, ok)
	d.InputShape[0] = 99

	again, _ := r.Resolve(api.KindLayoutAnalysis)
	assert.EqualValues(t, 1, again.InputShape[0])
}

func TestRegistryResolveVersionFindsAlternates(t *testing.T) {
	dir := t.TempDir()
	manifest := `{
  "schema_version": "1.0",
  "models": {
    "document_classifier": {
      "version": "1.0.0", "filename": "dc-1.onnx", "size_bytes": 10,
      "alternates": [
        {"version": "2.0.0-rc.1", "filename": "dc-2rc1.onnx", "size_bytes": 12, "input_shape": [1, 64]},
        {"version": "", "filename": "unversioned.onnx"}
      ]
    }
  }
}`
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0644))
	r := NewRegistry(path, dir, logging.Discard())
	require.NoError(t, r.Load())

	kind := api.KindDocumentClassifier
	d, ok := r.ResolveVersion(kind, "")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", d.Version)

	d, ok = r.ResolveVersion(kind, "1.0.0")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "dc-1.onnx"), d.FilePath)

	d, ok = r.ResolveVersion(kind, "2.0.0-rc.1")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "dc-2rc1.onnx"), d.FilePath)
	assert.EqualValues(t, 12, d.SizeBytes)
	d.InputShape[0] = 99
	again, _ := r.ResolveVersion(kind, "2.0.0-rc.1")
	assert.EqualValues(t, 1, again.InputShape[0])

	_, ok = r.ResolveVersion(kind, "3.0.0")
	assert.False(t, ok)
	_, ok = r.ResolveVersion(api.KindTableDetection, "1.0.0")
	assert.False(t, ok)

	// an update keeps the alternates that differ from the new version
	_, err := r.Commit(kind, ManifestEntry{Version: "1.1.0", Filename: "dc-1.1.onnx"})
	require.NoError(t, err)
	_, ok = r.ResolveVersion(kind, "2.0.0-rc.1")
	assert.True(t, ok)
	assert.Len(t, r.Manifest().Models[string(kind)].Alternates, 2)
}

func TestRegistryCommitPersists(t *testing.T) {
	r := seedRegistry(t, api.KindTableDetection, "1.0", []byte("v1"))

	d, err := r.Commit(api.KindTableDetection, ManifestEntry{Version: "2.0", Filename: "t2.onnx", SizeBytes: 2})
	require.NoError(t, err)
	assert.Equal(t, "2.0", d.Version)

	reloaded := NewRegistry(r.ManifestPath(), r.ModelsDir(), logging.Discard())
	require.NoError(t, reloaded.Load())
	assert.Equal(t, "2.0", reloaded.Version(api.KindTableDetection))

	_, err = r.Commit(api.ModelKind("bogus"), ManifestEntry{Version: "1"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}
