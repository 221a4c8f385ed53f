package models

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/takuphilchan/offgrid-docai/internal/logging"
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// seedRegistry writes one artifact plus a manifest describing it and
// returns a loaded registry.
func seedRegistry(t *testing.T, kind api.ModelKind, version string, data []byte) *Registry {
	t.Helper()
	dir := t.TempDir()
	filename := string(kind) + "-" + version + ".onnx"
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), data, 0644))

	m := NewManifest()
	m.Models[string(kind)] = ManifestEntry{
		Version:     version,
		Filename:    filename,
		SizeBytes:   int64(len(data)),
		Checksum:    sha(data),
		Description: "seeded",
		InputShape:  []int64{1, 1, 32, 32},
		OutputShape: []int64{1, 8},
	}
	manifestPath := filepath.Join(dir, "manifest.json")
	require.NoError(t, m.Save(manifestPath))

	r := NewRegistry(manifestPath, dir, logging.Discard())
	require.NoError(t, r.Load())
	return r
}
