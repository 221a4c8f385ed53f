package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

// ManifestEntry describes one model artifact in the manifest file.
type ManifestEntry struct {
	Version             string  `json:"version"`
	Filename            string  `json:"filename"`
	SizeBytes           int64   `json:"size_bytes"`
	Checksum            string  `json:"checksum"`
	Description         string  `json:"description,omitempty"`
	InputShape          []int64 `json:"input_shape,omitempty"`
	OutputShape         []int64 `json:"output_shape,omitempty"`
	AccuracyBaseline    float64 `json:"accuracy_baseline,omitempty"`
	PerformanceTargetMs float64 `json:"performance_target_ms,omitempty"`
	Quantized           bool    `json:"quantized,omitempty"`
	// Alternates are other installed versions of the same kind, served only
	// to experiment variants that name them.
	Alternates []ManifestEntry `json:"alternates,omitempty"`
}

// Manifest is the on-disk index of installed models.
type Manifest struct {
	SchemaVersion        string                   `json:"schema_version"`
	CreatedAt            string                   `json:"created_at,omitempty"`
	UpdatedAt            string                   `json:"updated_at,omitempty"`
	FrameworkVersion     string                   `json:"framework_version,omitempty"`
	CompatibilityVersion string                   `json:"compatibility_version,omitempty"`
	TotalSizeMB          float64                  `json:"total_size_mb"`
	Models               map[string]ManifestEntry `json:"models"`
}

// NewManifest returns an empty manifest stamped with the current time.
func NewManifest() *Manifest {
	now := time.Now().UTC().Format(time.RFC3339)
	return &Manifest{
		SchemaVersion: "1.0",
		CreatedAt:     now,
		UpdatedAt:     now,
		Models:        make(map[string]ManifestEntry),
	}
}

// LoadManifest reads a manifest from disk. A missing file yields an empty
// manifest and no error.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewManifest(), nil
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Models == nil {
		m.Models = make(map[string]ManifestEntry)
	}
	return m, nil
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	out := *m
	out.Models = make(map[string]ManifestEntry, len(m.Models))
	for k, v := range m.Models {
		v.InputShape = append([]int64(nil), v.InputShape...)
		v.OutputShape = append([]int64(nil), v.OutputShape...)
		v.Alternates = append([]ManifestEntry(nil), v.Alternates...)
		out.Models[k] = v
	}
	return &out
}

// Kinds returns the recognised kinds present in the manifest, sorted.
func (m *Manifest) Kinds() []api.ModelKind {
	kinds := make([]api.ModelKind, 0, len(m.Models))
	for name := range m.Models {
		if kind, ok := api.ParseModelKind(name); ok {
			kinds = append(kinds, kind)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (m *Manifest) recomputeTotal() {
	var total int64
	for _, e := range m.Models {
		total += e.SizeBytes
	}
	m.TotalSizeMB = float64(total) / (1024 * 1024)
}

// Save writes the manifest atomically: temp file in the same directory,
// fsync, then rename over the target.
func (m *Manifest) Save(path string) error {
	m.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if m.CreatedAt == "" {
		m.CreatedAt = m.UpdatedAt
	}
	m.recomputeTotal()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return writeFileAtomic(path, data, 0644)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
