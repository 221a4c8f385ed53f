package models

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/takuphilchan/offgrid-docai/internal/logging"
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

// Descriptor is the resolved, immutable metadata for one installed model.
type Descriptor struct {
	Kind             api.ModelKind `json:"kind"`
	Version          string        `json:"version"`
	Filename         string        `json:"filename"`
	FilePath         string        `json:"file_path"`
	SizeBytes        int64         `json:"size_bytes"`
	Checksum         string        `json:"checksum,omitempty"`
	Description      string        `json:"description,omitempty"`
	InputShape       []int64       `json:"input_shape,omitempty"`
	OutputShape      []int64       `json:"output_shape,omitempty"`
	AccuracyBaseline float64       `json:"accuracy_baseline,omitempty"`
	LatencyTarget    time.Duration `json:"latency_target,omitempty"`
	Quantized        bool          `json:"quantized,omitempty"`
}

// Entry converts a descriptor back to its manifest form.
func (d Descriptor) Entry() ManifestEntry {
	return ManifestEntry{
		Version:             d.Version,
		Filename:            d.Filename,
		SizeBytes:           d.SizeBytes,
		Checksum:            d.Checksum,
		Description:         d.Description,
		InputShape:          append([]int64(nil), d.InputShape...),
		OutputShape:         append([]int64(nil), d.OutputShape...),
		AccuracyBaseline:    d.AccuracyBaseline,
		PerformanceTargetMs: float64(d.LatencyTarget) / float64(time.Millisecond),
		Quantized:           d.Quantized,
	}
}

// Registry resolves model kinds to descriptors backed by a manifest file.
type Registry struct {
	mu           sync.RWMutex
	manifestPath string
	modelsDir    string
	manifest     *Manifest
	descriptors  map[api.ModelKind]Descriptor
	alternates   map[api.ModelKind]map[string]Descriptor
	logger       *logging.Logger
}

// NewRegistry creates a registry for the manifest at manifestPath. Relative
// filenames in the manifest resolve against modelsDir.
func NewRegistry(manifestPath, modelsDir string, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Default()
	}
	return &Registry{
		manifestPath: manifestPath,
		modelsDir:    modelsDir,
		manifest:     NewManifest(),
		descriptors:  make(map[api.ModelKind]Descriptor),
		alternates:   make(map[api.ModelKind]map[string]Descriptor),
		logger:       logger.Component("registry"),
	}
}

// Load (re)reads the manifest. Entries for unknown kinds are skipped with a
// warning. A missing manifest leaves the registry empty.
func (r *Registry) Load() error {
	m, err := LoadManifest(r.manifestPath)
	if err != nil {
		return err
	}

	descriptors := make(map[api.ModelKind]Descriptor, len(m.Models))
	alternates := make(map[api.ModelKind]map[string]Descriptor)
	for name, entry := range m.Models {
		kind, ok := api.ParseModelKind(name)
		if !ok {
			r.logger.Warn("skipping manifest entry with unknown kind", map[string]any{"kind": name})
			continue
		}
		if entry.Filename == "" {
			r.logger.Warn("skipping manifest entry without filename", map[string]any{"kind": name})
			continue
		}
		descriptors[kind] = r.describe(kind, entry)
		if alts := r.describeAlternates(kind, entry); len(alts) > 0 {
			alternates[kind] = alts
		}
	}

	r.mu.Lock()
	r.manifest = m
	r.descriptors = descriptors
	r.alternates = alternates
	r.mu.Unlock()

	r.logger.Info("registry loaded", map[string]any{"models": len(descriptors), "manifest": r.manifestPath})
	return nil
}

func (r *Registry) describe(kind api.ModelKind, e ManifestEntry) Descriptor {
	path := e.Filename
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.modelsDir, e.Filename)
	}
	return Descriptor{
		Kind:             kind,
		Version:          e.Version,
		Filename:         e.Filename,
		FilePath:         path,
		SizeBytes:        e.SizeBytes,
		Checksum:         e.Checksum,
		Description:      e.Description,
		InputShape:       append([]int64(nil), e.InputShape...),
		OutputShape:      append([]int64(nil), e.OutputShape...),
		AccuracyBaseline: e.AccuracyBaseline,
		LatencyTarget:    time.Duration(e.PerformanceTargetMs * float64(time.Millisecond)),
		Quantized:        e.Quantized,
	}
}

func (r *Registry) describeAlternates(kind api.ModelKind, e ManifestEntry) map[string]Descriptor {
	alts := make(map[string]Descriptor, len(e.Alternates))
	for _, alt := range e.Alternates {
		if alt.Version == "" || alt.Filename == "" || alt.Version == e.Version {
			r.logger.Warn("skipping alternate without distinct version or filename", map[string]any{"kind": kind, "version": alt.Version})
			continue
		}
		alts[alt.Version] = r.describe(kind, alt)
	}
	return alts
}

// Resolve returns the descriptor for kind. A missing entry is reported via
// the boolean, never as an error.
func (r *Registry) Resolve(kind api.ModelKind) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[kind]
	if !ok {
		return Descriptor{}, false
	}
	d.InputShape = append([]int64(nil), d.InputShape...)
	d.OutputShape = append([]int64(nil), d.OutputShape...)
	return d, true
}

// ResolveVersion returns the descriptor for a specific version of kind,
// which is either the installed one or one of its alternates. An empty
// version resolves like Resolve.
func (r *Registry) ResolveVersion(kind api.ModelKind, version string) (Descriptor, bool) {
	d, ok := r.Resolve(kind)
	if version == "" || (ok && d.Version == version) {
		return d, ok
	}
	r.mu.RLock()
	d, ok = r.alternates[kind][version]
	r.mu.RUnlock()
	if !ok {
		return Descriptor{}, false
	}
	d.InputShape = append([]int64(nil), d.InputShape...)
	d.OutputShape = append([]int64(nil), d.OutputShape...)
	return d, true
}

// Version returns the installed version for kind, or "" when absent.
func (r *Registry) Version(kind api.ModelKind) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.descriptors[kind].Version
}

// List returns all descriptors sorted by kind.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	kinds := make([]api.ModelKind, 0, len(r.descriptors))
	for k := range r.descriptors {
		kinds = append(kinds, k)
	}
	r.mu.RUnlock()

	api.SortKinds(kinds)
	out := make([]Descriptor, 0, len(kinds))
	for _, k := range kinds {
		if d, ok := r.Resolve(k); ok {
			out = append(out, d)
		}
	}
	return out
}

// Commit records a new entry for kind and persists the manifest. The
// in-memory view changes only after the manifest file was replaced.
func (r *Registry) Commit(kind api.ModelKind, entry ManifestEntry) (Descriptor, error) {
	if !kind.Valid() {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.manifest.Clone()
	if entry.Alternates == nil {
		if prev, ok := next.Models[string(kind)]; ok {
			for _, alt := range prev.Alternates {
				if alt.Version != entry.Version {
					entry.Alternates = append(entry.Alternates, alt)
				}
			}
		}
	}
	next.Models[string(kind)] = entry
	if err := next.Save(r.manifestPath); err != nil {
		return Descriptor{}, fmt.Errorf("failed to persist manifest: %w", err)
	}

	d := r.describe(kind, entry)
	r.manifest = next
	r.descriptors[kind] = d
	r.alternates[kind] = r.describeAlternates(kind, entry)
	return d, nil
}

// ModelsDir returns the directory model files live in.
func (r *Registry) ModelsDir() string { return r.modelsDir }

// ManifestPath returns the manifest file location.
func (r *Registry) ManifestPath() string { return r.manifestPath }

// Manifest returns a copy of the currently loaded manifest.
func (r *Registry) Manifest() *Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.manifest.Clone()
}
