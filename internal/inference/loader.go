package inference

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/takuphilchan/offgrid-docai/internal/logging"
	"github.com/takuphilchan/offgrid-docai/internal/models"
	"github.com/takuphilchan/offgrid-docai/internal/resource"
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

// Resolver maps a kind and version to its installed descriptor. An empty
// version names the installed one.
type Resolver interface {
	ResolveVersion(kind api.ModelKind, version string) (models.Descriptor, bool)
}

// Checker verifies an artifact before it is loaded.
type Checker interface {
	Check(ctx context.Context, d models.Descriptor) error
}

// CapabilityProvider reports hardware capabilities.
type CapabilityProvider interface {
	Capabilities() resource.Capability
}

// LoaderConfig tunes RegistryLoader.
type LoaderConfig struct {
	// DefaultSizeBytes is charged to the cache when neither the descriptor
	// nor the file reports a size.
	DefaultSizeBytes int64
	NumThreads       int
}

// RegistryLoader resolves, verifies and loads models, trying execution
// paths from most to least capable.
type RegistryLoader struct {
	resolver Resolver
	checker  Checker
	caps     CapabilityProvider
	backend  Backend
	cfg      LoaderConfig
	logger   *logging.Logger
}

// NewRegistryLoader creates a loader. checker and caps may be nil.
func NewRegistryLoader(resolver Resolver, checker Checker, caps CapabilityProvider, backend Backend, cfg LoaderConfig, logger *logging.Logger) *RegistryLoader {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.DefaultSizeBytes <= 0 {
		cfg.DefaultSizeBytes = 50 << 20
	}
	return &RegistryLoader{
		resolver: resolver,
		checker:  checker,
		caps:     caps,
		backend:  backend,
		cfg:      cfg,
		logger:   logger.Component("loader"),
	}
}

// Load satisfies Loader.
func (l *RegistryLoader) Load(ctx context.Context, key ModelKey) (*LoadedModel, error) {
	kind := key.Kind
	d, ok := l.resolver.ResolveVersion(kind, key.Version)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not installed", models.ErrModelUnavailable, key)
	}
	if l.checker != nil {
		if err := l.checker.Check(ctx, d); err != nil {
			return nil, err
		}
	}

	var caps resource.Capability
	if l.caps != nil {
		caps = l.caps.Capabilities()
	}

	var errs []error
	for _, path := range ExecutionPaths(caps) {
		opts := LoadOptions{
			Path:        path,
			UseFP16:     caps.SupportsFP16 && path != PathCPU,
			NumThreads:  l.cfg.NumThreads,
			InputShape:  d.InputShape,
			OutputShape: d.OutputShape,
		}
		h, err := l.backend.Load(ctx, d, opts)
		if err != nil {
			l.logger.Warn("execution path failed, degrading", map[string]any{
				"kind":  kind,
				"path":  path,
				"error": err.Error(),
			})
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return &LoadedModel{
			Descriptor: d,
			Handle:     h,
			SizeBytes:  l.sizeOf(d),
			Path:       path,
			FP16:       opts.UseFP16,
		}, nil
	}
	return nil, fmt.Errorf("failed to load %s %s on %s: %w", kind, d.Version, l.backend.Name(), errors.Join(errs...))
}

func (l *RegistryLoader) sizeOf(d models.Descriptor) int64 {
	if d.SizeBytes > 0 {
		return d.SizeBytes
	}
	if info, err := os.Stat(d.FilePath); err == nil && info.Size() > 0 {
		return info.Size()
	}
	return l.cfg.DefaultSizeBytes
}
