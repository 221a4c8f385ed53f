// Package runtime wires the registry, cache, pipeline, monitor and update
// service into one process-wide Service.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/takuphilchan/offgrid-docai/internal/abtest"
	"github.com/takuphilchan/offgrid-docai/internal/config"
	"github.com/takuphilchan/offgrid-docai/internal/inference"
	"github.com/takuphilchan/offgrid-docai/internal/logging"
	"github.com/takuphilchan/offgrid-docai/internal/maintenance"
	"github.com/takuphilchan/offgrid-docai/internal/metrics"
	"github.com/takuphilchan/offgrid-docai/internal/models"
	"github.com/takuphilchan/offgrid-docai/internal/perf"
	"github.com/takuphilchan/offgrid-docai/internal/resource"
	"github.com/takuphilchan/offgrid-docai/internal/scheduler"
	"github.com/takuphilchan/offgrid-docai/internal/store"
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

var (
	// ErrNotInitialized is returned by every operation before Initialize succeeds.
	ErrNotInitialized = errors.New("runtime: service not initialized")
	// ErrInsufficientResources means the startup memory check failed.
	ErrInsufficientResources = errors.New("runtime: insufficient resources")
	// ErrNoHistory means no data_dir is configured.
	ErrNoHistory = errors.New("runtime: history store disabled")
)

// historyRetention bounds what the prune task keeps in SQLite.
const historyRetention = 30 * 24 * time.Hour

// Option customises a Service before Initialize.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithBackend replaces the backend chosen by config.
func WithBackend(b inference.Backend) Option {
	return func(s *Service) { s.backend = b }
}

// WithProfiler replaces hardware detection.
func WithProfiler(p *resource.Profiler) Option {
	return func(s *Service) { s.profiler = p }
}

// WithMemorySampler replaces the system memory source.
func WithMemorySampler(fn resource.MemorySampler) Option {
	return func(s *Service) { s.sampler = fn }
}

// WithMemoryProbe replaces the process memory probe used for metrics.
func WithMemoryProbe(fn func() uint64) Option {
	return func(s *Service) { s.memoryProbe = fn }
}

// WithHTTPClient sets the client used for update requests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

// WithDiskUsage replaces the disk usage source used before installs.
func WithDiskUsage(fn maintenance.UsageFunc) Option {
	return func(s *Service) { s.diskUsage = fn }
}

// WithMetrics shares an existing collector set.
func WithMetrics(m *metrics.DocAIMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service is the single entry point for inference and operations.
type Service struct {
	mu          sync.RWMutex
	initialized bool
	closed      bool

	cfg    *config.Config
	logger *logging.Logger

	backend     inference.Backend
	profiler    *resource.Profiler
	sampler     resource.MemorySampler
	memoryProbe func() uint64
	httpClient  *http.Client
	diskUsage   maintenance.UsageFunc

	pressure  *resource.Monitor
	registry  *models.Registry
	validator *models.Validator
	updater   *models.UpdateService
	cache     *inference.ModelCache
	pipeline  *inference.Pipeline
	monitor   *perf.Monitor
	abtests   *abtest.Coordinator
	metrics   *metrics.DocAIMetrics
	history   *store.SQLiteStore
	disk      *maintenance.DiskManager

	tasks      []*scheduler.Task
	taskCancel context.CancelFunc
}

// New creates a service for cfg. Nothing is loaded until Initialize.
func New(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.LoadConfig()
	}
	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Default()
	}
	s.logger = s.logger.Component("runtime")
	return s
}

// Config returns the configuration the service was built with.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// Initialize checks resources, loads the registry and starts background
// tasks. It is safe to call more than once; later calls are no-ops.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	if s.closed {
		return errors.New("runtime: service closed")
	}
	cfg := s.cfg
	logger := s.logger

	s.pressure = resource.NewMonitor(cfg.PressureCheckInterval(), cfg.PressureThresholdPercent, logger)
	if s.sampler != nil {
		s.pressure.SetSampler(s.sampler)
	}
	if ok, err := s.pressure.CheckAvailableMemory(cfg.MinFreeMemoryMB); !ok {
		return fmt.Errorf("%w: %v", ErrInsufficientResources, err)
	}

	s.registry = models.NewRegistry(manifestPath(cfg), cfg.ModelsDir, logger)
	if err := s.registry.Load(); err != nil {
		return fmt.Errorf("failed to load model registry: %w", err)
	}
	s.validator = models.NewValidator(logger)

	if s.profiler == nil {
		s.profiler = resource.NewProfiler()
	}
	caps := s.profiler.Capabilities()
	if s.backend == nil {
		s.backend = newBackend(cfg, logger)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(true)
	}

	loader := inference.NewRegistryLoader(s.registry, s.validator, s.profiler, s.backend, inference.LoaderConfig{
		DefaultSizeBytes: cfg.DefaultModelSizeBytes(),
		NumThreads:       cfg.NumThreads,
	}, logger)
	s.cache = inference.NewModelCache(cfg.CacheBudgetBytes(), loader.Load, logger)
	s.cache.SetObserver(s.metrics.CacheEvent)

	s.monitor = perf.NewMonitor(perf.Config{
		Enabled:             cfg.MonitoringEnabled,
		BenchmarkIterations: cfg.BenchmarkIterations,
		RegressionInterval:  cfg.RegressionInterval(),
	}, logger)
	s.monitor.SetCapabilities(caps)
	s.monitor.SetCacheSource(s.cache.Stats)
	s.monitor.SetProber(prober{s})
	s.monitor.ConfigureRegressionThresholds(thresholdsFromConfig(cfg.RegressionThresholds, logger)...)
	s.monitor.OnAlert(func(a perf.Alert) {
		s.metrics.AlertRaised(string(a.Type), string(a.Severity))
	})

	heuristics := inference.DefaultHeuristicConfig()
	heuristics.ConfidenceCeiling = cfg.HeuristicConfidenceCeiling
	if cfg.ZScoreThreshold > 0 {
		heuristics.ZScoreThreshold = cfg.ZScoreThreshold
	}
	s.pipeline = inference.NewPipeline(s.cache, inference.Recorders{s.monitor, s.metrics}, inference.PipelineConfig{
		Timeout:    cfg.InferenceTimeout(),
		Heuristics: heuristics,
	}, logger)
	if s.memoryProbe != nil {
		s.pipeline.SetMemoryProbe(s.memoryProbe)
		s.monitor.SetMemoryProbe(s.memoryProbe)
	}

	s.abtests = abtest.NewCoordinator(abtest.Defaults{
		MinSampleSize:       cfg.ABMinSampleSize,
		ConfidenceThreshold: cfg.ABConfidenceThreshold,
	}, logger)

	if cfg.DataDir != "" {
		history, err := store.NewSQLiteStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open history store: %w", err)
		}
		s.history = history
		s.monitor.SetSink(history)
		s.abtests.SetSink(history)
	}

	s.updater = models.NewUpdateService(models.UpdateConfig{
		BaseURL:          cfg.UpdateBaseURL,
		Token:            cfg.UpdateToken,
		Timeout:          cfg.UpdateTimeout(),
		DownloadTimeout:  cfg.DownloadTimeout(),
		MaxDownloadBytes: cfg.MaxDownloadBytes(),
		ValidateChecksum: cfg.UpdateValidateChecksum,
		Backup:           cfg.UpdateBackup,
		RetryAttempts:    cfg.UpdateRetryAttempts,
	}, s.registry, logger)
	if s.httpClient != nil {
		s.updater.SetHTTPClient(s.httpClient)
	}
	s.disk = maintenance.NewDiskManager(maintenance.Config{
		ModelsDir:    cfg.ModelsDir,
		MinFreeBytes: cfg.MinFreeDiskMB << 20,
		KeepBackups:  cfg.KeepBackups,
	}, logger)
	if s.diskUsage != nil {
		s.disk.SetUsageFunc(s.diskUsage)
	}
	s.updater.SetSpaceCheck(s.disk.EnsureFree)
	s.updater.OnInstalled(func(d models.Descriptor) {
		s.cache.Invalidate(d.Kind)
		s.metrics.ModelInstalled(d.Kind, d.Version)
	})
	for _, d := range s.registry.List() {
		s.metrics.ModelInstalled(d.Kind, d.Version)
	}

	s.pressure.OnPressure(func(st resource.Stats) {
		n := s.cache.Clear()
		s.logger.Warn("memory pressure, model cache cleared", map[string]any{
			"usage_percent": st.MemoryUsagePercent,
			"released":      n,
		})
	})
	if err := s.startTasks(); err != nil {
		s.stopTasks()
		if s.history != nil {
			s.history.Close()
		}
		return err
	}

	s.initialized = true
	s.logger.Info("service initialized", map[string]any{
		"backend":     s.backend.Name(),
		"models":      len(s.registry.List()),
		"cache":       s.cache.Stats().String(),
		"accelerated": caps.Accelerated(),
	})
	return nil
}

func manifestPath(cfg *config.Config) string {
	if cfg.ManifestPath != "" {
		return cfg.ManifestPath
	}
	return filepath.Join(cfg.ModelsDir, "manifest.json")
}

func newBackend(cfg *config.Config, logger *logging.Logger) inference.Backend {
	if cfg.Backend == "mock" {
		return inference.NewMockBackend()
	}
	return inference.NewONNXBackend(inference.ONNXConfig{
		LibraryPath: cfg.ONNXLibraryPath,
		NumThreads:  cfg.NumThreads,
	}, logger)
}

// thresholdsFromConfig converts the config map. The keys "default" and "*"
// set the threshold for kinds without their own.
func thresholdsFromConfig(settings map[string]config.RegressionSetting, logger *logging.Logger) []perf.RegressionThreshold {
	var out []perf.RegressionThreshold
	for name, st := range settings {
		var kind api.ModelKind
		switch strings.ToLower(name) {
		case "default", "*", "":
		default:
			k, ok := api.ParseModelKind(name)
			if !ok {
				logger.Warn("ignoring regression threshold for unknown kind", map[string]any{"kind": name})
				continue
			}
			kind = k
		}
		out = append(out, perf.RegressionThreshold{
			Kind:             kind,
			MaxInferenceTime: time.Duration(st.MaxInferenceMs * float64(time.Millisecond)),
			MaxMemoryBytes:   uint64(st.MaxMemoryMB * 1024 * 1024),
			MinSuccessRate:   st.MinSuccessRate,
			MinCacheHitRate:  st.MinCacheHitRate,
		})
	}
	return out
}

func (s *Service) startTasks() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.taskCancel = cancel

	if err := s.pressure.Start(ctx); err != nil {
		return fmt.Errorf("failed to start memory monitor: %w", err)
	}
	if s.cfg.MonitoringEnabled && s.cfg.RegressionInterval() > 0 {
		s.tasks = append(s.tasks, scheduler.NewTask("regression", s.cfg.RegressionInterval(), func(ctx context.Context) error {
			if !s.monitor.RunRegressionTests(ctx) {
				return errors.New("regression thresholds violated")
			}
			return nil
		}, s.logger))
	}
	if s.cfg.UpdateBaseURL != "" && s.cfg.UpdateCheckInterval() > 0 {
		s.tasks = append(s.tasks, scheduler.NewTask("update-check", s.cfg.UpdateCheckInterval(), func(ctx context.Context) error {
			updates, err := s.updater.CheckForUpdates(ctx)
			if err != nil {
				return err
			}
			if len(updates) > 0 {
				s.logger.Info("model updates available", map[string]any{"count": len(updates)})
			}
			return nil
		}, s.logger))
	}
	if s.cfg.DiskCleanupInterval() > 0 {
		s.tasks = append(s.tasks, scheduler.NewTask("disk-cleanup", s.cfg.DiskCleanupInterval(), func(ctx context.Context) error {
			report := s.disk.Cleanup(ctx)
			if len(report.Errors) > 0 {
				return fmt.Errorf("disk cleanup: %s", report.Errors[0])
			}
			return nil
		}, s.logger))
	}
	if s.history != nil {
		s.tasks = append(s.tasks, scheduler.NewTask("history-prune", 24*time.Hour, func(ctx context.Context) error {
			_, err := s.history.Prune(ctx, time.Now().Add(-historyRetention))
			return err
		}, s.logger))
	}
	for _, t := range s.tasks {
		if err := t.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) stopTasks() {
	for _, t := range s.tasks {
		t.Stop()
	}
	s.tasks = nil
	if s.pressure != nil {
		s.pressure.Stop()
	}
	if s.taskCancel != nil {
		s.taskCancel()
		s.taskCancel = nil
	}
}

// Close stops background tasks, releases cached models and closes the
// history store.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.initialized {
		return nil
	}
	s.initialized = false

	s.stopTasks()
	released := s.cache.Clear()

	var errs []error
	if sd, ok := s.backend.(interface{ Shutdown() error }); ok {
		if err := sd.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down backend: %w", err))
		}
	}
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close history store: %w", err))
		}
	}
	s.logger.Info("service closed", map[string]any{"released_models": released})
	return errors.Join(errs...)
}

// ready returns the service once initialized.
func (s *Service) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Initialized reports whether Initialize has succeeded.
func (s *Service) Initialized() bool {
	return s.ready() == nil
}

// prober benchmarks through the live pipeline with synthetic payloads.
type prober struct{ s *Service }

func (p prober) AvailableKinds() []api.ModelKind {
	descriptors := p.s.registry.List()
	kinds := make([]api.ModelKind, 0, len(descriptors))
	for _, d := range descriptors {
		kinds = append(kinds, d.Kind)
	}
	return kinds
}

func (p prober) Probe(ctx context.Context, kind api.ModelKind) *api.Inference {
	return p.s.pipeline.Infer(ctx, kind, inference.SyntheticPayload(kind))
}
