package runtime

import (
	"context"
	"fmt"
	"net/http"

	"github.com/takuphilchan/offgrid-docai/internal/abtest"
	"github.com/takuphilchan/offgrid-docai/internal/inference"
	"github.com/takuphilchan/offgrid-docai/internal/maintenance"
	"github.com/takuphilchan/offgrid-docai/internal/models"
	"github.com/takuphilchan/offgrid-docai/internal/perf"
	"github.com/takuphilchan/offgrid-docai/internal/resource"
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

type inferOptions struct {
	callerID string
	testName string
}

// InferOption customises a single Infer call.
type InferOption func(*inferOptions)

// WithExperiment runs the call on the model version of the caller's variant
// in testName and records the outcome against that variant. Variants without
// a version, or calls for a kind the test does not cover, use the installed
// model.
func WithExperiment(callerID, testName string) InferOption {
	return func(o *inferOptions) {
		o.callerID = callerID
		o.testName = testName
	}
}

// Infer runs kind over payload. The only error is ErrNotInitialized; model
// failures degrade to the heuristic result.
func (s *Service) Infer(ctx context.Context, kind api.ModelKind, payload api.Payload, opts ...InferOption) (*api.Inference, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var o inferOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg, variant, tagged := s.experimentVariant(o, kind)
	version := ""
	if tagged && variant.ModelVersion != s.registry.Version(kind) {
		version = variant.ModelVersion
	}

	res := s.pipeline.InferVersion(ctx, kind, version, payload)
	s.metrics.SetCacheUsage(s.cache.UsedBytes(), s.cache.BudgetBytes())
	if tagged {
		s.recordExperiment(o, cfg, variant, res)
	}
	return res, nil
}

func (s *Service) experimentVariant(o inferOptions, kind api.ModelKind) (abtest.Config, abtest.Variant, bool) {
	if o.testName == "" {
		return abtest.Config{}, abtest.Variant{}, false
	}
	cfg, ok := s.abtests.Config(o.testName)
	if !ok || cfg.Kind != kind {
		return abtest.Config{}, abtest.Variant{}, false
	}
	variant, ok := s.abtests.VariantFor(o.callerID, o.testName)
	if !ok {
		return abtest.Config{}, abtest.Variant{}, false
	}
	return cfg, variant, true
}

// recordExperiment maps the inference onto the test's target metric.
// Satisfaction and custom metrics come from callers via RecordABResult.
func (s *Service) recordExperiment(o inferOptions, cfg abtest.Config, variant abtest.Variant, res *api.Inference) {
	var value float64
	switch cfg.TargetMetric {
	case abtest.MetricAccuracy:
		value = res.Confidence
	case abtest.MetricSpeed:
		value = float64(res.Duration.Microseconds()) / 1000
	case abtest.MetricErrorRate:
		if !res.IsNative() {
			value = 1
		}
	case abtest.MetricMemory:
		value = float64(resource.ProcessRSS()) / (1 << 20)
	default:
		return
	}
	err := s.abtests.RecordResult(abtest.Result{
		TestName:  o.testName,
		VariantID: variant.ID,
		Metric:    cfg.TargetMetric,
		Value:     value,
		CallerID:  o.callerID,
	})
	if err != nil {
		s.logger.Warn("failed to record experiment result", map[string]any{"test": o.testName, "error": err.Error()})
	}
}

// EnableMonitoring turns performance recording on.
func (s *Service) EnableMonitoring() error {
	if err := s.ready(); err != nil {
		return err
	}
	s.monitor.Enable()
	return nil
}

// DisableMonitoring turns performance recording off.
func (s *Service) DisableMonitoring() error {
	if err := s.ready(); err != nil {
		return err
	}
	s.monitor.Disable()
	return nil
}

// ConfigureRegressionThresholds replaces the regression thresholds.
func (s *Service) ConfigureRegressionThresholds(thresholds ...perf.RegressionThreshold) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.monitor.ConfigureRegressionThresholds(thresholds...)
	return nil
}

// RunBenchmark benchmarks every installed kind.
func (s *Service) RunBenchmark(ctx context.Context) ([]perf.BenchmarkResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.monitor.RunBenchmark(ctx)
}

// RunRegressionTests checks the latest benchmarks against the thresholds.
func (s *Service) RunRegressionTests(ctx context.Context) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	return s.monitor.RunRegressionTests(ctx), nil
}

// LastRegressionReport returns the last regression outcome.
func (s *Service) LastRegressionReport() (perf.RegressionReport, bool, error) {
	if err := s.ready(); err != nil {
		return perf.RegressionReport{}, false, err
	}
	r, ok := s.monitor.LastRegressionReport()
	return r, ok, nil
}

// Dashboard returns a monitoring snapshot.
func (s *Service) Dashboard() (perf.Dashboard, error) {
	if err := s.ready(); err != nil {
		return perf.Dashboard{}, err
	}
	return s.monitor.Dashboard(), nil
}

// ActiveAlerts returns alerts within the retention window.
func (s *Service) ActiveAlerts() ([]perf.Alert, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.monitor.ActiveAlerts(), nil
}

// RecentBenchmarks reads persisted benchmarks, newest first.
func (s *Service) RecentBenchmarks(ctx context.Context, kind api.ModelKind, n int) ([]perf.BenchmarkResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if s.history == nil {
		return nil, ErrNoHistory
	}
	return s.history.RecentBenchmarks(ctx, kind, n)
}

// RecentAlerts reads persisted alerts, newest first.
func (s *Service) RecentAlerts(ctx context.Context, n int) ([]perf.Alert, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if s.history == nil {
		return nil, ErrNoHistory
	}
	return s.history.RecentAlerts(ctx, n)
}

// ClearCache unloads every cached model and returns how many were released.
func (s *Service) ClearCache() (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	n := s.cache.Clear()
	s.metrics.SetCacheUsage(s.cache.UsedBytes(), s.cache.BudgetBytes())
	return n, nil
}

// CacheStats returns model cache statistics.
func (s *Service) CacheStats() (inference.CacheStats, error) {
	if err := s.ready(); err != nil {
		return inference.CacheStats{}, err
	}
	return s.cache.Stats(), nil
}

// Capabilities returns the detected hardware.
func (s *Service) Capabilities() (resource.Capability, error) {
	if err := s.ready(); err != nil {
		return resource.Capability{}, err
	}
	return s.profiler.Capabilities(), nil
}

// MemoryStats samples system memory now. Crossing the pressure threshold
// clears the model cache as the background monitor would.
func (s *Service) MemoryStats() (resource.Stats, error) {
	if err := s.ready(); err != nil {
		return resource.Stats{}, err
	}
	return s.pressure.Sample(), nil
}

// DiskSpace reports usage of the volume holding the models dir.
func (s *Service) DiskSpace(ctx context.Context) (maintenance.DiskSpace, error) {
	if err := s.ready(); err != nil {
		return maintenance.DiskSpace{}, err
	}
	return s.disk.DiskSpace(ctx)
}

// CleanupDisk removes stale partial downloads and surplus backups now.
func (s *Service) CleanupDisk(ctx context.Context) (maintenance.CleanupReport, error) {
	if err := s.ready(); err != nil {
		return maintenance.CleanupReport{}, err
	}
	return s.disk.Cleanup(ctx), nil
}

// Models lists the installed models.
func (s *Service) Models() ([]models.Descriptor, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.registry.List(), nil
}

// ValidateModels checks every installed artifact against its manifest entry.
func (s *Service) ValidateModels(ctx context.Context) ([]*models.ValidationResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var results []*models.ValidationResult
	for _, d := range s.registry.List() {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, s.validator.ValidateModel(ctx, d))
	}
	return results, nil
}

// CheckForUpdates lists kinds with a newer version on the update server.
func (s *Service) CheckForUpdates(ctx context.Context) ([]models.UpdateInfo, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.updater.CheckForUpdates(ctx)
}

// SetUpdateProgress registers a download progress callback.
func (s *Service) SetUpdateProgress(fn func(models.DownloadProgress)) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.updater.SetProgressCallback(fn)
	return nil
}

// InstallUpdate downloads and installs info. The cached model for the kind
// is invalidated on success so the next call loads the new version.
func (s *Service) InstallUpdate(ctx context.Context, info models.UpdateInfo) (models.Descriptor, error) {
	if err := s.ready(); err != nil {
		return models.Descriptor{}, err
	}
	d, err := s.updater.Install(ctx, info)
	s.metrics.UpdateResult(info.Kind, err)
	return d, err
}

// ConfigureABTest registers an experiment.
func (s *Service) ConfigureABTest(cfg abtest.Config) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.abtests.Configure(cfg)
}

// VariantFor returns the caller's variant in testName.
func (s *Service) VariantFor(callerID, testName string) (abtest.Variant, bool, error) {
	if err := s.ready(); err != nil {
		return abtest.Variant{}, false, err
	}
	v, ok := s.abtests.VariantFor(callerID, testName)
	return v, ok, nil
}

// RecordABResult records an externally measured outcome.
func (s *Service) RecordABResult(r abtest.Result) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.abtests.RecordResult(r)
}

// AnalyzeABTest compares the variants of testName.
func (s *Service) AnalyzeABTest(testName string) (abtest.Analysis, error) {
	if err := s.ready(); err != nil {
		return abtest.Analysis{}, err
	}
	a, ok := s.abtests.Analyze(testName)
	if !ok {
		return abtest.Analysis{}, fmt.Errorf("%w: %s", abtest.ErrUnknownTest, testName)
	}
	return a, nil
}

// EndABTest discards the results of testName.
func (s *Service) EndABTest(testName string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.abtests.EndTest(testName)
}

// MetricsHandler serves Prometheus metrics. It works before Initialize but
// reports nothing until then.
func (s *Service) MetricsHandler() http.Handler {
	s.mu.RLock()
	m := s.metrics
	s.mu.RUnlock()
	if m == nil {
		return http.NotFoundHandler()
	}
	return m.Handler()
}
