package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takuphilchan/offgrid-docai/internal/abtest"
	"github.com/takuphilchan/offgrid-docai/internal/config"
	"github.com/takuphilchan/offgrid-docai/internal/inference"
	"github.com/takuphilchan/offgrid-docai/internal/logging"
	"github.com/takuphilchan/offgrid-docai/internal/maintenance"
	"github.com/takuphilchan/offgrid-docai/internal/metrics"
	"github.com/takuphilchan/offgrid-docai/internal/models"
	"github.com/takuphilchan/offgrid-docai/internal/perf"
	"github.com/takuphilchan/offgrid-docai/internal/resource"
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// fakeMemory reports a 4 GiB machine with usedPercent in use.
type fakeMemory struct {
	usedPercent atomic.Int64
}

func (f *fakeMemory) sample() (*mem.VirtualMemoryStat, error) {
	const total = 4 << 30
	used := uint64(f.usedPercent.Load()) * total / 100
	return &mem.VirtualMemoryStat{
		Total:       total,
		Used:        used,
		Available:   total - used,
		UsedPercent: float64(f.usedPercent.Load()),
	}, nil
}

type harness struct {
	svc     *Service
	cfg     *config.Config
	backend *inference.MockBackend
	memory  *fakeMemory
	metrics *metrics.DocAIMetrics
	// free bytes reported for the models volume
	diskFree atomic.Uint64
}

func (h *harness) diskUsage(ctx context.Context, path string) (maintenance.DiskSpace, error) {
	free := h.diskFree.Load()
	return maintenance.DiskSpace{TotalBytes: 64 << 30, FreeBytes: free, UsedBytes: 64<<30 - free}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.ModelsDir = t.TempDir()
	cfg.ManifestPath = filepath.Join(cfg.ModelsDir, "manifest.json")
	cfg.DataDir = t.TempDir()
	cfg.Backend = "mock"
	cfg.MinFreeMemoryMB = 256
	cfg.PressureCheckIntervalSec = 3600
	cfg.RegressionIntervalMin = 60
	cfg.UpdateRetryAttempts = 1
	return cfg
}

// writeModels installs a v1.0.0 artifact per kind into cfg.ModelsDir.
func writeModels(t *testing.T, cfg *config.Config, kinds ...api.ModelKind) {
	t.Helper()
	m := models.NewManifest()
	for _, k := range kinds {
		data := []byte("weights-" + string(k) + "-1.0.0")
		filename := string(k) + "-1.0.0.onnx"
		require.NoError(t, os.WriteFile(filepath.Join(cfg.ModelsDir, filename), data, 0644))
		m.Models[string(k)] = models.ManifestEntry{
			Version:   "1.0.0",
			Filename:  filename,
			SizeBytes: int64(len(data)),
			Checksum:  digest(data),
		}
	}
	require.NoError(t, m.Save(cfg.ManifestPath))
}

// writeAlternate installs version of kind next to the current artifact as
// an alternate the registry serves to experiment variants.
func writeAlternate(t *testing.T, cfg *config.Config, kind api.ModelKind, version string) {
	t.Helper()
	m, err := models.LoadManifest(cfg.ManifestPath)
	require.NoError(t, err)
	data := []byte("weights-" + string(kind) + "-" + version)
	filename := string(kind) + "-" + version + ".onnx"
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ModelsDir, filename), data, 0644))
	entry := m.Models[string(kind)]
	entry.Alternates = append(entry.Alternates, models.ManifestEntry{
		Version:   version,
		Filename:  filename,
		SizeBytes: int64(len(data)),
		Checksum:  digest(data),
	})
	m.Models[string(kind)] = entry
	require.NoError(t, m.Save(cfg.ManifestPath))
}

// classifierLogits puts logit on "corporate" and zero elsewhere.
func classifierLogits(logit float32) inference.OutputFunc {
	return func(inference.Tensor) inference.Tensor {
		n := len(inference.DocumentFormats)
		out := inference.Tensor{Shape: []int64{1, int64(n)}, Data: make([]float32, n)}
		for i, f := range inference.DocumentFormats {
			if f == "corporate" {
				out.Data[i] = logit
			}
		}
		return out
	}
}

func newHarness(t *testing.T, cfg *config.Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		cfg:     cfg,
		backend: inference.NewMockBackend(),
		memory:  &fakeMemory{},
		metrics: metrics.New(false),
	}
	h.memory.usedPercent.Store(40)
	h.diskFree.Store(16 << 30)
	base := []Option{
		WithLogger(logging.Discard()),
		WithBackend(h.backend),
		WithProfiler(resource.NewStaticProfiler(resource.Capability{CPUCores: 4, TotalRAMMB: 4096})),
		WithMemorySampler(h.memory.sample),
		WithMemoryProbe(func() uint64 { return 32 << 20 }),
		WithMetrics(h.metrics),
		WithDiskUsage(h.diskUsage),
	}
	h.svc = New(cfg, append(base, opts...)...)
	t.Cleanup(func() { h.svc.Close() })
	return h
}

func initialized(t *testing.T, kinds ...api.ModelKind) *harness {
	t.Helper()
	cfg := testConfig(t)
	writeModels(t, cfg, kinds...)
	h := newHarness(t, cfg)
	require.NoError(t, h.svc.Initialize(context.Background()))
	return h
}

func TestOperationsRequireInitialize(t *testing.T) {
	cfg := testConfig(t)
	writeModels(t, cfg, api.KindTableDetection)
	h := newHarness(t, cfg)
	ctx := context.Background()

	_, err := h.svc.Infer(ctx, api.KindTableDetection, inference.SyntheticPayload(api.KindTableDetection))
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = h.svc.Dashboard()
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = h.svc.ClearCache()
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = h.svc.CacheStats()
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = h.svc.RunBenchmark(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, h.svc.EnableMonitoring(), ErrNotInitialized)
	assert.False(t, h.svc.Initialized())

	require.NoError(t, h.svc.Initialize(ctx))
	require.NoError(t, h.svc.Initialize(ctx))
	assert.True(t, h.svc.Initialized())
}

func TestInitializeFailsOnLowMemory(t *testing.T) {
	cfg := testConfig(t)
	writeModels(t, cfg)
	h := newHarness(t, cfg)
	h.memory.usedPercent.Store(99) // ~41 MB free

	err := h.svc.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrInsufficientResources)
	assert.False(t, h.svc.Initialized())

	_, err = h.svc.Infer(context.Background(), api.KindTableDetection, api.Payload{})
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestInferServesNativeAndCaches(t *testing.T) {
	h := initialized(t, api.KindTableDetection)
	ctx := context.Background()
	payload := inference.SyntheticPayload(api.KindTableDetection)

	first, err := h.svc.Infer(ctx, api.KindTableDetection, payload)
	require.NoError(t, err)
	assert.Equal(t, api.SourceNative, first.Source)
	assert.False(t, first.CacheHit)

	second, err := h.svc.Infer(ctx, api.KindTableDetection, payload)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, 1, h.backend.LoadCount(api.KindTableDetection))

	stats, err := h.svc.CacheStats()
	require.NoError(t, err)
	require.Len(t, stats.Models, 1)
	assert.Equal(t, uint64(1), stats.Hits)

	d, err := h.svc.Dashboard()
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.TotalRequests)
	require.NotNil(t, d.Cache)

	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.InferenceTotal.WithLabelValues(string(api.KindTableDetection), string(api.SourceNative))))
	assert.Equal(t, float64(stats.UsedBytes), testutil.ToFloat64(h.metrics.CacheBytes.WithLabelValues("used")))
}

func TestInferWithoutModelUsesHeuristic(t *testing.T) {
	h := initialized(t, api.KindTableDetection)

	res, err := h.svc.Infer(context.Background(), api.KindFinancialValidation, api.Payload{
		Amounts: map[string]float64{"gross": 1000, "deductions": 200, "net": 800},
	})
	require.NoError(t, err)
	assert.Equal(t, api.SourceHeuristic, res.Source)
	assert.LessOrEqual(t, res.Confidence, 0.8)
	require.NotNil(t, res.Financial)

	res, err = h.svc.Infer(context.Background(), "sentiment", api.Payload{})
	require.NoError(t, err)
	assert.Equal(t, api.SourceUnavailable, res.Source)
}

func TestInstallUpdateInvalidatesCachedModel(t *testing.T) {
	v2 := []byte("weights-table_detection-2.0.0")
	var listing []models.UpdateInfo
	mux := http.NewServeMux()
	mux.HandleFunc("/updates", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(listing)
	})
	mux.HandleFunc("/updates/models/table_detection/2.0.0.onnx", func(w http.ResponseWriter, r *http.Request) {
		w.Write(v2)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	listing = []models.UpdateInfo{{
		Kind:     api.KindTableDetection,
		Version:  "2.0.0",
		Size:     int64(len(v2)),
		Checksum: digest(v2),
	}}

	cfg := testConfig(t)
	cfg.UpdateBaseURL = srv.URL + "/updates"
	writeModels(t, cfg, api.KindTableDetection)
	h := newHarness(t, cfg, WithHTTPClient(srv.Client()))
	ctx := context.Background()
	require.NoError(t, h.svc.Initialize(ctx))

	payload := inference.SyntheticPayload(api.KindTableDetection)
	res, err := h.svc.Infer(ctx, api.KindTableDetection, payload)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", res.ModelVersion)

	updates, err := h.svc.CheckForUpdates(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)

	d, err := h.svc.InstallUpdate(ctx, updates[0])
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", d.Version)

	installed, err := h.svc.Models()
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, "2.0.0", installed[0].Version)

	stats, _ := h.svc.CacheStats()
	assert.Empty(t, stats.Models, "installed kind is evicted from the cache")

	res, err = h.svc.Infer(ctx, api.KindTableDetection, payload)
	require.NoError(t, err)
	assert.Equal(t, api.SourceNative, res.Source)
	assert.Equal(t, "2.0.0", res.ModelVersion)
	assert.Equal(t, []string{"1.0.0", "2.0.0"}, h.backend.LoadedVersions(api.KindTableDetection))

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ModelInfo.WithLabelValues(string(api.KindTableDetection), "2.0.0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.UpdatesTotal.WithLabelValues(string(api.KindTableDetection), "success")))
}

func TestInstallUpdateFailureKeepsModel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/updates/models/table_detection/2.0.0.onnx", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tampered"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := testConfig(t)
	cfg.UpdateBaseURL = srv.URL + "/updates"
	writeModels(t, cfg, api.KindTableDetection)
	h := newHarness(t, cfg, WithHTTPClient(srv.Client()))
	ctx := context.Background()
	require.NoError(t, h.svc.Initialize(ctx))

	_, err := h.svc.InstallUpdate(ctx, models.UpdateInfo{Kind: api.KindTableDetection, Version: "2.0.0", Checksum: digest([]byte("expected"))})
	assert.ErrorIs(t, err, models.ErrUpdateFailed)

	res, err := h.svc.Infer(ctx, api.KindTableDetection, inference.SyntheticPayload(api.KindTableDetection))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", res.ModelVersion)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.UpdatesTotal.WithLabelValues(string(api.KindTableDetection), "failure")))
}

func TestInstallUpdateRefusedWhenDiskFull(t *testing.T) {
	var downloads atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/updates/models/table_detection/2.0.0.onnx", func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		w.Write([]byte("weights-v2"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := testConfig(t)
	cfg.UpdateBaseURL = srv.URL + "/updates"
	writeModels(t, cfg, api.KindTableDetection)
	h := newHarness(t, cfg, WithHTTPClient(srv.Client()))
	ctx := context.Background()
	require.NoError(t, h.svc.Initialize(ctx))

	h.diskFree.Store(1 << 20)
	_, err := h.svc.InstallUpdate(ctx, models.UpdateInfo{
		Kind:     api.KindTableDetection,
		Version:  "2.0.0",
		Size:     10,
		Checksum: digest([]byte("weights-v2")),
	})
	require.ErrorIs(t, err, models.ErrUpdateFailed)
	assert.ErrorIs(t, err, maintenance.ErrInsufficientDisk)
	assert.Zero(t, downloads.Load())

	list, err := h.svc.Models()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "1.0.0", list[0].Version)
}

func TestCleanupDiskRemovesStaleDownloads(t *testing.T) {
	h := initialized(t, api.KindTableDetection)
	ctx := context.Background()

	stale := filepath.Join(h.cfg.ModelsDir, ".table_detection-9.9.9.tmp")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	space, err := h.svc.DiskSpace(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(16<<30), space.FreeBytes)

	report, err := h.svc.CleanupDisk(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.FilesDeleted)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, filepath.Join(h.cfg.ModelsDir, "table_detection-1.0.0.onnx"))
}

func TestMemoryPressureClearsCache(t *testing.T) {
	h := initialized(t, api.KindTableDetection, api.KindLanguageDetection)
	ctx := context.Background()
	_, err := h.svc.Infer(ctx, api.KindTableDetection, inference.SyntheticPayload(api.KindTableDetection))
	require.NoError(t, err)
	_, err = h.svc.Infer(ctx, api.KindLanguageDetection, inference.SyntheticPayload(api.KindLanguageDetection))
	require.NoError(t, err)
	stats, _ := h.svc.CacheStats()
	require.Len(t, stats.Models, 2)

	h.memory.usedPercent.Store(95)
	st, err := h.svc.MemoryStats()
	require.NoError(t, err)
	assert.True(t, st.UnderPressure)

	stats, _ = h.svc.CacheStats()
	assert.Empty(t, stats.Models)
	assert.Zero(t, stats.UsedBytes)
}

func TestBenchmarkRegressionAndHistory(t *testing.T) {
	h := initialized(t, api.KindTableDetection, api.KindAnomalyDetection)
	h.backend.SetLatency(3 * time.Millisecond)
	ctx := context.Background()

	results, err := h.svc.RunBenchmark(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, 1.0, r.SuccessRate, r.Kind)
		assert.Equal(t, h.cfg.BenchmarkIterations, r.Iterations)
	}

	require.NoError(t, h.svc.ConfigureRegressionThresholds(perf.RegressionThreshold{MaxInferenceTime: time.Millisecond}))
	passed, err := h.svc.RunRegressionTests(ctx)
	require.NoError(t, err)
	assert.False(t, passed)

	alerts, err := h.svc.ActiveAlerts()
	require.NoError(t, err)
	var slow int
	for _, a := range alerts {
		if a.Type == perf.AlertLatencySlow && a.Severity.AtLeast(perf.SeverityHigh) {
			slow++
		}
	}
	assert.Equal(t, 2, slow)

	stored, err := h.svc.RecentBenchmarks(ctx, api.KindTableDetection, 5)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, results[1].ID, stored[0].ID)
}

func TestMonitoringToggle(t *testing.T) {
	h := initialized(t, api.KindTableDetection)
	ctx := context.Background()
	payload := inference.SyntheticPayload(api.KindTableDetection)

	require.NoError(t, h.svc.DisableMonitoring())
	_, err := h.svc.Infer(ctx, api.KindTableDetection, payload)
	require.NoError(t, err)
	d, _ := h.svc.Dashboard()
	assert.False(t, d.Enabled)
	assert.Zero(t, d.TotalRequests)

	require.NoError(t, h.svc.EnableMonitoring())
	_, err = h.svc.Infer(ctx, api.KindTableDetection, payload)
	require.NoError(t, err)
	d, _ = h.svc.Dashboard()
	assert.Equal(t, int64(1), d.TotalRequests)
}

func TestExperimentTaggedInference(t *testing.T) {
	cfg := testConfig(t)
	writeModels(t, cfg, api.KindDocumentClassifier)
	writeAlternate(t, cfg, api.KindDocumentClassifier, "1.1.0")
	h := newHarness(t, cfg)
	require.NoError(t, h.svc.Initialize(context.Background()))
	ctx := context.Background()
	require.NoError(t, h.svc.ConfigureABTest(abtest.Config{
		Name:         "classifier-rollout",
		Kind:         api.KindDocumentClassifier,
		Variants:     []abtest.Variant{{ID: "control", ModelVersion: "1.0.0"}, {ID: "candidate", ModelVersion: "1.1.0"}},
		TargetMetric: abtest.MetricAccuracy,
	}))

	variant, ok, err := h.svc.VariantFor("caller-42", "classifier-rollout")
	require.NoError(t, err)
	require.True(t, ok)

	payload := inference.SyntheticPayload(api.KindDocumentClassifier)
	for i := 0; i < 3; i++ {
		_, err := h.svc.Infer(ctx, api.KindDocumentClassifier, payload, WithExperiment("caller-42", "classifier-rollout"))
		require.NoError(t, err)
	}
	// a different kind is not attributed to the test
	_, err = h.svc.Infer(ctx, api.KindTableDetection, api.Payload{}, WithExperiment("caller-42", "classifier-rollout"))
	require.NoError(t, err)

	a, err := h.svc.AnalyzeABTest("classifier-rollout")
	require.NoError(t, err)
	for _, v := range a.Variants {
		if v.VariantID == variant.ID {
			assert.Equal(t, 3, v.Samples)
			assert.Greater(t, v.Mean, 0.0)
		} else {
			assert.Zero(t, v.Samples)
		}
	}

	require.NoError(t, h.svc.EndABTest("classifier-rollout"))
	_, err = h.svc.AnalyzeABTest("classifier-rollout")
	assert.ErrorIs(t, err, abtest.ErrUnknownTest)
}

func TestExperimentVariantsRunTheirOwnVersions(t *testing.T) {
	kind := api.KindDocumentClassifier
	cfg := testConfig(t)
	writeModels(t, cfg, kind)
	writeAlternate(t, cfg, kind, "2.0.0")
	h := newHarness(t, cfg)
	ctx := context.Background()
	require.NoError(t, h.svc.Initialize(ctx))
	h.backend.SetVersionOutput(kind, "1.0.0", classifierLogits(2))
	h.backend.SetVersionOutput(kind, "2.0.0", classifierLogits(8))

	require.NoError(t, h.svc.ConfigureABTest(abtest.Config{
		Name:         "classifier-v2",
		Kind:         kind,
		Variants:     []abtest.Variant{{ID: "control", ModelVersion: "1.0.0"}, {ID: "candidate", ModelVersion: "2.0.0"}},
		TargetMetric: abtest.MetricAccuracy,
	}))

	payload := inference.SyntheticPayload(kind)
	served := make(map[string]int)
	for i := 0; i < 40; i++ {
		caller := fmt.Sprintf("caller-%d", i)
		variant, ok, err := h.svc.VariantFor(caller, "classifier-v2")
		require.NoError(t, err)
		require.True(t, ok)

		res, err := h.svc.Infer(ctx, kind, payload, WithExperiment(caller, "classifier-v2"))
		require.NoError(t, err)
		require.Equal(t, api.SourceNative, res.Source)
		assert.Equal(t, variant.ModelVersion, res.ModelVersion)
		served[variant.ID]++
	}
	require.NotZero(t, served["control"])
	require.NotZero(t, served["candidate"])

	// untagged calls keep using the installed version
	res, err := h.svc.Infer(ctx, kind, payload)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", res.ModelVersion)

	a, err := h.svc.AnalyzeABTest("classifier-v2")
	require.NoError(t, err)
	assert.Equal(t, "candidate", a.Winner)
	require.Len(t, a.Variants, 2)
	assert.Equal(t, served["control"], a.Variants[0].Samples)
	assert.Equal(t, served["candidate"], a.Variants[1].Samples)
	assert.Greater(t, a.Variants[1].Mean, a.Variants[0].Mean)
	assert.Greater(t, a.Variants[1].Improvement, 0.0)

	loaded := h.backend.LoadedVersions(kind)
	assert.Contains(t, loaded, "1.0.0")
	assert.Contains(t, loaded, "2.0.0")
}

func TestExperimentMissingVariantVersionFallsBack(t *testing.T) {
	kind := api.KindDocumentClassifier
	h := initialized(t, kind)
	ctx := context.Background()
	require.NoError(t, h.svc.ConfigureABTest(abtest.Config{
		Name:         "missing-build",
		Kind:         kind,
		Variants:     []abtest.Variant{{ID: "a", ModelVersion: "9.0.0"}, {ID: "b", ModelVersion: "9.1.0"}},
		TargetMetric: abtest.MetricErrorRate,
	}))

	res, err := h.svc.Infer(ctx, kind, inference.SyntheticPayload(kind), WithExperiment("caller-1", "missing-build"))
	require.NoError(t, err)
	assert.Equal(t, api.SourceHeuristic, res.Source)
	assert.Equal(t, inference.FallbackModelUnavailable, res.FallbackReason)

	a, err := h.svc.AnalyzeABTest("missing-build")
	require.NoError(t, err)
	var samples int
	for _, v := range a.Variants {
		samples += v.Samples
		if v.Samples > 0 {
			assert.Equal(t, 1.0, v.Mean)
		}
	}
	assert.Equal(t, 1, samples)
}

func TestValidateModelsReportsCorruption(t *testing.T) {
	cfg := testConfig(t)
	writeModels(t, cfg, api.KindTableDetection, api.KindLayoutAnalysis)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ModelsDir, "layout_analysis-1.0.0.onnx"), []byte("weights-layout_analysis-9.9.9"), 0644))
	h := newHarness(t, cfg)
	require.NoError(t, h.svc.Initialize(context.Background()))

	results, err := h.svc.ValidateModels(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	var invalid int
	for _, r := range results {
		if !r.Valid {
			invalid++
			assert.ErrorIs(t, r.Err, models.ErrChecksumMismatch)
		}
	}
	assert.Equal(t, 1, invalid)
}

func TestCloseStopsService(t *testing.T) {
	h := initialized(t, api.KindTableDetection)
	ctx := context.Background()
	_, err := h.svc.Infer(ctx, api.KindTableDetection, inference.SyntheticPayload(api.KindTableDetection))
	require.NoError(t, err)

	require.NoError(t, h.svc.Close())
	require.NoError(t, h.svc.Close())
	assert.Equal(t, 1, h.backend.ClosedCount())

	_, err = h.svc.Infer(ctx, api.KindTableDetection, api.Payload{})
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Error(t, h.svc.Initialize(ctx))
}

func TestThresholdsFromConfig(t *testing.T) {
	got := thresholdsFromConfig(map[string]config.RegressionSetting{
		"default":         {MaxInferenceMs: 250},
		"table_detection": {MaxMemoryMB: 64, MinSuccessRate: 0.9},
		"sentiment":       {MaxInferenceMs: 1},
	}, logging.Discard())
	require.Len(t, got, 2)

	byKind := map[api.ModelKind]perf.RegressionThreshold{}
	for _, th := range got {
		byKind[th.Kind] = th
	}
	assert.Equal(t, 250*time.Millisecond, byKind[""].MaxInferenceTime)
	assert.Equal(t, uint64(64<<20), byKind[api.KindTableDetection].MaxMemoryBytes)
	assert.Equal(t, 0.9, byKind[api.KindTableDetection].MinSuccessRate)
}
