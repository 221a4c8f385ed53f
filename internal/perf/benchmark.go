package perf

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

// RecordBenchmark appends r to the history for its kind.
func (m *Monitor) RecordBenchmark(r BenchmarkResult) {
	m.mu.Lock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = m.now()
	}
	history := append(m.benchmarks[r.Kind], r)
	if len(history) > m.cfg.HistoryLimit {
		history = history[len(history)-m.cfg.HistoryLimit:]
	}
	m.benchmarks[r.Kind] = history
	sink := m.sink
	m.mu.Unlock()

	if sink != nil {
		if err := sink.SaveBenchmark(context.Background(), r); err != nil {
			m.logger.Warn("failed to persist benchmark", map[string]any{"kind": r.Kind, "error": err.Error()})
		}
	}
}

// LatestBenchmark returns the newest benchmark for kind.
func (m *Monitor) LatestBenchmark(kind api.ModelKind) (BenchmarkResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := m.benchmarks[kind]
	if len(history) == 0 {
		return BenchmarkResult{}, false
	}
	return history[len(history)-1], true
}

// LatestBenchmarks returns the newest benchmark per kind, sorted by kind.
func (m *Monitor) LatestBenchmarks() []BenchmarkResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BenchmarkResult
	for _, history := range m.benchmarks {
		if len(history) > 0 {
			out = append(out, history[len(history)-1])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// BenchmarkHistory returns every retained benchmark for kind, oldest first.
func (m *Monitor) BenchmarkHistory(kind api.ModelKind) []BenchmarkResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BenchmarkResult(nil), m.benchmarks[kind]...)
}

// RunBenchmark runs the configured number of synthetic calls for every
// kind with an installed model and records one result per kind.
func (m *Monitor) RunBenchmark(ctx context.Context) ([]BenchmarkResult, error) {
	m.mu.Lock()
	prober, iterations, memory := m.prober, m.cfg.BenchmarkIterations, m.memory
	m.mu.Unlock()
	if prober == nil {
		return nil, ErrNoProber
	}

	kinds := prober.AvailableKinds()
	var (
		mu      sync.Mutex
		results []BenchmarkResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(2)
	for _, kind := range kinds {
		kind := kind
		g.Go(func() error {
			r, err := m.benchmarkKind(gctx, prober, kind, iterations, memory)
			if err != nil {
				return err
			}
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("benchmark interrupted: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Kind < results[j].Kind })
	for _, r := range results {
		m.RecordBenchmark(r)
		m.logger.Info("benchmark complete", map[string]any{
			"kind":    r.Kind,
			"avg":     r.AverageInferenceTime.String(),
			"peak":    humanize.IBytes(r.PeakMemoryBytes),
			"success": r.SuccessRate,
		})
	}
	return results, nil
}

func (m *Monitor) benchmarkKind(ctx context.Context, prober Prober, kind api.ModelKind, iterations int, memory func() uint64) (BenchmarkResult, error) {
	r := BenchmarkResult{ID: uuid.NewString(), Kind: kind, Iterations: iterations}
	var total time.Duration
	successes := 0
	start := time.Now()
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		callStart := time.Now()
		res := prober.Probe(ctx, kind)
		total += time.Since(callStart)
		if res != nil && res.IsNative() {
			successes++
		}
		if memory != nil {
			if mem := memory(); mem > r.PeakMemoryBytes {
				r.PeakMemoryBytes = mem
			}
		}
	}
	r.Duration = time.Since(start)
	r.AverageInferenceTime = total / time.Duration(iterations)
	r.SuccessRate = float64(successes) / float64(iterations)
	r.Timestamp = m.clock()
	return r, nil
}

func (m *Monitor) clock() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now()
}

// RunRegressionTests compares the latest benchmark for each kind against
// its threshold, raising an alert per violation. It returns false when any
// threshold is violated. Calls within the regression interval of the last
// run return the previous verdict without re-checking.
func (m *Monitor) RunRegressionTests(ctx context.Context) bool {
	m.mu.Lock()
	now := m.now()
	if m.lastReport != nil && m.cfg.RegressionInterval > 0 && now.Sub(m.lastReport.RanAt) < m.cfg.RegressionInterval {
		passed := m.lastReport.Passed
		m.mu.Unlock()
		return passed
	}
	haveBenchmarks := len(m.benchmarks) > 0
	hasProber := m.prober != nil
	m.mu.Unlock()

	if !haveBenchmarks && hasProber {
		if _, err := m.RunBenchmark(ctx); err != nil {
			m.logger.Warn("benchmark before regression check failed", map[string]any{"error": err.Error()})
		}
	}

	report := RegressionReport{RanAt: now, Passed: true}
	for _, b := range m.LatestBenchmarks() {
		m.mu.Lock()
		threshold, ok := m.thresholdLocked(b.Kind)
		m.mu.Unlock()
		if !ok {
			continue
		}
		report.Checked++
		report.Violations = append(report.Violations, m.compare(b, threshold)...)
	}
	report.Passed = len(report.Violations) == 0

	for _, v := range report.Violations {
		m.raise(v.Type, v.Severity, v.Message, []api.ModelKind{v.Kind}, true)
	}

	m.mu.Lock()
	m.lastReport = &report
	m.mu.Unlock()

	fields := map[string]any{"checked": report.Checked, "violations": len(report.Violations)}
	if report.Passed {
		m.logger.Info("regression check passed", fields)
	} else {
		m.logger.Warn("regression check failed", fields)
	}
	return report.Passed
}

func (m *Monitor) compare(b BenchmarkResult, t RegressionThreshold) []Violation {
	var out []Violation
	if t.MinSuccessRate > 0 && b.SuccessRate < t.MinSuccessRate {
		out = append(out, Violation{
			Kind: b.Kind, Type: AlertLoadFailed, Severity: SeverityCritical,
			Message: fmt.Sprintf("%s success rate %.0f%% is below %.0f%%", b.Kind, b.SuccessRate*100, t.MinSuccessRate*100),
		})
	}
	if t.MaxInferenceTime > 0 && b.AverageInferenceTime > t.MaxInferenceTime {
		out = append(out, Violation{
			Kind: b.Kind, Type: AlertLatencySlow, Severity: SeverityHigh,
			Message: fmt.Sprintf("%s average inference time %s exceeds %s", b.Kind, b.AverageInferenceTime.Round(time.Microsecond), t.MaxInferenceTime),
		})
	}
	if t.MaxMemoryBytes > 0 && b.PeakMemoryBytes > t.MaxMemoryBytes {
		out = append(out, Violation{
			Kind: b.Kind, Type: AlertMemoryHigh, Severity: SeverityMedium,
			Message: fmt.Sprintf("%s peak memory %s exceeds %s", b.Kind, humanize.IBytes(b.PeakMemoryBytes), humanize.IBytes(t.MaxMemoryBytes)),
		})
	}
	if t.MinCacheHitRate > 0 {
		if metric, ok := m.tracker.Get(b.Kind); ok && metric.CacheHits+metric.CacheMisses > 0 && metric.CacheHitRate() < t.MinCacheHitRate {
			out = append(out, Violation{
				Kind: b.Kind, Type: AlertCacheHitLow, Severity: SeverityLow,
				Message: fmt.Sprintf("%s cache hit rate %.0f%% is below %.0f%%", b.Kind, metric.CacheHitRate()*100, t.MinCacheHitRate*100),
			})
		}
	}
	return out
}

// LastRegressionReport returns the most recent regression outcome.
func (m *Monitor) LastRegressionReport() (RegressionReport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastReport == nil {
		return RegressionReport{}, false
	}
	return *m.lastReport, true
}
