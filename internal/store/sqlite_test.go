package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takuphilchan/offgrid-docai/internal/abtest"
	"github.com/takuphilchan/offgrid-docai/internal/perf"
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

var (
	_ perf.Sink   = (*SQLiteStore)(nil)
	_ abtest.Sink = (*SQLiteStore)(nil)
)

func openStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBenchmarksRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveBenchmark(ctx, perf.BenchmarkResult{
			ID:                   "table-" + string(rune('a'+i)),
			Kind:                 api.KindTableDetection,
			Iterations:           5,
			Duration:             time.Second,
			AverageInferenceTime: time.Duration(i+1) * 10 * time.Millisecond,
			PeakMemoryBytes:      64 << 20,
			SuccessRate:          1,
			Timestamp:            base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.SaveBenchmark(ctx, perf.BenchmarkResult{ID: "text-a", Kind: api.KindTextRecognition, Timestamp: base}))

	got, err := s.RecentBenchmarks(ctx, api.KindTableDetection, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "table-c", got[0].ID)
	assert.Equal(t, 30*time.Millisecond, got[0].AverageInferenceTime)
	assert.Equal(t, uint64(64<<20), got[0].PeakMemoryBytes)
	assert.True(t, got[0].Timestamp.Equal(base.Add(2*time.Minute)))
	assert.Equal(t, "table-b", got[1].ID)

	all, err := s.RecentBenchmarks(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestAlertsRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveAlert(ctx, perf.Alert{
		ID: "a1", Type: perf.AlertLatencySlow, Severity: perf.SeverityHigh,
		Message: "slow", Timestamp: now, Kinds: []api.ModelKind{api.KindLayoutAnalysis},
	}))
	require.NoError(t, s.SaveAlert(ctx, perf.Alert{
		ID: "a2", Type: perf.AlertMemoryHigh, Severity: perf.SeverityHigh,
		Message: "memory", Timestamp: now.Add(time.Second),
	}))

	alerts, err := s.RecentAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "a2", alerts[0].ID)
	assert.Empty(t, alerts[0].Kinds)
	assert.Equal(t, perf.AlertLatencySlow, alerts[1].Type)
	assert.Equal(t, []api.ModelKind{api.KindLayoutAnalysis}, alerts[1].Kinds)
}

func TestABResultsDeletedPerTest(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveABResult(ctx, abtest.Result{ID: "r1", TestName: "t1", VariantID: "control", Metric: "accuracy", Value: 0.8, SampleSize: 1, Timestamp: now}))
	require.NoError(t, s.SaveABResult(ctx, abtest.Result{ID: "r2", TestName: "t1", VariantID: "candidate", Metric: "accuracy", Value: 0.9, SampleSize: 1, CallerID: "u7", Timestamp: now.Add(time.Millisecond)}))
	require.NoError(t, s.SaveABResult(ctx, abtest.Result{ID: "r3", TestName: "t2", VariantID: "control", Metric: "speed", Value: 12, SampleSize: 1, Timestamp: now}))

	results, err := s.ABResults(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "r1", results[0].ID)
	assert.Equal(t, "u7", results[1].CallerID)

	require.NoError(t, s.DeleteABResults(ctx, "t1"))
	results, err = s.ABResults(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = s.ABResults(ctx, "t2")
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestPrune(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveBenchmark(ctx, perf.BenchmarkResult{ID: "old", Kind: api.KindTableDetection, Timestamp: now.Add(-48 * time.Hour)}))
	require.NoError(t, s.SaveBenchmark(ctx, perf.BenchmarkResult{ID: "new", Kind: api.KindTableDetection, Timestamp: now}))
	require.NoError(t, s.SaveAlert(ctx, perf.Alert{ID: "old", Type: perf.AlertMemoryHigh, Severity: perf.SeverityHigh, Timestamp: now.Add(-48 * time.Hour)}))

	n, err := s.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := s.RecentBenchmarks(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].ID)
}

func TestReopenKeepsHistory(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSQLiteStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveBenchmark(context.Background(), perf.BenchmarkResult{ID: "b1", Kind: api.KindAnomalyDetection, Timestamp: time.Now()}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dir)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.RecentBenchmarks(context.Background(), api.KindAnomalyDetection, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b1", got[0].ID)
}
