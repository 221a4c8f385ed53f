package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takuphilchan/offgrid-docai/internal/inference"
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

func TestRecordInferenceCountsBySource(t *testing.T) {
	m := New(false)

	m.RecordInference(inference.Observation{Kind: api.KindTableDetection, Source: api.SourceNative, Duration: 20 * time.Millisecond, MemoryBytes: 1024})
	m.RecordInference(inference.Observation{Kind: api.KindTableDetection, Source: api.SourceHeuristic, Fallback: "model unavailable"})
	m.RecordInference(inference.Observation{Kind: api.KindTableDetection, Source: api.SourceHeuristic, Fallback: "model unavailable"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.InferenceTotal.WithLabelValues("table_detection", "native")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.InferenceTotal.WithLabelValues("table_detection", "heuristic")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FallbacksTotal.WithLabelValues("table_detection", "model unavailable")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.MemoryBytes))
}

func TestModelInstalledReplacesVersion(t *testing.T) {
	m := New(false)
	m.ModelInstalled(api.KindLayoutAnalysis, "1.0.0")
	m.ModelInstalled(api.KindLayoutAnalysis, "1.1.0")

	assert.Equal(t, 1, testutil.CollectAndCount(m.ModelInfo))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelInfo.WithLabelValues("layout_analysis", "1.1.0")))

	m.UpdateResult(api.KindLayoutAnalysis, nil)
	m.UpdateResult(api.KindLayoutAnalysis, errors.New("checksum"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UpdatesTotal.WithLabelValues("layout_analysis", "failure")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New(false)
	m.CacheEvent(inference.CacheHit, api.KindTextRecognition, 10)
	m.SetCacheUsage(10, 100)
	m.AlertRaised("latency_slow", "medium")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, `docai_cache_events_total{event="hit",kind="text_recognition"} 1`)
	assert.Contains(t, out, `docai_cache_bytes{state="budget"} 100`)
	assert.Contains(t, out, `docai_alerts_total{severity="medium",type="latency_slow"} 1`)
}
