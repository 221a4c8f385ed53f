package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/takuphilchan/offgrid-docai/internal/inference"
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

// LatencyBuckets returns histogram buckets suited to document model calls.
func LatencyBuckets() []float64 {
	return []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
}

// DocAIMetrics holds the Prometheus collectors for the runtime.
type DocAIMetrics struct {
	registry *prometheus.Registry

	// Inference metrics
	InferenceDuration *prometheus.HistogramVec
	InferenceTotal    *prometheus.CounterVec
	FallbacksTotal    *prometheus.CounterVec
	MemoryBytes       prometheus.Gauge

	// Cache metrics
	CacheBytes  *prometheus.GaugeVec
	CacheEvents *prometheus.CounterVec

	// Monitoring metrics
	AlertsTotal *prometheus.CounterVec

	// Model lifecycle metrics
	ModelInfo    *prometheus.GaugeVec
	UpdatesTotal *prometheus.CounterVec
}

// New creates the collectors on a private registry. When withProcess is
// true the Go runtime and process collectors are registered too.
func New(withProcess bool) *DocAIMetrics {
	m := &DocAIMetrics{
		registry: prometheus.NewRegistry(),

		InferenceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docai_inference_seconds",
			Help:    "Inference duration in seconds",
			Buckets: LatencyBuckets(),
		}, []string{"kind", "source"}),
		InferenceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docai_inference_total",
			Help: "Total number of inference calls",
		}, []string{"kind", "source"}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docai_fallbacks_total",
			Help: "Inference calls served by a heuristic, by reason",
		}, []string{"kind", "reason"}),
		MemoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docai_memory_bytes",
			Help: "Process memory observed at the last inference",
		}),

		CacheBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docai_cache_bytes",
			Help: "Model cache usage in bytes",
		}, []string{"state"}), // used or budget
		CacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docai_cache_events_total",
			Help: "Model cache events",
		}, []string{"event", "kind"}),

		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docai_alerts_total",
			Help: "Alerts raised by the performance monitor",
		}, []string{"type", "severity"}),

		ModelInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docai_model_info",
			Help: "Installed model version per kind",
		}, []string{"kind", "version"}),
		UpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docai_updates_total",
			Help: "Model update installs by result",
		}, []string{"kind", "result"}),
	}

	m.registry.MustRegister(
		m.InferenceDuration,
		m.InferenceTotal,
		m.FallbacksTotal,
		m.MemoryBytes,
		m.CacheBytes,
		m.CacheEvents,
		m.AlertsTotal,
		m.ModelInfo,
		m.UpdatesTotal,
	)
	if withProcess {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry exposes the underlying registry as a gatherer.
func (m *DocAIMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *DocAIMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordInference implements inference.Recorder.
func (m *DocAIMetrics) RecordInference(obs inference.Observation) {
	kind, source := string(obs.Kind), string(obs.Source)
	m.InferenceTotal.WithLabelValues(kind, source).Inc()
	m.InferenceDuration.WithLabelValues(kind, source).Observe(obs.Duration.Seconds())
	if obs.Source == api.SourceHeuristic {
		m.FallbacksTotal.WithLabelValues(kind, obs.Fallback).Inc()
	}
	if obs.MemoryBytes > 0 {
		m.MemoryBytes.Set(float64(obs.MemoryBytes))
	}
}

// CacheEvent matches inference.CacheObserver.
func (m *DocAIMetrics) CacheEvent(event inference.CacheEvent, kind api.ModelKind, _ int64) {
	m.CacheEvents.WithLabelValues(string(event), string(kind)).Inc()
}

// SetCacheUsage records the cache gauges.
func (m *DocAIMetrics) SetCacheUsage(used, budget int64) {
	m.CacheBytes.WithLabelValues("used").Set(float64(used))
	m.CacheBytes.WithLabelValues("budget").Set(float64(budget))
}

// AlertRaised counts an alert.
func (m *DocAIMetrics) AlertRaised(alertType, severity string) {
	m.AlertsTotal.WithLabelValues(alertType, severity).Inc()
}

// ModelInstalled marks version as the active one for kind.
func (m *DocAIMetrics) ModelInstalled(kind api.ModelKind, version string) {
	m.ModelInfo.DeletePartialMatch(prometheus.Labels{"kind": string(kind)})
	m.ModelInfo.WithLabelValues(string(kind), version).Set(1)
}

// UpdateResult counts an install attempt.
func (m *DocAIMetrics) UpdateResult(kind api.ModelKind, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.UpdatesTotal.WithLabelValues(string(kind), result).Inc()
}
