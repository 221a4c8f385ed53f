// Package perf records inference performance, raises alerts and runs
// benchmarks and regression checks.
package perf

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/takuphilchan/offgrid-docai/internal/inference"
	"github.com/takuphilchan/offgrid-docai/internal/resource"
	"github.com/takuphilchan/offgrid-docai/internal/stats"
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

// AlertType classifies an alert.
type AlertType string

const (
	AlertMemoryHigh          AlertType = "memory_high"
	AlertLatencySlow         AlertType = "latency_slow"
	AlertCacheHitLow         AlertType = "cache_hit_low"
	AlertLoadFailed          AlertType = "load_failed"
	AlertHardwareUnavailable AlertType = "hw_unavailable"
)

// Severity orders alerts by urgency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether s is as severe as other or more.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// Alert is an immutable, timestamped notice of a breached threshold.
type Alert struct {
	ID        string          `json:"id"`
	Type      AlertType       `json:"type"`
	Severity  Severity        `json:"severity"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
	Kinds     []api.ModelKind `json:"kinds,omitempty"`
}

func (a Alert) String() string {
	return fmt.Sprintf("[%s] %s: %s", a.Severity, a.Type, a.Message)
}

// BenchmarkResult records one benchmark run for a kind.
type BenchmarkResult struct {
	ID                   string        `json:"id"`
	Kind                 api.ModelKind `json:"kind"`
	Iterations           int           `json:"iterations"`
	Duration             time.Duration `json:"duration"`
	AverageInferenceTime time.Duration `json:"average_inference_time"`
	PeakMemoryBytes      uint64        `json:"peak_memory_bytes"`
	SuccessRate          float64       `json:"success_rate"`
	Timestamp            time.Time     `json:"timestamp"`
}

func (b BenchmarkResult) String() string {
	return fmt.Sprintf("%s: avg %s, peak %s, success %.0f%% over %d runs",
		b.Kind, b.AverageInferenceTime.Round(time.Microsecond), humanize.IBytes(b.PeakMemoryBytes), b.SuccessRate*100, b.Iterations)
}

// RegressionThreshold bounds the latest benchmark for a kind. An empty
// Kind applies to every kind without its own threshold. Zero fields are
// not checked.
type RegressionThreshold struct {
	Kind             api.ModelKind `json:"kind,omitempty"`
	MaxInferenceTime time.Duration `json:"max_inference_time"`
	MaxMemoryBytes   uint64        `json:"max_memory_bytes"`
	MinSuccessRate   float64       `json:"min_success_rate"`
	MinCacheHitRate  float64       `json:"min_cache_hit_rate"`
}

// Violation is one breached regression threshold.
type Violation struct {
	Kind     api.ModelKind `json:"kind"`
	Type     AlertType     `json:"type"`
	Severity Severity      `json:"severity"`
	Message  string        `json:"message"`
}

// RegressionReport is the outcome of one regression run.
type RegressionReport struct {
	RanAt      time.Time   `json:"ran_at"`
	Passed     bool        `json:"passed"`
	Checked    int         `json:"checked"`
	Violations []Violation `json:"violations,omitempty"`
}

// Dashboard is a point-in-time view of monitoring state.
type Dashboard struct {
	GeneratedAt          time.Time             `json:"generated_at"`
	Enabled              bool                  `json:"enabled"`
	TotalRequests        int64                 `json:"total_requests"`
	AverageInferenceTime time.Duration         `json:"average_inference_time"`
	MemoryBytes          uint64                `json:"memory_bytes"`
	PeakMemoryBytes      uint64                `json:"peak_memory_bytes"`
	CacheHitRate         float64               `json:"cache_hit_rate"`
	CacheLookups         int64                 `json:"cache_lookups"`
	Kinds                []stats.Metric        `json:"kinds"`
	ActiveAlerts         []Alert               `json:"active_alerts"`
	Benchmarks           []BenchmarkResult     `json:"benchmarks,omitempty"`
	LastRegression       *RegressionReport     `json:"last_regression,omitempty"`
	Hardware             resource.Capability   `json:"hardware"`
	Cache                *inference.CacheStats `json:"cache,omitempty"`
}

// Prober runs one synthetic inference for benchmarking.
type Prober interface {
	AvailableKinds() []api.ModelKind
	Probe(ctx context.Context, kind api.ModelKind) *api.Inference
}

// Sink persists monitoring history.
type Sink interface {
	SaveBenchmark(ctx context.Context, r BenchmarkResult) error
	SaveAlert(ctx context.Context, a Alert) error
}
