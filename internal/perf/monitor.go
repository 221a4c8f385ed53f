package perf

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/takuphilchan/offgrid-docai/internal/inference"
	"github.com/takuphilchan/offgrid-docai/internal/logging"
	"github.com/takuphilchan/offgrid-docai/internal/models"
	"github.com/takuphilchan/offgrid-docai/internal/resource"
	"github.com/takuphilchan/offgrid-docai/internal/stats"
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

// Config tunes the monitor.
type Config struct {
	Enabled             bool
	MemoryAlertBytes    uint64
	LatencyAlert        time.Duration
	MinCacheHitRate     float64
	MinCacheLookups     int64
	AlertRetention      time.Duration
	AlertCooldown       time.Duration
	BenchmarkIterations int
	RegressionInterval  time.Duration
	HistoryLimit        int
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		MemoryAlertBytes:    200 << 20,
		LatencyAlert:        time.Second,
		MinCacheHitRate:     0.5,
		MinCacheLookups:     10,
		AlertRetention:      time.Hour,
		AlertCooldown:       5 * time.Minute,
		BenchmarkIterations: 5,
		RegressionInterval:  time.Hour,
		HistoryLimit:        50,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MemoryAlertBytes == 0 {
		c.MemoryAlertBytes = d.MemoryAlertBytes
	}
	if c.LatencyAlert <= 0 {
		c.LatencyAlert = d.LatencyAlert
	}
	if c.MinCacheHitRate <= 0 {
		c.MinCacheHitRate = d.MinCacheHitRate
	}
	if c.MinCacheLookups <= 0 {
		c.MinCacheLookups = d.MinCacheLookups
	}
	if c.AlertRetention <= 0 {
		c.AlertRetention = d.AlertRetention
	}
	switch {
	case c.AlertCooldown == 0:
		c.AlertCooldown = d.AlertCooldown
	case c.AlertCooldown < 0:
		c.AlertCooldown = 0 // every breach raises
	}
	if c.BenchmarkIterations <= 0 {
		c.BenchmarkIterations = d.BenchmarkIterations
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
}

// ErrNoProber is returned by RunBenchmark when nothing can run inference.
var ErrNoProber = errors.New("perf: no benchmark prober configured")

// Monitor owns per-kind metrics, alerts and benchmark history.
type Monitor struct {
	mu  sync.Mutex
	cfg Config

	tracker    *stats.Tracker
	alerts     []Alert
	lastRaised map[string]time.Time
	benchmarks map[api.ModelKind][]BenchmarkResult
	thresholds map[api.ModelKind]RegressionThreshold
	lastReport *RegressionReport

	prober Prober
	sink   Sink
	caps   resource.Capability
	cache  func() inference.CacheStats
	memory func() uint64
	hooks  []func(Alert)
	now    func() time.Time
	logger *logging.Logger
}

// NewMonitor creates a monitor.
func NewMonitor(cfg Config, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.Default()
	}
	cfg.applyDefaults()
	return &Monitor{
		cfg:        cfg,
		tracker:    stats.NewTracker(),
		lastRaised: make(map[string]time.Time),
		benchmarks: make(map[api.ModelKind][]BenchmarkResult),
		thresholds: make(map[api.ModelKind]RegressionThreshold),
		memory:     resource.ProcessRSS,
		now:        time.Now,
		logger:     logger.Component("perf"),
	}
}

// SetClock replaces the monitor clock.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	m.tracker.SetClock(now)
}

// SetProber sets what RunBenchmark invokes.
func (m *Monitor) SetProber(p Prober) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prober = p
}

// SetSink sets the history sink.
func (m *Monitor) SetSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = s
}

// SetCapabilities records the detected hardware for hw_unavailable checks.
func (m *Monitor) SetCapabilities(caps resource.Capability) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caps = caps
}

// SetCacheSource includes cache statistics in the dashboard.
func (m *Monitor) SetCacheSource(fn func() inference.CacheStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = fn
}

// SetMemoryProbe replaces the memory sampler used by benchmarks.
func (m *Monitor) SetMemoryProbe(fn func() uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memory = fn
}

// OnAlert registers fn to be called for every new alert.
func (m *Monitor) OnAlert(fn func(Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Enable turns recording on.
func (m *Monitor) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Enabled = true
	m.logger.Info("performance monitoring enabled")
}

// Disable turns recording off; existing metrics are kept.
func (m *Monitor) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Enabled = false
	m.logger.Info("performance monitoring disabled")
}

// Enabled reports whether recording is on.
func (m *Monitor) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Enabled
}

// Metric returns the running metric for kind.
func (m *Monitor) Metric(kind api.ModelKind) (stats.Metric, bool) {
	return m.tracker.Get(kind)
}

// RecordInference implements inference.Recorder.
func (m *Monitor) RecordInference(obs inference.Observation) {
	m.mu.Lock()
	enabled, caps := m.cfg.Enabled, m.caps
	m.mu.Unlock()
	if !enabled || obs.Source == api.SourceUnavailable {
		return
	}

	m.tracker.Record(stats.Sample{
		Kind:                obs.Kind,
		Duration:            obs.Duration,
		MemoryBytes:         obs.MemoryBytes,
		Native:              obs.Success(),
		CacheHit:            obs.CacheHit,
		Quantized:           obs.Quantized,
		HardwareAccelerated: obs.HardwareAccelerated,
	})

	// a model that exists but cannot be loaded is actionable; a missing one is not
	if obs.Fallback == inference.FallbackModelUnavailable && obs.Err != nil && !errors.Is(obs.Err, models.ErrModelUnavailable) {
		m.raise(AlertLoadFailed, SeverityHigh, fmt.Sprintf("%s model failed to load: %v", obs.Kind, obs.Err), []api.ModelKind{obs.Kind}, false)
	}
	if caps.Accelerated() && obs.Success() && !obs.HardwareAccelerated {
		m.raise(AlertHardwareUnavailable, SeverityLow, fmt.Sprintf("%s is running on CPU although %s is present", obs.Kind, acceleratorName(caps)), []api.ModelKind{obs.Kind}, false)
	}
	m.CheckAlerts()
}

func acceleratorName(caps resource.Capability) string {
	switch {
	case caps.AcceleratorName != "":
		return caps.AcceleratorName
	case caps.DeviceName != "":
		return caps.DeviceName
	}
	return "an accelerator"
}

// CheckAlerts evaluates the dashboard thresholds and returns any alerts raised.
func (m *Monitor) CheckAlerts() []Alert {
	totals := m.tracker.Totals()
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	var raised []Alert
	if totals.CurrentMemoryBytes > cfg.MemoryAlertBytes {
		msg := fmt.Sprintf("memory usage %s exceeds %s", humanize.IBytes(totals.CurrentMemoryBytes), humanize.IBytes(cfg.MemoryAlertBytes))
		if a, ok := m.raise(AlertMemoryHigh, SeverityHigh, msg, nil, false); ok {
			raised = append(raised, a)
		}
	}
	if totals.Requests > 0 && totals.AverageInferenceTime > cfg.LatencyAlert {
		msg := fmt.Sprintf("average inference time %s exceeds %s", totals.AverageInferenceTime.Round(time.Millisecond), cfg.LatencyAlert)
		if a, ok := m.raise(AlertLatencySlow, SeverityMedium, msg, m.slowKinds(cfg.LatencyAlert), false); ok {
			raised = append(raised, a)
		}
	}
	if totals.CacheLookups() >= cfg.MinCacheLookups && totals.CacheHitRate() < cfg.MinCacheHitRate {
		msg := fmt.Sprintf("cache hit rate %.0f%% is below %.0f%%", totals.CacheHitRate()*100, cfg.MinCacheHitRate*100)
		if a, ok := m.raise(AlertCacheHitLow, SeverityLow, msg, nil, false); ok {
			raised = append(raised, a)
		}
	}
	return raised
}

func (m *Monitor) slowKinds(limit time.Duration) []api.ModelKind {
	var kinds []api.ModelKind
	for _, metric := range m.tracker.All() {
		if metric.AverageInferenceTime > limit {
			kinds = append(kinds, metric.Kind)
		}
	}
	return kinds
}

// cooldownKey scopes per-model alerts by kind and dashboard alerts by type
// alone, so a changing set of slow kinds still shares one cooldown.
func cooldownKey(t AlertType, kinds []api.ModelKind) string {
	switch t {
	case AlertLoadFailed, AlertHardwareUnavailable:
		return fmt.Sprintf("%s/%v", t, kinds)
	}
	return string(t)
}

// raise appends an alert unless one with the same cooldown key fired within
// the cooldown. force skips the cooldown and leaves it untouched.
func (m *Monitor) raise(t AlertType, sev Severity, msg string, kinds []api.ModelKind, force bool) (Alert, bool) {
	m.mu.Lock()
	now := m.now()
	if !force {
		key := cooldownKey(t, kinds)
		if last, ok := m.lastRaised[key]; ok && now.Sub(last) < m.cfg.AlertCooldown {
			m.mu.Unlock()
			return Alert{}, false
		}
		m.lastRaised[key] = now
	}

	a := Alert{
		ID:        uuid.NewString(),
		Type:      t,
		Severity:  sev,
		Message:   msg,
		Timestamp: now,
		Kinds:     kinds,
	}
	m.alerts = append(m.alerts, a)
	m.pruneLocked(now)
	sink := m.sink
	hooks := append([]func(Alert){}, m.hooks...)
	m.mu.Unlock()

	fields := map[string]any{"type": t, "severity": sev, "message": msg}
	if sev.AtLeast(SeverityHigh) {
		m.logger.Warn("alert raised", fields)
	} else {
		m.logger.Info("alert raised", fields)
	}
	if sink != nil {
		if err := sink.SaveAlert(context.Background(), a); err != nil {
			m.logger.Warn("failed to persist alert", map[string]any{"error": err.Error()})
		}
	}
	for _, fn := range hooks {
		fn(a)
	}
	return a, true
}

func (m *Monitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.AlertRetention)
	i := 0
	for i < len(m.alerts) && m.alerts[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.alerts = append([]Alert(nil), m.alerts[i:]...)
	}
	for key, at := range m.lastRaised {
		if at.Before(cutoff) {
			delete(m.lastRaised, key)
		}
	}
}

// ActiveAlerts returns alerts raised within the retention window, oldest first.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(m.now())
	return append([]Alert(nil), m.alerts...)
}

// ConfigureRegressionThresholds replaces the thresholds. A threshold with
// an empty Kind is the default for kinds without their own.
func (m *Monitor) ConfigureRegressionThresholds(thresholds ...RegressionThreshold) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = make(map[api.ModelKind]RegressionThreshold, len(thresholds))
	for _, t := range thresholds {
		m.thresholds[t.Kind] = t
	}
}

// RegressionThresholds returns the configured thresholds.
func (m *Monitor) RegressionThresholds() []RegressionThreshold {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RegressionThreshold, 0, len(m.thresholds))
	for _, t := range m.thresholds {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

func (m *Monitor) thresholdLocked(kind api.ModelKind) (RegressionThreshold, bool) {
	if t, ok := m.thresholds[kind]; ok {
		return t, true
	}
	t, ok := m.thresholds[""]
	t.Kind = kind
	return t, ok
}

// Dashboard returns a snapshot of the monitoring state.
func (m *Monitor) Dashboard() Dashboard {
	totals := m.tracker.Totals()
	d := Dashboard{
		TotalRequests:        totals.Requests,
		AverageInferenceTime: totals.AverageInferenceTime,
		MemoryBytes:          totals.CurrentMemoryBytes,
		PeakMemoryBytes:      totals.PeakMemoryBytes,
		CacheHitRate:         totals.CacheHitRate(),
		CacheLookups:         totals.CacheLookups(),
		Kinds:                m.tracker.All(),
		ActiveAlerts:         m.ActiveAlerts(),
		Benchmarks:           m.LatestBenchmarks(),
	}

	m.mu.Lock()
	d.GeneratedAt = m.now()
	d.Enabled = m.cfg.Enabled
	d.Hardware = m.caps
	if m.lastReport != nil {
		report := *m.lastReport
		d.LastRegression = &report
	}
	cache := m.cache
	m.mu.Unlock()

	if cache != nil {
		cs := cache()
		d.Cache = &cs
	}
	return d
}
