// Package abtest assigns callers to model variants and compares the
// outcomes recorded for each variant.
package abtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/takuphilchan/offgrid-docai/internal/logging"
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

var (
	ErrUnknownTest    = errors.New("abtest: unknown test")
	ErrUnknownVariant = errors.New("abtest: unknown variant")
	ErrInvalidConfig  = errors.New("abtest: invalid test configuration")
)

// Target metrics understood by the analysis. Any other metric name is
// treated as higher-is-better.
const (
	MetricAccuracy     = "accuracy"
	MetricSatisfaction = "satisfaction"
	MetricSpeed        = "speed"
	MetricMemory       = "memory"
	MetricErrorRate    = "error_rate"
)

// LowerIsBetter reports whether smaller values of metric are improvements.
func LowerIsBetter(metric string) bool {
	switch metric {
	case MetricSpeed, MetricMemory, MetricErrorRate:
		return true
	}
	return false
}

// Variant is one model configuration under comparison.
type Variant struct {
	ID            string            `json:"id"`
	ModelVersion  string            `json:"model_version"`
	Configuration map[string]string `json:"configuration,omitempty"`
}

// Config describes a test. The first variant is the control.
type Config struct {
	Name                string        `json:"name"`
	Kind                api.ModelKind `json:"kind"`
	Variants            []Variant     `json:"variants"`
	TargetMetric        string        `json:"target_metric"`
	MinSampleSize       int           `json:"min_sample_size"`
	ConfidenceThreshold float64       `json:"confidence_threshold"`
}

// Control returns the baseline variant.
func (c Config) Control() Variant {
	return c.Variants[0]
}

func (c Config) variant(id string) (Variant, bool) {
	for _, v := range c.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

func (c Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: unknown model kind %q", ErrInvalidConfig, c.Kind)
	}
	if len(c.Variants) < 2 {
		return fmt.Errorf("%w: need at least two variants, got %d", ErrInvalidConfig, len(c.Variants))
	}
	if c.TargetMetric == "" {
		return fmt.Errorf("%w: target metric is required", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Variants))
	for _, v := range c.Variants {
		if v.ID == "" {
			return fmt.Errorf("%w: variant id is required", ErrInvalidConfig)
		}
		if seen[v.ID] {
			return fmt.Errorf("%w: duplicate variant %q", ErrInvalidConfig, v.ID)
		}
		seen[v.ID] = true
	}
	return nil
}

// Result is one observed outcome for a variant.
type Result struct {
	ID         string    `json:"id"`
	TestName   string    `json:"test_name"`
	VariantID  string    `json:"variant_id"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	SampleSize int       `json:"sample_size"`
	Timestamp  time.Time `json:"timestamp"`
	CallerID   string    `json:"caller_id,omitempty"`
}

// Status is a test's lifecycle stage.
type Status string

const (
	StatusActive   Status = "active"
	StatusAnalyzed Status = "analyzed"
	StatusEnded    Status = "ended"
)

// Summary describes a configured test.
type Summary struct {
	Config    Config    `json:"config"`
	Status    Status    `json:"status"`
	Results   int       `json:"results"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Sink persists results outside the process.
type Sink interface {
	SaveABResult(ctx context.Context, r Result) error
	DeleteABResults(ctx context.Context, testName string) error
}

// Defaults fill in Config fields left at zero.
type Defaults struct {
	MinSampleSize       int
	ConfidenceThreshold float64
}

func (d *Defaults) applyDefaults() {
	if d.MinSampleSize <= 0 {
		d.MinSampleSize = 100
	}
	if d.ConfidenceThreshold <= 0 || d.ConfidenceThreshold > 1 {
		d.ConfidenceThreshold = 0.95
	}
}

type test struct {
	cfg       Config
	status    Status
	results   []Result
	startedAt time.Time
	endedAt   time.Time
}

// Coordinator owns every test and its results.
type Coordinator struct {
	mu       sync.Mutex
	defaults Defaults
	tests    map[string]*test
	history  []Summary
	sink     Sink
	now      func() time.Time
	logger   *logging.Logger
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(defaults Defaults, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.Default()
	}
	defaults.applyDefaults()
	return &Coordinator{
		defaults: defaults,
		tests:    make(map[string]*test),
		now:      time.Now,
		logger:   logger.Component("abtest"),
	}
}

// SetClock replaces the timestamp source.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SetSink sets where results are persisted.
func (c *Coordinator) SetSink(s Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = s
}

// Configure registers a test, replacing an ended or unknown one of the
// same name. Reconfiguring a live test keeps its results only when the
// variant set is unchanged.
func (c *Coordinator) Configure(cfg Config) error {
	if cfg.MinSampleSize <= 0 {
		cfg.MinSampleSize = c.defaults.MinSampleSize
	}
	if cfg.ConfidenceThreshold <= 0 || cfg.ConfidenceThreshold > 1 {
		cfg.ConfidenceThreshold = c.defaults.ConfidenceThreshold
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	t := &test{cfg: cfg, status: StatusActive, startedAt: c.now()}
	if old, ok := c.tests[cfg.Name]; ok && sameVariants(old.cfg, cfg) {
		t.results = old.results
		t.startedAt = old.startedAt
	}
	c.tests[cfg.Name] = t
	c.logger.Info("test configured", map[string]any{
		"test":     cfg.Name,
		"kind":     cfg.Kind,
		"variants": len(cfg.Variants),
		"metric":   cfg.TargetMetric,
	})
	return nil
}

func sameVariants(a, b Config) bool {
	if len(a.Variants) != len(b.Variants) {
		return false
	}
	for i := range a.Variants {
		if a.Variants[i].ID != b.Variants[i].ID {
			return false
		}
	}
	return true
}

// VariantFor returns the variant assigned to callerID. The assignment is a
// stable hash of the caller modulo the variant count, so it never changes
// while the test lives.
func (c *Coordinator) VariantFor(callerID, testName string) (Variant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tests[testName]
	if !ok {
		return Variant{}, false
	}
	n := uint64(len(t.cfg.Variants))
	return t.cfg.Variants[xxhash.Sum64String(callerID)%n], true
}

// RecordResult appends r to its test.
func (c *Coordinator) RecordResult(r Result) error {
	c.mu.Lock()
	t, ok := c.tests[r.TestName]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTest, r.TestName)
	}
	if _, ok := t.cfg.variant(r.VariantID); !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s in %s", ErrUnknownVariant, r.VariantID, r.TestName)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = c.now()
	}
	if r.Metric == "" {
		r.Metric = t.cfg.TargetMetric
	}
	if r.SampleSize <= 0 {
		r.SampleSize = 1
	}
	t.results = append(t.results, r)
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		if err := sink.SaveABResult(context.Background(), r); err != nil {
			c.logger.Warn("failed to persist result", map[string]any{"test": r.TestName, "error": err.Error()})
		}
	}
	return nil
}

// Config returns the configuration of a live test.
func (c *Coordinator) Config(testName string) (Config, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tests[testName]
	if !ok {
		return Config{}, false
	}
	return t.cfg, true
}

// Results returns a copy of a test's results.
func (c *Coordinator) Results(testName string) []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tests[testName]
	if !ok {
		return nil
	}
	return append([]Result(nil), t.results...)
}

// VariantStats summarises one variant's results for the target metric.
type VariantStats struct {
	VariantID    string  `json:"variant_id"`
	ModelVersion string  `json:"model_version"`
	Samples      int     `json:"samples"`
	Mean         float64 `json:"mean"`
	// Improvement is relative to the control mean, positive when better.
	Improvement float64 `json:"improvement"`
}

// Analysis is the outcome of Analyze.
type Analysis struct {
	TestName        string         `json:"test_name"`
	TargetMetric    string         `json:"target_metric"`
	Variants        []VariantStats `json:"variants"`
	Winner          string         `json:"winner,omitempty"`
	Confidence      float64        `json:"confidence"`
	Significant     bool           `json:"significant"`
	Recommendations []string       `json:"recommendations,omitempty"`
	AnalyzedAt      time.Time      `json:"analyzed_at"`
}

// Analyze compares the variants of testName on its target metric.
func (c *Coordinator) Analyze(testName string) (Analysis, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tests[testName]
	if !ok {
		return Analysis{}, false
	}
	cfg := t.cfg
	lower := LowerIsBetter(cfg.TargetMetric)

	sums := make(map[string]float64, len(cfg.Variants))
	counts := make(map[string]int, len(cfg.Variants))
	for _, r := range t.results {
		if r.Metric != cfg.TargetMetric || math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			continue
		}
		sums[r.VariantID] += r.Value * float64(r.SampleSize)
		counts[r.VariantID] += r.SampleSize
	}

	a := Analysis{TestName: testName, TargetMetric: cfg.TargetMetric, AnalyzedAt: c.now()}
	minSamples := -1
	for _, v := range cfg.Variants {
		s := VariantStats{VariantID: v.ID, ModelVersion: v.ModelVersion, Samples: counts[v.ID]}
		if s.Samples > 0 {
			s.Mean = sums[v.ID] / float64(s.Samples)
		}
		if minSamples < 0 || s.Samples < minSamples {
			minSamples = s.Samples
		}
		a.Variants = append(a.Variants, s)
	}

	control := a.Variants[0]
	best := -1
	for i := range a.Variants {
		s := &a.Variants[i]
		if s.Samples == 0 {
			continue
		}
		if control.Samples > 0 && control.Mean != 0 {
			delta := (s.Mean - control.Mean) / math.Abs(control.Mean)
			if lower {
				delta = -delta
			}
			s.Improvement = delta
		}
		if best < 0 || better(s.Mean, a.Variants[best].Mean, lower) {
			best = i
		}
	}
	if best >= 0 {
		a.Winner = a.Variants[best].VariantID
	}

	a.Confidence = math.Min(float64(minSamples)/float64(cfg.MinSampleSize), 1)
	a.Significant = a.Winner != "" && a.Confidence >= cfg.ConfidenceThreshold
	if a.Significant {
		a.Recommendations = recommend(cfg, a, best)
	}
	if t.status == StatusActive {
		t.status = StatusAnalyzed
	}

	c.logger.Debug("test analyzed", map[string]any{
		"test":       testName,
		"winner":     a.Winner,
		"confidence": a.Confidence,
	})
	return a, true
}

func better(a, b float64, lower bool) bool {
	if lower {
		return a < b
	}
	return a > b
}

func recommend(cfg Config, a Analysis, best int) []string {
	winner := a.Variants[best]
	control := a.Variants[0]
	if best == 0 {
		return []string{fmt.Sprintf("keep control variant %s (%s): no variant improved %s", control.VariantID, versionLabel(control.ModelVersion), cfg.TargetMetric)}
	}
	recs := []string{fmt.Sprintf("promote variant %s (%s) for %s: %s %+.1f%% vs control %s",
		winner.VariantID, versionLabel(winner.ModelVersion), cfg.Kind, cfg.TargetMetric, winner.Improvement*100, control.VariantID)}
	for _, s := range a.Variants[1:] {
		if s.VariantID != winner.VariantID && s.Samples > 0 && s.Improvement < 0 {
			recs = append(recs, fmt.Sprintf("retire variant %s: %s %+.1f%% vs control", s.VariantID, cfg.TargetMetric, s.Improvement*100))
		}
	}
	return recs
}

func versionLabel(v string) string {
	if v == "" {
		return "unversioned"
	}
	return "v" + v
}

// EndTest discards a test's results and moves its configuration to the
// history.
func (c *Coordinator) EndTest(testName string) error {
	c.mu.Lock()
	t, ok := c.tests[testName]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTest, testName)
	}
	delete(c.tests, testName)
	c.history = append(c.history, Summary{
		Config:    t.cfg,
		Status:    StatusEnded,
		Results:   len(t.results),
		StartedAt: t.startedAt,
		EndedAt:   c.now(),
	})
	sink := c.sink
	c.mu.Unlock()

	c.logger.Info("test ended", map[string]any{"test": testName, "results": len(t.results)})
	if sink != nil {
		if err := sink.DeleteABResults(context.Background(), testName); err != nil {
			return fmt.Errorf("failed to delete stored results: %w", err)
		}
	}
	return nil
}

// Tests returns the live tests sorted by name.
func (c *Coordinator) Tests() []Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Summary, 0, len(c.tests))
	for _, t := range c.tests {
		out = append(out, Summary{Config: t.cfg, Status: t.status, Results: len(t.results), StartedAt: t.startedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.Name < out[j].Config.Name })
	return out
}

// History returns ended tests, oldest first.
func (c *Coordinator) History() []Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Summary(nil), c.history...)
}
