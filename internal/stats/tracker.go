package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

// Metric is the running performance record for one model kind
type Metric struct {
	Kind                 api.ModelKind `json:"kind"`
	Requests             int64         `json:"requests"`
	NativeRequests       int64         `json:"native_requests"`
	Fallbacks            int64         `json:"fallbacks"`
	AverageInferenceTime time.Duration `json:"average_inference_time"`
	PeakMemoryBytes      uint64        `json:"peak_memory_bytes"`
	CacheHits            int64         `json:"cache_hits"`
	CacheMisses          int64         `json:"cache_misses"`
	Quantized            bool          `json:"quantized"`
	HardwareAccelerated  bool          `json:"hardware_accelerated"`
	LastUpdated          time.Time     `json:"last_updated"`
}

// CacheHitRate returns hits/(hits+misses), 0 before any lookup.
func (m Metric) CacheHitRate() float64 {
	total := m.CacheHits + m.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(m.CacheHits) / float64(total)
}

// SuccessRate is the share of requests served natively.
func (m Metric) SuccessRate() float64 {
	if m.Requests == 0 {
		return 0
	}
	return float64(m.NativeRequests) / float64(m.Requests)
}

// Sample is one inference outcome.
type Sample struct {
	Kind                api.ModelKind
	Duration            time.Duration
	MemoryBytes         uint64
	Native              bool
	CacheHit            bool
	Quantized           bool
	HardwareAccelerated bool
}

// Totals aggregates every kind.
type Totals struct {
	Requests             int64         `json:"requests"`
	AverageInferenceTime time.Duration `json:"average_inference_time"`
	PeakMemoryBytes      uint64        `json:"peak_memory_bytes"`
	CurrentMemoryBytes   uint64        `json:"current_memory_bytes"`
	CacheHits            int64         `json:"cache_hits"`
	CacheMisses          int64         `json:"cache_misses"`
}

// CacheLookups returns hits plus misses.
func (t Totals) CacheLookups() int64 {
	return t.CacheHits + t.CacheMisses
}

// CacheHitRate returns the overall hit rate, 0 before any lookup.
func (t Totals) CacheHitRate() float64 {
	if t.CacheLookups() == 0 {
		return 0
	}
	return float64(t.CacheHits) / float64(t.CacheLookups())
}

// Tracker keeps per-kind running metrics. Updates are read-modify-write
// under one lock so concurrent samples are never lost.
type Tracker struct {
	mu         sync.RWMutex
	metrics    map[api.ModelKind]*Metric
	lastMemory uint64
	now        func() time.Time
}

// NewTracker creates a new statistics tracker
func NewTracker() *Tracker {
	return &Tracker{
		metrics: make(map[api.ModelKind]*Metric),
		now:     time.Now,
	}
}

// SetClock replaces the timestamp source.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Record folds s into the metric for its kind. Cache hits and misses only
// count for natively served calls.
func (t *Tracker) Record(s Sample) Metric {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.metrics[s.Kind]
	if !ok {
		m = &Metric{Kind: s.Kind}
		t.metrics[s.Kind] = m
	}
	m.Requests++
	// incremental mean avoids keeping a running sum
	m.AverageInferenceTime += (s.Duration - m.AverageInferenceTime) / time.Duration(m.Requests)
	if s.MemoryBytes > m.PeakMemoryBytes {
		m.PeakMemoryBytes = s.MemoryBytes
	}
	if s.Native {
		m.NativeRequests++
		if s.CacheHit {
			m.CacheHits++
		} else {
			m.CacheMisses++
		}
		m.Quantized = s.Quantized
		m.HardwareAccelerated = s.HardwareAccelerated
	} else {
		m.Fallbacks++
	}
	m.LastUpdated = t.now()
	if s.MemoryBytes > 0 {
		t.lastMemory = s.MemoryBytes
	}
	return *m
}

// Get returns the metric for kind.
func (t *Tracker) Get(kind api.ModelKind) (Metric, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.metrics[kind]
	if !ok {
		return Metric{}, false
	}
	return *m, true
}

// All returns every metric sorted by kind.
func (t *Tracker) All() []Metric {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Metric, 0, len(t.metrics))
	for _, m := range t.metrics {
		result = append(result, *m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Kind < result[j].Kind })
	return result
}

// Totals aggregates all kinds; the average is weighted by request count.
func (t *Tracker) Totals() Totals {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out Totals
	var weighted float64
	for _, m := range t.metrics {
		out.Requests += m.Requests
		out.CacheHits += m.CacheHits
		out.CacheMisses += m.CacheMisses
		weighted += float64(m.AverageInferenceTime) * float64(m.Requests)
		if m.PeakMemoryBytes > out.PeakMemoryBytes {
			out.PeakMemoryBytes = m.PeakMemoryBytes
		}
	}
	if out.Requests > 0 {
		out.AverageInferenceTime = time.Duration(weighted / float64(out.Requests))
	}
	out.CurrentMemoryBytes = t.lastMemory
	return out
}

// Reset clears all statistics
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = make(map[api.ModelKind]*Metric)
	t.lastMemory = 0
}

// ResetKind clears statistics for one kind.
func (t *Tracker) ResetKind(kind api.ModelKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.metrics, kind)
}
