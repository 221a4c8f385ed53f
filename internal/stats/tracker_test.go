package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

func TestTrackerRunningAverage(t *testing.T) {
	tr := NewTracker()
	kind := api.KindTableDetection

	tr.Record(Sample{Kind: kind, Duration: 100 * time.Millisecond, Native: true, MemoryBytes: 10})
	tr.Record(Sample{Kind: kind, Duration: 300 * time.Millisecond, Native: true, CacheHit: true, MemoryBytes: 30})
	m := tr.Record(Sample{Kind: kind, Duration: 200 * time.Millisecond, MemoryBytes: 20})

	assert.Equal(t, int64(3), m.Requests)
	assert.Equal(t, 200*time.Millisecond, m.AverageInferenceTime)
	assert.Equal(t, uint64(30), m.PeakMemoryBytes)
	assert.Equal(t, int64(1), m.CacheHits)
	assert.Equal(t, int64(1), m.CacheMisses)
	assert.Equal(t, int64(1), m.Fallbacks)
	assert.InDelta(t, 0.5, m.CacheHitRate(), 1e-9)
	assert.InDelta(t, 2.0/3.0, m.SuccessRate(), 1e-9)
}

func TestTrackerTotalsAreWeighted(t *testing.T) {
	tr := NewTracker()
	tr.Record(Sample{Kind: api.KindTableDetection, Duration: time.Second, Native: true})
	for i := 0; i < 3; i++ {
		tr.Record(Sample{Kind: api.KindTextRecognition, Duration: 200 * time.Millisecond, Native: true, CacheHit: true, MemoryBytes: 64})
	}

	totals := tr.Totals()
	assert.Equal(t, int64(4), totals.Requests)
	assert.Equal(t, 400*time.Millisecond, totals.AverageInferenceTime)
	assert.Equal(t, uint64(64), totals.CurrentMemoryBytes)
	assert.InDelta(t, 0.75, totals.CacheHitRate(), 1e-9)

	all := tr.All()
	require.Len(t, all, 2)
	assert.Equal(t, api.KindTableDetection, all[0].Kind)
}

func TestTrackerConcurrentUpdatesAreNotLost(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				tr.Record(Sample{Kind: api.KindLayoutAnalysis, Duration: time.Millisecond, Native: true})
			}
		}()
	}
	wg.Wait()

	m, ok := tr.Get(api.KindLayoutAnalysis)
	require.True(t, ok)
	assert.Equal(t, int64(1000), m.Requests)
	assert.Equal(t, time.Millisecond, m.AverageInferenceTime)
}

func TestTrackerReset(t *testing.T) {
	tr := NewTracker()
	tr.Record(Sample{Kind: api.KindTableDetection})
	tr.Record(Sample{Kind: api.KindTextRecognition})

	tr.ResetKind(api.KindTableDetection)
	_, ok := tr.Get(api.KindTableDetection)
	assert.False(t, ok)

	tr.Reset()
	assert.Empty(t, tr.All())
}
