package resource

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takuphilchan/offgrid-docai/internal/logging"
)

func TestProfilerComputesOnce(t *testing.T) {
	var calls atomic.Int32
	p := &Profiler{detect: func() Capability {
		calls.Add(1)
		return Capability{ComputeQueueAvailable: true, DeviceName: "test-gpu", SupportsFP16: true}
	}}

	for i := 0; i < 10; i++ {
		caps := p.Capabilities()
		assert.Equal(t, "test-gpu", caps.DeviceName)
		assert.True(t, caps.Accelerated())
	}
	assert.EqualValues(t, 1, calls.Load())
}

func TestDetectCapabilitiesDoesNotFail(t *testing.T) {
	caps := DetectCapabilities()
	assert.Positive(t, caps.CPUCores)
	assert.NotEmpty(t, caps.OS)
}

func TestMonitorFiresOnRisingEdge(t *testing.T) {
	m := NewMonitor(time.Hour, 90, logging.Discard())
	used := 50.0
	m.SetSampler(func() (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{
			Total:       1 << 30,
			Used:        uint64(used / 100 * float64(1<<30)),
			Available:   uint64((100 - used) / 100 * float64(1<<30)),
			UsedPercent: used,
		}, nil
	})

	var fired int
	m.OnPressure(func(Stats) { fired++ })

	m.Sample()
	assert.Equal(t, 0, fired)

	used = 95
	st := m.Sample()
	assert.True(t, st.UnderPressure)
	m.Sample()
	assert.Equal(t, 1, fired)

	used = 40
	m.Sample()
	used = 92
	m.Sample()
	assert.Equal(t, 2, fired)
}

func TestCheckAvailableMemory(t *testing.T) {
	m := NewMonitor(time.Hour, 90, logging.Discard())
	m.SetSampler(func() (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 1 << 30, Available: 100 << 20, UsedPercent: 90}, nil
	})

	ok, err := m.CheckAvailableMemory(50)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.CheckAvailableMemory(500)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestMonitorFallsBackWhenSamplerFails(t *testing.T) {
	m := NewMonitor(time.Hour, 90, logging.Discard())
	m.SetSampler(func() (*mem.VirtualMemoryStat, error) { return nil, errors.New("no /proc") })
	st := m.Sample()
	assert.Positive(t, st.MemoryTotalMB+st.MemoryUsedMB+1)
	assert.False(t, st.LastUpdated.IsZero())
}
