package resource

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/takuphilchan/offgrid-docai/internal/logging"
	"github.com/takuphilchan/offgrid-docai/internal/scheduler"
)

// Stats represents system memory statistics
type Stats struct {
	MemoryUsedMB       uint64    `json:"memory_used_mb"`
	MemoryTotalMB      uint64    `json:"memory_total_mb"`
	MemoryAvailableMB  uint64    `json:"memory_available_mb"`
	MemoryUsagePercent float64   `json:"memory_usage_percent"`
	ProcessRSSBytes    uint64    `json:"process_rss_bytes"`
	NumGoroutines      int       `json:"num_goroutines"`
	UnderPressure      bool      `json:"under_pressure"`
	LastUpdated        time.Time `json:"last_updated"`
}

// MemorySampler returns the current virtual memory statistics.
type MemorySampler func() (*mem.VirtualMemoryStat, error)

// Monitor samples system memory and signals pressure when usage crosses a
// threshold. Handlers fire once per crossing, not on every sample.
type Monitor struct {
	mu               sync.RWMutex
	stats            Stats
	thresholdPercent float64
	sample           MemorySampler
	handlers         []func(Stats)
	task             *scheduler.Task
	logger           *logging.Logger
}

// NewMonitor creates a memory monitor sampling every updateInterval.
func NewMonitor(updateInterval time.Duration, thresholdPercent float64, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.Default()
	}
	m := &Monitor{
		thresholdPercent: thresholdPercent,
		sample:           mem.VirtualMemory,
		logger:           logger.Component("resource"),
	}
	m.task = scheduler.NewTask("memory-pressure", updateInterval, func(ctx context.Context) error {
		m.Sample()
		return nil
	}, logger)
	return m
}

// SetSampler replaces the memory source.
func (m *Monitor) SetSampler(s MemorySampler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sample = s
}

// OnPressure registers fn to run when usage rises above the threshold.
func (m *Monitor) OnPressure(fn func(Stats)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// Start begins monitoring system resources
func (m *Monitor) Start(ctx context.Context) error {
	m.Sample()
	return m.task.Start(ctx)
}

// Stop stops the resource monitor
func (m *Monitor) Stop() {
	m.task.Stop()
}

// GetStats returns the latest sample
func (m *Monitor) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Sample takes a reading now and fires pressure handlers on a rising edge.
func (m *Monitor) Sample() Stats {
	m.mu.RLock()
	sample := m.sample
	m.mu.RUnlock()

	vmStat, err := sample()
	if err != nil {
		// Fallback to runtime stats
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		vmStat = &mem.VirtualMemoryStat{
			Total:       memStats.Sys,
			Used:        memStats.Alloc,
			Available:   memStats.Sys - memStats.Alloc,
			UsedPercent: float64(memStats.Alloc) / float64(memStats.Sys) * 100,
		}
	}

	stats := Stats{
		MemoryUsedMB:       vmStat.Used / 1024 / 1024,
		MemoryTotalMB:      vmStat.Total / 1024 / 1024,
		MemoryAvailableMB:  vmStat.Available / 1024 / 1024,
		MemoryUsagePercent: vmStat.UsedPercent,
		ProcessRSSBytes:    ProcessRSS(),
		NumGoroutines:      runtime.NumGoroutine(),
		UnderPressure:      m.thresholdPercent > 0 && vmStat.UsedPercent >= m.thresholdPercent,
		LastUpdated:        time.Now(),
	}

	m.mu.Lock()
	rising := stats.UnderPressure && !m.stats.UnderPressure
	m.stats = stats
	handlers := append([]func(Stats){}, m.handlers...)
	m.mu.Unlock()

	if rising {
		m.logger.Warn("memory pressure detected", map[string]any{
			"used_percent": fmt.Sprintf("%.1f", stats.MemoryUsagePercent),
			"available":    humanize.IBytes(vmStat.Available),
		})
		for _, fn := range handlers {
			fn(stats)
		}
	}
	return stats
}

// CheckAvailableMemory checks that at least requiredMB of memory is available
func (m *Monitor) CheckAvailableMemory(requiredMB uint64) (bool, error) {
	stats := m.GetStats()
	if stats.LastUpdated.IsZero() {
		stats = m.Sample()
	}
	if stats.MemoryAvailableMB < requiredMB {
		return false, fmt.Errorf("insufficient memory: need %d MB, have %d MB available",
			requiredMB, stats.MemoryAvailableMB)
	}
	return true, nil
}

// ProcessRSS returns the resident set size of this process, falling back to
// the Go runtime's view when the OS query fails.
func ProcessRSS() uint64 {
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := p.MemoryInfo(); err == nil && info != nil {
			return info.RSS
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}
