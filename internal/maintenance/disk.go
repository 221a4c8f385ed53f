// Package maintenance keeps the models directory within its disk budget:
// stale partial downloads are removed, old backups are rotated, and
// installs are refused when the volume cannot hold them.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/takuphilchan/offgrid-docai/internal/logging"
)

// ErrInsufficientDisk is returned when a download would not fit.
var ErrInsufficientDisk = errors.New("maintenance: insufficient disk space")

// DiskSpace describes the volume holding a directory.
type DiskSpace struct {
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// UsageFunc reports disk usage for path.
type UsageFunc func(ctx context.Context, path string) (DiskSpace, error)

// FileInfo is a file the janitor may delete.
type FileInfo struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"`
	Category string    `json:"category"` // "temp" or "backup"
}

// CleanupReport summarises one cleanup pass.
type CleanupReport struct {
	Timestamp    time.Time `json:"timestamp"`
	FilesDeleted int       `json:"files_deleted"`
	BytesFreed   int64     `json:"bytes_freed"`
	Errors       []string  `json:"errors,omitempty"`
	SpaceBefore  DiskSpace `json:"space_before"`
	SpaceAfter   DiskSpace `json:"space_after"`
}

// Config for DiskManager.
type Config struct {
	ModelsDir    string
	MinFreeBytes uint64        // headroom left after a download
	TempMaxAge   time.Duration // partial downloads younger than this are in use
	KeepBackups  int           // newest backups kept per model kind
}

func (c *Config) applyDefaults() {
	if c.TempMaxAge <= 0 {
		c.TempMaxAge = time.Hour
	}
	if c.KeepBackups <= 0 {
		c.KeepBackups = 2
	}
}

// DiskManager cleans the models directory and guards installs against a
// full volume.
type DiskManager struct {
	cfg    Config
	logger *logging.Logger

	mu        sync.Mutex
	usage     UsageFunc
	now       func() time.Time
	onCleanup func(CleanupReport)
}

// NewDiskManager creates a disk manager for cfg.ModelsDir.
func NewDiskManager(cfg Config, logger *logging.Logger) *DiskManager {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	return &DiskManager{
		cfg:    cfg,
		logger: logger.Component("disk"),
		usage:  gopsutilUsage,
		now:    time.Now,
	}
}

func gopsutilUsage(ctx context.Context, path string) (DiskSpace, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return DiskSpace{}, err
	}
	return DiskSpace{
		TotalBytes:  u.Total,
		FreeBytes:   u.Free,
		UsedBytes:   u.Used,
		UsedPercent: u.UsedPercent,
	}, nil
}

// SetUsageFunc replaces the disk usage source.
func (dm *DiskManager) SetUsageFunc(fn UsageFunc) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.usage = fn
}

// SetClock replaces the time source.
func (dm *DiskManager) SetClock(now func() time.Time) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.now = now
}

// OnCleanup sets a callback for cleanup passes that deleted something.
func (dm *DiskManager) OnCleanup(callback func(CleanupReport)) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.onCleanup = callback
}

func (dm *DiskManager) snapshot() (UsageFunc, func() time.Time, func(CleanupReport)) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.usage, dm.now, dm.onCleanup
}

// DiskSpace returns usage of the volume holding the models dir.
func (dm *DiskManager) DiskSpace(ctx context.Context) (DiskSpace, error) {
	usage, _, _ := dm.snapshot()
	space, err := usage(ctx, dm.cfg.ModelsDir)
	if err != nil {
		return DiskSpace{}, fmt.Errorf("failed to read disk usage: %w", err)
	}
	return space, nil
}

// EnsureFree returns nil when dir's volume can take need more bytes while
// keeping MinFreeBytes spare. A cleanup pass runs before giving up.
func (dm *DiskManager) EnsureFree(dir string, need int64) error {
	ctx := context.Background()
	usage, _, _ := dm.snapshot()
	if need < 0 {
		need = 0
	}
	required := uint64(need) + dm.cfg.MinFreeBytes

	space, err := usage(ctx, dir)
	if err != nil {
		return fmt.Errorf("failed to read disk usage: %w", err)
	}
	if space.FreeBytes >= required {
		return nil
	}

	report := dm.Cleanup(ctx)
	if report.FilesDeleted > 0 {
		if space, err = usage(ctx, dir); err != nil {
			return fmt.Errorf("failed to read disk usage: %w", err)
		}
		if space.FreeBytes >= required {
			return nil
		}
	}
	return fmt.Errorf("%w: %s free, %s required", ErrInsufficientDisk,
		humanize.IBytes(space.FreeBytes), humanize.IBytes(required))
}

// CleanableFiles lists stale partial downloads and surplus backups,
// largest first.
func (dm *DiskManager) CleanableFiles() ([]FileInfo, error) {
	_, now, _ := dm.snapshot()

	temps, err := dm.scanTempFiles(now())
	if err != nil {
		return nil, err
	}
	backups, err := dm.scanSurplusBackups()
	if err != nil {
		return nil, err
	}
	files := append(temps, backups...)

	sort.Slice(files, func(i, j int) bool {
		return files[i].Size > files[j].Size
	})
	return files, nil
}

// Cleanup deletes every cleanable file.
func (dm *DiskManager) Cleanup(ctx context.Context) CleanupReport {
	usage, now, onCleanup := dm.snapshot()
	report := CleanupReport{Timestamp: now()}
	report.SpaceBefore, _ = usage(ctx, dm.cfg.ModelsDir)

	files, err := dm.CleanableFiles()
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("failed to scan models dir: %v", err))
	}
	for _, f := range files {
		if err := os.Remove(f.Path); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("failed to delete %s: %v", f.Path, err))
			continue
		}
		report.FilesDeleted++
		report.BytesFreed += f.Size
		dm.logger.Debug("deleted file", map[string]any{"path": f.Path, "category": f.Category})
	}

	report.SpaceAfter, _ = usage(ctx, dm.cfg.ModelsDir)

	if report.FilesDeleted > 0 {
		dm.logger.Info("disk cleanup complete", map[string]any{
			"files": report.FilesDeleted,
			"freed": humanize.IBytes(uint64(report.BytesFreed)),
		})
		if onCleanup != nil {
			onCleanup(report)
		}
	}
	return report
}

func isTempName(name string) bool {
	return strings.HasSuffix(name, ".tmp") ||
		strings.HasSuffix(name, ".partial") ||
		strings.HasSuffix(name, ".download")
}

func (dm *DiskManager) scanTempFiles(now time.Time) ([]FileInfo, error) {
	entries, err := os.ReadDir(dm.cfg.ModelsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var files []FileInfo
	for _, e := range entries {
		if e.IsDir() || !isTempName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= dm.cfg.TempMaxAge {
			continue
		}
		files = append(files, FileInfo{
			Path:     filepath.Join(dm.cfg.ModelsDir, e.Name()),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
			Category: "temp",
		})
	}
	return files, nil
}

// backupGroup maps "table_detection-1.0.0.onnx.1.0.0.bak" to
// "table_detection".
func backupGroup(name string) string {
	if i := strings.IndexAny(name, "-."); i > 0 {
		return name[:i]
	}
	return name
}

func (dm *DiskManager) scanSurplusBackups() ([]FileInfo, error) {
	dir := filepath.Join(dm.cfg.ModelsDir, "backups")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	groups := map[string][]FileInfo{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".bak") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		g := backupGroup(e.Name())
		groups[g] = append(groups[g], FileInfo{
			Path:     filepath.Join(dir, e.Name()),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
			Category: "backup",
		})
	}

	var surplus []FileInfo
	for _, files := range groups {
		if len(files) <= dm.cfg.KeepBackups {
			continue
		}
		sort.Slice(files, func(i, j int) bool {
			return files[i].ModTime.After(files[j].ModTime)
		})
		surplus = append(surplus, files[dm.cfg.KeepBackups:]...)
	}
	return surplus, nil
}
