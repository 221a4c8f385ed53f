package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takuphilchan/offgrid-docai/internal/logging"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeDisk struct {
	free  uint64
	calls int
}

func (f *fakeDisk) usage(ctx context.Context, path string) (DiskSpace, error) {
	f.calls++
	return DiskSpace{TotalBytes: 10 << 30, FreeBytes: f.free, UsedBytes: 10<<30 - f.free}, nil
}

func newTestManager(t *testing.T, cfg Config) (*DiskManager, *fakeDisk) {
	t.Helper()
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = t.TempDir()
	}
	dm := NewDiskManager(cfg, logging.Discard())
	fd := &fakeDisk{free: 1 << 30}
	dm.SetUsageFunc(fd.usage)
	dm.SetClock(func() time.Time { return testNow })
	return dm, fd
}

func touch(t *testing.T, path string, size int, mod time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestCleanupRemovesStaleTempFiles(t *testing.T) {
	dm, _ := newTestManager(t, Config{})
	dir := dm.cfg.ModelsDir

	touch(t, filepath.Join(dir, ".table_detection-2.0.0.tmp"), 100, testNow.Add(-2*time.Hour))
	touch(t, filepath.Join(dir, ".text_recognition-2.0.0.tmp"), 100, testNow.Add(-time.Minute))
	touch(t, filepath.Join(dir, "table_detection-1.0.0.onnx"), 100, testNow.Add(-48*time.Hour))

	var reported []CleanupReport
	dm.OnCleanup(func(r CleanupReport) { reported = append(reported, r) })

	report := dm.Cleanup(context.Background())
	assert.Equal(t, 1, report.FilesDeleted)
	assert.Equal(t, int64(100), report.BytesFreed)
	assert.Empty(t, report.Errors)
	require.Len(t, reported, 1)

	assert.NoFileExists(t, filepath.Join(dir, ".table_detection-2.0.0.tmp"))
	assert.FileExists(t, filepath.Join(dir, ".text_recognition-2.0.0.tmp"))
	assert.FileExists(t, filepath.Join(dir, "table_detection-1.0.0.onnx"))
}

func TestCleanupRotatesBackupsPerKind(t *testing.T) {
	dm, _ := newTestManager(t, Config{KeepBackups: 2})
	backups := filepath.Join(dm.cfg.ModelsDir, "backups")

	for i, v := range []string{"1.0.0", "1.1.0", "1.2.0"} {
		touch(t, filepath.Join(backups, "table_detection-"+v+".onnx."+v+".bak"), 10, testNow.Add(time.Duration(i)*time.Hour))
	}
	touch(t, filepath.Join(backups, "language_detection-1.0.0.onnx.1.0.0.bak"), 10, testNow)

	files, err := dm.CleanableFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "backup", files[0].Category)
	assert.Equal(t, "table_detection-1.0.0.onnx.1.0.0.bak", filepath.Base(files[0].Path))

	report := dm.Cleanup(context.Background())
	assert.Equal(t, 1, report.FilesDeleted)
	assert.FileExists(t, filepath.Join(backups, "table_detection-1.2.0.onnx.1.2.0.bak"))
	assert.FileExists(t, filepath.Join(backups, "language_detection-1.0.0.onnx.1.0.0.bak"))
}

func TestCleanupMissingDirIsNoop(t *testing.T) {
	dm, _ := newTestManager(t, Config{ModelsDir: filepath.Join(t.TempDir(), "absent")})
	report := dm.Cleanup(context.Background())
	assert.Zero(t, report.FilesDeleted)
	assert.Empty(t, report.Errors)
}

func TestEnsureFree(t *testing.T) {
	dm, fd := newTestManager(t, Config{MinFreeBytes: 100 << 20})

	fd.free = 1 << 30
	assert.NoError(t, dm.EnsureFree(dm.cfg.ModelsDir, 500<<20))

	fd.free = 550 << 20
	err := dm.EnsureFree(dm.cfg.ModelsDir, 500<<20)
	require.ErrorIs(t, err, ErrInsufficientDisk)
	assert.Contains(t, err.Error(), "550 MiB free")
}

func TestEnsureFreeCleansBeforeRefusing(t *testing.T) {
	dm, fd := newTestManager(t, Config{})
	stale := filepath.Join(dm.cfg.ModelsDir, ".anomaly_detection-3.0.0.tmp")
	touch(t, stale, 10, testNow.Add(-3*time.Hour))

	fd.free = 0
	err := dm.EnsureFree(dm.cfg.ModelsDir, 1)
	require.ErrorIs(t, err, ErrInsufficientDisk)
	assert.NoFileExists(t, stale)
	// initial check, cleanup before/after, recheck
	assert.Equal(t, 4, fd.calls)
}

func TestBackupGroup(t *testing.T) {
	assert.Equal(t, "table_detection", backupGroup("table_detection-1.0.0.onnx.1.0.0.bak"))
	assert.Equal(t, "custom", backupGroup("custom.onnx.2.0.0.bak"))
}
