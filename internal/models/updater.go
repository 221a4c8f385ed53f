package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/gofrs/flock"

	"github.com/takuphilchan/offgrid-docai/internal/integrity"
	"github.com/takuphilchan/offgrid-docai/internal/logging"
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

const lockRetryDelay = 100 * time.Millisecond

// UpdateInfo is one entry of the update server's listing.
type UpdateInfo struct {
	Kind         api.ModelKind `json:"model_kind"`
	Version      string        `json:"version"`
	Size         int64         `json:"size"`
	Checksum     string        `json:"checksum"`
	ReleaseNotes string        `json:"release_notes,omitempty"`
	Priority     string        `json:"priority,omitempty"`
}

// UpdateConfig configures UpdateService.
type UpdateConfig struct {
	BaseURL          string
	Token            string
	Timeout          time.Duration // listing requests
	DownloadTimeout  time.Duration // artifact downloads
	MaxDownloadBytes int64
	ValidateChecksum bool
	Backup           bool
	Extension        string // artifact extension, ".onnx" by default
	RetryAttempts    uint
	RetryDelay       time.Duration
}

// DownloadProgress represents download progress
type DownloadProgress struct {
	Kind       api.ModelKind
	Version    string
	BytesTotal int64
	BytesDone  int64
	Percent    float64
	Speed      int64  // bytes per second
	Status     string // "downloading", "verifying", "installing", "complete", "failed"
	Error      error
}

// UpdateService fetches newer model versions and installs them with
// backup and rollback.
type UpdateService struct {
	cfg        UpdateConfig
	registry   *Registry
	client     *http.Client
	logger     *logging.Logger
	mu         sync.Mutex
	onProgress func(DownloadProgress)
	listeners  []func(Descriptor)
	spaceCheck func(dir string, need int64) error
}

// NewUpdateService creates an update service bound to registry.
func NewUpdateService(cfg UpdateConfig, registry *Registry, logger *logging.Logger) *UpdateService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 10 * time.Minute
	}
	if cfg.Extension == "" {
		cfg.Extension = ".onnx"
	}
	if !strings.HasPrefix(cfg.Extension, ".") {
		cfg.Extension = "." + cfg.Extension
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &UpdateService{
		cfg:      cfg,
		registry: registry,
		// per-request deadlines come from the context
		client: &http.Client{},
		logger: logger.Component("updater"),
	}
}

// SetHTTPClient replaces the HTTP client.
func (s *UpdateService) SetHTTPClient(c *http.Client) {
	s.client = c
}

// SetProgressCallback sets a callback for download progress
func (s *UpdateService) SetProgressCallback(callback func(DownloadProgress)) {
	s.onProgress = callback
}

// SetSpaceCheck installs a free-space check run before each download.
// need is the declared artifact size plus any backup copy.
func (s *UpdateService) SetSpaceCheck(fn func(dir string, need int64) error) {
	s.spaceCheck = fn
}

// OnInstalled registers fn to run after every successful install.
func (s *UpdateService) OnInstalled(fn func(Descriptor)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *UpdateService) retryOpts(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(s.cfg.RetryAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(s.cfg.RetryDelay),
		retry.MaxDelay(5 * s.cfg.RetryDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("retrying update request", map[string]any{"attempt": n + 1, "error": err.Error()})
		}),
	}
}

func (s *UpdateService) newRequest(ctx context.Context, target string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	return req, nil
}

// statusError turns non-2xx responses into errors; 4xx are not retried.
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err := fmt.Errorf("server returned HTTP %d", resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return retry.Unrecoverable(err)
	}
	return err
}

// CheckForUpdates fetches the server listing and returns the entries that
// are strictly newer than what the registry records, sorted by kind.
func (s *UpdateService) CheckForUpdates(ctx context.Context) ([]UpdateInfo, error) {
	if s.cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: no update server configured", ErrUpdateFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var listing []UpdateInfo
	err := retry.Do(func() error {
		req, err := s.newRequest(ctx, s.cfg.BaseURL)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := statusError(resp); err != nil {
			return err
		}
		listing = nil
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&listing); err != nil {
			return retry.Unrecoverable(fmt.Errorf("failed to decode update listing: %w", err))
		}
		return nil
	}, s.retryOpts(ctx)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpdateFailed, err)
	}

	var updates []UpdateInfo
	for _, info := range listing {
		if !info.Kind.Valid() || info.Version == "" {
			s.logger.Debug("ignoring update entry", map[string]any{"kind": info.Kind, "version": info.Version})
			continue
		}
		current := s.registry.Version(info.Kind)
		if IsNewer(info.Version, current) {
			updates = append(updates, info)
		}
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].Kind < updates[j].Kind })

	s.logger.Info("update check complete", map[string]any{"listed": len(listing), "newer": len(updates)})
	return updates, nil
}

// ArtifactURL returns {base}/models/{kind}/{version}{ext}.
func (s *UpdateService) ArtifactURL(info UpdateInfo) (string, error) {
	return url.JoinPath(s.cfg.BaseURL, "models", string(info.Kind), info.Version+s.cfg.Extension)
}

// Install downloads, verifies and activates info. On any failure the
// previously installed artifact and registry entry stay in place.
func (s *UpdateService) Install(ctx context.Context, info UpdateInfo) (Descriptor, error) {
	d, err := s.install(ctx, info)
	if err != nil {
		s.notifyProgress(DownloadProgress{Kind: info.Kind, Version: info.Version, Status: "failed", Error: err})
		s.logger.Error("model update failed", map[string]any{
			"kind":    info.Kind,
			"version": info.Version,
			"error":   err.Error(),
		})
		return Descriptor{}, fmt.Errorf("%w: %s %s: %w", ErrUpdateFailed, info.Kind, info.Version, err)
	}
	return d, nil
}

func (s *UpdateService) install(ctx context.Context, info UpdateInfo) (Descriptor, error) {
	if !info.Kind.Valid() {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownKind, info.Kind)
	}
	if info.Version == "" || strings.ContainsAny(info.Version, `/\`) {
		return Descriptor{}, fmt.Errorf("invalid version %q", info.Version)
	}
	expected, err := integrity.NormalizeChecksum(info.Checksum)
	if err != nil {
		return Descriptor{}, err
	}
	if s.cfg.ValidateChecksum && expected == "" {
		return Descriptor{}, fmt.Errorf("%w: update carries no checksum", ErrChecksumMismatch)
	}
	if s.cfg.MaxDownloadBytes > 0 && info.Size > s.cfg.MaxDownloadBytes {
		return Descriptor{}, fmt.Errorf("%w: declared %d bytes, limit %d", ErrDownloadTooLarge, info.Size, s.cfg.MaxDownloadBytes)
	}

	modelsDir := s.registry.ModelsDir()
	if err := os.MkdirAll(modelsDir, 0755); err != nil {
		return Descriptor{}, fmt.Errorf("failed to create models dir: %w", err)
	}

	// One install at a time, across processes as well as goroutines.
	s.mu.Lock()
	defer s.mu.Unlock()
	lock := flock.New(filepath.Join(modelsDir, ".install.lock"))
	if _, err := lock.TryLockContext(ctx, lockRetryDelay); err != nil {
		return Descriptor{}, fmt.Errorf("failed to acquire install lock: %w", err)
	}
	defer lock.Unlock()

	current, hasCurrent := s.registry.Resolve(info.Kind)
	if hasCurrent && !IsNewer(info.Version, current.Version) {
		return Descriptor{}, fmt.Errorf("version %s is not newer than installed %s", info.Version, current.Version)
	}

	if s.spaceCheck != nil {
		need := info.Size
		if s.cfg.Backup && hasCurrent {
			need += current.SizeBytes
		}
		if err := s.spaceCheck(modelsDir, need); err != nil {
			return Descriptor{}, err
		}
	}

	if s.cfg.Backup && hasCurrent {
		if err := s.backup(current); err != nil {
			return Descriptor{}, err
		}
	}

	filename := fmt.Sprintf("%s-%s%s", info.Kind, info.Version, s.cfg.Extension)
	finalPath := filepath.Join(modelsDir, filename)
	tmpPath := filepath.Join(modelsDir, fmt.Sprintf(".%s-%s.tmp", info.Kind, info.Version))
	defer os.Remove(tmpPath)

	source, err := s.ArtifactURL(info)
	if err != nil {
		return Descriptor{}, fmt.Errorf("invalid artifact url: %w", err)
	}

	dlCtx, cancel := context.WithTimeout(ctx, s.cfg.DownloadTimeout)
	defer cancel()

	var hash string
	var size int64
	err = retry.Do(func() error {
		var dlErr error
		hash, size, dlErr = s.download(dlCtx, source, tmpPath, info)
		return dlErr
	}, s.retryOpts(dlCtx)...)
	if err != nil {
		return Descriptor{}, err
	}

	s.notifyProgress(DownloadProgress{Kind: info.Kind, Version: info.Version, BytesTotal: size, BytesDone: size, Percent: 100, Status: "verifying"})
	if s.cfg.ValidateChecksum && !strings.EqualFold(hash, expected) {
		return Descriptor{}, fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expected, hash)
	}
	if info.Size > 0 && size != info.Size {
		return Descriptor{}, fmt.Errorf("%w: expected %d bytes, downloaded %d", ErrSizeMismatch, info.Size, size)
	}

	s.notifyProgress(DownloadProgress{Kind: info.Kind, Version: info.Version, BytesTotal: size, BytesDone: size, Percent: 100, Status: "installing"})
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return Descriptor{}, fmt.Errorf("failed to move artifact into place: %w", err)
	}

	entry := ManifestEntry{
		Version:   info.Version,
		Filename:  filename,
		SizeBytes: size,
		Checksum:  hash,
	}
	if hasCurrent {
		prev := current.Entry()
		entry.Description = prev.Description
		entry.InputShape = prev.InputShape
		entry.OutputShape = prev.OutputShape
		entry.AccuracyBaseline = prev.AccuracyBaseline
		entry.PerformanceTargetMs = prev.PerformanceTargetMs
		entry.Quantized = prev.Quantized
	}
	if entry.Description == "" {
		entry.Description = info.ReleaseNotes
	}

	installed, err := s.registry.Commit(info.Kind, entry)
	if err != nil {
		// registry still points at the old artifact; drop the new one
		os.Remove(finalPath)
		return Descriptor{}, err
	}

	if hasCurrent && current.FilePath != finalPath {
		if err := os.Remove(current.FilePath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove superseded artifact", map[string]any{"path": current.FilePath, "error": err.Error()})
		}
	}

	s.logger.Info("model updated", map[string]any{
		"kind":     info.Kind,
		"from":     current.Version,
		"to":       installed.Version,
		"bytes":    size,
		"priority": info.Priority,
	})
	s.notifyProgress(DownloadProgress{Kind: info.Kind, Version: info.Version, BytesTotal: size, BytesDone: size, Percent: 100, Status: "complete"})

	for _, fn := range s.listeners {
		fn(installed)
	}
	return installed, nil
}

// backup copies the current artifact into <models>/backups.
func (s *UpdateService) backup(current Descriptor) error {
	src, err := os.Open(current.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open artifact for backup: %w", err)
	}
	defer src.Close()

	dir := filepath.Join(s.registry.ModelsDir(), "backups")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create backup dir: %w", err)
	}
	dst := filepath.Join(dir, fmt.Sprintf("%s.%s.bak", filepath.Base(current.FilePath), current.Version))
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create backup: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to write backup: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close backup: %w", err)
	}
	s.logger.Debug("artifact backed up", map[string]any{"kind": current.Kind, "backup": dst})
	return nil
}

func (s *UpdateService) download(ctx context.Context, source, tmpPath string, info UpdateInfo) (string, int64, error) {
	req, err := s.newRequest(ctx, source)
	if err != nil {
		return "", 0, retry.Unrecoverable(err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return "", 0, err
	}

	limit := s.cfg.MaxDownloadBytes
	if limit > 0 && resp.ContentLength > limit {
		return "", 0, retry.Unrecoverable(fmt.Errorf("%w: server reports %d bytes, limit %d", ErrDownloadTooLarge, resp.ContentLength, limit))
	}

	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", 0, retry.Unrecoverable(err)
	}
	defer file.Close()

	body := io.Reader(resp.Body)
	if limit > 0 {
		body = io.LimitReader(resp.Body, limit+1)
	}

	total := info.Size
	if total <= 0 {
		total = resp.ContentLength
	}
	progress := DownloadProgress{Kind: info.Kind, Version: info.Version, BytesTotal: total, Status: "downloading"}

	hw := integrity.NewHashingWriter(file)
	startTime := time.Now()
	lastUpdate := time.Now()
	buffer := make([]byte, 32*1024)

	for {
		n, readErr := body.Read(buffer)
		if n > 0 {
			if _, err := hw.Write(buffer[:n]); err != nil {
				return "", 0, retry.Unrecoverable(err)
			}
			if limit > 0 && hw.Written() > limit {
				return "", 0, retry.Unrecoverable(fmt.Errorf("%w: limit %d bytes", ErrDownloadTooLarge, limit))
			}
			if time.Since(lastUpdate) >= 500*time.Millisecond {
				progress.BytesDone = hw.Written()
				if elapsed := time.Since(startTime).Seconds(); elapsed > 0 {
					progress.Speed = int64(float64(progress.BytesDone) / elapsed)
				}
				if total > 0 {
					progress.Percent = float64(progress.BytesDone) / float64(total) * 100
				}
				s.notifyProgress(progress)
				lastUpdate = time.Now()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if errors.Is(readErr, context.Canceled) || errors.Is(readErr, context.DeadlineExceeded) {
				return "", 0, retry.Unrecoverable(readErr)
			}
			return "", 0, readErr
		}
	}

	if err := file.Sync(); err != nil {
		return "", 0, retry.Unrecoverable(err)
	}
	return hw.Sum(), hw.Written(), nil
}

// notifyProgress calls the progress callback if set
func (s *UpdateService) notifyProgress(progress DownloadProgress) {
	if s.onProgress != nil {
		s.onProgress(progress)
	}
}
