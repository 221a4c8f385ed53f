package models

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takuphilchan/offgrid-docai/internal/logging"
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

const testToken = "s3cret"

type updateServer struct {
	*httptest.Server
	listing   []UpdateInfo
	artifacts map[string][]byte
	hits      atomic.Int32
}

func newUpdateServer(t *testing.T) *updateServer {
	us := &updateServer{artifacts: map[string][]byte{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/updates", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(us.listing)
	})
	mux.HandleFunc("/updates/models/", func(w http.ResponseWriter, r *http.Request) {
		us.hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		data, ok := us.artifacts[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)
	})
	us.Server = httptest.NewServer(mux)
	t.Cleanup(us.Close)
	return us
}

func newTestUpdater(r *Registry, base string) *UpdateService {
	return NewUpdateService(UpdateConfig{
		BaseURL:          base + "/updates",
		Token:            testToken,
		Timeout:          5 * time.Second,
		MaxDownloadBytes: 1024,
		ValidateChecksum: true,
		Backup:           true,
		RetryAttempts:    2,
		RetryDelay:       time.Millisecond,
	}, r, logging.Discard())
}

func TestCheckForUpdatesFiltersToNewer(t *testing.T) {
	r := seedRegistry(t, api.KindTableDetection, "1.2.0", []byte("v1"))
	srv := newUpdateServer(t)
	srv.listing = []UpdateInfo{
		{Kind: api.KindTableDetection, Version: "1.10.0", Checksum: sha([]byte("x"))},
		{Kind: api.KindTableDetection, Version: "1.2", Checksum: sha([]byte("y"))},
		{Kind: api.KindLanguageDetection, Version: "0.1.0"},
		{Kind: "sentiment", Version: "9.9"},
	}

	updates, err := newTestUpdater(r, srv.URL).CheckForUpdates(context.Background())
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, api.KindLanguageDetection, updates[0].Kind)
	assert.Equal(t, "1.10.0", updates[1].Version)
}

func TestCheckForUpdatesRequiresServer(t *testing.T) {
	r := seedRegistry(t, api.KindTableDetection, "1.0", []byte("v1"))
	_, err := newTestUpdater(r, "").CheckForUpdates(context.Background())
	assert.ErrorIs(t, err, ErrUpdateFailed)

	srv := newUpdateServer(t)
	svc := newTestUpdater(r, srv.URL)
	svc.cfg.Token = "wrong"
	_, err = svc.CheckForUpdates(context.Background())
	assert.ErrorIs(t, err, ErrUpdateFailed)
}

func TestInstallReplacesModel(t *testing.T) {
	v1 := []byte("table weights v1")
	v2 := []byte("table weights v2")
	r := seedRegistry(t, api.KindTableDetection, "1.0", v1)
	old, _ := r.Resolve(api.KindTableDetection)

	srv := newUpdateServer(t)
	srv.artifacts["/updates/models/table_detection/2.0.onnx"] = v2

	svc := newTestUpdater(r, srv.URL)
	var installed []Descriptor
	svc.OnInstalled(func(d Descriptor) { installed = append(installed, d) })
	var statuses []string
	svc.SetProgressCallback(func(p DownloadProgress) { statuses = append(statuses, p.Status) })

	d, err := svc.Install(context.Background(), UpdateInfo{
		Kind:     api.KindTableDetection,
		Version:  "2.0",
		Size:     int64(len(v2)),
		Checksum: "sha256:" + sha(v2),
	})
	require.NoError(t, err)

	assert.Equal(t, "2.0", d.Version)
	assert.Equal(t, "2.0", r.Version(api.KindTableDetection))
	assert.Equal(t, sha(v2), d.Checksum)
	assert.Equal(t, []int64{1, 1, 32, 32}, d.InputShape)

	got, err := os.ReadFile(d.FilePath)
	require.NoError(t, err)
	assert.Equal(t, v2, got)
	assert.NoFileExists(t, old.FilePath)
	assert.FileExists(t, filepath.Join(r.ModelsDir(), "backups", filepath.Base(old.FilePath)+".1.0.bak"))

	require.Len(t, installed, 1)
	assert.Equal(t, "complete", statuses[len(statuses)-1])

	reloaded := NewRegistry(r.ManifestPath(), r.ModelsDir(), logging.Discard())
	require.NoError(t, reloaded.Load())
	assert.Equal(t, "2.0", reloaded.Version(api.KindTableDetection))
}

func TestInstallChecksumMismatchKeepsPrevious(t *testing.T) {
	v1 := []byte("table weights v1")
	r := seedRegistry(t, api.KindTableDetection, "1.0", v1)
	old, _ := r.Resolve(api.KindTableDetection)

	srv := newUpdateServer(t)
	srv.artifacts["/updates/models/table_detection/2.0.onnx"] = []byte("tampered")

	_, err := newTestUpdater(r, srv.URL).Install(context.Background(), UpdateInfo{
		Kind:     api.KindTableDetection,
		Version:  "2.0",
		Checksum: sha([]byte("expected")),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpdateFailed)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	assert.Equal(t, "1.0", r.Version(api.KindTableDetection))
	data, err := os.ReadFile(old.FilePath)
	require.NoError(t, err)
	assert.Equal(t, v1, data)
	assert.NoFileExists(t, filepath.Join(r.ModelsDir(), "table_detection-2.0.onnx"))
}

func TestInstallRejectsOversizedDownload(t *testing.T) {
	r := seedRegistry(t, api.KindTableDetection, "1.0", []byte("v1"))
	big := make([]byte, 2048)

	srv := newUpdateServer(t)
	srv.artifacts["/updates/models/table_detection/2.0.onnx"] = big

	svc := newTestUpdater(r, srv.URL)
	_, err := svc.Install(context.Background(), UpdateInfo{Kind: api.KindTableDetection, Version: "2.0", Checksum: sha(big)})
	assert.ErrorIs(t, err, ErrDownloadTooLarge)

	_, err = svc.Install(context.Background(), UpdateInfo{Kind: api.KindTableDetection, Version: "2.0", Size: 4096, Checksum: sha(big)})
	assert.ErrorIs(t, err, ErrDownloadTooLarge)
	assert.Equal(t, "1.0", r.Version(api.KindTableDetection))
}

func TestInstallDoesNotRetryClientErrors(t *testing.T) {
	r := seedRegistry(t, api.KindTableDetection, "1.0", []byte("v1"))
	srv := newUpdateServer(t)

	_, err := newTestUpdater(r, srv.URL).Install(context.Background(), UpdateInfo{
		Kind: api.KindTableDetection, Version: "3.0", Checksum: sha([]byte("x")),
	})
	assert.ErrorIs(t, err, ErrUpdateFailed)
	assert.EqualValues(t, 1, srv.hits.Load())
}

func TestInstallRejectsOlderVersionAndMissingChecksum(t *testing.T) {
	r := seedRegistry(t, api.KindTableDetection, "2.0", []byte("v2"))
	svc := newTestUpdater(r, "http://127.0.0.1:0")

	_, err := svc.Install(context.Background(), UpdateInfo{Kind: api.KindTableDetection, Version: "1.9", Checksum: sha([]byte("x"))})
	assert.ErrorIs(t, err, ErrUpdateFailed)

	_, err = svc.Install(context.Background(), UpdateInfo{Kind: api.KindTableDetection, Version: "3.0"})
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestInstallSpaceCheckRunsBeforeDownload(t *testing.T) {
	v1 := []byte("table weights v1")
	v2 := []byte("table weights v2!")
	r := seedRegistry(t, api.KindTableDetection, "1.0", v1)

	srv := newUpdateServer(t)
	srv.artifacts["/updates/models/table_detection/2.0.onnx"] = v2

	svc := newTestUpdater(r, srv.URL)
	errFull := errors.New("volume full")
	var asked int64
	svc.SetSpaceCheck(func(dir string, need int64) error {
		asked = need
		return errFull
	})

	_, err := svc.Install(context.Background(), UpdateInfo{
		Kind:     api.KindTableDetection,
		Version:  "2.0",
		Size:     int64(len(v2)),
		Checksum: sha(v2),
	})
	require.ErrorIs(t, err, ErrUpdateFailed)
	assert.ErrorIs(t, err, errFull)
	// artifact plus the backup of v1
	assert.Equal(t, int64(len(v2)+len(v1)), asked)
	assert.Zero(t, srv.hits.Load())
	assert.Equal(t, "1.0", r.Version(api.KindTableDetection))
}
