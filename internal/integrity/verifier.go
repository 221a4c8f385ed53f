// Package integrity hashes model artifacts and compares them against the
// checksums published in the manifest or by the update server.
package integrity

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/minio/sha256-simd"
	"github.com/opencontainers/go-digest"
)

// ErrMismatch is returned when a computed digest differs from the expected one.
var ErrMismatch = errors.New("integrity: checksum mismatch")

const chunkSize = 1024 * 1024

// NormalizeChecksum accepts either a bare hex SHA-256 or an OCI style
// "sha256:<hex>" digest and returns the lowercase hex form. Empty input
// returns an empty string.
func NormalizeChecksum(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	if !strings.Contains(s, ":") {
		s = string(digest.SHA256) + ":" + strings.ToLower(s)
	}
	d, err := digest.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid checksum %q: %w", s, err)
	}
	if d.Algorithm() != digest.SHA256 {
		return "", fmt.Errorf("unsupported checksum algorithm %q", d.Algorithm())
	}
	return d.Encoded(), nil
}

// HashFile computes the SHA-256 of the file at path. The read loop checks
// ctx between chunks so large artifacts can be abandoned.
func HashFile(ctx context.Context, path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	hasher := sha256.New()
	buf := make([]byte, chunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return "", total, err
		}
		n, err := file.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
			total += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", total, err
		}
	}
	return hex.EncodeToString(hasher.Sum(nil)), total, nil
}

// VerifyFile hashes path and compares it with expected. expected may be in
// either accepted checksum form.
func VerifyFile(ctx context.Context, path, expected string) (string, error) {
	want, err := NormalizeChecksum(expected)
	if err != nil {
		return "", err
	}
	got, _, err := HashFile(ctx, path)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	if want != "" && !strings.EqualFold(got, want) {
		return got, fmt.Errorf("%w: expected %s, got %s", ErrMismatch, want, got)
	}
	return got, nil
}

// HashingWriter tees written bytes into a SHA-256 while counting them.
type HashingWriter struct {
	w      io.Writer
	hasher hash.Hash
	n      int64
}

// NewHashingWriter wraps w.
func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{w: w, hasher: sha256.New()}
}

func (h *HashingWriter) Write(p []byte) (int, error) {
	n, err := h.w.Write(p)
	if n > 0 {
		h.hasher.Write(p[:n])
		h.n += int64(n)
	}
	return n, err
}

// Sum returns the hex digest of everything written so far.
func (h *HashingWriter) Sum() string { return hex.EncodeToString(h.hasher.Sum(nil)) }

// Written returns the byte count written so far.
func (h *HashingWriter) Written() int64 { return h.n }
