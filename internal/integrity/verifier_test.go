package integrity

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sha256("hello")
const helloSHA = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestNormalizeChecksum(t *testing.T) {
	got, err := NormalizeChecksum(" " + helloSHA + " ")
	require.NoError(t, err)
	assert.Equal(t, helloSHA, got)

	got, err = NormalizeChecksum("sha256:" + helloSHA)
	require.NoError(t, err)
	assert.Equal(t, helloSHA, got)

	got, err = NormalizeChecksum("")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = NormalizeChecksum("not-hex")
	assert.Error(t, err)
}

func TestVerifyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.onnx")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	got, err := VerifyFile(context.Background(), path, helloSHA)
	require.NoError(t, err)
	assert.Equal(t, helloSHA, got)

	_, err = VerifyFile(context.Background(), path, "sha256:"+helloSHA[:63]+"0")
	assert.True(t, errors.Is(err, ErrMismatch))
}

func TestHashFileHonorsCancellation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.onnx")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := HashFile(ctx, path)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHashingWriter(t *testing.T) {
	var buf bytes.Buffer
	hw := NewHashingWriter(&buf)
	_, err := hw.Write([]byte("hel"))
	require.NoError(t, err)
	_, err = hw.Write([]byte("lo"))
	require.NoError(t, err)

	assert.Equal(t, helloSHA, hw.Sum())
	assert.EqualValues(t, 5, hw.Written())
	assert.Equal(t, "hello", buf.String())
}
