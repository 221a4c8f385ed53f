package models

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takuphilchan/offgrid-docai/internal/logging"
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

func TestValidatorChecks(t *testing.T) {
	data := []byte("classifier weights")
	r := seedRegistry(t, api.KindDocumentClassifier, "1.0", data)
	v := NewValidator(logging.Discard())
	ctx := context.Background()

	d, ok := r.Resolve(api.KindDocumentClassifier)
	require.True(t, ok)

	t.Run("valid", func(t *testing.T) {
		res := v.ValidateModel(ctx, d)
		assert.True(t, res.Valid)
		assert.Equal(t, sha(data), res.SHA256Hash)
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		bad := d
		bad.Checksum = sha([]byte("something else"))
		assert.ErrorIs(t, v.Check(ctx, bad), ErrChecksumMismatch)
		assert.False(t, v.Validate(ctx, bad))
	})

	t.Run("size only", func(t *testing.T) {
		sizeOnly := d
		sizeOnly.Checksum = ""
		res := v.ValidateModel(ctx, sizeOnly)
		assert.True(t, res.Valid)
		assert.True(t, res.SizeOnly)

		sizeOnly.SizeBytes++
		assert.ErrorIs(t, v.Check(ctx, sizeOnly), ErrSizeMismatch)
	})

	t.Run("missing file", func(t *testing.T) {
		require.NoError(t, os.Remove(d.FilePath))
		assert.ErrorIs(t, v.Check(ctx, d), ErrModelUnavailable)
	})
}
