package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoadPayloadPNG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	for x := 0; x < 4; x++ {
		img.Set(x, 0, color.White)
		img.Set(x, 1, color.Black)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	p, err := loadPayload(writeFile(t, "page.PNG", buf.Bytes()))
	require.NoError(t, err)
	require.NotNil(t, p.Image)
	assert.Equal(t, 4, p.Image.Width)
	assert.Equal(t, 2, p.Image.Height)
	assert.Equal(t, 1, p.Image.Channels)
	assert.True(t, p.Image.Usable())
	assert.Equal(t, uint8(255), p.Image.Gray(0, 0))
	assert.Equal(t, uint8(0), p.Image.Gray(3, 1))
}

func TestLoadPayloadJSON(t *testing.T) {
	path := writeFile(t, "payslip.json", []byte(`{
		"text": "Gross Pay 1000",
		"format_hint": "uk",
		"amounts": {"gross": 1000, "net": 800},
		"values": [1, 2, 3]
	}`))

	p, err := loadPayload(path)
	require.NoError(t, err)
	assert.Nil(t, p.Image)
	assert.Equal(t, "Gross Pay 1000", p.Text)
	assert.Equal(t, "uk", p.FormatHint)
	assert.Equal(t, 800.0, p.Amounts["net"])
	assert.Equal(t, []float64{1, 2, 3}, p.Values)
}

func TestLoadPayloadText(t *testing.T) {
	p, err := loadPayload(writeFile(t, "note.txt", []byte("bonjour le monde")))
	require.NoError(t, err)
	assert.Equal(t, "bonjour le monde", p.Text)
	assert.Nil(t, p.Image)
}

func TestLoadPayloadErrors(t *testing.T) {
	_, err := loadPayload(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)

	_, err = loadPayload(writeFile(t, "broken.png", []byte("not an image")))
	assert.ErrorContains(t, err, "broken.png")

	_, err = loadPayload(writeFile(t, "broken.json", []byte("{")))
	assert.ErrorContains(t, err, "failed to parse payload")
}
