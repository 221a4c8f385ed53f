package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

// loadPayload reads an inference payload from path, choosing the decoder
// from the file extension.
func loadPayload(path string) (api.Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return api.Payload{}, fmt.Errorf("failed to read payload: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".gif":
		img, err := decodeImage(data)
		if err != nil {
			return api.Payload{}, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
		}
		return api.Payload{Image: img}, nil
	case ".json":
		var p api.Payload
		if err := json.Unmarshal(data, &p); err != nil {
			return api.Payload{}, fmt.Errorf("failed to parse payload: %w", err)
		}
		return p, nil
	default:
		return api.Payload{Text: string(data)}, nil
	}
}

// decodeImage converts any registered image format to single-channel
// grayscale pixels in row-major order.
func decodeImage(data []byte) (*api.Image, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	out := &api.Image{
		Width:    b.Dx(),
		Height:   b.Dy(),
		Channels: 1,
		Pixels:   make([]byte, b.Dx()*b.Dy()),
	}
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Pixels[i] = color.GrayModel.Convert(src.At(x, y)).(color.Gray).Y
			i++
		}
	}
	return out, nil
}
