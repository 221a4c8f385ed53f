package inference

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

// Input shapes used when the manifest does not declare one.
var defaultInputShapes = map[api.ModelKind][]int64{
	api.KindTableDetection:      {1, 1, 128, 128},
	api.KindTextRecognition:     {1, 1, 32, 128},
	api.KindLayoutAnalysis:      {1, 1, 128, 128},
	api.KindDocumentClassifier:  {1, 256},
	api.KindLanguageDetection:   {1, 256},
	api.KindFinancialValidation: {1, 16},
	api.KindAnomalyDetection:    {1, 32},
}

func inputShapeFor(kind api.ModelKind, declared []int64) []int64 {
	if len(declared) > 0 {
		return ConcreteShape(declared)
	}
	return ConcreteShape(defaultInputShapes[kind])
}

// Preprocess converts a payload into the input tensor declared for kind.
func Preprocess(kind api.ModelKind, p api.Payload, declared []int64) (Tensor, error) {
	shape := inputShapeFor(kind, declared)
	switch kind {
	case api.KindTableDetection, api.KindTextRecognition, api.KindLayoutAnalysis:
		return imageTensor(p.Image, shape)
	case api.KindDocumentClassifier, api.KindLanguageDetection:
		return textTensor(p.Text, p.FormatHint, shape)
	case api.KindFinancialValidation, api.KindAnomalyDetection:
		_, values := numericInputs(p)
		if len(values) == 0 {
			return Tensor{}, fmt.Errorf("%w: %s needs amounts or values", ErrInvalidPayload, kind)
		}
		return numericTensor(values, shape), nil
	}
	return Tensor{}, fmt.Errorf("%w: unsupported kind %s", ErrInvalidPayload, kind)
}

// imageTensor resizes img with nearest-neighbour sampling into an NCHW or
// NHWC tensor scaled to [0,1]. A dim of 1 or 3 in position 1 means NCHW.
func imageTensor(img *api.Image, shape []int64) (Tensor, error) {
	if !img.Usable() {
		return Tensor{}, fmt.Errorf("%w: missing or malformed image", ErrInvalidPayload)
	}
	if len(shape) != 4 {
		return Tensor{}, fmt.Errorf("%w: image models need a rank-4 input, got %v", ErrInvalidPayload, shape)
	}

	nchw := shape[1] == 1 || shape[1] == 3
	var c, h, w int
	if nchw {
		c, h, w = int(shape[1]), int(shape[2]), int(shape[3])
	} else {
		h, w, c = int(shape[1]), int(shape[2]), int(shape[3])
	}

	t := Tensor{Shape: shape, Data: make([]float32, ShapeSize(shape))}
	srcCh := img.Channels
	if srcCh <= 0 {
		srcCh = 1
	}
	for y := 0; y < h; y++ {
		sy := y * img.Height / h
		for x := 0; x < w; x++ {
			sx := x * img.Width / w
			off := (sy*img.Width + sx) * srcCh
			for ch := 0; ch < c; ch++ {
				var v uint8
				if c == 1 || srcCh < 3 || ch >= srcCh {
					v = img.Gray(sx, sy)
				} else {
					v = img.Pixels[off+ch]
				}
				var idx int
				if nchw {
					idx = ch*h*w + y*w + x
				} else {
					idx = (y*w+x)*c + ch
				}
				t.Data[idx] = float32(v) / 255
			}
		}
	}
	return t, nil
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// textTensor builds an L2-normalised hashed bag of words.
func textTensor(text, hint string, shape []int64) (Tensor, error) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return Tensor{}, fmt.Errorf("%w: empty text", ErrInvalidPayload)
	}
	if hint != "" {
		tokens = append(tokens, "__hint_"+strings.ToLower(hint))
	}

	t := Tensor{Shape: shape, Data: make([]float32, ShapeSize(shape))}
	buckets := uint64(len(t.Data))
	for _, tok := range tokens {
		t.Data[xxhash.Sum64String(tok)%buckets]++
	}
	var norm float64
	for _, v := range t.Data {
		norm += float64(v * v)
	}
	norm = math.Sqrt(norm)
	for i := range t.Data {
		t.Data[i] = float32(float64(t.Data[i]) / norm)
	}
	return t, nil
}

// numericInputs returns the values a numeric kind should score. Explicit
// Values win; otherwise Amounts are used in key order with their names.
func numericInputs(p api.Payload) ([]string, []float64) {
	if len(p.Values) > 0 {
		return nil, p.Values
	}
	keys := make([]string, 0, len(p.Amounts))
	for k := range p.Amounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]float64, len(keys))
	for i, k := range keys {
		values[i] = p.Amounts[k]
	}
	return keys, values
}

// numericTensor scales values by their largest magnitude and pads or
// truncates to the input size.
func numericTensor(values []float64, shape []int64) Tensor {
	t := Tensor{Shape: shape, Data: make([]float32, ShapeSize(shape))}
	var maxAbs float64
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			maxAbs = math.Max(maxAbs, math.Abs(v))
		}
	}
	if maxAbs == 0 {
		maxAbs = 1
	}
	for i := 0; i < len(values) && i < len(t.Data); i++ {
		v := values[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		t.Data[i] = float32(v / maxAbs)
	}
	return t
}
