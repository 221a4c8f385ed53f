// Package api holds the public request and result types of the document
// inference runtime.
package api

import (
	"sort"
	"time"
)

// ModelKind identifies one inference capability.
type ModelKind string

const (
	KindTableDetection      ModelKind = "table_detection"
	KindTextRecognition     ModelKind = "text_recognition"
	KindDocumentClassifier  ModelKind = "document_classifier"
	KindFinancialValidation ModelKind = "financial_validation"
	KindAnomalyDetection    ModelKind = "anomaly_detection"
	KindLayoutAnalysis      ModelKind = "layout_analysis"
	KindLanguageDetection   ModelKind = "language_detection"
)

var allKinds = []ModelKind{
	KindTableDetection,
	KindTextRecognition,
	KindDocumentClassifier,
	KindFinancialValidation,
	KindAnomalyDetection,
	KindLayoutAnalysis,
	KindLanguageDetection,
}

// AllKinds returns every supported kind in declaration order.
func AllKinds() []ModelKind {
	out := make([]ModelKind, len(allKinds))
	copy(out, allKinds)
	return out
}

// Valid reports whether k is a supported kind.
func (k ModelKind) Valid() bool {
	for _, known := range allKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseModelKind converts a string into a ModelKind.
func ParseModelKind(s string) (ModelKind, bool) {
	k := ModelKind(s)
	return k, k.Valid()
}

// SortKinds sorts kinds lexically in place.
func SortKinds(kinds []ModelKind) {
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
}

// Source tells where an Inference came from.
type Source string

const (
	SourceNative      Source = "native"
	SourceHeuristic   Source = "heuristic"
	SourceUnavailable Source = "unavailable"
)

// MaxImageSide bounds each image dimension accepted for inference.
const MaxImageSide = 1 << 15

// Image is a row-major 8-bit raster. Channels is 1 (gray), 3 (RGB) or 4 (RGBA).
type Image struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Channels int    `json:"channels"`
	Pixels   []byte `json:"-"`
}

// Gray returns the luminance of pixel (x, y) in [0,255].
func (img *Image) Gray(x, y int) uint8 {
	ch := img.Channels
	if ch <= 0 {
		ch = 1
	}
	off := (y*img.Width + x) * ch
	if off < 0 || off+ch > len(img.Pixels) {
		return 255
	}
	if ch < 3 {
		return img.Pixels[off]
	}
	r, g, b := int(img.Pixels[off]), int(img.Pixels[off+1]), int(img.Pixels[off+2])
	return uint8((299*r + 587*g + 114*b) / 1000)
}

// Usable reports whether the image has consistent dimensions and pixel data.
func (img *Image) Usable() bool {
	if img == nil || img.Width <= 0 || img.Height <= 0 {
		return false
	}
	if img.Width > MaxImageSide || img.Height > MaxImageSide {
		return false
	}
	ch := img.Channels
	if ch <= 0 {
		ch = 1
	}
	if ch > 4 {
		return false
	}
	return int64(len(img.Pixels)) >= int64(img.Width)*int64(img.Height)*int64(ch)
}

// Payload is the input to a single inference call. Which fields matter
// depends on the kind.
type Payload struct {
	Image      *Image             `json:"image,omitempty"`
	Text       string             `json:"text,omitempty"`
	FormatHint string             `json:"format_hint,omitempty"`
	Amounts    map[string]float64 `json:"amounts,omitempty"`
	Values     []float64          `json:"values,omitempty"`
}

// Rect is a bounding box in coordinates normalised to [0,1].
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type TableCell struct {
	Row        int     `json:"row"`
	Column     int     `json:"column"`
	Bounds     Rect    `json:"bounds"`
	Confidence float64 `json:"confidence"`
}

type TableDetection struct {
	Rows    int         `json:"rows"`
	Columns int         `json:"columns"`
	Cells   []TableCell `json:"cells"`
}

type TextLine struct {
	Text       string  `json:"text"`
	Bounds     Rect    `json:"bounds"`
	Confidence float64 `json:"confidence"`
}

type TextRecognition struct {
	Text  string     `json:"text"`
	Lines []TextLine `json:"lines,omitempty"`
}

type DocumentClassification struct {
	Format string             `json:"format"`
	Scores map[string]float64 `json:"scores,omitempty"`
}

type FinancialValidation struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues,omitempty"`
}

type Anomaly struct {
	Field  string  `json:"field,omitempty"`
	Index  int     `json:"index"`
	Value  float64 `json:"value"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

type AnomalyReport struct {
	Anomalies []Anomaly `json:"anomalies"`
}

type LayoutRegion struct {
	Type       string  `json:"type"`
	Bounds     Rect    `json:"bounds"`
	Confidence float64 `json:"confidence"`
}

type LayoutAnalysis struct {
	Regions []LayoutRegion `json:"regions"`
}

type LanguageDetection struct {
	Language string             `json:"language"`
	Scores   map[string]float64 `json:"scores,omitempty"`
}

// Inference is the tagged result of one call. Exactly one of the kind
// specific fields is set when Source is not SourceUnavailable.
type Inference struct {
	Kind                ModelKind     `json:"kind"`
	Source              Source        `json:"source"`
	ModelVersion        string        `json:"model_version,omitempty"`
	Confidence          float64       `json:"confidence"`
	Duration            time.Duration `json:"duration"`
	HardwareAccelerated bool          `json:"hardware_accelerated"`
	CacheHit            bool          `json:"cache_hit"`
	FallbackReason      string        `json:"fallback_reason,omitempty"`

	Table          *TableDetection         `json:"table,omitempty"`
	Text           *TextRecognition        `json:"text,omitempty"`
	Classification *DocumentClassification `json:"classification,omitempty"`
	Financial      *FinancialValidation    `json:"financial,omitempty"`
	Anomalies      *AnomalyReport          `json:"anomalies,omitempty"`
	Layout         *LayoutAnalysis         `json:"layout,omitempty"`
	Language       *LanguageDetection      `json:"language,omitempty"`
}

// IsNative reports whether a model produced the result.
func (i *Inference) IsNative() bool {
	return i != nil && i.Source == SourceNative
}
