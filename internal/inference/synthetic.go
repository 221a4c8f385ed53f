package inference

import (
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

// SyntheticPayload returns a small fixed payload for kind, used by
// benchmarks and smoke checks.
func SyntheticPayload(kind api.ModelKind) api.Payload {
	switch kind {
	case api.KindTableDetection, api.KindLayoutAnalysis, api.KindTextRecognition:
		return api.Payload{Image: syntheticPage(64, 64)}
	case api.KindDocumentClassifier:
		return api.Payload{Text: "Employee ID 4411 Gross Salary HRA Special Allowance Provident Fund", FormatHint: "corporate"}
	case api.KindLanguageDetection:
		return api.Payload{Text: "Net pay for the month of March"}
	case api.KindFinancialValidation:
		return api.Payload{Amounts: map[string]float64{"gross": 52000, "deductions": 7400, "net": 44600}}
	case api.KindAnomalyDetection:
		return api.Payload{Values: []float64{41000, 41500, 40800, 41200, 40900, 41100, 41300, 40700, 41050, 98000}}
	}
	return api.Payload{}
}

// syntheticPage draws a 3x3 ruled grid on a white grayscale page.
func syntheticPage(w, h int) *api.Image {
	img := &api.Image{Width: w, Height: h, Channels: 1, Pixels: make([]byte, w*h)}
	for i := range img.Pixels {
		img.Pixels[i] = 255
	}
	for _, y := range []int{h / 8, h * 3 / 8, h * 5 / 8, h * 7 / 8} {
		for x := w / 8; x <= w*7/8; x++ {
			img.Pixels[y*w+x] = 0
		}
	}
	for _, x := range []int{w / 8, w / 2, w * 7 / 8} {
		for y := h / 8; y <= h*7/8; y++ {
			img.Pixels[y*w+x] = 0
		}
	}
	return img
}
