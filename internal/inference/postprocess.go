package inference

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/takuphilchan/offgrid-docai/internal/models"
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

// Label sets shared by models and heuristics. Model outputs index into these.
var (
	DocumentFormats = []string{"military", "pcda", "corporate", "psu", "bank", "government", "unknown"}
	Languages       = []string{"en", "hi", "bn", "ta", "te", "gu", "kn", "mr"}
	LayoutClasses   = []string{"header", "body", "table", "footer", "signature", "logo"}
	FinancialIssues = []string{"totals_mismatch", "negative_amount", "missing_field", "rounding_error"}

	// index 0 of the recognition vocabulary is the CTC blank
	textCharset = []rune(" 0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz.,:-/()₹")
)

const (
	detectionStride = 5 // x, y, w, h, score
	layoutStride    = 6 // x, y, w, h, class, score
	scoreThreshold  = 0.5
)

// Postprocess decodes a model output into the public result for kind.
func Postprocess(kind api.ModelKind, p api.Payload, d models.Descriptor, out Tensor) (*api.Inference, error) {
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("%w: empty output tensor", ErrInferenceFailed)
	}
	for _, v := range out.Data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("%w: non-finite output", ErrInferenceFailed)
		}
	}

	res := &api.Inference{Kind: kind, Source: api.SourceNative, ModelVersion: d.Version}
	var err error
	switch kind {
	case api.KindTableDetection:
		res.Table, res.Confidence, err = decodeTable(out)
	case api.KindTextRecognition:
		res.Text, res.Confidence, err = decodeText(out)
	case api.KindDocumentClassifier:
		var label string
		var scores map[string]float64
		label, scores, res.Confidence = decodeLabels(out.Data, DocumentFormats)
		res.Classification = &api.DocumentClassification{Format: label, Scores: scores}
	case api.KindLanguageDetection:
		var label string
		var scores map[string]float64
		label, scores, res.Confidence = decodeLabels(out.Data, Languages)
		res.Language = &api.LanguageDetection{Language: label, Scores: scores}
	case api.KindFinancialValidation:
		res.Financial, res.Confidence = decodeFinancial(out.Data)
	case api.KindAnomalyDetection:
		res.Anomalies, res.Confidence, err = decodeAnomalies(out.Data, p)
	case api.KindLayoutAnalysis:
		res.Layout, res.Confidence, err = decodeLayout(out)
	default:
		return nil, fmt.Errorf("%w: unsupported kind %s", ErrInferenceFailed, kind)
	}
	if err != nil {
		return nil, err
	}
	res.Confidence = clamp01(res.Confidence)
	return res, nil
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func softmax(logits []float32) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxV := float64(logits[0])
	for _, v := range logits {
		maxV = math.Max(maxV, float64(v))
	}
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(float64(v) - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// probabilities treats data as probabilities when it already sums to ~1
// with no negatives, and as logits otherwise.
func probabilities(data []float32) []float64 {
	var sum float64
	for _, v := range data {
		if v < 0 {
			return softmax(data)
		}
		sum += float64(v)
	}
	if math.Abs(sum-1) > 1e-3 {
		return softmax(data)
	}
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(v)
	}
	return out
}

func decodeLabels(data []float32, labels []string) (string, map[string]float64, float64) {
	n := len(labels)
	if len(data) < n {
		n = len(data)
	}
	probs := probabilities(data[:n])
	scores := make(map[string]float64, n)
	best := 0
	for i, p := range probs {
		scores[labels[i]] = p
		if p > probs[best] {
			best = i
		}
	}
	return labels[best], scores, probs[best]
}

func rect(x, y, w, h float32) api.Rect {
	return api.Rect{
		X:      clamp01(float64(x)),
		Y:      clamp01(float64(y)),
		Width:  clamp01(float64(w)),
		Height: clamp01(float64(h)),
	}
}

// clusterIndex assigns v to a band of nearby values and returns the band
// index after sorting.
func clusterIndex(values []float64, tolerance float64) []int {
	type item struct {
		v   float64
		idx int
	}
	items := make([]item, len(values))
	for i, v := range values {
		items[i] = item{v, i}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].v < items[j].v })

	out := make([]int, len(values))
	band := -1
	last := math.Inf(-1)
	for _, it := range items {
		if it.v-last > tolerance {
			band++
		}
		last = it.v
		out[it.idx] = band
	}
	return out
}

func decodeTable(out Tensor) (*api.TableDetection, float64, error) {
	if len(out.Data) < detectionStride {
		return nil, 0, fmt.Errorf("%w: table output has %d values", ErrInferenceFailed, len(out.Data))
	}
	var cells []api.TableCell
	var ys, xs []float64
	var sum, maxScore float64
	for i := 0; i+detectionStride <= len(out.Data); i += detectionStride {
		row := out.Data[i : i+detectionStride]
		score := float64(row[4])
		maxScore = math.Max(maxScore, score)
		if score < scoreThreshold {
			continue
		}
		b := rect(row[0], row[1], row[2], row[3])
		cells = append(cells, api.TableCell{Bounds: b, Confidence: clamp01(score)})
		ys = append(ys, b.Y+b.Height/2)
		xs = append(xs, b.X+b.Width/2)
		sum += score
	}

	table := &api.TableDetection{Cells: cells}
	if len(cells) == 0 {
		// confident there is no table
		return table, 1 - clamp01(maxScore), nil
	}
	rows := clusterIndex(ys, 0.02)
	cols := clusterIndex(xs, 0.02)
	for i := range table.Cells {
		table.Cells[i].Row = rows[i]
		table.Cells[i].Column = cols[i]
		if rows[i]+1 > table.Rows {
			table.Rows = rows[i] + 1
		}
		if cols[i]+1 > table.Columns {
			table.Columns = cols[i] + 1
		}
	}
	sort.Slice(table.Cells, func(i, j int) bool {
		if table.Cells[i].Row != table.Cells[j].Row {
			return table.Cells[i].Row < table.Cells[j].Row
		}
		return table.Cells[i].Column < table.Cells[j].Column
	})
	return table, sum / float64(len(cells)), nil
}

func decodeText(out Tensor) (*api.TextRecognition, float64, error) {
	vocab := len(textCharset) + 1
	if len(out.Shape) > 0 {
		if last := out.Shape[len(out.Shape)-1]; last > 1 {
			vocab = int(last)
		}
	}
	if len(out.Data) < vocab || len(out.Data)%vocab != 0 {
		return nil, 0, fmt.Errorf("%w: recognition output of %d values does not fit vocabulary %d", ErrInferenceFailed, len(out.Data), vocab)
	}

	var sb strings.Builder
	var confSum float64
	var emitted int
	prev := -1
	for t := 0; t+vocab <= len(out.Data); t += vocab {
		probs := probabilities(out.Data[t : t+vocab])
		best := 0
		for i, p := range probs {
			if p > probs[best] {
				best = i
			}
		}
		if best != 0 && best != prev && best-1 < len(textCharset) {
			sb.WriteRune(textCharset[best-1])
			confSum += probs[best]
			emitted++
		}
		prev = best
	}

	text := strings.TrimSpace(sb.String())
	res := &api.TextRecognition{Text: text}
	conf := 0.0
	if emitted > 0 {
		conf = confSum / float64(emitted)
		res.Lines = []api.TextLine{{Text: text, Bounds: api.Rect{Width: 1, Height: 1}, Confidence: conf}}
	}
	return res, conf, nil
}

func decodeFinancial(data []float32) (*api.FinancialValidation, float64) {
	p := clamp01(float64(data[0]))
	res := &api.FinancialValidation{Valid: p >= 0.5}
	for i, label := range FinancialIssues {
		if i+1 < len(data) && float64(data[i+1]) >= scoreThreshold {
			res.Issues = append(res.Issues, label)
		}
	}
	if len(res.Issues) > 0 {
		res.Valid = false
	}
	return res, math.Max(p, 1-p)
}

func decodeAnomalies(data []float32, p api.Payload) (*api.AnomalyReport, float64, error) {
	fields, values := numericInputs(p)
	if len(values) == 0 {
		return nil, 0, fmt.Errorf("%w: no values to score", ErrInvalidPayload)
	}
	n := len(values)
	if len(data) < n {
		n = len(data)
	}
	report := &api.AnomalyReport{}
	var certainty float64
	for i := 0; i < n; i++ {
		s := clamp01(float64(data[i]))
		certainty += math.Abs(2*s - 1)
		if s >= scoreThreshold {
			a := api.Anomaly{Index: i, Value: values[i], Score: s, Reason: "model score above threshold"}
			if i < len(fields) {
				a.Field = fields[i]
			}
			report.Anomalies = append(report.Anomalies, a)
		}
	}
	return report, certainty / float64(n), nil
}

func decodeLayout(out Tensor) (*api.LayoutAnalysis, float64, error) {
	if len(out.Data) < layoutStride {
		return nil, 0, fmt.Errorf("%w: layout output has %d values", ErrInferenceFailed, len(out.Data))
	}
	res := &api.LayoutAnalysis{}
	var sum float64
	for i := 0; i+layoutStride <= len(out.Data); i += layoutStride {
		row := out.Data[i : i+layoutStride]
		score := float64(row[5])
		if score < scoreThreshold {
			continue
		}
		class := int(math.Round(float64(row[4])))
		if class < 0 || class >= len(LayoutClasses) {
			continue
		}
		res.Regions = append(res.Regions, api.LayoutRegion{
			Type:       LayoutClasses[class],
			Bounds:     rect(row[0], row[1], row[2], row[3]),
			Confidence: clamp01(score),
		})
		sum += score
	}
	if len(res.Regions) == 0 {
		return res, 0, nil
	}
	return res, sum / float64(len(res.Regions)), nil
}
