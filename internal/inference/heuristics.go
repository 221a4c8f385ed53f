package inference

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

// HeuristicConfig tunes the deterministic fallbacks.
type HeuristicConfig struct {
	// ConfidenceCeiling bounds every heuristic confidence.
	ConfidenceCeiling float64
	// ZScoreThreshold flags a value as anomalous.
	ZScoreThreshold float64
	// GridRows and GridColumns shape the table fallback when the page shows no rules.
	GridRows    int
	GridColumns int
	// AmountTolerance is the largest gross-deductions-net gap still considered consistent.
	AmountTolerance float64
}

// DefaultHeuristicConfig returns the stock fallback tuning.
func DefaultHeuristicConfig() HeuristicConfig {
	return HeuristicConfig{
		ConfidenceCeiling: 0.8,
		ZScoreThreshold:   2.0,
		GridRows:          4,
		GridColumns:       3,
		AmountTolerance:   1.0,
	}
}

// Heuristics implements a fallback for every kind. Run never fails.
type Heuristics struct {
	cfg HeuristicConfig
}

// NewHeuristics creates heuristics, filling zero fields from the defaults.
func NewHeuristics(cfg HeuristicConfig) *Heuristics {
	d := DefaultHeuristicConfig()
	if cfg.ConfidenceCeiling <= 0 || cfg.ConfidenceCeiling > d.ConfidenceCeiling {
		cfg.ConfidenceCeiling = d.ConfidenceCeiling
	}
	if cfg.ZScoreThreshold <= 0 {
		cfg.ZScoreThreshold = d.ZScoreThreshold
	}
	if cfg.GridRows <= 0 {
		cfg.GridRows = d.GridRows
	}
	if cfg.GridColumns <= 0 {
		cfg.GridColumns = d.GridColumns
	}
	if cfg.AmountTolerance <= 0 {
		cfg.AmountTolerance = d.AmountTolerance
	}
	return &Heuristics{cfg: cfg}
}

// Config returns the effective tuning.
func (h *Heuristics) Config() HeuristicConfig { return h.cfg }

func (h *Heuristics) cap(v float64) float64 {
	return math.Min(clamp01(v), h.cfg.ConfidenceCeiling)
}

// Run produces a heuristic result for kind. Unknown kinds yield an
// Unavailable result with zero confidence.
func (h *Heuristics) Run(kind api.ModelKind, p api.Payload) *api.Inference {
	res := &api.Inference{Kind: kind, Source: api.SourceHeuristic}
	switch kind {
	case api.KindTableDetection:
		res.Table, res.Confidence = h.table(p)
	case api.KindTextRecognition:
		res.Text, res.Confidence = h.text(p)
	case api.KindDocumentClassifier:
		res.Classification, res.Confidence = h.classify(p)
	case api.KindFinancialValidation:
		res.Financial, res.Confidence = h.financial(p)
	case api.KindAnomalyDetection:
		res.Anomalies, res.Confidence = h.anomalies(p)
	case api.KindLayoutAnalysis:
		res.Layout, res.Confidence = h.layout(p)
	case api.KindLanguageDetection:
		res.Language, res.Confidence = h.language(p)
	default:
		return &api.Inference{Kind: kind, Source: api.SourceUnavailable, FallbackReason: "unsupported kind"}
	}
	res.Confidence = h.cap(res.Confidence)
	return res
}

// darkProfile returns, per row and per column, the fraction of dark pixels.
func darkProfile(img *api.Image) (rows, cols []float64) {
	rows = make([]float64, img.Height)
	cols = make([]float64, img.Width)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			if img.Gray(x, y) < 128 {
				rows[y]++
				cols[x]++
			}
		}
	}
	for y := range rows {
		rows[y] /= float64(img.Width)
	}
	for x := range cols {
		cols[x] /= float64(img.Height)
	}
	return rows, cols
}

// ruleLines finds runs of positions whose dark fraction exceeds minFill and
// returns the centre of each run, normalised to [0,1].
func ruleLines(profile []float64, minFill float64) []float64 {
	var lines []float64
	start := -1
	for i := 0; i <= len(profile); i++ {
		on := i < len(profile) && profile[i] >= minFill
		if on && start < 0 {
			start = i
		}
		if !on && start >= 0 {
			centre := float64(start+i-1) / 2
			lines = append(lines, (centre+0.5)/float64(len(profile)))
			start = -1
		}
	}
	return lines
}

func uniformCuts(n int) []float64 {
	cuts := make([]float64, n+1)
	for i := range cuts {
		cuts[i] = float64(i) / float64(n)
	}
	return cuts
}

func gridCells(rowCuts, colCuts []float64, conf float64) *api.TableDetection {
	t := &api.TableDetection{Rows: len(rowCuts) - 1, Columns: len(colCuts) - 1}
	for r := 0; r+1 < len(rowCuts); r++ {
		for c := 0; c+1 < len(colCuts); c++ {
			t.Cells = append(t.Cells, api.TableCell{
				Row:    r,
				Column: c,
				Bounds: api.Rect{
					X:      colCuts[c],
					Y:      rowCuts[r],
					Width:  colCuts[c+1] - colCuts[c],
					Height: rowCuts[r+1] - rowCuts[r],
				},
				Confidence: conf,
			})
		}
	}
	return t
}

// table partitions the page into a grid, following ruled lines when the
// image has at least two in each direction.
func (h *Heuristics) table(p api.Payload) (*api.TableDetection, float64) {
	if !p.Image.Usable() {
		return gridCells(uniformCuts(h.cfg.GridRows), uniformCuts(h.cfg.GridColumns), 0.2), 0.2
	}
	rows, cols := darkProfile(p.Image)
	hLines := ruleLines(rows, 0.6)
	vLines := ruleLines(cols, 0.6)
	if len(hLines) >= 2 && len(vLines) >= 2 {
		return gridCells(hLines, vLines, 0.55), 0.55
	}
	return gridCells(uniformCuts(h.cfg.GridRows), uniformCuts(h.cfg.GridColumns), 0.3), 0.3
}

func (h *Heuristics) text(p api.Payload) (*api.TextRecognition, float64) {
	var lines []string
	for _, l := range strings.Split(p.Text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return &api.TextRecognition{}, 0.05
	}
	res := &api.TextRecognition{Text: strings.Join(lines, "\n")}
	step := 1 / float64(len(lines))
	for i, l := range lines {
		res.Lines = append(res.Lines, api.TextLine{
			Text:       l,
			Bounds:     api.Rect{Y: float64(i) * step, Width: 1, Height: step},
			Confidence: 0.5,
		})
	}
	return res, 0.5
}

var formatKeywords = map[string][]string{
	"military":   {"army", "navy", "air force", "service no", "msp", "military service pay", "dsop", "afpp", "rank"},
	"pcda":       {"pcda", "principal controller", "defence accounts", "cda", "pao", "controller of defence accounts"},
	"corporate":  {"ctc", "employee id", "hra", "special allowance", "provident fund", "esic", "professional tax", "gross salary"},
	"psu":        {"public sector", "ongc", "ntpc", "bhel", "sail", "gail", "cpf", "industrial da"},
	"bank":       {"ifsc", "bank", "branch", "account no", "credited"},
	"government": {"pay level", "7th cpc", "gpf", "nps", "dearness allowance", "pay matrix", "ddo", "treasury"},
}

// containsTerm matches term on word boundaries within the padded text.
func containsTerm(padded, term string) bool {
	return strings.Contains(padded, " "+term+" ")
}

// classify scores keyword co-occurrence per format.
func (h *Heuristics) classify(p api.Payload) (*api.DocumentClassification, float64) {
	padded := " " + strings.Join(tokenize(p.Text), " ") + " "
	hint := strings.ToLower(strings.TrimSpace(p.FormatHint))

	hits := make(map[string]int, len(formatKeywords))
	total := 0
	for format, keywords := range formatKeywords {
		for _, kw := range keywords {
			if containsTerm(padded, kw) {
				hits[format]++
				total++
			}
		}
	}
	if _, ok := formatKeywords[hint]; ok {
		hits[hint]++
		total++
	}
	if total == 0 {
		return &api.DocumentClassification{Format: "unknown", Scores: map[string]float64{"unknown": 1}}, 0.1
	}

	formats := make([]string, 0, len(hits))
	for f := range hits {
		formats = append(formats, f)
	}
	// deterministic tie-break by name
	sort.Slice(formats, func(i, j int) bool {
		if hits[formats[i]] != hits[formats[j]] {
			return hits[formats[i]] > hits[formats[j]]
		}
		return formats[i] < formats[j]
	})

	scores := make(map[string]float64, len(hits))
	for f, n := range hits {
		scores[f] = float64(n) / float64(total)
	}
	best := formats[0]
	return &api.DocumentClassification{Format: best, Scores: scores}, 0.25 + 0.15*float64(hits[best])*scores[best]
}

func lookupAmount(amounts map[string]float64, names ...string) (float64, bool) {
	for k, v := range amounts {
		key := strings.ToLower(strings.ReplaceAll(k, " ", "_"))
		for _, n := range names {
			if key == n {
				return v, true
			}
		}
	}
	return 0, false
}

// financial checks that gross - deductions == net and that amounts are sane.
func (h *Heuristics) financial(p api.Payload) (*api.FinancialValidation, float64) {
	if len(p.Amounts) == 0 {
		return &api.FinancialValidation{Valid: false, Issues: []string{"missing_field"}}, 0.2
	}
	var issues []string
	add := func(issue string) {
		for _, existing := range issues {
			if existing == issue {
				return
			}
		}
		issues = append(issues, issue)
	}

	for _, v := range p.Amounts {
		if v < 0 {
			add("negative_amount")
		}
		if cents := v * 100; math.Abs(cents-math.Round(cents)) > 1e-6 {
			add("rounding_error")
		}
	}

	gross, hasGross := lookupAmount(p.Amounts, "gross", "gross_pay", "gross_salary", "total_earnings", "earnings", "credits")
	deductions, hasDed := lookupAmount(p.Amounts, "deductions", "total_deductions", "debits")
	net, hasNet := lookupAmount(p.Amounts, "net", "net_pay", "net_salary", "net_remittance", "take_home")

	conf := 0.4
	switch {
	case hasGross && hasDed && hasNet:
		conf = 0.7
		if math.Abs(gross-deductions-net) > h.cfg.AmountTolerance {
			add("totals_mismatch")
		}
	case !hasGross || !hasNet:
		add("missing_field")
	}
	sort.Strings(issues)
	return &api.FinancialValidation{Valid: len(issues) == 0, Issues: issues}, conf
}

// anomalies flags values whose population z-score exceeds the threshold.
func (h *Heuristics) anomalies(p api.Payload) (*api.AnomalyReport, float64) {
	fields, values := numericInputs(p)
	report := &api.AnomalyReport{}

	var finite []float64
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}
	if len(finite) < 3 {
		return report, 0.2
	}

	var mean float64
	for _, v := range finite {
		mean += v
	}
	mean /= float64(len(finite))
	var variance float64
	for _, v := range finite {
		variance += (v - mean) * (v - mean)
	}
	std := math.Sqrt(variance / float64(len(finite)))
	if std == 0 {
		return report, 0.5
	}

	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		z := math.Abs(v-mean) / std
		if z <= h.cfg.ZScoreThreshold {
			continue
		}
		a := api.Anomaly{
			Index:  i,
			Value:  v,
			Score:  math.Min(1, z/(2*h.cfg.ZScoreThreshold)),
			Reason: fmt.Sprintf("z-score %.2f exceeds %.2f", z, h.cfg.ZScoreThreshold),
		}
		if i < len(fields) {
			a.Field = fields[i]
		}
		report.Anomalies = append(report.Anomalies, a)
	}
	return report, 0.6
}

// layout splits the inked area into header, body and footer bands.
func (h *Heuristics) layout(p api.Payload) (*api.LayoutAnalysis, float64) {
	top, bottom, conf := 0.0, 1.0, 0.2
	if p.Image.Usable() {
		rows, _ := darkProfile(p.Image)
		first, last := -1, -1
		for y, f := range rows {
			if f > 0.02 {
				if first < 0 {
					first = y
				}
				last = y
			}
		}
		if first >= 0 {
			top = float64(first) / float64(len(rows))
			bottom = float64(last+1) / float64(len(rows))
			conf = 0.35
		}
	}
	span := bottom - top
	header := api.Rect{X: 0, Y: top, Width: 1, Height: span * 0.15}
	body := api.Rect{X: 0, Y: top + span*0.15, Width: 1, Height: span * 0.75}
	footer := api.Rect{X: 0, Y: top + span*0.9, Width: 1, Height: span * 0.1}
	return &api.LayoutAnalysis{Regions: []api.LayoutRegion{
		{Type: "header", Bounds: header, Confidence: conf},
		{Type: "body", Bounds: body, Confidence: conf},
		{Type: "footer", Bounds: footer, Confidence: conf},
	}}, conf
}

var scriptRanges = []struct {
	lang   string
	lo, hi rune
}{
	{"hi", 0x0900, 0x097F}, // Devanagari
	{"bn", 0x0980, 0x09FF},
	{"gu", 0x0A80, 0x0AFF},
	{"ta", 0x0B80, 0x0BFF},
	{"te", 0x0C00, 0x0C7F},
	{"kn", 0x0C80, 0x0CFF},
}

// language picks the dominant script among letters.
func (h *Heuristics) language(p api.Payload) (*api.LanguageDetection, float64) {
	counts := make(map[string]int)
	total := 0
	for _, r := range p.Text {
		if !unicode.IsLetter(r) && !unicode.Is(unicode.Mn, r) && !unicode.Is(unicode.Mc, r) {
			continue
		}
		lang := ""
		if unicode.In(r, unicode.Latin) {
			lang = "en"
		} else {
			for _, sr := range scriptRanges {
				if r >= sr.lo && r <= sr.hi {
					lang = sr.lang
					break
				}
			}
		}
		if lang == "" {
			continue
		}
		counts[lang]++
		total++
	}
	if total == 0 {
		return &api.LanguageDetection{Language: "und"}, 0.05
	}

	scores := make(map[string]float64, len(counts))
	best := ""
	for _, lang := range Languages {
		n, ok := counts[lang]
		if !ok {
			continue
		}
		scores[lang] = float64(n) / float64(total)
		if best == "" || n > counts[best] {
			best = lang
		}
	}
	return &api.LanguageDetection{Language: best, Scores: scores}, 0.3 + 0.4*scores[best]
}
