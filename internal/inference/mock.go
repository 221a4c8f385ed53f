package inference

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/takuphilchan/offgrid-docai/internal/models"
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

// OutputFunc computes a mock output from the preprocessed input.
type OutputFunc func(in Tensor) Tensor

// MockBackend is an in-process backend for tests and for running without
// the ONNX runtime. Its default outputs decode to confident native results.
type MockBackend struct {
	mu        sync.Mutex
	loads     map[api.ModelKind]int
	versions  map[api.ModelKind][]string
	paths     []ExecutionPath
	failPaths map[ExecutionPath]error
	invokeErr error
	latency   time.Duration
	outputs   map[api.ModelKind]OutputFunc
	versioned map[ModelKey]OutputFunc
	closed    int
}

// NewMockBackend creates a mock backend
func NewMockBackend() *MockBackend {
	return &MockBackend{
		loads:     make(map[api.ModelKind]int),
		versions:  make(map[api.ModelKind][]string),
		failPaths: make(map[ExecutionPath]error),
		outputs:   make(map[api.ModelKind]OutputFunc),
		versioned: make(map[ModelKey]OutputFunc),
	}
}

func (b *MockBackend) Name() string { return "mock" }

// FailLoads makes every load on path fail with err. A nil err clears it.
func (b *MockBackend) FailLoads(path ExecutionPath, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failPaths, path)
		return
	}
	b.failPaths[path] = err
}

// FailInvocations makes every Invoke fail with err. A nil err clears it.
func (b *MockBackend) FailInvocations(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invokeErr = err
}

// SetLatency delays every Invoke by d.
func (b *MockBackend) SetLatency(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency = d
}

// SetOutput overrides the output for kind.
func (b *MockBackend) SetOutput(kind api.ModelKind, fn OutputFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outputs[kind] = fn
}

// SetVersionOutput overrides the output for one version of kind. It takes
// precedence over SetOutput.
func (b *MockBackend) SetVersionOutput(kind api.ModelKind, version string, fn OutputFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.versioned[ModelKey{Kind: kind, Version: version}] = fn
}

// LoadCount returns how many successful loads happened for kind.
func (b *MockBackend) LoadCount(kind api.ModelKind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loads[kind]
}

// LoadedVersions returns the versions loaded for kind, in order.
func (b *MockBackend) LoadedVersions(kind api.ModelKind) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.versions[kind]...)
}

// AttemptedPaths returns every execution path a load was attempted on.
func (b *MockBackend) AttemptedPaths() []ExecutionPath {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ExecutionPath(nil), b.paths...)
}

// ClosedCount returns how many handles were closed.
func (b *MockBackend) ClosedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Load returns a handle unless loads on opts.Path are set to fail.
func (b *MockBackend) Load(ctx context.Context, d models.Descriptor, opts LoadOptions) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paths = append(b.paths, opts.Path)
	if err, ok := b.failPaths[opts.Path]; ok {
		return nil, &BackendError{Code: ErrCodeProviderUnavailable, Message: fmt.Sprintf("mock %s path unavailable", opts.Path), Err: err}
	}
	b.loads[d.Kind]++
	b.versions[d.Kind] = append(b.versions[d.Kind], d.Version)
	return &mockHandle{backend: b, kind: d.Kind, version: d.Version}, nil
}

type mockHandle struct {
	backend *MockBackend
	kind    api.ModelKind
	version string
	once    sync.Once
}

func (h *mockHandle) Invoke(ctx context.Context, input Tensor) (Tensor, error) {
	h.backend.mu.Lock()
	latency := h.backend.latency
	invokeErr := h.backend.invokeErr
	fn, ok := h.backend.versioned[ModelKey{Kind: h.kind, Version: h.version}]
	if !ok {
		fn = h.backend.outputs[h.kind]
	}
	h.backend.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Tensor{}, ctx.Err()
		case <-timer.C:
		}
	}
	if invokeErr != nil {
		return Tensor{}, &BackendError{Code: ErrCodeRuntime, Message: "mock invocation failed", Err: invokeErr}
	}
	if fn != nil {
		return fn(input), nil
	}
	return defaultMockOutput(h.kind, input), nil
}

func (h *mockHandle) Close() error {
	h.once.Do(func() {
		h.backend.mu.Lock()
		h.backend.closed++
		h.backend.mu.Unlock()
	})
	return nil
}

func indexOf(labels []string, label string) int {
	for i, l := range labels {
		if l == label {
			return i
		}
	}
	return 0
}

func oneHotLogits(n, hot int) Tensor {
	t := Tensor{Shape: []int64{1, int64(n)}, Data: make([]float32, n)}
	t.Data[hot] = 8
	return t
}

func runeIndex(r rune) int {
	for i, c := range textCharset {
		if c == r {
			return i
		}
	}
	return -1
}

// ctcLogits spells text with a blank between every character.
func ctcLogits(text string) Tensor {
	vocab := len(textCharset) + 1
	var steps [][]float32
	for _, r := range text {
		idx := runeIndex(r)
		if idx < 0 {
			continue
		}
		step := make([]float32, vocab)
		step[idx+1] = 10
		blank := make([]float32, vocab)
		blank[0] = 10
		steps = append(steps, step, blank)
	}
	t := Tensor{Shape: []int64{1, int64(len(steps)), int64(vocab)}}
	for _, s := range steps {
		t.Data = append(t.Data, s...)
	}
	return t
}

func defaultMockOutput(kind api.ModelKind, in Tensor) Tensor {
	switch kind {
	case api.KindTableDetection:
		cells := []float32{
			0.1, 0.1, 0.4, 0.2, 0.9,
			0.5, 0.1, 0.4, 0.2, 0.9,
			0.1, 0.3, 0.4, 0.2, 0.9,
			0.5, 0.3, 0.4, 0.2, 0.9,
		}
		return Tensor{Shape: []int64{1, 4, detectionStride}, Data: cells}
	case api.KindTextRecognition:
		return ctcLogits("NET PAY")
	case api.KindDocumentClassifier:
		return oneHotLogits(len(DocumentFormats), indexOf(DocumentFormats, "corporate"))
	case api.KindLanguageDetection:
		return oneHotLogits(len(Languages), indexOf(Languages, "en"))
	case api.KindFinancialValidation:
		return Tensor{Shape: []int64{1, 5}, Data: []float32{0.95, 0.05, 0.05, 0.05, 0.05}}
	case api.KindAnomalyDetection:
		out := Tensor{Shape: in.Shape, Data: make([]float32, len(in.Data))}
		for i := range out.Data {
			out.Data[i] = 0.05
		}
		return out
	case api.KindLayoutAnalysis:
		regions := []float32{
			0, 0, 1, 0.15, 0, 0.9,
			0, 0.15, 1, 0.7, 1, 0.9,
			0, 0.85, 1, 0.15, 3, 0.9,
		}
		return Tensor{Shape: []int64{1, 3, layoutStride}, Data: regions}
	}
	return Tensor{}
}
