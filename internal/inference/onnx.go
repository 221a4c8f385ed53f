package inference

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/takuphilchan/offgrid-docai/internal/logging"
	"github.com/takuphilchan/offgrid-docai/internal/models"
)

// ONNXConfig configures the ONNX Runtime backend.
type ONNXConfig struct {
	// LibraryPath points at the onnxruntime shared library. Empty uses the
	// platform default search.
	LibraryPath string
	NumThreads  int
}

// ONNXBackend loads models through ONNX Runtime.
type ONNXBackend struct {
	cfg      ONNXConfig
	initOnce sync.Once
	initErr  error
	logger   *logging.Logger
}

// NewONNXBackend creates the backend. The runtime is initialised on first load.
func NewONNXBackend(cfg ONNXConfig, logger *logging.Logger) *ONNXBackend {
	if logger == nil {
		logger = logging.Default()
	}
	return &ONNXBackend{cfg: cfg, logger: logger.Component("onnx")}
}

func (b *ONNXBackend) Name() string { return "onnx" }

func (b *ONNXBackend) init() error {
	b.initOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if b.cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(b.cfg.LibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			b.initErr = &BackendError{Code: ErrCodeLoadFailed, Message: "failed to initialize onnxruntime", Err: err}
			return
		}
		b.logger.Info("onnxruntime initialized", map[string]any{"library": b.cfg.LibraryPath})
	})
	return b.initErr
}

// Shutdown releases the runtime environment.
func (b *ONNXBackend) Shutdown() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// Load builds a session for d on opts.Path.
func (b *ONNXBackend) Load(ctx context.Context, d models.Descriptor, opts LoadOptions) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.init(); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(d.FilePath)
	if err != nil {
		return nil, &BackendError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("failed to inspect %s", d.Filename), Err: err}
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, &BackendError{Code: ErrCodeShape, Message: fmt.Sprintf("%s declares no inputs or outputs", d.Filename)}
	}

	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, &BackendError{Code: ErrCodeLoadFailed, Message: "failed to create session options", Err: err}
	}
	defer so.Destroy()

	threads := opts.NumThreads
	if threads <= 0 {
		threads = b.cfg.NumThreads
	}
	if threads > 0 {
		if err := so.SetIntraOpNumThreads(threads); err != nil {
			return nil, &BackendError{Code: ErrCodeLoadFailed, Message: "failed to set thread count", Err: err}
		}
	}

	if err := appendProvider(so, opts); err != nil {
		return nil, &BackendError{Code: ErrCodeProviderUnavailable, Message: fmt.Sprintf("%s provider unavailable", opts.Path), Err: err}
	}

	session, err := ort.NewDynamicAdvancedSession(d.FilePath,
		[]string{inputs[0].Name}, []string{outputs[0].Name}, so)
	if err != nil {
		return nil, &BackendError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("failed to create session for %s", d.Filename), Err: err}
	}

	shape := opts.InputShape
	if len(shape) == 0 {
		shape = []int64(inputs[0].Dimensions)
	}
	b.logger.Debug("session created", map[string]any{
		"kind":   d.Kind,
		"path":   opts.Path,
		"fp16":   opts.UseFP16,
		"input":  inputs[0].Name,
		"output": outputs[0].Name,
	})
	return &onnxHandle{session: session, inputShape: shape}, nil
}

// appendProvider attaches the execution provider for opts.Path. The CPU
// path needs none.
func appendProvider(so *ort.SessionOptions, opts LoadOptions) error {
	switch opts.Path {
	case PathCPU:
		return nil
	case PathAccelerator:
		if runtime.GOOS == "darwin" {
			// Neural Engine through CoreML; 0 leaves every compute unit enabled
			return so.AppendExecutionProviderCoreML(0)
		}
		trt, err := ort.NewTensorRTProviderOptions()
		if err != nil {
			return err
		}
		defer trt.Destroy()
		if opts.UseFP16 {
			if err := trt.Update(map[string]string{"trt_fp16_enable": "1"}); err != nil {
				return err
			}
		}
		return so.AppendExecutionProviderTensorRT(trt)
	case PathGPU:
		if runtime.GOOS == "darwin" {
			return so.AppendExecutionProviderCoreML(0)
		}
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return err
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": "0"}); err != nil {
			return err
		}
		return so.AppendExecutionProviderCUDA(cuda)
	}
	return fmt.Errorf("unknown execution path %q", opts.Path)
}

type onnxHandle struct {
	mu         sync.RWMutex
	session    *ort.DynamicAdvancedSession
	inputShape []int64
}

func (h *onnxHandle) InputShape() []int64 {
	return h.inputShape
}

func (h *onnxHandle) Invoke(ctx context.Context, input Tensor) (Tensor, error) {
	if err := ctx.Err(); err != nil {
		return Tensor{}, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.session == nil {
		return Tensor{}, &BackendError{Code: ErrCodeRuntime, Message: "session is closed"}
	}

	in, err := ort.NewTensor(ort.NewShape(ConcreteShape(input.Shape)...), input.Data)
	if err != nil {
		return Tensor{}, &BackendError{Code: ErrCodeShape, Message: "failed to build input tensor", Err: err}
	}
	defer in.Destroy()

	outputs := []ort.Value{nil}
	if err := h.session.Run([]ort.Value{in}, outputs); err != nil {
		return Tensor{}, &BackendError{Code: ErrCodeRuntime, Message: "session run failed", Err: err}
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return Tensor{}, &BackendError{Code: ErrCodeShape, Message: fmt.Sprintf("unsupported output type %T", outputs[0])}
	}
	return Tensor{
		Shape: append([]int64(nil), out.GetShape()...),
		Data:  append([]float32(nil), out.GetData()...),
	}, nil
}

func (h *onnxHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return nil
	}
	err := h.session.Destroy()
	h.session = nil
	return err
}
