// Package inference runs document models behind a uniform backend contract
// and degrades to deterministic heuristics when no model can serve a call.
package inference

import (
	"context"

	"github.com/takuphilchan/offgrid-docai/internal/models"
	"github.com/takuphilchan/offgrid-docai/internal/resource"
)

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// NewTensor returns a zero-filled tensor. Non-positive dims count as 1.
func NewTensor(shape []int64) Tensor {
	s := ConcreteShape(shape)
	return Tensor{Shape: s, Data: make([]float32, ShapeSize(s))}
}

// ShapeSize returns the element count of shape, treating dynamic dims as 1.
func ShapeSize(shape []int64) int {
	n := 1
	for _, d := range shape {
		if d > 0 {
			n *= int(d)
		}
	}
	return n
}

// ConcreteShape replaces dynamic (non-positive) dims with 1.
func ConcreteShape(shape []int64) []int64 {
	out := make([]int64, len(shape))
	for i, d := range shape {
		if d <= 0 {
			d = 1
		}
		out[i] = d
	}
	return out
}

// Handle is a loaded, ready-to-invoke model.
type Handle interface {
	// Invoke runs the model once. Implementations must be safe for
	// concurrent use.
	Invoke(ctx context.Context, input Tensor) (Tensor, error)
	Close() error
}

// Shaped is implemented by handles that know their model's input shape.
type Shaped interface {
	InputShape() []int64
}

// Backend constructs handles from model artifacts.
type Backend interface {
	Name() string
	Load(ctx context.Context, d models.Descriptor, opts LoadOptions) (Handle, error)
}

// ExecutionPath names where a handle runs.
type ExecutionPath string

const (
	PathAccelerator ExecutionPath = "accelerator"
	PathGPU         ExecutionPath = "gpu"
	PathCPU         ExecutionPath = "cpu"
)

// LoadOptions contains options for loading a model
type LoadOptions struct {
	Path        ExecutionPath
	UseFP16     bool
	NumThreads  int // 0 lets the backend decide
	InputShape  []int64
	OutputShape []int64
}

// DefaultLoadOptions returns CPU-only FP32 options.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{Path: PathCPU}
}

// ExecutionPaths orders the paths to try for caps, most capable first.
// The CPU path is always last.
func ExecutionPaths(caps resource.Capability) []ExecutionPath {
	var paths []ExecutionPath
	if caps.SupportsDedicatedAccelerator {
		paths = append(paths, PathAccelerator)
	}
	if caps.ComputeQueueAvailable {
		paths = append(paths, PathGPU)
	}
	return append(paths, PathCPU)
}

// LoadedModel is what the cache owns for one kind.
type LoadedModel struct {
	Descriptor models.Descriptor
	Handle     Handle
	SizeBytes  int64
	Path       ExecutionPath
	FP16       bool
}

// InputShape returns the declared input shape, falling back to what the
// handle reports.
func (m *LoadedModel) InputShape() []int64 {
	if len(m.Descriptor.InputShape) > 0 {
		return m.Descriptor.InputShape
	}
	if s, ok := m.Handle.(Shaped); ok {
		return s.InputShape()
	}
	return nil
}

// Accelerated reports whether the handle runs off the CPU.
func (m *LoadedModel) Accelerated() bool {
	return m.Path != PathCPU
}

// Quantized mirrors the descriptor flag.
func (m *LoadedModel) Quantized() bool {
	return m.Descriptor.Quantized
}
