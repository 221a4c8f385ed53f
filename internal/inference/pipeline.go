package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/takuphilchan/offgrid-docai/internal/logging"
	"github.com/takuphilchan/offgrid-docai/internal/resource"
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

// Observation describes one completed inference for monitoring.
type Observation struct {
	Kind                api.ModelKind
	Source              api.Source
	ModelVersion        string
	Duration            time.Duration
	MemoryBytes         uint64
	CacheHit            bool
	HardwareAccelerated bool
	Quantized           bool
	// Fallback is set when the result did not come from a model.
	Fallback string
	Err      error
}

// Fallback reasons reported on heuristic results.
const (
	FallbackModelUnavailable = "model unavailable"
	FallbackPayloadRejected  = "payload rejected by model"
	FallbackTimeout          = "model timed out"
	FallbackInvokeFailed     = "model invocation failed"
	FallbackOutputRejected   = "model output rejected"
)

// Success reports whether a model served the call.
func (o Observation) Success() bool {
	return o.Source == api.SourceNative
}

// Recorder receives an observation for every call.
type Recorder interface {
	RecordInference(Observation)
}

// Recorders fans an observation out to several recorders.
type Recorders []Recorder

func (rs Recorders) RecordInference(o Observation) {
	for _, r := range rs {
		if r != nil {
			r.RecordInference(o)
		}
	}
}

// PipelineConfig tunes Pipeline.
type PipelineConfig struct {
	// Timeout bounds a single model invocation; zero means no bound.
	Timeout    time.Duration
	Heuristics HeuristicConfig
}

// Pipeline runs a kind through the cache and its model, degrading to the
// heuristic for that kind whenever the model path cannot serve the call.
type Pipeline struct {
	cache      *ModelCache
	recorder   Recorder
	heuristics *Heuristics
	timeout    time.Duration
	memory     func() uint64
	logger     *logging.Logger
}

// NewPipeline creates a pipeline. recorder may be nil.
func NewPipeline(cache *ModelCache, recorder Recorder, cfg PipelineConfig, logger *logging.Logger) *Pipeline {
	if logger == nil {
		logger = logging.Default()
	}
	return &Pipeline{
		cache:      cache,
		recorder:   recorder,
		heuristics: NewHeuristics(cfg.Heuristics),
		timeout:    cfg.Timeout,
		memory:     resource.ProcessRSS,
		logger:     logger.Component("pipeline"),
	}
}

// SetMemoryProbe replaces the memory sampler used for observations.
func (p *Pipeline) SetMemoryProbe(fn func() uint64) {
	p.memory = fn
}

// SetRecorder replaces the observation recorder.
func (p *Pipeline) SetRecorder(r Recorder) {
	p.recorder = r
}

// Heuristics exposes the fallback implementation.
func (p *Pipeline) Heuristics() *Heuristics {
	return p.heuristics
}

type invokeResult struct {
	out Tensor
	err error
}

// Infer returns a result for every call. Errors on the model path are
// reported through FallbackReason and the recorder, never returned.
func (p *Pipeline) Infer(ctx context.Context, kind api.ModelKind, payload api.Payload) *api.Inference {
	return p.InferVersion(ctx, kind, "", payload)
}

// InferVersion is Infer against a specific installed version of kind. An
// empty version uses the installed one.
func (p *Pipeline) InferVersion(ctx context.Context, kind api.ModelKind, version string, payload api.Payload) *api.Inference {
	start := time.Now()
	if !kind.Valid() {
		res := &api.Inference{Kind: kind, Source: api.SourceUnavailable, FallbackReason: "unknown model kind"}
		p.record(res, nil, fmt.Errorf("unknown model kind %q", kind))
		return res
	}

	lease, err := p.cache.AcquireKey(ctx, ModelKey{Kind: kind, Version: version})
	if err != nil {
		return p.fallback(kind, payload, start, FallbackModelUnavailable, err)
	}
	model := lease.Model()

	input, err := Preprocess(kind, payload, model.InputShape())
	if err != nil {
		lease.Release()
		return p.fallback(kind, payload, start, FallbackPayloadRejected, err)
	}

	ictx, cancel := ctx, context.CancelFunc(func() {})
	if p.timeout > 0 {
		ictx, cancel = context.WithTimeout(ctx, p.timeout)
	}
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		var r invokeResult
		func() {
			defer func() {
				if v := recover(); v != nil {
					r = invokeResult{err: fmt.Errorf("%w: panic: %v", ErrInferenceFailed, v)}
				}
			}()
			out, err := model.Handle.Invoke(ictx, input)
			r = invokeResult{out: out, err: err}
		}()
		// held until the handle returns, even if the caller gave up
		lease.Release()
		done <- r
	}()

	var result invokeResult
	select {
	case result = <-done:
	case <-ictx.Done():
		return p.fallback(kind, payload, start, FallbackTimeout, ictx.Err())
	}
	if result.err != nil {
		return p.fallback(kind, payload, start, FallbackInvokeFailed, result.err)
	}

	res, err := Postprocess(kind, payload, model.Descriptor, result.out)
	if err != nil {
		return p.fallback(kind, payload, start, FallbackOutputRejected, err)
	}
	res.Duration = time.Since(start)
	res.HardwareAccelerated = model.Accelerated()
	res.CacheHit = lease.Hit
	p.record(res, model, nil)
	return res
}

func (p *Pipeline) fallback(kind api.ModelKind, payload api.Payload, start time.Time, reason string, cause error) *api.Inference {
	res := p.runHeuristics(kind, payload)
	res.Duration = time.Since(start)
	res.FallbackReason = reason

	fields := map[string]any{"kind": kind, "reason": reason}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		p.logger.Debug("using heuristic", fields)
	} else {
		p.logger.Warn("using heuristic", fields)
	}
	p.record(res, nil, cause)
	return res
}

// runHeuristics never panics; a heuristic that does yields an empty
// zero-confidence result.
func (p *Pipeline) runHeuristics(kind api.ModelKind, payload api.Payload) (res *api.Inference) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("heuristic panicked", map[string]any{"kind": kind, "panic": fmt.Sprint(r)})
			res = &api.Inference{Kind: kind, Source: api.SourceHeuristic}
		}
	}()
	return p.heuristics.Run(kind, payload)
}

func (p *Pipeline) record(res *api.Inference, model *LoadedModel, err error) {
	if p.recorder == nil {
		return
	}
	obs := Observation{
		Kind:                res.Kind,
		Source:              res.Source,
		ModelVersion:        res.ModelVersion,
		Duration:            res.Duration,
		CacheHit:            res.CacheHit,
		HardwareAccelerated: res.HardwareAccelerated,
		Fallback:            res.FallbackReason,
		Err:                 err,
	}
	if model != nil {
		obs.Quantized = model.Quantized()
	}
	if p.memory != nil {
		obs.MemoryBytes = p.memory()
	}
	p.recorder.RecordInference(obs)
}
