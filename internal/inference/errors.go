package inference

import (
	"errors"
	"fmt"
)

var (
	// ErrInferenceFailed wraps runtime invocation and decoding failures.
	ErrInferenceFailed = errors.New("inference: invocation failed")
	// ErrEntryTooLarge means a model alone exceeds the cache budget.
	ErrEntryTooLarge = errors.New("inference: model exceeds cache budget")
	// ErrCacheFull means in-flight entries pin too much of the budget to admit a model.
	ErrCacheFull = errors.New("inference: cache budget pinned by in-flight models")
	// ErrInvalidPayload means the payload lacks what the kind needs.
	ErrInvalidPayload = errors.New("inference: payload unusable for kind")
)

const (
	// ErrCodeLoadFailed indicates the backend could not build a session for the artifact
	ErrCodeLoadFailed = "load_failed"
	// ErrCodeProviderUnavailable indicates the requested execution provider is missing
	ErrCodeProviderUnavailable = "provider_unavailable"
	// ErrCodeRuntime indicates the backend failed while running a session
	ErrCodeRuntime = "runtime"
	// ErrCodeShape indicates input or output tensors did not match the model
	ErrCodeShape = "shape_mismatch"
)

// BackendError wraps structured errors returned by backends so callers can
// react to known failure modes without string matching.
type BackendError struct {
	Code    string
	Message string
	Err     error
}

func (e *BackendError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BackendError) Unwrap() error { return e.Err }

// AsBackendError returns the BackendError if the provided error chain contains one.
func AsBackendError(err error) *BackendError {
	var backendErr *BackendError
	if errors.As(err, &backendErr) {
		return backendErr
	}
	return nil
}
