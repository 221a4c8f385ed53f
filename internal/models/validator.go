package models

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/takuphilchan/offgrid-docai/internal/integrity"
	"github.com/takuphilchan/offgrid-docai/internal/logging"
)

// Validator checks model artifacts against their descriptors before load.
type Validator struct {
	logger *logging.Logger
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid      bool     `json:"valid"`
	ModelPath  string   `json:"model_path"`
	Errors     []string `json:"errors,omitempty"`
	FileSize   int64    `json:"file_size_bytes"`
	SHA256Hash string   `json:"sha256_hash,omitempty"`
	SizeOnly   bool     `json:"size_only,omitempty"`
	Err        error    `json:"-"`
}

// NewValidator creates a new model validator
func NewValidator(logger *logging.Logger) *Validator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Validator{logger: logger.Component("validator")}
}

// Check returns nil when the artifact exists, matches the declared size and
// (when one is recorded) the declared checksum. Failures wrap
// ErrModelUnavailable, ErrSizeMismatch or ErrChecksumMismatch.
func (v *Validator) Check(ctx context.Context, d Descriptor) error {
	return v.ValidateModel(ctx, d).Err
}

// Validate is the boolean form of Check.
func (v *Validator) Validate(ctx context.Context, d Descriptor) bool {
	return v.Check(ctx, d) == nil
}

// ValidateModel performs the full check and reports the details.
func (v *Validator) ValidateModel(ctx context.Context, d Descriptor) *ValidationResult {
	result := &ValidationResult{ModelPath: d.FilePath}
	fail := func(err error) *ValidationResult {
		result.Valid = false
		result.Err = err
		result.Errors = append(result.Errors, err.Error())
		v.logger.Warn("model validation failed", map[string]any{
			"kind":  d.Kind,
			"path":  d.FilePath,
			"error": err.Error(),
		})
		return result
	}

	info, err := os.Stat(d.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return fail(fmt.Errorf("%w: %s does not exist", ErrModelUnavailable, d.FilePath))
		}
		return fail(fmt.Errorf("%w: failed to stat file: %v", ErrModelUnavailable, err))
	}
	if info.IsDir() {
		return fail(fmt.Errorf("%w: %s is a directory", ErrModelUnavailable, d.FilePath))
	}
	result.FileSize = info.Size()

	if d.SizeBytes > 0 && info.Size() != d.SizeBytes {
		return fail(fmt.Errorf("%w: expected %d bytes, found %d", ErrSizeMismatch, d.SizeBytes, info.Size()))
	}

	if d.Checksum == "" {
		result.SizeOnly = true
		result.Valid = true
		return result
	}

	hash, err := integrity.VerifyFile(ctx, d.FilePath, d.Checksum)
	result.SHA256Hash = hash
	if err != nil {
		if errors.Is(err, integrity.ErrMismatch) {
			return fail(fmt.Errorf("%w: %v", ErrChecksumMismatch, err))
		}
		return fail(fmt.Errorf("%w: %v", ErrModelUnavailable, err))
	}

	result.Valid = true
	return result
}
