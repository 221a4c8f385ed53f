package models

import "errors"

var (
	// ErrModelUnavailable means no descriptor or no artifact exists for a kind.
	ErrModelUnavailable = errors.New("models: model unavailable")
	// ErrChecksumMismatch means an artifact's digest differs from its descriptor.
	ErrChecksumMismatch = errors.New("models: checksum mismatch")
	// ErrSizeMismatch means an artifact's size differs from its descriptor.
	ErrSizeMismatch = errors.New("models: size mismatch")
	// ErrUpdateFailed wraps every failure surfaced by UpdateService.
	ErrUpdateFailed = errors.New("models: update failed")
	// ErrDownloadTooLarge means an update artifact exceeded the download cap.
	ErrDownloadTooLarge = errors.New("models: download exceeds size limit")
	// ErrUnknownKind is returned for kinds outside the supported set.
	ErrUnknownKind = errors.New("models: unknown model kind")
)
