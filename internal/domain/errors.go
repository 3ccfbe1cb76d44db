package domain

import (
	"context"
	"errors"
	"io/fs"
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrInvalidJobKind     = errors.New("invalid job kind")
	ErrInvalidTransition  = errors.New("invalid job status transition")
	ErrJobCancelled       = errors.New("job cancelled")
	ErrUnsupportedFormat  = errors.New("unsupported file format")
	ErrEngineUnavailable  = errors.New("document engine unavailable")
	ErrEngineConfig       = errors.New("document engine not configured")
	ErrProcessingShutdown = errors.New("processing interrupted by shutdown")
)

// ClassifyFailure maps an engine error to a FailureKind
func ClassifyFailure(err error) FailureKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, ErrJobCancelled):
		return FailureCancelled
	case errors.Is(err, ErrUnsupportedFormat):
		return FailureUnsupportedFormat
	case errors.Is(err, fs.ErrNotExist):
		return FailureNotFound
	default:
		return FailureEngine
	}
}
