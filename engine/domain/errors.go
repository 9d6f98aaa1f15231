package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine.
var (
	ErrUnknownModality     = errors.New("unknown modality")
	ErrModalityDisabled    = errors.New("modality has no configured embedding space")
	ErrUnsupportedProvider = errors.New("unsupported embed provider")
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrEmptySource         = errors.New("empty source")
	ErrNotFound            = errors.New("not found")
	ErrDuplicate           = errors.New("duplicate content")
	ErrDimensionMismatch   = errors.New("embedding dimension mismatch")
	ErrEmbeddingCount      = errors.New("embedding count mismatch")
	ErrCrossModalQuery     = errors.New("encoder does not support text queries")
	ErrSyncRetrieve        = errors.New("synchronous retrieval not supported for this modality")
	ErrBusy                = errors.New("another request is in progress")
	ErrJobNotFound         = errors.New("job not found")
	ErrJobNotCancelable    = errors.New("job is not in a cancelable state")
	ErrJobActive           = errors.New("job is still pending or running")
	ErrInvalidQuery        = errors.New("invalid query")
	ErrInvalidTopK         = errors.New("top_k must be positive")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}
