package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the pipeline failure modes that callers branch on.
var (
	// ErrUnsupportedType means ingestion was given a file type with no
	// extraction strategy.
	ErrUnsupportedType = errors.New("unsupported document type")
	// ErrEmbedding means the embedding service call failed or timed out.
	ErrEmbedding = errors.New("embedding service failed")
	// ErrGeneration means the generation service call failed or timed out.
	ErrGeneration = errors.New("generation service failed")
)

// ExtractionError wraps a parser failure with the file it occurred on.
// Fatal to the enclosing ingestion call, never silently skipped.
type ExtractionError struct {
	Path string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Path, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// NewExtractionError creates an ExtractionError.
func NewExtractionError(path string, err error) *ExtractionError {
	return &ExtractionError{Path: path, Err: err}
}
