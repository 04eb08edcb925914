package domain

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DetectType maps a file extension to a DocType.
func DetectType(path string) (DocType, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return TypePDF, nil
	case ".docx":
		return TypeDOCX, nil
	case ".txt":
		return TypeTXT, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, filepath.Ext(path))
	}
}

// ValidateChunk checks the chunk invariants before indexing.
func ValidateChunk(c Chunk) error {
	if c.Content == "" {
		return fmt.Errorf("validate: chunk %s/%d has empty content", c.DocID, c.Index)
	}
	if c.DocID == "" {
		return fmt.Errorf("validate: chunk %d has no doc id", c.Index)
	}
	if c.Index < 0 {
		return fmt.Errorf("validate: chunk has negative index %d", c.Index)
	}
	if c.End <= c.Start {
		return fmt.Errorf("validate: chunk %s/%d has empty span [%d,%d)", c.DocID, c.Index, c.Start, c.End)
	}
	return nil
}

// ValidateChunks checks a chunk sequence: per-chunk invariants plus
// strictly increasing ordinal indexes within the document.
func ValidateChunks(chunks []Chunk) error {
	for i, c := range chunks {
		if err := ValidateChunk(c); err != nil {
			return err
		}
		if i > 0 && c.Index <= chunks[i-1].Index {
			return fmt.Errorf("validate: chunk index %d not increasing after %d", c.Index, chunks[i-1].Index)
		}
	}
	return nil
}
