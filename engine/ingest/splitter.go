package ingest

import (
	"sort"
	"strings"

	"github.com/LibrisAI/libris-mvp/engine/domain"
)

const (
	// DefaultChunkSize is the target chunk length in bytes.
	DefaultChunkSize = 500
	// DefaultOverlap is how far the next chunk's start rewinds into the
	// previous one.
	DefaultOverlap = 100
)

// SplitOptions configures the splitter.
type SplitOptions struct {
	ChunkSize int
	Overlap   int
}

// DefaultSplitOptions returns the standard 500/100 configuration.
func DefaultSplitOptions() SplitOptions {
	return SplitOptions{ChunkSize: DefaultChunkSize, Overlap: DefaultOverlap}
}

func (o SplitOptions) normalize() SplitOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.Overlap >= o.ChunkSize {
		o.Overlap = o.ChunkSize / 2
	}
	return o
}

type span struct {
	start, end int
}

// splitSpans cuts text into half-open [start,end) windows of at most
// ChunkSize bytes. Within a window the cut prefers the nearest preceding
// period so chunks tend to end on sentence boundaries; if no period exists
// the window is cut hard at ChunkSize. The next window starts Overlap bytes
// before the previous end, except when that would stall progress.
func splitSpans(text string, opts SplitOptions) []span {
	if len(text) == 0 {
		return nil
	}
	opts = opts.normalize()

	var spans []span
	start := 0
	for {
		end := start + opts.ChunkSize
		if end >= len(text) {
			spans = append(spans, span{start, len(text)})
			return spans
		}
		if p := strings.LastIndexByte(text[start:end], '.'); p > 0 {
			end = start + p + 1
		}
		spans = append(spans, span{start, end})

		next := end - opts.Overlap
		if next <= start {
			next = end
		}
		start = next
	}
}

// Split cuts a document's text into overlapping chunks. pageOffsets holds
// the byte offset where each page begins (empty for unpaged formats); a
// chunk is attributed to the page containing its start offset.
func Split(doc domain.Document, pageOffsets []int, opts SplitOptions) []domain.Chunk {
	spans := splitSpans(doc.Content, opts)
	chunks := make([]domain.Chunk, len(spans))
	for i, sp := range spans {
		chunks[i] = domain.Chunk{
			DocID:   doc.ID,
			Index:   i,
			Content: doc.Content[sp.start:sp.end],
			Start:   sp.start,
			End:     sp.end,
			Page:    pageAt(pageOffsets, sp.start),
			Source:  doc.Path,
		}
	}
	return chunks
}

// pageAt returns the 1-based page containing offset, or 0 if unpaged.
func pageAt(pageOffsets []int, offset int) int {
	if len(pageOffsets) == 0 {
		return 0
	}
	// First page whose start is past the offset; the page before it holds it.
	i := sort.SearchInts(pageOffsets, offset+1)
	return i
}
