package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/LibrisAI/libris-mvp/engine/domain"
	"github.com/LibrisAI/libris-mvp/pkg/resilience"
	"github.com/google/uuid"
)

const (
	// DefaultTopK is used when a caller passes a non-positive k.
	DefaultTopK = 3
	// EmbedBatchSize is the maximum texts per embedding request.
	EmbedBatchSize = 100
)

// Embedder reaches the external embedding service. Vector dimensionality is
// fixed per deployment and must match between indexing and querying.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// IndexOptions configures the Index.
type IndexOptions struct {
	// EmbedTimeout bounds every embedding service call.
	EmbedTimeout time.Duration
	// Breaker protects the embedding service; zero value uses defaults.
	Breaker resilience.BreakerOpts
}

// DefaultIndexOptions returns sensible defaults.
func DefaultIndexOptions() IndexOptions {
	return IndexOptions{EmbedTimeout: 30 * time.Second}
}

// Index embeds chunks into a Store and answers top-k queries.
type Index struct {
	embed   Embedder
	store   Store
	breaker *resilience.Breaker
	opts    IndexOptions
	logger  *slog.Logger
}

// NewIndex creates an Index over the given embedder and store.
func NewIndex(embed Embedder, store Store, opts IndexOptions, logger *slog.Logger) *Index {
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = DefaultIndexOptions().EmbedTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		embed:   embed,
		store:   store,
		breaker: resilience.NewBreaker(opts.Breaker),
		opts:    opts,
		logger:  logger,
	}
}

// ChunkPointID derives the stable storage ID for a chunk. The same chunk
// always maps to the same point, so re-indexing upserts instead of
// duplicating.
func ChunkPointID(docID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s-%d", docID, index))).String()
}

// Add embeds chunks and upserts them into the store in batches. A failure
// mid-way leaves earlier batches written; records from prior calls are
// never touched. Embedding failures wrap domain.ErrEmbedding.
func (ix *Index) Add(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	for start := 0; start < len(chunks); start += EmbedBatchSize {
		end := start + EmbedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}

		vectors, err := ix.embedTexts(ctx, texts)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrEmbedding, err)
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("%w: got %d vectors for %d chunks", domain.ErrEmbedding, len(vectors), len(batch))
		}

		records := make([]VectorRecord, len(batch))
		for i, c := range batch {
			records[i] = VectorRecord{
				ID:        ChunkPointID(c.DocID, c.Index),
				Embedding: vectors[i],
				Payload: map[string]any{
					"content":     c.Content,
					"doc_id":      c.DocID,
					"source":      c.Source,
					"page":        c.Page,
					"chunk_index": c.Index,
					"start":       c.Start,
					"end":         c.End,
				},
			}
		}
		if err := ix.store.Upsert(ctx, records); err != nil {
			return fmt.Errorf("semantic: upsert batch: %w", err)
		}
	}

	ix.logger.Info("semantic: indexed", "chunks", len(chunks), "doc_id", chunks[0].DocID)
	return nil
}

// Reindex replaces every stored chunk of a document with the given set.
// Chunk IDs are stable, so a same-size reprocess is a pure upsert; the
// delete exists for documents that shrink, where stale tail chunks would
// otherwise survive. An empty chunk list clears the document.
func (ix *Index) Reindex(ctx context.Context, docID string, chunks []domain.Chunk) error {
	if err := ix.store.DeleteByDocID(ctx, docID); err != nil {
		return fmt.Errorf("semantic: clear %s: %w", docID, err)
	}
	return ix.Add(ctx, chunks)
}

// Query embeds the query text and returns the top-k retrieved items by
// descending similarity. An empty store yields an empty slice, not an error.
func (ix *Index) Query(ctx context.Context, text string, k int) ([]domain.RetrievedItem, error) {
	if k <= 0 {
		k = DefaultTopK
	}

	vector, err := ix.embedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEmbedding, err)
	}

	hits, err := ix.store.Search(ctx, vector, k)
	if err != nil {
		return nil, fmt.Errorf("semantic: query: %w", err)
	}

	items := make([]domain.RetrievedItem, len(hits))
	for i, h := range hits {
		items[i] = domain.RetrievedItem{
			Content: h.Content,
			Score:   h.Score,
			Source:  domain.DocumentSource{Path: h.Source, Page: h.Page},
		}
	}
	return items, nil
}

func (ix *Index) embedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32
	err := ix.breaker.Call(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, ix.opts.EmbedTimeout)
		defer cancel()
		var err error
		vectors, err = ix.embed.Embed(ctx, texts)
		return err
	})
	return vectors, err
}

func (ix *Index) embedQuery(ctx context.Context, text string) ([]float32, error) {
	var vector []float32
	err := ix.breaker.Call(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, ix.opts.EmbedTimeout)
		defer cancel()
		var err error
		vector, err = ix.embed.EmbedQuery(ctx, text)
		return err
	})
	return vector, err
}
