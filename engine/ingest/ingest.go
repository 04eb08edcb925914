// Package ingest loads source documents, splits them into overlapping
// chunks, and hands them to the vector index. The pipeline is composed from
// fn stages; a NATS consumer wraps it for asynchronous upload processing.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/LibrisAI/libris-mvp/engine/domain"
	"github.com/LibrisAI/libris-mvp/pkg/fn"
	"github.com/nats-io/nats.go"
)

const (
	// Subject is the NATS subject for incoming ingestion requests.
	Subject = "libris.ingest"
	// DLQSubject receives requests that exhausted their retries.
	DLQSubject = "libris.ingest.dlq"
	// MaxRetries before a request is sent to the DLQ.
	MaxRetries = 3
)

// Request asks the pipeline to ingest one file.
type Request struct {
	Path string `json:"path"`
}

// Summary reports a completed ingestion.
type Summary struct {
	DocID  string `json:"doc_id"`
	Chunks int    `json:"chunks"`
}

// ChunkedDoc is a loaded document with its chunks.
type ChunkedDoc struct {
	Doc    domain.Document
	Chunks []domain.Chunk
}

// Indexer replaces a document's chunks in the vector index.
type Indexer interface {
	Reindex(ctx context.Context, docID string, chunks []domain.Chunk) error
}

// Deps holds the pipeline's external dependencies.
type Deps struct {
	Index  Indexer
	Split  SplitOptions
	Logger *slog.Logger
}

// LoadStage extracts the document at the request path.
var LoadStage fn.Stage[Request, Loaded] = func(_ context.Context, req Request) fn.Result[Loaded] {
	return fn.FromPair(Load(req.Path))
}

// ChunkStage splits a loaded document and validates the chunk invariants.
func ChunkStage(opts SplitOptions) fn.Stage[Loaded, ChunkedDoc] {
	return func(_ context.Context, loaded Loaded) fn.Result[ChunkedDoc] {
		chunks := loaded.Split(opts)
		if err := domain.ValidateChunks(chunks); err != nil {
			return fn.Err[ChunkedDoc](err)
		}
		return fn.Ok(ChunkedDoc{Doc: loaded.Doc, Chunks: chunks})
	}
}

// IndexStage replaces the document's chunks in the vector index. Reindexing
// with an empty chunk list clears whatever an earlier version stored, so a
// document that shrinks to nothing leaves no stale chunks behind.
func IndexStage(ix Indexer) fn.Stage[ChunkedDoc, Summary] {
	return func(ctx context.Context, cd ChunkedDoc) fn.Result[Summary] {
		if err := ix.Reindex(ctx, cd.Doc.ID, cd.Chunks); err != nil {
			return fn.Err[Summary](fmt.Errorf("ingest: index %s: %w", cd.Doc.ID, err))
		}
		return fn.Ok(Summary{DocID: cd.Doc.ID, Chunks: len(cd.Chunks)})
	}
}

// NewPipeline composes Load, Chunk, and Index with tracing.
func NewPipeline(deps Deps) fn.Stage[Request, Summary] {
	loaded := fn.Traced("ingest.load", LoadStage)
	chunked := fn.Then(loaded, fn.Traced("ingest.chunk", ChunkStage(deps.Split)))
	return fn.Then(chunked, fn.Traced("ingest.index", IndexStage(deps.Index)))
}

// DLQMessage is published to the DLQ after repeated failure. Consumers
// subscribe to DLQSubject to surface dead-lettered requests.
type DLQMessage struct {
	Request Request `json:"request"`
	Error   string  `json:"error"`
	Retries int     `json:"retries"`
}

// StartConsumer subscribes the ingestion pipeline to NATS. Failed requests
// are re-published with an incremented retry header and land in the DLQ
// once MaxRetries is reached.
func StartConsumer(nc *nats.Conn, deps Deps) (*nats.Subscription, error) {
	pipeline := NewPipeline(deps)
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	return nc.Subscribe(Subject, func(msg *nats.Msg) {
		var req Request
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			log.Error("ingest: unmarshal request", "err", err)
			return
		}

		retries := 0
		if msg.Header != nil {
			if v := msg.Header.Get("X-Retry-Count"); v != "" {
				fmt.Sscanf(v, "%d", &retries)
			}
		}

		result := pipeline(context.Background(), req)
		if result.IsErr() {
			_, pipeErr := result.Unwrap()
			retries++
			log.Error("ingest: pipeline failed", "path", req.Path, "retry", retries, "err", pipeErr)

			if retries >= MaxRetries {
				data, _ := json.Marshal(DLQMessage{Request: req, Error: pipeErr.Error(), Retries: retries})
				if err := nc.Publish(DLQSubject, data); err != nil {
					log.Error("ingest: DLQ publish failed", "err", err)
				}
				return
			}
			retry := nats.NewMsg(Subject)
			retry.Data = msg.Data
			retry.Header = nats.Header{}
			retry.Header.Set("X-Retry-Count", fmt.Sprintf("%d", retries))
			if err := nc.PublishMsg(retry); err != nil {
				log.Error("ingest: retry publish failed", "err", err)
			}
			return
		}

		summary, _ := result.Unwrap()
		log.Info("ingest: done", "doc_id", summary.DocID, "chunks", summary.Chunks)
	})
}
