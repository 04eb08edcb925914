// Package rag retrieves context for a question and synthesizes an answer
// from it. Retrieval can draw on the document index, the web, or both; the
// hybrid path concatenates document hits before web hits without dedup or
// re-ranking, so callers see exactly what each channel returned.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/LibrisAI/libris-mvp/engine/domain"
	"github.com/LibrisAI/libris-mvp/pkg/resilience"
)

const (
	// DefaultSystemPrompt frames every synthesis call.
	DefaultSystemPrompt = "You are an expert research assistant."

	// NoAnswer is returned verbatim when no context could be retrieved.
	NoAnswer = "No answer found"

	DefaultTopK     = 3
	DefaultWebLimit = 5

	defaultGenTimeout = 90 * time.Second
)

var tracer = otel.Tracer("engine/rag")

// Generator produces an answer from a system prompt and a user prompt.
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

// Searcher retrieves the k most similar indexed chunks for a query.
type Searcher interface {
	Query(ctx context.Context, text string, k int) ([]domain.RetrievedItem, error)
}

// WebSearcher runs a web query. It never fails; an empty slice means
// no usable results.
type WebSearcher interface {
	Search(ctx context.Context, query string, limit int) []domain.SearchResult
}

// Options tunes an Engine. Zero values fall back to the defaults above.
type Options struct {
	TopK         int
	WebLimit     int
	SystemPrompt string
	GenTimeout   time.Duration

	// Breaker, when set, guards generation calls.
	Breaker *resilience.Breaker
}

func (o Options) normalize() Options {
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	if o.WebLimit <= 0 {
		o.WebLimit = DefaultWebLimit
	}
	if o.SystemPrompt == "" {
		o.SystemPrompt = DefaultSystemPrompt
	}
	if o.GenTimeout <= 0 {
		o.GenTimeout = defaultGenTimeout
	}
	return o
}

// Answer is a synthesized response with the sources that informed it.
type Answer struct {
	Text    string          `json:"text"`
	Sources []domain.Source `json:"sources"`
}

// Engine wires retrieval and generation together.
type Engine struct {
	gen    Generator
	search Searcher
	web    WebSearcher
	opts   Options
	logger *slog.Logger
}

// New builds an Engine. web may be nil when only document retrieval is
// configured; WebQuery and HybridQuery then degrade to document-only paths.
func New(gen Generator, search Searcher, web WebSearcher, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{gen: gen, search: search, web: web, opts: opts.normalize(), logger: logger}
}

// HybridSearch merges document hits and web results into one candidate list:
// all document items in similarity order, then all web items in provider
// order. Duplicates across the two channels are kept.
func HybridSearch(docs []domain.RetrievedItem, web []domain.SearchResult) []domain.RetrievedItem {
	merged := make([]domain.RetrievedItem, 0, len(docs)+len(web))
	merged = append(merged, docs...)
	for _, r := range web {
		merged = append(merged, domain.FromSearchResult(r))
	}
	return merged
}

// HybridRetrieve runs document retrieval for the query and appends
// pre-fetched web results after the document hits, per HybridSearch.
func (e *Engine) HybridRetrieve(ctx context.Context, query string, web []domain.SearchResult, kDoc int) ([]domain.RetrievedItem, error) {
	if kDoc <= 0 {
		kDoc = e.opts.TopK
	}
	docs, err := e.search.Query(ctx, query, kDoc)
	if err != nil {
		return nil, fmt.Errorf("rag: retrieve: %w", err)
	}
	return HybridSearch(docs, web), nil
}

// Query answers from the document index alone.
func (e *Engine) Query(ctx context.Context, question string) (Answer, error) {
	ctx, span := tracer.Start(ctx, "rag.query")
	defer span.End()

	items, err := e.search.Query(ctx, question, e.opts.TopK)
	if err != nil {
		return Answer{}, fmt.Errorf("rag: retrieve: %w", err)
	}
	return e.Synthesize(ctx, question, items)
}

// WebQuery answers from web search results alone.
func (e *Engine) WebQuery(ctx context.Context, question string) (Answer, error) {
	ctx, span := tracer.Start(ctx, "rag.web_query")
	defer span.End()

	items := HybridSearch(nil, e.webResults(ctx, question))
	return e.Synthesize(ctx, question, items)
}

// HybridQuery answers from the index and the web together. Both channels are
// queried concurrently; web failure degrades to document-only context while
// index failure aborts the call.
func (e *Engine) HybridQuery(ctx context.Context, question string) (Answer, error) {
	ctx, span := tracer.Start(ctx, "rag.hybrid_query")
	defer span.End()

	var (
		docs []domain.RetrievedItem
		web  []domain.SearchResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		docs, err = e.search.Query(gctx, question, e.opts.TopK)
		if err != nil {
			return fmt.Errorf("rag: retrieve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		web = e.webResults(gctx, question)
		return nil
	})
	if err := g.Wait(); err != nil {
		return Answer{}, err
	}

	span.SetAttributes(
		attribute.Int("rag.doc_hits", len(docs)),
		attribute.Int("rag.web_hits", len(web)),
	)
	return e.Synthesize(ctx, question, HybridSearch(docs, web))
}

// Synthesize turns retrieved context into an answer. An empty candidate list
// short-circuits to NoAnswer without calling the model, and an empty model
// response degrades to NoAnswer as well. Only transport failures are errors,
// wrapping domain.ErrGeneration.
func (e *Engine) Synthesize(ctx context.Context, question string, items []domain.RetrievedItem) (Answer, error) {
	ctx, span := tracer.Start(ctx, "rag.synthesize")
	defer span.End()

	if len(items) == 0 {
		return Answer{Text: NoAnswer}, nil
	}

	text, err := e.generate(ctx, BuildPrompt(question, items))
	if err != nil {
		return Answer{}, fmt.Errorf("%w: %v", domain.ErrGeneration, err)
	}
	if strings.TrimSpace(text) == "" {
		text = NoAnswer
	}

	sources := make([]domain.Source, len(items))
	for i, it := range items {
		sources[i] = it.Source
	}
	return Answer{Text: text, Sources: sources}, nil
}

// BuildPrompt assembles the user prompt: each context passage separated by a
// blank line, then the question on its own labelled line.
func BuildPrompt(question string, items []domain.RetrievedItem) string {
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(it.Content)
	}
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	return b.String()
}

func (e *Engine) webResults(ctx context.Context, question string) []domain.SearchResult {
	if e.web == nil {
		return nil
	}
	results := e.web.Search(ctx, question, e.opts.WebLimit)
	if len(results) == 0 {
		e.logger.Debug("rag: web search returned nothing", "question", question)
	}
	return results
}

func (e *Engine) generate(ctx context.Context, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.GenTimeout)
	defer cancel()

	if e.opts.Breaker == nil {
		return e.gen.Generate(ctx, e.opts.SystemPrompt, user)
	}
	var text string
	err := e.opts.Breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		text, err = e.gen.Generate(ctx, e.opts.SystemPrompt, user)
		return err
	})
	return text, err
}
