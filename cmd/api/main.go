// Package main implements the Libris API server: document upload and
// question answering over the indexed corpus, the web, or both.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/LibrisAI/libris-mvp/engine/domain"
	"github.com/LibrisAI/libris-mvp/engine/ingest"
	"github.com/LibrisAI/libris-mvp/engine/rag"
	"github.com/LibrisAI/libris-mvp/engine/semantic"
	"github.com/LibrisAI/libris-mvp/engine/websearch"
	"github.com/LibrisAI/libris-mvp/pkg/fn"
	"github.com/LibrisAI/libris-mvp/pkg/llm"
	"github.com/LibrisAI/libris-mvp/pkg/metrics"
	"github.com/LibrisAI/libris-mvp/pkg/mid"
	"github.com/LibrisAI/libris-mvp/pkg/natsutil"
	"github.com/LibrisAI/libris-mvp/pkg/resilience"
)

const maxUploadBytes = 64 << 20

// Config holds all environment-based configuration.
type Config struct {
	Port       string
	UploadDir  string
	CORSOrigin string

	VectorStore string // "qdrant" or "local"
	QdrantURL   string
	Collection  string
	IndexDir    string
	EmbedDims   int

	LLMBaseURL string
	LLMKey     string
	EmbedModel string
	ChatModel  string

	SerperKey string
	SerperURL string

	NATSURL string // empty disables async ingestion

	TopK     int
	WebLimit int
}

func loadConfig() Config {
	return Config{
		Port:        envOr("PORT", "8080"),
		UploadDir:   envOr("UPLOAD_DIR", "uploads"),
		CORSOrigin:  envOr("CORS_ORIGIN", "*"),
		VectorStore: envOr("VECTOR_STORE", "qdrant"),
		QdrantURL:   envOr("QDRANT_URL", "localhost:6334"),
		Collection:  envOr("QDRANT_COLLECTION", "libris"),
		IndexDir:    envOr("INDEX_DIR", "index"),
		EmbedDims:   envInt("EMBED_DIMS", 1536),
		LLMBaseURL:  os.Getenv("LLM_BASE_URL"),
		LLMKey:      os.Getenv("LLM_API_KEY"),
		EmbedModel:  envOr("EMBED_MODEL", llm.DefaultEmbedModel),
		ChatModel:   envOr("CHAT_MODEL", llm.DefaultChatModel),
		SerperKey:   os.Getenv("SERPER_API_KEY"),
		SerperURL:   os.Getenv("SERPER_URL"),
		NATSURL:     os.Getenv("NATS_URL"),
		TopK:        envInt("RAG_TOP_K", rag.DefaultTopK),
		WebLimit:    envInt("RAG_WEB_LIMIT", rag.DefaultWebLimit),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(loadConfig(), logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}

	// --- LLM client ---
	model, err := llm.New(llm.Config{
		APIKey:     cfg.LLMKey,
		BaseURL:    cfg.LLMBaseURL,
		EmbedModel: cfg.EmbedModel,
		ChatModel:  cfg.ChatModel,
	})
	if err != nil {
		return fmt.Errorf("llm client: %w", err)
	}

	// --- Vector store ---
	var store semantic.Store
	switch cfg.VectorStore {
	case "local":
		local, err := semantic.OpenLocal(cfg.IndexDir)
		if err != nil {
			return fmt.Errorf("open local index: %w", err)
		}
		store = local
	default:
		qdrant, err := semantic.NewQdrant(cfg.QdrantURL, cfg.Collection)
		if err != nil {
			return fmt.Errorf("qdrant connect: %w", err)
		}
		defer qdrant.Close()
		if err := qdrant.EnsureCollection(ctx, cfg.EmbedDims); err != nil {
			return fmt.Errorf("ensure collection: %w", err)
		}
		store = qdrant
	}

	index := semantic.NewIndex(model, store, semantic.IndexOptions{Breaker: resilience.BreakerOpts{}}, logger)

	// --- Web search (optional) ---
	var web rag.WebSearcher
	if cfg.SerperKey != "" {
		web = websearch.New(websearch.Config{
			BaseURL:    cfg.SerperURL,
			APIKey:     cfg.SerperKey,
			RatePerSec: 2,
		}, logger)
	}

	// --- RAG engine ---
	genBreaker := resilience.NewBreaker(resilience.BreakerOpts{})
	engine := rag.New(model, index, web, rag.Options{
		TopK:     cfg.TopK,
		WebLimit: cfg.WebLimit,
		Breaker:  genBreaker,
	}, logger)

	// --- Ingestion: NATS consumer when configured, else inline pipeline ---
	deps := ingest.Deps{Index: index, Split: ingest.DefaultSplitOptions(), Logger: logger}
	pipeline := ingest.NewPipeline(deps)

	// --- Metrics ---
	reg := metrics.New()
	m := apiMetrics{
		uploads:    reg.Counter("libris_documents_uploaded_total", "Documents accepted for ingestion."),
		ingestErrs: reg.Counter("libris_ingest_errors_total", "Synchronous ingestion failures."),
		queries:    reg.Counter("libris_queries_total", "Answer requests served."),
		queryErrs:  reg.Counter("libris_query_errors_total", "Answer requests that failed."),
		latency:    reg.Histogram("libris_query_seconds", "Answer latency.", nil),
	}
	deadLetters := reg.Counter("libris_ingest_dead_letters_total", "Ingestion requests that exhausted retries.")

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL, nats.Name("libris-api"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
		sub, err := ingest.StartConsumer(nc, deps)
		if err != nil {
			return fmt.Errorf("start ingest consumer: %w", err)
		}
		defer sub.Unsubscribe()

		dlqSub, err := natsutil.Subscribe(nc, ingest.DLQSubject, logger, func(_ context.Context, msg ingest.DLQMessage) {
			deadLetters.Inc()
			logger.Error("ingest dead letter", "path", msg.Request.Path, "retries", msg.Retries, "err", msg.Error)
		})
		if err != nil {
			return fmt.Errorf("subscribe dlq: %w", err)
		}
		defer dlqSub.Unsubscribe()
	}

	srv := newServer(serverDeps{
		cfg:      cfg,
		pipeline: pipeline,
		nc:       nc,
		metrics:  m,
		logger:   logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.Handle("GET /metrics", reg.Handler())
	mux.HandleFunc("POST /api/documents", srv.handleUpload)
	mux.HandleFunc("POST /api/query", srv.handleQuery(engine.Query))
	mux.HandleFunc("POST /api/query/web", srv.handleQuery(engine.WebQuery))
	mux.HandleFunc("POST /api/query/hybrid", srv.handleQuery(engine.HybridQuery))

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.Trace("libris-api"),
	)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port, "store", cfg.VectorStore, "async_ingest", nc != nil)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}

// --- Server ---

type apiMetrics struct {
	uploads    *metrics.Counter
	ingestErrs *metrics.Counter
	queries    *metrics.Counter
	queryErrs  *metrics.Counter
	latency    *metrics.Histogram
}

type serverDeps struct {
	cfg      Config
	pipeline fn.Stage[ingest.Request, ingest.Summary]
	nc       *nats.Conn
	metrics  apiMetrics
	logger   *slog.Logger
}

type server struct {
	serverDeps
}

func newServer(deps serverDeps) *server {
	return &server{serverDeps: deps}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// UploadResponse reports how an uploaded document was handled. DocID and
// Chunks are filled only on the synchronous path.
type UploadResponse struct {
	Path   string `json:"path"`
	Queued bool   `json:"queued"`
	DocID  string `json:"doc_id,omitempty"`
	Chunks int    `json:"chunks,omitempty"`
}

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if _, err := domain.DetectType(name); err != nil {
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
		return
	}

	dst := filepath.Join(s.cfg.UploadDir, name)
	out, err := os.Create(dst)
	if err != nil {
		s.logger.Error("upload: create file", "err", err)
		writeError(w, http.StatusInternalServerError, "could not store upload")
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(dst)
		s.logger.Error("upload: write file", "err", err)
		writeError(w, http.StatusInternalServerError, "could not store upload")
		return
	}
	out.Close()
	s.metrics.uploads.Inc()

	req := ingest.Request{Path: dst}

	if s.nc != nil {
		if err := natsutil.Publish(r.Context(), s.nc, ingest.Subject, req); err != nil {
			s.logger.Error("upload: queue request", "err", err)
			writeError(w, http.StatusInternalServerError, "could not queue ingestion")
			return
		}
		writeJSON(w, http.StatusAccepted, UploadResponse{Path: dst, Queued: true})
		return
	}

	result := s.pipeline(r.Context(), req)
	summary, err := result.Unwrap()
	if err != nil {
		s.metrics.ingestErrs.Inc()
		s.logger.Error("upload: ingest failed", "path", dst, "err", err)
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrUnsupportedType) {
			status = http.StatusUnsupportedMediaType
		}
		writeError(w, status, "ingestion failed")
		return
	}
	writeJSON(w, http.StatusOK, UploadResponse{Path: dst, DocID: summary.DocID, Chunks: summary.Chunks})
}

// QueryRequest is the JSON body for the query endpoints.
type QueryRequest struct {
	Question string `json:"question"`
}

// QueryResponse carries the synthesized answer and its sources.
type QueryResponse struct {
	Answer  string           `json:"answer"`
	Sources []map[string]any `json:"sources"`
}

func (s *server) handleQuery(answer func(context.Context, string) (rag.Answer, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Question == "" {
			writeError(w, http.StatusBadRequest, "question is required")
			return
		}

		start := time.Now()
		ans, err := answer(r.Context(), req.Question)
		s.metrics.queries.Inc()
		s.metrics.latency.Since(start)
		if err != nil {
			s.metrics.queryErrs.Inc()
			s.logger.Error("query failed", "err", err)
			status := http.StatusInternalServerError
			if errors.Is(err, domain.ErrGeneration) || errors.Is(err, domain.ErrEmbedding) {
				status = http.StatusBadGateway
			}
			writeError(w, status, "query failed")
			return
		}

		writeJSON(w, http.StatusOK, QueryResponse{
			Answer:  ans.Text,
			Sources: sourcePayloads(ans.Sources),
		})
	}
}

func sourcePayloads(sources []domain.Source) []map[string]any {
	out := make([]map[string]any, 0, len(sources))
	for _, src := range sources {
		p := map[string]any{"kind": src.Kind(), "ref": src.Ref()}
		switch s := src.(type) {
		case domain.DocumentSource:
			if s.Page > 0 {
				p["page"] = s.Page
			}
		case domain.WebSource:
			if s.Title != "" {
				p["title"] = s.Title
			}
		}
		out = append(out, p)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
