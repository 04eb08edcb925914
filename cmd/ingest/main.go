// Command ingest watches a directory for documents and runs them through
// the ingestion pipeline into the vector index. It can also process a single
// file or directory once and exit.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/LibrisAI/libris-mvp/engine/domain"
	"github.com/LibrisAI/libris-mvp/engine/ingest"
	"github.com/LibrisAI/libris-mvp/engine/semantic"
	"github.com/LibrisAI/libris-mvp/pkg/fn"
	"github.com/LibrisAI/libris-mvp/pkg/llm"
	"github.com/LibrisAI/libris-mvp/pkg/metrics"
	"github.com/LibrisAI/libris-mvp/pkg/resilience"
)

var met = metrics.New()

var (
	mDocsTotal   = met.Counter("libris_ingest_docs_total", "Documents ingested")
	mErrorsTotal = met.Counter("libris_ingest_errors_total", "Ingestion errors")
	mSkipped     = met.Counter("libris_ingest_docs_skipped_total", "Files skipped as already processed")
	mChunksTotal = met.Counter("libris_ingest_chunks_total", "Chunks created")
	mLastScan    = met.Gauge("libris_ingest_last_scan_timestamp", "Epoch of last directory scan")
	mPipelineDur = met.Histogram("libris_ingest_pipeline_duration_seconds", "Per-doc pipeline time", nil)
)

func main() {
	_ = godotenv.Load()

	var (
		path        = flag.String("path", "documents", "file or directory to ingest")
		watch       = flag.Bool("watch", false, "keep scanning the directory at the given interval")
		interval    = flag.Duration("interval", 30*time.Second, "scan interval in watch mode")
		stateFile   = flag.String("state", ".ingest-state.json", "processed files state")
		vectorStore = flag.String("store", envOr("VECTOR_STORE", "qdrant"), "vector store: qdrant or local")
		qdrantAddr  = flag.String("qdrant", envOr("QDRANT_URL", "localhost:6334"), "Qdrant gRPC address")
		collection  = flag.String("collection", envOr("QDRANT_COLLECTION", "libris"), "Qdrant collection name")
		indexDir    = flag.String("index-dir", envOr("INDEX_DIR", "index"), "local index directory")
		embedDims   = flag.Int("dims", 1536, "embedding vector dimensions")
		metricsPort = flag.Int("metrics-port", 9091, "metrics server port")
	)
	flag.Parse()

	met.CollectRuntime("libris_ingest", 15*time.Second)
	met.ServeAsync(*metricsPort)

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	model, err := llm.New(llm.Config{
		APIKey:     os.Getenv("LLM_API_KEY"),
		BaseURL:    os.Getenv("LLM_BASE_URL"),
		EmbedModel: envOr("EMBED_MODEL", llm.DefaultEmbedModel),
	})
	if err != nil {
		log.Error("llm client failed", "error", err)
		os.Exit(1)
	}

	var store semantic.Store
	switch *vectorStore {
	case "local":
		local, err := semantic.OpenLocal(*indexDir)
		if err != nil {
			log.Error("open local index failed", "error", err)
			os.Exit(1)
		}
		store = local
		log.Info("using local index", "dir", *indexDir)
	default:
		qdrant, err := semantic.NewQdrant(*qdrantAddr, *collection)
		if err != nil {
			log.Error("qdrant connect failed", "error", err)
			os.Exit(1)
		}
		defer qdrant.Close()
		if err := qdrant.EnsureCollection(ctx, *embedDims); err != nil {
			log.Error("qdrant ensure collection failed", "error", err)
			os.Exit(1)
		}
		store = qdrant
		log.Info("connected to Qdrant", "collection", *collection, "dims", *embedDims)
	}

	index := semantic.NewIndex(model, store, semantic.IndexOptions{Breaker: resilience.BreakerOpts{}}, log)
	pipeline := ingest.NewPipeline(ingest.Deps{
		Index:  index,
		Split:  ingest.DefaultSplitOptions(),
		Logger: log,
	})

	info, err := os.Stat(*path)
	if err != nil {
		log.Error("stat path failed", "path", *path, "error", err)
		os.Exit(1)
	}

	if !info.IsDir() {
		if ok := processFile(ctx, *path, pipeline, log); !ok {
			os.Exit(1)
		}
		return
	}

	processed := loadState(*stateFile)

	scan := func() {
		mLastScan.Set(time.Now().Unix())
		scanDir(ctx, *path, pipeline, processed, log)
		saveState(*stateFile, processed)
	}

	scan()
	if !*watch {
		return
	}

	log.Info("watching for documents", "dir", *path, "interval", *interval)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return
		case <-ticker.C:
			scan()
		}
	}
}

func scanDir(ctx context.Context, dir string, pipeline fn.Stage[ingest.Request, ingest.Summary], processed map[string]bool, log *slog.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		mErrorsTotal.Inc()
		log.Error("readdir failed", "error", err)
		return
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		if _, err := domain.DetectType(e.Name()); err != nil {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}
		key := fmt.Sprintf("%s:%d", e.Name(), info.Size())
		if processed[key] {
			mSkipped.Inc()
			continue
		}

		// Only mark as processed on success so failures retry next scan.
		if processFile(ctx, filepath.Join(dir, e.Name()), pipeline, log) {
			processed[key] = true
		}
	}
}

func processFile(ctx context.Context, path string, pipeline fn.Stage[ingest.Request, ingest.Summary], log *slog.Logger) bool {
	start := time.Now()
	result := pipeline(ctx, ingest.Request{Path: path})
	mPipelineDur.Since(start)

	summary, err := result.Unwrap()
	if err != nil {
		mErrorsTotal.Inc()
		log.Error("pipeline error", "path", path, "error", err)
		return false
	}
	mDocsTotal.Inc()
	mChunksTotal.Add(int64(summary.Chunks))
	log.Info("ingested", "path", path, "doc_id", summary.DocID, "chunks", summary.Chunks)
	return true
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadState(path string) map[string]bool {
	m := make(map[string]bool)
	data, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	json.Unmarshal(data, &m)
	return m
}

func saveState(path string, m map[string]bool) {
	data, _ := json.Marshal(m)
	os.WriteFile(path, data, 0o644)
}
