package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/LibrisAI/libris-mvp/engine/domain"
	"github.com/LibrisAI/libris-mvp/engine/ingest"
	"github.com/LibrisAI/libris-mvp/engine/rag"
	"github.com/LibrisAI/libris-mvp/pkg/fn"
	"github.com/LibrisAI/libris-mvp/pkg/metrics"
)

func testServer(t *testing.T, pipeline fn.Stage[ingest.Request, ingest.Summary]) *server {
	t.Helper()
	reg := metrics.New()
	return newServer(serverDeps{
		cfg:      Config{UploadDir: t.TempDir()},
		pipeline: pipeline,
		metrics: apiMetrics{
			uploads:    reg.Counter("test_uploads", ""),
			ingestErrs: reg.Counter("test_ingest_errs", ""),
			queries:    reg.Counter("test_queries", ""),
			queryErrs:  reg.Counter("test_query_errs", ""),
			latency:    reg.Histogram("test_latency", "", nil),
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func multipartUpload(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(content))
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestHealthEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/health", nil)
	handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %s", resp["status"])
	}
}

func TestUpload_SynchronousIngest(t *testing.T) {
	var gotPath string
	pipeline := func(_ context.Context, req ingest.Request) fn.Result[ingest.Summary] {
		gotPath = req.Path
		return fn.Ok(ingest.Summary{DocID: "doc-1", Chunks: 4})
	}
	s := testServer(t, pipeline)

	body, ctype := multipartUpload(t, "file", "notes.txt", "hello world")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/documents", body)
	req.Header.Set("Content-Type", ctype)
	s.handleUpload(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var resp UploadResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.DocID != "doc-1" || resp.Chunks != 4 || resp.Queued {
		t.Fatalf("resp = %+v", resp)
	}
	if filepath.Base(gotPath) != "notes.txt" {
		t.Fatalf("pipeline got path %q", gotPath)
	}
	if _, err := os.Stat(gotPath); err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
}

func TestUpload_RejectsUnsupportedExtension(t *testing.T) {
	s := testServer(t, func(_ context.Context, _ ingest.Request) fn.Result[ingest.Summary] {
		t.Error("pipeline must not run for rejected upload")
		return fn.Ok(ingest.Summary{})
	})

	body, ctype := multipartUpload(t, "file", "image.png", "binary")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/documents", body)
	req.Header.Set("Content-Type", ctype)
	s.handleUpload(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rec.Code)
	}
}

func TestUpload_MissingFileField(t *testing.T) {
	s := testServer(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/documents", bytes.NewBufferString("not multipart"))
	s.handleUpload(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUpload_IngestFailure(t *testing.T) {
	s := testServer(t, func(_ context.Context, _ ingest.Request) fn.Result[ingest.Summary] {
		return fn.Err[ingest.Summary](errors.New("index down"))
	})

	body, ctype := multipartUpload(t, "file", "notes.txt", "hello")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/documents", body)
	req.Header.Set("Content-Type", ctype)
	s.handleUpload(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestQuery_EmptyQuestion(t *testing.T) {
	s := testServer(t, nil)
	handler := s.handleQuery(func(_ context.Context, _ string) (rag.Answer, error) {
		t.Error("answer fn must not be called")
		return rag.Answer{}, nil
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/query", bytes.NewBufferString(`{"question":""}`))
	handler(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestQuery_InvalidJSON(t *testing.T) {
	s := testServer(t, nil)
	handler := s.handleQuery(func(_ context.Context, _ string) (rag.Answer, error) {
		return rag.Answer{}, nil
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/query", bytes.NewBufferString("not json"))
	handler(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestQuery_ReturnsAnswerWithSources(t *testing.T) {
	s := testServer(t, nil)
	handler := s.handleQuery(func(_ context.Context, q string) (rag.Answer, error) {
		return rag.Answer{
			Text: "answer to " + q,
			Sources: []domain.Source{
				domain.DocumentSource{Path: "report.pdf", Page: 2},
				domain.WebSource{URL: "https://x", Title: "X"},
			},
		}, nil
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/query", bytes.NewBufferString(`{"question":"why"}`))
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp QueryResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Answer != "answer to why" {
		t.Fatalf("answer = %q", resp.Answer)
	}
	if len(resp.Sources) != 2 {
		t.Fatalf("sources = %+v", resp.Sources)
	}
	if resp.Sources[0]["kind"] != "document" || resp.Sources[0]["page"] != float64(2) {
		t.Fatalf("doc source = %+v", resp.Sources[0])
	}
	if resp.Sources[1]["kind"] != "web" || resp.Sources[1]["title"] != "X" {
		t.Fatalf("web source = %+v", resp.Sources[1])
	}
}

func TestQuery_GenerationFailureIsBadGateway(t *testing.T) {
	s := testServer(t, nil)
	handler := s.handleQuery(func(_ context.Context, _ string) (rag.Answer, error) {
		return rag.Answer{}, domain.ErrGeneration
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/query", bytes.NewBufferString(`{"question":"q"}`))
	handler(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := loadConfig()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.Collection != "libris" {
		t.Fatalf("expected default collection libris, got %s", cfg.Collection)
	}
	if cfg.TopK != rag.DefaultTopK {
		t.Fatalf("expected default top-k, got %d", cfg.TopK)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("LIBRIS_TEST_STR", "custom")
	if v := envOr("LIBRIS_TEST_STR", "default"); v != "custom" {
		t.Fatalf("envOr = %s", v)
	}
	if v := envOr("LIBRIS_TEST_MISSING", "fallback"); v != "fallback" {
		t.Fatalf("envOr fallback = %s", v)
	}
	t.Setenv("LIBRIS_TEST_INT", "12")
	if v := envInt("LIBRIS_TEST_INT", 3); v != 12 {
		t.Fatalf("envInt = %d", v)
	}
	t.Setenv("LIBRIS_TEST_BADINT", "nope")
	if v := envInt("LIBRIS_TEST_BADINT", 3); v != 3 {
		t.Fatalf("envInt bad input = %d", v)
	}
}
