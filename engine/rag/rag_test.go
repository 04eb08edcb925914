package rag

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/LibrisAI/libris-mvp/engine/domain"
)

type mockGenerator struct {
	reply      string
	err        error
	lastSystem string
	lastUser   string
	calls      int
}

func (m *mockGenerator) Generate(_ context.Context, system, user string) (string, error) {
	m.calls++
	m.lastSystem = system
	m.lastUser = user
	return m.reply, m.err
}

type mockSearcher struct {
	items []domain.RetrievedItem
	err   error
	lastK int
}

func (m *mockSearcher) Query(_ context.Context, _ string, k int) ([]domain.RetrievedItem, error) {
	m.lastK = k
	return m.items, m.err
}

type mockWeb struct {
	results []domain.SearchResult
}

func (m *mockWeb) Search(_ context.Context, _ string, limit int) []domain.SearchResult {
	if len(m.results) > limit {
		return m.results[:limit]
	}
	return m.results
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func docItem(content, path string) domain.RetrievedItem {
	return domain.RetrievedItem{Content: content, Source: domain.DocumentSource{Path: path}}
}

func TestHybridSearch_DocsBeforeWeb(t *testing.T) {
	docs := []domain.RetrievedItem{docItem("d1", "a.pdf"), docItem("d2", "b.pdf")}
	web := []domain.SearchResult{
		{Title: "W1", Link: "https://w1", Snippet: "s1"},
		{Title: "W2", Link: "https://w2", Snippet: "s2"},
	}

	merged := HybridSearch(docs, web)
	if len(merged) != 4 {
		t.Fatalf("got %d items", len(merged))
	}
	if merged[0].Content != "d1" || merged[1].Content != "d2" {
		t.Fatal("document items must come first, in order")
	}
	if merged[2].Content != "s1" || merged[3].Content != "s2" {
		t.Fatal("web items must follow, in provider order")
	}
	if src, ok := merged[2].Source.(domain.WebSource); !ok || src.URL != "https://w1" {
		t.Fatalf("web item source = %#v", merged[2].Source)
	}
}

func TestHybridSearch_KeepsDuplicates(t *testing.T) {
	docs := []domain.RetrievedItem{docItem("same text", "a.pdf")}
	web := []domain.SearchResult{{Title: "t", Link: "l", Snippet: "same text"}}
	if merged := HybridSearch(docs, web); len(merged) != 2 {
		t.Fatalf("duplicates must be kept, got %d items", len(merged))
	}
}

func TestHybridRetrieve_RunsDocSearchAndAppendsWeb(t *testing.T) {
	search := &mockSearcher{items: []domain.RetrievedItem{docItem("d", "a.pdf")}}
	e := New(&mockGenerator{}, search, nil, Options{}, quiet())

	web := []domain.SearchResult{{Title: "W", Link: "https://w", Snippet: "s"}}
	items, err := e.HybridRetrieve(context.Background(), "q", web, 4)
	if err != nil {
		t.Fatal(err)
	}
	if search.lastK != 4 {
		t.Fatalf("doc search k = %d, want 4", search.lastK)
	}
	if len(items) != 2 || items[0].Content != "d" || items[1].Content != "s" {
		t.Fatalf("items = %+v", items)
	}
}

func TestSynthesize_EmptyContextReturnsNoAnswer(t *testing.T) {
	gen := &mockGenerator{reply: "should not be used"}
	e := New(gen, &mockSearcher{}, nil, Options{}, quiet())

	ans, err := e.Synthesize(context.Background(), "q", nil)
	if err != nil {
		t.Fatal(err)
	}
	if ans.Text != NoAnswer {
		t.Fatalf("got %q, want %q", ans.Text, NoAnswer)
	}
	if gen.calls != 0 {
		t.Fatal("generator must not be called without context")
	}
}

func TestSynthesize_PromptLayout(t *testing.T) {
	gen := &mockGenerator{reply: "fine"}
	e := New(gen, &mockSearcher{}, nil, Options{}, quiet())

	items := []domain.RetrievedItem{docItem("first passage", "a.pdf"), docItem("second passage", "b.pdf")}
	if _, err := e.Synthesize(context.Background(), "what gives", items); err != nil {
		t.Fatal(err)
	}

	if gen.lastSystem != DefaultSystemPrompt {
		t.Fatalf("system prompt = %q", gen.lastSystem)
	}
	want := "first passage\n\nsecond passage\n\nQuestion: what gives"
	if gen.lastUser != want {
		t.Fatalf("user prompt = %q, want %q", gen.lastUser, want)
	}
}

func TestSynthesize_CollectsSources(t *testing.T) {
	e := New(&mockGenerator{reply: "ok"}, &mockSearcher{}, nil, Options{}, quiet())
	items := []domain.RetrievedItem{
		docItem("a", "report.pdf"),
		domain.FromSearchResult(domain.SearchResult{Title: "T", Link: "https://x", Snippet: "b"}),
	}
	ans, err := e.Synthesize(context.Background(), "q", items)
	if err != nil {
		t.Fatal(err)
	}
	if len(ans.Sources) != 2 {
		t.Fatalf("got %d sources", len(ans.Sources))
	}
	if ans.Sources[0].Kind() != "document" || ans.Sources[0].Ref() != "report.pdf" {
		t.Fatalf("first source = %v %v", ans.Sources[0].Kind(), ans.Sources[0].Ref())
	}
	if ans.Sources[1].Kind() != "web" || ans.Sources[1].Ref() != "https://x" {
		t.Fatalf("second source = %v %v", ans.Sources[1].Kind(), ans.Sources[1].Ref())
	}
}

func TestSynthesize_EmptyModelOutputFallsBack(t *testing.T) {
	for _, reply := range []string{"", "   \n\t"} {
		gen := &mockGenerator{reply: reply}
		e := New(gen, &mockSearcher{}, nil, Options{}, quiet())

		ans, err := e.Synthesize(context.Background(), "q", []domain.RetrievedItem{docItem("c", "p")})
		if err != nil {
			t.Fatal(err)
		}
		if ans.Text != NoAnswer {
			t.Fatalf("reply %q: got %q, want %q", reply, ans.Text, NoAnswer)
		}
		if len(ans.Sources) != 1 {
			t.Fatalf("fallback must keep sources, got %d", len(ans.Sources))
		}
		if gen.calls != 1 {
			t.Fatal("generator should have been consulted")
		}
	}
}

func TestSynthesize_GenerationFailureWrapsSentinel(t *testing.T) {
	gen := &mockGenerator{err: errors.New("model overloaded")}
	e := New(gen, &mockSearcher{}, nil, Options{}, quiet())

	_, err := e.Synthesize(context.Background(), "q", []domain.RetrievedItem{docItem("c", "p")})
	if !errors.Is(err, domain.ErrGeneration) {
		t.Fatalf("expected ErrGeneration, got %v", err)
	}
	if !strings.Contains(err.Error(), "model overloaded") {
		t.Fatalf("cause lost: %v", err)
	}
}

func TestQuery_UsesConfiguredTopK(t *testing.T) {
	search := &mockSearcher{items: []domain.RetrievedItem{docItem("c", "p")}}
	e := New(&mockGenerator{reply: "ok"}, search, nil, Options{TopK: 7}, quiet())

	if _, err := e.Query(context.Background(), "q"); err != nil {
		t.Fatal(err)
	}
	if search.lastK != 7 {
		t.Fatalf("search asked for k=%d, want 7", search.lastK)
	}
}

func TestQuery_RetrievalFailurePropagates(t *testing.T) {
	search := &mockSearcher{err: errors.New("index down")}
	e := New(&mockGenerator{}, search, nil, Options{}, quiet())
	if _, err := e.Query(context.Background(), "q"); err == nil {
		t.Fatal("expected retrieval error")
	}
}

func TestHybridQuery_MergesBothChannels(t *testing.T) {
	search := &mockSearcher{items: []domain.RetrievedItem{docItem("doc ctx", "a.pdf")}}
	web := &mockWeb{results: []domain.SearchResult{{Title: "W", Link: "https://w", Snippet: "web ctx"}}}
	gen := &mockGenerator{reply: "merged answer"}
	e := New(gen, search, web, Options{}, quiet())

	ans, err := e.HybridQuery(context.Background(), "q")
	if err != nil {
		t.Fatal(err)
	}
	if ans.Text != "merged answer" {
		t.Fatalf("text = %q", ans.Text)
	}
	if len(ans.Sources) != 2 {
		t.Fatalf("got %d sources", len(ans.Sources))
	}
	if ans.Sources[0].Kind() != "document" || ans.Sources[1].Kind() != "web" {
		t.Fatal("sources out of order")
	}
	if !strings.Contains(gen.lastUser, "doc ctx\n\nweb ctx") {
		t.Fatalf("prompt does not interleave channels in order: %q", gen.lastUser)
	}
}

func TestHybridQuery_WebDegradationKeepsDocs(t *testing.T) {
	search := &mockSearcher{items: []domain.RetrievedItem{docItem("doc only", "a.pdf")}}
	e := New(&mockGenerator{reply: "ok"}, search, &mockWeb{}, Options{}, quiet())

	ans, err := e.HybridQuery(context.Background(), "q")
	if err != nil {
		t.Fatal(err)
	}
	if len(ans.Sources) != 1 || ans.Sources[0].Kind() != "document" {
		t.Fatalf("sources = %+v", ans.Sources)
	}
}

func TestHybridQuery_NilWebSearcher(t *testing.T) {
	search := &mockSearcher{items: []domain.RetrievedItem{docItem("c", "p")}}
	e := New(&mockGenerator{reply: "ok"}, search, nil, Options{}, quiet())
	if _, err := e.HybridQuery(context.Background(), "q"); err != nil {
		t.Fatal(err)
	}
}

func TestHybridQuery_AllEmptyFallsBack(t *testing.T) {
	e := New(&mockGenerator{reply: "never"}, &mockSearcher{}, &mockWeb{}, Options{}, quiet())
	ans, err := e.HybridQuery(context.Background(), "q")
	if err != nil {
		t.Fatal(err)
	}
	if ans.Text != NoAnswer {
		t.Fatalf("got %q, want %q", ans.Text, NoAnswer)
	}
}

func TestWebQuery_WebOnlySources(t *testing.T) {
	web := &mockWeb{results: []domain.SearchResult{{Title: "T", Link: "https://t", Snippet: "s"}}}
	e := New(&mockGenerator{reply: "ok"}, &mockSearcher{}, web, Options{}, quiet())

	ans, err := e.WebQuery(context.Background(), "q")
	if err != nil {
		t.Fatal(err)
	}
	if len(ans.Sources) != 1 || ans.Sources[0].Kind() != "web" {
		t.Fatalf("sources = %+v", ans.Sources)
	}
}
