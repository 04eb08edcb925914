// Command chat is an interactive terminal client for asking questions over
// the indexed corpus. Retrieval mode can be switched between documents, web,
// and hybrid at the prompt.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"

	"github.com/LibrisAI/libris-mvp/engine/domain"
	"github.com/LibrisAI/libris-mvp/engine/rag"
	"github.com/LibrisAI/libris-mvp/engine/semantic"
	"github.com/LibrisAI/libris-mvp/engine/websearch"
	"github.com/LibrisAI/libris-mvp/pkg/llm"
	"github.com/LibrisAI/libris-mvp/pkg/resilience"
)

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	model, err := llm.New(llm.Config{
		APIKey:     os.Getenv("LLM_API_KEY"),
		BaseURL:    os.Getenv("LLM_BASE_URL"),
		EmbedModel: envOr("EMBED_MODEL", llm.DefaultEmbedModel),
		ChatModel:  envOr("CHAT_MODEL", llm.DefaultChatModel),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "llm client:", err)
		os.Exit(1)
	}

	var store semantic.Store
	if envOr("VECTOR_STORE", "qdrant") == "local" {
		local, err := semantic.OpenLocal(envOr("INDEX_DIR", "index"))
		if err != nil {
			fmt.Fprintln(os.Stderr, "open local index:", err)
			os.Exit(1)
		}
		store = local
	} else {
		qdrant, err := semantic.NewQdrant(envOr("QDRANT_URL", "localhost:6334"), envOr("QDRANT_COLLECTION", "libris"))
		if err != nil {
			fmt.Fprintln(os.Stderr, "qdrant connect:", err)
			os.Exit(1)
		}
		defer qdrant.Close()
		store = qdrant
	}

	index := semantic.NewIndex(model, store, semantic.IndexOptions{}, logger)

	var web rag.WebSearcher
	if key := os.Getenv("SERPER_API_KEY"); key != "" {
		web = websearch.New(websearch.Config{APIKey: key, RatePerSec: 2}, logger)
	}

	engine := rag.New(model, index, web, rag.Options{
		Breaker: resilience.NewBreaker(resilience.BreakerOpts{}),
	}, logger)

	fmt.Println("libris chat. Commands: /docs /web /hybrid /quit")
	mode := "docs"
	if web != nil {
		mode = "hybrid"
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Printf("[%s] > ", mode)
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return
		case line == "/docs":
			mode = "docs"
			continue
		case line == "/web", line == "/hybrid":
			if web == nil {
				fmt.Println("web search not configured, set SERPER_API_KEY")
				continue
			}
			mode = line[1:]
			continue
		}

		var (
			out rag.Answer
			err error
		)
		switch mode {
		case "web":
			out, err = engine.WebQuery(ctx, line)
		case "hybrid":
			out, err = engine.HybridQuery(ctx, line)
		default:
			out, err = engine.Query(ctx, line)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			if ctx.Err() != nil {
				return
			}
			continue
		}

		fmt.Println()
		fmt.Println(out.Text)
		if len(out.Sources) > 0 {
			fmt.Println()
			fmt.Println("Sources:")
			for i, src := range out.Sources {
				fmt.Printf("  [%d] %s\n", i+1, describeSource(src))
			}
		}
		fmt.Println()
	}
}

func describeSource(src domain.Source) string {
	switch s := src.(type) {
	case domain.DocumentSource:
		if s.Page > 0 {
			return fmt.Sprintf("%s (page %d)", s.Path, s.Page)
		}
		return s.Path
	case domain.WebSource:
		if s.Title != "" {
			return fmt.Sprintf("%s (%s)", s.Title, s.URL)
		}
		return s.URL
	default:
		return src.Ref()
	}
}
