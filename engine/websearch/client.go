// Package websearch queries an external web search API and normalizes its
// responses. The adapter degrades rather than fails: any transport, auth, or
// decoding problem yields an empty result set so a caller's retrieval path
// keeps working on document hits alone.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/LibrisAI/libris-mvp/engine/domain"
	"github.com/LibrisAI/libris-mvp/pkg/fn"
)

const (
	// DefaultBaseURL points at the serper.dev search endpoint.
	DefaultBaseURL = "https://google.serper.dev/search"

	// DefaultLimit caps how many results a query returns when the caller
	// passes a non-positive limit.
	DefaultLimit = 5

	defaultTimeout = 10 * time.Second
)

// searchRetry bounds transient-failure retries on the provider call. Short
// waits: a degraded answer beats a slow one.
var searchRetry = fn.RetryOpts{
	MaxAttempts: 2,
	InitialWait: 100 * time.Millisecond,
	MaxWait:     time.Second,
	Jitter:      true,
}

// Config carries the knobs for a search Client. Zero values fall back to
// the defaults above.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// RatePerSec throttles outbound queries. Zero disables throttling.
	RatePerSec float64
}

// Client talks to the search API. The zero value is not usable; construct
// with New.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New builds a search client. A nil logger falls back to slog.Default.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return &Client{
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		limiter: limiter,
		logger:  logger,
	}
}

type searchRequest struct {
	Query string `json:"q"`
}

type searchResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

// Search runs a web query and returns at most limit results. Failures of any
// kind are logged and reported as an empty slice, never as an error. Entries
// missing a title, link, or snippet are skipped.
func (c *Client) Search(ctx context.Context, query string, limit int) []domain.SearchResult {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if query == "" {
		return nil
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.logger.Warn("websearch: rate limit wait aborted", "error", err)
			return nil
		}
	}

	resp, err := fn.Retry(ctx, searchRetry, func(ctx context.Context) fn.Result[*searchResponse] {
		return fn.FromPair(c.do(ctx, query))
	}).Unwrap()
	if err != nil {
		c.logger.Warn("websearch: query failed", "query", query, "error", err)
		return nil
	}

	results := make([]domain.SearchResult, 0, limit)
	for _, e := range resp.Organic {
		if e.Title == "" || e.Link == "" || e.Snippet == "" {
			continue
		}
		results = append(results, domain.SearchResult{
			Title:   e.Title,
			Link:    e.Link,
			Snippet: e.Snippet,
		})
		if len(results) == limit {
			break
		}
	}
	return results
}

func (c *Client) do(ctx context.Context, query string) (*searchResponse, error) {
	body, err := json.Marshal(searchRequest{Query: query})
	if err != nil {
		return nil, fmt.Errorf("websearch: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("websearch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.apiKey)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("websearch: send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("websearch: status %d", res.StatusCode)
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("websearch: decode response: %w", err)
	}
	return &parsed, nil
}
