// Package websearch calls the configured search provider and returns
// citation-ready results for the political risk capability.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/exprisk/orchestrator/internal/metrics"
	"github.com/exprisk/orchestrator/internal/tracing"
)

// Result is one search hit with full citation metadata.
type Result struct {
	Title     string `json:"title"`
	Snippet   string `json:"snippet"`
	SourceURL string `json:"source_url"`
	Published string `json:"published,omitempty"`
}

// ErrMissingAPIKey is returned when the provider requires a key and none is
// configured.
var ErrMissingAPIKey = errors.New("search provider API key not configured")

// Config holds provider settings.
type Config struct {
	Provider   string `mapstructure:"provider"`
	Endpoint   string `mapstructure:"endpoint"`
	APIKey     string `mapstructure:"api_key"`
	MaxResults int    `mapstructure:"max_results"`
}

// Client queries a Serper-style JSON search API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewClient builds a search client with sane defaults.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://google.serper.dev/search"
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

type searchRequest struct {
	Query string `json:"q"`
	Num   int    `json:"num"`
}

type searchResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
		Link    string `json:"link"`
		Date    string `json:"date"`
	} `json:"organic"`
}

// Search runs one query against the provider and returns up to MaxResults
// hits. Transport and non-2xx failures are returned as errors so the invoker
// can retry them.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	body, err := json.Marshal(searchRequest{Query: query, Num: c.cfg.MaxResults})
	if err != nil {
		return nil, fmt.Errorf("encode search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.cfg.APIKey)
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.SearchRequests.WithLabelValues(c.cfg.Provider, "error").Inc()
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()
	metrics.SearchRequests.WithLabelValues(c.cfg.Provider, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search provider returned %d: %s", resp.StatusCode, string(slurp))
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]Result, 0, len(parsed.Organic))
	for _, o := range parsed.Organic {
		results = append(results, Result{
			Title:     o.Title,
			Snippet:   o.Snippet,
			SourceURL: o.Link,
			Published: o.Date,
		})
	}
	c.logger.Debug("search completed",
		zap.String("provider", c.cfg.Provider),
		zap.Int("results", len(results)),
	)
	return results, nil
}
