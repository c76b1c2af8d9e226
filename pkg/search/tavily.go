// Package search provides web search through the Tavily API and the
// augmenter that folds results into a turn's system prompt.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loomhq/loom/pkg/config"
	"github.com/loomhq/loom/pkg/httpclient"
)

// Client calls the Tavily search API.
type Client struct {
	cfg        config.SearchConfig
	httpClient *httpclient.Client
}

type searchRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results,omitempty"`
	IncludeAnswer bool   `json:"include_answer,omitempty"`
	IncludeImages bool   `json:"include_images,omitempty"`
	SearchDepth   string `json:"search_depth,omitempty"`
}

// Result is one search hit.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Response is a completed search.
type Response struct {
	Query        string   `json:"query"`
	Answer       string   `json:"answer,omitempty"`
	Results      []Result `json:"results"`
	Images       []string `json:"images,omitempty"`
	ResponseTime float64  `json:"response_time"`
}

// NewClient builds a search client. Enabled() is false when no API key
// is configured.
func NewClient(cfg config.SearchConfig) *Client {
	return &Client{
		cfg: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithMaxRetries(2),
			httpclient.WithRetryStrategy(func(int) httpclient.RetryStrategy {
				return httpclient.ConservativeRetry
			}),
		),
	}
}

// Enabled reports whether a credential is configured.
func (c *Client) Enabled() bool { return c.cfg.APIKey != "" }

// Search runs one query.
func (c *Client) Search(ctx context.Context, query string) (*Response, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("search is not configured")
	}
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	body, err := json.Marshal(searchRequest{
		APIKey:        c.cfg.APIKey,
		Query:         query,
		MaxResults:    c.cfg.MaxResults,
		IncludeAnswer: c.cfg.IncludeAnswer,
		IncludeImages: c.cfg.IncludeImages,
		SearchDepth:   c.cfg.SearchDepth,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("search request failed with status %d: %s", resp.StatusCode, string(respBody))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("search request failed: no response received")
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}

	var response Response
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal search response: %w", err)
	}

	return &response, nil
}
