package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/config"
	"github.com/loomhq/loom/pkg/stream"
)

func newTestClient(serverURL string) *Client {
	return NewClient(config.SearchConfig{
		APIKey:     "test-key",
		BaseURL:    serverURL,
		MaxResults: 3,
		Timeout:    5,
	})
}

func TestSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)

		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-key", req.APIKey)
		assert.Equal(t, "go generics", req.Query)

		json.NewEncoder(w).Encode(Response{
			Query:  req.Query,
			Answer: "Generics arrived in Go 1.18.",
			Results: []Result{
				{Title: "Go Blog", URL: "https://go.dev/blog/intro-generics", Content: "An introduction to generics.", Score: 0.9},
			},
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	resp, err := client.Search(context.Background(), "go generics")
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "Go Blog", resp.Results[0].Title)
	assert.NotEmpty(t, resp.Answer)
}

func TestSearchDisabled(t *testing.T) {
	client := NewClient(config.SearchConfig{})

	assert.False(t, client.Enabled())
	_, err := client.Search(context.Background(), "anything")
	assert.Error(t, err)
}

func TestAugmentSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Response{
			Results: []Result{
				{Title: "Result A", URL: "https://example.com/a", Content: "Body A"},
			},
			Images:       []string{"https://example.com/a.png"},
			ResponseTime: 1.37,
		})
	}))
	defer server.Close()

	aug := NewAugmenter(newTestClient(server.URL))
	rec := stream.NewRecorder()

	prompt := aug.Augment(context.Background(), "You are helpful.", "query", rec)

	assert.Contains(t, prompt, "Result A")
	assert.Contains(t, prompt, "https://example.com/a")
	assert.Contains(t, prompt, "[Title](URL)")

	want := []string{stream.DataSearching, stream.DataProcessing, stream.DataSearchResults}
	assert.Equal(t, want, dataKinds(rec))

	results := rec.OfType(stream.EventData)[2]
	payload, ok := results.Data.Content.(map[string]any)
	require.True(t, ok, "search-results payload should be a map")
	assert.Equal(t, 1.37, payload["responseTime"])
	assert.Equal(t, []string{"https://example.com/a.png"}, payload["images"])
}

func TestAugmentFailureDoesNotAbort(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	aug := NewAugmenter(newTestClient(server.URL))
	rec := stream.NewRecorder()

	prompt := aug.Augment(context.Background(), "You are helpful.", "query", rec)

	assert.Contains(t, prompt, "search was attempted")

	want := []string{stream.DataSearching, stream.DataProcessing, stream.DataSearchError}
	assert.Equal(t, want, dataKinds(rec))
	assert.Empty(t, rec.OfType(stream.EventError), "search failure must not emit turn-level error events")
}

func TestAugmentWithoutCredential(t *testing.T) {
	aug := NewAugmenter(NewClient(config.SearchConfig{}))
	rec := stream.NewRecorder()

	prompt := aug.Augment(context.Background(), "base prompt", "query", rec)

	assert.Equal(t, "base prompt", prompt)
	assert.Equal(t, []string{stream.DataSearchError}, dataKinds(rec))
}

func dataKinds(rec *stream.Recorder) []string {
	var kinds []string
	for _, e := range rec.OfType(stream.EventData) {
		kinds = append(kinds, e.Data.Kind)
	}
	return kinds
}
