package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomhq/loom/pkg/observability"
	"github.com/loomhq/loom/pkg/stream"
)

// Augmenter runs a pre-turn web search and rewrites the system prompt
// with the findings. A failed search never aborts the turn; the caller
// proceeds with the augmented (or unchanged) prompt either way.
type Augmenter struct {
	client *Client
	logger *slog.Logger
}

func NewAugmenter(client *Client) *Augmenter {
	return &Augmenter{
		client: client,
		logger: slog.Default().With("component", "search"),
	}
}

// Augment searches for query and returns the system prompt extended
// with results and citation instructions. Status flows to the sink as
// data events: searching, processing, then search-results or
// search-error.
func (a *Augmenter) Augment(ctx context.Context, systemPrompt, query string, sink stream.Sink) string {
	if !a.client.Enabled() {
		sink.Push(stream.Data(stream.DataSearchError, map[string]any{
			"message": "Web search is not configured; answering without search results.",
		}))
		return systemPrompt
	}

	tracer := observability.GetTracer("loom.search")
	ctx, span := tracer.Start(ctx, observability.SpanSearch,
		trace.WithAttributes(attribute.String("search.query", query)),
	)
	defer span.End()

	sink.Push(stream.Data(stream.DataSearching, map[string]any{"query": query}))

	start := time.Now()
	resp, err := a.client.Search(ctx, query)
	if m := observability.GetGlobalMetrics(); m != nil {
		m.RecordSearch(err)
	}

	// Searching and processing precede whichever terminal event the
	// search ends with.
	sink.Push(stream.Data(stream.DataProcessing, map[string]any{"query": query}))

	if err != nil {
		a.logger.Warn("search failed", "query", query, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		sink.Push(stream.Data(stream.DataSearchError, map[string]any{
			"message": "Web search failed; answering from model knowledge.",
		}))

		// The model is told search failed so it can disclose that
		// instead of fabricating citations.
		return systemPrompt + "\n\nA web search was attempted for this request but failed. " +
			"Answer from your own knowledge and tell the user that current search results were unavailable."
	}

	span.SetAttributes(attribute.Int("search.results", len(resp.Results)))
	span.SetStatus(codes.Ok, "success")
	a.logger.Debug("search completed",
		"query", query,
		"results", len(resp.Results),
		"duration", time.Since(start))

	payload := map[string]any{
		"query":        query,
		"results":      resp.Results,
		"answer":       resp.Answer,
		"responseTime": resp.ResponseTime,
	}
	if len(resp.Images) > 0 {
		payload["images"] = resp.Images
	}
	sink.Push(stream.Data(stream.DataSearchResults, payload))

	return systemPrompt + "\n\n" + formatResults(query, resp)
}

func formatResults(query string, resp *Response) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Web search results for %q:\n\n", query)
	if resp.Answer != "" {
		fmt.Fprintf(&b, "Summary answer: %s\n\n", resp.Answer)
	}
	for i, r := range resp.Results {
		fmt.Fprintf(&b, "%d. %s\n   URL: %s\n   %s\n\n", i+1, r.Title, r.URL, r.Content)
	}
	b.WriteString("Use these results where relevant and cite sources inline " +
		"as markdown links in the form [Title](URL).")

	return b.String()
}
