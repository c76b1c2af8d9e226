package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/config"
	"github.com/loomhq/loom/pkg/llms"
	"github.com/loomhq/loom/pkg/protocol"
	"github.com/loomhq/loom/pkg/store"
	"github.com/loomhq/loom/pkg/stream"
)

func TestGenerateSchemaFromTags(t *testing.T) {
	schema, err := generateSchema[weatherArgs]()
	require.NoError(t, err)

	assert.Equal(t, "object", schema["type"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok, "schema has no properties: %v", schema)
	assert.Contains(t, props, "latitude")
	assert.Contains(t, props, "longitude")

	required, ok := schema["required"].([]any)
	require.True(t, ok)
	assert.Len(t, required, 2)
}

func TestFunctionToolCall(t *testing.T) {
	type echoArgs struct {
		Value string `json:"value" jsonschema:"required,description=Value to echo"`
	}

	tool, err := New(Config{Name: "echo", Description: "Echoes the value."},
		func(ctx context.Context, turn Turn, args echoArgs) (any, error) {
			return map[string]any{"echoed": args.Value}, nil
		})
	require.NoError(t, err)

	out, err := tool.Call(context.Background(), Turn{}, map[string]any{"value": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out.(map[string]any)["echoed"])
}

func TestDispatcher(t *testing.T) {
	type noArgs struct{}

	ok, err := New(Config{Name: "ok", Description: "Succeeds."},
		func(ctx context.Context, turn Turn, args noArgs) (any, error) {
			return map[string]any{"status": "done"}, nil
		})
	require.NoError(t, err)
	boom, err := New(Config{Name: "boom", Description: "Fails."},
		func(ctx context.Context, turn Turn, args noArgs) (any, error) {
			return nil, fmt.Errorf("exploded")
		})
	require.NoError(t, err)

	d, err := NewDispatcher(ok, boom)
	require.NoError(t, err)

	assert.Len(t, d.Definitions(), 2)

	res := d.Dispatch(context.Background(), Turn{}, protocol.ToolCallPart{ToolCallID: "t1", Name: "ok"})
	assert.False(t, res.IsError)
	assert.Equal(t, "t1", res.ToolCallID)

	res = d.Dispatch(context.Background(), Turn{}, protocol.ToolCallPart{ToolCallID: "t2", Name: "boom"})
	assert.True(t, res.IsError, "expected error result from failing tool")

	res = d.Dispatch(context.Background(), Turn{}, protocol.ToolCallPart{ToolCallID: "t3", Name: "nope"})
	assert.True(t, res.IsError, "expected error result for unknown tool")
}

func TestWeatherTool(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "52.52", r.URL.Query().Get("latitude"))
		fmt.Fprint(w, `{
			"latitude": 52.52, "longitude": 13.41,
			"current": {"time": "2025-06-01T12:00", "temperature_2m": 21.5, "weather_code": 1, "wind_speed_10m": 9.2},
			"daily": {"time": ["2025-06-01"], "temperature_2m_max": [24.0], "temperature_2m_min": [14.0],
				"sunrise": ["2025-06-01T04:46"], "sunset": ["2025-06-01T21:14"]}
		}`)
	}))
	defer server.Close()

	tool, err := newWeatherTool(server.URL)
	require.NoError(t, err)

	out, err := tool.Call(context.Background(), Turn{}, map[string]any{"latitude": 52.52, "longitude": 13.41})
	require.NoError(t, err)

	weather, ok := out.(weatherResponse)
	require.True(t, ok, "unexpected result type %T", out)
	assert.Equal(t, 21.5, weather.Current.Temperature2M)
}

type structuredLLM struct {
	response string
	err      error
}

func (f *structuredLLM) ModelName() string { return "structured" }
func (f *structuredLLM) Close() error      { return nil }

func (f *structuredLLM) GenerateStreaming(ctx context.Context, req llms.Request) (<-chan llms.StreamChunk, error) {
	ch := make(chan llms.StreamChunk)
	close(ch)
	return ch, nil
}

func (f *structuredLLM) GenerateStructured(ctx context.Context, req llms.Request, cfg *llms.StructuredOutputConfig) (string, int, error) {
	return f.response, 0, f.err
}

func setupSuggestionsTool(t *testing.T, llm llms.LLM) (Tool, store.Store, store.Document) {
	t.Helper()

	st, err := store.NewSQLStore(config.StoreConfig{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		MaxConns: 2,
		MaxIdle:  1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	doc := store.Document{
		ID:      "d1",
		Title:   "Essay",
		Kind:    store.KindText,
		Content: "First sentence. Second sentence.",
		UserID:  "u1",
	}
	require.NoError(t, st.InsertDocumentVersion(context.Background(), doc))

	tool, err := NewRequestSuggestionsTool(st, llm)
	require.NoError(t, err)
	return tool, st, doc
}

func TestRequestSuggestions(t *testing.T) {
	batch := suggestionBatch{Suggestions: []suggestionProposal{
		{OriginalSentence: "First sentence.", SuggestedSentence: "A stronger first sentence.", Description: "More direct."},
		{OriginalSentence: "Second sentence.", SuggestedSentence: "A clearer second sentence.", Description: "Clarity."},
	}}
	raw, _ := json.Marshal(batch)

	tool, st, doc := setupSuggestionsTool(t, &structuredLLM{response: string(raw)})
	rec := stream.NewRecorder()

	out, err := tool.Call(context.Background(), Turn{UserID: "u1", Sink: rec}, map[string]any{"documentId": "d1"})
	require.NoError(t, err)
	assert.Equal(t, "d1", out.(map[string]any)["id"])

	saved, err := st.ListSuggestions(context.Background(), "d1")
	require.NoError(t, err)
	require.Len(t, saved, 2)
	for _, sg := range saved {
		assert.True(t, sg.DocumentCreatedAt.Equal(doc.CreatedAt), "suggestion not pinned to document version")
	}

	streamed := 0
	for _, e := range rec.OfType(stream.EventData) {
		if e.Data.Kind == stream.DataSuggestion {
			streamed++
		}
	}
	assert.Equal(t, 2, streamed)
}

func TestRequestSuggestionsCapped(t *testing.T) {
	var batch suggestionBatch
	for i := 0; i < 8; i++ {
		batch.Suggestions = append(batch.Suggestions, suggestionProposal{
			OriginalSentence:  fmt.Sprintf("Sentence %d.", i),
			SuggestedSentence: fmt.Sprintf("Better sentence %d.", i),
			Description:       "Edit.",
		})
	}
	raw, _ := json.Marshal(batch)

	tool, st, _ := setupSuggestionsTool(t, &structuredLLM{response: string(raw)})

	_, err := tool.Call(context.Background(), Turn{UserID: "u1", Sink: stream.NewRecorder()}, map[string]any{"documentId": "d1"})
	require.NoError(t, err)

	saved, err := st.ListSuggestions(context.Background(), "d1")
	require.NoError(t, err)
	assert.Len(t, saved, maxSuggestions)
}

func TestRequestSuggestionsUnknownDocument(t *testing.T) {
	tool, _, _ := setupSuggestionsTool(t, &structuredLLM{response: "{}"})

	_, err := tool.Call(context.Background(), Turn{Sink: stream.NewRecorder()}, map[string]any{"documentId": "missing"})
	assert.Error(t, err, "expected error for unknown document")
}
