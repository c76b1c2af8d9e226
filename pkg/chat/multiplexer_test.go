package chat

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/llms"
	"github.com/loomhq/loom/pkg/protocol"
	"github.com/loomhq/loom/pkg/stream"
	"github.com/loomhq/loom/pkg/tools"
)

// scriptedLLM plays back one chunk sequence per call.
type scriptedLLM struct {
	responses [][]llms.StreamChunk
	calls     int
}

func (s *scriptedLLM) ModelName() string { return "scripted" }
func (s *scriptedLLM) Close() error      { return nil }

func (s *scriptedLLM) GenerateStreaming(ctx context.Context, req llms.Request) (<-chan llms.StreamChunk, error) {
	if s.calls >= len(s.responses) {
		return nil, fmt.Errorf("no scripted response for call %d", s.calls)
	}
	chunks := s.responses[s.calls]
	s.calls++

	ch := make(chan llms.StreamChunk, len(chunks)+1)
	for _, c := range chunks {
		ch <- c
	}
	ch <- llms.StreamChunk{Type: "done"}
	close(ch)
	return ch, nil
}

func (s *scriptedLLM) GenerateStructured(ctx context.Context, req llms.Request, cfg *llms.StructuredOutputConfig) (string, int, error) {
	return `{"title": "Scripted chat"}`, 0, nil
}

func textChunks(words ...string) []llms.StreamChunk {
	var chunks []llms.StreamChunk
	for _, w := range words {
		chunks = append(chunks, llms.StreamChunk{Type: "text", Text: w})
	}
	return chunks
}

func toolCallChunk(id, name string, args map[string]any) llms.StreamChunk {
	return llms.StreamChunk{Type: "tool_call", ToolCall: &protocol.ToolCallPart{
		ToolCallID: id, Name: name, Args: args,
	}}
}

// countingTool records invocations.
type countingToolState struct{ calls int }

func newCountingTool(t *testing.T, state *countingToolState) tools.Tool {
	t.Helper()
	type noArgs struct{}
	tool, err := tools.New(tools.Config{Name: "probe", Description: "Counts calls."},
		func(ctx context.Context, turn tools.Turn, args noArgs) (any, error) {
			state.calls++
			return map[string]any{"calls": state.calls}, nil
		})
	require.NoError(t, err)
	return tool
}

func TestMultiplexerTextOnly(t *testing.T) {
	llm := &scriptedLLM{responses: [][]llms.StreamChunk{
		textChunks("Hel", "lo ", "wor", "ld"),
	}}
	rec := stream.NewRecorder()

	mux := NewMultiplexer(llm, nil, 5)
	produced, err := mux.Run(context.Background(), "sys", nil, tools.Turn{ChatID: "c1"}, rec)
	require.NoError(t, err)

	require.Len(t, produced, 1)
	assert.Equal(t, protocol.RoleAssistant, produced[0].Role)
	assert.Equal(t, "Hello world", produced[0].Text())

	var streamed strings.Builder
	for _, e := range rec.OfType(stream.EventTextDelta) {
		streamed.WriteString(e.Content)
	}
	assert.Equal(t, "Hello world", streamed.String())
}

func TestMultiplexerToolLoop(t *testing.T) {
	llm := &scriptedLLM{responses: [][]llms.StreamChunk{
		{toolCallChunk("t1", "probe", nil)},
		textChunks("All ", "done."),
	}}

	var state countingToolState
	dispatcher, err := tools.NewDispatcher(newCountingTool(t, &state))
	require.NoError(t, err)
	rec := stream.NewRecorder()

	mux := NewMultiplexer(llm, dispatcher, 5)
	produced, err := mux.Run(context.Background(), "sys", nil, tools.Turn{ChatID: "c1"}, rec)
	require.NoError(t, err)

	assert.Equal(t, 1, state.calls)

	// assistant(tool call), tool(result), assistant(text)
	require.Len(t, produced, 3)
	require.Len(t, produced[0].ToolCalls(), 1)
	assert.Equal(t, "t1", produced[0].ToolCalls()[0].ToolCallID)
	assert.Equal(t, protocol.RoleTool, produced[1].Role)
	assert.Len(t, produced[1].ToolResults(), 1)
	assert.Equal(t, "All done.", produced[2].Text())

	// Event order: tool-call precedes tool-result precedes text.
	callIdx, resultIdx, textIdx := -1, -1, -1
	for i, e := range rec.Events() {
		switch e.Type {
		case stream.EventToolCall:
			callIdx = i
		case stream.EventToolResult:
			resultIdx = i
		case stream.EventTextDelta:
			textIdx = i
		}
	}
	assert.True(t, callIdx < resultIdx && resultIdx < textIdx, "event order wrong")
}

func TestMultiplexerStepCap(t *testing.T) {
	// The model insists on tools every round.
	var responses [][]llms.StreamChunk
	for i := 0; i < 4; i++ {
		responses = append(responses, []llms.StreamChunk{
			toolCallChunk(fmt.Sprintf("t%d", i), "probe", nil),
		})
	}
	llm := &scriptedLLM{responses: responses}

	var state countingToolState
	dispatcher, err := tools.NewDispatcher(newCountingTool(t, &state))
	require.NoError(t, err)
	rec := stream.NewRecorder()

	mux := NewMultiplexer(llm, dispatcher, 2)
	produced, err := mux.Run(context.Background(), "sys", nil, tools.Turn{ChatID: "c1"}, rec)
	require.NoError(t, err)

	assert.Equal(t, 2, state.calls, "tool executions must stop at the cap")
	assert.Len(t, rec.OfType(stream.EventToolCall), 2, "the capped round must not be announced")

	// The capped response had only a dropped tool call, so nothing is
	// produced for it.
	for _, msg := range produced {
		for _, tc := range msg.ToolCalls() {
			assert.NotEqual(t, "t2", tc.ToolCallID, "capped tool call was persisted")
		}
	}
}

func TestMultiplexerParallelCalls(t *testing.T) {
	llm := &scriptedLLM{responses: [][]llms.StreamChunk{
		{
			toolCallChunk("t1", "probe", nil),
			toolCallChunk("t2", "probe", nil),
			toolCallChunk("t3", "probe", nil),
		},
		textChunks("Done."),
	}}

	var state countingToolState
	dispatcher, err := tools.NewDispatcher(newCountingTool(t, &state))
	require.NoError(t, err)
	rec := stream.NewRecorder()

	mux := NewMultiplexer(llm, dispatcher, 5)
	produced, err := mux.Run(context.Background(), "sys", nil, tools.Turn{ChatID: "c1"}, rec)
	require.NoError(t, err)

	assert.Equal(t, 3, state.calls)

	// Results keep the call order regardless of completion order.
	require.Len(t, produced, 3)
	results := produced[1].ToolResults()
	require.Len(t, results, 3)
	for i, want := range []string{"t1", "t2", "t3"} {
		assert.Equal(t, want, results[i].ToolCallID)
	}
}

func TestMultiplexerReasoningDeltas(t *testing.T) {
	llm := &scriptedLLM{responses: [][]llms.StreamChunk{
		{
			{Type: "thinking", Text: "Considering... "},
			{Type: "thinking", Text: "decided."},
			{Type: "text", Text: "Answer."},
		},
	}}
	rec := stream.NewRecorder()

	mux := NewMultiplexer(llm, nil, 5)
	produced, err := mux.Run(context.Background(), "sys", nil, tools.Turn{ChatID: "c1"}, rec)
	require.NoError(t, err)

	assert.Len(t, rec.OfType(stream.EventReasoningDelta), 2)
	require.Len(t, produced, 1)
	require.Len(t, produced[0].Parts, 2)
	assert.IsType(t, protocol.ReasoningPart{}, produced[0].Parts[0], "first part should be reasoning")
}

func TestWordSmoother(t *testing.T) {
	rec := stream.NewRecorder()
	w := newWordSmoother(rec)

	w.Write("Hel")
	w.Write("lo wor")
	w.Write("ld aga")
	w.Flush()

	var fragments []string
	for _, e := range rec.OfType(stream.EventTextDelta) {
		fragments = append(fragments, e.Content)
	}

	assert.Equal(t, "Hello world aga", strings.Join(fragments, ""))
	// Every fragment except the flushed tail ends at a word boundary.
	for _, f := range fragments[:len(fragments)-1] {
		assert.True(t, strings.HasSuffix(f, " "), "fragment %q does not end at a word boundary", f)
	}
}

func TestTrimHistory(t *testing.T) {
	long := strings.Repeat("word ", 200)
	messages := []protocol.Message{
		protocol.NewUserMessage("c1", long),
		protocol.NewUserMessage("c1", long),
		protocol.NewUserMessage("c1", "latest"),
	}

	trimmed := trimHistory(messages, 100)
	require.Len(t, trimmed, 1)
	assert.Equal(t, "latest", trimmed[0].Text())

	assert.Len(t, trimHistory(messages, 0), 3, "budget 0 must disable trimming")
}

func TestTrimHistoryDropsOrphanToolResult(t *testing.T) {
	long := strings.Repeat("word ", 200)
	messages := []protocol.Message{
		protocol.NewMessage("c1", protocol.RoleAssistant,
			protocol.TextPart{Text: long},
			protocol.ToolCallPart{ToolCallID: "t1", Name: "probe"},
		),
		protocol.NewMessage("c1", protocol.RoleTool,
			protocol.ToolResultPart{ToolCallID: "t1", Name: "probe", Result: "ok"},
		),
		protocol.NewUserMessage("c1", "latest"),
	}

	trimmed := trimHistory(messages, 120)
	require.NotEmpty(t, trimmed)
	assert.NotEqual(t, protocol.RoleTool, trimmed[0].Role, "window starts with orphan tool result")
}
