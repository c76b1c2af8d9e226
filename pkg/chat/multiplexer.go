package chat

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/loomhq/loom/pkg/llms"
	"github.com/loomhq/loom/pkg/protocol"
	"github.com/loomhq/loom/pkg/stream"
	"github.com/loomhq/loom/pkg/tools"
)

// Multiplexer drives the model/tool loop for one turn: it streams model
// output to the sink, executes requested tool calls, feeds results back
// and repeats until the model answers without tools or the step cap is
// reached.
type Multiplexer struct {
	llm        llms.LLM
	dispatcher *tools.Dispatcher // nil disables tools
	maxSteps   int
}

func NewMultiplexer(llm llms.LLM, dispatcher *tools.Dispatcher, maxSteps int) *Multiplexer {
	return &Multiplexer{llm: llm, dispatcher: dispatcher, maxSteps: maxSteps}
}

// Run executes the loop and returns the messages produced beyond the
// given history, in order (assistant, tool, assistant, ...).
func (m *Multiplexer) Run(ctx context.Context, system string, history []protocol.Message, turn tools.Turn, sink stream.Sink) ([]protocol.Message, error) {
	messages := make([]protocol.Message, len(history))
	copy(messages, history)

	var produced []protocol.Message
	rounds := 0

	for {
		req := llms.Request{System: system, Messages: messages}
		if m.dispatcher != nil {
			req.Tools = m.dispatcher.Definitions()
		}

		ch, err := m.llm.GenerateStreaming(ctx, req)
		if err != nil {
			return produced, fmt.Errorf("model call failed: %w", err)
		}

		var (
			text      strings.Builder
			reasoning strings.Builder
			calls     []protocol.ToolCallPart
		)
		smoother := newWordSmoother(sink)

		for chunk := range ch {
			switch chunk.Type {
			case "text":
				text.WriteString(chunk.Text)
				smoother.Write(chunk.Text)
			case "thinking":
				reasoning.WriteString(chunk.Text)
				sink.Push(stream.Reasoning(chunk.Text))
			case "tool_call":
				if chunk.ToolCall != nil {
					calls = append(calls, *chunk.ToolCall)
				}
			case "error":
				smoother.Flush()
				return produced, fmt.Errorf("model stream failed: %w", chunk.Error)
			}
		}
		smoother.Flush()

		// The step cap ends the turn before a further tool round
		// starts: the calls are dropped and never announced.
		atCap := rounds >= m.maxSteps
		keepCalls := len(calls) > 0 && !atCap

		var parts []protocol.Part
		if reasoning.Len() > 0 {
			parts = append(parts, protocol.ReasoningPart{Reasoning: reasoning.String()})
		}
		if text.Len() > 0 {
			parts = append(parts, protocol.TextPart{Text: text.String()})
		}
		if keepCalls {
			for _, call := range calls {
				parts = append(parts, call)
			}
		}

		if len(parts) > 0 {
			assistant := protocol.NewMessage(turn.ChatID, protocol.RoleAssistant, parts...)
			produced = append(produced, assistant)
			messages = append(messages, assistant)
		}

		if !keepCalls {
			return produced, nil
		}

		for _, call := range calls {
			sink.Push(stream.ToolCall(call))
		}

		// Tools run on a detached context so an in-flight call
		// finishes and persists even if the client disconnects.
		// Calls within a round are independent and run in parallel.
		toolCtx := context.WithoutCancel(ctx)
		results := make([]protocol.ToolResultPart, len(calls))
		group, _ := errgroup.WithContext(toolCtx)
		for i, call := range calls {
			i, call := i, call
			group.Go(func() error {
				results[i] = m.dispatcher.Dispatch(toolCtx, turn, call)
				return nil
			})
		}
		_ = group.Wait()

		resultParts := make([]protocol.Part, 0, len(results))
		for _, result := range results {
			sink.Push(stream.ToolResult(result))
			resultParts = append(resultParts, result)
		}

		toolMsg := protocol.NewMessage(turn.ChatID, protocol.RoleTool, resultParts...)
		produced = append(produced, toolMsg)
		messages = append(messages, toolMsg)
		rounds++
	}
}

// wordSmoother batches text fragments so deltas reach the client at
// word boundaries instead of raw token boundaries.
type wordSmoother struct {
	sink    stream.Sink
	pending strings.Builder
}

func newWordSmoother(sink stream.Sink) *wordSmoother {
	return &wordSmoother{sink: sink}
}

func (w *wordSmoother) Write(fragment string) {
	w.pending.WriteString(fragment)

	buf := w.pending.String()
	cut := strings.LastIndexAny(buf, " \t\n")
	if cut < 0 {
		return
	}

	w.sink.Push(stream.Text(buf[:cut+1]))
	w.pending.Reset()
	w.pending.WriteString(buf[cut+1:])
}

func (w *wordSmoother) Flush() {
	if w.pending.Len() == 0 {
		return
	}
	w.sink.Push(stream.Text(w.pending.String()))
	w.pending.Reset()
}
