// Package stream defines the event vocabulary a chat turn emits and the
// sink the pipeline pushes events into. A single consumer drains the
// sink, so event order on the wire is the order of Push calls.
package stream

import (
	"context"

	"github.com/loomhq/loom/pkg/protocol"
)

// EventType discriminates turn events.
type EventType string

const (
	// EventTextDelta carries an assistant text fragment.
	EventTextDelta EventType = "text-delta"

	// EventReasoningDelta carries a reasoning fragment from reasoning
	// model variants.
	EventReasoningDelta EventType = "reasoning-delta"

	// EventToolCall announces a tool invocation with its arguments.
	EventToolCall EventType = "tool-call"

	// EventToolResult carries a completed tool invocation's result.
	EventToolResult EventType = "tool-result"

	// EventData carries out-of-band payloads: search status, artifact
	// content streaming, suggestions.
	EventData EventType = "data"

	// EventError reports a non-fatal failure inside the turn.
	EventError EventType = "error"

	// EventFinish closes the turn.
	EventFinish EventType = "finish"
)

// Data kinds emitted through EventData.
const (
	DataSearching     = "searching"
	DataProcessing    = "processing"
	DataSearchResults = "search-results"
	DataSearchError   = "search-error"

	DataArtifactID     = "id"
	DataArtifactTitle  = "title"
	DataArtifactKind   = "kind"
	DataArtifactClear  = "clear"
	DataArtifactFinish = "finish"

	DataTextDelta     = "text-delta"
	DataImageDelta    = "image-delta"
	DataContentUpdate = "content-update"

	DataSuggestion = "suggestion"

	DataModelDowngraded = "model-downgraded"
	DataChatTitle       = "chat-title"
)

// Event is one item of a turn's output stream.
type Event struct {
	Type EventType `json:"type"`

	// Content holds the fragment for text-delta and reasoning-delta,
	// and the message for error events.
	Content string `json:"content,omitempty"`

	// Tool call fields.
	ToolCallID string         `json:"toolCallId,omitempty"`
	Name       string         `json:"name,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Result     any            `json:"result,omitempty"`

	// Data payload for data events.
	Data *DataPayload `json:"data,omitempty"`
}

// DataPayload is the body of a data event.
type DataPayload struct {
	Kind    string `json:"kind"`
	Content any    `json:"content,omitempty"`
}

// Sink receives turn events in emission order.
type Sink interface {
	Push(Event)
}

// Pipe is a channel-backed Sink. Push never blocks past context
// cancellation, so producers drain cleanly when the client goes away.
type Pipe struct {
	ctx context.Context
	ch  chan Event
}

// NewPipe creates a pipe whose Push calls stop delivering once ctx is
// cancelled.
func NewPipe(ctx context.Context, buffer int) *Pipe {
	return &Pipe{ctx: ctx, ch: make(chan Event, buffer)}
}

func (p *Pipe) Push(e Event) {
	select {
	case p.ch <- e:
	case <-p.ctx.Done():
	}
}

// Events returns the receive side. The pipe owner must call Close when
// no more events will be pushed.
func (p *Pipe) Events() <-chan Event { return p.ch }

// Close closes the event channel. Only the producing side may call it,
// after all Push calls have returned.
func (p *Pipe) Close() { close(p.ch) }

// Text is shorthand for a text-delta event.
func Text(fragment string) Event {
	return Event{Type: EventTextDelta, Content: fragment}
}

// Reasoning is shorthand for a reasoning-delta event.
func Reasoning(fragment string) Event {
	return Event{Type: EventReasoningDelta, Content: fragment}
}

// ToolCall is shorthand for a tool-call event.
func ToolCall(tc protocol.ToolCallPart) Event {
	return Event{Type: EventToolCall, ToolCallID: tc.ToolCallID, Name: tc.Name, Args: tc.Args}
}

// ToolResult is shorthand for a tool-result event.
func ToolResult(tr protocol.ToolResultPart) Event {
	return Event{Type: EventToolResult, ToolCallID: tr.ToolCallID, Name: tr.Name, Result: tr.Result}
}

// Data is shorthand for a data event.
func Data(kind string, content any) Event {
	return Event{Type: EventData, Data: &DataPayload{Kind: kind, Content: content}}
}

// Error is shorthand for an error event.
func Error(message string) Event {
	return Event{Type: EventError, Content: message}
}

// Finish is shorthand for the closing event.
func Finish() Event {
	return Event{Type: EventFinish}
}
