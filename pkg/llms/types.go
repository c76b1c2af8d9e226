package llms

import (
	"context"

	"github.com/loomhq/loom/pkg/protocol"
)

// ToolDefinition describes a tool for a provider's function-calling
// interface.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// StreamChunk is one typed delta of a streaming generation.
// Type is one of: text, thinking, tool_call, done, error.
type StreamChunk struct {
	Type     string
	Text     string
	ToolCall *protocol.ToolCallPart
	Tokens   int
	Error    error
}

// Request is one generation request: a system prompt, the conversation so
// far, and the tools offered to the model.
type Request struct {
	System   string
	Messages []protocol.Message
	Tools    []ToolDefinition
}

// StructuredOutputConfig constrains generation to a JSON schema.
type StructuredOutputConfig struct {
	Schema  map[string]any
	Prefill string
}

// LLM is a streaming completion provider.
type LLM interface {
	// ModelName returns the upstream model identifier.
	ModelName() string

	// GenerateStreaming starts a streaming generation. The returned channel
	// yields text/thinking/tool_call chunks and is closed after a terminal
	// done or error chunk.
	GenerateStreaming(ctx context.Context, req Request) (<-chan StreamChunk, error)

	// GenerateStructured runs a non-streaming generation constrained to a
	// JSON schema and returns the raw JSON text plus tokens used.
	GenerateStructured(ctx context.Context, req Request, structConfig *StructuredOutputConfig) (string, int, error)

	Close() error
}
