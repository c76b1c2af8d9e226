// Package protocol defines the message model shared by the turn pipeline,
// the LLM providers, and the store.
//
// A Message is an ordered list of typed parts. Parts are a tagged variant
// (text, reasoning, tool-call, tool-result, file, source) so the
// "every tool call has a result before persistence" invariant can be
// checked by exhaustive matching instead of null-checking.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// PartType discriminates message part variants.
type PartType string

const (
	PartTypeText       PartType = "text"
	PartTypeReasoning  PartType = "reasoning"
	PartTypeToolCall   PartType = "tool-call"
	PartTypeToolResult PartType = "tool-result"
	PartTypeFile       PartType = "file"
	PartTypeSource     PartType = "source"
)

// Part is one typed segment of a message.
type Part interface {
	PartType() PartType
}

// TextPart is plain assistant or user text.
type TextPart struct {
	Text string `json:"text"`
}

func (TextPart) PartType() PartType { return PartTypeText }

// ReasoningPart carries model reasoning tokens.
type ReasoningPart struct {
	Reasoning string `json:"reasoning"`
}

func (ReasoningPart) PartType() PartType { return PartTypeReasoning }

// ToolCallPart records a model-initiated tool invocation (args known,
// result pending).
type ToolCallPart struct {
	ToolCallID string         `json:"toolCallId"`
	Name       string         `json:"name"`
	Args       map[string]any `json:"args,omitempty"`
}

func (ToolCallPart) PartType() PartType { return PartTypeToolCall }

// ToolResultPart records the result of a tool invocation.
type ToolResultPart struct {
	ToolCallID string `json:"toolCallId"`
	Name       string `json:"name"`
	Result     any    `json:"result,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
}

func (ToolResultPart) PartType() PartType { return PartTypeToolResult }

// FilePart references an attachment by URL.
type FilePart struct {
	URL       string `json:"url"`
	MediaType string `json:"mediaType,omitempty"`
	Name      string `json:"name,omitempty"`
}

func (FilePart) PartType() PartType { return PartTypeFile }

// SourcePart references a cited source.
type SourcePart struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

func (SourcePart) PartType() PartType { return PartTypeSource }

// Parts is an ordered part list with a type-discriminated JSON encoding.
type Parts []Part

type partEnvelope struct {
	Type PartType        `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes each part as {"type": ..., "data": {...}}.
func (p Parts) MarshalJSON() ([]byte, error) {
	envelopes := make([]partEnvelope, len(p))
	for i, part := range p {
		data, err := json.Marshal(part)
		if err != nil {
			return nil, err
		}
		envelopes[i] = partEnvelope{Type: part.PartType(), Data: data}
	}
	return json.Marshal(envelopes)
}

// UnmarshalJSON decodes the type-discriminated part list.
func (p *Parts) UnmarshalJSON(data []byte) error {
	var envelopes []partEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return err
	}

	parts := make(Parts, 0, len(envelopes))
	for _, env := range envelopes {
		var part Part
		switch env.Type {
		case PartTypeText:
			part = &TextPart{}
		case PartTypeReasoning:
			part = &ReasoningPart{}
		case PartTypeToolCall:
			part = &ToolCallPart{}
		case PartTypeToolResult:
			part = &ToolResultPart{}
		case PartTypeFile:
			part = &FilePart{}
		case PartTypeSource:
			part = &SourcePart{}
		default:
			return fmt.Errorf("unknown message part type: %s", env.Type)
		}
		if err := json.Unmarshal(env.Data, part); err != nil {
			return fmt.Errorf("failed to decode %s part: %w", env.Type, err)
		}
		parts = append(parts, derefPart(part))
	}

	*p = parts
	return nil
}

func derefPart(p Part) Part {
	switch v := p.(type) {
	case *TextPart:
		return *v
	case *ReasoningPart:
		return *v
	case *ToolCallPart:
		return *v
	case *ToolResultPart:
		return *v
	case *FilePart:
		return *v
	case *SourcePart:
		return *v
	default:
		return p
	}
}

// Message is one entry of a chat transcript. Immutable once persisted
// except for bulk deletion when a user edits an earlier message.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId,omitempty"`
	Role      Role      `json:"role"`
	Parts     Parts     `json:"parts"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewMessage creates a message with a fresh ID and timestamp.
func NewMessage(chatID string, role Role, parts ...Part) Message {
	return Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Role:      role,
		Parts:     parts,
		CreatedAt: time.Now().UTC(),
	}
}

// NewUserMessage creates a user message with a single text part.
func NewUserMessage(chatID, text string) Message {
	return NewMessage(chatID, RoleUser, TextPart{Text: text})
}

// NewSystemMessage creates a system message with a single text part.
func NewSystemMessage(chatID, text string) Message {
	return NewMessage(chatID, RoleSystem, TextPart{Text: text})
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var sb strings.Builder
	for _, part := range m.Parts {
		if tp, ok := part.(TextPart); ok {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the message's tool-call parts in order.
func (m Message) ToolCalls() []ToolCallPart {
	var calls []ToolCallPart
	for _, part := range m.Parts {
		if tc, ok := part.(ToolCallPart); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}

// ToolResults returns the message's tool-result parts in order.
func (m Message) ToolResults() []ToolResultPart {
	var results []ToolResultPart
	for _, part := range m.Parts {
		if tr, ok := part.(ToolResultPart); ok {
			results = append(results, tr)
		}
	}
	return results
}
