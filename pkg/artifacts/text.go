package artifacts

import (
	"context"
	"fmt"

	"github.com/loomhq/loom/pkg/llms"
	"github.com/loomhq/loom/pkg/protocol"
	"github.com/loomhq/loom/pkg/store"
	"github.com/loomhq/loom/pkg/stream"
)

const textSystemPrompt = `You are a professional writer. Write about the given topic in markdown. ` +
	`Use headings and lists where they help. Do not wrap the whole response in a code block.`

const textUpdatePrompt = `You are a professional writer. Improve the following document per the ` +
	`instruction. Return the full revised document in markdown, nothing else.`

// TextHandler drafts prose documents, streaming markdown fragments as
// text-delta data events.
type TextHandler struct {
	primary  llms.LLM
	fallback llms.LLM
}

func NewTextHandler(primary, fallback llms.LLM) *TextHandler {
	return &TextHandler{primary: primary, fallback: fallback}
}

func (h *TextHandler) Kind() store.DocumentKind { return store.KindText }

func (h *TextHandler) Create(ctx context.Context, title string, sink stream.Sink) (string, error) {
	req := llms.Request{
		System:   textSystemPrompt,
		Messages: []protocol.Message{protocol.NewUserMessage("", title)},
	}
	return generate(ctx, h.primary, h.fallback, req, sink, func(fragment string) {
		sink.Push(stream.Data(stream.DataTextDelta, fragment))
	})
}

func (h *TextHandler) Update(ctx context.Context, doc store.Document, instruction string, sink stream.Sink) (string, error) {
	req := llms.Request{
		System: textUpdatePrompt,
		Messages: []protocol.Message{
			protocol.NewUserMessage("", fmt.Sprintf("Document:\n\n%s\n\nInstruction: %s", doc.Content, instruction)),
		},
	}
	return generate(ctx, h.primary, h.fallback, req, sink, func(fragment string) {
		sink.Push(stream.Data(stream.DataTextDelta, fragment))
	})
}
