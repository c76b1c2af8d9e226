package artifacts

import (
	"context"
	"fmt"

	"github.com/loomhq/loom/pkg/llms"
	"github.com/loomhq/loom/pkg/protocol"
	"github.com/loomhq/loom/pkg/store"
	"github.com/loomhq/loom/pkg/stream"
)

const codeSystemPrompt = `You are a code generator that writes self-contained, runnable snippets. ` +
	`Each snippet is complete on its own, prints output to demonstrate itself, stays under 15 lines ` +
	`where possible, and avoids external dependencies and user input. Return only the code, no prose ` +
	`and no code fences.`

const codeUpdatePrompt = `Revise the following code snippet per the instruction. ` +
	`Return only the full revised snippet, no prose and no code fences.`

// CodeHandler generates runnable code snippets, streaming fragments as
// text-delta data events.
type CodeHandler struct {
	llm llms.LLM
}

func NewCodeHandler(llm llms.LLM) *CodeHandler {
	return &CodeHandler{llm: llm}
}

func (h *CodeHandler) Kind() store.DocumentKind { return store.KindCode }

func (h *CodeHandler) Create(ctx context.Context, title string, sink stream.Sink) (string, error) {
	req := llms.Request{
		System:   codeSystemPrompt,
		Messages: []protocol.Message{protocol.NewUserMessage("", title)},
	}
	return generate(ctx, h.llm, nil, req, sink, func(fragment string) {
		sink.Push(stream.Data(stream.DataTextDelta, fragment))
	})
}

func (h *CodeHandler) Update(ctx context.Context, doc store.Document, instruction string, sink stream.Sink) (string, error) {
	req := llms.Request{
		System: codeUpdatePrompt,
		Messages: []protocol.Message{
			protocol.NewUserMessage("", fmt.Sprintf("Code:\n\n%s\n\nInstruction: %s", doc.Content, instruction)),
		},
	}
	return generate(ctx, h.llm, nil, req, sink, func(fragment string) {
		sink.Push(stream.Data(stream.DataTextDelta, fragment))
	})
}
