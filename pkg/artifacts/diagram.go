package artifacts

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomhq/loom/pkg/llms"
	"github.com/loomhq/loom/pkg/protocol"
	"github.com/loomhq/loom/pkg/store"
	"github.com/loomhq/loom/pkg/stream"
)

const diagramSystemPrompt = `You are a diagram author that writes Mermaid. Produce a single Mermaid ` +
	`diagram for the request. Return only the Mermaid source, no prose and no code fences.`

const diagramUpdatePrompt = `Revise the following Mermaid diagram per the instruction. Return only ` +
	`the full revised Mermaid source, nothing else.`

// DiagramHandler generates Mermaid diagrams, delivered whole as a
// content-update event.
type DiagramHandler struct {
	llm llms.LLM
}

func NewDiagramHandler(llm llms.LLM) *DiagramHandler {
	return &DiagramHandler{llm: llm}
}

func (h *DiagramHandler) Kind() store.DocumentKind { return store.KindDiagram }

func (h *DiagramHandler) Create(ctx context.Context, title string, sink stream.Sink) (string, error) {
	req := llms.Request{
		System:   diagramSystemPrompt,
		Messages: []protocol.Message{protocol.NewUserMessage("", title)},
	}
	return h.render(ctx, req, sink)
}

func (h *DiagramHandler) Update(ctx context.Context, doc store.Document, instruction string, sink stream.Sink) (string, error) {
	req := llms.Request{
		System: diagramUpdatePrompt,
		Messages: []protocol.Message{
			protocol.NewUserMessage("", fmt.Sprintf("Diagram:\n\n%s\n\nInstruction: %s", doc.Content, instruction)),
		},
	}
	return h.render(ctx, req, sink)
}

func (h *DiagramHandler) render(ctx context.Context, req llms.Request, sink stream.Sink) (string, error) {
	content, err := generate(ctx, h.llm, nil, req, sink, func(string) {})
	if err != nil {
		return "", err
	}

	content = strings.TrimSpace(content)
	sink.Push(stream.Data(stream.DataContentUpdate, content))
	return content, nil
}
