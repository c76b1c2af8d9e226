package artifacts

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/loomhq/loom/pkg/llms"
	"github.com/loomhq/loom/pkg/protocol"
	"github.com/loomhq/loom/pkg/store"
	"github.com/loomhq/loom/pkg/stream"
)

const imageSystemPrompt = `You are an illustrator that draws with SVG. Produce a single complete ` +
	`<svg> document depicting the request, with a viewBox of 0 0 800 600. Return only the SVG ` +
	`markup, no prose and no code fences.`

const imageUpdatePrompt = `Revise the following SVG image per the instruction. Return only the ` +
	`full revised <svg> document, no prose and no code fences.`

// ImageHandler generates vector images. The stored content is the
// base64-encoded SVG document, delivered as a single image-delta event
// once complete rather than fragment by fragment.
type ImageHandler struct {
	primary  llms.LLM
	fallback llms.LLM
}

func NewImageHandler(primary, fallback llms.LLM) *ImageHandler {
	return &ImageHandler{primary: primary, fallback: fallback}
}

func (h *ImageHandler) Kind() store.DocumentKind { return store.KindImage }

func (h *ImageHandler) Create(ctx context.Context, title string, sink stream.Sink) (string, error) {
	req := llms.Request{
		System:   imageSystemPrompt,
		Messages: []protocol.Message{protocol.NewUserMessage("", title)},
	}
	return h.render(ctx, req, sink)
}

func (h *ImageHandler) Update(ctx context.Context, doc store.Document, instruction string, sink stream.Sink) (string, error) {
	markup := doc.Content
	if decoded, err := base64.StdEncoding.DecodeString(doc.Content); err == nil {
		markup = string(decoded)
	}

	req := llms.Request{
		System: imageUpdatePrompt,
		Messages: []protocol.Message{
			protocol.NewUserMessage("", fmt.Sprintf("Image:\n\n%s\n\nInstruction: %s", markup, instruction)),
		},
	}
	return h.render(ctx, req, sink)
}

func (h *ImageHandler) render(ctx context.Context, req llms.Request, sink stream.Sink) (string, error) {
	markup, err := generate(ctx, h.primary, h.fallback, req, sink, func(string) {})
	if err != nil {
		return "", err
	}

	markup = strings.TrimSpace(markup)
	if !strings.Contains(markup, "<svg") {
		return "", fmt.Errorf("model output is not an SVG document")
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(markup))
	sink.Push(stream.Data(stream.DataImageDelta, encoded))
	return encoded, nil
}
