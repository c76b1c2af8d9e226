// Package artifacts generates and versions documents (text, code,
// image, sheet, diagram) produced during chat turns. Content streams to
// the client through data events while the finished document is
// persisted as a new version.
package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/config"
	"github.com/loomhq/loom/pkg/llms"
	"github.com/loomhq/loom/pkg/registry"
	"github.com/loomhq/loom/pkg/store"
	"github.com/loomhq/loom/pkg/stream"
)

// Handler generates content for one document kind. Create drafts new
// content from a title; Update revises an existing version following an
// instruction. Both stream progress through the sink and return the
// final content.
type Handler interface {
	Kind() store.DocumentKind
	Create(ctx context.Context, title string, sink stream.Sink) (string, error)
	Update(ctx context.Context, doc store.Document, instruction string, sink stream.Sink) (string, error)
}

// Registry holds one handler per document kind.
type Registry struct {
	registry.BaseRegistry[Handler]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: *registry.NewBaseRegistry[Handler]()}
}

func (r *Registry) Handler(kind store.DocumentKind) (Handler, bool) {
	return r.Get(string(kind))
}

// Service orchestrates artifact generation: it announces the document
// over the sink, runs the kind's handler, and persists the result as a
// new version. Handler failure yields an empty document and one error
// event; the turn itself continues.
type Service struct {
	store    store.Store
	handlers *Registry
	logger   *slog.Logger
}

// NewService wires the default handlers using the configured artifact
// models from the catalog registry.
func NewService(st store.Store, llmReg *llms.Registry, cfg *config.Config) (*Service, error) {
	primary, ok := llmReg.Get(cfg.Artifacts.Model)
	if !ok {
		return nil, fmt.Errorf("artifact model not in catalog: %s", cfg.Artifacts.Model)
	}
	fallback, ok := llmReg.Get(cfg.Artifacts.FallbackModel)
	if !ok {
		return nil, fmt.Errorf("artifact fallback model not in catalog: %s", cfg.Artifacts.FallbackModel)
	}

	handlers := NewRegistry()
	for _, h := range []Handler{
		NewTextHandler(primary, fallback),
		NewCodeHandler(primary),
		NewImageHandler(primary, fallback),
		NewSheetHandler(primary),
		NewDiagramHandler(primary),
	} {
		if err := handlers.Register(string(h.Kind()), h); err != nil {
			return nil, err
		}
	}

	return &Service{
		store:    st,
		handlers: handlers,
		logger:   slog.Default().With("component", "artifacts"),
	}, nil
}

// NewServiceWithHandlers builds a service over explicit handlers.
func NewServiceWithHandlers(st store.Store, handlers *Registry) *Service {
	return &Service{
		store:    st,
		handlers: handlers,
		logger:   slog.Default().With("component", "artifacts"),
	}
}

// Create generates a fresh document and persists its first version.
func (s *Service) Create(ctx context.Context, userID, title string, kind store.DocumentKind, sink stream.Sink) (store.Document, error) {
	handler, ok := s.handlers.Handler(kind)
	if !ok {
		return store.Document{}, fmt.Errorf("unsupported document kind: %s", kind)
	}

	doc := store.Document{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Title:     title,
		Kind:      kind,
		UserID:    userID,
	}

	sink.Push(stream.Data(stream.DataArtifactKind, string(kind)))
	sink.Push(stream.Data(stream.DataArtifactID, doc.ID))
	sink.Push(stream.Data(stream.DataArtifactTitle, title))
	sink.Push(stream.Data(stream.DataArtifactClear, nil))

	content, err := handler.Create(ctx, title, sink)
	if err != nil {
		s.logger.Error("artifact generation failed",
			"kind", kind, "title", title, "error", err)
		sink.Push(stream.Error(fmt.Sprintf("Failed to generate %s document.", kind)))
		content = ""
	}
	doc.Content = content

	if err := s.store.InsertDocumentVersion(ctx, doc); err != nil {
		return store.Document{}, fmt.Errorf("failed to save document: %w", err)
	}

	sink.Push(stream.Data(stream.DataArtifactFinish, nil))
	return doc, nil
}

// Update revises the latest version of a document and persists the
// revision as a new version with the same ID.
func (s *Service) Update(ctx context.Context, id, instruction, userID string, sink stream.Sink) (store.Document, error) {
	current, err := s.store.GetLatestDocument(ctx, id)
	if err != nil {
		return store.Document{}, fmt.Errorf("failed to load document: %w", err)
	}

	handler, ok := s.handlers.Handler(current.Kind)
	if !ok {
		return store.Document{}, fmt.Errorf("unsupported document kind: %s", current.Kind)
	}

	sink.Push(stream.Data(stream.DataArtifactKind, string(current.Kind)))
	sink.Push(stream.Data(stream.DataArtifactID, current.ID))
	sink.Push(stream.Data(stream.DataArtifactTitle, current.Title))
	sink.Push(stream.Data(stream.DataArtifactClear, nil))

	content, err := handler.Update(ctx, current, instruction, sink)
	if err != nil {
		s.logger.Error("artifact update failed",
			"kind", current.Kind, "id", id, "error", err)
		sink.Push(stream.Error(fmt.Sprintf("Failed to update %s document.", current.Kind)))
		content = ""
	}

	next := store.Document{
		ID:        current.ID,
		CreatedAt: time.Now().UTC(),
		Title:     current.Title,
		Kind:      current.Kind,
		Content:   content,
		UserID:    userID,
	}
	if err := s.store.InsertDocumentVersion(ctx, next); err != nil {
		return store.Document{}, fmt.Errorf("failed to save document version: %w", err)
	}

	sink.Push(stream.Data(stream.DataArtifactFinish, nil))
	return next, nil
}

// generate streams text from primary, retrying once on fallback when
// the primary call fails. Each fragment is forwarded through emit; the
// accumulated text is returned. A fallback retry clears previously
// emitted fragments first.
func generate(ctx context.Context, primary, fallback llms.LLM, req llms.Request, sink stream.Sink, emit func(string)) (string, error) {
	content, err := streamOnce(ctx, primary, req, emit)
	if err == nil {
		return content, nil
	}

	if fallback == nil {
		return "", err
	}

	sink.Push(stream.Data(stream.DataArtifactClear, nil))
	content, fbErr := streamOnce(ctx, fallback, req, emit)
	if fbErr != nil {
		return "", fmt.Errorf("primary failed (%v); fallback failed: %w", err, fbErr)
	}
	return content, nil
}

func streamOnce(ctx context.Context, llm llms.LLM, req llms.Request, emit func(string)) (string, error) {
	ch, err := llm.GenerateStreaming(ctx, req)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for chunk := range ch {
		switch chunk.Type {
		case "text":
			b.WriteString(chunk.Text)
			emit(chunk.Text)
		case "error":
			return "", chunk.Error
		}
	}
	return b.String(), nil
}
