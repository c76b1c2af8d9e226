package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/llms"
	"github.com/loomhq/loom/pkg/protocol"
	"github.com/loomhq/loom/pkg/store"
	"github.com/loomhq/loom/pkg/stream"
)

// maxSuggestions caps how many suggestions one call produces.
const maxSuggestions = 5

type requestSuggestionsArgs struct {
	DocumentID string `json:"documentId" jsonschema:"required,description=ID of the document to request edits for"`
}

type suggestionProposal struct {
	OriginalSentence  string `json:"originalSentence"`
	SuggestedSentence string `json:"suggestedSentence"`
	Description       string `json:"description"`
}

type suggestionBatch struct {
	Suggestions []suggestionProposal `json:"suggestions"`
}

var suggestionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"suggestions": map[string]any{
			"type":     "array",
			"maxItems": maxSuggestions,
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"originalSentence":  map[string]any{"type": "string"},
					"suggestedSentence": map[string]any{"type": "string"},
					"description":       map[string]any{"type": "string"},
				},
				"required":             []string{"originalSentence", "suggestedSentence", "description"},
				"additionalProperties": false,
			},
		},
	},
	"required":             []string{"suggestions"},
	"additionalProperties": false,
}

const suggestionsSystemPrompt = `You are a writing assistant. Given a document, propose at most five ` +
	`edit suggestions. Each suggestion quotes one original sentence, offers an improved version and ` +
	`briefly explains the improvement.`

// NewRequestSuggestionsTool returns the requestSuggestions tool.
// Suggestions are pinned to the document version they were generated
// against, streamed to the client and persisted.
func NewRequestSuggestionsTool(st store.Store, llm llms.LLM) (Tool, error) {
	return New(Config{
		Name:        "requestSuggestions",
		Description: "Request writing suggestions for a text document. Use the document ID from a previous createDocument call.",
	}, func(ctx context.Context, turn Turn, args requestSuggestionsArgs) (any, error) {
		doc, err := st.GetLatestDocument(ctx, args.DocumentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load document: %w", err)
		}

		raw, _, err := llm.GenerateStructured(ctx, llms.Request{
			System:   suggestionsSystemPrompt,
			Messages: []protocol.Message{protocol.NewUserMessage("", doc.Content)},
		}, &llms.StructuredOutputConfig{Schema: suggestionSchema})
		if err != nil {
			return nil, fmt.Errorf("failed to generate suggestions: %w", err)
		}

		var batch suggestionBatch
		if err := json.Unmarshal([]byte(raw), &batch); err != nil {
			return nil, fmt.Errorf("failed to parse suggestions: %w", err)
		}
		if len(batch.Suggestions) > maxSuggestions {
			batch.Suggestions = batch.Suggestions[:maxSuggestions]
		}

		suggestions := make([]store.Suggestion, 0, len(batch.Suggestions))
		for _, p := range batch.Suggestions {
			sg := store.Suggestion{
				ID:                uuid.New().String(),
				DocumentID:        doc.ID,
				DocumentCreatedAt: doc.CreatedAt,
				OriginalText:      p.OriginalSentence,
				SuggestedText:     p.SuggestedSentence,
				Description:       p.Description,
				UserID:            turn.UserID,
			}
			suggestions = append(suggestions, sg)
			turn.Sink.Push(stream.Data(stream.DataSuggestion, sg))
		}

		if err := st.InsertSuggestions(ctx, suggestions); err != nil {
			return nil, fmt.Errorf("failed to save suggestions: %w", err)
		}

		return map[string]any{
			"id":      doc.ID,
			"title":   doc.Title,
			"kind":    string(doc.Kind),
			"message": "Suggestions have been added to the document.",
		}, nil
	})
}
