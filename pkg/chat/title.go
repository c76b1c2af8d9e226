package chat

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/loomhq/loom/pkg/llms"
	"github.com/loomhq/loom/pkg/protocol"
)

const titleSystemPrompt = `Generate a short title summarizing the user's message. ` +
	`At most 80 characters, no quotes and no colons.`

var titleSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title": map[string]any{"type": "string"},
	},
	"required":             []string{"title"},
	"additionalProperties": false,
}

const maxTitleLen = 80

// generateTitle derives a chat title from the first user message. Any
// failure falls back to a truncation of the message itself, so chat
// creation never depends on a model call succeeding.
func generateTitle(ctx context.Context, llm llms.LLM, userText string) string {
	raw, _, err := llm.GenerateStructured(ctx, llms.Request{
		System:   titleSystemPrompt,
		Messages: []protocol.Message{protocol.NewUserMessage("", userText)},
	}, &llms.StructuredOutputConfig{Schema: titleSchema})

	if err == nil {
		var out struct {
			Title string `json:"title"`
		}
		if json.Unmarshal([]byte(raw), &out) == nil {
			if title := sanitizeTitle(out.Title); title != "" {
				return title
			}
		}
	}

	return sanitizeTitle(userText)
}

func sanitizeTitle(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, `"'`)
	// Truncate on rune boundaries so multi-byte input stays valid UTF-8.
	if runes := []rune(s); len(runes) > maxTitleLen {
		s = strings.TrimSpace(string(runes[:maxTitleLen]))
	}
	return s
}
