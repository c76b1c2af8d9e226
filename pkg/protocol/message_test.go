package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartsRoundTrip(t *testing.T) {
	msg := NewMessage("c1", RoleAssistant,
		ReasoningPart{Reasoning: "thinking it through"},
		TextPart{Text: "the answer"},
		ToolCallPart{ToolCallID: "t1", Name: "getWeather", Args: map[string]any{"latitude": 52.52}},
	)

	raw, err := json.Marshal(msg.Parts)
	require.NoError(t, err)

	var parts Parts
	require.NoError(t, json.Unmarshal(raw, &parts))
	require.Len(t, parts, 3)

	assert.IsType(t, ReasoningPart{}, parts[0])
	assert.IsType(t, TextPart{}, parts[1])

	call, ok := parts[2].(ToolCallPart)
	require.True(t, ok)
	assert.Equal(t, "t1", call.ToolCallID)
	assert.Equal(t, 52.52, call.Args["latitude"])
}

func TestPartsRejectsUnknownType(t *testing.T) {
	var parts Parts
	err := json.Unmarshal([]byte(`[{"type": "hologram", "data": {}}]`), &parts)
	assert.Error(t, err)
}

func TestMessageAccessors(t *testing.T) {
	msg := NewMessage("c1", RoleAssistant,
		TextPart{Text: "Hello "},
		TextPart{Text: "world"},
		ToolCallPart{ToolCallID: "t1", Name: "probe"},
	)

	assert.Equal(t, "Hello world", msg.Text())
	require.Len(t, msg.ToolCalls(), 1)
	assert.Empty(t, msg.ToolResults())
}

func TestSanitizeStripsDanglingParts(t *testing.T) {
	msg := NewMessage("c1", RoleAssistant,
		TextPart{Text: ""},
		TextPart{Text: "kept"},
		ToolCallPart{ToolCallID: "answered", Name: "probe"},
		ToolResultPart{ToolCallID: "answered", Name: "probe", Result: "ok"},
		ToolCallPart{ToolCallID: "dangling", Name: "probe"},
		ToolResultPart{ToolCallID: "orphan", Name: "probe", Result: "?"},
	)

	clean := Sanitize(msg)
	require.Len(t, clean.Parts, 3)
	assert.Equal(t, "kept", clean.Text())
	assert.True(t, IsClosed(clean))

	// The input is untouched.
	assert.Len(t, msg.Parts, 6)
}

func TestSanitizeAllMatchesAcrossMessages(t *testing.T) {
	messages := []Message{
		NewMessage("c1", RoleAssistant,
			TextPart{Text: "calling"},
			ToolCallPart{ToolCallID: "t1", Name: "probe"},
			ToolCallPart{ToolCallID: "t2", Name: "probe"},
		),
		NewMessage("c1", RoleTool,
			ToolResultPart{ToolCallID: "t1", Name: "probe", Result: "ok"},
		),
	}

	clean := SanitizeAll(messages)
	require.Len(t, clean, 2)

	// t1 is answered by the tool message; t2 is dangling.
	calls := clean[0].ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "t1", calls[0].ToolCallID)
	assert.Len(t, clean[1].ToolResults(), 1)
}

func TestSanitizeAllDropsEmptiedMessages(t *testing.T) {
	messages := []Message{
		NewMessage("c1", RoleAssistant, ToolCallPart{ToolCallID: "t1", Name: "probe"}),
		NewUserMessage("c1", "still here"),
	}

	clean := SanitizeAll(messages)
	require.Len(t, clean, 1)
	assert.Equal(t, "still here", clean[0].Text())
}
