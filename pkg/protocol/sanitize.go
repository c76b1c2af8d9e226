package protocol

// Sanitize enforces the save-time invariants on an assistant message:
// every tool-call part must have a matching tool-result part (dangling
// calls are stripped, orphaned results likewise) and empty text segments
// are dropped. The input is not modified.
func Sanitize(m Message) Message {
	resultIDs := make(map[string]bool)
	callIDs := make(map[string]bool)
	for _, part := range m.Parts {
		switch v := part.(type) {
		case ToolResultPart:
			resultIDs[v.ToolCallID] = true
		case ToolCallPart:
			callIDs[v.ToolCallID] = true
		}
	}

	parts := make(Parts, 0, len(m.Parts))
	for _, part := range m.Parts {
		switch v := part.(type) {
		case TextPart:
			if v.Text == "" {
				continue
			}
		case ReasoningPart:
			if v.Reasoning == "" {
				continue
			}
		case ToolCallPart:
			if !resultIDs[v.ToolCallID] {
				continue
			}
		case ToolResultPart:
			if !callIDs[v.ToolCallID] {
				continue
			}
		}
		parts = append(parts, part)
	}

	m.Parts = parts
	return m
}

// SanitizeAll applies the save-time invariants across a turn's
// messages, where tool calls live on assistant messages and their
// results on the following tool message. Calls and results are matched
// across the whole slice; messages left empty are dropped.
func SanitizeAll(messages []Message) []Message {
	resultIDs := make(map[string]bool)
	callIDs := make(map[string]bool)
	for _, m := range messages {
		for _, tr := range m.ToolResults() {
			resultIDs[tr.ToolCallID] = true
		}
		for _, tc := range m.ToolCalls() {
			callIDs[tc.ToolCallID] = true
		}
	}

	var out []Message
	for _, m := range messages {
		parts := make(Parts, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case TextPart:
				if v.Text == "" {
					continue
				}
			case ReasoningPart:
				if v.Reasoning == "" {
					continue
				}
			case ToolCallPart:
				if !resultIDs[v.ToolCallID] {
					continue
				}
			case ToolResultPart:
				if !callIDs[v.ToolCallID] {
					continue
				}
			}
			parts = append(parts, part)
		}
		if len(parts) == 0 {
			continue
		}
		m.Parts = parts
		out = append(out, m)
	}
	return out
}

// IsClosed reports whether every tool-call part has a matching tool-result
// part and vice versa.
func IsClosed(m Message) bool {
	resultIDs := make(map[string]bool)
	for _, tr := range m.ToolResults() {
		resultIDs[tr.ToolCallID] = true
	}
	callIDs := make(map[string]bool)
	for _, tc := range m.ToolCalls() {
		callIDs[tc.ToolCallID] = true
		if !resultIDs[tc.ToolCallID] {
			return false
		}
	}
	for id := range resultIDs {
		if !callIDs[id] {
			return false
		}
	}
	return true
}
