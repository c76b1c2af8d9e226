package chat

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/loomhq/loom/pkg/protocol"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// tokenCount estimates prompt tokens for a message's textual parts.
// Falls back to a character heuristic if the encoding cannot load.
func tokenCount(m protocol.Message) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("o200k_base")
		if err != nil {
			slog.Warn("failed to load token encoding, using character estimate", "error", err)
			return
		}
		encoding = enc
	})

	text := m.Text()
	for _, tr := range m.ToolResults() {
		if s, ok := tr.Result.(string); ok {
			text += s
		}
	}

	if encoding == nil {
		return len(text) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}

// trimHistory drops oldest messages until the estimated token total
// fits the budget. The newest message is always kept, and a leading
// tool message is dropped with its pair so the window never starts
// mid-exchange. A budget of 0 disables trimming.
func trimHistory(messages []protocol.Message, budget int) []protocol.Message {
	if budget <= 0 || len(messages) <= 1 {
		return messages
	}

	total := 0
	counts := make([]int, len(messages))
	for i, m := range messages {
		counts[i] = tokenCount(m)
		total += counts[i]
	}

	start := 0
	for start < len(messages)-1 && total > budget {
		total -= counts[start]
		start++
	}

	// Never start the window on an orphaned tool result.
	for start < len(messages)-1 && messages[start].Role == protocol.RoleTool {
		start++
	}

	return messages[start:]
}
