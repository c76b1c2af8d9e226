package chat

const basePrompt = `You are a friendly assistant. Keep your responses concise and helpful.`

const artifactsPrompt = `
Documents are a special interface that renders generated content beside the conversation.

When to use createDocument:
- For substantial content (more than 10 lines), code, spreadsheets or diagrams
- When the user explicitly asks for a document
- For content the user will likely save or reuse

When NOT to use createDocument:
- For explanations or conversational answers
- When the user asks you to keep it in chat

Using updateDocument:
- Default to full rewrites for major changes, targeted changes for small edits
- Follow the user's instruction about which part to change
- Do not update a document right after creating it; wait for user feedback

Do not repeat document content in the chat after creating or updating it; the user already sees it.`

// downgradedNote is persisted as a system-role message on downgraded
// turns, so the substitution stays visible in the transcript.
const downgradedNote = `Note: the requested model was not available for this account, so a different model is answering. ` +
	`If the user asks which model this is, tell them their requested model required an upgraded plan.`

// systemPrompt assembles the system prompt for a turn. Reasoning models
// get no tools, so the artifact instructions are omitted for them.
func systemPrompt(extra string, reasoning bool) string {
	prompt := basePrompt
	if !reasoning {
		prompt += "\n" + artifactsPrompt
	}
	if extra != "" {
		prompt += "\n\n" + extra
	}
	return prompt
}
