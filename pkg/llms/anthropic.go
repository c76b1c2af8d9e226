package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomhq/loom/pkg/config"
	"github.com/loomhq/loom/pkg/httpclient"
	"github.com/loomhq/loom/pkg/observability"
	"github.com/loomhq/loom/pkg/protocol"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider implements LLM against the Anthropic Messages API.
type AnthropicProvider struct {
	model      string
	config     config.ProviderConfig
	httpClient *httpclient.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Stream      bool               `json:"stream"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use blocks.
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result blocks.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// image blocks.
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block,omitempty"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`

	Usage *anthropicUsage `json:"usage,omitempty"`

	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`

	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewAnthropicProvider creates a provider for one upstream model.
func NewAnthropicProvider(model string, cfg config.ProviderConfig) *AnthropicProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}

	return &AnthropicProvider{
		model:  model,
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}
}

func (p *AnthropicProvider) ModelName() string { return p.model }

func (p *AnthropicProvider) Close() error { return nil }

func (p *AnthropicProvider) GenerateStreaming(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	request := p.buildRequest(req, true)

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)

		if err := p.makeStreamingRequest(ctx, request, outputCh); err != nil {
			outputCh <- StreamChunk{Type: "error", Error: err}
		}
	}()

	return outputCh, nil
}

// GenerateStructured constrains output by embedding the schema in the
// system prompt and prefilling the assistant turn so the model continues
// from the opening brace.
func (p *AnthropicProvider) GenerateStructured(ctx context.Context, req Request, structConfig *StructuredOutputConfig) (string, int, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("loom.llms")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, p.model),
			attribute.String(observability.AttrLLMProvider, "anthropic"),
			attribute.Bool("structured", true),
		),
	)
	defer span.End()

	request := p.buildRequest(req, false)

	prefill := "{"
	if structConfig != nil {
		if structConfig.Schema != nil {
			schemaJSON, err := json.Marshal(structConfig.Schema)
			if err != nil {
				return "", 0, fmt.Errorf("failed to marshal schema: %w", err)
			}
			instruction := "Respond only with a JSON object conforming to this schema, with no surrounding text:\n" + string(schemaJSON)
			if request.System != "" {
				request.System += "\n\n" + instruction
			} else {
				request.System = instruction
			}
		}
		if structConfig.Prefill != "" {
			prefill = structConfig.Prefill
		}
	}

	request.Messages = append(request.Messages, anthropicMessage{
		Role:    "assistant",
		Content: []anthropicContent{{Type: "text", Text: prefill}},
	})

	response, err := p.makeRequest(ctx, request)
	duration := time.Since(startTime)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if m := observability.GetGlobalMetrics(); m != nil {
			m.RecordLLMCall(p.model, duration, 0, 0, err)
		}
		return "", 0, err
	}

	if response.Error != nil {
		apiErr := fmt.Errorf("Anthropic API error: %s", response.Error.Message)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, response.Error.Message)
		if m := observability.GetGlobalMetrics(); m != nil {
			m.RecordLLMCall(p.model, duration, 0, 0, apiErr)
		}
		return "", 0, apiErr
	}

	var sb strings.Builder
	sb.WriteString(prefill)
	for _, block := range response.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, response.Usage.InputTokens),
		attribute.Int(observability.AttrLLMTokensOutput, response.Usage.OutputTokens),
	)
	span.SetStatus(codes.Ok, "success")
	if m := observability.GetGlobalMetrics(); m != nil {
		m.RecordLLMCall(p.model, duration, response.Usage.InputTokens, response.Usage.OutputTokens, nil)
	}

	return sb.String(), response.Usage.InputTokens + response.Usage.OutputTokens, nil
}

func (p *AnthropicProvider) buildRequest(req Request, stream bool) anthropicRequest {
	systemParts := make([]string, 0, 1)
	if req.System != "" {
		systemParts = append(systemParts, req.System)
	}

	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case protocol.RoleSystem:
			if text := msg.Text(); text != "" {
				systemParts = append(systemParts, text)
			}
			continue

		case protocol.RoleTool:
			// Tool results go back as user-role tool_result blocks.
			content := make([]anthropicContent, 0, len(msg.Parts))
			for _, tr := range msg.ToolResults() {
				resultJSON, _ := json.Marshal(tr.Result)
				content = append(content, anthropicContent{
					Type:      "tool_result",
					ToolUseID: tr.ToolCallID,
					Content:   string(resultJSON),
					IsError:   tr.IsError,
				})
			}
			if len(content) > 0 {
				messages = append(messages, anthropicMessage{Role: "user", Content: content})
			}
			continue
		}

		content := make([]anthropicContent, 0, len(msg.Parts))
		for _, part := range msg.Parts {
			switch v := part.(type) {
			case protocol.TextPart:
				if v.Text != "" {
					content = append(content, anthropicContent{Type: "text", Text: v.Text})
				}
			case protocol.ToolCallPart:
				content = append(content, anthropicContent{
					Type:  "tool_use",
					ID:    v.ToolCallID,
					Name:  v.Name,
					Input: v.Args,
				})
			case protocol.FilePart:
				if strings.HasPrefix(v.MediaType, "image/") {
					content = append(content, anthropicContent{
						Type:   "image",
						Source: &anthropicImageSource{Type: "url", URL: v.URL},
					})
				}
			}
		}
		if len(content) == 0 {
			continue
		}

		role := "user"
		if msg.Role == protocol.RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, anthropicMessage{Role: role, Content: content})
	}

	temperature := 0.7
	if p.config.Temperature != nil {
		temperature = *p.config.Temperature
	}

	maxTokens := p.config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	request := anthropicRequest{
		Model:       p.model,
		Messages:    messages,
		System:      strings.Join(systemParts, "\n\n"),
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Stream:      stream,
	}

	if len(req.Tools) > 0 {
		request.Tools = make([]anthropicTool, len(req.Tools))
		for i, tool := range req.Tools {
			request.Tools[i] = anthropicTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.Parameters,
			}
		}
	}

	return request
}

func (p *AnthropicProvider) newRequest(ctx context.Context, request anthropicRequest) (*http.Request, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/v1/messages", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", anthropicVersion)
	if p.config.APIKey != "" {
		req.Header.Set("x-api-key", p.config.APIKey)
	}

	return req, nil
}

func (p *AnthropicProvider) makeRequest(ctx context.Context, request anthropicRequest) (*anthropicResponse, error) {
	req, err := p.newRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("HTTP request failed: no response received")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response anthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &response, nil
}

// pendingToolUse accumulates input_json_delta fragments for one
// tool_use content block until its content_block_stop arrives.
type pendingToolUse struct {
	id   string
	name string
	json strings.Builder
}

func (p *AnthropicProvider) makeStreamingRequest(ctx context.Context, request anthropicRequest, outputCh chan<- StreamChunk) error {
	req, err := p.newRequest(ctx, request)
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}
	}
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("HTTP request failed: no response received")
	}

	reader := bufio.NewReader(resp.Body)

	pending := make(map[int]*pendingToolUse)
	totalTokens := 0

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		var event anthropicStreamEvent
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}

		switch event.Type {
		case "error":
			if event.Error != nil {
				return fmt.Errorf("API error: %s", event.Error.Message)
			}
			return fmt.Errorf("API error")

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				pending[event.Index] = &pendingToolUse{
					id:   event.ContentBlock.ID,
					name: event.ContentBlock.Name,
				}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				outputCh <- StreamChunk{Type: "text", Text: event.Delta.Text}
			case "thinking_delta":
				outputCh <- StreamChunk{Type: "thinking", Text: event.Delta.Thinking}
			case "input_json_delta":
				if tu, ok := pending[event.Index]; ok {
					tu.json.WriteString(event.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			tu, ok := pending[event.Index]
			if !ok {
				continue
			}
			delete(pending, event.Index)

			var args map[string]any
			if raw := tu.json.String(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					return fmt.Errorf("failed to parse tool arguments: %w", err)
				}
			}
			outputCh <- StreamChunk{Type: "tool_call", ToolCall: &protocol.ToolCallPart{
				ToolCallID: tu.id,
				Name:       tu.name,
				Args:       args,
			}}

		case "message_delta":
			if event.Usage != nil {
				totalTokens += event.Usage.OutputTokens
			}

		case "message_start":
			if event.Message != nil {
				totalTokens += event.Message.Usage.InputTokens
			}

		case "message_stop":
			outputCh <- StreamChunk{Type: "done", Tokens: totalTokens}
			return nil
		}
	}

	outputCh <- StreamChunk{Type: "done", Tokens: totalTokens}
	return nil
}
