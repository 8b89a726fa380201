package llm

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
)

// httpClientTimeout is the default timeout for HTTP requests
const httpClientTimeout = 10 * time.Minute

// defaultHTTPClient is a shared HTTP client with reasonable timeouts
var defaultHTTPClient = &http.Client{
	Timeout: httpClientTimeout,
}

// OpenAICompatProvider implements Provider for OpenAI-compatible APIs.
// Used by Ollama, Groq, LM Studio and other compatible servers.
type OpenAICompatProvider struct {
	baseURL    string
	apiKey     string // Optional, most local servers ignore it
	model      string
	name       string // Display name: "Ollama", "Groq", etc.
	nativeTool bool
	client     *http.Client
}

func NewOpenAICompatProvider(baseURL, apiKey, model, name string) *OpenAICompatProvider {
	return &OpenAICompatProvider{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		name:       name,
		nativeTool: true,
		client:     defaultHTTPClient,
	}
}

// WithoutNativeTools marks the server as unable to emit structured tool
// calls. Tools are then described only in the system prompt and the engine
// parses JSON text instead.
func (p *OpenAICompatProvider) WithoutNativeTools() *OpenAICompatProvider {
	p.nativeTool = false
	return p
}

// WithHTTPClient swaps the HTTP client, mainly for tests.
func (p *OpenAICompatProvider) WithHTTPClient(c *http.Client) *OpenAICompatProvider {
	p.client = c
	return p
}

func (p *OpenAICompatProvider) Name() string {
	return fmt.Sprintf("%s (%s)", p.name, p.model)
}

func (p *OpenAICompatProvider) Capabilities() Capabilities {
	return Capabilities{NativeToolCalls: p.nativeTool, Vision: p.nativeTool}
}

type oaiChatRequest struct {
	Model             string            `json:"model"`
	Messages          []oaiMessage      `json:"messages"`
	Tools             []oaiTool         `json:"tools,omitempty"`
	ParallelToolCalls *bool             `json:"parallel_tool_calls,omitempty"`
	Temperature       *float64          `json:"temperature,omitempty"`
	MaxTokens         *int              `json:"max_tokens,omitempty"`
	Stream            bool              `json:"stream,omitempty"`
	StreamOptions     *oaiStreamOptions `json:"stream_options,omitempty"`
}

type oaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// oaiMessage.Content is either a string or a list of content parts.
type oaiMessage struct {
	Role       string        `json:"role"`
	Content    interface{}   `json:"content,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiContentPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *oaiImageURL `json:"image_url,omitempty"`
}

type oaiImageURL struct {
	URL string `json:"url"`
}

type oaiTool struct {
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type oaiToolCall struct {
	Index    int                 `json:"index"`
	ID       string              `json:"id,omitempty"`
	Type     string              `json:"type,omitempty"`
	Function oaiToolCallFunction `json:"function"`
}

type oaiToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type oaiStreamChunk struct {
	Choices []oaiChoice  `json:"choices"`
	Usage   *oaiUsage    `json:"usage,omitempty"`
	Error   *oaiAPIError `json:"error,omitempty"`
}

type oaiChoice struct {
	Index        int      `json:"index"`
	Delta        oaiDelta `json:"delta"`
	FinishReason *string  `json:"finish_reason"`
}

type oaiDelta struct {
	Content   string        `json:"content"`
	ToolCalls []oaiToolCall `json:"tool_calls"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type oaiAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (p *OpenAICompatProvider) makeChatRequest(ctx context.Context, req oaiChatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return p.client.Do(httpReq)
}

func (p *OpenAICompatProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		messages := buildCompatMessages(req.Messages, p.nativeTool)
		if len(messages) == 0 {
			return fmt.Errorf("no messages provided")
		}

		chatReq := oaiChatRequest{
			Model:         chooseModel(req.Model, p.model),
			Messages:      messages,
			Stream:        true,
			StreamOptions: &oaiStreamOptions{IncludeUsage: true},
		}
		if p.nativeTool && len(req.Tools) > 0 {
			tools, err := buildCompatTools(req.Tools)
			if err != nil {
				return err
			}
			chatReq.Tools = tools
			parallel := req.ParallelToolCalls
			chatReq.ParallelToolCalls = &parallel
		}
		if req.Temperature > 0 {
			v := float64(req.Temperature)
			chatReq.Temperature = &v
		}
		if req.MaxOutputTokens > 0 {
			v := req.MaxOutputTokens
			chatReq.MaxTokens = &v
		}

		resp, err := p.makeChatRequest(ctx, chatReq)
		if err != nil {
			return fmt.Errorf("%s API request failed: %w", p.name, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("%s API error (status %d): %s", p.name, resp.StatusCode, string(body))
		}
		return p.readSSE(ctx, resp.Body, events)
	}), nil
}

func (p *OpenAICompatProvider) readSSE(ctx context.Context, body io.Reader, events chan<- Event) error {
	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	send := func(ev Event) error {
		select {
		case events <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var lastUsage *Usage
	var lastEventType string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			lastEventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if lastEventType == "error" || chunk.Error != nil {
			errMsg := "unknown error"
			if chunk.Error != nil {
				errMsg = chunk.Error.Message
			}
			return fmt.Errorf("%s API error: %s", p.name, errMsg)
		}
		lastEventType = ""

		if chunk.Usage != nil {
			lastUsage = &Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if err := send(Event{Type: EventTextDelta, Text: choice.Delta.Content}); err != nil {
					return err
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				delta := &ToolCallDelta{
					Index:     tc.Index,
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				}
				if err := send(Event{Type: EventToolCallDelta, ToolDelta: delta}); err != nil {
					return err
				}
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				if err := send(Event{Type: EventFinish, FinishReason: FinishReason(*choice.FinishReason)}); err != nil {
					return err
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%s streaming error: %w", p.name, err)
	}
	if lastUsage != nil {
		return send(Event{Type: EventUsage, Use: lastUsage})
	}
	return nil
}

// buildCompatMessages converts the conversation to chat-completions form.
// Without native tool support, calls and results are rendered as text so the
// model still sees what happened.
func buildCompatMessages(messages []Message, native bool) []oaiMessage {
	var result []oaiMessage
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if text := collectTextParts(msg.Parts); text != "" {
				result = append(result, oaiMessage{Role: "system", Content: text})
			}
		case RoleUser:
			if content := compatUserContent(msg.Parts, native); content != nil {
				result = append(result, oaiMessage{Role: "user", Content: content})
			}
		case RoleAssistant:
			text, toolCalls := splitParts(msg.Parts)
			if len(toolCalls) > 0 {
				if native {
					result = append(result, oaiMessage{Role: "assistant", ToolCalls: toolCalls})
					continue
				}
				text = compatCallsAsText(toolCalls)
			}
			if text != "" {
				result = append(result, oaiMessage{Role: "assistant", Content: text})
			}
		case RoleTool:
			for _, part := range msg.Parts {
				if part.Type != PartToolResult || part.ToolResult == nil {
					continue
				}
				if native {
					result = append(result, oaiMessage{
						Role:       "tool",
						Content:    part.ToolResult.Content,
						ToolCallID: part.ToolResult.ID,
					})
					continue
				}
				result = append(result, oaiMessage{
					Role:    "user",
					Content: fmt.Sprintf("Result of %s:\n%s", part.ToolResult.Name, part.ToolResult.Content),
				})
			}
		}
	}
	return result
}

func compatUserContent(parts []Part, vision bool) interface{} {
	text := collectTextParts(parts)
	images := collectImageParts(parts)
	if len(images) == 0 || !vision {
		if text == "" {
			return nil
		}
		return text
	}
	content := make([]oaiContentPart, 0, len(images)+1)
	if text != "" {
		content = append(content, oaiContentPart{Type: "text", Text: text})
	}
	for _, url := range images {
		content = append(content, oaiContentPart{Type: "image_url", ImageURL: &oaiImageURL{URL: url}})
	}
	return content
}

func compatCallsAsText(calls []oaiToolCall) string {
	lines := make([]string, 0, len(calls))
	for _, call := range calls {
		args := call.Function.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		lines = append(lines, fmt.Sprintf(`{"name": %q, "arguments": %s}`, call.Function.Name, args))
	}
	return strings.Join(lines, "\n")
}

func splitParts(parts []Part) (string, []oaiToolCall) {
	var textParts []string
	var toolCalls []oaiToolCall
	for _, part := range parts {
		switch part.Type {
		case PartText:
			if part.Text != "" {
				textParts = append(textParts, part.Text)
			}
		case PartToolCall:
			if part.ToolCall == nil {
				continue
			}
			toolCalls = append(toolCalls, oaiToolCall{
				Index: len(toolCalls),
				ID:    part.ToolCall.ID,
				Type:  "function",
				Function: oaiToolCallFunction{
					Name:      part.ToolCall.Name,
					Arguments: string(part.ToolCall.ArgumentsOrEmpty()),
				},
			})
		}
	}
	return strings.Join(textParts, ""), toolCalls
}

func buildCompatTools(specs []ToolSpec) ([]oaiTool, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	tools := make([]oaiTool, 0, len(specs))
	for _, spec := range specs {
		schema, err := json.Marshal(spec.Schema)
		if err != nil {
			return nil, fmt.Errorf("marshal tool schema %s: %w", spec.Name, err)
		}
		tools = append(tools, oaiTool{
			Type: "function",
			Function: oaiFunction{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schema,
			},
		})
	}
	return tools, nil
}
