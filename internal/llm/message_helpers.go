package llm

import "strings"

// SystemText builds a system message.
func SystemText(text string) Message {
	return Message{Role: RoleSystem, Parts: []Part{{Type: PartText, Text: text}}}
}

// UserText builds a plain user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{{Type: PartText, Text: text}}}
}

// UserWithImage builds a user message carrying text and an optional image URL.
func UserWithImage(text, imageURL string) Message {
	msg := UserText(text)
	if imageURL != "" {
		msg.Parts = append(msg.Parts, Part{Type: PartImage, ImageURL: imageURL})
	}
	return msg
}

// AssistantText builds an assistant message. Empty text yields a message
// with no content parts.
func AssistantText(text string) Message {
	msg := Message{Role: RoleAssistant}
	if text != "" {
		msg.Parts = []Part{{Type: PartText, Text: text}}
	}
	return msg
}

// AssistantToolCalls builds an assistant message requesting the given calls.
func AssistantToolCalls(calls []ToolCall) Message {
	msg := Message{Role: RoleAssistant, Parts: make([]Part, 0, len(calls))}
	for i := range calls {
		call := calls[i]
		msg.Parts = append(msg.Parts, Part{Type: PartToolCall, ToolCall: &call})
	}
	return msg
}

// ToolResultMessage builds a tool-result message for a call.
func ToolResultMessage(id, name, content string) Message {
	return Message{Role: RoleTool, Parts: []Part{{
		Type:       PartToolResult,
		ToolResult: &ToolResult{ID: id, Name: name, Content: content},
	}}}
}

// ToolErrorMessage builds a tool-result message flagged as an error.
func ToolErrorMessage(id, name, content string) Message {
	msg := ToolResultMessage(id, name, content)
	msg.Parts[0].ToolResult.IsError = true
	return msg
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	return collectTextParts(m.Parts)
}

// HasContent reports whether the message carries text or image content.
func (m Message) HasContent() bool {
	for _, part := range m.Parts {
		switch part.Type {
		case PartText:
			if part.Text != "" {
				return true
			}
		case PartImage:
			return true
		}
	}
	return false
}

// ToolCalls returns the tool calls carried by an assistant message.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, part := range m.Parts {
		if part.Type == PartToolCall && part.ToolCall != nil {
			calls = append(calls, *part.ToolCall)
		}
	}
	return calls
}

// ToolResult returns the result carried by a tool message, if any.
func (m Message) ToolResult() *ToolResult {
	for _, part := range m.Parts {
		if part.Type == PartToolResult && part.ToolResult != nil {
			return part.ToolResult
		}
	}
	return nil
}

func collectTextParts(parts []Part) string {
	var b strings.Builder
	for _, part := range parts {
		if part.Type == PartText {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

func collectImageParts(parts []Part) []string {
	var urls []string
	for _, part := range parts {
		if part.Type == PartImage && part.ImageURL != "" {
			urls = append(urls, part.ImageURL)
		}
	}
	return urls
}

// parseDataURL splits a data: URL into its media type and base64 payload.
func parseDataURL(url string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return "", "", false
	}
	if mediaType == "" {
		mediaType = "image/png"
	}
	return mediaType, payload, true
}
