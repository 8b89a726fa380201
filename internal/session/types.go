package session

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samsaffron/nohup/internal/llm"
)

// maxTitleLen bounds chat titles derived from the first user message.
const maxTitleLen = 50

// Chat is a conversation stored in the database.
type Chat struct {
	ID           string    `json:"chat_id"`
	Title        string    `json:"title,omitempty"`
	Model        string    `json:"current_model"`
	TotalCost    float64   `json:"total_cost"`
	UserTurns    int       `json:"user_turns,omitempty"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Message represents a message in a chat.
// The Parts field stores the full llm.Message.Parts as JSON to preserve
// tool calls and results exactly.
type Message struct {
	ID          int64      `json:"id"`
	ChatID      string     `json:"chat_id"`
	Role        llm.Role   `json:"role"`
	Parts       []llm.Part `json:"parts"`
	TextContent string     `json:"text_content"` // Extracted text for display/FTS
	ToolCallID  string     `json:"tool_call_id,omitempty"`
	CreatedAt   time.Time  `json:"timestamp"`
	Sequence    int        `json:"sequence"`
}

// ChatSummary is a lightweight view of a chat for listing.
type ChatSummary struct {
	ID           string    `json:"chat_id"`
	Title        string    `json:"title,omitempty"`
	Model        string    `json:"current_model"`
	TotalCost    float64   `json:"total_cost"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// ListOptions configures chat listing.
type ListOptions struct {
	Limit  int // Max results (0 = use default)
	Offset int // Pagination offset
}

// SearchResult represents a search match.
type SearchResult struct {
	ChatID    string    `json:"chat_id"`
	MessageID int64     `json:"message_id"`
	Title     string    `json:"title"`
	Snippet   string    `json:"snippet"`
	CreatedAt time.Time `json:"created_at"`
}

// NewID returns a fresh chat id.
func NewID() string {
	return uuid.NewString()
}

// IsValidID reports whether id is a well-formed chat id.
func IsValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil && id != ""
}

// NewMessage creates a new Message from an llm.Message. The sequence is
// allocated by the store.
func NewMessage(chatID string, msg llm.Message) *Message {
	m := &Message{
		ChatID:    chatID,
		Role:      msg.Role,
		Parts:     msg.Parts,
		CreatedAt: time.Now(),
		Sequence:  -1,
	}
	if res := msg.ToolResult(); res != nil {
		m.ToolCallID = res.ID
	}
	m.TextContent = m.ExtractTextContent()
	return m
}

// ExtractTextContent extracts and concatenates all text parts from the message.
func (m *Message) ExtractTextContent() string {
	var text []string
	for _, p := range m.Parts {
		switch {
		case p.Type == llm.PartText && p.Text != "":
			text = append(text, p.Text)
		case p.Type == llm.PartToolResult && p.ToolResult != nil:
			text = append(text, p.ToolResult.Content)
		}
	}
	return strings.Join(text, "\n")
}

// ToLLMMessage converts a Message back to an llm.Message.
func (m *Message) ToLLMMessage() llm.Message {
	return llm.Message{
		Role:  m.Role,
		Parts: m.Parts,
	}
}

// PartsJSON returns the Parts field serialized to JSON for database storage.
func (m *Message) PartsJSON() (string, error) {
	data, err := json.Marshal(m.Parts)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetPartsFromJSON deserializes JSON into the Parts field.
func (m *Message) SetPartsFromJSON(data string) error {
	if data == "" {
		m.Parts = nil
		return nil
	}
	return json.Unmarshal([]byte(data), &m.Parts)
}

// TitleFromText returns the first line of text, truncated to 50 characters
// with "..." appended when cut.
func TitleFromText(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "\n"); idx != -1 {
		text = strings.TrimSpace(text[:idx])
	}
	runes := []rune(text)
	if len(runes) > maxTitleLen {
		return string(runes[:maxTitleLen]) + "..."
	}
	return text
}

// ToLLMMessages converts stored messages back to a conversation log.
func ToLLMMessages(msgs []Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for i := range msgs {
		out = append(out, msgs[i].ToLLMMessage())
	}
	return out
}
