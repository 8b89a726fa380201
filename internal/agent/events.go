package agent

import (
	"bytes"
	"encoding/json"

	"github.com/samsaffron/nohup/internal/llm"
)

// Outbound event types.
const (
	EventChatInfo        = "chat_info"
	EventChunk           = "chunk"
	EventEnd             = "end"
	EventToolCallRequest = "tool_call_request"
	EventAskUser         = "ask_user_request"
	EventTerminate       = "terminate_request"
	EventAgentQuestion   = "agent_question"
	EventAgentStep       = "agent_step_update"
	EventCostUpdate      = "cost_update"
	EventInfo            = "info"
	EventWarning         = "warning"
	EventError           = "error"
)

// Inbound message types. set_llm_model and set_api_keys are accepted as
// aliases of set_model and set_credentials.
const (
	MsgUserMessage    = "user_message"
	MsgToolResult     = "tool_result"
	MsgUserResponse   = "user_response"
	MsgSetModel       = "set_model"
	MsgSetLLMModel    = "set_llm_model"
	MsgSetCredentials = "set_credentials"
	MsgSetAPIKeys     = "set_api_keys"
	MsgStop           = "stop"
)

// Event is a message sent to the connected client.
type Event struct {
	Type      string         `json:"type"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []ToolCallOut  `json:"tool_calls,omitempty"`
	Question  string         `json:"question,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	TotalCost *float64       `json:"total_cost,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`

	// chat_info
	ChatID string `json:"chat_id,omitempty"`
	Title  string `json:"title,omitempty"`
	Model  string `json:"current_model,omitempty"`
}

// ToolCallOut is a client tool call as sent on the wire. Arguments stay a
// JSON-encoded string.
type ToolCallOut struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Inbound is a message received from the client. Only the fields of the
// named type are read.
type Inbound struct {
	Type string `json:"type"`

	// user_message
	Text              *string `json:"text"`
	Image             string  `json:"image"`
	ScreenshotDataURL string  `json:"screenshot_data_url"`
	ContextText       string  `json:"context_text"`

	// tool_result
	Results []ToolResultIn `json:"results"`

	// user_response
	RequestID string  `json:"request_id"`
	Answer    *string `json:"answer"`

	// set_model
	Model     string `json:"model"`
	ModelName string `json:"model_name"`

	// set_credentials
	Keys map[string]string `json:"keys"`
}

// ToolResultIn is one client tool result. Content is usually a string but
// clients may send any JSON value.
type ToolResultIn struct {
	ToolCallID string          `json:"tool_call_id"`
	Content    json.RawMessage `json:"content"`
}

// text returns the content as the model sees it: strings unquoted, other
// values as their JSON text.
func (r ToolResultIn) text() string {
	raw := bytes.TrimSpace(r.Content)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if raw[0] == '"' && json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func (m *Inbound) image() string {
	if m.Image != "" {
		return m.Image
	}
	return m.ScreenshotDataURL
}

func (m *Inbound) model() string {
	if m.ModelName != "" {
		return m.ModelName
	}
	return m.Model
}

// decodeInbound parses a raw frame.
func decodeInbound(data []byte) (*Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func toolCallsOut(calls []llm.ToolCall) []ToolCallOut {
	out := make([]ToolCallOut, 0, len(calls))
	for _, c := range calls {
		out = append(out, ToolCallOut{ID: c.ID, Name: c.Name, Arguments: string(c.ArgumentsOrEmpty())})
	}
	return out
}

func costEvent(total float64) Event {
	return Event{Type: EventCostUpdate, TotalCost: &total}
}
