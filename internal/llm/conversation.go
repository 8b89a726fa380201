package llm

import (
	"context"
	"fmt"
	"sync"
)

// AppendFunc persists a message after it was added to a conversation.
type AppendFunc func(ctx context.Context, msg Message) error

// Conversation is an append-only message log. Index 0 is the system prompt.
// It also owns the pending clarification marker: the id of an ask_user call
// whose answer has not arrived yet.
type Conversation struct {
	mu       sync.Mutex
	messages []Message
	pending  string
	sink     AppendFunc
}

// NewConversation starts a conversation with the given system prompt.
func NewConversation(system string, sink AppendFunc) *Conversation {
	return &Conversation{
		messages: []Message{SystemText(system)},
		sink:     sink,
	}
}

// RestoreConversation rebuilds a conversation from persisted messages. When
// the log does not start with a system message, system is prepended.
func RestoreConversation(system string, messages []Message, sink AppendFunc) *Conversation {
	c := &Conversation{sink: sink}
	if len(messages) == 0 || messages[0].Role != RoleSystem {
		c.messages = append(c.messages, SystemText(system))
	}
	c.messages = append(c.messages, messages...)
	return c
}

// Append adds msg to the log and writes it through to the sink. The message
// stays in the log even when the sink fails.
func (c *Conversation) Append(ctx context.Context, msg Message) error {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	sink := c.sink
	c.mu.Unlock()
	if sink == nil {
		return nil
	}
	if err := sink(ctx, msg); err != nil {
		return fmt.Errorf("persist %s message: %w", msg.Role, err)
	}
	return nil
}

// Messages returns a copy of the log.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Last returns the last message.
func (c *Conversation) Last() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

// SetPendingClarification records the id of an unanswered ask_user call.
func (c *Conversation) SetPendingClarification(id string) {
	c.mu.Lock()
	c.pending = id
	c.mu.Unlock()
}

// PendingClarification returns the recorded ask_user call id, if any.
func (c *Conversation) PendingClarification() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// TakePendingClarification returns and clears the pending marker.
func (c *Conversation) TakePendingClarification() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.pending
	c.pending = ""
	return id
}

// UnansweredToolCalls returns the calls of the most recent assistant message
// that carries tool calls and have no result after it.
func (c *Conversation) UnansweredToolCalls() []ToolCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.messages) - 1; i >= 0; i-- {
		msg := c.messages[i]
		if msg.Role != RoleAssistant {
			continue
		}
		calls := msg.ToolCalls()
		if len(calls) == 0 {
			return nil
		}
		answered := make(map[string]bool)
		for _, later := range c.messages[i+1:] {
			if res := later.ToolResult(); later.Role == RoleTool && res != nil {
				answered[res.ID] = true
			}
		}
		var open []ToolCall
		for _, call := range calls {
			if !answered[call.ID] {
				open = append(open, call)
			}
		}
		return open
	}
	return nil
}
