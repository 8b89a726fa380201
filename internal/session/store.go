package session

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a chat does not exist.
var ErrNotFound = errors.New("chat not found")

// Store is the interface for chat persistence.
type Store interface {
	// Chat CRUD
	CreateChat(ctx context.Context, c *Chat) error
	GetChat(ctx context.Context, id string) (*Chat, error)
	UpdateChat(ctx context.Context, c *Chat) error
	DeleteChat(ctx context.Context, id string) error

	// Listing and search
	ListChats(ctx context.Context, opts ListOptions) ([]ChatSummary, error)
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)

	// Message operations - stores full llm.Message with Parts
	AddMessage(ctx context.Context, chatID string, msg *Message) error
	GetMessages(ctx context.Context, chatID string, limit, offset int) ([]Message, error)

	// AddUsage adds cost and token counts to the chat totals.
	AddUsage(ctx context.Context, chatID string, cost float64, inputTokens, outputTokens int) error

	// Lifecycle
	Close() error
}

// Config holds chat storage configuration.
type Config struct {
	Path       string `mapstructure:"path"`         // Database file
	MaxAgeDays int    `mapstructure:"max_age_days"` // Auto-delete after N days (0=never)
	MaxCount   int    `mapstructure:"max_count"`    // Keep at most N chats (0=unlimited)
}
