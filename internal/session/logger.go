package session

import (
	"context"
	"log/slog"
	"sync"
)

// LoggingStore wraps a Store and logs write failures instead of letting them
// go unnoticed. Callers treat persistence as best-effort; errors are still
// returned.
type LoggingStore struct {
	Store
	logger *slog.Logger
	mu     sync.Mutex
	warned map[string]bool // Rate-limit warnings by operation type
}

// NewLoggingStore creates a new LoggingStore wrapper.
func NewLoggingStore(store Store, logger *slog.Logger) *LoggingStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingStore{
		Store:  store,
		logger: logger,
		warned: make(map[string]bool),
	}
}

// logOnce logs a warning only once per operation type to avoid spamming.
func (s *LoggingStore) logOnce(op string, err error) {
	if err == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.warned[op] {
		s.logger.Debug("chat store operation failed", "op", op, "error", err)
		return
	}
	s.warned[op] = true
	s.logger.Warn("chat store operation failed", "op", op, "error", err)
}

// CreateChat wraps Store.CreateChat with error logging.
func (s *LoggingStore) CreateChat(ctx context.Context, c *Chat) error {
	err := s.Store.CreateChat(ctx, c)
	s.logOnce("CreateChat", err)
	return err
}

// UpdateChat wraps Store.UpdateChat with error logging.
func (s *LoggingStore) UpdateChat(ctx context.Context, c *Chat) error {
	err := s.Store.UpdateChat(ctx, c)
	s.logOnce("UpdateChat", err)
	return err
}

// AddMessage wraps Store.AddMessage with error logging.
func (s *LoggingStore) AddMessage(ctx context.Context, chatID string, msg *Message) error {
	err := s.Store.AddMessage(ctx, chatID, msg)
	s.logOnce("AddMessage", err)
	return err
}

// AddUsage wraps Store.AddUsage with error logging.
func (s *LoggingStore) AddUsage(ctx context.Context, chatID string, cost float64, inputTokens, outputTokens int) error {
	err := s.Store.AddUsage(ctx, chatID, cost, inputTokens, outputTokens)
	s.logOnce("AddUsage", err)
	return err
}
