package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps chats in process memory. It backs tests and servers run
// without a data directory.
type MemoryStore struct {
	mu       sync.Mutex
	chats    map[string]*Chat
	messages map[string][]Message
	nextID   int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[string]*Chat),
		messages: make(map[string][]Message),
	}
}

func (s *MemoryStore) CreateChat(ctx context.Context, c *Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = NewID()
	}
	if _, ok := s.chats[c.ID]; ok {
		return fmt.Errorf("insert chat: %s already exists", c.ID)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.LastActiveAt.IsZero() {
		c.LastActiveAt = c.CreatedAt
	}
	cp := *c
	s.chats[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetChat(ctx context.Context, id string) (*Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) UpdateChat(ctx context.Context, c *Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[c.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, c.ID)
	}
	c.LastActiveAt = time.Now()
	cp := *c
	s.chats[c.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteChat(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.chats, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) ListChats(ctx context.Context, opts ListOptions) ([]ChatSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]ChatSummary, 0, len(s.chats))
	for _, c := range s.chats {
		all = append(all, ChatSummary{
			ID:           c.ID,
			Title:        c.Title,
			Model:        c.Model,
			TotalCost:    c.TotalCost,
			MessageCount: len(s.messages[c.ID]),
			CreatedAt:    c.CreatedAt,
			LastActiveAt: c.LastActiveAt,
		})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].LastActiveAt.After(all[j].LastActiveAt)
	})

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if opts.Offset >= len(all) {
		return nil, nil
	}
	all = all[opts.Offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Search does a case-insensitive substring match over message text.
func (s *MemoryStore) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 20
	}
	q := strings.ToLower(query)
	var results []SearchResult
	for chatID, msgs := range s.messages {
		for _, m := range msgs {
			if !strings.Contains(strings.ToLower(m.TextContent), q) {
				continue
			}
			results = append(results, SearchResult{
				ChatID:    chatID,
				MessageID: m.ID,
				Title:     s.chats[chatID].Title,
				Snippet:   m.TextContent,
				CreatedAt: m.CreatedAt,
			})
			if len(results) >= limit {
				return results, nil
			}
		}
	}
	return results, nil
}

func (s *MemoryStore) AddMessage(ctx context.Context, chatID string, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return fmt.Errorf("insert message: %w: %s", ErrNotFound, chatID)
	}
	msg.ChatID = chatID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Sequence < 0 {
		msg.Sequence = len(s.messages[chatID])
	}
	s.nextID++
	msg.ID = s.nextID
	s.messages[chatID] = append(s.messages[chatID], *msg)
	c.LastActiveAt = time.Now()
	return nil
}

func (s *MemoryStore) GetMessages(ctx context.Context, chatID string, limit, offset int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[chatID]
	if offset >= len(msgs) {
		return nil, nil
	}
	msgs = msgs[offset:]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return append([]Message(nil), msgs...), nil
}

func (s *MemoryStore) AddUsage(ctx context.Context, chatID string, cost float64, inputTokens, outputTokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return fmt.Errorf("add usage: %w: %s", ErrNotFound, chatID)
	}
	c.TotalCost += cost
	c.InputTokens += inputTokens
	c.OutputTokens += outputTokens
	c.LastActiveAt = time.Now()
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
