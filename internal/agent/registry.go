package agent

import (
	"errors"
	"sort"
	"sync"
)

// ErrChatInUse is returned when a chat already has a live connection.
var ErrChatInUse = errors.New("chat is open in another connection")

// Registry tracks the live sessions of a server. A chat has at most one
// session at a time since the conversation log has a single writer.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	// reserved holds chats claimed by a connection whose session is still
	// opening, keyed to the claim's token.
	reserved map[string]uint64
	nextTok  uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		reserved: make(map[string]uint64),
	}
}

// Reserve claims chatID before its session is opened. The returned release
// drops the claim if Add has not replaced it with a session yet. It is safe
// to call more than once.
func (r *Registry) Reserve(chatID string) (release func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[chatID]; ok {
		return nil, ErrChatInUse
	}
	if _, ok := r.reserved[chatID]; ok {
		return nil, ErrChatInUse
	}
	r.nextTok++
	tok := r.nextTok
	r.reserved[chatID] = tok
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.reserved[chatID]; ok && cur == tok {
			delete(r.reserved, chatID)
		}
	}, nil
}

// Add registers s under its chat id, taking over a reservation of it.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.chatID]; ok {
		return ErrChatInUse
	}
	delete(r.reserved, s.chatID)
	r.sessions[s.chatID] = s
	return nil
}

// Remove unregisters s. A different session registered under the same id
// is left alone.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.chatID]; ok && cur == s {
		delete(r.sessions, s.chatID)
	}
}

// Get returns the live session of chatID.
func (r *Registry) Get(chatID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[chatID]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ChatIDs returns the chat ids with a live session, sorted.
func (r *Registry) ChatIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll closes every live session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	clear(r.sessions)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
