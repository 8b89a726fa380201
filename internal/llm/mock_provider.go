package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// MockTurn scripts one model response.
type MockTurn struct {
	Text      string
	ToolCalls []ToolCall
	// Finish overrides the finish reason. It defaults to tool_calls when
	// ToolCalls is set and stop otherwise.
	Finish FinishReason
	Usage  Usage
	Err    error
	Delay  time.Duration
	// Events, when set, are sent verbatim instead of being derived from the
	// fields above.
	Events []Event
}

// MockProvider replays scripted turns. It is safe for concurrent use and
// records every request it receives.
type MockProvider struct {
	mu       sync.Mutex
	name     string
	caps     Capabilities
	turns    []MockTurn
	index    int
	Requests []Request
}

// NewMockProvider creates a mock provider with native tool calls enabled.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name, caps: Capabilities{NativeToolCalls: true}}
}

// WithCapabilities overrides the reported capabilities.
func (p *MockProvider) WithCapabilities(caps Capabilities) *MockProvider {
	p.caps = caps
	return p
}

func (p *MockProvider) Name() string {
	return p.name
}

func (p *MockProvider) Capabilities() Capabilities {
	return p.caps
}

// AddTurn appends a scripted turn.
func (p *MockProvider) AddTurn(turn MockTurn) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns = append(p.turns, turn)
	return p
}

// AddTextResponse scripts a plain text answer.
func (p *MockProvider) AddTextResponse(text string) *MockProvider {
	return p.AddTurn(MockTurn{Text: text})
}

// AddToolCall scripts a single tool call. args is marshalled to JSON.
func (p *MockProvider) AddToolCall(id, name string, args any) *MockProvider {
	raw, err := json.Marshal(args)
	if err != nil {
		raw = []byte("{}")
	}
	return p.AddTurn(MockTurn{ToolCalls: []ToolCall{{ID: id, Name: name, Arguments: raw}}})
}

// AddError scripts a stream that fails with err.
func (p *MockProvider) AddError(err error) *MockProvider {
	return p.AddTurn(MockTurn{Err: err})
}

// CurrentTurn returns the index of the next turn to replay.
func (p *MockProvider) CurrentTurn() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index
}

// RequestCount returns the number of Stream calls so far.
func (p *MockProvider) RequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}

// Reset rewinds the script and forgets recorded requests.
func (p *MockProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.index = 0
	p.Requests = nil
}

func (p *MockProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	if p.index >= len(p.turns) {
		return nil, fmt.Errorf("mock provider %s: no scripted turn %d", p.name, p.index)
	}
	turn := p.turns[p.index]
	p.index++
	return &mockStream{ctx: ctx, events: turn.events(), delay: turn.Delay}, nil
}

func (t MockTurn) events() []Event {
	if t.Events != nil {
		return t.Events
	}
	var events []Event
	for _, chunk := range chunkText(t.Text, 16) {
		events = append(events, Event{Type: EventTextDelta, Text: chunk})
	}
	if t.Err != nil {
		return append(events, Event{Type: EventError, Err: t.Err})
	}
	for i, call := range t.ToolCalls {
		events = append(events, Event{Type: EventToolCallDelta, ToolDelta: &ToolCallDelta{
			Index:     i,
			ID:        call.ID,
			Name:      call.Name,
			Arguments: string(call.Arguments),
		}})
	}
	finish := t.Finish
	if finish == "" {
		finish = FinishStop
		if len(t.ToolCalls) > 0 {
			finish = FinishToolCalls
		}
	}
	usage := t.Usage
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		usage = Usage{InputTokens: 10, OutputTokens: EstimateTokens(t.Text)}
	}
	return append(events,
		Event{Type: EventFinish, FinishReason: finish},
		Event{Type: EventUsage, Use: &usage},
	)
}

type mockStream struct {
	ctx     context.Context
	events  []Event
	delay   time.Duration
	index   int
	started bool
}

func (s *mockStream) Recv() (Event, error) {
	if !s.started {
		s.started = true
		if s.delay > 0 {
			select {
			case <-s.ctx.Done():
				return Event{}, s.ctx.Err()
			case <-time.After(s.delay):
			}
		}
	}
	if err := s.ctx.Err(); err != nil {
		return Event{}, err
	}
	if s.index >= len(s.events) {
		return Event{}, io.EOF
	}
	ev := s.events[s.index]
	s.index++
	return ev, nil
}

func (s *mockStream) Close() error {
	return nil
}

// chunkText splits text into rune-safe chunks of at most size bytes.
func chunkText(text string, size int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	start := 0
	for i := range text {
		if i-start >= size {
			chunks = append(chunks, text[start:i])
			start = i
		}
	}
	return append(chunks, text[start:])
}
