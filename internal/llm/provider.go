package llm

import (
	"context"
	"io"
	"sync"
)

// Provider streams model output events for a request.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Capabilities describe optional provider features.
type Capabilities struct {
	// NativeToolCalls is false for backends that cannot reliably stream
	// structured tool calls. The engine then sniffs plain text for a JSON
	// tool call instead.
	NativeToolCalls bool
	Vision          bool
}

// Stream yields events until io.EOF.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Request represents a single model call.
type Request struct {
	Model             string
	Messages          []Message
	Tools             []ToolSpec
	ParallelToolCalls bool
	MaxOutputTokens   int
	Temperature       float32
}

// chooseModel prefers the per-request model over the provider default.
func chooseModel(requested, fallback string) string {
	if requested != "" {
		return requested
	}
	return fallback
}

// eventStream adapts a producer goroutine to the Stream interface.
type eventStream struct {
	events <-chan Event
	cancel context.CancelFunc
	once   sync.Once
}

// newEventStream runs produce in a goroutine. A non-nil error from produce
// is delivered as a final EventError. The channel is closed when produce
// returns, which Recv reports as io.EOF.
func newEventStream(ctx context.Context, produce func(ctx context.Context, events chan<- Event) error) *eventStream {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		if err := produce(ctx, ch); err != nil {
			select {
			case ch <- Event{Type: EventError, Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return &eventStream{events: ch, cancel: cancel}
}

func (s *eventStream) Recv() (Event, error) {
	ev, ok := <-s.events
	if !ok {
		return Event{}, io.EOF
	}
	return ev, nil
}

// Close cancels the producer and drains whatever it still sends so the
// goroutine can exit.
func (s *eventStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		go func() {
			for range s.events {
			}
		}()
	})
	return nil
}
