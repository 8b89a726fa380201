package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Tool is a server-executed tool.
type Tool interface {
	Spec() ToolSpec
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Venue says where a tool call runs. The set of venues is closed:
// ServerVenue, ClientVenue and FlowVenue.
type Venue interface {
	venue()
}

// ServerVenue tools run in-process.
type ServerVenue struct {
	Tool Tool
}

// ClientVenue tools are shipped to the connected peer, which replies with
// a tool_result.
type ClientVenue struct{}

// FlowKind names a flow-control signal.
type FlowKind string

const (
	FlowAskUser   FlowKind = "ask_user"
	FlowTerminate FlowKind = "terminate"
)

// FlowVenue tools have no side effect; they end the turn with a signal.
type FlowVenue struct {
	Kind FlowKind
}

func (ServerVenue) venue() {}
func (ClientVenue) venue() {}
func (FlowVenue) venue()   {}

type registryEntry struct {
	spec  ToolSpec
	venue Venue
}

// ToolRegistry maps tool names to their schema and venue.
type ToolRegistry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
	order   []string
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{entries: make(map[string]registryEntry)}
}

// Register adds a server tool.
func (r *ToolRegistry) Register(tool Tool) {
	r.add(tool.Spec(), ServerVenue{Tool: tool})
}

// RegisterClient adds a tool executed by the connected client.
func (r *ToolRegistry) RegisterClient(spec ToolSpec) {
	r.add(spec, ClientVenue{})
}

// RegisterFlow adds a flow-control tool.
func (r *ToolRegistry) RegisterFlow(spec ToolSpec, kind FlowKind) {
	r.add(spec, FlowVenue{Kind: kind})
}

func (r *ToolRegistry) add(spec ToolSpec, venue Venue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[spec.Name]; !exists {
		r.order = append(r.order, spec.Name)
	}
	r.entries[spec.Name] = registryEntry{spec: spec, venue: venue}
}

// Unregister removes a tool.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return
	}
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Lookup returns the venue for a tool name.
func (r *ToolRegistry) Lookup(name string) (Venue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	return entry.venue, ok
}

// Get returns the server tool registered under name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	venue, ok := r.Lookup(name)
	if !ok {
		return nil, false
	}
	server, ok := venue.(ServerVenue)
	if !ok {
		return nil, false
	}
	return server.Tool, true
}

// Has reports whether a tool is registered.
func (r *ToolRegistry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// AllSpecs returns the specs for all registered tools in registration order.
func (r *ToolRegistry) AllSpecs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.entries[name].spec)
	}
	return specs
}

// Names returns registered tool names in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// VenueName is a short label for logs and metrics.
func VenueName(v Venue) string {
	switch v := v.(type) {
	case ServerVenue:
		return "server"
	case ClientVenue:
		return "client"
	case FlowVenue:
		return "flow:" + string(v.Kind)
	default:
		return fmt.Sprintf("%T", v)
	}
}
