package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samsaffron/nohup/internal/llm"
)

const defaultStartTimeout = 30 * time.Second

// ServerStatus represents the current state of an MCP server.
type ServerStatus string

const (
	StatusStopped  ServerStatus = "stopped"
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusFailed   ServerStatus = "failed"
)

// ServerState holds the state of a managed MCP server.
type ServerState struct {
	Name   string
	Status ServerStatus
	Error  error
	Client *Client
}

// Manager starts the configured MCP servers and exposes their tools as
// server-side tools.
type Manager struct {
	servers  map[string]ServerConfig
	statuses map[string]*ServerState
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewManager creates a manager for the given servers.
func NewManager(servers map[string]ServerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		servers:  servers,
		statuses: make(map[string]*ServerState),
		logger:   logger,
	}
}

// StartAll starts every configured server concurrently and waits until each
// is ready or has failed. A failed server is logged and skipped; its tools
// are simply absent.
func (m *Manager) StartAll(ctx context.Context, timeout time.Duration) {
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}
	var wg sync.WaitGroup
	for _, name := range serverNames(m.servers) {
		client := NewClient(name, m.servers[name])
		m.setState(&ServerState{Name: name, Status: StatusStarting, Client: client})

		wg.Add(1)
		go func() {
			defer wg.Done()
			m.start(ctx, client, timeout)
		}()
	}
	wg.Wait()
}

func (m *Manager) start(ctx context.Context, client *Client, timeout time.Duration) {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := client.Start(sctx)

	m.mu.Lock()
	state := m.statuses[client.Name()]
	if err != nil {
		state.Status = StatusFailed
		state.Error = err
	} else {
		state.Status = StatusReady
		state.Error = nil
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("mcp server failed to start", "server", client.Name(), "error", err)
		return
	}
	m.logger.Info("mcp server ready", "server", client.Name(),
		"tools", len(client.Tools()), "elapsed", time.Since(start))
}

func (m *Manager) setState(state *ServerState) {
	m.mu.Lock()
	m.statuses[state.Name] = state
	m.mu.Unlock()
}

// ServerStatus returns the current status of a server.
func (m *Manager) ServerStatus(name string) (ServerStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.statuses[name]
	if !ok {
		return StatusStopped, nil
	}
	return state.Status, state.Error
}

// StopAll stops all running MCP servers.
func (m *Manager) StopAll() {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.statuses))
	for _, s := range m.statuses {
		if s.Client != nil {
			clients = append(clients, s.Client)
		}
	}
	m.statuses = make(map[string]*ServerState)
	m.mu.Unlock()

	for _, c := range clients {
		if err := c.Stop(); err != nil {
			m.logger.Debug("mcp server stop failed", "server", c.Name(), "error", err)
		}
	}
}

// AllTools returns all tools from all running MCP servers, sorted by name.
// Tool names are prefixed with server name to avoid collisions.
func (m *Manager) AllTools() []ToolSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var allTools []ToolSpec
	for name, state := range m.statuses {
		if state.Status != StatusReady || state.Client == nil {
			continue
		}
		for _, tool := range state.Client.Tools() {
			allTools = append(allTools, ToolSpec{
				Name:        fmt.Sprintf("%s__%s", name, tool.Name),
				Description: fmt.Sprintf("[%s] %s", name, tool.Description),
				Schema:      tool.Schema,
			})
		}
	}
	sort.Slice(allTools, func(i, j int) bool { return allTools[i].Name < allTools[j].Name })
	return allTools
}

// Tools wraps AllTools as llm tools for the catalog.
func (m *Manager) Tools() []llm.Tool {
	specs := m.AllTools()
	tools := make([]llm.Tool, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, NewMCPTool(m, spec))
	}
	return tools
}

// CallTool routes a tool call to the appropriate MCP server.
// Tool names should be prefixed with "servername__".
func (m *Manager) CallTool(ctx context.Context, fullName string, args json.RawMessage) (string, error) {
	serverName, toolName := parseToolName(fullName)
	if serverName == "" {
		return "", fmt.Errorf("invalid MCP tool name: %s (expected servername__toolname)", fullName)
	}

	m.mu.RLock()
	state, ok := m.statuses[serverName]
	m.mu.RUnlock()

	if !ok || state.Status != StatusReady || state.Client == nil {
		return "", fmt.Errorf("MCP server %s is not running", serverName)
	}

	return state.Client.CallTool(ctx, toolName, args)
}

// parseToolName extracts server name and tool name from prefixed name.
func parseToolName(fullName string) (serverName, toolName string) {
	server, tool, ok := strings.Cut(fullName, "__")
	if !ok {
		return "", fullName
	}
	return server, tool
}

// States returns the current state of all servers, sorted by name.
func (m *Manager) States() []ServerState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make([]ServerState, 0, len(m.statuses))
	for _, state := range m.statuses {
		states = append(states, ServerState{
			Name:   state.Name,
			Status: state.Status,
			Error:  state.Error,
		})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}
