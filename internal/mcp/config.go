package mcp

import (
	"fmt"
	"sort"

	"github.com/samsaffron/nohup/internal/config"
)

// ServerConfig describes one MCP server.
// Supports both stdio transport (Command/Args) and HTTP transport (URL).
type ServerConfig struct {
	// Stdio transport fields
	Command string
	Args    []string

	// HTTP transport fields
	URL     string
	Headers map[string]string

	// Shared fields
	Env map[string]string
}

// TransportType returns the effective transport type for this server.
func (c *ServerConfig) TransportType() string {
	if c.URL != "" {
		return "http"
	}
	return "stdio"
}

// Validate checks that the server configuration is valid.
func (c *ServerConfig) Validate() error {
	if c.URL != "" && c.Command != "" {
		return fmt.Errorf("cannot specify both url and command")
	}
	if c.URL == "" && c.Command == "" {
		return fmt.Errorf("either command or url is required")
	}
	return nil
}

// ServersFromConfig converts the mcp section of the application config.
func ServersFromConfig(cfg config.MCPConfig) map[string]ServerConfig {
	servers := make(map[string]ServerConfig, len(cfg.Servers))
	for name, s := range cfg.Servers {
		servers[name] = ServerConfig{
			Command: s.Command,
			Args:    s.Args,
			URL:     s.URL,
			Headers: s.Headers,
			Env:     s.Env,
		}
	}
	return servers
}

// serverNames returns a sorted list of configured server names.
func serverNames(servers map[string]ServerConfig) []string {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
