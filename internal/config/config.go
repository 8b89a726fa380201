package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider names used for credentials and model routing.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderGroq      = "groq"
	ProviderOllama    = "ollama"
	ProviderTavily    = "tavily"
)

// providerEnvVars lists the environment variables consulted, in order, when
// no key is configured for a provider.
var providerEnvVars = map[string][]string{
	ProviderOpenAI:    {"OPENAI_API_KEY"},
	ProviderAnthropic: {"ANTHROPIC_API_KEY"},
	ProviderGemini:    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	ProviderGroq:      {"GROQ_API_KEY"},
	ProviderOllama:    {"OLLAMA_API_KEY"},
	ProviderTavily:    {"TAVILY_API_KEY"},
}

type Config struct {
	DefaultModel string                    `mapstructure:"default_model" yaml:"default_model"`
	Providers    map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
	Ollama       OllamaConfig              `mapstructure:"ollama" yaml:"ollama"`
	Server       ServerConfig              `mapstructure:"server" yaml:"server"`
	Agent        AgentConfig               `mapstructure:"agent" yaml:"agent"`
	Tools        ToolsConfig               `mapstructure:"tools" yaml:"tools"`
	Memory       MemoryConfig              `mapstructure:"memory" yaml:"memory"`
	Storage      StorageConfig             `mapstructure:"storage" yaml:"storage"`
	MCP          MCPConfig                 `mapstructure:"mcp" yaml:"mcp"`
	Logging      LoggingConfig             `mapstructure:"logging" yaml:"logging"`
}

// ProviderConfig holds credentials for one model provider.
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url,omitempty"`
}

// OllamaConfig configures the local Ollama server (OpenAI-compatible)
type OllamaConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"` // Default: http://localhost:11434/v1
}

type ServerConfig struct {
	Host  string `mapstructure:"host" yaml:"host"`
	Port  int    `mapstructure:"port" yaml:"port"`
	Token string `mapstructure:"token" yaml:"token,omitempty"` // Optional bearer token
	// MessagesPerSecond limits inbound WebSocket messages per connection.
	MessagesPerSecond float64 `mapstructure:"messages_per_second" yaml:"messages_per_second"`
	MessageBurst      int     `mapstructure:"message_burst" yaml:"message_burst"`
}

type AgentConfig struct {
	MaxSteps        int           `mapstructure:"max_steps" yaml:"max_steps"`
	QuestionTimeout time.Duration `mapstructure:"question_timeout" yaml:"question_timeout"`
	SystemPrompt    string        `mapstructure:"system_prompt" yaml:"system_prompt,omitempty"`
}

type ToolsConfig struct {
	Search  SearchConfig  `mapstructure:"search" yaml:"search"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
}

type SearchConfig struct {
	MaxWords int `mapstructure:"max_words" yaml:"max_words"`
}

// BrowserConfig enables the browser_user tool. It is off by default since it
// needs a local Chrome.
type BrowserConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Model    string `mapstructure:"model" yaml:"model,omitempty"`
	MaxSteps int    `mapstructure:"max_steps" yaml:"max_steps"`
	Headless bool   `mapstructure:"headless" yaml:"headless"`
}

type MemoryConfig struct {
	Path           string `mapstructure:"path" yaml:"path,omitempty"`
	EmbeddingModel string `mapstructure:"embedding_model" yaml:"embedding_model,omitempty"` // Empty disables vector search
}

type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path,omitempty"` // Default: $XDG_DATA_HOME/nohup/chats.db
}

type MCPConfig struct {
	Servers map[string]MCPServerConfig `mapstructure:"servers" yaml:"servers,omitempty"`
}

// MCPServerConfig describes one MCP server. Command-based servers run over
// stdio; URL-based servers use streamable HTTP.
type MCPServerConfig struct {
	Command string            `mapstructure:"command" yaml:"command,omitempty"`
	Args    []string          `mapstructure:"args" yaml:"args,omitempty"`
	Env     map[string]string `mapstructure:"env" yaml:"env,omitempty"`
	URL     string            `mapstructure:"url" yaml:"url,omitempty"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // text or json
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("default_model", "gpt-4.1-mini")
	v.SetDefault("ollama.base_url", "http://localhost:11434/v1")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.messages_per_second", 20.0)
	v.SetDefault("server.message_burst", 40)
	v.SetDefault("agent.max_steps", 50)
	v.SetDefault("agent.question_timeout", 300*time.Second)
	v.SetDefault("tools.search.max_words", 1000)
	v.SetDefault("tools.browser.max_steps", 25)
	v.SetDefault("tools.browser.headless", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads the config file from the XDG config dir (or the working
// directory). A missing file is not an error.
func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	return LoadFrom(v)
}

// LoadFile reads a specific config file.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return LoadFrom(v)
}

// LoadFrom applies defaults, reads the config file v points at and resolves
// ${VAR} references.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("NOHUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.resolve()
	return &cfg, nil
}

func (c *Config) resolve() {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for name, p := range c.Providers {
		p.APIKey = expandEnv(p.APIKey)
		p.BaseURL = expandEnv(p.BaseURL)
		c.Providers[name] = p
	}
	c.Ollama.BaseURL = expandEnv(c.Ollama.BaseURL)
	c.Server.Token = expandEnv(c.Server.Token)
	for name, s := range c.MCP.Servers {
		for k, val := range s.Env {
			s.Env[k] = expandEnv(val)
		}
		for k, val := range s.Headers {
			s.Headers[k] = expandEnv(val)
		}
		c.MCP.Servers[name] = s
	}
}

// APIKey returns the configured key for provider, falling back to the
// provider's environment variables.
func (c *Config) APIKey(provider string) string {
	if p, ok := c.Providers[provider]; ok && p.APIKey != "" {
		return p.APIKey
	}
	for _, env := range providerEnvVars[provider] {
		if key := os.Getenv(env); key != "" {
			return key
		}
	}
	return ""
}

// BaseURL returns the configured base URL override for provider, if any.
func (c *Config) BaseURL(provider string) string {
	if provider == ProviderOllama && c.Ollama.BaseURL != "" {
		return c.Ollama.BaseURL
	}
	return c.Providers[provider].BaseURL
}

// Addr returns host:port for the HTTP listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ChatsDBPath returns the sqlite path for chat history.
func (c *Config) ChatsDBPath() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	dir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "chats.db"), nil
}

// MemoryDBPath returns the sqlite path for long-term memory.
func (c *Config) MemoryDBPath() (string, error) {
	if c.Memory.Path != "" {
		return c.Memory.Path, nil
	}
	dir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "memory.db"), nil
}

// expandEnv expands ${VAR} or $VAR in a string
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		varName := s[2 : len(s)-1]
		return os.Getenv(varName)
	}
	if strings.HasPrefix(s, "$") {
		return os.Getenv(s[1:])
	}
	return s
}

// GetConfigDir returns the XDG config directory for nohup.
// Uses $XDG_CONFIG_HOME if set, otherwise ~/.config
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, "nohup"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "nohup"), nil
}

// GetConfigPath returns the path where the config file should be located
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// GetDataDir returns the XDG data directory for nohup.
// Uses $XDG_DATA_HOME if set, otherwise ~/.local/share
func GetDataDir() (string, error) {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "nohup"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".local", "share", "nohup"), nil
}

// Exists returns true if a config file exists
func Exists() bool {
	path, err := GetConfigPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// StarterConfig is written by `nohup config init`.
const StarterConfig = `default_model: gpt-4.1-mini

providers:
  openai:
    api_key: ${OPENAI_API_KEY}
  anthropic:
    api_key: ${ANTHROPIC_API_KEY}
  # gemini:
  #   api_key: ${GEMINI_API_KEY}
  # groq:
  #   api_key: ${GROQ_API_KEY}
  # tavily:
  #   api_key: ${TAVILY_API_KEY}

ollama:
  base_url: http://localhost:11434/v1

server:
  host: 127.0.0.1
  port: 8000
  # token: ${NOHUP_TOKEN}

agent:
  max_steps: 50
  question_timeout: 300s

tools:
  search:
    max_words: 1000
  browser:
    enabled: false

# memory:
#   embedding_model: text-embedding-3-small

# mcp:
#   servers:
#     filesystem:
#       command: npx
#       args: ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]

logging:
  level: info
  format: text
`

// WriteStarter writes StarterConfig to path unless a file already exists.
func WriteStarter(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, []byte(StarterConfig), 0600)
}
