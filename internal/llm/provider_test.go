package llm

import (
	"testing"

	"github.com/samsaffron/nohup/internal/config"
)

func TestParseProviderModel(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantProvider string
		wantModel    string
		wantErr      bool
	}{
		{name: "gpt family", input: "gpt-4.1-mini", wantProvider: "openai", wantModel: "gpt-4.1-mini"},
		{name: "o-series", input: "o3-mini", wantProvider: "openai", wantModel: "o3-mini"},
		{name: "openai prefix", input: "openai/gpt-4o", wantProvider: "openai", wantModel: "gpt-4o"},
		{name: "claude family", input: "claude-sonnet-4-5", wantProvider: "anthropic", wantModel: "claude-sonnet-4-5"},
		{name: "anthropic prefix", input: "anthropic/claude-3-5-haiku", wantProvider: "anthropic", wantModel: "claude-3-5-haiku"},
		{name: "gemini family", input: "gemini-2.5-flash", wantProvider: "gemini", wantModel: "gemini-2.5-flash"},
		{name: "gemini prefix", input: "gemini/gemini-2.5-pro", wantProvider: "gemini", wantModel: "gemini-2.5-pro"},
		{name: "groq", input: "groq/llama-3.3-70b-versatile", wantProvider: "groq", wantModel: "llama-3.3-70b-versatile"},
		{name: "ollama keeps tag", input: "ollama/qwen2.5:7b", wantProvider: "ollama", wantModel: "qwen2.5:7b"},
		{name: "unknown family", input: "mistral-large", wantErr: true},
		{name: "empty", input: "  ", wantErr: true},
		{name: "prefix without model", input: "groq/", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			provider, model, err := ParseProviderModel(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if provider != tc.wantProvider {
				t.Fatalf("provider=%q, want %q", provider, tc.wantProvider)
			}
			if model != tc.wantModel {
				t.Fatalf("model=%q, want %q", model, tc.wantModel)
			}
		})
	}
}

func TestNewProviderForModel_SessionKeysWin(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg := &config.Config{}

	if _, err := NewProviderForModel(cfg, "claude-sonnet-4-5", nil); err == nil {
		t.Fatal("expected missing key error")
	}

	p, err := NewProviderForModel(cfg, "claude-sonnet-4-5", map[string]string{"anthropic": "sk-session"})
	if err != nil {
		t.Fatalf("NewProviderForModel() error = %v", err)
	}
	if !p.Capabilities().NativeToolCalls {
		t.Error("anthropic should report native tool calls")
	}
}

func TestNewProviderForModel_OllamaNeedsNoKey(t *testing.T) {
	cfg := &config.Config{Ollama: config.OllamaConfig{BaseURL: "http://127.0.0.1:1/v1"}}

	p, err := NewProviderForModel(cfg, "ollama/llama3", nil)
	if err != nil {
		t.Fatalf("NewProviderForModel() error = %v", err)
	}
	if p.Capabilities().NativeToolCalls {
		t.Error("ollama should fall back to JSON tool calls")
	}
	if got := p.Name(); got != "Ollama (llama3)" {
		t.Errorf("Name() = %q, want %q", got, "Ollama (llama3)")
	}
}

func TestAPIModelName(t *testing.T) {
	if got := APIModelName("groq/llama3"); got != "llama3" {
		t.Errorf("APIModelName(groq/llama3) = %q", got)
	}
	if got := APIModelName("weird"); got != "weird" {
		t.Errorf("APIModelName(weird) = %q", got)
	}
}
