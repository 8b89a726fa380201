package llm

import (
	"fmt"
	"strings"

	"github.com/samsaffron/nohup/internal/config"
)

const groqBaseURL = "https://api.groq.com/openai/v1"

// ParseProviderModel maps a model name to the provider that serves it and
// the model id that provider expects. Explicit "provider/" prefixes are
// stripped; bare names are routed by their family prefix.
func ParseProviderModel(model string) (provider, name string, err error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", "", fmt.Errorf("empty model name")
	}

	if prefix, rest, ok := strings.Cut(model, "/"); ok {
		switch prefix {
		case config.ProviderOpenAI, config.ProviderAnthropic, config.ProviderGemini,
			config.ProviderGroq, config.ProviderOllama:
			if rest == "" {
				return "", "", fmt.Errorf("missing model after %q", prefix+"/")
			}
			return prefix, rest, nil
		}
	}

	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-"),
		strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"),
		strings.HasPrefix(lower, "o4"),
		strings.HasPrefix(lower, "chatgpt-"):
		return config.ProviderOpenAI, model, nil
	case strings.HasPrefix(lower, "claude-"):
		return config.ProviderAnthropic, model, nil
	case strings.HasPrefix(lower, "gemini-"):
		return config.ProviderGemini, model, nil
	}
	return "", "", fmt.Errorf("unknown model %q: use a provider prefix such as openai/, anthropic/, gemini/, groq/ or ollama/", model)
}

// NewProviderForModel builds a provider for model. keys holds per-session
// credentials keyed by provider name; they take precedence over cfg.
// Providers are wrapped with automatic retry for rate limits (429) and
// transient errors.
func NewProviderForModel(cfg *config.Config, model string, keys map[string]string) (Provider, error) {
	providerName, name, err := ParseProviderModel(model)
	if err != nil {
		return nil, err
	}

	apiKey := keys[providerName]
	if apiKey == "" && cfg != nil {
		apiKey = cfg.APIKey(providerName)
	}
	baseURL := ""
	if cfg != nil {
		baseURL = cfg.BaseURL(providerName)
	}
	if apiKey == "" && providerName != config.ProviderOllama {
		return nil, fmt.Errorf("no API key configured for %s", providerName)
	}

	var provider Provider
	switch providerName {
	case config.ProviderOpenAI:
		provider = NewOpenAIProvider(apiKey, baseURL, name)
	case config.ProviderAnthropic:
		provider = NewAnthropicProvider(apiKey, baseURL, name)
	case config.ProviderGemini:
		provider = NewGeminiProvider(apiKey, name)
	case config.ProviderGroq:
		if baseURL == "" {
			baseURL = groqBaseURL
		}
		provider = NewOpenAICompatProvider(baseURL, apiKey, name, "Groq")
	case config.ProviderOllama:
		if baseURL == "" {
			baseURL = "http://localhost:11434/v1"
		}
		provider = NewOpenAICompatProvider(baseURL, apiKey, name, "Ollama").WithoutNativeTools()
	default:
		return nil, fmt.Errorf("unsupported provider %q", providerName)
	}
	return WrapWithRetry(provider, DefaultRetryConfig()), nil
}

// APIModelName returns the id sent to the provider for model, or model
// itself when it cannot be parsed.
func APIModelName(model string) string {
	if _, name, err := ParseProviderModel(model); err == nil {
		return name
	}
	return model
}
