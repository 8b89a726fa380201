package embedding

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/samsaffron/nohup/internal/config"
)

// EmbeddingResult contains the embeddings and metadata from an API call
type EmbeddingResult struct {
	Model      string      `json:"model"`
	Dimensions int         `json:"dimensions"`
	Embeddings []Embedding `json:"embeddings"`
	Usage      *UsageInfo  `json:"usage,omitempty"`
}

// Embedding holds a single text's embedding vector
type Embedding struct {
	Text   string    `json:"text"`
	Index  int       `json:"index"`
	Vector []float64 `json:"vector"`
}

// UsageInfo contains token usage information
type UsageInfo struct {
	PromptTokens int64 `json:"prompt_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Task types tell a provider which side of a retrieval a text is on.
const (
	TaskDocument = "RETRIEVAL_DOCUMENT"
	TaskQuery    = "RETRIEVAL_QUERY"
)

// EmbedRequest contains parameters for generating embeddings
type EmbedRequest struct {
	Texts      []string // Input texts to embed
	Model      string   // Model override (empty = provider default)
	Dimensions int      // Custom dimensions (0 = model default)
	TaskType   string   // TaskDocument, TaskQuery or empty
}

func (r EmbedRequest) model(fallback string) string {
	if r.Model != "" {
		return r.Model
	}
	return fallback
}

// newResult pairs vectors with their texts. A provider that returns a
// different number of vectors, an empty one, or vectors of mixed width
// yields an error, since stored vectors must be comparable.
func newResult(provider, model string, texts []string, vectors [][]float64) (*EmbeddingResult, error) {
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%s returned %d embeddings for %d texts", provider, len(vectors), len(texts))
	}
	res := &EmbeddingResult{Model: model, Embeddings: make([]Embedding, len(vectors))}
	for i, vec := range vectors {
		if len(vec) == 0 {
			return nil, fmt.Errorf("%s returned an empty embedding for text %d", provider, i)
		}
		if i == 0 {
			res.Dimensions = len(vec)
		} else if len(vec) != res.Dimensions {
			return nil, fmt.Errorf("%s returned embeddings of mixed width (%d and %d)", provider, res.Dimensions, len(vec))
		}
		res.Embeddings[i] = Embedding{Text: texts[i], Index: i, Vector: vec}
	}
	return res, nil
}

// EmbeddingProvider is the interface for embedding providers
type EmbeddingProvider interface {
	// Name returns the provider name for display
	Name() string

	// DefaultModel returns the default embedding model for this provider
	DefaultModel() string

	// Embed generates embeddings for the given texts
	Embed(ctx context.Context, req EmbedRequest) (*EmbeddingResult, error)
}

// NewEmbeddingProvider creates the provider named by memory.embedding_model.
// The setting is "provider:model", "provider", or a bare OpenAI model name.
// An empty setting returns (nil, nil): vector search is off.
func NewEmbeddingProvider(cfg *config.Config) (EmbeddingProvider, error) {
	spec := strings.TrimSpace(cfg.Memory.EmbeddingModel)
	if spec == "" {
		return nil, nil
	}

	provider, model := parseProviderModel(spec)
	switch provider {
	case config.ProviderOpenAI:
		apiKey := cfg.APIKey(config.ProviderOpenAI)
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not configured. Set environment variable or add to providers.openai.api_key in config")
		}
		p := NewOpenAIProvider(apiKey).WithBaseURL(cfg.BaseURL(config.ProviderOpenAI))
		if model != "" {
			p.model = model
		}
		return p, nil

	case config.ProviderGemini:
		apiKey := cfg.APIKey(config.ProviderGemini)
		if apiKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY not configured. Set environment variable or add to providers.gemini.api_key in config")
		}
		p := NewGeminiProvider(apiKey)
		if model != "" {
			p.model = model
		}
		return p, nil

	case config.ProviderOllama:
		p := NewOllamaProvider(ollamaNativeURL(cfg.Ollama.BaseURL))
		if model != "" {
			p.model = model
		}
		return p, nil

	default:
		return nil, fmt.Errorf("unknown embedding provider: %s (valid: openai, gemini, ollama)", provider)
	}
}

// parseProviderModel parses "provider:model" or just "provider" from a string.
// Anything else is taken as an OpenAI model name.
func parseProviderModel(s string) (string, string) {
	parts := strings.SplitN(s, ":", 2)
	provider := parts[0]
	model := ""
	if len(parts) == 2 {
		model = parts[1]
	}
	switch provider {
	case config.ProviderOpenAI, config.ProviderGemini, config.ProviderOllama:
		return provider, model
	}
	if len(parts) == 2 {
		return provider, model
	}
	return config.ProviderOpenAI, s
}

// ollamaNativeURL turns the OpenAI-compatible base URL into the native API root.
func ollamaNativeURL(baseURL string) string {
	if baseURL == "" {
		return "http://localhost:11434"
	}
	return strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/v1")
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical direction.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dotProduct / denom
}
