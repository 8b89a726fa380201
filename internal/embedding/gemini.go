package embedding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/genai"
)

const (
	geminiDefaultModel = "gemini-embedding-001"
	geminiEmbedTimeout = 2 * time.Minute
)

// GeminiProvider embeds through the Gemini API. Facts and queries are
// embedded with their own task types, which Gemini tunes for retrieval.
type GeminiProvider struct {
	apiKey string
	model  string

	mu     sync.Mutex
	client *genai.Client
}

func NewGeminiProvider(apiKey string) *GeminiProvider {
	return &GeminiProvider{apiKey: apiKey, model: geminiDefaultModel}
}

func (p *GeminiProvider) Name() string         { return "Gemini" }
func (p *GeminiProvider) DefaultModel() string { return p.model }

// getClient creates the API client on first use and reuses it after.
func (p *GeminiProvider) getClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("Gemini client error: %w", err)
	}
	p.client = client
	return client, nil
}

func (p *GeminiProvider) Embed(ctx context.Context, req EmbedRequest) (*EmbeddingResult, error) {
	ctx, cancel := context.WithTimeout(ctx, geminiEmbedTimeout)
	defer cancel()

	client, err := p.getClient(ctx)
	if err != nil {
		return nil, err
	}

	contents := make([]*genai.Content, len(req.Texts))
	for i, text := range req.Texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	model := req.model(p.model)
	resp, err := client.Models.EmbedContent(ctx, model, contents, geminiEmbedConfig(req))
	if err != nil {
		return nil, fmt.Errorf("Gemini embedding API error: %w", err)
	}

	vectors := make([][]float64, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		vec := make([]float64, len(emb.Values))
		for j, v := range emb.Values {
			vec[j] = float64(v)
		}
		vectors[i] = vec
	}
	return newResult(p.Name(), model, req.Texts, vectors)
}

func geminiEmbedConfig(req EmbedRequest) *genai.EmbedContentConfig {
	if req.TaskType == "" && req.Dimensions <= 0 {
		return nil
	}
	cfg := &genai.EmbedContentConfig{TaskType: req.TaskType}
	if req.Dimensions > 0 {
		dim := int32(req.Dimensions)
		cfg.OutputDimensionality = &dim
	}
	return cfg
}
