package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

const (
	openaiDefaultModel = "text-embedding-3-small"
	openaiEmbedTimeout = 2 * time.Minute
)

// OpenAIProvider embeds through the OpenAI embeddings API or any endpoint
// that speaks it. OpenAI models are symmetric, so the task type is unused.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	model   string
}

func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{apiKey: apiKey, model: openaiDefaultModel}
}

// WithBaseURL points the provider at an OpenAI-compatible endpoint.
func (p *OpenAIProvider) WithBaseURL(url string) *OpenAIProvider {
	p.baseURL = url
	return p
}

func (p *OpenAIProvider) Name() string         { return "OpenAI" }
func (p *OpenAIProvider) DefaultModel() string { return p.model }

func (p *OpenAIProvider) Embed(ctx context.Context, req EmbedRequest) (*EmbeddingResult, error) {
	opts := []option.RequestOption{option.WithAPIKey(p.apiKey)}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL))
	}
	client := openai.NewClient(opts...)

	params := openai.EmbeddingNewParams{
		Model:          req.model(p.model),
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: req.Texts},
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if req.Dimensions > 0 {
		params.Dimensions = param.NewOpt(int64(req.Dimensions))
	}

	ctx, cancel := context.WithTimeout(ctx, openaiEmbedTimeout)
	defer cancel()
	resp, err := client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("OpenAI embedding API error: %w", err)
	}

	// Data may arrive out of order; Index ties each vector to its text.
	vectors := make([][]float64, len(resp.Data))
	for _, emb := range resp.Data {
		i := int(emb.Index)
		if i < 0 || i >= len(vectors) {
			return nil, fmt.Errorf("OpenAI returned embedding index %d for %d texts", i, len(req.Texts))
		}
		vectors[i] = emb.Embedding
	}
	res, err := newResult(p.Name(), resp.Model, req.Texts, vectors)
	if err != nil {
		return nil, err
	}
	if resp.Usage.PromptTokens > 0 || resp.Usage.TotalTokens > 0 {
		res.Usage = &UsageInfo{PromptTokens: resp.Usage.PromptTokens, TotalTokens: resp.Usage.TotalTokens}
	}
	return res, nil
}
