package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	ollamaDefaultModel = "nomic-embed-text"
	ollamaEmbedTimeout = 2 * time.Minute
)

// OllamaProvider embeds through a local Ollama server's native API.
type OllamaProvider struct {
	baseURL string
	model   string
	http    *http.Client
}

func NewOllamaProvider(baseURL string) *OllamaProvider {
	return &OllamaProvider{
		baseURL: baseURL,
		model:   ollamaDefaultModel,
		http:    &http.Client{Timeout: ollamaEmbedTimeout},
	}
}

func (p *OllamaProvider) Name() string         { return "Ollama" }
func (p *OllamaProvider) DefaultModel() string { return p.model }

type ollamaEmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

func (p *OllamaProvider) Embed(ctx context.Context, req EmbedRequest) (*EmbeddingResult, error) {
	model := req.model(p.model)
	body, err := json.Marshal(ollamaEmbedRequest{
		Model:      model,
		Input:      withTaskPrefix(model, req.TaskType, req.Texts),
		Dimensions: req.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Ollama request failed (is Ollama running at %s?): %w", p.baseURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var parsed ollamaEmbedResponse
	jsonErr := json.Unmarshal(raw, &parsed)
	if resp.StatusCode != http.StatusOK {
		if jsonErr == nil && parsed.Error != "" {
			return nil, fmt.Errorf("Ollama API error (status %d): %s", resp.StatusCode, parsed.Error)
		}
		return nil, fmt.Errorf("Ollama API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if jsonErr != nil {
		return nil, fmt.Errorf("failed to parse response: %w", jsonErr)
	}

	if parsed.Model != "" {
		model = parsed.Model
	}
	return newResult(p.Name(), model, req.Texts, parsed.Embeddings)
}

// withTaskPrefix applies the input prefixes nomic embedding models are
// trained with. Other models get the texts unchanged.
func withTaskPrefix(model, task string, texts []string) []string {
	if !strings.HasPrefix(model, "nomic-embed") {
		return texts
	}
	var prefix string
	switch task {
	case TaskDocument:
		prefix = "search_document: "
	case TaskQuery:
		prefix = "search_query: "
	default:
		return texts
	}
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = prefix + t
	}
	return out
}
