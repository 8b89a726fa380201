package usage

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	liteLLMPricingURL = "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json"
	pricingCacheTTL   = 6 * time.Hour
	tieredThreshold   = 200_000 // Token threshold for tiered pricing
)

// ModelPricing contains pricing information for a model
type ModelPricing struct {
	InputCostPerToken           float64 `json:"input_cost_per_token"`
	OutputCostPerToken          float64 `json:"output_cost_per_token"`
	CacheCreationInputTokenCost float64 `json:"cache_creation_input_token_cost"`
	CacheReadInputTokenCost     float64 `json:"cache_read_input_token_cost"`
	InputCostPerTokenAbove200k  float64 `json:"input_cost_per_token_above_200k_tokens"`
	OutputCostPerTokenAbove200k float64 `json:"output_cost_per_token_above_200k_tokens"`
	CacheCreationCostAbove200k  float64 `json:"cache_creation_input_token_cost_above_200k_tokens"`
	CacheReadCostAbove200k      float64 `json:"cache_read_input_token_cost_above_200k_tokens"`
}

// PricingFetcher fetches and caches model pricing from LiteLLM
type PricingFetcher struct {
	mu         sync.RWMutex
	cache      map[string]ModelPricing
	lastFetch  time.Time
	url        string
	cacheDir   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewPricingFetcher creates a pricing fetcher backed by the public LiteLLM
// table, cached on disk under the temp dir.
func NewPricingFetcher() *PricingFetcher {
	return NewPricingFetcherWith(liteLLMPricingURL, filepath.Join(os.TempDir(), "nohup-pricing"), nil)
}

// NewPricingFetcherWith creates a fetcher for a custom table URL and cache
// directory. A nil client gets a 30s timeout.
func NewPricingFetcherWith(url, cacheDir string, client *http.Client) *PricingFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cacheDir != "" {
		_ = os.MkdirAll(cacheDir, 0755)
	}
	return &PricingFetcher{
		cache:      make(map[string]ModelPricing),
		url:        url,
		cacheDir:   cacheDir,
		httpClient: client,
		logger:     slog.Default(),
	}
}

// SetLogger overrides the logger.
func (p *PricingFetcher) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// providerPrefixes are common prefixes to try when looking up model names
var providerPrefixes = []string{
	"",
	"anthropic/",
	"openai/",
	"gemini/",
	"groq/",
	"ollama/",
}

// GetPricing returns pricing for a model, fetching if necessary
func (p *PricingFetcher) GetPricing(modelName string) (ModelPricing, error) {
	if err := p.ensureLoaded(); err != nil {
		return ModelPricing{}, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if pricing, ok := p.cache[modelName]; ok {
		return pricing, nil
	}

	// "groq/llama3" is stored as-is, "openai/gpt-4o" as "gpt-4o".
	bare := modelName
	if _, rest, ok := strings.Cut(modelName, "/"); ok {
		bare = rest
	}
	for _, prefix := range providerPrefixes {
		if pricing, ok := p.cache[prefix+bare]; ok {
			return pricing, nil
		}
	}

	// Fall back to the longest key contained in the model name, so dated
	// snapshots ("gpt-4o-2024-08-06") find their family.
	lower := strings.ToLower(bare)
	var bestKey string
	for key := range p.cache {
		keyLower := strings.ToLower(key)
		if strings.Contains(lower, keyLower) && len(key) > len(bestKey) {
			bestKey = key
		}
	}
	if bestKey != "" {
		return p.cache[bestKey], nil
	}

	return ModelPricing{}, fmt.Errorf("pricing not found for model: %s", modelName)
}

// ensureLoaded ensures pricing data is loaded and fresh
func (p *PricingFetcher) ensureLoaded() error {
	p.mu.RLock()
	if len(p.cache) > 0 && time.Since(p.lastFetch) < pricingCacheTTL {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	return p.fetch()
}

// fetch retrieves pricing data from LiteLLM
func (p *PricingFetcher) fetch() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if len(p.cache) > 0 && time.Since(p.lastFetch) < pricingCacheTTL {
		return nil
	}

	var cacheFile string
	if p.cacheDir != "" {
		cacheFile = filepath.Join(p.cacheDir, "pricing.json")
		if info, err := os.Stat(cacheFile); err == nil && time.Since(info.ModTime()) < pricingCacheTTL {
			if data, err := os.ReadFile(cacheFile); err == nil {
				if err := p.parseData(data); err == nil {
					return nil
				}
			}
		}
	}

	data, err := p.download()
	if err != nil {
		// Try disk cache even if stale
		if cacheFile != "" {
			if stale, readErr := os.ReadFile(cacheFile); readErr == nil {
				if parseErr := p.parseData(stale); parseErr == nil {
					p.logger.Warn("using stale pricing cache", "error", err)
					return nil
				}
			}
		}
		return err
	}

	if err := p.parseData(data); err != nil {
		return err
	}
	if cacheFile != "" {
		if err := os.WriteFile(cacheFile, data, 0644); err != nil {
			p.logger.Debug("pricing cache not written", "error", err)
		}
	}
	return nil
}

func (p *PricingFetcher) download() ([]byte, error) {
	resp, err := p.httpClient.Get(p.url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pricing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch pricing: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing data: %w", err)
	}
	return data, nil
}

// parseData parses the LiteLLM pricing JSON
func (p *PricingFetcher) parseData(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse pricing JSON: %w", err)
	}

	newCache := make(map[string]ModelPricing)
	for key, value := range raw {
		var pricing ModelPricing
		if err := json.Unmarshal(value, &pricing); err != nil {
			continue // Skip invalid entries
		}
		newCache[key] = pricing
	}

	p.cache = newCache
	p.lastFetch = time.Now()
	return nil
}

// Cost prices one model call. inputTokens includes cachedTokens, which are
// billed at the cache-read rate when the table has one.
func (p *PricingFetcher) Cost(model string, inputTokens, outputTokens, cachedTokens int) (float64, error) {
	if cachedTokens > inputTokens {
		cachedTokens = inputTokens
	}
	return p.CalculateCost(UsageEntry{
		Model:           model,
		InputTokens:     inputTokens - cachedTokens,
		OutputTokens:    outputTokens,
		CacheReadTokens: cachedTokens,
	})
}

// CalculateCost calculates the cost for a usage entry
func (p *PricingFetcher) CalculateCost(entry UsageEntry) (float64, error) {
	if entry.Model == "" {
		return 0, nil
	}

	pricing, err := p.GetPricing(entry.Model)
	if err != nil {
		return 0, err
	}

	var cost float64

	cost += calculateTieredCost(
		entry.InputTokens,
		pricing.InputCostPerToken,
		pricing.InputCostPerTokenAbove200k,
	)
	cost += calculateTieredCost(
		entry.OutputTokens,
		pricing.OutputCostPerToken,
		pricing.OutputCostPerTokenAbove200k,
	)
	cost += calculateTieredCost(
		entry.CacheWriteTokens,
		pricing.CacheCreationInputTokenCost,
		pricing.CacheCreationCostAbove200k,
	)

	// Models without a cache-read rate bill cached tokens as regular input.
	readPrice, readTiered := pricing.CacheReadInputTokenCost, pricing.CacheReadCostAbove200k
	if readPrice == 0 {
		readPrice, readTiered = pricing.InputCostPerToken, pricing.InputCostPerTokenAbove200k
	}
	cost += calculateTieredCost(entry.CacheReadTokens, readPrice, readTiered)

	return cost, nil
}

// calculateTieredCost calculates cost with tiered pricing (200k threshold)
func calculateTieredCost(tokens int, basePrice, tieredPrice float64) float64 {
	if tokens <= 0 {
		return 0
	}

	if tokens > tieredThreshold && tieredPrice > 0 {
		belowThreshold := min(tokens, tieredThreshold)
		aboveThreshold := tokens - tieredThreshold

		cost := float64(aboveThreshold) * tieredPrice
		if basePrice > 0 {
			cost += float64(belowThreshold) * basePrice
		}
		return cost
	}

	if basePrice > 0 {
		return float64(tokens) * basePrice
	}

	return 0
}
