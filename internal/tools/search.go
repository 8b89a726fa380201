package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/samsaffron/nohup/internal/llm"
)

const (
	tavilySearchURL    = "https://api.tavily.com/search"
	defaultNumResults  = 3
	defaultMaxWords    = 1000
	webRequestTimeout  = 30 * time.Second
	maxFetchBodyBytes  = 5 << 20
	webSearchUserAgent = "nohup/1.0 (+https://github.com/samsaffron/nohup)"
)

// WebSearchTool implements perform_web_search: a Tavily query, or a direct
// fetch of one URL reduced to its text.
type WebSearchTool struct {
	apiKey   string
	endpoint string
	maxWords int
	client   *http.Client
}

// NewWebSearchTool creates the tool. An empty apiKey leaves URL fetches
// working and turns searches into an error result.
func NewWebSearchTool(apiKey string, maxWords int) *WebSearchTool {
	if maxWords <= 0 {
		maxWords = defaultMaxWords
	}
	return &WebSearchTool{
		apiKey:   apiKey,
		endpoint: tavilySearchURL,
		maxWords: maxWords,
		client:   &http.Client{Timeout: webRequestTimeout},
	}
}

// WebSearchArgs are the arguments for perform_web_search.
type WebSearchArgs struct {
	Query      string `json:"query"`
	URL        string `json:"url,omitempty"`
	NumResults int    `json:"num_results,omitempty"`
}

func (t *WebSearchTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        WebSearchToolName,
		Description: "Search the web for information or fetch content from a specific URL.",
		Schema: objectSchema(map[string]interface{}{
			"query": stringProp("The search query string. Required if url is not provided."),
			"url":   stringProp("Optional specific URL to fetch content from. If provided, the query parameter is ignored."),
			"num_results": map[string]interface{}{
				"type":        "integer",
				"description": "(Optional) The maximum number of search results to return (default is 3, ignored if url is provided).",
			},
		}, "query"),
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var a WebSearchArgs
	warning, err := decodeArgs(args, &a)
	if err != nil {
		return "", err
	}

	if a.URL != "" {
		return warning + t.fetchURL(ctx, a.URL), nil
	}
	if strings.TrimSpace(a.Query) == "" {
		return "", NewToolError(ErrInvalidParams, "query is required")
	}
	if a.NumResults <= 0 {
		a.NumResults = defaultNumResults
	}
	return warning + t.search(ctx, a.Query, a.NumResults), nil
}

type tavilyRequest struct {
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth"`
	MaxResults  int    `json:"max_results"`
}

type tavilyResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// search returns a formatted result list. Failures are reported in the
// returned text so the model can react to them.
func (t *WebSearchTool) search(ctx context.Context, query string, n int) string {
	if t.apiKey == "" {
		return "Error: Tavily API key not configured."
	}

	body, err := json.Marshal(tavilyRequest{Query: query, SearchDepth: "basic", MaxResults: n})
	if err != nil {
		return fmt.Sprintf("Error: Tavily search failed - %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Sprintf("Error: Tavily search failed - %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Sprintf("Error: Tavily search failed - %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Sprintf("Error: Tavily search failed - HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Sprintf("Error: Tavily search failed - %v", err)
	}
	if len(parsed.Results) == 0 {
		return fmt.Sprintf("No results found for '%s'.", query)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for '%s':\n", query)
	for _, r := range parsed.Results {
		fmt.Fprintf(&sb, "- Title: %s\n", orNA(r.Title))
		fmt.Fprintf(&sb, "  URL: %s\n", orNA(r.URL))
		fmt.Fprintf(&sb, "  Content: %s\n\n", orNA(truncateWords(r.Content, t.maxWords)))
	}
	return strings.TrimSpace(sb.String())
}

func (t *WebSearchTool) fetchURL(ctx context.Context, url string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Sprintf("Error fetching URL %s: %v", url, err)
	}
	req.Header.Set("User-Agent", webSearchUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Sprintf("Error fetching URL %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("Error: Failed to fetch URL (status code: %d)", resp.StatusCode)
	}

	text := extractText(io.LimitReader(resp.Body, maxFetchBodyBytes))
	return fmt.Sprintf("Content from %s:\n%s", url, truncateWords(text, t.maxWords))
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
