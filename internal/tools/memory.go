package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samsaffron/nohup/internal/llm"
	"github.com/samsaffron/nohup/internal/memory"
)

// memoryTimestampLayout is ISO 8601 with microseconds.
const memoryTimestampLayout = "2006-01-02T15:04:05.000000"

// AddMemoryTool implements add_to_memory.
type AddMemoryTool struct {
	store *memory.Store
}

func NewAddMemoryTool(store *memory.Store) *AddMemoryTool {
	return &AddMemoryTool{store: store}
}

func (t *AddMemoryTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        AddMemoryToolName,
		Description: "Store a list of atomic facts about the user or context in long-term memory. Break down complex information into simple, atomic facts before storing.",
		Schema: objectSchema(map[string]interface{}{
			"facts": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "List of atomic facts to store. Each fact should be a simple, clear statement about a single piece of information.",
			},
		}, "facts"),
	}
}

func (t *AddMemoryTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		Facts []string `json:"facts"`
	}
	warning, err := decodeArgs(args, &a)
	if err != nil {
		return "", err
	}

	res, err := t.store.Add(ctx, a.Facts)
	if err != nil {
		return warning + fmt.Sprintf("Error storing memories: %v", err), nil
	}

	out := warning + fmt.Sprintf("Successfully stored %d memories with timestamp %s", res.Stored, res.Timestamp.Format(memoryTimestampLayout))
	if res.Updated > 0 {
		out += fmt.Sprintf("\nUpdated %d existing memories", res.Updated)
	}
	return out, nil
}

// FetchMemoryTool implements fetch_from_memory.
type FetchMemoryTool struct {
	store *memory.Store
}

func NewFetchMemoryTool(store *memory.Store) *FetchMemoryTool {
	return &FetchMemoryTool{store: store}
}

func (t *FetchMemoryTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        FetchMemoryToolName,
		Description: "Retrieve relevant memories about the user or context. Use this when you need to recall previous interactions or important information about the user.",
		Schema: objectSchema(map[string]interface{}{
			"query": stringProp("The search query to find relevant memories."),
			"n_results": map[string]interface{}{
				"type":        "integer",
				"description": "(Optional) Number of memories to retrieve (default: 3).",
			},
		}, "query"),
	}
}

func (t *FetchMemoryTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		Query    string `json:"query"`
		NResults int    `json:"n_results"`
	}
	warning, err := decodeArgs(args, &a)
	if err != nil {
		return "", err
	}
	if a.NResults <= 0 {
		a.NResults = defaultNumResults
	}

	facts, err := t.store.Search(ctx, a.Query, a.NResults)
	if err != nil {
		return warning + fmt.Sprintf("Error retrieving memories: %v", err), nil
	}
	if len(facts) == 0 {
		return warning + "No relevant memories found.", nil
	}

	entries := make([]string, len(facts))
	for i, f := range facts {
		entries[i] = fmt.Sprintf("[%s] %s", f.CreatedAt.Format("2006-01-02 15:04:05"), f.Content)
	}
	return warning + "Retrieved memories:\n" + strings.Join(entries, "\n\n"), nil
}
