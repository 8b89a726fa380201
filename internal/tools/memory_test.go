package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/samsaffron/nohup/internal/memory"
)

func newMemoryStore(t *testing.T) *memory.Store {
	t.Helper()
	store, err := memory.NewStore(memory.Config{Path: filepath.Join(t.TempDir(), "memory.db")})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMemoryToolsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	add := NewAddMemoryTool(store)
	fetch := NewFetchMemoryTool(store)

	out, err := add.Execute(ctx, json.RawMessage(`{"facts":["User lives in Porto","User likes hiking"]}`))
	if err != nil {
		t.Fatalf("add Execute() error = %v", err)
	}
	stored := regexp.MustCompile(`^Successfully stored 2 memories with timestamp \d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{6}$`)
	if !stored.MatchString(out) {
		t.Errorf("add Execute() = %q", out)
	}

	out, err = add.Execute(ctx, json.RawMessage(`{"facts":["user lives in porto"]}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(out, "\nUpdated 1 existing memories") {
		t.Errorf("add Execute() = %q, want update note", out)
	}

	out, err = fetch.Execute(ctx, json.RawMessage(`{"query":"where does the user live"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "Retrieved memories:\n[") || !strings.Contains(out, "] user lives in porto") {
		t.Errorf("fetch Execute() = %q", out)
	}

	out, err = fetch.Execute(ctx, json.RawMessage(`{"query":"zebra","n_results":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if out != "No relevant memories found." {
		t.Errorf("fetch Execute() = %q", out)
	}
}

func TestMemoryToolsRejectBadArgs(t *testing.T) {
	store := newMemoryStore(t)
	if _, err := NewAddMemoryTool(store).Execute(context.Background(), json.RawMessage(`{"facts":"one"}`)); err == nil {
		t.Error("expected an error for a non-array facts argument")
	}
}
