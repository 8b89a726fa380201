package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestCreateStdioTransport_InheritsEnv(t *testing.T) {
	// Server with custom env should inherit parent PATH
	client := &Client{
		name: "test",
		config: ServerConfig{
			Command: "echo",
			Args:    []string{"hello"},
			Env: map[string]string{
				"CUSTOM_VAR": "custom_value",
			},
		},
	}

	transport := client.createStdioTransport()
	ct, ok := transport.(*sdkmcp.CommandTransport)
	if !ok {
		t.Fatal("expected sdkmcp.CommandTransport")
	}

	env := ct.Command.Env
	if env == nil {
		t.Fatal("expected non-nil env when config has env vars")
	}

	hasPath := false
	hasCustom := false
	for _, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			hasPath = true
		}
		if e == "CUSTOM_VAR=custom_value" {
			hasCustom = true
		}
	}

	if !hasPath {
		t.Error("parent PATH not inherited in subprocess env")
	}
	if !hasCustom {
		t.Error("custom env var not set")
	}
}

func TestCreateStdioTransport_NoEnvNil(t *testing.T) {
	client := &Client{
		name: "test",
		config: ServerConfig{
			Command: "echo",
			Args:    []string{"hello"},
			Env:     map[string]string{},
		},
	}

	ct := client.createStdioTransport().(*sdkmcp.CommandTransport)
	if ct.Command.Env != nil {
		t.Error("expected nil env when no config env vars (inherits parent automatically)")
	}
}

func TestCreateStdioTransport_EnvOverridesParent(t *testing.T) {
	os.Setenv("TEST_MCP_VAR", "original")
	defer os.Unsetenv("TEST_MCP_VAR")

	client := &Client{
		name: "test",
		config: ServerConfig{
			Command: "echo",
			Env: map[string]string{
				"TEST_MCP_VAR": "overridden",
			},
		},
	}

	ct := client.createStdioTransport().(*sdkmcp.CommandTransport)

	// The last value wins in exec.Cmd.
	last := ""
	for _, e := range ct.Command.Env {
		if strings.HasPrefix(e, "TEST_MCP_VAR=") {
			last = e
		}
	}
	if last != "TEST_MCP_VAR=overridden" {
		t.Errorf("last TEST_MCP_VAR entry = %q, want overridden", last)
	}
}

func TestHeaderTransportSetsHeaders(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	client := &Client{config: ServerConfig{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer abc"}}}
	st := client.createHTTPTransport().(*sdkmcp.StreamableClientTransport)
	if st.Endpoint != srv.URL {
		t.Errorf("Endpoint = %q, want %q", st.Endpoint, srv.URL)
	}
	resp, err := st.HTTPClient.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got != "Bearer abc" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer abc")
	}
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"stdio", ServerConfig{Command: "npx"}, false},
		{"http", ServerConfig{URL: "https://mcp.example.com"}, false},
		{"both", ServerConfig{Command: "npx", URL: "https://mcp.example.com"}, true},
		{"neither", ServerConfig{}, true},
	}
	for _, tc := range tests {
		if err := tc.cfg.Validate(); (err != nil) != tc.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}

// startInMemory connects a manager to an in-process MCP server named name.
func startInMemory(t *testing.T, name string) *Manager {
	t.Helper()
	server := sdkmcp.NewServer(&sdkmcp.Implementation{Name: "test-server", Version: "test"}, nil)
	server.AddTool(&sdkmcp.Tool{
		Name:        "echo",
		Description: "Echo input",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []any{"text"},
		},
	}, func(ctx context.Context, req *sdkmcp.CallToolRequest) (*sdkmcp.CallToolResult, error) {
		var payload map[string]string
		if err := json.Unmarshal(req.Params.Arguments, &payload); err != nil {
			return nil, err
		}
		if payload["text"] == "fail" {
			return &sdkmcp.CallToolResult{
				IsError: true,
				Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: "refused"}},
			}, nil
		}
		return &sdkmcp.CallToolResult{
			Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: "echo:" + payload["text"]}},
		}, nil
	})

	serverTransport, clientTransport := sdkmcp.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	session, err := server.Connect(ctx, serverTransport, nil)
	if err != nil {
		cancel()
		t.Fatalf("server connect failed: %v", err)
	}

	client := NewClient(name, ServerConfig{})
	client.transport = clientTransport
	m := NewManager(nil, nil)
	m.setState(&ServerState{Name: name, Status: StatusStarting, Client: client})
	m.start(ctx, client, time.Second)

	t.Cleanup(func() {
		m.StopAll()
		session.Close()
		cancel()
	})
	return m
}

func TestManagerExposesServerTools(t *testing.T) {
	m := startInMemory(t, "util")

	if status, err := m.ServerStatus("util"); status != StatusReady {
		t.Fatalf("ServerStatus() = %s (%v), want ready", status, err)
	}

	tools := m.Tools()
	if len(tools) != 1 {
		t.Fatalf("got %d tools, want 1", len(tools))
	}
	spec := tools[0].Spec()
	if spec.Name != "util__echo" || spec.Description != "[util] Echo input" {
		t.Errorf("Spec() = %+v", spec)
	}
	if spec.Schema["type"] != "object" {
		t.Errorf("schema = %v", spec.Schema)
	}

	out, err := tools[0].Execute(context.Background(), json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != "echo:hi" {
		t.Errorf("Execute() = %q, want %q", out, "echo:hi")
	}

	_, err = tools[0].Execute(context.Background(), json.RawMessage(`{"text":"fail"}`))
	if err == nil || !strings.Contains(err.Error(), "refused") {
		t.Errorf("Execute() error = %v, want tool error", err)
	}
}

func TestManagerCallToolErrors(t *testing.T) {
	m := NewManager(nil, nil)
	if _, err := m.CallTool(context.Background(), "plain", nil); err == nil {
		t.Error("expected error for unprefixed name")
	}
	if _, err := m.CallTool(context.Background(), "ghost__tool", nil); err == nil {
		t.Error("expected error for unknown server")
	}
}

func TestManagerStartAllRecordsFailures(t *testing.T) {
	m := NewManager(map[string]ServerConfig{"broken": {}}, nil)
	m.StartAll(context.Background(), time.Second)

	status, err := m.ServerStatus("broken")
	if status != StatusFailed || err == nil {
		t.Errorf("ServerStatus() = %s, %v; want failed with error", status, err)
	}
	if len(m.Tools()) != 0 {
		t.Error("failed server should expose no tools")
	}
	if len(m.States()) != 1 {
		t.Errorf("States() = %+v", m.States())
	}
}

func TestParseToolName(t *testing.T) {
	server, tool := parseToolName("github__search__code")
	if server != "github" || tool != "search__code" {
		t.Errorf("parseToolName() = %q, %q", server, tool)
	}
}
