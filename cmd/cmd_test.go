package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/samsaffron/nohup/internal/config"
	"github.com/samsaffron/nohup/internal/llm"
	"github.com/samsaffron/nohup/internal/session"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.LoggingConfig
		debug     bool
		wantDebug bool
		wantWarn  bool
		wantJSON  bool
	}{
		{name: "defaults", cfg: config.LoggingConfig{}, wantWarn: true},
		{name: "debug level", cfg: config.LoggingConfig{Level: "DEBUG"}, wantDebug: true, wantWarn: true},
		{name: "debug flag wins", cfg: config.LoggingConfig{Level: "error"}, debug: true, wantDebug: true, wantWarn: true},
		{name: "error level", cfg: config.LoggingConfig{Level: "error"}},
		{name: "json", cfg: config.LoggingConfig{Format: "json"}, wantWarn: true, wantJSON: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := newLogger(tc.cfg, tc.debug, &buf)
			ctx := context.Background()
			if got := logger.Enabled(ctx, slog.LevelDebug); got != tc.wantDebug {
				t.Errorf("debug enabled = %v, want %v", got, tc.wantDebug)
			}
			if got := logger.Enabled(ctx, slog.LevelWarn); got != tc.wantWarn {
				t.Errorf("warn enabled = %v, want %v", got, tc.wantWarn)
			}
			logger.Error("boom", "chat_id", "abc")
			if got := json.Valid(bytes.TrimSpace(buf.Bytes())); got != tc.wantJSON {
				t.Errorf("output %q: json = %v, want %v", buf.String(), got, tc.wantJSON)
			}
		})
	}
}

func TestApplyServeFlags(t *testing.T) {
	t.Cleanup(func() {
		serveHost, servePort, serveToken, serveModel, serveBrowser = "", 0, "", "", false
	})

	cfg := &config.Config{DefaultModel: "gpt-4.1-mini"}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8000

	applyServeFlags(cfg)
	if cfg.Addr() != "127.0.0.1:8000" || cfg.DefaultModel != "gpt-4.1-mini" {
		t.Fatalf("unset flags changed config: %+v", cfg)
	}

	serveHost, servePort, serveToken, serveModel, serveBrowser = "0.0.0.0", 9000, "tok", "claude-sonnet-4-5", true
	applyServeFlags(cfg)
	if cfg.Addr() != "0.0.0.0:9000" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
	if cfg.Server.Token != "tok" || cfg.DefaultModel != "claude-sonnet-4-5" || !cfg.Tools.Browser.Enabled {
		t.Errorf("flags not applied: %+v", cfg)
	}
}

func TestIsLoopbackHost(t *testing.T) {
	for host, want := range map[string]bool{
		"127.0.0.1": true,
		"::1":       true,
		"localhost": true,
		"0.0.0.0":   false,
		"10.0.0.4":  false,
		"":          false,
	} {
		if got := isLoopbackHost(host); got != want {
			t.Errorf("isLoopbackHost(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestWriteConfigMasksSecrets(t *testing.T) {
	cfg := &config.Config{
		DefaultModel: "gpt-4.1-mini",
		Providers: map[string]config.ProviderConfig{
			"openai": {APIKey: "sk-1234567890abcdef"},
		},
	}
	cfg.Server.Token = "short"

	var buf bytes.Buffer
	if err := writeConfig(&buf, cfg); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if strings.Contains(out, "sk-1234567890abcdef") || !strings.Contains(out, "sk-1****cdef") {
		t.Errorf("api key not masked:\n%s", out)
	}
	if !strings.Contains(out, "token: '****'") && !strings.Contains(out, `token: "****"`) {
		t.Errorf("token not masked:\n%s", out)
	}
	if cfg.Providers["openai"].APIKey != "sk-1234567890abcdef" {
		t.Error("writeConfig modified the caller's config")
	}
}

func TestPrintChatList(t *testing.T) {
	var buf bytes.Buffer
	printChatList(&buf, nil)
	if buf.String() != "No chats found.\n" {
		t.Errorf("empty list = %q", buf.String())
	}

	buf.Reset()
	id := session.NewID()
	printChatList(&buf, []session.ChatSummary{{
		ID:           id,
		Title:        "A very long title that will certainly not fit",
		Model:        "gpt-4.1-mini",
		TotalCost:    0.01234,
		MessageCount: 4,
		LastActiveAt: time.Now(),
	}})
	out := buf.String()
	for _, want := range []string{id, "A very long title that will...", "$0.0123", "just now"} {
		if !strings.Contains(out, want) {
			t.Errorf("list output missing %q:\n%s", want, out)
		}
	}
}

func TestDescribeMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  llm.Message
		want string
	}{
		{"text", llm.UserText("hello\n  there"), "hello there"},
		{"tool calls", llm.AssistantToolCalls([]llm.ToolCall{{ID: "1", Name: "read_file"}, {ID: "2", Name: "run_bash_command"}}), "calls read_file, run_bash_command"},
		{"tool result", llm.ToolResultMessage("1", "read_file", "package main"), "read_file -> package main"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := session.NewMessage("chat", tc.msg)
			if got := describeMessage(*m); got != tc.want {
				t.Errorf("describeMessage() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFormatHelpers(t *testing.T) {
	if got := formatTokens(0, 0); got != "-" {
		t.Errorf("formatTokens(0, 0) = %q", got)
	}
	if got := formatTokens(1500, 2000000); got != "1.5k/2M" {
		t.Errorf("formatTokens() = %q", got)
	}
	if got := formatCost(0); got != "-" {
		t.Errorf("formatCost(0) = %q", got)
	}
	if got := truncate("héllo wörld", 8); got != "héllo..." {
		t.Errorf("truncate() = %q", got)
	}
	if got := formatRelativeTime(time.Now().Add(-3 * time.Hour)); got != "3h ago" {
		t.Errorf("formatRelativeTime() = %q", got)
	}
}
