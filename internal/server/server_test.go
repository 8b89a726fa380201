package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/samsaffron/nohup/internal/agent"
	"github.com/samsaffron/nohup/internal/llm"
	"github.com/samsaffron/nohup/internal/observability"
	"github.com/samsaffron/nohup/internal/session"
	"github.com/samsaffron/nohup/internal/tools"
)

type testServer struct {
	*httptest.Server
	store *session.MemoryStore
}

func newTestServer(t *testing.T, provider *llm.MockProvider, token string) *testServer {
	t.Helper()
	store := session.NewMemoryStore()
	reg := prometheus.NewRegistry()
	srv := New(Options{
		Token: token,
		Agent: &agent.Config{
			Store:        store,
			Tools:        tools.NewCatalog(tools.CatalogOptions{}),
			SystemPrompt: "test",
			DefaultModel: "gpt-4.1-mini",
			NewProvider: func(string, map[string]string) (llm.Provider, error) {
				return provider, nil
			},
		},
		Metrics:  observability.NewMetrics(reg),
		Gatherer: reg,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Stop(context.Background())
		ts.Close()
	})
	return &testServer{Server: ts, store: store}
}

func (ts *testServer) wsURL(chatID string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?chat_id=" + chatID
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("Dial() error = %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) agent.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev agent.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return ev
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) []agent.Event {
	t.Helper()
	var events []agent.Event
	for {
		ev := readEvent(t, conn)
		events = append(events, ev)
		if ev.Type == typ {
			return events
		}
	}
}

func closeCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		t.Fatalf("ReadMessage() error = %v, want close frame", err)
		return 0
	}
}

func TestWebSocketConversation(t *testing.T) {
	provider := llm.NewMockProvider("mock").AddTextResponse("Hello there, friend.")
	ts := newTestServer(t, provider, "")
	chatID := session.NewID()
	conn := dial(t, ts.wsURL(chatID), nil)

	info := readEvent(t, conn)
	if info.Type != agent.EventChatInfo || info.ChatID != chatID || info.Model != "gpt-4.1-mini" {
		t.Fatalf("first event = %+v, want chat_info", info)
	}

	if err := conn.WriteJSON(map[string]any{"type": "user_message", "text": "hi"}); err != nil {
		t.Fatal(err)
	}
	events := readUntil(t, conn, agent.EventEnd)
	var text strings.Builder
	for _, ev := range events {
		if ev.Type == agent.EventChunk {
			text.WriteString(ev.Content)
		}
	}
	if text.String() != "Hello there, friend." {
		t.Errorf("streamed text = %q", text.String())
	}
	if cost := events[len(events)-2]; cost.Type != agent.EventCostUpdate || cost.TotalCost == nil {
		t.Errorf("event before end = %+v, want cost_update", cost)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{oops")); err != nil {
		t.Fatal(err)
	}
	if ev := readEvent(t, conn); ev.Type != agent.EventError || ev.Content != "Invalid JSON received" {
		t.Errorf("invalid frame event = %+v", ev)
	}

	chat, err := ts.store.GetChat(context.Background(), chatID)
	if err != nil {
		t.Fatal(err)
	}
	if chat.Title != "hi" {
		t.Errorf("chat title = %q", chat.Title)
	}
}

func TestWebSocketRejectsInvalidChatID(t *testing.T) {
	ts := newTestServer(t, llm.NewMockProvider("mock"), "")
	for _, id := range []string{"", "not-a-uuid"} {
		conn := dial(t, ts.wsURL(id), nil)
		if code := closeCode(t, conn); code != websocket.ClosePolicyViolation {
			t.Errorf("chat_id %q: close code = %d, want %d", id, code, websocket.ClosePolicyViolation)
		}
	}
}

func TestWebSocketRejectsSecondConnection(t *testing.T) {
	ts := newTestServer(t, llm.NewMockProvider("mock"), "")
	chatID := session.NewID()
	first := dial(t, ts.wsURL(chatID), nil)
	readEvent(t, first)

	second := dial(t, ts.wsURL(chatID), nil)
	if code := closeCode(t, second); code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d", code, websocket.ClosePolicyViolation)
	}
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t, llm.NewMockProvider("mock"), "s3cret")
	chatID := session.NewID()

	_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(chatID), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated dial: err = %v, resp = %v", err, resp)
	}

	conn := dial(t, ts.wsURL(chatID), http.Header{"Authorization": {"Bearer s3cret"}})
	if ev := readEvent(t, conn); ev.Type != agent.EventChatInfo {
		t.Errorf("first event = %+v", ev)
	}

	other := dial(t, ts.wsURL(session.NewID())+"&token=s3cret", nil)
	if ev := readEvent(t, other); ev.Type != agent.EventChatInfo {
		t.Errorf("first event with query token = %+v", ev)
	}

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200 without auth", res.StatusCode)
	}
}

func getJSON(t *testing.T, url string, dst any) int {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if dst != nil {
		if err := json.NewDecoder(res.Body).Decode(dst); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return res.StatusCode
}

func TestChatAPI(t *testing.T) {
	ts := newTestServer(t, llm.NewMockProvider("mock"), "")
	ctx := context.Background()
	chatID := session.NewID()
	if err := ts.store.CreateChat(ctx, &session.Chat{ID: chatID, Title: "Greetings", Model: "gpt-4.1-mini"}); err != nil {
		t.Fatal(err)
	}
	for _, m := range []llm.Message{llm.UserText("hello"), llm.AssistantText("hi!")} {
		if err := ts.store.AddMessage(ctx, chatID, session.NewMessage(chatID, m)); err != nil {
			t.Fatal(err)
		}
	}

	var list struct {
		Chats []session.ChatSummary `json:"chats"`
	}
	if code := getJSON(t, ts.URL+"/api/chats", &list); code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	if len(list.Chats) != 1 || list.Chats[0].Title != "Greetings" {
		t.Errorf("chats = %+v", list.Chats)
	}

	var msgs struct {
		ChatID   string            `json:"chat_id"`
		Messages []session.Message `json:"messages"`
	}
	if code := getJSON(t, ts.URL+"/api/chats/"+chatID+"/messages", &msgs); code != http.StatusOK {
		t.Fatalf("messages status = %d", code)
	}
	if len(msgs.Messages) != 2 || msgs.Messages[1].TextContent != "hi!" {
		t.Errorf("messages = %+v", msgs.Messages)
	}

	tests := []struct {
		path string
		want int
	}{
		{"/api/chats/" + chatID, http.StatusOK},
		{"/api/chats/" + session.NewID(), http.StatusNotFound},
		{"/api/chats/nope/messages", http.StatusBadRequest},
	}
	for _, tc := range tests {
		if code := getJSON(t, ts.URL+tc.path, nil); code != tc.want {
			t.Errorf("GET %s = %d, want %d", tc.path, code, tc.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	provider := llm.NewMockProvider("mock").AddTextResponse("ok")
	ts := newTestServer(t, provider, "")
	conn := dial(t, ts.wsURL(session.NewID()), nil)
	readEvent(t, conn)
	if err := conn.WriteJSON(map[string]any{"type": "user_message", "text": "hi"}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, agent.EventEnd)

	res, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	for _, want := range []string{
		`nohup_ws_messages_total{direction="inbound",type="user_message"} 1`,
		`nohup_turn_outcomes_total{outcome="content"} 1`,
		"nohup_active_sessions 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
