package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samsaffron/nohup/internal/llm"
)

type fakePage struct {
	mu      sync.Mutex
	url     string
	body    string
	clicked []string
	closed  bool
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if strings.Contains(url, "unreachable") {
		return errors.New("net::ERR_NAME_NOT_RESOLVED")
	}
	p.url = url
	return nil
}

func (p *fakePage) Text(ctx context.Context) (string, error) {
	return p.body, nil
}

func (p *fakePage) Click(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicked = append(p.clicked, selector)
	return nil
}

func (p *fakePage) Type(ctx context.Context, selector, text string) error {
	return nil
}

func (p *fakePage) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *fakePage) Close() error {
	p.closed = true
	return nil
}

type fakeInteractor struct {
	mu     sync.Mutex
	answer string
	block  bool
	steps  []map[string]any
	asked  []string
}

func (f *fakeInteractor) AskHuman(ctx context.Context, question string) (string, error) {
	f.mu.Lock()
	f.asked = append(f.asked, question)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.answer, nil
}

func (f *fakeInteractor) ReportStep(ctx context.Context, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, data)
	return nil
}

func (f *fakeInteractor) StopRequested() bool { return false }

func newTestBrowser(page *fakePage, provider *llm.MockProvider, timeout time.Duration) *BrowserTool {
	return NewBrowserTool(BrowserConfig{
		Launch: func(ctx context.Context) (Page, error) { return page, nil },
		NewProvider: func() (llm.Provider, string, error) {
			return provider, "gpt-4.1-mini", nil
		},
		QuestionTimeout: timeout,
	})
}

// lastToolResult returns the newest tool result the provider was shown.
func lastToolResult(t *testing.T, provider *llm.MockProvider) string {
	t.Helper()
	reqs := provider.Requests
	if len(reqs) == 0 {
		t.Fatal("provider received no requests")
	}
	msgs := reqs[len(reqs)-1].Messages
	for i := len(msgs) - 1; i >= 0; i-- {
		if res := msgs[i].ToolResult(); res != nil {
			return res.Content
		}
	}
	t.Fatal("no tool result in last request")
	return ""
}

func TestBrowserToolRunsSubAgent(t *testing.T) {
	page := &fakePage{body: "  Bitcoin   price:\n 100 USD  "}
	provider := llm.NewMockProvider("mock").
		AddToolCall("b1", "navigate", map[string]string{"url": "https://example.com"}).
		AddToolCall("b2", "read_page", map[string]string{}).
		AddToolCall("b3", "ask_human", map[string]string{"question": "Accept cookies?"}).
		AddToolCall("b4", "click", map[string]string{"selector": "#accept"}).
		AddTextResponse("Bitcoin is at 100 USD.")
	interactor := &fakeInteractor{answer: "yes"}
	ctx := WithInteractor(context.Background(), interactor)

	out, err := newTestBrowser(page, provider, time.Second).Execute(ctx, json.RawMessage(`{"task":"find the bitcoin price"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != "Bitcoin is at 100 USD." {
		t.Errorf("Execute() = %q", out)
	}
	if !page.closed {
		t.Error("page not closed")
	}
	if len(page.clicked) != 1 || page.clicked[0] != "#accept" {
		t.Errorf("clicked = %v", page.clicked)
	}
	if len(interactor.asked) != 1 || interactor.asked[0] != "Accept cookies?" {
		t.Errorf("asked = %v", interactor.asked)
	}

	if len(interactor.steps) != 4 {
		t.Fatalf("got %d step updates, want 4", len(interactor.steps))
	}
	first := interactor.steps[0]
	if first["step"] != int64(1) || first["url"] != "https://example.com" {
		t.Errorf("first step = %v", first)
	}
	if action, _ := first["action"].(string); !strings.HasPrefix(action, "Action: navigate, Args: ") {
		t.Errorf("action = %q", action)
	}
	if got := interactor.steps[1]["result"]; got != "Bitcoin price: 100 USD" {
		t.Errorf("read_page result = %q", got)
	}

	first0 := provider.Requests[0].Messages
	if first0[0].Text() != browserSystemPrompt || first0[1].Text() != "find the bitcoin price" {
		t.Errorf("unexpected sub-agent conversation: %+v", first0)
	}
}

func TestBrowserToolAskHumanTimeout(t *testing.T) {
	provider := llm.NewMockProvider("mock").
		AddToolCall("b1", "ask_human", map[string]string{"question": "Login?"}).
		AddTextResponse("gave up")
	interactor := &fakeInteractor{block: true}
	ctx := WithInteractor(context.Background(), interactor)

	out, err := newTestBrowser(&fakePage{}, provider, 20*time.Millisecond).Execute(ctx, json.RawMessage(`{"task":"log in"}`))
	if err != nil {
		t.Fatal(err)
	}
	if out != "gave up" {
		t.Errorf("Execute() = %q", out)
	}
	if got := lastToolResult(t, provider); got != NoResponseResult {
		t.Errorf("ask_human result = %q, want %q", got, NoResponseResult)
	}
	if got := interactor.steps[0]["url"]; got != "No URL visited yet." {
		t.Errorf("url = %q", got)
	}
}

func TestBrowserToolActionErrorsReachModel(t *testing.T) {
	provider := llm.NewMockProvider("mock").
		AddToolCall("b1", "navigate", map[string]string{"url": "https://unreachable.test"}).
		AddTextResponse("site is down")

	out, err := newTestBrowser(&fakePage{}, provider, time.Second).Execute(context.Background(), json.RawMessage(`{"task":"open it"}`))
	if err != nil {
		t.Fatal(err)
	}
	if out != "site is down" {
		t.Errorf("Execute() = %q", out)
	}
	want := "Error executing tool navigate: net::ERR_NAME_NOT_RESOLVED"
	if got := lastToolResult(t, provider); got != want {
		t.Errorf("navigate result = %q, want %q", got, want)
	}
}

func TestBrowserToolFailures(t *testing.T) {
	t.Run("provider error", func(t *testing.T) {
		provider := llm.NewMockProvider("mock").AddError(errors.New("boom"))
		out, err := newTestBrowser(&fakePage{}, provider, time.Second).Execute(context.Background(), json.RawMessage(`{"task":"x"}`))
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(out, "Error: Browser agent failed - ") {
			t.Errorf("Execute() = %q", out)
		}
	})

	t.Run("launch error", func(t *testing.T) {
		tool := NewBrowserTool(BrowserConfig{
			Launch: func(ctx context.Context) (Page, error) { return nil, errors.New("chrome not found") },
			NewProvider: func() (llm.Provider, string, error) {
				return llm.NewMockProvider("mock"), "m", nil
			},
		})
		out, err := tool.Execute(context.Background(), json.RawMessage(`{"task":"x"}`))
		if err != nil {
			t.Fatal(err)
		}
		if out != "Error: Browser agent failed - chrome not found" {
			t.Errorf("Execute() = %q", out)
		}
	})

	t.Run("empty task", func(t *testing.T) {
		_, err := NewBrowserTool(BrowserConfig{}).Execute(context.Background(), json.RawMessage(`{"task":" "}`))
		var te *ToolError
		if !errors.As(err, &te) || te.Type != ErrInvalidParams {
			t.Errorf("Execute() error = %v, want invalid params", err)
		}
	})
}
