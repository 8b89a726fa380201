package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/samsaffron/nohup/internal/llm"
)

const (
	defaultBrowserMaxSteps = 25
	browserActionTimeout   = 30 * time.Second
	browserPageMaxWords    = 2000
	browserResultPreview   = 200

	// NoResponseResult is the answer recorded when a question times out.
	NoResponseResult = "Error: User did not respond in time."
)

const browserSystemPrompt = `You are a web browsing agent. You control a real browser through tools and work towards the task the user gives you.

Tools:
- navigate: open a URL.
- read_page: read the visible text of the current page.
- click: click the element matching a CSS selector.
- type_text: type text into the element matching a CSS selector.
- ask_human: ask the user for information or permission to proceed.

Read the page before acting on it. When the task is done, reply with a concise summary of what you found or did, without calling a tool.`

// Page is the browser surface the sub-agent drives.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Text(ctx context.Context) (string, error)
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	URL(ctx context.Context) (string, error)
	Close() error
}

// BrowserLauncher opens a fresh page for one task.
type BrowserLauncher func(ctx context.Context) (Page, error)

// ChromeLauncher starts a local Chrome through chromedp.
func ChromeLauncher(headless bool) BrowserLauncher {
	return func(ctx context.Context) (Page, error) {
		opts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Flag("headless", headless))
		allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
		taskCtx, taskCancel := chromedp.NewContext(allocCtx)

		// Running no actions starts the browser, so launch failures surface here.
		if err := chromedp.Run(taskCtx); err != nil {
			taskCancel()
			allocCancel()
			return nil, fmt.Errorf("start browser: %w", err)
		}
		return &chromePage{ctx: taskCtx, cancel: func() {
			taskCancel()
			allocCancel()
		}}, nil
	}
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	tctx, cancel := context.WithTimeout(p.ctx, browserActionTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(tctx, actions...)
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
}

func (p *chromePage) Text(ctx context.Context) (string, error) {
	var text string
	err := p.run(ctx, chromedp.Text("body", &text, chromedp.ByQuery))
	return text, err
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	return p.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
}

func (p *chromePage) Type(ctx context.Context, selector, text string) error {
	return p.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var url string
	err := p.run(ctx, chromedp.Location(&url))
	return url, err
}

func (p *chromePage) Close() error {
	p.cancel()
	return nil
}

// ProviderFactory returns the model the browser sub-agent runs on.
type ProviderFactory func() (provider llm.Provider, model string, err error)

// BrowserConfig configures the browser_user tool.
type BrowserConfig struct {
	Launch          BrowserLauncher
	NewProvider     ProviderFactory
	MaxSteps        int
	QuestionTimeout time.Duration
	Logger          *slog.Logger
	Recorder        llm.Recorder
	Pricer          llm.Pricer
}

// BrowserTool implements browser_user: a bounded sub-agent that runs the
// turn engine over browser actions.
type BrowserTool struct {
	cfg BrowserConfig
}

func NewBrowserTool(cfg BrowserConfig) *BrowserTool {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultBrowserMaxSteps
	}
	if cfg.QuestionTimeout <= 0 {
		cfg.QuestionTimeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &BrowserTool{cfg: cfg}
}

func (t *BrowserTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        BrowserToolName,
		Description: "Perform a complex web browsing task based on a given objective using an autonomous agent. Use this for tasks requiring interaction with websites, filling forms, or synthesizing information from multiple pages.",
		Schema: objectSchema(map[string]interface{}{
			"task": stringProp("The detailed task or objective for the browsing agent to accomplish (e.g., 'Find the current price of Bitcoin on Binance and Coinbase', 'Summarize the latest news about AI regulation')."),
		}, "task"),
	}
}

func (t *BrowserTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		Task string `json:"task"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", NewToolError(ErrInvalidParams, err.Error())
	}
	if strings.TrimSpace(a.Task) == "" {
		return "", NewToolError(ErrInvalidParams, "task is required")
	}
	if t.cfg.NewProvider == nil || t.cfg.Launch == nil {
		return "Error: Browser agent is not configured.", nil
	}

	provider, model, err := t.cfg.NewProvider()
	if err != nil {
		return fmt.Sprintf("Error: Browser agent failed - %v", err), nil
	}

	logger := t.cfg.Logger.With("tool", BrowserToolName, "call_id", llm.CallIDFromContext(ctx))
	logger.Info("browser task started", "task", a.Task, "model", model)

	page, err := t.cfg.Launch(ctx)
	if err != nil {
		return fmt.Sprintf("Error: Browser agent failed - %v", err), nil
	}
	defer page.Close()

	interactor, _ := InteractorFrom(ctx)
	engine := llm.NewEngine(provider, t.actions(page, interactor))
	engine.SetMaxSteps(t.cfg.MaxSteps)
	engine.SetLogger(logger)
	engine.SetRecorder(t.cfg.Recorder)
	engine.SetPricer(t.cfg.Pricer)

	conv := llm.NewConversation(browserSystemPrompt, nil)
	if err := conv.Append(ctx, llm.UserText(a.Task)); err != nil {
		return "", err
	}
	turn := &llm.Turn{Conversation: conv, Model: model}
	if interactor != nil {
		turn.StopRequested = interactor.StopRequested
	}

	out, err := engine.RunTurn(ctx, turn, func(string) error { return nil })
	if err != nil {
		return "", err
	}
	logger.Info("browser task finished", "outcome", out.Kind.String(), "steps", out.Steps)

	switch out.Kind {
	case llm.OutcomeContent:
		if strings.TrimSpace(out.Text) == "" {
			return "Browser task finished without a summary.", nil
		}
		return out.Text, nil
	case llm.OutcomeStopped:
		return "Browser task cancelled by user.", nil
	case llm.OutcomeError, llm.OutcomeIncomplete:
		return fmt.Sprintf("Error: Browser agent failed - %s", out.Message), nil
	default:
		return fmt.Sprintf("Error: Browser agent ended unexpectedly (%s)", out.Kind), nil
	}
}

// actions builds the sub-agent's tool registry bound to page.
func (t *BrowserTool) actions(page Page, interactor Interactor) *llm.ToolRegistry {
	var step atomic.Int64
	reg := llm.NewToolRegistry()
	add := func(spec llm.ToolSpec, run func(ctx context.Context, args map[string]string) (string, error)) {
		reg.Register(&browserAction{
			spec:       spec,
			run:        run,
			page:       page,
			interactor: interactor,
			step:       &step,
		})
	}

	add(llm.ToolSpec{
		Name:        "navigate",
		Description: "Open a URL in the browser.",
		Schema:      objectSchema(map[string]interface{}{"url": stringProp("Absolute URL to open.")}, "url"),
	}, func(ctx context.Context, args map[string]string) (string, error) {
		if err := page.Navigate(ctx, args["url"]); err != nil {
			return "", err
		}
		return "Navigated to: " + args["url"], nil
	})

	add(llm.ToolSpec{
		Name:        "read_page",
		Description: "Read the visible text of the current page.",
		Schema:      objectSchema(map[string]interface{}{}),
	}, func(ctx context.Context, _ map[string]string) (string, error) {
		text, err := page.Text(ctx)
		if err != nil {
			return "", err
		}
		return truncateWords(strings.Join(strings.Fields(text), " "), browserPageMaxWords), nil
	})

	add(llm.ToolSpec{
		Name:        "click",
		Description: "Click the element matching a CSS selector.",
		Schema:      objectSchema(map[string]interface{}{"selector": stringProp("CSS selector of the element.")}, "selector"),
	}, func(ctx context.Context, args map[string]string) (string, error) {
		if err := page.Click(ctx, args["selector"]); err != nil {
			return "", err
		}
		return "Clicked: " + args["selector"], nil
	})

	add(llm.ToolSpec{
		Name:        "type_text",
		Description: "Type text into the element matching a CSS selector.",
		Schema: objectSchema(map[string]interface{}{
			"selector": stringProp("CSS selector of the input."),
			"text":     stringProp("Text to type."),
		}, "selector", "text"),
	}, func(ctx context.Context, args map[string]string) (string, error) {
		if err := page.Type(ctx, args["selector"], args["text"]); err != nil {
			return "", err
		}
		return fmt.Sprintf("Typed '%s' into: %s", args["text"], args["selector"]), nil
	})

	add(llm.ToolSpec{
		Name:        "ask_human",
		Description: "Ask user for information or permission to proceed.",
		Schema:      objectSchema(map[string]interface{}{"question": stringProp("The question for the user.")}, "question"),
	}, func(ctx context.Context, args map[string]string) (string, error) {
		return t.askHuman(ctx, interactor, args["question"]), nil
	})

	return reg
}

func (t *BrowserTool) askHuman(ctx context.Context, interactor Interactor, question string) string {
	if interactor == nil {
		return "Error: No user is connected to answer questions."
	}
	qctx, cancel := context.WithTimeout(ctx, t.cfg.QuestionTimeout)
	defer cancel()

	answer, err := interactor.AskHuman(qctx, question)
	switch {
	case err == nil:
		return answer
	case errors.Is(err, context.DeadlineExceeded):
		return NoResponseResult
	default:
		return fmt.Sprintf("Error: Failed to get user input - %v", err)
	}
}

// browserAction adapts one browser action to llm.Tool and reports each
// execution as a step update.
type browserAction struct {
	spec       llm.ToolSpec
	run        func(ctx context.Context, args map[string]string) (string, error)
	page       Page
	interactor Interactor
	step       *atomic.Int64
}

func (a *browserAction) Spec() llm.ToolSpec { return a.spec }

func (a *browserAction) Execute(ctx context.Context, raw json.RawMessage) (string, error) {
	args := map[string]string{}
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", NewToolError(ErrInvalidParams, err.Error())
	}
	for k, v := range parsed {
		args[k] = fmt.Sprint(v)
	}

	result, err := a.run(ctx, args)
	a.report(ctx, raw, result, err)
	return result, err
}

func (a *browserAction) report(ctx context.Context, raw json.RawMessage, result string, err error) {
	if a.interactor == nil {
		return
	}
	url, _ := a.page.URL(ctx)
	if url == "" {
		url = "No URL visited yet."
	}
	outcome := result
	if err != nil {
		outcome = "Error: " + err.Error()
	}
	data := map[string]any{
		"step":   a.step.Add(1),
		"action": fmt.Sprintf("Action: %s, Args: %s", a.spec.Name, string(raw)),
		"url":    url,
		"result": truncateRunes(outcome, browserResultPreview),
	}
	if rerr := a.interactor.ReportStep(ctx, data); rerr != nil {
		slog.Debug("step update not delivered", "error", rerr)
	}
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
