package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type funcTool struct {
	spec ToolSpec
	fn   func(ctx context.Context, args json.RawMessage) (string, error)
}

func (t *funcTool) Spec() ToolSpec { return t.spec }

func (t *funcTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return t.fn(ctx, args)
}

func newFuncTool(name string, fn func(ctx context.Context, args json.RawMessage) (string, error)) *funcTool {
	return &funcTool{spec: ToolSpec{Name: name, Schema: map[string]interface{}{"type": "object"}}, fn: fn}
}

type pricerFunc func(model string, in, out, cached int) (float64, error)

func (f pricerFunc) Cost(model string, in, out, cached int) (float64, error) {
	return f(model, in, out, cached)
}

func testRegistry() *ToolRegistry {
	reg := NewToolRegistry()
	reg.RegisterClient(ToolSpec{Name: "run_bash_command"})
	reg.RegisterFlow(ToolSpec{Name: "ask_user"}, FlowAskUser)
	reg.RegisterFlow(ToolSpec{Name: "terminate"}, FlowTerminate)
	return reg
}

type chunkSink struct {
	mu     sync.Mutex
	chunks []string
}

func (s *chunkSink) add(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, text)
	return nil
}

func (s *chunkSink) text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.chunks, "")
}

func newTurn(model string) *Turn {
	conv := NewConversation("system prompt", nil)
	return &Turn{Conversation: conv, Model: model}
}

// checkToolResultOrder asserts every tool result answers a call from an
// earlier assistant message.
func checkToolResultOrder(t *testing.T, conv *Conversation) {
	t.Helper()
	seen := make(map[string]bool)
	for i, msg := range conv.Messages() {
		switch msg.Role {
		case RoleAssistant:
			for _, call := range msg.ToolCalls() {
				seen[call.ID] = true
			}
			if len(msg.ToolCalls()) > 0 && msg.HasContent() {
				t.Errorf("message %d carries tool calls and content", i)
			}
		case RoleTool:
			res := msg.ToolResult()
			if res == nil || !seen[res.ID] {
				t.Errorf("message %d: tool result %+v has no earlier call", i, res)
			}
		}
	}
}

func TestRunTurn_ClientToolRoundTrip(t *testing.T) {
	p := NewMockProvider("mock")
	p.AddToolCall("call_ls", "run_bash_command", map[string]string{"command": "ls"})
	p.AddTextResponse("You have two files.")

	engine := NewEngine(p, testRegistry())
	turn := newTurn("gpt-4.1-mini")
	ctx := context.Background()
	turn.Conversation.Append(ctx, UserText("list files"))

	sink := &chunkSink{}
	out, err := engine.RunTurn(ctx, turn, sink.add)
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	if out.Kind != OutcomeSuspended {
		t.Fatalf("Kind = %v, want suspended", out.Kind)
	}
	if len(out.ClientCalls) != 1 || out.ClientCalls[0].ID != "call_ls" {
		t.Fatalf("ClientCalls = %+v", out.ClientCalls)
	}
	if string(out.ClientCalls[0].Arguments) != `{"command":"ls"}` {
		t.Errorf("arguments = %s", out.ClientCalls[0].Arguments)
	}

	turn.Conversation.Append(ctx, ToolResultMessage("call_ls", "run_bash_command", "file1\nfile2"))
	out, err = engine.RunTurn(ctx, turn, sink.add)
	if err != nil {
		t.Fatalf("RunTurn() resume error = %v", err)
	}
	if out.Kind != OutcomeContent || out.Text != "You have two files." {
		t.Fatalf("outcome = %v %q", out.Kind, out.Text)
	}
	if sink.text() != "You have two files." {
		t.Errorf("chunks = %q", sink.text())
	}
	if p.RequestCount() != 2 {
		t.Errorf("model calls = %d, want 2", p.RequestCount())
	}
	if p.Requests[0].ParallelToolCalls {
		t.Error("parallel tool calls must be disabled")
	}
	checkToolResultOrder(t, turn.Conversation)
}

func TestRunTurn_AskUserSetsPendingClarification(t *testing.T) {
	p := NewMockProvider("mock")
	p.AddToolCall("call_q", "ask_user", map[string]string{"question": "Which directory?"})

	engine := NewEngine(p, testRegistry())
	turn := newTurn("m")
	out, err := engine.RunTurn(context.Background(), turn, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != OutcomeAskUser || out.Question != "Which directory?" {
		t.Fatalf("outcome = %v %q", out.Kind, out.Question)
	}
	if got := turn.Conversation.PendingClarification(); got != "call_q" {
		t.Errorf("pending clarification = %q, want call_q", got)
	}
	last, _ := turn.Conversation.Last()
	if last.Role != RoleAssistant || len(last.ToolCalls()) != 1 || last.HasContent() {
		t.Errorf("last message = %+v", last)
	}
}

func TestRunTurn_TerminateAnswersItsCall(t *testing.T) {
	p := NewMockProvider("mock")
	p.AddToolCall("call_t", "terminate", map[string]string{"reason": "done"})

	engine := NewEngine(p, testRegistry())
	turn := newTurn("m")
	out, err := engine.RunTurn(context.Background(), turn, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != OutcomeTerminate || out.Reason != "done" {
		t.Fatalf("outcome = %v %q", out.Kind, out.Reason)
	}
	last, _ := turn.Conversation.Last()
	if res := last.ToolResult(); res == nil || res.Content != "Terminated: done" {
		t.Errorf("last message = %+v", last)
	}
	if open := turn.Conversation.UnansweredToolCalls(); len(open) != 0 {
		t.Errorf("open calls = %+v", open)
	}
}

func TestRunTurn_ServerToolsThenLoop(t *testing.T) {
	slow := func(ctx context.Context, args json.RawMessage) (string, error) {
		if CallIDFromContext(ctx) == "" {
			return "", errors.New("missing call id")
		}
		return "ok", nil
	}

	reg := testRegistry()
	reg.Register(newFuncTool("search", slow))
	reg.Register(newFuncTool("broken", func(context.Context, json.RawMessage) (string, error) {
		return "", errors.New("boom")
	}))

	p := NewMockProvider("mock")
	p.AddTurn(MockTurn{ToolCalls: []ToolCall{
		{ID: "c1", Name: "search", Arguments: json.RawMessage(`{}`)},
		{ID: "c2", Name: "search", Arguments: json.RawMessage(`{}`)},
		{ID: "c3", Name: "broken", Arguments: json.RawMessage(`{}`)},
	}})
	p.AddTextResponse("done")

	engine := NewEngine(p, reg)
	turn := newTurn("m")
	out, err := engine.RunTurn(context.Background(), turn, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != OutcomeContent || out.Text != "done" {
		t.Fatalf("outcome = %v %q", out.Kind, out.Text)
	}
	if out.Steps != 2 {
		t.Errorf("Steps = %d, want 2", out.Steps)
	}

	results := make(map[string]string)
	for _, msg := range turn.Conversation.Messages() {
		if res := msg.ToolResult(); res != nil {
			results[res.ID] = res.Content
		}
	}
	if results["c1"] != "ok" || results["c2"] != "ok" {
		t.Errorf("results = %v", results)
	}
	if results["c3"] != "Error executing tool broken: boom" {
		t.Errorf("c3 = %q", results["c3"])
	}
	checkToolResultOrder(t, turn.Conversation)
}

func TestRunTurn_InvalidArgumentsBecomeResult(t *testing.T) {
	reg := testRegistry()
	called := false
	reg.Register(newFuncTool("search", func(context.Context, json.RawMessage) (string, error) {
		called = true
		return "", nil
	}))
	p := NewMockProvider("mock")
	p.AddTurn(MockTurn{ToolCalls: []ToolCall{{ID: "c1", Name: "search", Arguments: json.RawMessage(`{"q":`)}}})
	p.AddTextResponse("sorry")

	turn := newTurn("m")
	if _, err := NewEngine(p, reg).RunTurn(context.Background(), turn, nil); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("tool ran with invalid arguments")
	}
	msgs := turn.Conversation.Messages()
	res := msgs[2].ToolResult()
	if res == nil || !strings.HasPrefix(res.Content, "Error executing tool search:") {
		t.Errorf("result = %+v", res)
	}
}

func TestRunTurn_UnknownTool(t *testing.T) {
	p := NewMockProvider("mock")
	p.AddToolCall("c1", "nope", map[string]string{})

	turn := newTurn("m")
	out, err := NewEngine(p, testRegistry()).RunTurn(context.Background(), turn, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != OutcomeError || out.Message != "Unknown tool requested: nope" {
		t.Fatalf("outcome = %v %q", out.Kind, out.Message)
	}
	last, _ := turn.Conversation.Last()
	if res := last.ToolResult(); res == nil || res.Content != "Error: unknown tool nope" {
		t.Errorf("last = %+v", last)
	}
	checkToolResultOrder(t, turn.Conversation)
}

func TestRunTurn_EmptyStop(t *testing.T) {
	p := NewMockProvider("mock")
	p.AddTextResponse("")

	sink := &chunkSink{}
	turn := newTurn("m")
	out, err := NewEngine(p, testRegistry()).RunTurn(context.Background(), turn, sink.add)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != OutcomeContent {
		t.Fatalf("Kind = %v", out.Kind)
	}
	if len(sink.chunks) != 0 {
		t.Errorf("chunks = %q, want none", sink.chunks)
	}
	last, _ := turn.Conversation.Last()
	if last.Role != RoleAssistant || last.HasContent() {
		t.Errorf("last = %+v, want assistant without content", last)
	}
}

func TestRunTurn_ProviderErrorIsRecorded(t *testing.T) {
	p := NewMockProvider("mock")
	p.AddError(errors.New("401 unauthorized"))

	turn := newTurn("m")
	out, err := NewEngine(p, testRegistry()).RunTurn(context.Background(), turn, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != OutcomeError || out.Message != "401 unauthorized" {
		t.Fatalf("outcome = %v %q", out.Kind, out.Message)
	}
	last, _ := turn.Conversation.Last()
	if got := last.Text(); got != "[Agent Error: 401 unauthorized]" {
		t.Errorf("assistant note = %q", got)
	}
}

func TestRunTurn_StreamOpenErrorIsRecorded(t *testing.T) {
	p := NewMockProvider("mock") // no scripted turns: Stream fails

	turn := newTurn("m")
	out, err := NewEngine(p, testRegistry()).RunTurn(context.Background(), turn, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != OutcomeError {
		t.Fatalf("Kind = %v, want error", out.Kind)
	}
}

func TestRunTurn_Incomplete(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "with text", text: "half an ans", want: "half an ans [Incomplete Response: length]"},
		{name: "no text", text: "", want: "[Agent Error: Stream ended unexpectedly. Reason: length]"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := NewMockProvider("mock")
			p.AddTurn(MockTurn{Text: tc.text, Finish: FinishLength})

			turn := newTurn("m")
			out, err := NewEngine(p, testRegistry()).RunTurn(context.Background(), turn, nil)
			if err != nil {
				t.Fatal(err)
			}
			if out.Kind != OutcomeIncomplete || out.Reason != "length" {
				t.Fatalf("outcome = %v %q", out.Kind, out.Reason)
			}
			last, _ := turn.Conversation.Last()
			if last.Text() != tc.want {
				t.Errorf("note = %q, want %q", last.Text(), tc.want)
			}
		})
	}
}

func TestRunTurn_StopMidStream(t *testing.T) {
	p := NewMockProvider("mock")
	p.AddTurn(MockTurn{Text: "this is a long answer that keeps going and going"})
	p.AddTextResponse("never")

	var stop atomic.Bool
	sink := &chunkSink{}
	onText := func(s string) error {
		stop.Store(true)
		return sink.add(s)
	}

	turn := newTurn("m")
	turn.StopRequested = stop.Load
	out, err := NewEngine(p, testRegistry()).RunTurn(context.Background(), turn, onText)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != OutcomeStopped {
		t.Fatalf("Kind = %v, want stopped", out.Kind)
	}
	if p.RequestCount() != 1 {
		t.Errorf("model calls = %d, want 1", p.RequestCount())
	}
	last, _ := turn.Conversation.Last()
	if last.Role != RoleAssistant || last.Text() != sink.text() || last.Text() == "" {
		t.Errorf("partial text %q not kept (streamed %q)", last.Text(), sink.text())
	}
}

func TestRunTurn_StopCancelsOpenClientCalls(t *testing.T) {
	var stop atomic.Bool
	reg := testRegistry()
	reg.Register(newFuncTool("slow", func(context.Context, json.RawMessage) (string, error) {
		stop.Store(true)
		return "finished", nil
	}))

	p := NewMockProvider("mock")
	p.AddTurn(MockTurn{ToolCalls: []ToolCall{
		{ID: "s1", Name: "slow", Arguments: json.RawMessage(`{}`)},
		{ID: "k1", Name: "run_bash_command", Arguments: json.RawMessage(`{"command":"ls"}`)},
	}})

	turn := newTurn("m")
	turn.StopRequested = stop.Load
	out, err := NewEngine(p, reg).RunTurn(context.Background(), turn, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != OutcomeStopped {
		t.Fatalf("Kind = %v, want stopped", out.Kind)
	}
	last, _ := turn.Conversation.Last()
	if res := last.ToolResult(); res == nil || res.ID != "k1" || res.Content != CancelledResult {
		t.Errorf("last = %+v", last)
	}
	if open := turn.Conversation.UnansweredToolCalls(); len(open) != 0 {
		t.Errorf("open calls after stop = %+v", open)
	}
	checkToolResultOrder(t, turn.Conversation)
}

func TestRunTurn_CostFailureYieldsZero(t *testing.T) {
	p := NewMockProvider("mock")
	p.AddTextResponse("fine")

	engine := NewEngine(p, testRegistry())
	engine.SetPricer(pricerFunc(func(string, int, int, int) (float64, error) {
		panic("rate table exploded")
	}))
	out, err := engine.RunTurn(context.Background(), newTurn("m"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != OutcomeContent || out.Cost != 0.0 {
		t.Fatalf("outcome = %v cost=%v", out.Kind, out.Cost)
	}
}

func TestRunTurn_FailedCallWithoutUsageCostsNothing(t *testing.T) {
	p := NewMockProvider("mock")
	p.AddTurn(MockTurn{Text: "some partial output", Err: errors.New("500 internal error")})

	engine := NewEngine(p, testRegistry())
	engine.SetPricer(pricerFunc(func(_ string, in, out, _ int) (float64, error) {
		return float64(in + out), nil
	}))
	out, err := engine.RunTurn(context.Background(), newTurn("m"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != OutcomeError || out.Cost != 0 {
		t.Fatalf("outcome = %v cost=%v, want error with no cost", out.Kind, out.Cost)
	}
}

func TestRunTurn_FailedCallPricesTrailingUsage(t *testing.T) {
	p := NewMockProvider("mock")
	p.AddTurn(MockTurn{Events: []Event{
		{Type: EventTextDelta, Text: "par"},
		{Type: EventError, Err: errors.New("500 internal error")},
		{Type: EventUsage, Use: &Usage{InputTokens: 10, OutputTokens: 5}},
	}})

	var gotIn, gotOut int
	engine := NewEngine(p, testRegistry())
	engine.SetPricer(pricerFunc(func(_ string, in, out, _ int) (float64, error) {
		gotIn, gotOut = in, out
		return 0.25, nil
	}))
	out, err := engine.RunTurn(context.Background(), newTurn("m"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != OutcomeError || out.Cost != 0.25 {
		t.Fatalf("outcome = %v cost=%v", out.Kind, out.Cost)
	}
	if gotIn != 10 || gotOut != 5 {
		t.Errorf("priced in=%d out=%d, want reported 10/5", gotIn, gotOut)
	}
}

func TestRunTurn_ReportsEarliestCost(t *testing.T) {
	reg := testRegistry()
	reg.Register(newFuncTool("search", func(context.Context, json.RawMessage) (string, error) { return "r", nil }))
	p := NewMockProvider("mock")
	p.AddToolCall("c1", "search", map[string]string{})
	p.AddTextResponse("answer")

	var calls int32
	engine := NewEngine(p, reg)
	engine.SetPricer(pricerFunc(func(string, int, int, int) (float64, error) {
		return float64(atomic.AddInt32(&calls, 1)), nil
	}))
	out, err := engine.RunTurn(context.Background(), newTurn("m"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Cost != 1 {
		t.Errorf("Cost = %v, want first figure 1", out.Cost)
	}
}

func TestRunTurn_MaxSteps(t *testing.T) {
	reg := testRegistry()
	reg.Register(newFuncTool("loop", func(context.Context, json.RawMessage) (string, error) { return "again", nil }))
	p := NewMockProvider("mock")
	for i := 0; i < 5; i++ {
		p.AddToolCall("c"+string(rune('a'+i)), "loop", map[string]string{})
	}

	engine := NewEngine(p, reg)
	engine.SetMaxSteps(2)
	out, err := engine.RunTurn(context.Background(), newTurn("m"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != OutcomeError || out.Message != maxStepsMessage {
		t.Fatalf("outcome = %v %q", out.Kind, out.Message)
	}
	if p.RequestCount() != 2 {
		t.Errorf("model calls = %d, want 2", p.RequestCount())
	}
}

func TestRunTurn_JSONFallback(t *testing.T) {
	reg := testRegistry()
	var gotArgs string
	reg.Register(newFuncTool("fetch_from_memory", func(_ context.Context, args json.RawMessage) (string, error) {
		gotArgs = string(args)
		return "No relevant memories found.", nil
	}))

	p := NewMockProvider("ollama").WithCapabilities(Capabilities{NativeToolCalls: false})
	p.AddTextResponse(`{"name": "fetch_from_memory", "arguments": "{\"query\": \"cats\"}"}`)
	p.AddTextResponse("I don't remember any cats.")

	sink := &chunkSink{}
	turn := newTurn("ollama/llama3")
	out, err := NewEngine(p, reg).RunTurn(context.Background(), turn, sink.add)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != OutcomeContent || out.Text != "I don't remember any cats." {
		t.Fatalf("outcome = %v %q", out.Kind, out.Text)
	}
	if gotArgs != `{"query": "cats"}` {
		t.Errorf("tool args = %q", gotArgs)
	}
	if sink.text() != "I don't remember any cats." {
		t.Errorf("JSON tool call leaked into chunks: %q", sink.text())
	}
	msgs := turn.Conversation.Messages()
	calls := msgs[1].ToolCalls()
	if len(calls) != 1 || !strings.HasPrefix(calls[0].ID, "call_") {
		t.Errorf("fallback call = %+v", calls)
	}
	checkToolResultOrder(t, turn.Conversation)
}

func TestRunTurn_JSONFallbackUnknownNameIsContent(t *testing.T) {
	text := `{"name": "not_a_tool", "arguments": {}}`
	p := NewMockProvider("ollama").WithCapabilities(Capabilities{NativeToolCalls: false})
	p.AddTextResponse(text)

	sink := &chunkSink{}
	out, err := NewEngine(p, testRegistry()).RunTurn(context.Background(), newTurn("m"), sink.add)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != OutcomeContent || out.Text != text {
		t.Fatalf("outcome = %v %q", out.Kind, out.Text)
	}
	if sink.text() != text {
		t.Errorf("buffered text not delivered: %q", sink.text())
	}
}

func TestRunTurn_NativeProviderIgnoresJSONText(t *testing.T) {
	reg := testRegistry()
	reg.Register(newFuncTool("search", func(context.Context, json.RawMessage) (string, error) {
		t.Error("tool must not run for native providers")
		return "", nil
	}))
	text := `{"name": "search", "arguments": {}}`
	p := NewMockProvider("openai")
	p.AddTextResponse(text)

	out, err := NewEngine(p, reg).RunTurn(context.Background(), newTurn("m"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != OutcomeContent {
		t.Fatalf("Kind = %v", out.Kind)
	}
}

func TestRunTurn_SinkFailurePropagates(t *testing.T) {
	p := NewMockProvider("mock")
	p.AddTextResponse("hello")
	sinkErr := errors.New("socket closed")

	_, err := NewEngine(p, testRegistry()).RunTurn(context.Background(), newTurn("m"), func(string) error {
		return sinkErr
	})
	if !errors.Is(err, sinkErr) {
		t.Fatalf("err = %v, want %v", err, sinkErr)
	}
}
