package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxSteps = 50

	// CancelledResult is the tool result given to calls left open by a stop.
	CancelledResult = "Operation cancelled by user"
	// DeniedResult is what clients send back when the user refused a call.
	DeniedResult = "User denied execution"

	maxStepsMessage = "maximum agent steps exceeded"
)

// Recorder receives engine measurements. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ModelCall(provider, model, result string, d time.Duration)
	ToolCall(tool, venue, status string, d time.Duration)
	Tokens(model string, input, output int)
	Cost(model string, dollars float64)
}

type nopRecorder struct{}

func (nopRecorder) ModelCall(string, string, string, time.Duration) {}
func (nopRecorder) ToolCall(string, string, string, time.Duration) {}
func (nopRecorder) Tokens(string, int, int) {}
func (nopRecorder) Cost(string, float64) {}

// Engine runs turns against one provider and tool registry.
type Engine struct {
	provider Provider
	tools    *ToolRegistry
	pricer   Pricer
	recorder Recorder
	logger   *slog.Logger
	maxSteps int
	newID    func() string
}

func NewEngine(provider Provider, tools *ToolRegistry) *Engine {
	if tools == nil {
		tools = NewToolRegistry()
	}
	return &Engine{
		provider: provider,
		tools:    tools,
		recorder: nopRecorder{},
		logger:   slog.Default(),
		maxSteps: defaultMaxSteps,
		newID:    func() string { return "call_" + uuid.NewString() },
	}
}

// SetPricer sets the rate lookup used for cost figures.
func (e *Engine) SetPricer(p Pricer) { e.pricer = p }

// SetRecorder sets the metrics sink.
func (e *Engine) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	e.recorder = r
}

// SetLogger sets the logger.
func (e *Engine) SetLogger(l *slog.Logger) {
	if l != nil {
		e.logger = l
	}
}

// SetMaxSteps bounds the number of model calls in one turn.
func (e *Engine) SetMaxSteps(n int) {
	if n > 0 {
		e.maxSteps = n
	}
}

// Tools returns the engine's tool registry.
func (e *Engine) Tools() *ToolRegistry {
	return e.tools
}

// Turn is the input of RunTurn.
type Turn struct {
	Conversation *Conversation
	Model        string
	// StopRequested is polled at every cancellation checkpoint.
	StopRequested func() bool
}

func (t *Turn) stopped() bool {
	return t.StopRequested != nil && t.StopRequested()
}

// OutcomeKind is the terminal state of RunTurn.
type OutcomeKind int

const (
	OutcomeContent OutcomeKind = iota
	OutcomeAskUser
	OutcomeTerminate
	OutcomeSuspended
	OutcomeStopped
	OutcomeError
	OutcomeIncomplete
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeContent:
		return "content"
	case OutcomeAskUser:
		return "ask_user"
	case OutcomeTerminate:
		return "terminate"
	case OutcomeSuspended:
		return "suspended"
	case OutcomeStopped:
		return "stopped"
	case OutcomeError:
		return "error"
	case OutcomeIncomplete:
		return "incomplete"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome describes how a turn ended.
type Outcome struct {
	Kind OutcomeKind
	// Text is the final assistant text for content outcomes.
	Text string
	// Question is the ask_user question.
	Question string
	// Reason is the terminate reason.
	Reason string
	// ClientCalls are the calls the peer must run before the turn resumes.
	ClientCalls []ToolCall
	// Message is the user-visible text of error and incomplete outcomes.
	Message string
	// Cost is the first cost figure captured during the turn.
	Cost  float64
	Steps int
}

// Finished reports whether the turn reached a terminal state.
func (o Outcome) Finished() bool {
	return o.Kind != OutcomeSuspended
}

// RunTurn drives model calls and tool dispatch until the turn finishes or
// suspends on client tools. onText receives streamed content. The returned
// error is set only when onText fails or the context ends; every other
// failure is reported through the Outcome.
func (e *Engine) RunTurn(ctx context.Context, turn *Turn, onText func(string) error) (Outcome, error) {
	var (
		cost     float64
		captured bool
	)
	finish := func(out Outcome, steps int) (Outcome, error) {
		out.Cost = cost
		out.Steps = steps
		return out, nil
	}

	for step := 1; ; step++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		if turn.stopped() {
			return finish(e.cancel(ctx, turn, ""), step-1)
		}
		if step > e.maxSteps {
			e.append(ctx, turn, AssistantText("[Agent Error: "+maxStepsMessage+"]"))
			return finish(Outcome{Kind: OutcomeError, Message: maxStepsMessage}, step-1)
		}

		res, acc, stepCost, err := e.callModel(ctx, turn, onText)
		if err != nil {
			return Outcome{}, err
		}
		if !captured {
			cost, captured = stepCost, true
		}

		calls := res.ToolCalls
		switch res.Kind {
		case ResultInterrupted:
			if err := acc.Flush(); err != nil {
				return Outcome{}, err
			}
			return finish(e.cancel(ctx, turn, res.Text), step)

		case ResultError:
			msg := errorText(res.Err)
			e.logger.Warn("model call failed", "model", turn.Model, "error", res.Err)
			e.append(ctx, turn, AssistantText("[Agent Error: "+msg+"]"))
			return finish(Outcome{Kind: OutcomeError, Message: msg}, step)

		case ResultIncomplete:
			if err := acc.Flush(); err != nil {
				return Outcome{}, err
			}
			note := res.Text + " [Incomplete Response: " + res.Reason + "]"
			if res.Text == "" {
				note = "[Agent Error: Stream ended unexpectedly. Reason: " + res.Reason + "]"
			}
			e.append(ctx, turn, AssistantText(note))
			return finish(Outcome{Kind: OutcomeIncomplete, Reason: res.Reason, Message: note}, step)

		case ResultStop:
			call, ok := e.textToolCall(res.Text)
			if !ok {
				if err := acc.Flush(); err != nil {
					return Outcome{}, err
				}
				e.append(ctx, turn, AssistantText(res.Text))
				return finish(Outcome{Kind: OutcomeContent, Text: res.Text}, step)
			}
			e.logger.Debug("parsed tool call from text", "tool", call.Name, "id", call.ID)
			calls = []ToolCall{call}
		}

		e.append(ctx, turn, AssistantToolCalls(calls))
		out, done := e.dispatch(ctx, turn, calls)
		if done {
			return finish(out, step)
		}
	}
}

// callModel streams one model response.
func (e *Engine) callModel(ctx context.Context, turn *Turn, onText func(string) error) (Result, *Accumulator, float64, error) {
	caps := e.provider.Capabilities()
	acc := NewAccumulator(onText, !caps.NativeToolCalls, e.logger)
	req := Request{
		Model:             APIModelName(turn.Model),
		Messages:          turn.Conversation.Messages(),
		Tools:             e.tools.AllSpecs(),
		ParallelToolCalls: false,
	}

	start := time.Now()
	stream, err := e.provider.Stream(ctx, req)
	if err != nil {
		acc.Fail(err)
	} else {
		for !acc.Done() {
			if turn.stopped() {
				acc.Interrupt()
				break
			}
			ev, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				acc.Fail(err)
				break
			}
			if err := acc.Add(ev); err != nil {
				stream.Close()
				return Result{}, nil, 0, err
			}
			if ev.Type == EventError {
				if use := trailingUsage(stream); use != nil {
					_ = acc.Add(Event{Type: EventUsage, Use: use})
				}
			}
		}
		stream.Close()
	}

	res := acc.Result()
	e.recorder.ModelCall(e.provider.Name(), turn.Model, res.Kind.String(), time.Since(start))
	if res.Usage != nil {
		e.recorder.Tokens(turn.Model, res.Usage.InputTokens, res.Usage.OutputTokens)
	}
	cost := costOf(e.pricer, turn.Model, req.Messages, res, e.logger)
	e.recorder.Cost(turn.Model, cost)
	e.logger.Debug("model call finished",
		"model", turn.Model, "result", res.Kind.String(), "calls", len(res.ToolCalls),
		"text_len", len(res.Text), "cost", cost, "elapsed", time.Since(start))
	return res, acc, cost, nil
}

// maxTrailingEvents bounds how far past an error event a stream is read.
const maxTrailingEvents = 8

// trailingUsage returns the usage a provider reports after an error event,
// if any.
func trailingUsage(stream Stream) *Usage {
	for range maxTrailingEvents {
		ev, err := stream.Recv()
		if err != nil {
			return nil
		}
		if ev.Type == EventUsage && ev.Use != nil {
			return ev.Use
		}
	}
	return nil
}

// textToolCall applies the JSON fallback for providers without native tool
// calls. Only names present in the registry are accepted.
func (e *Engine) textToolCall(text string) (ToolCall, bool) {
	if e.provider.Capabilities().NativeToolCalls {
		return ToolCall{}, false
	}
	name, args, ok := ParseTextToolCall(text)
	if !ok || !e.tools.Has(name) {
		return ToolCall{}, false
	}
	return ToolCall{ID: e.newID(), Name: name, Arguments: args}, true
}

// dispatch routes a batch of calls. It returns done=false when server tools
// ran and the loop should call the model again.
func (e *Engine) dispatch(ctx context.Context, turn *Turn, calls []ToolCall) (Outcome, bool) {
	var (
		server []ToolCall
		client []ToolCall
	)
	for _, call := range calls {
		venue, ok := e.tools.Lookup(call.Name)
		if !ok {
			e.logger.Warn("model requested unknown tool", "tool", call.Name, "id", call.ID)
			e.recorder.ToolCall(call.Name, "unknown", "error", 0)
			e.append(ctx, turn, ToolErrorMessage(call.ID, call.Name, "Error: unknown tool "+call.Name))
			e.skipOthers(ctx, turn, calls, call.ID, "unknown tool "+call.Name)
			return Outcome{Kind: OutcomeError, Message: "Unknown tool requested: " + call.Name}, true
		}
		switch v := venue.(type) {
		case FlowVenue:
			return e.flow(ctx, turn, calls, call, v.Kind), true
		case ServerVenue:
			server = append(server, call)
		case ClientVenue:
			client = append(client, call)
		}
	}

	if len(server) > 0 {
		e.runServerTools(ctx, turn, server)
	}
	if len(client) == 0 {
		return Outcome{}, false
	}
	if turn.stopped() {
		return e.cancel(ctx, turn, ""), true
	}
	for _, call := range client {
		e.recorder.ToolCall(call.Name, "client", "dispatched", 0)
	}
	return Outcome{Kind: OutcomeSuspended, ClientCalls: client}, true
}

func (e *Engine) flow(ctx context.Context, turn *Turn, calls []ToolCall, call ToolCall, kind FlowKind) Outcome {
	e.recorder.ToolCall(call.Name, "flow", "ok", 0)
	switch kind {
	case FlowAskUser:
		var args struct {
			Question string `json:"question"`
		}
		_ = json.Unmarshal(call.ArgumentsOrEmpty(), &args)
		e.skipOthers(ctx, turn, calls, call.ID, "waiting for the user's answer")
		turn.Conversation.SetPendingClarification(call.ID)
		return Outcome{Kind: OutcomeAskUser, Question: args.Question}
	default:
		var args struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(call.ArgumentsOrEmpty(), &args)
		e.append(ctx, turn, ToolResultMessage(call.ID, call.Name, "Terminated: "+args.Reason))
		e.skipOthers(ctx, turn, calls, call.ID, "conversation terminated")
		return Outcome{Kind: OutcomeTerminate, Reason: args.Reason}
	}
}

// skipOthers answers every call in the batch except keep.
func (e *Engine) skipOthers(ctx context.Context, turn *Turn, calls []ToolCall, keep, why string) {
	for _, other := range calls {
		if other.ID == keep {
			continue
		}
		e.append(ctx, turn, ToolResultMessage(other.ID, other.Name, "Tool call skipped: "+why))
	}
}

// runServerTools executes server calls concurrently and appends each
// result as soon as it is ready.
func (e *Engine) runServerTools(ctx context.Context, turn *Turn, calls []ToolCall) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, call := range calls {
		g.Go(func() error {
			content, failed := e.executeTool(gctx, call)
			msg := ToolResultMessage(call.ID, call.Name, content)
			if failed {
				msg = ToolErrorMessage(call.ID, call.Name, content)
			}
			mu.Lock()
			defer mu.Unlock()
			e.append(ctx, turn, msg)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) executeTool(ctx context.Context, call ToolCall) (content string, failed bool) {
	start := time.Now()
	status := "ok"
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked", "tool", call.Name, "panic", fmt.Sprint(r))
			content = fmt.Sprintf("Error executing tool %s: %v", call.Name, r)
			failed = true
			status = "panic"
		}
		e.recorder.ToolCall(call.Name, "server", status, time.Since(start))
	}()

	tool, _ := e.tools.Get(call.Name)
	args := call.ArgumentsOrEmpty()
	if !json.Valid(args) {
		status = "error"
		return fmt.Sprintf("Error executing tool %s: invalid JSON arguments", call.Name), true
	}
	out, err := tool.Execute(ContextWithCallID(ctx, call.ID), args)
	if err != nil {
		status = "error"
		e.logger.Info("tool failed", "tool", call.Name, "id", call.ID, "error", err)
		return fmt.Sprintf("Error executing tool %s: %v", call.Name, err), true
	}
	e.logger.Debug("tool finished", "tool", call.Name, "id", call.ID, "elapsed", time.Since(start))
	return out, false
}

// cancel answers every open call with the cancellation result and keeps
// any partial text.
func (e *Engine) cancel(ctx context.Context, turn *Turn, partial string) Outcome {
	CancelOpenCalls(ctx, turn.Conversation, e.logger)
	if partial != "" {
		e.append(ctx, turn, AssistantText(partial))
	}
	return Outcome{Kind: OutcomeStopped, Text: partial}
}

// CancelOpenCalls gives every unanswered call of the latest assistant
// message the cancellation result. It returns the number of calls closed.
func CancelOpenCalls(ctx context.Context, conv *Conversation, logger *slog.Logger) int {
	open := conv.UnansweredToolCalls()
	for _, call := range open {
		if err := conv.Append(ctx, ToolResultMessage(call.ID, call.Name, CancelledResult)); err != nil && logger != nil {
			logger.Warn("failed to persist message", "error", err)
		}
	}
	if id := conv.PendingClarification(); id != "" {
		for _, call := range open {
			if call.ID == id {
				conv.TakePendingClarification()
			}
		}
	}
	return len(open)
}

func (e *Engine) append(ctx context.Context, turn *Turn, msg Message) {
	if err := turn.Conversation.Append(ctx, msg); err != nil {
		e.logger.Warn("failed to persist message", "role", msg.Role, "error", err)
	}
}

func errorText(err error) string {
	if errors.Is(err, ErrInconsistentToolCalls) {
		return "Inconsistent tool call state"
	}
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
