package agent

import (
	"context"
	"sync"
	"time"

	"github.com/samsaffron/nohup/internal/llm"
	"github.com/samsaffron/nohup/internal/tools"
)

const stoppedNotice = "Agent stopped by user."

// runTurn runs the engine until the turn finishes or suspends on client
// tools, then reports the outcome. cost_update always precedes the last
// event.
func (s *Session) runTurn(ctx context.Context) error {
	s.mu.Lock()
	model := s.chat.Model
	keys := s.keys
	s.mu.Unlock()

	provider, err := s.cfg.NewProvider(model, keys)
	if err != nil {
		s.logger.Warn("provider unavailable", "model", model, "error", err)
		msg := "Failed to initialize model " + model + ": " + err.Error()
		s.append(ctx, llm.AssistantText("[Agent Error: "+msg+"]"))
		s.metrics.TurnFinished(llm.OutcomeError.String())
		return s.sendAll(ctx, costEvent(s.totalCost()), Event{Type: EventError, Content: msg})
	}

	tally := &usageTally{next: s.metrics}
	engine := llm.NewEngine(provider, s.cfg.Tools)
	engine.SetPricer(s.cfg.Pricer)
	engine.SetRecorder(tally)
	engine.SetLogger(s.logger)
	if s.cfg.MaxSteps > 0 {
		engine.SetMaxSteps(s.cfg.MaxSteps)
	}

	start := time.Now()
	tctx := tools.WithInteractor(ctx, s)
	out, err := engine.RunTurn(tctx, &llm.Turn{
		Conversation:  s.conv,
		Model:         model,
		StopRequested: s.stopRequested,
	}, func(text string) error {
		return s.send(ctx, Event{Type: EventChunk, Content: text})
	})
	if err != nil {
		return err
	}

	in, outTokens := tally.totals()
	total := s.addUsage(ctx, out.Cost, in, outTokens)
	s.metrics.TurnFinished(out.Kind.String())
	s.logger.Info("turn finished",
		"outcome", out.Kind.String(), "model", model, "steps", out.Steps,
		"cost", out.Cost, "elapsed", time.Since(start))

	cost := costEvent(total)
	switch out.Kind {
	case llm.OutcomeContent:
		return s.sendAll(ctx, cost, Event{Type: EventEnd})
	case llm.OutcomeAskUser:
		return s.sendAll(ctx, Event{Type: EventAskUser, Question: out.Question}, cost, Event{Type: EventEnd})
	case llm.OutcomeTerminate:
		return s.sendAll(ctx, Event{Type: EventTerminate, Reason: out.Reason}, cost, Event{Type: EventEnd})
	case llm.OutcomeSuspended:
		for _, call := range out.ClientCalls {
			s.inFlight[call.ID] = call.Name
		}
		return s.sendAll(ctx, cost, Event{Type: EventToolCallRequest, ToolCalls: toolCallsOut(out.ClientCalls)})
	case llm.OutcomeStopped:
		clear(s.inFlight)
		return s.sendAll(ctx, Event{Type: EventInfo, Content: stoppedNotice}, cost, Event{Type: EventEnd})
	default:
		return s.sendAll(ctx, cost, Event{Type: EventError, Content: out.Message})
	}
}

// addUsage adds one turn's figures to the chat and returns the new total.
func (s *Session) addUsage(ctx context.Context, cost float64, in, out int) float64 {
	if err := s.cfg.Store.AddUsage(context.WithoutCancel(ctx), s.chatID, cost, in, out); err != nil {
		s.logger.Warn("failed to record usage", "error", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat.TotalCost += cost
	s.chat.InputTokens += in
	s.chat.OutputTokens += out
	return s.chat.TotalCost
}

// usageTally counts the tokens of one turn and forwards every measurement.
type usageTally struct {
	next llm.Recorder

	mu     sync.Mutex
	input  int
	output int
}

func (t *usageTally) ModelCall(provider, model, result string, d time.Duration) {
	t.next.ModelCall(provider, model, result, d)
}

func (t *usageTally) ToolCall(tool, venue, status string, d time.Duration) {
	t.next.ToolCall(tool, venue, status, d)
}

func (t *usageTally) Tokens(model string, in, out int) {
	t.mu.Lock()
	t.input += in
	t.output += out
	t.mu.Unlock()
	t.next.Tokens(model, in, out)
}

func (t *usageTally) Cost(model string, dollars float64) {
	t.next.Cost(model, dollars)
}

func (t *usageTally) totals() (in, out int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.input, t.output
}
