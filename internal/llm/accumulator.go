package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"
)

// ErrInconsistentToolCalls is reported when a response asked for tool calls
// but none of the accumulated calls carried both an id and a name.
var ErrInconsistentToolCalls = errors.New("inconsistent tool call state")

// ResultKind classifies how a model response ended.
type ResultKind int

const (
	ResultStop ResultKind = iota
	ResultToolCalls
	ResultIncomplete
	ResultError
	ResultInterrupted
)

func (k ResultKind) String() string {
	switch k {
	case ResultStop:
		return "stop"
	case ResultToolCalls:
		return "tool_calls"
	case ResultIncomplete:
		return "incomplete"
	case ResultError:
		return "error"
	case ResultInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// Result is the accumulated outcome of one model response.
type Result struct {
	Kind      ResultKind
	Text      string
	ToolCalls []ToolCall
	Reason    string
	Err       error
	Usage     *Usage
}

type sniffMode int

const (
	sniffUndecided sniffMode = iota
	sniffLive
	sniffHolding
)

// Accumulator rebuilds full text and tool calls from streamed events while
// forwarding text deltas to a sink as they arrive.
type Accumulator struct {
	onText func(string) error
	sniff  bool
	logger *slog.Logger

	text    strings.Builder
	held    strings.Builder
	mode    sniffMode
	calls   map[int]*toolCallState
	order   []int
	finish  FinishReason
	usage   *Usage
	err     error
	stopped bool
}

type toolCallState struct {
	id   string
	name string
	args strings.Builder
}

// NewAccumulator creates an accumulator. When sniffJSON is set, text that
// starts with '{' is held back instead of being forwarded, since it may be a
// tool call written as plain JSON.
func NewAccumulator(onText func(string) error, sniffJSON bool, logger *slog.Logger) *Accumulator {
	if onText == nil {
		onText = func(string) error { return nil }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Accumulator{
		onText: onText,
		sniff:  sniffJSON,
		logger: logger,
		calls:  make(map[int]*toolCallState),
	}
}

// Add consumes one event. The returned error is a sink failure only; stream
// errors are recorded and reported through Result.
func (a *Accumulator) Add(ev Event) error {
	if a.Done() {
		// Usage can trail an error and still counts.
		if ev.Type == EventUsage && ev.Use != nil {
			a.usage = ev.Use
		}
		return nil
	}
	switch ev.Type {
	case EventTextDelta:
		return a.addText(ev.Text)
	case EventToolCallDelta:
		if ev.ToolDelta != nil {
			a.addFragment(*ev.ToolDelta)
		}
	case EventFinish:
		a.finish = ev.FinishReason
	case EventUsage:
		if ev.Use != nil {
			a.usage = ev.Use
		}
	case EventError:
		a.err = ev.Err
		if a.err == nil {
			a.err = errors.New("unknown stream error")
		}
	}
	return nil
}

// Fail records an error that ended the stream outside of an event.
func (a *Accumulator) Fail(err error) {
	if a.err == nil {
		a.err = err
	}
}

// Interrupt marks the response as cut short by a stop request.
func (a *Accumulator) Interrupt() {
	a.stopped = true
}

// Done reports whether processing must stop.
func (a *Accumulator) Done() bool {
	return a.err != nil || a.stopped
}

// Text returns everything the model produced so far.
func (a *Accumulator) Text() string {
	return a.text.String()
}

// Flush forwards text that was held back by JSON sniffing.
func (a *Accumulator) Flush() error {
	if a.held.Len() == 0 {
		return nil
	}
	held := a.held.String()
	a.held.Reset()
	a.mode = sniffLive
	return a.onText(held)
}

func (a *Accumulator) addText(delta string) error {
	if delta == "" {
		return nil
	}
	a.text.WriteString(delta)
	if !a.sniff {
		return a.onText(delta)
	}
	switch a.mode {
	case sniffLive:
		return a.onText(delta)
	case sniffHolding:
		a.held.WriteString(delta)
		return nil
	}
	a.held.WriteString(delta)
	trimmed := strings.TrimLeftFunc(a.held.String(), unicode.IsSpace)
	if trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, "{") {
		a.mode = sniffHolding
		return nil
	}
	return a.Flush()
}

func (a *Accumulator) addFragment(d ToolCallDelta) {
	state, ok := a.calls[d.Index]
	if !ok {
		state = &toolCallState{id: d.ID, name: d.Name}
		a.calls[d.Index] = state
		a.order = append(a.order, d.Index)
	}
	if state.id == "" && d.ID != "" {
		state.id = d.ID
	}
	if state.name == "" && d.Name != "" {
		state.name = d.Name
	}
	if d.Arguments != "" {
		state.args.WriteString(d.Arguments)
	}
}

// validCalls finalizes the accumulated calls in index order, dropping any
// that lack an id or a name.
func (a *Accumulator) validCalls() []ToolCall {
	sort.Ints(a.order)
	calls := make([]ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		state := a.calls[idx]
		if state.id == "" || state.name == "" {
			a.logger.Warn("dropping malformed tool call",
				"index", idx, "id", state.id, "name", state.name)
			continue
		}
		calls = append(calls, ToolCall{
			ID:        state.id,
			Name:      state.name,
			Arguments: json.RawMessage(state.args.String()),
		})
	}
	return calls
}

// Result classifies the response. It must be called once the stream ended.
func (a *Accumulator) Result() Result {
	res := Result{Text: a.text.String(), Usage: a.usage}
	switch {
	case a.stopped:
		res.Kind = ResultInterrupted
	case a.err != nil:
		res.Kind = ResultError
		res.Err = a.err
	case a.finish == FinishToolCalls:
		res.ToolCalls = a.validCalls()
		if len(res.ToolCalls) == 0 {
			res.Kind = ResultError
			res.Err = ErrInconsistentToolCalls
			return res
		}
		res.Kind = ResultToolCalls
	case a.finish == FinishStop:
		res.Kind = ResultStop
	default:
		res.Kind = ResultIncomplete
		res.Reason = string(a.finish)
		if res.Reason == "" {
			res.Reason = "no finish reason"
		}
	}
	return res
}

// ParseTextToolCall interprets text as {"name": ..., "arguments": ...} where
// arguments is an object or a JSON-encoded string.
func ParseTextToolCall(text string) (name string, args json.RawMessage, ok bool) {
	var raw struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &raw); err != nil {
		return "", nil, false
	}
	if raw.Name == "" {
		return "", nil, false
	}
	trimmed := strings.TrimSpace(string(raw.Arguments))
	switch {
	case trimmed == "" || trimmed == "null":
		return raw.Name, json.RawMessage("{}"), true
	case strings.HasPrefix(trimmed, "{"):
		return raw.Name, json.RawMessage(trimmed), true
	case strings.HasPrefix(trimmed, `"`):
		var inner string
		if err := json.Unmarshal(raw.Arguments, &inner); err != nil {
			return "", nil, false
		}
		inner = strings.TrimSpace(inner)
		if inner == "" {
			inner = "{}"
		}
		return raw.Name, json.RawMessage(inner), true
	}
	return "", nil, false
}
