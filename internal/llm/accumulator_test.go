package llm

import (
	"errors"
	"strings"
	"testing"
)

func textDelta(s string) Event {
	return Event{Type: EventTextDelta, Text: s}
}

func fragment(index int, id, name, args string) Event {
	return Event{Type: EventToolCallDelta, ToolDelta: &ToolCallDelta{Index: index, ID: id, Name: name, Arguments: args}}
}

func finishWith(reason FinishReason) Event {
	return Event{Type: EventFinish, FinishReason: reason}
}

func feed(t *testing.T, acc *Accumulator, events ...Event) Result {
	t.Helper()
	for _, ev := range events {
		if err := acc.Add(ev); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	return acc.Result()
}

func TestAccumulator_FragmentsByIndex(t *testing.T) {
	acc := NewAccumulator(nil, false, nil)
	res := feed(t, acc,
		fragment(0, "a", "f", ""),
		fragment(0, "", "", `{"x":`),
		fragment(0, "", "", `1}`),
		finishWith(FinishToolCalls),
	)

	if res.Kind != ResultToolCalls {
		t.Fatalf("Kind = %v, want tool_calls", res.Kind)
	}
	if len(res.ToolCalls) != 1 {
		t.Fatalf("got %d calls, want 1", len(res.ToolCalls))
	}
	call := res.ToolCalls[0]
	if call.ID != "a" || call.Name != "f" || string(call.Arguments) != `{"x":1}` {
		t.Errorf("call = {%q, %q, %q}, want {a, f, {\"x\":1}}", call.ID, call.Name, call.Arguments)
	}
}

func TestAccumulator_InterleavedIndicesAndLateName(t *testing.T) {
	acc := NewAccumulator(nil, false, nil)
	res := feed(t, acc,
		fragment(1, "b", "", `{"q":`),
		fragment(0, "a", "first", `{}`),
		fragment(1, "", "second", `"go"}`),
		finishWith(FinishToolCalls),
	)

	if len(res.ToolCalls) != 2 {
		t.Fatalf("got %d calls, want 2", len(res.ToolCalls))
	}
	if res.ToolCalls[0].ID != "a" || res.ToolCalls[1].ID != "b" {
		t.Errorf("calls not ordered by index: %+v", res.ToolCalls)
	}
	if res.ToolCalls[1].Name != "second" {
		t.Errorf("name = %q, want backfilled %q", res.ToolCalls[1].Name, "second")
	}
	if got := string(res.ToolCalls[1].Arguments); got != `{"q":"go"}` {
		t.Errorf("arguments = %q", got)
	}
}

func TestAccumulator_DropsCallsWithoutIDOrName(t *testing.T) {
	acc := NewAccumulator(nil, false, nil)
	res := feed(t, acc,
		fragment(0, "", "nameless_id", `{}`),
		fragment(1, "ok", "tool", `{}`),
		finishWith(FinishToolCalls),
	)
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].ID != "ok" {
		t.Fatalf("calls = %+v, want only the valid one", res.ToolCalls)
	}

	acc = NewAccumulator(nil, false, nil)
	res = feed(t, acc, fragment(0, "id", "", `{}`), finishWith(FinishToolCalls))
	if res.Kind != ResultError || !errors.Is(res.Err, ErrInconsistentToolCalls) {
		t.Fatalf("Kind = %v err = %v, want inconsistent tool call error", res.Kind, res.Err)
	}
}

func TestAccumulator_ForwardsTextLive(t *testing.T) {
	var forwarded []string
	acc := NewAccumulator(func(s string) error {
		forwarded = append(forwarded, s)
		return nil
	}, false, nil)

	res := feed(t, acc, textDelta("Hel"), textDelta("lo"), finishWith(FinishStop))

	if res.Kind != ResultStop || res.Text != "Hello" {
		t.Fatalf("result = %v %q", res.Kind, res.Text)
	}
	if strings.Join(forwarded, "|") != "Hel|lo" {
		t.Errorf("forwarded = %q", forwarded)
	}
}

func TestAccumulator_IncompleteAndError(t *testing.T) {
	res := feed(t, NewAccumulator(nil, false, nil), textDelta("partial"), finishWith(FinishLength))
	if res.Kind != ResultIncomplete || res.Reason != "length" || res.Text != "partial" {
		t.Errorf("got %v %q %q", res.Kind, res.Reason, res.Text)
	}

	res = feed(t, NewAccumulator(nil, false, nil), textDelta("x"))
	if res.Kind != ResultIncomplete || res.Reason != "no finish reason" {
		t.Errorf("missing finish: got %v %q", res.Kind, res.Reason)
	}

	boom := errors.New("boom")
	acc := NewAccumulator(nil, false, nil)
	res = feed(t, acc, textDelta("a"), Event{Type: EventError, Err: boom}, textDelta("ignored"), finishWith(FinishStop))
	if res.Kind != ResultError || !errors.Is(res.Err, boom) {
		t.Fatalf("got %v %v, want error", res.Kind, res.Err)
	}
	if res.Text != "a" {
		t.Errorf("text after error = %q, want %q", res.Text, "a")
	}
}

func TestAccumulator_SniffHoldsJSON(t *testing.T) {
	var forwarded strings.Builder
	acc := NewAccumulator(func(s string) error {
		forwarded.WriteString(s)
		return nil
	}, true, nil)

	res := feed(t, acc,
		textDelta("  \n"),
		textDelta(`{"name": "ask_user", `),
		textDelta(`"arguments": {"question": "why?"}}`),
		finishWith(FinishStop),
	)
	if forwarded.Len() != 0 {
		t.Fatalf("forwarded %q while holding JSON", forwarded.String())
	}
	name, args, ok := ParseTextToolCall(res.Text)
	if !ok || name != "ask_user" || string(args) != `{"question": "why?"}` {
		t.Fatalf("ParseTextToolCall = %q %q %v", name, args, ok)
	}

	if err := acc.Flush(); err != nil {
		t.Fatal(err)
	}
	if forwarded.String() != res.Text {
		t.Errorf("flushed %q, want whole buffer %q", forwarded.String(), res.Text)
	}
}

func TestAccumulator_SniffReleasesPlainText(t *testing.T) {
	var forwarded []string
	acc := NewAccumulator(func(s string) error {
		forwarded = append(forwarded, s)
		return nil
	}, true, nil)

	feed(t, acc, textDelta(" "), textDelta("Hi"), textDelta(" there {not json}"), finishWith(FinishStop))
	if got := strings.Join(forwarded, ""); got != " Hi there {not json}" {
		t.Errorf("forwarded = %q", got)
	}
	if forwarded[0] != " Hi" {
		t.Errorf("held whitespace should be released with the first text, got %q", forwarded[0])
	}
}

func TestAccumulator_SinkErrorPropagates(t *testing.T) {
	sinkErr := errors.New("closed")
	acc := NewAccumulator(func(string) error { return sinkErr }, false, nil)
	if err := acc.Add(textDelta("x")); !errors.Is(err, sinkErr) {
		t.Fatalf("Add() error = %v, want %v", err, sinkErr)
	}
}

func TestParseTextToolCall(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantName string
		wantArgs string
		wantOK   bool
	}{
		{name: "object args", text: `{"name":"f","arguments":{"a":1}}`, wantName: "f", wantArgs: `{"a":1}`, wantOK: true},
		{name: "string args", text: `{"name":"f","arguments":"{\"a\":1}"}`, wantName: "f", wantArgs: `{"a":1}`, wantOK: true},
		{name: "missing args", text: `{"name":"f"}`, wantName: "f", wantArgs: `{}`, wantOK: true},
		{name: "no name", text: `{"arguments":{}}`},
		{name: "array args", text: `{"name":"f","arguments":[1]}`},
		{name: "not json", text: `{"name": "f", oops`},
		{name: "plain text", text: `hello`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			name, args, ok := ParseTextToolCall(tc.text)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if name != tc.wantName || string(args) != tc.wantArgs {
				t.Errorf("got (%q, %q), want (%q, %q)", name, args, tc.wantName, tc.wantArgs)
			}
		})
	}
}
