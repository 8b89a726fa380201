package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestRetryProvider_RetriesBeforeFirstEvent(t *testing.T) {
	inner := NewMockProvider("flaky")
	inner.AddError(errors.New("429 Too Many Requests"))
	inner.AddTextResponse("ok")

	stream, err := WrapWithRetry(inner, fastRetry()).Stream(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}

	var text string
	var retries int
	for _, ev := range drain(t, stream) {
		switch ev.Type {
		case EventTextDelta:
			text += ev.Text
		case EventRetry:
			retries++
		case EventError:
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}
	if text != "ok" {
		t.Errorf("text = %q, want %q", text, "ok")
	}
	if retries != 1 || inner.RequestCount() != 2 {
		t.Errorf("retries = %d requests = %d, want 1 and 2", retries, inner.RequestCount())
	}
}

func TestRetryProvider_NoRetryAfterOutput(t *testing.T) {
	inner := NewMockProvider("flaky")
	inner.AddTurn(MockTurn{Text: "partial", Err: errors.New("503 service unavailable")})
	inner.AddTextResponse("should not be used")

	stream, err := WrapWithRetry(inner, fastRetry()).Stream(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}

	var gotErr error
	for _, ev := range drain(t, stream) {
		if ev.Type == EventError {
			gotErr = ev.Err
		}
	}
	if gotErr == nil {
		t.Fatal("expected the mid-stream error to surface")
	}
	if inner.RequestCount() != 1 {
		t.Errorf("requests = %d, want 1", inner.RequestCount())
	}
}

func TestRetryProvider_NonRetryable(t *testing.T) {
	inner := NewMockProvider("strict")
	inner.AddError(errors.New("invalid api key"))

	stream, _ := WrapWithRetry(inner, fastRetry()).Stream(context.Background(), Request{})
	drain(t, stream)
	if inner.RequestCount() != 1 {
		t.Errorf("requests = %d, want 1", inner.RequestCount())
	}
}

func TestRetryProvider_ForwardsUsageAfterFinalError(t *testing.T) {
	inner := NewMockProvider("strict")
	inner.AddTurn(MockTurn{Events: []Event{
		{Type: EventError, Err: errors.New("invalid api key")},
		{Type: EventUsage, Use: &Usage{InputTokens: 7}},
	}})

	stream, _ := WrapWithRetry(inner, fastRetry()).Stream(context.Background(), Request{})
	events := drain(t, stream)
	if len(events) != 2 || events[0].Type != EventUsage || events[1].Type != EventError {
		t.Fatalf("events = %+v, want usage then error", events)
	}
	if events[0].Use.InputTokens != 7 {
		t.Errorf("usage = %+v", events[0].Use)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  string
		want bool
	}{
		{"429 Too Many Requests", true},
		{"anthropic: overloaded_error", true},
		{"dial tcp: connection refused", true},
		{"400 Bad Request", false},
		{"invalid api key", false},
	}
	for _, tc := range tests {
		if got := isRetryable(errors.New(tc.err)); got != tc.want {
			t.Errorf("isRetryable(%q) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestCalculateBackoff_RetryAfter(t *testing.T) {
	r := &RetryProvider{config: RetryConfig{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}}
	if got := r.calculateBackoff(1, errors.New("rate limited, retry-after: 3")); got != 3*time.Second {
		t.Errorf("backoff = %v, want 3s", got)
	}
	if got := r.calculateBackoff(1, errors.New("retry after 60")); got != 10*time.Second {
		t.Errorf("backoff = %v, want capped 10s", got)
	}
}
