package llm

import (
	"fmt"
	"log/slog"
	"math"
	"unicode/utf8"
)

// tokensPerChar is a conservative ratio of ~4 characters per token.
const tokensPerChar = 0.25

// messageOverheadTokens accounts for role and formatting per message.
const messageOverheadTokens = 4

// Pricer converts token counts into a dollar figure for a model.
type Pricer interface {
	Cost(model string, inputTokens, outputTokens, cachedInputTokens int) (float64, error)
}

// EstimateTokens estimates the number of tokens in text.
func EstimateTokens(text string) int {
	chars := utf8.RuneCountInString(text)
	tokens := int(float64(chars) * tokensPerChar)
	if tokens == 0 && chars > 0 {
		return 1
	}
	return tokens
}

// EstimateMessageTokens estimates the prompt size of a conversation.
func EstimateMessageTokens(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += messageOverheadTokens
		for _, part := range msg.Parts {
			switch part.Type {
			case PartText:
				total += EstimateTokens(part.Text)
			case PartToolCall:
				if part.ToolCall != nil {
					total += EstimateTokens(part.ToolCall.Name) + EstimateTokens(string(part.ToolCall.Arguments))
				}
			case PartToolResult:
				if part.ToolResult != nil {
					total += EstimateTokens(part.ToolResult.Content)
				}
			}
		}
	}
	return total
}

// costOf prices one model call. Reported usage wins over estimates. A failed
// call is priced only from reported usage. Any failure, including a panic
// inside the pricer, yields 0.
func costOf(pricer Pricer, model string, prompt []Message, res Result, logger *slog.Logger) (cost float64) {
	if pricer == nil {
		return 0
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("cost calculation panicked", "model", model, "panic", fmt.Sprint(r))
			cost = 0
		}
	}()

	in, out, cached := 0, 0, 0
	switch {
	case res.Usage != nil && (res.Usage.InputTokens > 0 || res.Usage.OutputTokens > 0):
		in, out, cached = res.Usage.InputTokens, res.Usage.OutputTokens, res.Usage.CachedInputTokens
	case res.Kind == ResultError:
		return 0
	default:
		in = EstimateMessageTokens(prompt)
		out = EstimateTokens(res.Text)
		for _, call := range res.ToolCalls {
			out += EstimateTokens(call.Name) + EstimateTokens(string(call.Arguments))
		}
	}

	c, err := pricer.Cost(model, in, out, cached)
	if err != nil {
		logger.Debug("cost calculation failed", "model", model, "error", err)
		return 0
	}
	if math.IsNaN(c) || math.IsInf(c, 0) || c < 0 {
		return 0
	}
	return c
}
