package usage

// UsageEntry is the token usage of one model call.
type UsageEntry struct {
	Model            string
	InputTokens      int // Uncached prompt tokens
	OutputTokens     int
	CacheWriteTokens int
	CacheReadTokens  int
}

// TotalTokens returns the sum of all token types
func (e UsageEntry) TotalTokens() int {
	return e.InputTokens + e.OutputTokens + e.CacheWriteTokens + e.CacheReadTokens
}
