// Package transmit prepares request-scoped transmission views of
// conversation history. Canonical history is read concurrently by audit and
// logging paths while a transmission is in flight, so the annotated view is
// always a structurally independent deep copy; mutating it is never
// observable on the canonical sequence.
package transmit

import "github.com/finsightai/convo/kernel/model"

// DefaultBreakpoints is the number of trailing messages marked as cache
// boundaries. Two boundaries cover the stable prefix and the latest turn.
const DefaultBreakpoints = 2

// Annotate deep-copies the message sequence and marks the trailing
// DefaultBreakpoints messages as cache boundaries.
func Annotate(messages []model.Message) []model.Message {
	return AnnotateN(messages, DefaultBreakpoints)
}

// AnnotateN deep-copies the message sequence and marks the trailing n
// messages with a cache hint. Hints are transport-level cost/latency
// optimizations only: providers that support prompt caching (anthropic)
// translate them into cache_control markers, everyone else ignores them, and
// they are never written back to storage.
func AnnotateN(messages []model.Message, n int) []model.Message {
	out := make([]model.Message, 0, len(messages))
	for _, m := range messages {
		cp := m.Clone()
		cp.CacheHint = false
		out = append(out, cp)
	}
	if n <= 0 {
		return out
	}
	marked := 0
	for i := len(out) - 1; i >= 0 && marked < n; i-- {
		out[i].CacheHint = true
		marked++
	}
	return out
}
