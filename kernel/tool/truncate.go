package tool

import (
	"fmt"
	"sort"
)

const approxBytesPerToken = 4

// TruncationPolicy caps tool result size before results enter history.
type TruncationPolicy struct {
	MaxTokens int
	MaxBytes  int
}

// DefaultTruncationPolicy returns the default tool output cap.
func DefaultTruncationPolicy() TruncationPolicy {
	return TruncationPolicy{MaxTokens: 10000}
}

func (p TruncationPolicy) tokenBudget() int {
	if p.MaxTokens > 0 {
		return p.MaxTokens
	}
	if p.MaxBytes > 0 {
		return p.MaxBytes / approxBytesPerToken
	}
	return 0
}

// TruncationInfo describes truncation that was applied to a result.
type TruncationInfo struct {
	Truncated       bool
	EstimatedTokens int
	RemovedTokens   int
	OmittedItems    int
}

// TruncateMap trims a tool result map to the policy budget, walking the map
// in sorted key order and dropping or shortening values once the budget runs
// out.
func TruncateMap(input map[string]any, policy TruncationPolicy) (map[string]any, TruncationInfo) {
	info := TruncationInfo{}
	budget := policy.tokenBudget()
	if budget <= 0 {
		return input, info
	}
	total := estimateValueTokens(input)
	info.EstimatedTokens = total
	if total <= budget {
		return input, info
	}

	remaining := budget
	omitted := 0
	out, _ := truncateValue(input, &remaining, &omitted).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	info.Truncated = true
	info.OmittedItems = omitted
	info.RemovedTokens = total - (budget - remaining)
	if info.RemovedTokens < 0 {
		info.RemovedTokens = 0
	}
	return out, info
}

func truncateValue(value any, remaining *int, omitted *int) any {
	if *remaining <= 0 {
		*omitted++
		return nil
	}
	switch v := value.(type) {
	case string:
		cost := estimateTextTokens(v)
		if cost <= *remaining {
			*remaining -= cost
			return v
		}
		keep := *remaining * approxBytesPerToken
		*remaining = 0
		*omitted++
		if keep >= len(v) {
			return v
		}
		for keep > 0 && !utf8Start(v[keep]) {
			keep--
		}
		return v[:keep] + fmt.Sprintf(" ...%d bytes truncated...", len(v)-keep)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(v))
		for _, key := range keys {
			if *remaining <= 0 {
				*omitted++
				continue
			}
			if val := truncateValue(v[key], remaining, omitted); val != nil {
				out[key] = val
			}
		}
		return out
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			if *remaining <= 0 {
				*omitted++
				continue
			}
			if val := truncateValue(item, remaining, omitted); val != nil {
				out = append(out, val)
			}
		}
		return out
	default:
		text := fmt.Sprint(value)
		cost := estimateTextTokens(text)
		if cost <= *remaining {
			*remaining -= cost
			return value
		}
		*omitted++
		return nil
	}
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}

func estimateValueTokens(value any) int {
	switch v := value.(type) {
	case string:
		return estimateTextTokens(v)
	case map[string]any:
		sum := 0
		for k, val := range v {
			sum += estimateTextTokens(k) + estimateValueTokens(val)
		}
		return sum
	case []any:
		sum := 0
		for _, item := range v {
			sum += estimateValueTokens(item)
		}
		return sum
	default:
		return estimateTextTokens(fmt.Sprint(value))
	}
}

func estimateTextTokens(s string) int {
	if s == "" {
		return 0
	}
	tokens := len(s) / approxBytesPerToken
	if len(s)%approxBytesPerToken != 0 {
		tokens++
	}
	return tokens
}

// AddTruncationMeta attaches truncation metadata to a tool result map so the
// model can tell the result was shortened.
func AddTruncationMeta(result map[string]any, info TruncationInfo) map[string]any {
	if !info.Truncated {
		return result
	}
	if result == nil {
		result = map[string]any{}
	}
	meta := map[string]any{
		"truncated":        true,
		"estimated_tokens": info.EstimatedTokens,
		"removed_tokens":   info.RemovedTokens,
	}
	if info.OmittedItems > 0 {
		meta["omitted_items"] = info.OmittedItems
	}
	key := "_tool_truncation"
	if _, exists := result[key]; exists {
		key = "_tool_truncation_meta"
	}
	result[key] = meta
	return result
}
