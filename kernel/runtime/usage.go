package runtime

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/finsightai/convo/kernel/model"
	"github.com/finsightai/convo/kernel/session"
)

// UsageConfig tunes context usage estimation.
type UsageConfig struct {
	// DefaultContextWindowTokens applies when neither the request nor the
	// model reports a window size. Zero means 65536.
	DefaultContextWindowTokens int
	// ReserveOutputTokens is the window share held back for the model's
	// reply when computing the input budget.
	ReserveOutputTokens int
	SafetyMarginTokens  int
}

func normalizeUsageConfig(cfg UsageConfig) UsageConfig {
	if cfg.DefaultContextWindowTokens <= 0 {
		cfg.DefaultContextWindowTokens = 65536
	}
	if cfg.ReserveOutputTokens < 0 {
		cfg.ReserveOutputTokens = 0
	}
	if cfg.SafetyMarginTokens < 0 {
		cfg.SafetyMarginTokens = 0
	}
	return cfg
}

// UsageRequest defines one context usage inspection request.
type UsageRequest struct {
	UserID              string
	ConversationID      string
	Model               model.LLM
	ContextWindowTokens int
}

// ContextUsage is the estimated token usage snapshot for one conversation.
type ContextUsage struct {
	CurrentTokens int
	WindowTokens  int
	InputBudget   int
	Ratio         float64
	EventCount    int
}

// ContextUsage estimates current conversation context usage. The estimate is
// a coarse runes-per-token heuristic; exact counts come back from providers
// in response usage meta.
func (e *Engine) ContextUsage(ctx context.Context, req UsageRequest) (ContextUsage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if req.UserID == "" || req.ConversationID == "" {
		return ContextUsage{}, fmt.Errorf("runtime: user_id and conversation_id are required")
	}
	conv, err := e.store.GetOrCreate(ctx, &session.Conversation{UserID: req.UserID, ID: req.ConversationID})
	if err != nil {
		return ContextUsage{}, err
	}
	events, err := e.store.ListEvents(ctx, conv)
	if err != nil {
		return ContextUsage{}, err
	}
	window := agentHistoryEvents(events)
	windowTokens := resolveContextWindowTokens(req.ContextWindowTokens, req.Model, e.usage.DefaultContextWindowTokens)
	inputBudget := windowTokens - e.usage.ReserveOutputTokens - e.usage.SafetyMarginTokens
	if inputBudget < 1 {
		inputBudget = windowTokens
	}
	if inputBudget < 1 {
		inputBudget = 1
	}
	current := estimateEventsTokens(window)
	ratio := float64(current) / float64(inputBudget)
	if ratio < 0 {
		ratio = 0
	}
	return ContextUsage{
		CurrentTokens: current,
		WindowTokens:  windowTokens,
		InputBudget:   inputBudget,
		Ratio:         ratio,
		EventCount:    len(window),
	}, nil
}

func resolveContextWindowTokens(override int, llm model.LLM, fallback int) int {
	if override > 0 {
		return override
	}
	type capability interface {
		ContextWindowTokens() int
	}
	if c, ok := llm.(capability); ok {
		if tokens := c.ContextWindowTokens(); tokens > 0 {
			return tokens
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 65536
}

func estimateEventsTokens(events []*session.Event) int {
	total := 0
	for _, ev := range events {
		total += estimateEventTokens(ev)
	}
	return total
}

func estimateEventTokens(ev *session.Event) int {
	if ev == nil {
		return 0
	}
	return estimateTextTokens(eventToText(ev)) + 10
}

func eventToText(ev *session.Event) string {
	if ev == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(ev.Message.Text)
	for _, block := range ev.Message.Blocks {
		if block.Type == model.BlockText {
			b.WriteString(block.Text)
		}
		b.WriteString(string(block.Input))
	}
	for _, call := range ev.Message.ToolCalls {
		b.WriteString(call.Name)
	}
	if ev.Message.Result != nil {
		b.WriteString(fmt.Sprint(ev.Message.Result.Payload))
	}
	return b.String()
}

func estimateTextTokens(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	runes := utf8.RuneCountInString(text)
	tokens := runes / 4
	if runes%4 != 0 {
		tokens++
	}
	if tokens <= 0 {
		tokens = 1
	}
	return tokens
}
