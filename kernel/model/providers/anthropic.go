package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/finsightai/convo/kernel/model"
)

type anthropicLLM struct {
	name                string
	provider            string
	client              anthropic.Client
	maxOutputTok        int
	contextWindowTokens int
}

func newAnthropic(cfg Config, token string) model.LLM {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxTok := cfg.MaxOutputTok
	if maxTok <= 0 {
		maxTok = 1024
	}
	opts := []option.RequestOption{
		option.WithAPIKey(token),
		option.WithRequestTimeout(timeout),
	}
	if baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if cfg.Auth.Type == AuthBearerToken {
		opts = append(opts, option.WithAuthToken(token))
	}
	return &anthropicLLM{
		name:                cfg.Model,
		provider:            cfg.Provider,
		client:              anthropic.NewClient(opts...),
		maxOutputTok:        maxTok,
		contextWindowTokens: cfg.ContextWindowTokens,
	}
}

func (l *anthropicLLM) Name() string {
	return l.name
}

func (l *anthropicLLM) ContextWindowTokens() int {
	return l.contextWindowTokens
}

func (l *anthropicLLM) Generate(ctx context.Context, req *model.Request) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		if req == nil {
			yield(nil, fmt.Errorf("model: request is nil"))
			return
		}
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(l.name),
			MaxTokens: int64(l.maxOutputTok),
			Messages:  toAnthropicMessages(req.Messages),
			Tools:     toAnthropicTools(req.Tools),
		}
		if system := collectSystem(req.Messages); system != "" {
			params.System = []anthropic.TextBlockParam{{Text: system}}
		}
		if req.Reasoning.Enabled != nil && *req.Reasoning.Enabled {
			budget := req.Reasoning.BudgetTokens
			if budget <= 0 {
				budget = 1024
			}
			params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(budget))
		}

		if !req.Stream {
			out, err := l.client.Messages.New(ctx, params)
			if err != nil {
				yield(nil, err)
				return
			}
			yield(l.toResponse(out), nil)
			return
		}

		stream := l.client.Messages.NewStreaming(ctx, params)
		acc := anthropic.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				yield(nil, err)
				return
			}
			variant, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			delta, ok := variant.Delta.AsAny().(anthropic.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			if !yield(&model.Response{
				Message:  model.Message{Role: model.RoleAssistant, Text: delta.Text},
				Partial:  true,
				Model:    l.name,
				Provider: l.provider,
			}, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield(nil, err)
			return
		}
		yield(l.toResponse(&acc), nil)
	}
}

func (l *anthropicLLM) toResponse(out *anthropic.Message) *model.Response {
	msg := model.Message{Role: model.RoleAssistant}
	textParts := make([]string, 0, len(out.Content))
	for _, block := range out.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			if strings.TrimSpace(variant.Text) != "" {
				textParts = append(textParts, variant.Text)
			}
		case anthropic.ToolUseBlock:
			args := map[string]any{}
			if len(variant.Input) > 0 {
				_ = json.Unmarshal(variant.Input, &args)
			}
			msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
				ID:   variant.ID,
				Name: variant.Name,
				Args: args,
			})
		}
	}
	msg.Text = strings.TrimSpace(strings.Join(textParts, "\n"))
	return &model.Response{
		Message:      msg,
		TurnComplete: true,
		Model:        string(out.Model),
		Provider:     l.provider,
		Usage: model.Usage{
			PromptTokens:     int(out.Usage.InputTokens),
			CompletionTokens: int(out.Usage.OutputTokens),
			TotalTokens:      int(out.Usage.InputTokens + out.Usage.OutputTokens),
			CacheReadTokens:  int(out.Usage.CacheReadInputTokens),
			CacheWriteTokens: int(out.Usage.CacheCreationInputTokens),
		},
	}
}

func collectSystem(messages []model.Message) string {
	parts := make([]string, 0, 1)
	for _, m := range messages {
		if m.Role != model.RoleSystem {
			continue
		}
		if text := strings.TrimSpace(m.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func toAnthropicMessages(messages []model.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			continue
		case model.RoleTool:
			if m.Result == nil {
				continue
			}
			raw, _ := json.Marshal(m.Result.Payload)
			block := anthropic.NewToolResultBlock(m.Result.OfID, string(raw), false)
			if m.CacheHint {
				markCacheBoundary(&block)
			}
			out = append(out, anthropic.NewUserMessage(block))
		case model.RoleAssistant:
			blocks := assistantBlocks(m)
			if len(blocks) == 0 {
				continue
			}
			if m.CacheHint {
				markCacheBoundary(&blocks[len(blocks)-1])
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			text := m.Text
			if text == "" {
				text = textFromBlocks(m)
			}
			if text == "" {
				continue
			}
			block := anthropic.NewTextBlock(text)
			if m.CacheHint {
				markCacheBoundary(&block)
			}
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

func assistantBlocks(m model.Message) []anthropic.ContentBlockParamUnion {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, 2)
	if text := m.Text; text != "" {
		blocks = append(blocks, anthropic.NewTextBlock(text))
	} else if text := textFromBlocks(m); text != "" {
		blocks = append(blocks, anthropic.NewTextBlock(text))
	}
	for _, call := range m.Invocations() {
		args := call.Args
		if args == nil {
			args = map[string]any{}
		}
		blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, args, call.Name))
	}
	return blocks
}

func textFromBlocks(m model.Message) string {
	parts := make([]string, 0, len(m.Blocks))
	for _, block := range m.Blocks {
		if block.Type == model.BlockText && strings.TrimSpace(block.Text) != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// markCacheBoundary maps a transmission cache hint onto the provider's
// ephemeral cache_control marker.
func markCacheBoundary(block *anthropic.ContentBlockParamUnion) {
	if block == nil {
		return
	}
	control := anthropic.NewCacheControlEphemeralParam()
	switch {
	case block.OfText != nil:
		block.OfText.CacheControl = control
	case block.OfToolUse != nil:
		block.OfToolUse.CacheControl = control
	case block.OfToolResult != nil:
		block.OfToolResult.CacheControl = control
	}
}

func toAnthropicTools(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		param := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type:       "object",
				Properties: t.Parameters["properties"],
			},
		}
		if required, ok := t.Parameters["required"]; ok {
			param.InputSchema.Required = toRequiredList(required)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

func toRequiredList(raw any) []string {
	switch value := raw.(type) {
	case []string:
		return value
	case []any:
		out := make([]string, 0, len(value))
		for _, one := range value {
			if text, ok := one.(string); ok {
				out = append(out, text)
			}
		}
		return out
	default:
		return nil
	}
}
