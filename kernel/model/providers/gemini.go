package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/finsightai/convo/kernel/model"
)

type geminiLLM struct {
	name                string
	provider            string
	token               string
	baseURL             string
	maxOutputTok        int
	contextWindowTokens int

	clientOnce sync.Once
	client     *genai.Client
	clientErr  error
}

func newGemini(cfg Config, token string) model.LLM {
	return &geminiLLM{
		name:                cfg.Model,
		provider:            cfg.Provider,
		token:               token,
		baseURL:             strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		maxOutputTok:        cfg.MaxOutputTok,
		contextWindowTokens: cfg.ContextWindowTokens,
	}
}

func (l *geminiLLM) Name() string {
	return l.name
}

func (l *geminiLLM) ContextWindowTokens() int {
	return l.contextWindowTokens
}

func (l *geminiLLM) getClient(ctx context.Context) (*genai.Client, error) {
	l.clientOnce.Do(func() {
		cc := &genai.ClientConfig{
			APIKey:  l.token,
			Backend: genai.BackendGeminiAPI,
		}
		if l.baseURL != "" {
			cc.HTTPOptions.BaseURL = l.baseURL
		}
		l.client, l.clientErr = genai.NewClient(ctx, cc)
	})
	return l.client, l.clientErr
}

func (l *geminiLLM) Generate(ctx context.Context, req *model.Request) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		if req == nil {
			yield(nil, fmt.Errorf("model: request is nil"))
			return
		}
		client, err := l.getClient(ctx)
		if err != nil {
			yield(nil, err)
			return
		}

		contents := toGeminiContents(req.Messages)
		config := &genai.GenerateContentConfig{
			Tools: toGeminiTools(req.Tools),
		}
		if l.maxOutputTok > 0 {
			config.MaxOutputTokens = int32(l.maxOutputTok)
		}
		if system := collectSystem(req.Messages); system != "" {
			config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
		}
		if req.Reasoning.Enabled != nil || req.Reasoning.BudgetTokens > 0 {
			budget := int32(req.Reasoning.BudgetTokens)
			if req.Reasoning.Enabled != nil && !*req.Reasoning.Enabled {
				budget = 0
			}
			config.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: &budget}
		}

		if !req.Stream {
			out, err := client.Models.GenerateContent(ctx, l.name, contents, config)
			if err != nil {
				yield(nil, err)
				return
			}
			yield(l.toResponse(out), nil)
			return
		}

		acc := geminiAccumulator{}
		var usage model.Usage
		for chunk, err := range client.Models.GenerateContentStream(ctx, l.name, contents, config) {
			if err != nil {
				yield(nil, err)
				return
			}
			resp := l.toResponse(chunk)
			if resp == nil {
				continue
			}
			if resp.Usage.TotalTokens > 0 {
				usage = resp.Usage
			}
			if text := resp.Message.Text; text != "" {
				acc.text.WriteString(text)
				if !yield(&model.Response{
					Message:  model.Message{Role: model.RoleAssistant, Text: text},
					Partial:  true,
					Model:    l.name,
					Provider: l.provider,
				}, nil) {
					return
				}
			}
			acc.toolCalls = append(acc.toolCalls, resp.Message.ToolCalls...)
		}
		yield(&model.Response{
			Message: model.Message{
				Role:      model.RoleAssistant,
				Text:      acc.text.String(),
				ToolCalls: dedupToolCalls(acc.toolCalls),
			},
			TurnComplete: true,
			Model:        l.name,
			Provider:     l.provider,
			Usage:        usage,
		}, nil)
	}
}

type geminiAccumulator struct {
	text      strings.Builder
	toolCalls []model.ToolCall
}

func (l *geminiLLM) toResponse(out *genai.GenerateContentResponse) *model.Response {
	if out == nil || len(out.Candidates) == 0 || out.Candidates[0].Content == nil {
		return nil
	}
	msg := model.Message{Role: model.RoleAssistant}
	textParts := make([]string, 0, 1)
	for _, part := range out.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" && !part.Thought {
			textParts = append(textParts, part.Text)
		}
		if part.FunctionCall != nil {
			id := part.FunctionCall.ID
			if id == "" {
				id = model.NewCallID()
			}
			msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
				ID:   id,
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			})
		}
	}
	msg.Text = strings.Join(textParts, "")
	resp := &model.Response{
		Message:      msg,
		TurnComplete: true,
		Model:        l.name,
		Provider:     l.provider,
	}
	if out.UsageMetadata != nil {
		resp.Usage = model.Usage{
			PromptTokens:     int(out.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(out.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(out.UsageMetadata.TotalTokenCount),
			CacheReadTokens:  int(out.UsageMetadata.CachedContentTokenCount),
		}
	}
	return resp
}

func toGeminiContents(messages []model.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			continue
		case model.RoleTool:
			if m.Result == nil {
				continue
			}
			out = append(out, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{
					genai.NewPartFromFunctionResponse(m.Result.Name, m.Result.Payload),
				},
			})
		case model.RoleAssistant:
			parts := make([]*genai.Part, 0, 2)
			if m.Text != "" {
				parts = append(parts, genai.NewPartFromText(m.Text))
			} else if text := textFromBlocks(m); text != "" {
				parts = append(parts, genai.NewPartFromText(text))
			}
			for _, call := range m.Invocations() {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   call.ID,
						Name: call.Name,
						Args: call.Args,
					},
				})
			}
			if len(parts) == 0 {
				continue
			}
			out = append(out, &genai.Content{Role: genai.RoleModel, Parts: parts})
		default:
			text := m.Text
			if text == "" {
				text = textFromBlocks(m)
			}
			if text == "" {
				continue
			}
			out = append(out, genai.NewContentFromText(text, genai.RoleUser))
		}
	}
	return out
}

func toGeminiTools(tools []model.ToolDefinition) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: normalizeSchema(t.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// normalizeSchema round-trips the schema through JSON so provider encoding
// sees plain maps regardless of how the declaration was built.
func normalizeSchema(params map[string]any) any {
	if len(params) == 0 {
		return map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	return out
}

func dedupToolCalls(calls []model.ToolCall) []model.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	out := make([]model.ToolCall, 0, len(calls))
	for _, call := range calls {
		if call.ID != "" {
			if _, exists := seen[call.ID]; exists {
				continue
			}
			seen[call.ID] = struct{}{}
		}
		out = append(out, call)
	}
	return out
}
