package model

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/google/uuid"
)

// Role identifies message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolDefinition describes a callable tool for model planning.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a model-emitted tool invocation request. IDs are unique within
// one conversation and never reused, even across retries.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResult is a tool execution result answering exactly one invocation.
type ToolResult struct {
	OfID    string         `json:"of_id"`
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Content block types. Some providers inline tool invocations as content
// blocks instead of a dedicated tool-call field; both shapes are supported.
const (
	BlockText    = "text"
	BlockToolUse = "tool_use"
)

// ContentBlock is one typed segment of structured message content.
type ContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Message is a single turn element in conversation history. Content is either
// plain Text or structured Blocks; assistant messages carry requested tool
// invocations, tool messages carry exactly one result.
type Message struct {
	Role      Role
	Text      string
	Blocks    []ContentBlock
	ToolCalls []ToolCall
	Result    *ToolResult
	// Seq is strictly increasing per conversation and defines canonical order.
	Seq int64
	// ResourceLink may be attached after creation; it is the only
	// post-append mutation storage permits.
	ResourceLink string
	// CacheHint marks a transport cache boundary on transmission copies.
	// It is never persisted and carries no semantic meaning.
	CacheHint bool `json:"-"`
}

// Invocations returns all tool invocations the message requests, merging the
// structured field with embedded tool_use blocks. Extraction is total:
// malformed block input degrades to an invocation with nil args, never to an
// error.
func (m Message) Invocations() []ToolCall {
	out := make([]ToolCall, 0, len(m.ToolCalls))
	seen := map[string]struct{}{}
	for _, call := range m.ToolCalls {
		if call.ID == "" {
			continue
		}
		if _, dup := seen[call.ID]; dup {
			continue
		}
		seen[call.ID] = struct{}{}
		out = append(out, call)
	}
	for _, block := range m.Blocks {
		if block.Type != BlockToolUse || block.ID == "" || block.Name == "" {
			continue
		}
		if _, dup := seen[block.ID]; dup {
			continue
		}
		seen[block.ID] = struct{}{}
		var args map[string]any
		if len(block.Input) > 0 {
			if err := json.Unmarshal(block.Input, &args); err != nil {
				args = nil
			}
		}
		out = append(out, ToolCall{ID: block.ID, Name: block.Name, Args: args})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// InvocationIDs returns the invocation id set in request order.
func (m Message) InvocationIDs() []string {
	calls := m.Invocations()
	if len(calls) == 0 {
		return nil
	}
	out := make([]string, 0, len(calls))
	for _, call := range calls {
		out = append(out, call.ID)
	}
	return out
}

// HasInvocations reports whether the message requests any tool execution.
func (m Message) HasInvocations() bool {
	return len(m.Invocations()) > 0
}

// ParseBlocks decodes a structured content payload. Invalid JSON yields nil,
// never an error: extraction failure means "no blocks found".
func ParseBlocks(raw []byte) []ContentBlock {
	if len(raw) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	return blocks
}

// Clone returns a structurally independent deep copy of the message.
func (m Message) Clone() Message {
	cp := m
	if m.Blocks != nil {
		cp.Blocks = make([]ContentBlock, len(m.Blocks))
		for i, block := range m.Blocks {
			cp.Blocks[i] = block
			if block.Input != nil {
				cp.Blocks[i].Input = append(json.RawMessage(nil), block.Input...)
			}
		}
	}
	if m.ToolCalls != nil {
		cp.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, call := range m.ToolCalls {
			cp.ToolCalls[i] = call
			cp.ToolCalls[i].Args = CloneMap(call.Args)
		}
	}
	if m.Result != nil {
		res := *m.Result
		res.Payload = CloneMap(m.Result.Payload)
		cp.Result = &res
	}
	return cp
}

// CloneMap deep-copies an argument or payload map via a JSON round trip.
func CloneMap(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	raw, err := json.Marshal(input)
	if err != nil {
		out := make(map[string]any, len(input))
		for k, v := range input {
			out[k] = v
		}
		return out
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	return out
}

// NewCallID returns a conversation-unique tool invocation id.
func NewCallID() string {
	return "call_" + uuid.NewString()
}

// ReasoningConfig controls provider reasoning/thinking behavior.
type ReasoningConfig struct {
	Enabled      *bool
	BudgetTokens int
	Effort       string
}

// Request is a provider-agnostic model request. Messages are a transmission
// view: request-scoped copies the caller may annotate freely.
type Request struct {
	Messages  []Message
	Tools     []ToolDefinition
	Stream    bool
	Reasoning ReasoningConfig
}

// Usage reports model token usage including prompt-cache counters (best-effort).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CacheReadTokens  int
	CacheWriteTokens int
}

// Response is a provider-agnostic model response chunk.
type Response struct {
	Message      Message
	Partial      bool
	TurnComplete bool
	Usage        Usage
	Model        string
	Provider     string
}

// LLM is the model abstraction used by the kernel.
type LLM interface {
	Name() string
	Generate(context.Context, *Request) iter.Seq2[*Response, error]
}
