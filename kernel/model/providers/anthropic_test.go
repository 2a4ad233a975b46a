package providers

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/finsightai/convo/kernel/model"
)

func TestCollectSystem(t *testing.T) {
	got := collectSystem([]model.Message{
		{Role: model.RoleSystem, Text: "one"},
		{Role: model.RoleUser, Text: "ignored"},
		{Role: model.RoleSystem, Text: "  two  "},
	})
	if got != "one\n\ntwo" {
		t.Fatalf("system = %q", got)
	}
	if collectSystem(nil) != "" {
		t.Fatal("empty input must yield empty system")
	}
}

func TestToAnthropicMessages(t *testing.T) {
	out := toAnthropicMessages([]model.Message{
		{Role: model.RoleSystem, Text: "prompt"},
		{Role: model.RoleUser, Text: "read a.txt"},
		{Role: model.RoleAssistant,
			Text:      "checking",
			ToolCalls: []model.ToolCall{{ID: "c1", Name: "read", Args: map[string]any{"path": "a.txt"}}},
		},
		{Role: model.RoleTool,
			Result: &model.ToolResult{OfID: "c1", Name: "read", Payload: map[string]any{"content": "data"}},
		},
	})
	// System messages go to the top-level field, not the message list.
	if len(out) != 3 {
		t.Fatalf("got %d messages", len(out))
	}
	if out[0].Role != anthropic.MessageParamRoleUser || out[0].Content[0].OfText == nil {
		t.Fatalf("first message = %+v", out[0])
	}
	if out[1].Role != anthropic.MessageParamRoleAssistant {
		t.Fatalf("second role = %q", out[1].Role)
	}
	if len(out[1].Content) != 2 {
		t.Fatalf("assistant blocks = %d", len(out[1].Content))
	}
	use := out[1].Content[1].OfToolUse
	if use == nil || use.ID != "c1" || use.Name != "read" {
		t.Fatalf("tool use block = %+v", out[1].Content[1])
	}
	// Tool results travel in a user-role message.
	if out[2].Role != anthropic.MessageParamRoleUser {
		t.Fatalf("tool result role = %q", out[2].Role)
	}
	res := out[2].Content[0].OfToolResult
	if res == nil || res.ToolUseID != "c1" {
		t.Fatalf("tool result block = %+v", out[2].Content[0])
	}
}

func TestToAnthropicMessages_CacheHint(t *testing.T) {
	out := toAnthropicMessages([]model.Message{
		{Role: model.RoleUser, Text: "plain"},
		{Role: model.RoleUser, Text: "boundary", CacheHint: true},
	})
	raw0, err := json.Marshal(out[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	raw1, err := json.Marshal(out[1])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw0), "cache_control") {
		t.Fatalf("unmarked message carries cache_control: %s", raw0)
	}
	if !strings.Contains(string(raw1), "cache_control") {
		t.Fatalf("marked message lost cache_control: %s", raw1)
	}
}

func TestToAnthropicMessages_CacheHintOnAssistant(t *testing.T) {
	out := toAnthropicMessages([]model.Message{
		{Role: model.RoleAssistant,
			CacheHint: true,
			ToolCalls: []model.ToolCall{{ID: "c1", Name: "read"}},
		},
	})
	raw, err := json.Marshal(out[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), "cache_control") {
		t.Fatalf("assistant boundary lost cache_control: %s", raw)
	}
}

func TestToAnthropicMessages_SkipsEmpty(t *testing.T) {
	out := toAnthropicMessages([]model.Message{
		{Role: model.RoleUser, Text: ""},
		{Role: model.RoleAssistant},
		{Role: model.RoleTool},
	})
	if len(out) != 0 {
		t.Fatalf("empty messages survived: %d", len(out))
	}
}

func TestToAnthropicTools(t *testing.T) {
	out := toAnthropicTools([]model.ToolDefinition{{
		Name:        "read",
		Description: "reads a file",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
			"required": []string{"path"},
		},
	}})
	if len(out) != 1 || out[0].OfTool == nil {
		t.Fatalf("tools = %+v", out)
	}
	tool := out[0].OfTool
	if tool.Name != "read" {
		t.Fatalf("name = %q", tool.Name)
	}
	if tool.InputSchema.Properties == nil {
		t.Fatal("properties missing")
	}
	if len(tool.InputSchema.Required) != 1 || tool.InputSchema.Required[0] != "path" {
		t.Fatalf("required = %v", tool.InputSchema.Required)
	}
}

func TestToRequiredList(t *testing.T) {
	if got := toRequiredList([]string{"a", "b"}); len(got) != 2 {
		t.Fatalf("string slice: %v", got)
	}
	if got := toRequiredList([]any{"a", 1, "b"}); len(got) != 2 || got[1] != "b" {
		t.Fatalf("any slice: %v", got)
	}
	if got := toRequiredList("a"); got != nil {
		t.Fatalf("scalar: %v", got)
	}
}

func TestTextFromBlocks(t *testing.T) {
	msg := model.Message{Blocks: []model.ContentBlock{
		{Type: model.BlockText, Text: "first"},
		{Type: model.BlockToolUse, ID: "c1", Name: "read"},
		{Type: model.BlockText, Text: "  "},
		{Type: model.BlockText, Text: "second"},
	}}
	if got := textFromBlocks(msg); got != "first\nsecond" {
		t.Fatalf("text = %q", got)
	}
}
