package model

import (
	"encoding/json"
	"testing"
)

func TestInvocations_MergesCallsAndBlocks(t *testing.T) {
	msg := Message{
		Role:      RoleAssistant,
		ToolCalls: []ToolCall{{ID: "c1", Name: "read", Args: map[string]any{"path": "a.txt"}}},
		Blocks: []ContentBlock{
			{Type: BlockText, Text: "working on it"},
			{Type: BlockToolUse, ID: "c2", Name: "write", Input: json.RawMessage(`{"path":"b.txt"}`)},
		},
	}
	calls := msg.Invocations()
	if len(calls) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(calls))
	}
	if calls[0].ID != "c1" || calls[1].ID != "c2" {
		t.Fatalf("unexpected invocation order: %q %q", calls[0].ID, calls[1].ID)
	}
	if calls[1].Args["path"] != "b.txt" {
		t.Fatalf("block input not decoded: %v", calls[1].Args)
	}
}

func TestInvocations_DuplicateIDKeptOnce(t *testing.T) {
	msg := Message{
		Role:      RoleAssistant,
		ToolCalls: []ToolCall{{ID: "c1", Name: "read"}},
		Blocks:    []ContentBlock{{Type: BlockToolUse, ID: "c1", Name: "read"}},
	}
	if got := len(msg.Invocations()); got != 1 {
		t.Fatalf("expected duplicate id merged to 1 invocation, got %d", got)
	}
}

func TestInvocations_MalformedInputYieldsNilArgs(t *testing.T) {
	msg := Message{
		Role:   RoleAssistant,
		Blocks: []ContentBlock{{Type: BlockToolUse, ID: "c1", Name: "read", Input: json.RawMessage(`{broken`)}},
	}
	calls := msg.Invocations()
	if len(calls) != 1 {
		t.Fatalf("malformed input must not drop the invocation, got %d calls", len(calls))
	}
	if calls[0].Args != nil {
		t.Fatalf("expected nil args for malformed input, got %v", calls[0].Args)
	}
}

func TestHasInvocations(t *testing.T) {
	plain := Message{Role: RoleAssistant, Text: "hello"}
	if plain.HasInvocations() {
		t.Fatal("plain text message must not report invocations")
	}
	withCall := Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "x"}}}
	if !withCall.HasInvocations() {
		t.Fatal("tool-call message must report invocations")
	}
}

func TestParseBlocks_InvalidJSONIsNil(t *testing.T) {
	if got := ParseBlocks([]byte(`not json`)); got != nil {
		t.Fatalf("expected nil for invalid payload, got %v", got)
	}
	blocks := ParseBlocks([]byte(`[{"type":"text","text":"hi"}]`))
	if len(blocks) != 1 || blocks[0].Text != "hi" {
		t.Fatalf("unexpected blocks: %v", blocks)
	}
}

func TestClone_DeepCopies(t *testing.T) {
	orig := Message{
		Role:      RoleAssistant,
		Text:      "t",
		ToolCalls: []ToolCall{{ID: "c1", Name: "read", Args: map[string]any{"path": "a"}}},
		Blocks:    []ContentBlock{{Type: BlockToolUse, ID: "c2", Input: json.RawMessage(`{"k":1}`)}},
		Result:    &ToolResult{OfID: "c0", Name: "read", Payload: map[string]any{"ok": true}},
	}
	cp := orig.Clone()
	cp.ToolCalls[0].Args["path"] = "mutated"
	cp.Blocks[0].Input[1] = 'x'
	cp.Result.Payload["ok"] = false
	cp.CacheHint = true

	if orig.ToolCalls[0].Args["path"] != "a" {
		t.Fatal("clone shares tool call args")
	}
	if string(orig.Blocks[0].Input) != `{"k":1}` {
		t.Fatal("clone shares block input")
	}
	if orig.Result.Payload["ok"] != true {
		t.Fatal("clone shares result payload")
	}
	if orig.CacheHint {
		t.Fatal("clone shares cache hint")
	}
}

func TestCacheHintNeverSerialized(t *testing.T) {
	raw, err := json.Marshal(Message{Role: RoleUser, Text: "hi", CacheHint: true})
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	for key := range decoded {
		if key == "CacheHint" || key == "cache_hint" {
			t.Fatalf("cache hint leaked into serialized form: %s", string(raw))
		}
	}
}
