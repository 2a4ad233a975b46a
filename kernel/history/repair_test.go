package history

import (
	"testing"

	"github.com/finsightai/convo/kernel/model"
	"github.com/finsightai/convo/kernel/session"
)

func userEvent(text string) *session.Event {
	return &session.Event{Message: model.Message{Role: model.RoleUser, Text: text}}
}

func assistantText(text string) *session.Event {
	return &session.Event{Message: model.Message{Role: model.RoleAssistant, Text: text}}
}

func assistantCalls(ids ...string) *session.Event {
	calls := make([]model.ToolCall, 0, len(ids))
	for _, id := range ids {
		calls = append(calls, model.ToolCall{ID: id, Name: "tool_" + id})
	}
	return &session.Event{Message: model.Message{Role: model.RoleAssistant, ToolCalls: calls}}
}

func toolResult(ofID string) *session.Event {
	return &session.Event{Message: model.Message{
		Role:   model.RoleTool,
		Result: &model.ToolResult{OfID: ofID, Name: "tool_" + ofID, Payload: map[string]any{"ok": true}},
	}}
}

func roles(events []*session.Event) []model.Role {
	out := make([]model.Role, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Message.Role)
	}
	return out
}

func TestRepair_ValidSequenceUntouched(t *testing.T) {
	events := []*session.Event{
		userEvent("hi"),
		assistantCalls("c1", "c2"),
		toolResult("c1"),
		toolResult("c2"),
		assistantText("done"),
	}
	repaired, removed := Repair(events)
	if len(removed) != 0 {
		t.Fatalf("expected no removals, got %v", removed)
	}
	if len(repaired) != len(events) {
		t.Fatalf("expected %d events, got %d", len(events), len(repaired))
	}
	if !Valid(events) {
		t.Fatal("valid sequence reported invalid")
	}
}

func TestRepair_MissingResultRemovesAssistantAndRun(t *testing.T) {
	events := []*session.Event{
		userEvent("hi"),
		assistantCalls("c1", "c2"),
		toolResult("c1"),
		assistantText("later"),
	}
	repaired, removed := Repair(events)
	got := roles(repaired)
	if len(got) != 2 || got[0] != model.RoleUser || got[1] != model.RoleAssistant {
		t.Fatalf("unexpected survivors: %v", got)
	}
	if repaired[1].Message.Text != "later" {
		t.Fatal("wrong assistant survived")
	}
	if len(removed) == 0 {
		t.Fatal("expected removed invocation ids for audit")
	}
}

func TestRepair_InterleavedRoleBreaksRun(t *testing.T) {
	events := []*session.Event{
		assistantCalls("c1", "c2"),
		toolResult("c1"),
		userEvent("interrupt"),
		toolResult("c2"),
	}
	repaired, _ := Repair(events)
	// The user interrupt survives; the broken pairing and the stray result
	// after it do not.
	if len(repaired) != 1 || repaired[0].Message.Role != model.RoleUser {
		t.Fatalf("unexpected survivors: %v", roles(repaired))
	}
}

func TestRepair_DuplicateResultInRun(t *testing.T) {
	events := []*session.Event{
		assistantCalls("c1"),
		toolResult("c1"),
		toolResult("c1"),
	}
	repaired, removed := Repair(events)
	if len(repaired) != 0 {
		t.Fatalf("duplicate run must remove the pairing, got %v", roles(repaired))
	}
	if len(removed) != 1 || removed[0] != "c1" {
		t.Fatalf("unexpected audit ids: %v", removed)
	}
}

func TestRepair_OrphanResultRemoved(t *testing.T) {
	events := []*session.Event{
		userEvent("hi"),
		toolResult("ghost"),
		assistantText("hello"),
	}
	repaired, removed := Repair(events)
	if len(repaired) != 2 {
		t.Fatalf("expected orphan removed, got %v", roles(repaired))
	}
	if len(removed) != 1 || removed[0] != "ghost" {
		t.Fatalf("unexpected audit ids: %v", removed)
	}
}

func TestRepair_ExtraResultInRun(t *testing.T) {
	events := []*session.Event{
		assistantCalls("c1"),
		toolResult("c1"),
		toolResult("c2"),
		userEvent("next"),
	}
	repaired, _ := Repair(events)
	if len(repaired) != 1 || repaired[0].Message.Role != model.RoleUser {
		t.Fatalf("unexpected survivors: %v", roles(repaired))
	}
}

func TestRepair_BlockStyleInvocations(t *testing.T) {
	assistant := &session.Event{Message: model.Message{
		Role: model.RoleAssistant,
		Blocks: []model.ContentBlock{
			{Type: model.BlockText, Text: "running"},
			{Type: model.BlockToolUse, ID: "c1", Name: "read"},
		},
	}}
	events := []*session.Event{assistant, toolResult("c1")}
	repaired, removed := Repair(events)
	if len(removed) != 0 || len(repaired) != 2 {
		t.Fatalf("block-style pairing should be valid, removed=%v", removed)
	}
}

func TestRepair_Idempotent(t *testing.T) {
	events := []*session.Event{
		userEvent("hi"),
		assistantCalls("c1", "c2"),
		toolResult("c2"),
		toolResult("ghost"),
		assistantText("tail"),
		toolResult("c1"),
	}
	once, _ := Repair(events)
	twice, removed := Repair(once)
	if len(removed) != 0 {
		t.Fatalf("second pass removed ids: %v", removed)
	}
	if len(twice) != len(once) {
		t.Fatalf("second pass changed length: %d != %d", len(twice), len(once))
	}
}

func TestRepair_LaterPairingsSurvive(t *testing.T) {
	events := []*session.Event{
		assistantCalls("c1"),
		userEvent("interrupt"),
		assistantCalls("c2"),
		toolResult("c2"),
	}
	repaired, _ := Repair(events)
	got := roles(repaired)
	if len(got) != 3 {
		t.Fatalf("expected later pairing intact, got %v", got)
	}
	if repaired[1].Message.Role != model.RoleAssistant || !repaired[1].Message.HasInvocations() {
		t.Fatal("second assistant pairing should survive")
	}
}
