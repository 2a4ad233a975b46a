package session

import (
	"testing"

	"github.com/finsightai/convo/kernel/model"
)

func TestMessages_ExtractsOrderedSequence(t *testing.T) {
	events := []*Event{
		{Message: model.Message{Role: model.RoleUser, Text: "hi"}},
		nil,
		{Message: model.Message{Role: model.RoleAssistant, Text: "hello"}},
	}
	msgs := Messages(events)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "hi" || msgs[1].Role != model.RoleAssistant {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestMessages_Empty(t *testing.T) {
	if msgs := Messages(nil); len(msgs) != 0 {
		t.Fatalf("expected empty, got %v", msgs)
	}
}
