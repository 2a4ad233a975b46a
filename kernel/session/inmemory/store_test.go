package inmemory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/finsightai/convo/kernel/model"
	"github.com/finsightai/convo/kernel/session"
)

func conv() *session.Conversation {
	return &session.Conversation{UserID: "u1", ID: "c1"}
}

func TestAppendAndList(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.GetOrCreate(ctx, conv()); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	first := &session.Event{ID: "e1", Message: model.Message{Role: model.RoleUser, Text: "hi"}}
	second := &session.Event{ID: "e2", Message: model.Message{Role: model.RoleAssistant, Text: "hello"}}
	if err := s.AppendEvent(ctx, conv(), first); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := s.AppendEvent(ctx, conv(), second); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	events, err := s.ListEvents(ctx, conv())
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].Message.Seq != 1 || events[1].Message.Seq != 2 {
		t.Fatalf("seq = %d, %d", events[0].Message.Seq, events[1].Message.Seq)
	}
	if first.Message.Seq != 1 {
		t.Fatal("seq not written back to the appended event")
	}

	// Listed events are copies; mutating them must not touch the store.
	events[0].Message.Text = "mutated"
	again, _ := s.ListEvents(ctx, conv())
	if again[0].Message.Text != "hi" {
		t.Fatal("listed event aliases store memory")
	}
}

func TestUnknownConversation(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.ListEvents(ctx, conv()); !errors.Is(err, session.ErrConversationNotFound) {
		t.Fatalf("ListEvents err = %v", err)
	}
	ev := &session.Event{ID: "e1", Message: model.Message{Role: model.RoleUser, Text: "x"}}
	if err := s.AppendEvent(ctx, conv(), ev); !errors.Is(err, session.ErrConversationNotFound) {
		t.Fatalf("AppendEvent err = %v", err)
	}
}

func TestValidation(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.GetOrCreate(ctx, &session.Conversation{UserID: "u1"}); err == nil {
		t.Fatal("expected error for missing conversation id")
	}
	if _, err := s.GetOrCreate(ctx, nil); err == nil {
		t.Fatal("expected error for nil conversation")
	}
}

func TestAttachResource(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.GetOrCreate(ctx, conv())
	ev := &session.Event{ID: "e1", Message: model.Message{Role: model.RoleUser, Text: "x"}}
	s.AppendEvent(ctx, conv(), ev)

	if err := s.AttachResource(ctx, conv(), "e1", "file:///tmp/out.png"); err != nil {
		t.Fatalf("AttachResource: %v", err)
	}
	events, _ := s.ListEvents(ctx, conv())
	if events[0].Message.ResourceLink != "file:///tmp/out.png" {
		t.Fatalf("resource link = %q", events[0].Message.ResourceLink)
	}
	if err := s.AttachResource(ctx, conv(), "missing", "x"); err == nil {
		t.Fatal("expected error for unknown event")
	}
}

func TestProcessingFlag(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.GetOrCreate(ctx, conv())

	if _, on, _ := s.ProcessingSince(ctx, conv()); on {
		t.Fatal("new conversation marked processing")
	}
	before := time.Now()
	if err := s.SetProcessing(ctx, conv(), true); err != nil {
		t.Fatalf("SetProcessing: %v", err)
	}
	since, on, err := s.ProcessingSince(ctx, conv())
	if err != nil {
		t.Fatalf("ProcessingSince: %v", err)
	}
	if !on || since.Before(before.Add(-time.Second)) {
		t.Fatalf("processing = %v since %v", on, since)
	}
	if err := s.SetProcessing(ctx, conv(), false); err != nil {
		t.Fatalf("SetProcessing: %v", err)
	}
	if _, on, _ := s.ProcessingSince(ctx, conv()); on {
		t.Fatal("processing flag not cleared")
	}
}
