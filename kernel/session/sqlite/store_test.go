package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/finsightai/convo/kernel/model"
	"github.com/finsightai/convo/kernel/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "convo.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func conv() *session.Conversation {
	return &session.Conversation{UserID: "u1", ID: "c1"}
}

func TestRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.GetOrCreate(ctx, conv()); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	events := []*session.Event{
		{ID: "e1", Message: model.Message{Role: model.RoleUser, Text: "read the file"}},
		{ID: "e2",
			Message: model.Message{
				Role:      model.RoleAssistant,
				ToolCalls: []model.ToolCall{{ID: "c1", Name: "read", Args: map[string]any{"path": "a.txt"}}},
			},
			Meta: map[string]any{"model": "m1"},
		},
		{ID: "e3",
			Message: model.Message{
				Role:   model.RoleTool,
				Result: &model.ToolResult{OfID: "c1", Name: "read", Payload: map[string]any{"content": "data"}},
			},
			Meta: map[string]any{session.MetaKind: session.KindToolResult},
		},
	}
	for _, ev := range events {
		if err := s.AppendEvent(ctx, conv(), ev); err != nil {
			t.Fatalf("AppendEvent %s: %v", ev.ID, err)
		}
	}

	loaded, err := s.ListEvents(ctx, conv())
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("got %d events", len(loaded))
	}
	for i, ev := range loaded {
		if ev.Message.Seq != int64(i+1) {
			t.Fatalf("event %d seq = %d", i, ev.Message.Seq)
		}
		if ev.ConversationID != "c1" {
			t.Fatalf("event %d conversation = %q", i, ev.ConversationID)
		}
	}
	calls := loaded[1].Message.Invocations()
	if len(calls) != 1 || calls[0].Args["path"] != "a.txt" {
		t.Fatalf("tool call lost in round trip: %+v", loaded[1].Message)
	}
	if loaded[1].Meta["model"] != "m1" {
		t.Fatalf("meta lost: %v", loaded[1].Meta)
	}
	res := loaded[2].Message.Result
	if res == nil || res.OfID != "c1" || res.Payload["content"] != "data" {
		t.Fatalf("tool result lost: %+v", res)
	}
	if session.KindOf(loaded[2]) != session.KindToolResult {
		t.Fatalf("kind = %q", session.KindOf(loaded[2]))
	}
}

func TestCacheHintNotPersisted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.GetOrCreate(ctx, conv())

	ev := &session.Event{ID: "e1", Message: model.Message{Role: model.RoleUser, Text: "x", CacheHint: true}}
	if err := s.AppendEvent(ctx, conv(), ev); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	loaded, _ := s.ListEvents(ctx, conv())
	if loaded[0].Message.CacheHint {
		t.Fatal("cache hint survived persistence")
	}
}

func TestUnknownConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.ListEvents(ctx, conv()); !errors.Is(err, session.ErrConversationNotFound) {
		t.Fatalf("ListEvents err = %v", err)
	}
	ev := &session.Event{ID: "e1", Message: model.Message{Role: model.RoleUser, Text: "x"}}
	if err := s.AppendEvent(ctx, conv(), ev); !errors.Is(err, session.ErrConversationNotFound) {
		t.Fatalf("AppendEvent err = %v", err)
	}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.GetOrCreate(ctx, conv()); err != nil {
		t.Fatalf("first GetOrCreate: %v", err)
	}
	s.AppendEvent(ctx, conv(), &session.Event{ID: "e1", Message: model.Message{Role: model.RoleUser, Text: "x"}})
	if _, err := s.GetOrCreate(ctx, conv()); err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	events, _ := s.ListEvents(ctx, conv())
	if len(events) != 1 {
		t.Fatalf("events lost on re-create: %d", len(events))
	}
}

func TestAttachResource(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.GetOrCreate(ctx, conv())
	s.AppendEvent(ctx, conv(), &session.Event{ID: "e1", Message: model.Message{Role: model.RoleUser, Text: "x"}})

	if err := s.AttachResource(ctx, conv(), "e1", "s3://bucket/key"); err != nil {
		t.Fatalf("AttachResource: %v", err)
	}
	events, _ := s.ListEvents(ctx, conv())
	if events[0].Message.ResourceLink != "s3://bucket/key" {
		t.Fatalf("resource link = %q", events[0].Message.ResourceLink)
	}
	if err := s.AttachResource(ctx, conv(), "nope", "x"); err == nil {
		t.Fatal("expected error for unknown event")
	}
}

func TestProcessingFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.GetOrCreate(ctx, conv())

	if err := s.SetProcessing(ctx, conv(), true); err != nil {
		t.Fatalf("SetProcessing: %v", err)
	}
	since, on, err := s.ProcessingSince(ctx, conv())
	if err != nil {
		t.Fatalf("ProcessingSince: %v", err)
	}
	if !on || since.IsZero() {
		t.Fatalf("processing = %v since %v", on, since)
	}
	if err := s.SetProcessing(ctx, conv(), false); err != nil {
		t.Fatalf("SetProcessing: %v", err)
	}
	if _, on, _ := s.ProcessingSince(ctx, conv()); on {
		t.Fatal("processing flag not cleared")
	}
	// Unknown conversations are simply not processing.
	if _, on, err := s.ProcessingSince(ctx, &session.Conversation{UserID: "u2", ID: "c9"}); err != nil || on {
		t.Fatalf("unknown conversation: on=%v err=%v", on, err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "convo.db")
	ctx := context.Background()

	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.GetOrCreate(ctx, conv())
	s.AppendEvent(ctx, conv(), &session.Event{ID: "e1", Message: model.Message{Role: model.RoleUser, Text: "persisted"}})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	events, err := reopened.ListEvents(ctx, conv())
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 || events[0].Message.Text != "persisted" {
		t.Fatalf("events after reopen = %v", events)
	}
}
