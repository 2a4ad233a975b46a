package bootstrap

import (
	"context"
	"iter"
	"path/filepath"
	"testing"

	"github.com/finsightai/convo/kernel/delegate"
	"github.com/finsightai/convo/kernel/model"
	"github.com/finsightai/convo/kernel/model/providers"
	"github.com/finsightai/convo/kernel/runtime"
	"github.com/finsightai/convo/kernel/session"
)

type stubLLM struct{}

func (stubLLM) Name() string { return "stub" }

func (stubLLM) Generate(context.Context, *model.Request) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		yield(&model.Response{
			Message:      model.Message{Role: model.RoleAssistant, Text: "ok"},
			TurnComplete: true,
		}, nil)
	}
}

func TestAssemble_MemoryDefaults(t *testing.T) {
	r, err := Assemble(AssembleSpec{Model: stubLLM{}})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	defer r.Close()
	if r.Store == nil || r.Agent == nil || r.Engine == nil {
		t.Fatalf("incomplete stack: %+v", r)
	}
	if r.Agent.Name() != "assistant" {
		t.Fatalf("default loop name = %q", r.Agent.Name())
	}
	if len(r.Tools) != 0 {
		t.Fatalf("unexpected tools: %d", len(r.Tools))
	}
}

func TestAssemble_RunsEndToEnd(t *testing.T) {
	r, err := Assemble(AssembleSpec{Model: stubLLM{}})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	defer r.Close()

	var answer string
	for ev, runErr := range r.Engine.Run(context.Background(), runtime.RunRequest{
		UserID:         "u1",
		ConversationID: "c1",
		Input:          "hello",
		Agent:          r.Agent,
		Model:          r.Model,
		Tools:          r.Tools,
	}) {
		if runErr != nil {
			t.Fatalf("run failed: %v", runErr)
		}
		if ev != nil && ev.Message.Role == model.RoleAssistant {
			answer = ev.Message.Text
		}
	}
	if answer != "ok" {
		t.Fatalf("answer = %q", answer)
	}
}

func TestAssemble_SQLiteBackend(t *testing.T) {
	r, err := Assemble(AssembleSpec{
		Model:        stubLLM{},
		StoreBackend: StoreSQLite,
		StorePath:    filepath.Join(t.TempDir(), "convo.db"),
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	conv := &session.Conversation{UserID: "u1", ID: "c1"}
	if _, err := r.Store.GetOrCreate(context.Background(), conv); err != nil {
		t.Fatalf("store not usable: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestAssemble_FileBackend(t *testing.T) {
	r, err := Assemble(AssembleSpec{
		Model:        stubLLM{},
		StoreBackend: StoreFile,
		StorePath:    t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	defer r.Close()
	conv := &session.Conversation{UserID: "u1", ID: "c1"}
	if _, err := r.Store.GetOrCreate(context.Background(), conv); err != nil {
		t.Fatalf("store not usable: %v", err)
	}
}

func TestAssemble_RejectsBadSpec(t *testing.T) {
	if _, err := Assemble(AssembleSpec{}); err == nil {
		t.Fatal("expected error without model or provider")
	}
	if _, err := Assemble(AssembleSpec{Model: stubLLM{}, StoreBackend: "redis"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	if _, err := Assemble(AssembleSpec{Model: stubLLM{}, StoreBackend: StoreSQLite}); err == nil {
		t.Fatal("expected error for sqlite without path")
	}
}

func TestAssemble_ProviderConfig(t *testing.T) {
	r, err := Assemble(AssembleSpec{
		Provider: &providers.Config{
			Alias:    "main",
			Provider: "openai",
			API:      providers.APIOpenAICompatible,
			Model:    "gpt-4o",
			BaseURL:  "https://api.example.com/v1",
			Auth:     providers.AuthConfig{Token: "sk-test"},
		},
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	defer r.Close()
	if r.Model.Name() != "gpt-4o" {
		t.Fatalf("model name = %q", r.Model.Name())
	}
}

func TestAssemble_Delegation(t *testing.T) {
	r, err := Assemble(AssembleSpec{Model: stubLLM{}, EnableDelegation: true})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	defer r.Close()
	found := false
	for _, tl := range r.Tools {
		if tl.Name() == delegate.ToolName {
			found = true
		}
	}
	if !found {
		t.Fatal("delegate tool missing")
	}
}
