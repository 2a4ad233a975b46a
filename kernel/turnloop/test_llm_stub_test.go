package turnloop

import (
	"context"
	"iter"
	"sync"

	"github.com/finsightai/convo/kernel/agent"
	"github.com/finsightai/convo/kernel/model"
	"github.com/finsightai/convo/kernel/session"
	"github.com/finsightai/convo/kernel/tool"
)

// scriptedLLM drives loop tests with a deterministic handler. It records
// every request it receives so tests can inspect the transmitted view.
type scriptedLLM struct {
	name    string
	handler func(call int, req *model.Request) (*model.Response, error)

	mu       sync.Mutex
	requests []*model.Request
	calls    int
}

func newScriptedLLM(name string, handler func(call int, req *model.Request) (*model.Response, error)) *scriptedLLM {
	return &scriptedLLM{name: name, handler: handler}
}

func (s *scriptedLLM) Name() string { return s.name }

func (s *scriptedLLM) Generate(_ context.Context, req *model.Request) iter.Seq2[*model.Response, error] {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return func(yield func(*model.Response, error) bool) {
		resp, err := s.handler(call, req)
		if err != nil {
			yield(nil, err)
			return
		}
		resp.TurnComplete = true
		yield(resp, nil)
	}
}

func (s *scriptedLLM) request(i int) *model.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.requests) {
		return nil
	}
	return s.requests[i]
}

func textResponse(text string) (*model.Response, error) {
	return &model.Response{Message: model.Message{Role: model.RoleAssistant, Text: text}}, nil
}

func callResponse(calls ...model.ToolCall) (*model.Response, error) {
	return &model.Response{Message: model.Message{Role: model.RoleAssistant, ToolCalls: calls}}, nil
}

// testCtx is a minimal in-memory invocation context for loop tests.
type testCtx struct {
	context.Context
	conv    *session.Conversation
	history []*session.Event
	llm     model.LLM
	tools   []tool.Tool
	toolMap map[string]tool.Tool
}

var _ agent.InvocationContext = (*testCtx)(nil)

func newTestCtx(llm model.LLM, tools []tool.Tool, history ...*session.Event) *testCtx {
	toolMap, _ := tool.BuildMap(tools)
	return &testCtx{
		Context: context.Background(),
		conv:    &session.Conversation{UserID: "u1", ID: "c1"},
		history: history,
		llm:     llm,
		tools:   tools,
		toolMap: toolMap,
	}
}

func (c *testCtx) Conversation() *session.Conversation { return c.conv }
func (c *testCtx) History() []*session.Event           { return c.history }
func (c *testCtx) Model() model.LLM                    { return c.llm }
func (c *testCtx) Tools() []tool.Tool                  { return c.tools }
func (c *testCtx) AgentID() string                     { return "agent_test" }
func (c *testCtx) ParentAgentID() string               { return "" }
func (c *testCtx) Depth() int                          { return 0 }

func (c *testCtx) Tool(name string) (tool.Tool, bool) {
	t, ok := c.toolMap[name]
	return t, ok
}

// collectRun drains a run, splitting canonical events from partials.
func collectRun(seq iter.Seq2[*session.Event, error]) (canonical, partial []*session.Event, runErr error) {
	for ev, err := range seq {
		if err != nil {
			runErr = err
			continue
		}
		if ev == nil {
			continue
		}
		if isPartial, _ := ev.Meta["partial"].(bool); isPartial {
			partial = append(partial, ev)
			continue
		}
		canonical = append(canonical, ev)
	}
	return canonical, partial, runErr
}

type echoArgs struct {
	Msg string `json:"msg"`
}

func newEchoTool() tool.Tool {
	t, err := tool.NewFunction("echo", "echoes its input", func(_ context.Context, args echoArgs) (map[string]any, error) {
		return map[string]any{"echo": args.Msg}, nil
	})
	if err != nil {
		panic(err)
	}
	return t
}

func userEvent(text string) *session.Event {
	return &session.Event{
		ID:      session.NewEventID(),
		Message: model.Message{Role: model.RoleUser, Text: text},
	}
}
