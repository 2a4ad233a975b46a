package agent

import (
	"context"
	"iter"

	"github.com/finsightai/convo/kernel/model"
	"github.com/finsightai/convo/kernel/session"
	"github.com/finsightai/convo/kernel/tool"
)

// Agent is the runtime execution unit: one turn loop over one conversation.
type Agent interface {
	Name() string
	Run(InvocationContext) iter.Seq2[*session.Event, error]
}

// ReadonlyContext exposes immutable invocation state derived from persisted
// history.
type ReadonlyContext interface {
	context.Context
	Conversation() *session.Conversation
	History() []*session.Event
}

// ModelContext exposes model planning capabilities.
type ModelContext interface {
	ReadonlyContext
	Model() model.LLM
	Tools() []tool.Tool
}

// ToolContext exposes tool execution capabilities.
type ToolContext interface {
	ReadonlyContext
	Tool(string) (tool.Tool, bool)
}

// Identity exposes the running agent's identifiers. ParentAgentID is empty
// for top-level agents; Depth counts delegation nesting from zero.
type Identity interface {
	AgentID() string
	ParentAgentID() string
	Depth() int
}

// InvocationContext composes all kernel contexts used by one agent run.
type InvocationContext interface {
	ModelContext
	ToolContext
	Identity
}
