package delegate

import (
	"context"

	"github.com/finsightai/convo/kernel/model"
	"github.com/finsightai/convo/kernel/session"
	"github.com/finsightai/convo/kernel/tool"
)

// childContext is the invocation context handed to a child turn loop. The
// child owns an ephemeral in-memory conversation seeded from the directive;
// nothing here touches the parent's store.
type childContext struct {
	context.Context
	conv     *session.Conversation
	history  []*session.Event
	model    model.LLM
	tools    []tool.Tool
	toolMap  map[string]tool.Tool
	agentID  string
	parentID string
	depth    int
}

func (c *childContext) Conversation() *session.Conversation { return c.conv }
func (c *childContext) History() []*session.Event           { return c.history }
func (c *childContext) Model() model.LLM                    { return c.model }
func (c *childContext) Tools() []tool.Tool                  { return c.tools }
func (c *childContext) AgentID() string                     { return c.agentID }
func (c *childContext) ParentAgentID() string               { return c.parentID }
func (c *childContext) Depth() int                          { return c.depth }

func (c *childContext) Tool(name string) (tool.Tool, bool) {
	t, ok := c.toolMap[name]
	return t, ok
}
