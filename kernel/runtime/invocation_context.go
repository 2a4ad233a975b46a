package runtime

import (
	"context"

	"github.com/finsightai/convo/kernel/model"
	"github.com/finsightai/convo/kernel/session"
	"github.com/finsightai/convo/kernel/tool"
)

type invocationContext struct {
	context.Context
	conv    *session.Conversation
	history []*session.Event
	model   model.LLM
	tools   []tool.Tool
	toolMap map[string]tool.Tool
	agentID string
}

func (c *invocationContext) Conversation() *session.Conversation {
	return c.conv
}

func (c *invocationContext) History() []*session.Event {
	out := make([]*session.Event, 0, len(c.history))
	for _, ev := range c.history {
		if ev == nil {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	return out
}

func (c *invocationContext) Model() model.LLM {
	return c.model
}

func (c *invocationContext) Tools() []tool.Tool {
	out := make([]tool.Tool, 0, len(c.tools))
	out = append(out, c.tools...)
	return out
}

func (c *invocationContext) Tool(name string) (tool.Tool, bool) {
	t, ok := c.toolMap[name]
	return t, ok
}

func (c *invocationContext) AgentID() string       { return c.agentID }
func (c *invocationContext) ParentAgentID() string { return "" }
func (c *invocationContext) Depth() int            { return 0 }
