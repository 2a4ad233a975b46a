package turnloop

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/finsightai/convo/kernel/agent"
	"github.com/finsightai/convo/kernel/model"
	"github.com/finsightai/convo/kernel/session"
	"github.com/finsightai/convo/kernel/tool"
)

// executeInvocations runs every invocation of one assistant message through
// a bounded worker pool and yields one tool-result event per invocation in
// the original invocation order, regardless of completion order. All results
// are appended or none are: a cancelled run still fills every slot (with
// cancellation payloads) before anything is yielded, so the pairing
// invariant survives cancellation.
func (a *Agent) executeInvocations(
	ctx agent.InvocationContext,
	calls []model.ToolCall,
	dupCount map[string]int,
	yield func(*session.Event, error) bool,
) ([]*session.Event, bool) {
	results := make([]map[string]any, len(calls))

	// Duplicate detection is sequenced before dispatch; the counter map is
	// shared across turns and must not be touched concurrently.
	duplicate := make([]bool, len(calls))
	for i, call := range calls {
		sig, err := toolCallSignature(call)
		if err != nil {
			continue
		}
		dupCount[sig]++
		if dupCount[sig] > 2 {
			duplicate[i] = true
		}
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	execCtx = tool.WithInfo(execCtx, tool.Info{
		UserID:         ctx.Conversation().UserID,
		ConversationID: ctx.Conversation().ID,
		AgentID:        ctx.AgentID(),
		ParentAgentID:  ctx.ParentAgentID(),
		Depth:          ctx.Depth(),
	})
	progress := make(chan *session.Event, 32)
	execCtx = tool.WithEmitter(execCtx, func(ev *session.Event) {
		// Best-effort: a saturated sink drops progress rather than
		// stalling tool execution.
		select {
		case progress <- ev:
		default:
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		g := &errgroup.Group{}
		g.SetLimit(a.cfg.ToolParallelism)
		for i, call := range calls {
			g.Go(func() error {
				if duplicate[i] {
					results[i] = map[string]any{"error": "duplicate tool call detected"}
					return nil
				}
				results[i] = a.runOne(execCtx, ctx, call)
				return nil
			})
		}
		_ = g.Wait()
	}()

	stopped := false
	for {
		select {
		case ev := <-progress:
			if stopped || ev == nil {
				continue
			}
			if !yield(ev, nil) {
				stopped = true
				cancel()
			}
		case <-done:
			for {
				select {
				case ev := <-progress:
					if stopped || ev == nil {
						continue
					}
					if !yield(ev, nil) {
						stopped = true
					}
				default:
					if stopped {
						return nil, false
					}
					return a.yieldResults(calls, results, yield)
				}
			}
		}
	}
}

func (a *Agent) yieldResults(
	calls []model.ToolCall,
	results []map[string]any,
	yield func(*session.Event, error) bool,
) ([]*session.Event, bool) {
	out := make([]*session.Event, 0, len(calls))
	for i, call := range calls {
		payload := results[i]
		if payload == nil {
			payload = map[string]any{"error": "tool produced no result"}
		}
		ev := &session.Event{
			ID:   session.NewEventID(),
			Time: time.Now(),
			Message: model.Message{
				Role:   model.RoleTool,
				Result: &model.ToolResult{OfID: call.ID, Name: call.Name, Payload: payload},
			},
			Meta: map[string]any{session.MetaKind: session.KindToolResult},
		}
		if !yield(ev, nil) {
			return nil, false
		}
		out = append(out, ev)
	}
	return out, true
}

// runOne executes a single invocation, converting every failure mode into an
// error payload the model can read. It never returns an error: a tool
// failure is information for the model, not a reason to abort the loop.
func (a *Agent) runOne(
	execCtx context.Context,
	ctx agent.InvocationContext,
	call model.ToolCall,
) map[string]any {
	t, ok := ctx.Tool(call.Name)
	if !ok {
		return map[string]any{"error": "unknown tool " + call.Name}
	}
	if err := execCtx.Err(); err != nil {
		return map[string]any{"error": "tool call cancelled before start", "cancelled": true}
	}
	result, err := t.Run(execCtx, call.Args)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	truncated, info := tool.TruncateMap(result, a.cfg.ToolTruncation)
	return tool.AddTruncationMeta(truncated, info)
}
