// Package delegate lets a running turn loop hand a sub-task to a freshly
// spawned child agent. The child drives its own conversation and turn loop;
// its events are forwarded to the caller's sink for transparency, but only
// its final structured result ever crosses back into the parent's history.
package delegate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/finsightai/convo/kernel/model"
	"github.com/finsightai/convo/kernel/session"
	"github.com/finsightai/convo/kernel/tool"
	"github.com/finsightai/convo/kernel/turnloop"
)

// ToolName is the tool the parent model calls to delegate a task.
const ToolName = "delegate"

// FinishToolName is the reserved completion-signal tool. Any tool result
// carrying this name is recognized by the coordinator regardless of which
// child agent emitted it.
const FinishToolName = "finish_execution"

// FinishPayload is the structured "work is finished" signal a child model
// reports through the finish tool.
type FinishPayload struct {
	Summary      string   `json:"summary"`
	FilesCreated []string `json:"filesCreated,omitempty"`
	Success      bool     `json:"success"`
	Error        string   `json:"error,omitempty"`
}

// Link records a parent/child agent relation. It exists for tracing and UI
// only: conversation ownership stays with each agent, and a child's messages
// are never merged into the parent's history.
type Link struct {
	ChildAgentID  string `json:"child_agent_id"`
	ParentAgentID string `json:"parent_agent_id"`
}

// Config controls child agent construction.
type Config struct {
	// Model runs the child loops. Required.
	Model model.LLM
	// Tools is the child tool catalogue. The finish tool is added
	// automatically when absent.
	Tools []tool.Tool
	// MaxDepth bounds delegation nesting. Zero means the default of 2.
	MaxDepth int
	// Loop configures child turn loops; Name is derived per child.
	Loop turnloop.Config
}

const defaultMaxDepth = 2

// Coordinator is the delegate tool implementation. From the parent loop's
// perspective delegation is just another tool invocation.
type Coordinator struct {
	cfg     Config
	tools   []tool.Tool
	toolMap map[string]tool.Tool
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("delegate: model is required")
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	tools := append([]tool.Tool(nil), cfg.Tools...)
	hasFinish := false
	for _, t := range tools {
		if t != nil && t.Name() == FinishToolName {
			hasFinish = true
		}
	}
	if !hasFinish {
		finish, err := FinishTool()
		if err != nil {
			return nil, err
		}
		tools = append(tools, finish)
	}
	toolMap, err := tool.BuildMap(tools)
	if err != nil {
		return nil, err
	}
	return &Coordinator{cfg: cfg, tools: tools, toolMap: toolMap}, nil
}

func (c *Coordinator) Name() string { return ToolName }

func (c *Coordinator) Description() string {
	return "Delegate a self-contained sub-task to an executor agent. " +
		"Provide a complete directive; the executor reports back a structured summary when done."
}

type delegateArgs struct {
	Directive string `json:"directive"`
	// Plan is an optional shared task-tracking artifact seeded into the
	// child's opening message.
	Plan string `json:"plan,omitempty"`
}

func (c *Coordinator) Declaration() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        ToolName,
		Description: c.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"directive": map[string]any{
					"type":        "string",
					"description": "Complete description of the sub-task the executor should perform.",
				},
				"plan": map[string]any{
					"type":        "string",
					"description": "Optional shared task plan or tracking notes.",
				},
			},
			"required": []string{"directive"},
		},
	}
}

// Run spawns a child turn loop, forwards its events, and collapses its
// stream into one structured result for the parent's pending invocation.
// The parent loop is suspended until the child finishes: delegation is
// synchronous from the caller's point of view.
func (c *Coordinator) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	var parsed delegateArgs
	if raw, err := json.Marshal(args); err == nil {
		_ = json.Unmarshal(raw, &parsed)
	}
	if strings.TrimSpace(parsed.Directive) == "" {
		return nil, fmt.Errorf("delegate: directive is required")
	}
	info, _ := tool.InfoFrom(ctx)
	if info.Depth+1 > c.cfg.MaxDepth {
		return nil, fmt.Errorf("delegate: maximum delegation depth %d reached", c.cfg.MaxDepth)
	}

	childID := session.NewAgentID()
	link := Link{ChildAgentID: childID, ParentAgentID: info.AgentID}
	tool.Emit(ctx, delegationEvent(session.KindDelegationStart, link, map[string]any{
		"directive": parsed.Directive,
	}))

	loopCfg := c.cfg.Loop
	loopCfg.Name = "executor-" + childID
	child, err := turnloop.New(loopCfg)
	if err != nil {
		return nil, err
	}

	directive := parsed.Directive
	if strings.TrimSpace(parsed.Plan) != "" {
		directive = directive + "\n\nShared task plan:\n" + parsed.Plan
	}
	childCtx := &childContext{
		Context: ctx,
		conv: &session.Conversation{
			UserID: info.UserID,
			ID:     "delegation_" + uuid.NewString(),
		},
		history: []*session.Event{{
			ID:      session.NewEventID(),
			Time:    time.Now(),
			Message: model.Message{Role: model.RoleUser, Text: directive},
		}},
		model:    c.cfg.Model,
		tools:    c.tools,
		toolMap:  c.toolMap,
		agentID:  childID,
		parentID: info.AgentID,
		depth:    info.Depth + 1,
	}

	var captured *FinishPayload
	var childErr error
	for ev, err := range child.Run(childCtx) {
		if err != nil {
			childErr = err
			break
		}
		if ev == nil {
			continue
		}
		forwardChildEvent(ctx, ev, link)
		if payload, ok := finishPayloadFrom(ev); ok {
			// The finish signal ends the child run; stopping the iterator
			// here saves the model round that would otherwise follow.
			captured = payload
			break
		}
	}

	result := c.resolveResult(captured, childErr)
	tool.Emit(ctx, delegationEvent(session.KindDelegationEnd, link, map[string]any{
		"success": result["success"],
	}))
	return result, nil
}

// resolveResult synthesizes the parent's tool result. The parent model
// always receives a finish-shaped payload, even when the child loop failed
// or never called the finish tool.
func (c *Coordinator) resolveResult(captured *FinishPayload, childErr error) map[string]any {
	switch {
	case childErr != nil:
		payload := FinishPayload{Success: false, Error: childErr.Error()}
		if captured != nil {
			payload.Summary = captured.Summary
			payload.FilesCreated = captured.FilesCreated
		}
		return payloadMap(payload)
	case captured != nil:
		return payloadMap(*captured)
	default:
		return payloadMap(FinishPayload{
			Summary: "Executor completed without an explicit finish signal.",
			Success: true,
		})
	}
}

func payloadMap(payload FinishPayload) map[string]any {
	out := map[string]any{
		"summary": payload.Summary,
		"success": payload.Success,
	}
	files := make([]any, 0, len(payload.FilesCreated))
	for _, one := range payload.FilesCreated {
		files = append(files, one)
	}
	out["filesCreated"] = files
	if payload.Error != "" {
		out["error"] = payload.Error
	}
	return out
}

// forwardChildEvent relays one child event to the parent's sink, tagged with
// the delegation link and marked stream-only so the parent's store never
// absorbs child messages.
func forwardChildEvent(ctx context.Context, ev *session.Event, link Link) {
	cp := *ev
	meta := make(map[string]any, len(ev.Meta)+2)
	for k, v := range ev.Meta {
		meta[k] = v
	}
	meta["partial"] = true
	meta["delegation"] = map[string]any{
		"child_agent_id":  link.ChildAgentID,
		"parent_agent_id": link.ParentAgentID,
	}
	cp.Meta = meta
	tool.Emit(ctx, &cp)
}

func finishPayloadFrom(ev *session.Event) (*FinishPayload, bool) {
	if ev == nil || ev.Message.Result == nil {
		return nil, false
	}
	if ev.Message.Result.Name != FinishToolName {
		return nil, false
	}
	raw, err := json.Marshal(ev.Message.Result.Payload)
	if err != nil {
		return nil, false
	}
	payload := &FinishPayload{}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, false
	}
	return payload, true
}

func delegationEvent(kind string, link Link, extra map[string]any) *session.Event {
	payload := map[string]any{
		"child_agent_id":  link.ChildAgentID,
		"parent_agent_id": link.ParentAgentID,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return &session.Event{
		ID:      session.NewEventID(),
		Time:    time.Now(),
		Message: model.Message{Role: model.RoleSystem},
		Meta: map[string]any{
			session.MetaKind: kind,
			"delegation":     payload,
		},
	}
}

// FinishTool returns the reserved completion-signal tool given to child
// agents: it simply echoes the reported payload back as its result.
func FinishTool() (tool.Tool, error) {
	return tool.NewFunction(FinishToolName,
		"Report that the delegated task is finished. Call exactly once, as your final action.",
		func(_ context.Context, payload FinishPayload) (FinishPayload, error) {
			return payload, nil
		})
}
