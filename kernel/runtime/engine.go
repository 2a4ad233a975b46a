// Package runtime orchestrates conversation lifecycle and agent execution:
// acquire the conversation's run lease, load and audit history, append the
// user message, drive the agent's turn loop, and persist every canonical
// event it yields.
package runtime

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/finsightai/convo/kernel/agent"
	"github.com/finsightai/convo/kernel/history"
	"github.com/finsightai/convo/kernel/model"
	"github.com/finsightai/convo/kernel/session"
	"github.com/finsightai/convo/kernel/tool"
)

// Config configures Engine.
type Config struct {
	Store session.Store
	// StaleProcessingTTL is how long a persisted processing mark blocks new
	// runs before it is treated as an abandoned crash leftover. Zero means
	// the default of 5 minutes.
	StaleProcessingTTL time.Duration
	Usage              UsageConfig
}

const defaultStaleProcessingTTL = 5 * time.Minute

// Engine owns run admission and event persistence for all conversations
// served by this process.
type Engine struct {
	store      session.Store
	staleTTL   time.Duration
	usage      UsageConfig
	runMu      sync.Mutex
	activeRuns map[string]struct{}
}

func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("runtime: store is nil")
	}
	if cfg.StaleProcessingTTL <= 0 {
		cfg.StaleProcessingTTL = defaultStaleProcessingTTL
	}
	return &Engine{
		store:      cfg.Store,
		staleTTL:   cfg.StaleProcessingTTL,
		usage:      normalizeUsageConfig(cfg.Usage),
		activeRuns: map[string]struct{}{},
	}, nil
}

// RunRequest defines one invocation input.
type RunRequest struct {
	UserID         string
	ConversationID string
	Input          string

	Agent agent.Agent
	Model model.LLM
	Tools []tool.Tool
	// PersistPartialEvents stores stream-only events too. Off by default:
	// deltas and status frames are presentation traffic, not history.
	PersistPartialEvents bool
}

// Run executes one user turn. Events are yielded in order as they happen;
// canonical message events are persisted before they are yielded, so a
// consumer that stops early never observes unpersisted history.
func (e *Engine) Run(ctx context.Context, req RunRequest) iter.Seq2[*session.Event, error] {
	return func(yield func(*session.Event, error) bool) {
		if ctx == nil {
			ctx = context.Background()
		}
		if req.Agent == nil {
			yield(nil, fmt.Errorf("runtime: agent is nil"))
			return
		}
		if req.Model == nil {
			yield(nil, fmt.Errorf("runtime: model is nil"))
			return
		}
		if req.UserID == "" || req.ConversationID == "" {
			yield(nil, fmt.Errorf("runtime: user_id and conversation_id are required"))
			return
		}

		leaseKey := runLeaseKey(req.UserID, req.ConversationID)
		if !e.acquireRunLease(leaseKey) {
			yield(nil, &ConversationBusyError{UserID: req.UserID, ConversationID: req.ConversationID})
			return
		}
		defer e.releaseRunLease(leaseKey)

		conv, err := e.store.GetOrCreate(ctx, &session.Conversation{UserID: req.UserID, ID: req.ConversationID})
		if err != nil {
			yield(nil, err)
			return
		}
		if err := e.markProcessing(ctx, conv); err != nil {
			yield(nil, err)
			return
		}
		defer e.clearProcessing(conv)

		if !e.appendAndYieldLifecycle(ctx, conv, RunLifecycleStatusRunning, "run", nil, yield) {
			return
		}

		existing, err := e.store.ListEvents(ctx, conv)
		if err != nil {
			yield(nil, err)
			return
		}

		// Audit pass on load: history damaged by a crashed or abandoned run
		// is repaired before the new turn sees it. The store keeps the raw
		// sequence; the repair event records what the run ignored.
		repaired, removedIDs := history.Repair(agentHistoryEvents(existing))
		if len(removedIDs) > 0 {
			auditEvent := repairAuditEvent(conv, removedIDs)
			if err := e.store.AppendEvent(ctx, conv, auditEvent); err != nil {
				yield(nil, err)
				return
			}
			if !yield(auditEvent, nil) {
				return
			}
		}

		userEvent := &session.Event{
			ID:             session.NewEventID(),
			ConversationID: conv.ID,
			Time:           time.Now(),
			Message:        model.Message{Role: model.RoleUser, Text: req.Input},
		}
		if err := e.store.AppendEvent(ctx, conv, userEvent); err != nil {
			yield(nil, err)
			return
		}
		if !yield(userEvent, nil) {
			return
		}

		toolMap, err := tool.BuildMap(req.Tools)
		if err != nil {
			yield(nil, err)
			return
		}
		inv := &invocationContext{
			Context: ctx,
			conv:    conv,
			history: append(repaired, userEvent),
			model:   req.Model,
			tools:   append([]tool.Tool(nil), req.Tools...),
			toolMap: toolMap,
			agentID: session.NewAgentID(),
		}

		// pendingResults tracks how many tool results the last persisted
		// assistant message still owes. A consumer that stops mid-batch
		// must not leave the store with a partial result set, so the loop
		// keeps draining and persisting until the batch closes.
		consumerStopped := false
		pendingResults := 0
		for ev, err := range req.Agent.Run(inv) {
			if err != nil {
				status := lifecycleStatusForError(err)
				if consumerStopped {
					_ = e.store.AppendEvent(ctx, conv, lifecycleEvent(conv, status, "run", err))
					return
				}
				if !e.appendAndYieldLifecycle(ctx, conv, status, "run", err, yield) {
					return
				}
				yield(nil, err)
				return
			}
			if ev == nil {
				continue
			}
			if ev.ID == "" {
				ev.ID = session.NewEventID()
			}
			if ev.Time.IsZero() {
				ev.Time = time.Now()
			}
			ev.ConversationID = conv.ID
			if shouldPersistEvent(ev, req.PersistPartialEvents) {
				if err := e.store.AppendEvent(ctx, conv, ev); err != nil {
					if consumerStopped {
						return
					}
					yield(nil, err)
					return
				}
				cp := *ev
				if !isLifecycleEvent(&cp) {
					inv.history = append(inv.history, &cp)
				}
				if calls := ev.Message.Invocations(); len(calls) > 0 {
					pendingResults = len(calls)
				} else if ev.Message.Result != nil && pendingResults > 0 {
					pendingResults--
				}
			}
			if consumerStopped {
				if pendingResults == 0 {
					break
				}
				continue
			}
			if !yield(ev, nil) {
				if pendingResults == 0 {
					return
				}
				consumerStopped = true
			}
		}
		if consumerStopped {
			_ = e.store.AppendEvent(ctx, conv, lifecycleEvent(conv, RunLifecycleStatusInterrupted, "run", nil))
			return
		}
		e.appendAndYieldLifecycle(ctx, conv, RunLifecycleStatusCompleted, "run", nil, yield)
	}
}

func runLeaseKey(userID, conversationID string) string {
	return strings.TrimSpace(userID) + "\x00" + strings.TrimSpace(conversationID)
}

func (e *Engine) acquireRunLease(key string) bool {
	if e == nil || strings.TrimSpace(key) == "" {
		return false
	}
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.activeRuns == nil {
		e.activeRuns = map[string]struct{}{}
	}
	if _, exists := e.activeRuns[key]; exists {
		return false
	}
	e.activeRuns[key] = struct{}{}
	return true
}

func (e *Engine) releaseRunLease(key string) {
	if e == nil || strings.TrimSpace(key) == "" {
		return
	}
	e.runMu.Lock()
	defer e.runMu.Unlock()
	delete(e.activeRuns, key)
}

// markProcessing takes the persisted processing mark. A mark left by another
// process blocks the run unless it is older than the stale TTL, in which
// case it is treated as a crash leftover and taken over.
func (e *Engine) markProcessing(ctx context.Context, conv *session.Conversation) error {
	since, processing, err := e.store.ProcessingSince(ctx, conv)
	if err != nil {
		return err
	}
	if processing && time.Since(since) < e.staleTTL {
		return &ConversationBusyError{UserID: conv.UserID, ConversationID: conv.ID}
	}
	return e.store.SetProcessing(ctx, conv, true)
}

func (e *Engine) clearProcessing(conv *session.Conversation) {
	// Clearing uses a fresh context so a canceled run still releases the
	// mark; the stale TTL covers the case where even this write is lost.
	clearCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = e.store.SetProcessing(clearCtx, conv, false)
}

func shouldPersistEvent(ev *session.Event, persistPartial bool) bool {
	if ev == nil {
		return false
	}
	if persistPartial {
		return true
	}
	if ev.Meta == nil {
		return true
	}
	raw, exists := ev.Meta["partial"]
	if !exists {
		return true
	}
	isPartial, ok := raw.(bool)
	if !ok {
		return true
	}
	return !isPartial
}

func repairAuditEvent(conv *session.Conversation, removedIDs []string) *session.Event {
	ids := make([]any, 0, len(removedIDs))
	for _, id := range removedIDs {
		ids = append(ids, id)
	}
	return &session.Event{
		ID:             session.NewEventID(),
		ConversationID: conv.ID,
		Time:           time.Now(),
		Message:        model.Message{Role: model.RoleSystem},
		Meta: map[string]any{
			session.MetaKind: session.KindRepair,
			"repair": map[string]any{
				"phase":                  "load",
				"removed_invocation_ids": ids,
			},
		},
	}
}

func (e *Engine) appendAndYieldLifecycle(
	ctx context.Context,
	conv *session.Conversation,
	status RunLifecycleStatus,
	phase string,
	cause error,
	yield func(*session.Event, error) bool,
) bool {
	if e == nil || conv == nil {
		return true
	}
	ev := lifecycleEvent(conv, status, phase, cause)
	if err := e.store.AppendEvent(ctx, conv, ev); err != nil {
		yield(nil, err)
		return false
	}
	return yield(ev, nil)
}
