// Package turnloop drives one agent's model-tool cycle: send windowed
// history to the model, execute any requested tool invocations, append the
// results, and repeat until the model answers without invocations or the
// turn budget runs out.
package turnloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"github.com/finsightai/convo/kernel/agent"
	"github.com/finsightai/convo/kernel/history"
	"github.com/finsightai/convo/kernel/model"
	"github.com/finsightai/convo/kernel/session"
	"github.com/finsightai/convo/kernel/tool"
	"github.com/finsightai/convo/kernel/transmit"
)

// State identifies the loop's phase, surfaced in status events.
type State string

const (
	StateAwaitingModel  State = "awaiting_model"
	StateExecutingTools State = "executing_tools"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// Config controls behavior of the loop Agent.
type Config struct {
	Name         string
	SystemPrompt string
	// MaxTurns bounds model-call cycles per run; exceeding it fails the run
	// while keeping all partial progress. Zero means the default of 24.
	MaxTurns int
	// WindowMessages is the history window budget handed to the windower.
	// Zero means the default of 40.
	WindowMessages int
	// ToolParallelism bounds concurrent tool execution within one assistant
	// message. Zero means the default of 5.
	ToolParallelism int
	// CacheBreakpoints is the number of trailing transmission messages
	// marked as cache boundaries. Zero means the annotator default.
	CacheBreakpoints  int
	StreamModel       bool
	EmitPartialEvents bool
	Reasoning         model.ReasoningConfig
	ToolTruncation    tool.TruncationPolicy
	// ToolResultSanitizer transforms tool results before they are sent back
	// to model context. Nil uses the default sanitizer.
	ToolResultSanitizer func(map[string]any) map[string]any
}

const (
	defaultMaxTurns        = 24
	defaultWindowMessages  = 40
	defaultToolParallelism = 5
)

const uiOnlyResultKeyPrefix = "_ui_"
const toolResultMetadataKey = "metadata"

// Agent is the model-tool loop execution unit.
type Agent struct {
	cfg                 Config
	toolResultSanitizer func(map[string]any) map[string]any
}

func New(cfg Config) (*Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("turnloop: name is required")
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	if cfg.WindowMessages <= 0 {
		cfg.WindowMessages = defaultWindowMessages
	}
	if cfg.ToolParallelism <= 0 {
		cfg.ToolParallelism = defaultToolParallelism
	}
	if cfg.ToolTruncation.MaxTokens <= 0 && cfg.ToolTruncation.MaxBytes <= 0 {
		cfg.ToolTruncation = tool.DefaultTruncationPolicy()
	}
	sanitizer := cfg.ToolResultSanitizer
	if sanitizer == nil {
		sanitizer = defaultSanitizeToolResultForModel
	}
	return &Agent{cfg: cfg, toolResultSanitizer: sanitizer}, nil
}

func (a *Agent) Name() string {
	return a.cfg.Name
}

// Run executes the loop against the invocation context, yielding events as
// they happen. Message events (assistant and tool role) are canonical and
// must be persisted by the caller; status, delta and progress events are
// stream-only and carry a partial marker.
func (a *Agent) Run(ctx agent.InvocationContext) iter.Seq2[*session.Event, error] {
	return func(yield func(*session.Event, error) bool) {
		if ctx == nil {
			yield(nil, fmt.Errorf("turnloop: invocation context is nil"))
			return
		}
		if ctx.Model() == nil {
			yield(nil, fmt.Errorf("turnloop: model is nil"))
			return
		}

		events := ctx.History()
		dupCount := map[string]int{}

		for turn := 1; ; turn++ {
			if turn > a.cfg.MaxTurns {
				yield(nil, &TurnLimitError{Agent: a.cfg.Name, Turns: a.cfg.MaxTurns})
				return
			}
			if !yield(a.statusEvent(StateAwaitingModel, turn), nil) {
				return
			}

			// Repair before every transmission: an invalid sequence must
			// never reach the model. Removals are surfaced for audit.
			repaired, removedIDs := history.Repair(events)
			events = repaired
			if len(removedIDs) > 0 {
				if !yield(repairEvent(removedIDs), nil) {
					return
				}
			}
			windowed := history.Window(events, a.cfg.WindowMessages)
			view := transmit.AnnotateN(
				toMessagesWithSanitizer(windowed, a.cfg.SystemPrompt, a.toolResultSanitizer),
				a.cacheBreakpoints(),
			)

			req := &model.Request{
				Messages:  view,
				Tools:     tool.Declarations(ctx.Tools()),
				Stream:    a.cfg.StreamModel,
				Reasoning: a.cfg.Reasoning,
			}
			resp, err := a.generateWithRetry(ctx, req, func(partial *model.Response) error {
				if partial == nil || !a.cfg.EmitPartialEvents || !partial.Partial {
					return nil
				}
				if strings.TrimSpace(partial.Message.Text) == "" {
					return nil
				}
				ev := &session.Event{
					ID:      session.NewEventID(),
					Time:    time.Now(),
					Message: model.Message{Role: model.RoleAssistant, Text: partial.Message.Text},
					Meta: map[string]any{
						session.MetaKind: session.KindAssistantDelta,
						"partial":        true,
					},
				}
				if !yield(ev, nil) {
					return errYieldStopped
				}
				return nil
			})
			if errors.Is(err, errYieldStopped) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if resp == nil {
				yield(nil, fmt.Errorf("turnloop: empty model response"))
				return
			}

			assistantMsg := resp.Message
			if assistantMsg.Role == "" {
				assistantMsg.Role = model.RoleAssistant
			}
			assistantEvent := &session.Event{
				ID:      session.NewEventID(),
				Time:    time.Now(),
				Message: assistantMsg,
				Meta:    responseMeta(resp),
			}
			if !yield(assistantEvent, nil) {
				return
			}
			events = append(events, assistantEvent)

			calls := assistantMsg.Invocations()
			if len(calls) == 0 {
				return
			}

			if !yield(a.statusEvent(StateExecutingTools, turn), nil) {
				return
			}
			toolEvents, ok := a.executeInvocations(ctx, calls, dupCount, yield)
			if !ok {
				return
			}
			events = append(events, toolEvents...)
		}
	}
}

func (a *Agent) cacheBreakpoints() int {
	if a.cfg.CacheBreakpoints > 0 {
		return a.cfg.CacheBreakpoints
	}
	return transmit.DefaultBreakpoints
}

func (a *Agent) statusEvent(state State, turn int) *session.Event {
	return &session.Event{
		ID:      session.NewEventID(),
		Time:    time.Now(),
		Message: model.Message{Role: model.RoleSystem},
		Meta: map[string]any{
			session.MetaKind: session.KindStatus,
			"partial":        true,
			"status": map[string]any{
				"state": string(state),
				"turn":  turn,
			},
		},
	}
}

func repairEvent(removedIDs []string) *session.Event {
	ids := make([]any, 0, len(removedIDs))
	for _, id := range removedIDs {
		ids = append(ids, id)
	}
	return &session.Event{
		ID:      session.NewEventID(),
		Time:    time.Now(),
		Message: model.Message{Role: model.RoleSystem},
		Meta: map[string]any{
			session.MetaKind: session.KindRepair,
			"repair": map[string]any{
				"removed_invocation_ids": ids,
			},
		},
	}
}

func toMessagesWithSanitizer(
	events []*session.Event,
	systemPrompt string,
	sanitizer func(map[string]any) map[string]any,
) []model.Message {
	if sanitizer == nil {
		sanitizer = defaultSanitizeToolResultForModel
	}
	out := make([]model.Message, 0, len(events)+1)
	if systemPrompt != "" {
		out = append(out, model.Message{Role: model.RoleSystem, Text: systemPrompt})
	}
	for _, msg := range session.Messages(events) {
		if msg.Result != nil {
			res := *msg.Result
			res.Payload = sanitizer(res.Payload)
			msg.Result = &res
		}
		out = append(out, msg)
	}
	return out
}

func defaultSanitizeToolResultForModel(result map[string]any) map[string]any {
	if len(result) == 0 {
		return result
	}
	out := make(map[string]any, len(result))
	for key, value := range result {
		if isModelHiddenToolResultKey(key) {
			continue
		}
		out[key] = sanitizeToolResultValue(value)
	}
	return out
}

func isModelHiddenToolResultKey(key string) bool {
	trimmed := strings.TrimSpace(key)
	if strings.HasPrefix(trimmed, uiOnlyResultKeyPrefix) {
		return true
	}
	return strings.EqualFold(trimmed, toolResultMetadataKey)
}

func sanitizeToolResultValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return defaultSanitizeToolResultForModel(typed)
	case []any:
		out := make([]any, 0, len(typed))
		for _, one := range typed {
			out = append(out, sanitizeToolResultValue(one))
		}
		return out
	default:
		return value
	}
}

var errYieldStopped = errors.New("turnloop: downstream yield stopped")

func toolCallSignature(call model.ToolCall) (string, error) {
	norm := normalizeArgs(call.Args)
	raw, err := json.Marshal(norm)
	if err != nil {
		return "", err
	}
	return call.Name + ":" + string(raw), nil
}

func normalizeArgs(input map[string]any) any {
	if input == nil {
		return nil
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		out = append(out, k, input[k])
	}
	return out
}

func responseMeta(resp *model.Response) map[string]any {
	if resp == nil {
		return nil
	}
	meta := map[string]any{}
	if value := strings.TrimSpace(resp.Provider); value != "" {
		meta["provider"] = value
	}
	if value := strings.TrimSpace(resp.Model); value != "" {
		meta["model"] = value
	}
	usage := map[string]any{}
	if resp.Usage.PromptTokens > 0 {
		usage["prompt_tokens"] = resp.Usage.PromptTokens
	}
	if resp.Usage.CompletionTokens > 0 {
		usage["completion_tokens"] = resp.Usage.CompletionTokens
	}
	if resp.Usage.TotalTokens > 0 {
		usage["total_tokens"] = resp.Usage.TotalTokens
	}
	if resp.Usage.CacheReadTokens > 0 {
		usage["cache_read_tokens"] = resp.Usage.CacheReadTokens
	}
	if resp.Usage.CacheWriteTokens > 0 {
		usage["cache_write_tokens"] = resp.Usage.CacheWriteTokens
	}
	if len(usage) > 0 {
		meta["usage"] = usage
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func collectLast(ctx context.Context, seq iter.Seq2[*model.Response, error], onPartial func(*model.Response) error) (*model.Response, error) {
	var last *model.Response
	for res, err := range seq {
		if err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if res != nil {
			if res.Partial && onPartial != nil {
				if err := onPartial(res); err != nil {
					return nil, err
				}
			}
			last = res
		}
	}
	return last, nil
}

var (
	modelRequestMaxRetries = 5
	modelRetryBaseDelay    = 250 * time.Millisecond
	modelRetryMaxDelay     = 4 * time.Second
)

func (a *Agent) generateWithRetry(
	ctx agent.InvocationContext,
	req *model.Request,
	onPartial func(*model.Response) error,
) (*model.Response, error) {
	retries := 0
	for {
		emittedPartial := false
		resp, err := collectLast(ctx, ctx.Model().Generate(ctx, req), func(partial *model.Response) error {
			if partial != nil && partial.Partial {
				emittedPartial = true
			}
			if onPartial == nil {
				return nil
			}
			return onPartial(partial)
		})
		if err == nil {
			return resp, nil
		}
		if emittedPartial {
			return nil, err
		}
		if errors.Is(err, errYieldStopped) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if retries >= modelRequestMaxRetries {
			return nil, fmt.Errorf("turnloop: model request failed after %d retries: %w", modelRequestMaxRetries, err)
		}
		delay := retryDelayForAttempt(retries)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		retries++
	}
}

func retryDelayForAttempt(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	delay := modelRetryBaseDelay
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay >= modelRetryMaxDelay {
			return modelRetryMaxDelay
		}
	}
	if delay > modelRetryMaxDelay {
		return modelRetryMaxDelay
	}
	return delay
}
