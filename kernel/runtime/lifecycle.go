package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/finsightai/convo/kernel/model"
	"github.com/finsightai/convo/kernel/session"
	"github.com/finsightai/convo/kernel/turnloop"
)

const (
	// ContractVersionV1 is the first stable engine event contract version.
	ContractVersionV1 = "v1"

	// MetaContractVersion marks the event contract version in event meta.
	MetaContractVersion = "contract_version"
	// MetaLifecycle is the payload key for lifecycle details.
	MetaLifecycle = "lifecycle"
)

// RunLifecycleStatus is a machine-readable run status.
type RunLifecycleStatus string

const (
	RunLifecycleStatusRunning     RunLifecycleStatus = "running"
	RunLifecycleStatusInterrupted RunLifecycleStatus = "interrupted"
	RunLifecycleStatusFailed      RunLifecycleStatus = "failed"
	RunLifecycleStatusCompleted   RunLifecycleStatus = "completed"
)

// ErrorCode classifies run failures for clients that dispatch on them.
type ErrorCode string

const (
	ErrorCodeTurnLimit        ErrorCode = "turn_limit"
	ErrorCodeCanceled         ErrorCode = "canceled"
	ErrorCodeConversationBusy ErrorCode = "conversation_busy"
)

func lifecycleStatusForError(err error) RunLifecycleStatus {
	if err == nil {
		return RunLifecycleStatusCompleted
	}
	if errors.Is(err, context.Canceled) {
		return RunLifecycleStatusInterrupted
	}
	return RunLifecycleStatusFailed
}

func errorCodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case turnloop.IsTurnLimit(err):
		return ErrorCodeTurnLimit
	case errors.Is(err, context.Canceled):
		return ErrorCodeCanceled
	case IsConversationBusy(err):
		return ErrorCodeConversationBusy
	default:
		return ""
	}
}

func lifecycleEvent(conv *session.Conversation, status RunLifecycleStatus, phase string, cause error) *session.Event {
	meta := map[string]any{
		session.MetaKind:    session.KindLifecycle,
		MetaContractVersion: ContractVersionV1,
		MetaLifecycle: map[string]any{
			"status": string(status),
			"phase":  phase,
		},
	}
	lifecycle, _ := meta[MetaLifecycle].(map[string]any)
	if cause != nil {
		lifecycle["error"] = cause.Error()
		if code := errorCodeOf(cause); code != "" {
			lifecycle["error_code"] = string(code)
		}
	}
	return &session.Event{
		ID:             session.NewEventID(),
		ConversationID: conv.ID,
		Time:           time.Now(),
		Message:        model.Message{Role: model.RoleSystem},
		Meta:           meta,
	}
}

func isLifecycleEvent(ev *session.Event) bool {
	return session.KindOf(ev) == session.KindLifecycle
}

// agentHistoryEvents filters the persisted sequence down to the message
// stream an agent reasons over. System bookkeeping events (lifecycle, repair
// audits) are delivery contract, not conversation.
func agentHistoryEvents(events []*session.Event) []*session.Event {
	if len(events) == 0 {
		return nil
	}
	out := make([]*session.Event, 0, len(events))
	for _, ev := range events {
		if ev == nil {
			continue
		}
		switch session.KindOf(ev) {
		case "", session.KindToolResult:
			out = append(out, ev)
		}
	}
	return out
}

// LifecycleInfo is parsed lifecycle state from one lifecycle event.
type LifecycleInfo struct {
	Status    RunLifecycleStatus
	Phase     string
	Error     string
	ErrorCode ErrorCode
}

// LifecycleFromEvent extracts lifecycle info from one lifecycle event.
func LifecycleFromEvent(ev *session.Event) (LifecycleInfo, bool) {
	if !isLifecycleEvent(ev) {
		return LifecycleInfo{}, false
	}
	payload, ok := ev.Meta[MetaLifecycle].(map[string]any)
	if !ok {
		return LifecycleInfo{}, false
	}
	status := RunLifecycleStatus(strings.TrimSpace(fmt.Sprint(payload["status"])))
	if status == "" {
		return LifecycleInfo{}, false
	}
	info := LifecycleInfo{
		Status: status,
		Phase:  strings.TrimSpace(fmt.Sprint(payload["phase"])),
	}
	if rawErr, exists := payload["error"]; exists {
		info.Error = strings.TrimSpace(fmt.Sprint(rawErr))
	}
	if rawCode, exists := payload["error_code"]; exists {
		info.ErrorCode = ErrorCode(strings.TrimSpace(fmt.Sprint(rawCode)))
	}
	return info, true
}
