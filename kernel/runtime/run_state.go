package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/finsightai/convo/kernel/session"
)

// RunStateRequest defines one run-state query.
type RunStateRequest struct {
	UserID         string
	ConversationID string
}

// RunState is the latest lifecycle status snapshot for one conversation.
type RunState struct {
	HasLifecycle bool
	Status       RunLifecycleStatus
	Phase        string
	Error        string
	ErrorCode    ErrorCode
	EventID      string
	UpdatedAt    time.Time
	// Processing reports the persisted processing mark, which can outlive
	// the last lifecycle event after a crash.
	Processing      bool
	ProcessingSince time.Time
}

// RunState returns the latest lifecycle state from persisted events.
func (e *Engine) RunState(ctx context.Context, req RunStateRequest) (RunState, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.ConversationID) == "" {
		return RunState{}, fmt.Errorf("runtime: user_id and conversation_id are required")
	}
	conv := &session.Conversation{UserID: req.UserID, ID: req.ConversationID}
	events, err := e.store.ListEvents(ctx, conv)
	if err != nil {
		if errors.Is(err, session.ErrConversationNotFound) {
			return RunState{}, nil
		}
		return RunState{}, err
	}
	state := RunState{}
	if since, processing, err := e.store.ProcessingSince(ctx, conv); err == nil {
		state.Processing = processing
		state.ProcessingSince = since
	}
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		info, ok := LifecycleFromEvent(ev)
		if !ok {
			continue
		}
		state.HasLifecycle = true
		state.Status = info.Status
		state.Phase = info.Phase
		state.Error = info.Error
		state.ErrorCode = info.ErrorCode
		state.EventID = ev.ID
		state.UpdatedAt = ev.Time
		return state, nil
	}
	return state, nil
}
