package tool

import (
	"context"

	"github.com/finsightai/convo/kernel/session"
)

// Info identifies the execution context of one tool invocation: who asked,
// in which conversation, and which agent (possibly delegated) is running.
type Info struct {
	UserID         string
	ConversationID string
	AgentID        string
	ParentAgentID  string
	// Depth is the delegation depth of the running agent; 0 for top-level.
	Depth int
}

type infoKey struct{}

// WithInfo attaches invocation context info for tools to inspect.
func WithInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, infoKey{}, info)
}

// InfoFrom extracts invocation context info, if present.
func InfoFrom(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(infoKey{}).(Info)
	return info, ok
}

// EmitFunc delivers one progress event toward the caller's event sink.
// Delivery is best-effort; implementations must not block indefinitely.
type EmitFunc func(*session.Event)

type emitterKey struct{}

// WithEmitter attaches a progress event emitter for long-running tools.
func WithEmitter(ctx context.Context, emit EmitFunc) context.Context {
	if emit == nil {
		return ctx
	}
	return context.WithValue(ctx, emitterKey{}, emit)
}

// Emit forwards a progress event to the surrounding event sink. It is a
// no-op when no emitter is attached: tools never fail because nobody is
// listening.
func Emit(ctx context.Context, ev *session.Event) {
	if ev == nil {
		return
	}
	emit, ok := ctx.Value(emitterKey{}).(EmitFunc)
	if !ok || emit == nil {
		return
	}
	emit(ev)
}
