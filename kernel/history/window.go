package history

import (
	"github.com/finsightai/convo/kernel/model"
	"github.com/finsightai/convo/kernel/session"
)

// Window returns a bounded suffix of an already-repaired sequence that is
// structurally safe to transmit: it never starts mid-pairing. The candidate
// is the last maxCount events; if that candidate would open on a tool result
// or inside an invocation run, the window grows backward to the nearest safe
// boundary, trading strict budget adherence for correctness. When no safe
// boundary exists at all (one giant invocation run), the full sequence is
// returned: correctness outranks budget.
//
// Window must be called on repaired input; its behavior on an invalid
// sequence is undefined. Callers sequence Repair before Window.
func Window(events []*session.Event, maxCount int) []*session.Event {
	if maxCount <= 0 || len(events) <= maxCount {
		return events
	}
	start := len(events) - maxCount
	for idx := start; idx >= 0; idx-- {
		if IsSafeBoundary(events[idx]) {
			return events[idx:]
		}
	}
	return events
}

// IsSafeBoundary reports whether a window may open at this event: a user
// message, or an assistant message that requests no tool invocations.
func IsSafeBoundary(ev *session.Event) bool {
	if ev == nil {
		return false
	}
	switch ev.Message.Role {
	case model.RoleUser:
		return true
	case model.RoleAssistant:
		return !ev.Message.HasInvocations()
	}
	return false
}
