package session

// MetaKind is the event meta key identifying the event's type for sinks.
const MetaKind = "kind"

// Event kinds consumed by presentation-layer sinks. Delivery is one-way and
// best-effort: producers never fail a run because a sink lagged or stopped.
const (
	KindStatus          = "status"
	KindLog             = "log"
	KindResource        = "resource"
	KindRepair          = "repair"
	KindDelegationStart = "delegation_start"
	KindDelegationEnd   = "delegation_end"
	KindToolResult      = "tool_result"
	KindAssistantDelta  = "assistant_delta"
	KindLifecycle       = "lifecycle"
)

// KindOf returns the event's meta kind, or "" when untyped.
func KindOf(ev *Event) string {
	if ev == nil || ev.Meta == nil {
		return ""
	}
	kind, _ := ev.Meta[MetaKind].(string)
	return kind
}
