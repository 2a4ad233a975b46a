// Package history validates, repairs and windows conversation message
// sequences so that every transmission to a model satisfies the pairing
// invariant: an assistant message requesting tool invocations is immediately
// followed by exactly the matching set of tool results, with no other role
// interleaved.
package history

import (
	"github.com/finsightai/convo/kernel/model"
	"github.com/finsightai/convo/kernel/session"
)

// Repair scans events in order and removes every message involved in a
// pairing violation: assistant messages whose following tool-result run does
// not match their invocation set, the mismatched run itself, duplicated or
// out-of-order results elsewhere in the sequence, and orphan results with no
// matching invocation at all.
//
// Repair only ever deletes; it never fabricates synthetic results, because a
// fabricated result can mislead the model. It is idempotent: running it on
// its own output is a no-op. The second return value is the set of
// invocation ids tied to removed messages, for audit logging.
func Repair(events []*session.Event) ([]*session.Event, []string) {
	if len(events) == 0 {
		return events, nil
	}
	removed := make([]bool, len(events))
	validIDs := map[string]struct{}{}
	recorded := map[string]struct{}{}
	removedIDs := []string{}
	record := func(id string) {
		if id == "" {
			return
		}
		if _, dup := recorded[id]; dup {
			return
		}
		recorded[id] = struct{}{}
		removedIDs = append(removedIDs, id)
	}

	i := 0
	for i < len(events) {
		ev := events[i]
		if ev == nil || ev.Message.Role != model.RoleAssistant {
			i++
			continue
		}
		expected := map[string]struct{}{}
		for _, id := range ev.Message.InvocationIDs() {
			expected[id] = struct{}{}
		}
		if len(expected) == 0 {
			i++
			continue
		}

		j := i + 1
		runIDs := make([]string, 0, len(expected))
		for j < len(events) && events[j] != nil && events[j].Message.Role == model.RoleTool {
			ofID := ""
			if events[j].Message.Result != nil {
				ofID = events[j].Message.Result.OfID
			}
			runIDs = append(runIDs, ofID)
			j++
		}

		if runMatches(expected, runIDs) {
			for id := range expected {
				validIDs[id] = struct{}{}
			}
			i = j
			continue
		}

		for k := i; k < j; k++ {
			removed[k] = true
		}
		for id := range expected {
			record(id)
		}
		for _, id := range runIDs {
			record(id)
		}
		// Results answering this invocation set anywhere else in the
		// sequence are duplicates or out-of-order strays; drop them too.
		for k, other := range events {
			if k >= i && k < j {
				continue
			}
			if other == nil || other.Message.Role != model.RoleTool || other.Message.Result == nil {
				continue
			}
			if _, hit := expected[other.Message.Result.OfID]; hit {
				removed[k] = true
				record(other.Message.Result.OfID)
			}
		}
		i = j
	}

	// Orphan pass: tool results whose invocation does not exist anywhere.
	for k, ev := range events {
		if removed[k] || ev == nil || ev.Message.Role != model.RoleTool {
			continue
		}
		if ev.Message.Result == nil {
			removed[k] = true
			continue
		}
		if _, ok := validIDs[ev.Message.Result.OfID]; !ok {
			removed[k] = true
			record(ev.Message.Result.OfID)
		}
	}

	out := make([]*session.Event, 0, len(events))
	for k, ev := range events {
		if removed[k] || ev == nil {
			continue
		}
		out = append(out, ev)
	}
	if len(removedIDs) == 0 {
		return out, nil
	}
	return out, removedIDs
}

// runMatches reports whether a contiguous tool-result run answers exactly the
// expected invocation set: same ids, no duplicates, no extras.
func runMatches(expected map[string]struct{}, runIDs []string) bool {
	if len(runIDs) != len(expected) {
		return false
	}
	seen := map[string]struct{}{}
	for _, id := range runIDs {
		if _, want := expected[id]; !want {
			return false
		}
		if _, dup := seen[id]; dup {
			return false
		}
		seen[id] = struct{}{}
	}
	return true
}

// Valid reports whether the sequence already satisfies the pairing invariant.
func Valid(events []*session.Event) bool {
	repaired, removed := Repair(events)
	return len(removed) == 0 && len(repaired) == len(events)
}
