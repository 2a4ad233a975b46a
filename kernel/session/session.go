package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/finsightai/convo/kernel/model"
)

var ErrConversationNotFound = errors.New("session: conversation not found")

// Conversation identifies one chat thread. A conversation owns its message
// sequence exclusively; delegated child agents never write into it.
type Conversation struct {
	UserID string
	ID     string
}

// Event is the persisted unit of conversation history. The wrapped message
// carries the canonical sequence number assigned by the store on append.
type Event struct {
	ID             string
	ConversationID string
	Time           time.Time
	Message        model.Message
	Meta           map[string]any
}

// Store provides conversation and message persistence. Appends are the only
// write path; AttachResource is the single documented late-mutation exception.
type Store interface {
	GetOrCreate(context.Context, *Conversation) (*Conversation, error)
	AppendEvent(context.Context, *Conversation, *Event) error
	ListEvents(context.Context, *Conversation) ([]*Event, error)
	// AttachResource sets the resource link on one already-appended event.
	AttachResource(ctx context.Context, conv *Conversation, eventID, link string) error
	// SetProcessing flips the conversation's in-flight processing flag,
	// recording the start timestamp when turning it on.
	SetProcessing(context.Context, *Conversation, bool) error
	// ProcessingSince reports whether the processing flag is set and when it
	// was set. Callers must treat a flag older than their stale TTL as not
	// locked: it is the leftover of a crashed run.
	ProcessingSince(context.Context, *Conversation) (time.Time, bool, error)
}

// NewEventID returns a globally unique event id.
func NewEventID() string {
	return "ev_" + uuid.NewString()
}

// NewAgentID returns a unique agent identifier for one turn-loop instance.
func NewAgentID() string {
	return "agent_" + uuid.NewString()
}

// Messages extracts the ordered message sequence from events, skipping nils.
func Messages(events []*Event) []model.Message {
	out := make([]model.Message, 0, len(events))
	for _, ev := range events {
		if ev == nil {
			continue
		}
		out = append(out, ev.Message)
	}
	return out
}
