package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/finsightai/convo/kernel/session"
)

type key struct {
	user, id string
}

type entry struct {
	conv            *session.Conversation
	events          []*session.Event
	processing      bool
	processingSince time.Time
}

// Store is a thread-safe in-memory conversation store.
type Store struct {
	mu   sync.RWMutex
	data map[key]*entry
}

func New() *Store {
	return &Store{data: make(map[key]*entry)}
}

func makeKey(c *session.Conversation) (key, error) {
	if c == nil || c.UserID == "" || c.ID == "" {
		return key{}, fmt.Errorf("session: user_id and conversation_id are required")
	}
	return key{user: c.UserID, id: c.ID}, nil
}

func (s *Store) GetOrCreate(ctx context.Context, req *session.Conversation) (*session.Conversation, error) {
	_ = ctx
	k, err := makeKey(req)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.data[k]; ok {
		cp := *e.conv
		return &cp, nil
	}
	cp := *req
	s.data[k] = &entry{conv: &cp}
	out := cp
	return &out, nil
}

func (s *Store) AppendEvent(ctx context.Context, req *session.Conversation, ev *session.Event) error {
	_ = ctx
	if ev == nil {
		return fmt.Errorf("session: event is nil")
	}
	k, err := makeKey(req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[k]
	if !ok {
		return session.ErrConversationNotFound
	}
	copyEv := *ev
	copyEv.Message.Seq = int64(len(e.events)) + 1
	ev.Message.Seq = copyEv.Message.Seq
	e.events = append(e.events, &copyEv)
	return nil
}

func (s *Store) ListEvents(ctx context.Context, req *session.Conversation) ([]*session.Event, error) {
	_ = ctx
	k, err := makeKey(req)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[k]
	if !ok {
		return nil, session.ErrConversationNotFound
	}
	out := make([]*session.Event, 0, len(e.events))
	for _, ev := range e.events {
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) AttachResource(ctx context.Context, req *session.Conversation, eventID, link string) error {
	_ = ctx
	k, err := makeKey(req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[k]
	if !ok {
		return session.ErrConversationNotFound
	}
	for _, ev := range e.events {
		if ev.ID == eventID {
			ev.Message.ResourceLink = link
			return nil
		}
	}
	return fmt.Errorf("session: event %q not found", eventID)
}

func (s *Store) SetProcessing(ctx context.Context, req *session.Conversation, on bool) error {
	_ = ctx
	k, err := makeKey(req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[k]
	if !ok {
		return session.ErrConversationNotFound
	}
	e.processing = on
	if on {
		e.processingSince = time.Now()
	} else {
		e.processingSince = time.Time{}
	}
	return nil
}

func (s *Store) ProcessingSince(ctx context.Context, req *session.Conversation) (time.Time, bool, error) {
	_ = ctx
	k, err := makeKey(req)
	if err != nil {
		return time.Time{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[k]
	if !ok {
		return time.Time{}, false, nil
	}
	return e.processingSince, e.processing, nil
}
