package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/finsightai/convo/kernel/model"
	"github.com/finsightai/convo/kernel/session"
)

// Store persists conversation events to jsonl files on local disk. The event
// log is append-only; resource links and the processing flag live in side
// files so appended lines are never rewritten.
type Store struct {
	root string
	mu   sync.Mutex
}

func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("filestore: root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

func (s *Store) GetOrCreate(ctx context.Context, req *session.Conversation) (*session.Conversation, error) {
	_ = ctx
	dir, err := s.conversationDir(req)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	metaPath := filepath.Join(dir, "meta.json")
	if _, err := os.Stat(metaPath); errors.Is(err, os.ErrNotExist) {
		raw, _ := json.MarshalIndent(req, "", "  ")
		if writeErr := os.WriteFile(metaPath, raw, 0o644); writeErr != nil {
			return nil, writeErr
		}
	}
	cp := *req
	return &cp, nil
}

func (s *Store) AppendEvent(ctx context.Context, req *session.Conversation, ev *session.Event) error {
	_ = ctx
	if ev == nil {
		return fmt.Errorf("filestore: event is nil")
	}
	dir, err := s.conversationDir(req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	count, err := countLines(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		return err
	}
	ev.Message.Seq = count + 1
	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	raw, err := json.Marshal(storedEvent{
		ID:   ev.ID,
		Time: ev.Time,
		Msg:  ev.Message,
		Meta: ev.Meta,
	})
	if err != nil {
		return err
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return err
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, req *session.Conversation) ([]*session.Event, error) {
	_ = ctx
	dir, err := s.conversationDir(req)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(dir, "events.jsonl")
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	resources := s.readResources(dir)
	out := []*session.Event{}
	dec := json.NewDecoder(f)
	seq := int64(0)
	for {
		stored := storedEvent{}
		if err := dec.Decode(&stored); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("filestore: decode events: %w", err)
		}
		seq++
		ev := &session.Event{
			ID:             stored.ID,
			ConversationID: req.ID,
			Time:           stored.Time,
			Message:        stored.Msg,
			Meta:           stored.Meta,
		}
		ev.Message.Seq = seq
		if link, ok := resources[ev.ID]; ok {
			ev.Message.ResourceLink = link
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *Store) AttachResource(ctx context.Context, req *session.Conversation, eventID, link string) error {
	_ = ctx
	dir, err := s.conversationDir(req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	resources := s.readResources(dir)
	resources[eventID] = link
	raw, err := json.MarshalIndent(resources, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "resources.json"), raw, 0o644)
}

func (s *Store) SetProcessing(ctx context.Context, req *session.Conversation, on bool) error {
	_ = ctx
	dir, err := s.conversationDir(req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(dir, "processing.json")
	if !on {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, _ := json.Marshal(map[string]int64{"since": time.Now().UnixMilli()})
	return os.WriteFile(path, raw, 0o644)
}

func (s *Store) ProcessingSince(ctx context.Context, req *session.Conversation) (time.Time, bool, error) {
	_ = ctx
	dir, err := s.conversationDir(req)
	if err != nil {
		return time.Time{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(filepath.Join(dir, "processing.json"))
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	payload := map[string]int64{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(payload["since"]), true, nil
}

type storedEvent struct {
	ID   string         `json:"id"`
	Time time.Time      `json:"time"`
	Msg  model.Message  `json:"message"`
	Meta map[string]any `json:"meta,omitempty"`
}

func (s *Store) readResources(dir string) map[string]string {
	out := map[string]string{}
	raw, err := os.ReadFile(filepath.Join(dir, "resources.json"))
	if err != nil {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]string{}
	}
	return out
}

func (s *Store) conversationDir(req *session.Conversation) (string, error) {
	if err := validateConversation(req); err != nil {
		return "", err
	}
	return filepath.Join(s.root, req.UserID, req.ID), nil
}

func validateConversation(req *session.Conversation) error {
	if req == nil {
		return fmt.Errorf("filestore: invalid conversation")
	}
	if err := validatePathComponent("user_id", req.UserID); err != nil {
		return err
	}
	if err := validatePathComponent("conversation_id", req.ID); err != nil {
		return err
	}
	return nil
}

func validatePathComponent(name, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("filestore: invalid %s", name)
	}
	if value == "." || value == ".." {
		return fmt.Errorf("filestore: invalid %s", name)
	}
	if strings.Contains(value, "/") || strings.Contains(value, "\\") {
		return fmt.Errorf("filestore: invalid %s", name)
	}
	if filepath.Clean(value) != value {
		return fmt.Errorf("filestore: invalid %s", name)
	}
	return nil
}

func countLines(path string) (int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	count := int64(0)
	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		for _, b := range buf[:n] {
			if b == '\n' {
				count++
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}
	}
}
