package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/finsightai/convo/kernel/session"
)

const (
	driver = "sqlite"
	dsnOpt = "?_pragma=busy_timeout(3000)&_pragma=journal_mode(WAL)"
)

// Store persists conversations and messages in a local sqlite database.
// Messages are append-only; the resource link lives in its own column so the
// serialized message blob is never rewritten.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: create dir: %w", err)
	}
	db, err := sql.Open(driver, path+dsnOpt)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open db: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func validate(c *session.Conversation) error {
	if c == nil || strings.TrimSpace(c.UserID) == "" || strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("sqlite: user_id and conversation_id are required")
	}
	return nil
}

func (s *Store) GetOrCreate(ctx context.Context, req *session.Conversation) (*session.Conversation, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	const q = `
INSERT INTO conversations (user_id, conversation_id, created_at, processing, processing_since)
VALUES (?, ?, ?, 0, 0)
ON CONFLICT(user_id, conversation_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, q, req.UserID, req.ID, time.Now().UnixMilli()); err != nil {
		return nil, err
	}
	cp := *req
	return &cp, nil
}

func (s *Store) AppendEvent(ctx context.Context, req *session.Conversation, ev *session.Event) error {
	if err := validate(req); err != nil {
		return err
	}
	if ev == nil {
		return fmt.Errorf("sqlite: event is nil")
	}
	if exists, err := s.exists(ctx, req); err != nil {
		return err
	} else if !exists {
		return session.ErrConversationNotFound
	}
	rawMeta := []byte("null")
	if ev.Meta != nil {
		var err error
		rawMeta, err = json.Marshal(ev.Meta)
		if err != nil {
			return fmt.Errorf("sqlite: encode meta: %w", err)
		}
	}
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var next int64
	const seqQ = `SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE user_id = ? AND conversation_id = ?`
	if err := s.db.QueryRowContext(ctx, seqQ, req.UserID, req.ID).Scan(&next); err != nil {
		return err
	}
	ev.Message.Seq = next
	rawMsg, err := json.Marshal(ev.Message)
	if err != nil {
		return fmt.Errorf("sqlite: encode message: %w", err)
	}
	const q = `
INSERT INTO messages (user_id, conversation_id, event_id, seq, at, message, meta, resource_link)
VALUES (?, ?, ?, ?, ?, ?, ?, '')`
	_, err = s.db.ExecContext(ctx, q, req.UserID, req.ID, ev.ID, next, at.UnixMilli(), string(rawMsg), string(rawMeta))
	return err
}

func (s *Store) ListEvents(ctx context.Context, req *session.Conversation) ([]*session.Event, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if exists, err := s.exists(ctx, req); err != nil {
		return nil, err
	} else if !exists {
		return nil, session.ErrConversationNotFound
	}
	const q = `
SELECT event_id, seq, at, message, meta, resource_link
FROM messages
WHERE user_id = ? AND conversation_id = ?
ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, q, req.UserID, req.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*session.Event{}
	for rows.Next() {
		var (
			ev       session.Event
			seq, at  int64
			rawMsg   string
			rawMeta  string
			resource string
		)
		if err := rows.Scan(&ev.ID, &seq, &at, &rawMsg, &rawMeta, &resource); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(rawMsg), &ev.Message); err != nil {
			return nil, fmt.Errorf("sqlite: decode message: %w", err)
		}
		if rawMeta != "" && rawMeta != "null" {
			meta := map[string]any{}
			if err := json.Unmarshal([]byte(rawMeta), &meta); err == nil {
				ev.Meta = meta
			}
		}
		ev.ConversationID = req.ID
		ev.Time = time.UnixMilli(at)
		ev.Message.Seq = seq
		if resource != "" {
			ev.Message.ResourceLink = resource
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *Store) AttachResource(ctx context.Context, req *session.Conversation, eventID, link string) error {
	if err := validate(req); err != nil {
		return err
	}
	const q = `
UPDATE messages SET resource_link = ?
WHERE user_id = ? AND conversation_id = ? AND event_id = ?`
	res, err := s.db.ExecContext(ctx, q, link, req.UserID, req.ID, eventID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("sqlite: event %q not found", eventID)
	}
	return nil
}

func (s *Store) SetProcessing(ctx context.Context, req *session.Conversation, on bool) error {
	if err := validate(req); err != nil {
		return err
	}
	since := int64(0)
	flag := 0
	if on {
		flag = 1
		since = time.Now().UnixMilli()
	}
	const q = `
UPDATE conversations SET processing = ?, processing_since = ?
WHERE user_id = ? AND conversation_id = ?`
	_, err := s.db.ExecContext(ctx, q, flag, since, req.UserID, req.ID)
	return err
}

func (s *Store) ProcessingSince(ctx context.Context, req *session.Conversation) (time.Time, bool, error) {
	if err := validate(req); err != nil {
		return time.Time{}, false, err
	}
	const q = `
SELECT processing, processing_since FROM conversations
WHERE user_id = ? AND conversation_id = ?`
	var flag int
	var since int64
	if err := s.db.QueryRowContext(ctx, q, req.UserID, req.ID).Scan(&flag, &since); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	if flag == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(since), true, nil
}

func (s *Store) exists(ctx context.Context, req *session.Conversation) (bool, error) {
	const q = `SELECT 1 FROM conversations WHERE user_id = ? AND conversation_id = ? LIMIT 1`
	var one int
	if err := s.db.QueryRowContext(ctx, q, req.UserID, req.ID).Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS conversations (
	user_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	processing INTEGER NOT NULL DEFAULT 0,
	processing_since INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, conversation_id)
);
CREATE TABLE IF NOT EXISTS messages (
	user_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	at INTEGER NOT NULL,
	message TEXT NOT NULL,
	meta TEXT NOT NULL DEFAULT 'null',
	resource_link TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (user_id, conversation_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_messages_event
ON messages(user_id, conversation_id, event_id);`
	_, err := s.db.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}
