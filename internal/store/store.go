// Package store is the SQLite-backed persistence layer for chat threads and
// their messages.
//
// Notes:
//   - Threads are single-writer: the server serializes runs per thread id, so
//     Save is last-writer-wins without optimistic versioning.
//   - WAL is enabled to support concurrent reads while a run is writing.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// RunStatus values for a thread.
const (
	RunStatusIdle    = "idle"
	RunStatusRunning = "running"
	RunStatusFailed  = "failed"
)

type Store struct {
	db *sql.DB

	now func() time.Time
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Thread is a persisted conversation.
type Thread struct {
	ThreadID string `json:"thread_id"`
	Dataset  string `json:"dataset"`

	Title   string `json:"title"`
	Preview string `json:"preview"`

	Summary       string `json:"summary"`
	TokenEstimate int    `json:"token_estimate"`

	RunStatus string `json:"run_status"`
	RunError  string `json:"run_error,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64 `json:"updated_at_unix_ms"`

	Messages []Message `json:"messages,omitempty"`
}

// Message is one persisted conversation entry. Order is significant; rows
// come back ordered by their autoincrement id.
type Message struct {
	ID        int64  `json:"id"`
	MessageID string `json:"message_id"`
	Role      string `json:"role"`
	Content   string `json:"content,omitempty"`

	ToolName string          `json:"tool_name,omitempty"`
	ToolArgs json.RawMessage `json:"tool_args,omitempty"`
	CallID   string          `json:"call_id,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
}

// Create inserts a new empty thread.
func (s *Store) Create(ctx context.Context, threadID, dataset string) (*Thread, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not open")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("missing thread id")
	}
	nowMs := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO threads (thread_id, dataset, title, preview, summary, token_estimate, run_status, run_error, created_at_unix_ms, updated_at_unix_ms)
VALUES (?, ?, '', '', '', 0, ?, '', ?, ?)
`, threadID, strings.TrimSpace(dataset), RunStatusIdle, nowMs, nowMs)
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return &Thread{
		ThreadID:        threadID,
		Dataset:         strings.TrimSpace(dataset),
		RunStatus:       RunStatusIdle,
		CreatedAtUnixMs: nowMs,
		UpdatedAtUnixMs: nowMs,
	}, nil
}

// Load returns the thread with its ordered messages, or (nil, nil) when the
// thread does not exist.
func (s *Store) Load(ctx context.Context, threadID string) (*Thread, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not open")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("missing thread id")
	}

	row := s.db.QueryRowContext(ctx, `
SELECT thread_id, dataset, title, preview, summary, token_estimate, run_status, run_error, created_at_unix_ms, updated_at_unix_ms
FROM threads WHERE thread_id = ?
`, threadID)

	var t Thread
	err := row.Scan(&t.ThreadID, &t.Dataset, &t.Title, &t.Preview, &t.Summary, &t.TokenEstimate,
		&t.RunStatus, &t.RunError, &t.CreatedAtUnixMs, &t.UpdatedAtUnixMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, message_id, role, content, tool_name, tool_args, call_id, created_at_unix_ms
FROM messages WHERE thread_id = ? ORDER BY id ASC
`, threadID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m Message
		var toolArgs string
		if err := rows.Scan(&m.ID, &m.MessageID, &m.Role, &m.Content, &m.ToolName, &toolArgs, &m.CallID, &m.CreatedAtUnixMs); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolArgs != "" {
			m.ToolArgs = json.RawMessage(toolArgs)
		}
		t.Messages = append(t.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Save writes the thread and its full message list in one transaction. A
// compaction that replaced a prefix with a summary message is therefore
// applied atomically: readers see either the old history or the new one.
func (s *Store) Save(ctx context.Context, t *Thread) error {
	if s == nil || s.db == nil {
		return errors.New("store not open")
	}
	if t == nil || strings.TrimSpace(t.ThreadID) == "" {
		return errors.New("missing thread")
	}

	nowMs := s.now().UnixMilli()
	t.UpdatedAtUnixMs = nowMs
	if t.Title == "" || t.Preview == "" {
		title, preview := deriveTitlePreview(t.Messages)
		if t.Title == "" {
			t.Title = title
		}
		if t.Preview == "" {
			t.Preview = preview
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE threads SET dataset = ?, title = ?, preview = ?, summary = ?, token_estimate = ?, run_status = ?, run_error = ?, updated_at_unix_ms = ?
WHERE thread_id = ?
`, strings.TrimSpace(t.Dataset), t.Title, t.Preview, t.Summary, t.TokenEstimate, t.RunStatus, t.RunError, nowMs, strings.TrimSpace(t.ThreadID))
	if err != nil {
		return fmt.Errorf("save thread: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("thread %s does not exist", t.ThreadID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, strings.TrimSpace(t.ThreadID)); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	for i := range t.Messages {
		m := &t.Messages[i]
		if m.CreatedAtUnixMs == 0 {
			m.CreatedAtUnixMs = nowMs
		}
		args := ""
		if len(m.ToolArgs) > 0 {
			args = string(m.ToolArgs)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (thread_id, message_id, role, content, tool_name, tool_args, call_id, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, strings.TrimSpace(t.ThreadID), strings.TrimSpace(m.MessageID), strings.TrimSpace(m.Role), m.Content, strings.TrimSpace(m.ToolName), args, strings.TrimSpace(m.CallID), m.CreatedAtUnixMs); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return tx.Commit()
}

// SetRunStatus updates only the run status fields.
func (s *Store) SetRunStatus(ctx context.Context, threadID, status, runErr string) error {
	if s == nil || s.db == nil {
		return errors.New("store not open")
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE threads SET run_status = ?, run_error = ?, updated_at_unix_ms = ? WHERE thread_id = ?
`, strings.TrimSpace(status), strings.TrimSpace(runErr), s.now().UnixMilli(), strings.TrimSpace(threadID))
	return err
}

// ListThreads returns threads ordered by recent activity.
func (s *Store) ListThreads(ctx context.Context, limit int) ([]Thread, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not open")
	}
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT thread_id, dataset, title, preview, summary, token_estimate, run_status, run_error, created_at_unix_ms, updated_at_unix_ms
FROM threads ORDER BY updated_at_unix_ms DESC, thread_id DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.ThreadID, &t.Dataset, &t.Title, &t.Preview, &t.Summary, &t.TokenEstimate,
			&t.RunStatus, &t.RunError, &t.CreatedAtUnixMs, &t.UpdatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func deriveTitlePreview(msgs []Message) (string, string) {
	for _, m := range msgs {
		if strings.TrimSpace(m.Role) != "user" {
			continue
		}
		text := strings.Join(strings.Fields(m.Content), " ")
		if text == "" {
			continue
		}
		return truncateRunes(text, 80), truncateRunes(text, 160)
	}
	return "", ""
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return strings.TrimSpace(string(runes[:limit])) + "…"
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	var version int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	if version < 1 {
		_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS threads (
  thread_id TEXT PRIMARY KEY,
  dataset TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL DEFAULT '',
  preview TEXT NOT NULL DEFAULT '',
  summary TEXT NOT NULL DEFAULT '',
  token_estimate INTEGER NOT NULL DEFAULT 0,
  run_status TEXT NOT NULL DEFAULT 'idle',
  run_error TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  thread_id TEXT NOT NULL,
  message_id TEXT NOT NULL DEFAULT '',
  role TEXT NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  tool_name TEXT NOT NULL DEFAULT '',
  tool_args TEXT NOT NULL DEFAULT '',
  call_id TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, id);
CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads(updated_at_unix_ms DESC, thread_id DESC);
`)
		if err != nil {
			return fmt.Errorf("migrate v1: %w", err)
		}
		if _, err := db.Exec(`PRAGMA user_version = 1;`); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}
