package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore keeps one row of serialized memory per session key.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite memory store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile returns a DSN with WAL and a busy timeout enabled.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite memory store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_memory (
		  session_key TEXT PRIMARY KEY,
		  memory_json TEXT NOT NULL,
		  total_messages INTEGER NOT NULL DEFAULT 0,
		  updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS conversation_memory_by_updated
		  ON conversation_memory(updated_at_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite memory store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, key string) (*Memory, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("sqlite memory store: db is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, errors.New("sqlite memory store: key is empty")
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT memory_json FROM conversation_memory WHERE session_key = ?
	`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "sqlite memory store: load")
	}
	mem, err := decode([]byte(raw))
	if err != nil {
		return nil, false, err
	}
	return mem, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, key string, mem *Memory) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite memory store: db is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("sqlite memory store: key is empty")
	}
	b, err := encode(mem)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_memory (session_key, memory_json, total_messages, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			memory_json = excluded.memory_json,
			total_messages = excluded.total_messages,
			updated_at_ms = excluded.updated_at_ms
	`, key, string(b), mem.TotalMessages, time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite memory store: save")
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite memory store: db is nil")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_memory WHERE session_key = ?`, key); err != nil {
		return errors.Wrap(err, "sqlite memory store: delete")
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
