package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pokenerd/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the default backend.
type SQLiteStore struct {
	db   *sql.DB
	ttl  time.Duration
	path string
	now  func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path. A zero ttl
// keeps entries forever.
func OpenSQLite(path string, ttl time.Duration) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite cache: empty path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, ttl: ttl, path: path, now: time.Now}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Get(logging.CategoryCache).Info("SQLite cache opened at %s", path)
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS resources (
			uri TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			fetched_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create resources table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			query TEXT NOT NULL,
			operation TEXT,
			outcome TEXT,
			asked_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create history table: %w", err)
	}

	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_history_session ON history(session_id, id)`)
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, uri string) (string, bool, error) {
	var text string
	var fetched int64
	err := s.db.QueryRowContext(ctx,
		`SELECT text, fetched_at FROM resources WHERE uri = ?`, uri,
	).Scan(&text, &fetched)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get %s: %w", uri, err)
	}
	if s.ttl > 0 && s.now().Sub(time.Unix(0, fetched)) > s.ttl {
		logging.Get(logging.CategoryCache).Debug("Expired %s", uri)
		return "", false, nil
	}
	return text, true, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, uri, text string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resources (uri, text, fetched_at) VALUES (?, ?, ?)
		ON CONFLICT(uri) DO UPDATE SET text = excluded.text, fetched_at = excluded.fetched_at
	`, uri, text, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("cache put %s: %w", uri, err)
	}
	return nil
}

// Append implements History.
func (s *SQLiteStore) Append(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (session_id, query, operation, outcome, asked_at) VALUES (?, ?, ?, ?, ?)`,
		e.SessionID, e.Query, e.Operation, e.Outcome, e.At.UnixNano())
	if err != nil {
		return fmt.Errorf("history append: %w", err)
	}
	return nil
}

// Recent implements History.
func (s *SQLiteStore) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, query, operation, outcome, asked_at FROM (
			SELECT id, session_id, query, operation, outcome, asked_at FROM history
			WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("history query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at int64
		if err := rows.Scan(&e.SessionID, &e.Query, &e.Operation, &e.Outcome, &at); err != nil {
			return nil, fmt.Errorf("history scan: %w", err)
		}
		e.At = time.Unix(0, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Backing = (*SQLiteStore)(nil)
