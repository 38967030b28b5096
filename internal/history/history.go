// Package history records completed remote runs in a per-user sqlite
// database so past commands and their outcomes can be inspected later.
package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"database/sql"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

type Run struct {
	RequestID  string
	SessionID  string
	Command    string
	Action     string
	ExitCode   int
	Truncated  bool
	DurationMs int64
	CreatedAt  time.Time
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite pragmas: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL,
		action TEXT NOT NULL,
		exit_code INTEGER NOT NULL DEFAULT 0,
		truncated INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate runs table: %w", err)
	}
	return nil
}

func (s *Store) RecordRun(ctx context.Context, run Run) error {
	command := strings.TrimSpace(run.Command)
	if command == "" {
		return nil
	}
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (request_id, session_id, command, action, exit_code, truncated, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RequestID, run.SessionID, command, run.Action, run.ExitCode,
		boolToInt(run.Truncated), run.DurationMs, createdAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) ListRecent(ctx context.Context, limit int) ([]Run, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, session_id, command, action, exit_code, truncated, duration_ms, created_at
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run       Run
			truncated int
			createdAt string
		)
		if err := rows.Scan(&run.RequestID, &run.SessionID, &run.Command, &run.Action,
			&run.ExitCode, &truncated, &run.DurationMs, &createdAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Truncated = truncated != 0
		if parsed, parseErr := time.Parse(time.RFC3339, createdAt); parseErr == nil {
			run.CreatedAt = parsed
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
