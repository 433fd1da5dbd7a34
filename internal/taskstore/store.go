package taskstore

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite-backed task table plus the per-task filesystem
// workspace subtree it manages alongside.
type Store struct {
	db       *sql.DB
	tasksDir string
}

// Open creates (or attaches to) the task database at dbPath, ensures the
// schema, and remembers tasksDir as the root of per-task workspace
// subtrees.
func Open(dbPath, tasksDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create task db directory: %w", err)
	}
	if err := os.MkdirAll(tasksDir, 0o755); err != nil {
		return nil, fmt.Errorf("create tasks directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, tasksDir: tasksDir}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for callers (e.g. Reconcile) that need
// ad hoc queries.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			prompt TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			worker_session_id TEXT,
			supervisor_session_id TEXT,
			work_dir TEXT NOT NULL,
			channel TEXT,
			target TEXT,
			service_url TEXT,
			plan TEXT,
			supervisor_instructions TEXT,
			supervisor_check_seconds INTEGER,
			auto_supervise INTEGER NOT NULL DEFAULT 0,
			on_complete_hook TEXT,
			retry_pending INTEGER NOT NULL DEFAULT 0,
			retry_reason TEXT,
			retry_attempt INTEGER NOT NULL DEFAULT 0,
			deferred_pending INTEGER NOT NULL DEFAULT 0,
			deferred_at TIMESTAMP,
			deferred_summary TEXT,
			deferred_detail TEXT,
			watchdog_state TEXT NOT NULL DEFAULT 'none',
			watchdog_restarts INTEGER NOT NULL DEFAULT 0,
			watchdog_last_action_at TIMESTAMP,
			supervisor_assessments INTEGER NOT NULL DEFAULT 0,
			last_worker_activity_at TIMESTAMP,
			worker_exit_at TIMESTAMP,
			recovery_pending INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_recovery ON tasks(recovery_pending);`,
		`CREATE TABLE IF NOT EXISTS timeline_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(task_id),
			timestamp TIMESTAMP NOT NULL,
			event_kind TEXT NOT NULL,
			summary TEXT NOT NULL,
			detail TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_timeline_task ON timeline_entries(task_id, id);`,
		`CREATE TABLE IF NOT EXISTS task_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			msg_id TEXT NOT NULL UNIQUE,
			task_id TEXT NOT NULL REFERENCES tasks(task_id),
			timestamp TIMESTAMP NOT NULL,
			direction TEXT NOT NULL,
			type TEXT NOT NULL,
			from_tier TEXT NOT NULL,
			content TEXT,
			detail TEXT,
			artifact_url TEXT,
			acknowledged INTEGER NOT NULL DEFAULT 0,
			in_inbox INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_task ON task_messages(task_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_inbox ON task_messages(task_id, in_inbox);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return tx.Commit()
}

// retryOnBusy retries f with bounded exponential backoff when SQLite
// reports the database as busy/locked, the same pattern the teacher's
// persistence package uses around every mutating transaction.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

// workspacePath returns the on-disk root for taskID's working directory.
func (s *Store) workspacePath(taskID string) string {
	return filepath.Join(s.tasksDir, taskID)
}

// ensureWorkspace creates the per-task subtree described in spec.md §3:
// <tasks_root>/<task_id>/{workspace/, supervisor/, worker.log,
// supervisor.log, events.jsonl, raw.log}.
func (s *Store) ensureWorkspace(taskID string) (string, error) {
	root := s.workspacePath(taskID)
	for _, sub := range []string{"workspace", "supervisor"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return "", fmt.Errorf("create task workspace dir: %w", err)
		}
	}
	for _, f := range []string{"worker.log", "supervisor.log", "events.jsonl", "raw.log"} {
		path := filepath.Join(root, f)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return "", fmt.Errorf("create task file %s: %w", f, err)
			}
			_ = fh.Close()
		}
	}
	return root, nil
}
