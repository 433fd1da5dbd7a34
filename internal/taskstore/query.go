package taskstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ListTasks returns every active (pending/running/paused/needs_input) or
// proposed task, plus the 10 most-recently-completed terminal tasks, per
// spec.md §4.10.2's tasks_list contract.
func (s *Store) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelectColumns+`
		FROM tasks
		WHERE status IN ('proposed', 'pending', 'running', 'paused', 'needs_input')
		ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query active tasks: %w", err)
	}
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	termRows, err := s.db.QueryContext(ctx, taskSelectColumns+`
		FROM tasks
		WHERE status IN ('completed', 'failed', 'cancelled')
		ORDER BY completed_at DESC
		LIMIT 10;
	`)
	if err != nil {
		return nil, fmt.Errorf("query terminal tasks: %w", err)
	}
	defer termRows.Close()
	for termRows.Next() {
		t, err := scanTask(termRows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, termRows.Err()
}

// FindActiveOrProposedByName returns the active or proposed task with this
// name, if one exists, for tasks_propose's duplicate-name refusal.
func (s *Store) FindActiveOrProposedByName(ctx context.Context, name string) (Task, bool, error) {
	row := s.db.QueryRowContext(ctx, taskSelectColumns+`
		FROM tasks
		WHERE name = ? AND status IN ('proposed', 'pending', 'running', 'paused', 'needs_input')
		ORDER BY created_at DESC LIMIT 1;
	`, name)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

// LatestProposedForTarget returns the most recent proposed task addressed to
// this (channel, target), for the chat router's proposal-reply handling.
func (s *Store) LatestProposedForTarget(ctx context.Context, channel, target string) (Task, bool, error) {
	row := s.db.QueryRowContext(ctx, taskSelectColumns+`
		FROM tasks
		WHERE status = 'proposed' AND channel = ? AND target = ?
		ORDER BY created_at DESC LIMIT 1;
	`, channel, target)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

// LatestPendingRetryForTarget returns the most recent task awaiting a retry
// decision for this (channel, target).
func (s *Store) LatestPendingRetryForTarget(ctx context.Context, channel, target string) (Task, bool, error) {
	row := s.db.QueryRowContext(ctx, taskSelectColumns+`
		FROM tasks
		WHERE retry_pending = 1 AND channel = ? AND target = ?
		ORDER BY updated_at DESC LIMIT 1;
	`, channel, target)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

// SetPrompt overwrites a task's prompt, used by the continuation rewrite on
// auto-resume (spec.md §4.10.5).
func (s *Store) SetPrompt(ctx context.Context, taskID, prompt string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET prompt = ?, updated_at = ? WHERE task_id = ?;`, prompt, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("set prompt: %w", err)
	}
	return nil
}

// TaskConfig groups the optional fields tasks_propose/tasks_create accept.
type TaskConfig struct {
	Plan                   string
	SupervisorInstructions string
	SupervisorCheckSeconds int
	AutoSupervise          bool
	OnCompleteHook         string
}

// ApplyConfig writes a task's optional configuration fields.
func (s *Store) ApplyConfig(ctx context.Context, taskID string, cfg TaskConfig) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET plan = ?, supervisor_instructions = ?, supervisor_check_seconds = ?,
			auto_supervise = ?, on_complete_hook = ?, updated_at = ?
		WHERE task_id = ?;
	`, cfg.Plan, cfg.SupervisorInstructions, cfg.SupervisorCheckSeconds, cfg.AutoSupervise, cfg.OnCompleteHook, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("apply task config: %w", err)
	}
	return nil
}

// SetSupervisorInstructions updates only the supervisor-instructions field,
// used when an auto-resume redirect carries new supervisor guidance.
func (s *Store) SetSupervisorInstructions(ctx context.Context, taskID, instructions string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET supervisor_instructions = ?, updated_at = ? WHERE task_id = ?;`, instructions, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("set supervisor instructions: %w", err)
	}
	return nil
}

// SetWorkerSessionID records the worker agent-runner session id discovered
// after an invocation, so the next dispatch can resume it.
func (s *Store) SetWorkerSessionID(ctx context.Context, taskID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET worker_session_id = ?, updated_at = ? WHERE task_id = ?;`, sessionID, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("set worker session id: %w", err)
	}
	return nil
}

// SetSupervisorSessionID records the supervisor agent-runner session id.
func (s *Store) SetSupervisorSessionID(ctx context.Context, taskID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET supervisor_session_id = ?, updated_at = ? WHERE task_id = ?;`, sessionID, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("set supervisor session id: %w", err)
	}
	return nil
}

// MarkWorkerExited stamps worker_exit_at, used by the deferred-completion
// and watchdog rules to tell whether the worker process is still alive.
func (s *Store) MarkWorkerExited(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET worker_exit_at = ?, updated_at = ? WHERE task_id = ?;`, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("mark worker exited: %w", err)
	}
	return nil
}

// ClearWorkerExited clears worker_exit_at on (re)dispatch.
func (s *Store) ClearWorkerExited(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET worker_exit_at = NULL, updated_at = ? WHERE task_id = ?;`, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("clear worker exited: %w", err)
	}
	return nil
}

// SetDeferred marks a worker's reported completion as pending supervisor
// verification (spec.md §4.10.3).
func (s *Store) SetDeferred(ctx context.Context, taskID, summary, detail string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET deferred_pending = 1, deferred_at = ?, deferred_summary = ?, deferred_detail = ?, updated_at = ?
		WHERE task_id = ?;
	`, now, summary, detail, now, taskID)
	if err != nil {
		return fmt.Errorf("set deferred: %w", err)
	}
	return nil
}

// ClearDeferred resets the deferred-completion bookkeeping and the
// supervisor assessment counter, called on any finalization.
func (s *Store) ClearDeferred(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET deferred_pending = 0, deferred_at = NULL, deferred_summary = '', deferred_detail = '',
			supervisor_assessments = 0, updated_at = ?
		WHERE task_id = ?;
	`, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("clear deferred: %w", err)
	}
	return nil
}

// AppendTimelineEvent is the exported form of appendTimelineTx for callers
// (toolserver, watchdog) outside this package that need to record a
// timeline entry without an enclosing transaction.
func (s *Store) AppendTimelineEvent(ctx context.Context, taskID, eventKind, summary, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO timeline_entries (task_id, timestamp, event_kind, summary, detail) VALUES (?, ?, ?, ?, ?);
	`, taskID, time.Now().UTC(), eventKind, summary, detail)
	if err != nil {
		return fmt.Errorf("append timeline event: %w", err)
	}
	return nil
}

// ClearTerminal deletes every task (and its messages/timeline) currently in
// a terminal status, for tasks_clear_all.
func (s *Store) ClearTerminal(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id FROM tasks WHERE status IN ('completed', 'failed', 'cancelled');`)
	if err != nil {
		return 0, fmt.Errorf("query terminal task ids: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := retryOnBusy(ctx, 5, func() error {
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			defer func() { _ = tx.Rollback() }()
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_messages WHERE task_id = ?;`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM timeline_entries WHERE task_id = ?;`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?;`, id); err != nil {
				return err
			}
			return tx.Commit()
		}); err != nil {
			return 0, fmt.Errorf("clear terminal task %s: %w", id, err)
		}
	}
	return len(ids), nil
}

// WorkDir exposes a task's workspace root for callers outside the package.
func (s *Store) WorkDir(taskID string) string {
	return s.workspacePath(taskID)
}
