package taskstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateTask allocates an id, creates the task's working directory, and
// appends a "created" timeline entry, all inside one transaction.
func (s *Store) CreateTask(ctx context.Context, name, prompt, channel, target, serviceURL string, status Status) (Task, error) {
	if status != StatusProposed && status != StatusPending {
		return Task{}, fmt.Errorf("createTask: invalid initial status %q", status)
	}
	taskID := uuid.NewString()
	workDir, err := s.ensureWorkspace(taskID)
	if err != nil {
		return Task{}, err
	}

	now := time.Now().UTC()
	task := Task{
		TaskID:        taskID,
		Name:          name,
		Prompt:        prompt,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
		WorkDir:       workDir,
		Channel:       channel,
		Target:        target,
		ServiceURL:    serviceURL,
		WatchdogState: WatchdogNone,
	}

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := insertTaskTx(ctx, tx, task); err != nil {
			return err
		}
		if err := appendTimelineTx(ctx, tx, taskID, now, "created", "task created", ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

func insertTaskTx(ctx context.Context, tx *sql.Tx, t Task) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (
			task_id, name, prompt, status, created_at, updated_at,
			worker_session_id, supervisor_session_id, work_dir, channel, target, service_url,
			plan, supervisor_instructions, supervisor_check_seconds, auto_supervise, on_complete_hook,
			retry_pending, retry_reason, retry_attempt,
			deferred_pending, deferred_at, deferred_summary, deferred_detail,
			watchdog_state, watchdog_restarts, watchdog_last_action_at,
			supervisor_assessments, last_worker_activity_at, worker_exit_at, recovery_pending
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`,
		t.TaskID, t.Name, t.Prompt, string(t.Status), t.CreatedAt, t.UpdatedAt,
		t.WorkerSessionID, t.SupervisorSessionID, t.WorkDir, t.Channel, t.Target, t.ServiceURL,
		t.Plan, t.SupervisorInstructions, t.SupervisorCheckSeconds, t.AutoSupervise, t.OnCompleteHook,
		t.Retry.Pending, t.Retry.Reason, t.Retry.Attempt,
		t.Deferred.Pending, nullTime(t.Deferred.At), t.Deferred.Summary, t.Deferred.Detail,
		string(t.WatchdogState), t.WatchdogRestarts, nullTimePtr(t.WatchdogLastActionAt),
		t.SupervisorAssessments, nullTimePtr(t.LastWorkerActivityAt), nullTimePtr(t.WorkerExitAt), t.RecoveryPending,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// GetTask reads a single task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE task_id = ?;`, taskID)
	return scanTask(row)
}

const taskSelectColumns = `
	SELECT task_id, name, prompt, status, created_at, updated_at, completed_at,
		worker_session_id, supervisor_session_id, work_dir, channel, target, service_url,
		plan, supervisor_instructions, supervisor_check_seconds, auto_supervise, on_complete_hook,
		retry_pending, retry_reason, retry_attempt,
		deferred_pending, deferred_at, deferred_summary, deferred_detail,
		watchdog_state, watchdog_restarts, watchdog_last_action_at,
		supervisor_assessments, last_worker_activity_at, worker_exit_at, recovery_pending
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var status string
	var watchdogState string
	var completedAt, deferredAt, watchdogLastActionAt, lastWorkerActivityAt, workerExitAt sql.NullTime

	err := row.Scan(
		&t.TaskID, &t.Name, &t.Prompt, &status, &t.CreatedAt, &t.UpdatedAt, &completedAt,
		&t.WorkerSessionID, &t.SupervisorSessionID, &t.WorkDir, &t.Channel, &t.Target, &t.ServiceURL,
		&t.Plan, &t.SupervisorInstructions, &t.SupervisorCheckSeconds, &t.AutoSupervise, &t.OnCompleteHook,
		&t.Retry.Pending, &t.Retry.Reason, &t.Retry.Attempt,
		&t.Deferred.Pending, &deferredAt, &t.Deferred.Summary, &t.Deferred.Detail,
		&watchdogState, &t.WatchdogRestarts, &watchdogLastActionAt,
		&t.SupervisorAssessments, &lastWorkerActivityAt, &workerExitAt, &t.RecoveryPending,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return Task{}, err
		}
		return Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Status = Status(status)
	t.WatchdogState = WatchdogState(watchdogState)
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	if deferredAt.Valid {
		t.Deferred.At = deferredAt.Time
	}
	if watchdogLastActionAt.Valid {
		v := watchdogLastActionAt.Time
		t.WatchdogLastActionAt = &v
	}
	if lastWorkerActivityAt.Valid {
		v := lastWorkerActivityAt.Time
		t.LastWorkerActivityAt = &v
	}
	if workerExitAt.Valid {
		v := workerExitAt.Time
		t.WorkerExitAt = &v
	}
	return t, nil
}

// UpdateStatus validates the transition and, for terminal statuses, sets
// completed_at.
func (s *Store) UpdateStatus(ctx context.Context, taskID string, status Status) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update status tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var currentStatus string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?;`, taskID).Scan(&currentStatus); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("task %q not found", taskID)
			}
			return fmt.Errorf("read current status: %w", err)
		}
		from := Status(currentStatus)
		if !CanTransition(from, status) {
			return fmt.Errorf("invalid status transition %s -> %s", from, status)
		}

		now := time.Now().UTC()
		if IsTerminal(status) {
			_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ?, completed_at = ? WHERE task_id = ?;`, string(status), now, now, taskID)
		} else {
			_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?;`, string(status), now, taskID)
		}
		if err != nil {
			return fmt.Errorf("update task status: %w", err)
		}
		if err := appendTimelineTx(ctx, tx, taskID, now, "status_changed", fmt.Sprintf("%s -> %s", from, status), ""); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// StaleActiveTasks returns tasks with status in {running, paused,
// needs_input, pending} and recovery_pending = false, for the boot-time
// operator prompt.
func (s *Store) StaleActiveTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelectColumns+`
		FROM tasks
		WHERE status IN ('running', 'paused', 'needs_input', 'pending') AND recovery_pending = 0;
	`)
	if err != nil {
		return nil, fmt.Errorf("query stale active tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkRecoveryPending flags a task as needing operator resume/cancel
// confirmation after a restart.
func (s *Store) MarkRecoveryPending(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET recovery_pending = 1, updated_at = ? WHERE task_id = ?;`, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("mark recovery pending: %w", err)
	}
	return nil
}

// ResolveRecovery clears recovery_pending; if resume is true the task's
// status is left untouched (it resumes where it was), otherwise it is
// transitioned to cancelled.
func (s *Store) ResolveRecovery(ctx context.Context, taskID string, resume bool) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin resolve recovery tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		if !resume {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, completed_at = ?, recovery_pending = 0, updated_at = ? WHERE task_id = ?;`,
				string(StatusCancelled), now, now, taskID); err != nil {
				return fmt.Errorf("cancel task on recovery decline: %w", err)
			}
			if err := appendTimelineTx(ctx, tx, taskID, now, "status_changed", "recovery declined, cancelled", ""); err != nil {
				return err
			}
		} else {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET recovery_pending = 0, updated_at = ? WHERE task_id = ?;`, now, taskID); err != nil {
				return fmt.Errorf("clear recovery pending: %w", err)
			}
			if err := appendTimelineTx(ctx, tx, taskID, now, "recovery_resolved", "recovery approved, resuming", ""); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// RecoveryPendingTasks returns tasks currently awaiting an operator
// resume/cancel decision, optionally filtered by channel and target.
func (s *Store) RecoveryPendingTasks(ctx context.Context, channel, target string) ([]Task, error) {
	query := taskSelectColumns + ` FROM tasks WHERE recovery_pending = 1`
	args := []any{}
	if channel != "" {
		query += ` AND channel = ?`
		args = append(args, channel)
	}
	if target != "" {
		query += ` AND target = ?`
		args = append(args, target)
	}
	rows, err := s.db.QueryContext(ctx, query+`;`, args...)
	if err != nil {
		return nil, fmt.Errorf("query recovery pending tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RequestRetry marks a task as having a pending retry request and moves it
// to needs_input, per spec.md §7 error-handling item 3: a subprocess error
// that hasn't already been terminally reported prompts the operator to
// retry or cancel.
func (s *Store) RequestRetry(ctx context.Context, taskID, reason string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin request retry tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var currentStatus string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?;`, taskID).Scan(&currentStatus); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("task %q not found", taskID)
			}
			return fmt.Errorf("read current status: %w", err)
		}

		now := time.Now().UTC()
		from := Status(currentStatus)
		if CanTransition(from, StatusNeedsInput) {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?, retry_pending = 1, retry_reason = ?, updated_at = ? WHERE task_id = ?;
			`, string(StatusNeedsInput), reason, now, taskID); err != nil {
				return fmt.Errorf("request retry: %w", err)
			}
			if err := appendTimelineTx(ctx, tx, taskID, now, "status_changed", fmt.Sprintf("%s -> %s", from, StatusNeedsInput), reason); err != nil {
				return err
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET retry_pending = 1, retry_reason = ?, updated_at = ? WHERE task_id = ?;
			`, reason, now, taskID); err != nil {
				return fmt.Errorf("request retry: %w", err)
			}
		}
		if err := appendTimelineTx(ctx, tx, taskID, now, "retry_requested", reason, ""); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ApproveRetry clears the pending flag, increments the attempt counter,
// and transitions the task back to running.
func (s *Store) ApproveRetry(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin approve retry tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET retry_pending = 0, retry_attempt = retry_attempt + 1, status = ?, updated_at = ?
			WHERE task_id = ?;
		`, string(StatusRunning), now, taskID); err != nil {
			return fmt.Errorf("approve retry: %w", err)
		}
		return tx.Commit()
	})
}

// DeclineRetry clears the pending flag and marks the task failed, per the
// "Worker crash" E2E scenario (spec.md §8 item 14): declining a retry ends
// the task rather than leaving it stuck in needs_input.
func (s *Store) DeclineRetry(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin decline retry tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var currentStatus string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?;`, taskID).Scan(&currentStatus); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("task %q not found", taskID)
			}
			return fmt.Errorf("read current status: %w", err)
		}

		now := time.Now().UTC()
		from := Status(currentStatus)
		if CanTransition(from, StatusFailed) {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?, retry_pending = 0, completed_at = ?, updated_at = ? WHERE task_id = ?;
			`, string(StatusFailed), now, now, taskID); err != nil {
				return fmt.Errorf("decline retry: %w", err)
			}
			if err := appendTimelineTx(ctx, tx, taskID, now, "status_changed", fmt.Sprintf("%s -> %s", from, StatusFailed), "retry declined"); err != nil {
				return err
			}
		} else {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET retry_pending = 0, updated_at = ? WHERE task_id = ?;`, now, taskID); err != nil {
				return fmt.Errorf("decline retry: %w", err)
			}
		}
		return tx.Commit()
	})
}

// TouchWorkerActivity stamps last_worker_activity_at, used by the
// watchdog's idle-time computation.
func (s *Store) TouchWorkerActivity(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET last_worker_activity_at = ? WHERE task_id = ?;`, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("touch worker activity: %w", err)
	}
	return nil
}

// SetWatchdogState updates a task's watchdog escalation state.
func (s *Store) SetWatchdogState(ctx context.Context, taskID string, state WatchdogState, incrementRestarts bool) error {
	now := time.Now().UTC()
	if incrementRestarts {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET watchdog_state = ?, watchdog_restarts = watchdog_restarts + 1, watchdog_last_action_at = ?
			WHERE task_id = ?;
		`, string(state), now, taskID)
		if err != nil {
			return fmt.Errorf("set watchdog state: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET watchdog_state = ?, watchdog_last_action_at = ? WHERE task_id = ?;
	`, string(state), now, taskID)
	if err != nil {
		return fmt.Errorf("set watchdog state: %w", err)
	}
	return nil
}
