package taskstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

func appendTimelineTx(ctx context.Context, tx *sql.Tx, taskID string, ts time.Time, eventKind, summary, detail string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO timeline_entries (task_id, timestamp, event_kind, summary, detail)
		VALUES (?, ?, ?, ?, ?);
	`, taskID, ts, eventKind, summary, detail)
	if err != nil {
		return fmt.Errorf("append timeline entry: %w", err)
	}
	return nil
}

// Timeline returns a task's ordered timeline entries.
func (s *Store) Timeline(ctx context.Context, taskID string) ([]TimelineEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, timestamp, event_kind, summary, detail
		FROM timeline_entries WHERE task_id = ? ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	var out []TimelineEntry
	for rows.Next() {
		var e TimelineEntry
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Timestamp, &e.EventKind, &e.Summary, &detail); err != nil {
			return nil, fmt.Errorf("scan timeline entry: %w", err)
		}
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// reportTimelineEvent maps an upward message type to its timeline event
// kind, per spec.md §4.5 ("progress->checkpoint, assessment->supervised, …").
func reportTimelineEvent(msgType string) string {
	switch msgType {
	case MsgProgress:
		return "checkpoint"
	case MsgAssessment:
		return "supervised"
	case MsgCompleted:
		return "completed"
	case MsgFailed:
		return "failed"
	case MsgNeedsInput:
		return "needs_input"
	case MsgQuestion:
		return "question"
	case MsgArtifact:
		return "artifact"
	case MsgIntervention:
		return "intervention"
	case MsgEscalation:
		return "escalation"
	default:
		return msgType
	}
}

// HandleReport validates an upward message, appends it to the outbox, maps
// it to a timeline event, and applies status side-effects (completed/failed
// are terminal; needs_input transitions the task to needs_input).
func (s *Store) HandleReport(ctx context.Context, taskID, msgType, summary, detail, artifactURL string, fromTier Tier) (TaskMessage, error) {
	if !upTypes[msgType] {
		return TaskMessage{}, fmt.Errorf("invalid upward message type %q", msgType)
	}

	msg := TaskMessage{
		MsgID:       uuid.NewString(),
		TaskID:      taskID,
		Timestamp:   time.Now().UTC(),
		Direction:   DirUp,
		Type:        msgType,
		FromTier:    fromTier,
		Content:     summary,
		Detail:      detail,
		ArtifactURL: artifactURL,
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin handle report tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := insertMessageTx(ctx, tx, msg, false); err != nil {
			return err
		}
		if err := appendTimelineTx(ctx, tx, taskID, msg.Timestamp, reportTimelineEvent(msgType), summary, detail); err != nil {
			return err
		}

		if msgType == MsgAssessment {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET supervisor_assessments = supervisor_assessments + 1, updated_at = ? WHERE task_id = ?;`, msg.Timestamp, taskID); err != nil {
				return fmt.Errorf("increment supervisor assessments: %w", err)
			}
		}

		var newStatus Status
		switch msgType {
		case MsgCompleted:
			newStatus = StatusCompleted
		case MsgFailed:
			newStatus = StatusFailed
		case MsgNeedsInput:
			newStatus = StatusNeedsInput
		}
		if newStatus != "" {
			var currentStatus string
			if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?;`, taskID).Scan(&currentStatus); err != nil {
				return fmt.Errorf("read current status: %w", err)
			}
			if CanTransition(Status(currentStatus), newStatus) {
				if IsTerminal(newStatus) {
					if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, completed_at = ?, updated_at = ? WHERE task_id = ?;`, string(newStatus), msg.Timestamp, msg.Timestamp, taskID); err != nil {
						return fmt.Errorf("apply status side-effect: %w", err)
					}
				} else {
					if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?;`, string(newStatus), msg.Timestamp, taskID); err != nil {
						return fmt.Errorf("apply status side-effect: %w", err)
					}
				}
			}
		} else {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET last_worker_activity_at = ?, updated_at = ? WHERE task_id = ?;`, msg.Timestamp, msg.Timestamp, taskID); err != nil {
				return fmt.Errorf("touch worker activity: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return TaskMessage{}, err
	}
	return msg, nil
}

// SendMessage validates a downward message, appends it to inbox and
// outbox, and applies status side-effects (pause->paused,
// resume->running, cancel->cancelled).
func (s *Store) SendMessage(ctx context.Context, taskID, msgType, content string, fromTier Tier) (TaskMessage, error) {
	if !downTypes[msgType] {
		return TaskMessage{}, fmt.Errorf("invalid downward message type %q", msgType)
	}

	msg := TaskMessage{
		MsgID:     uuid.NewString(),
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Direction: DirDown,
		Type:      msgType,
		FromTier:  fromTier,
		Content:   content,
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin send message tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := insertMessageTx(ctx, tx, msg, true); err != nil {
			return err
		}

		var newStatus Status
		switch msgType {
		case MsgPause:
			newStatus = StatusPaused
		case MsgResume:
			newStatus = StatusRunning
		case MsgCancel:
			newStatus = StatusCancelled
		}
		if newStatus != "" {
			var currentStatus string
			if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?;`, taskID).Scan(&currentStatus); err != nil {
				return fmt.Errorf("read current status: %w", err)
			}
			if CanTransition(Status(currentStatus), newStatus) {
				if IsTerminal(newStatus) {
					if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, completed_at = ?, updated_at = ? WHERE task_id = ?;`, string(newStatus), msg.Timestamp, msg.Timestamp, taskID); err != nil {
						return fmt.Errorf("apply status side-effect: %w", err)
					}
				} else {
					if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?;`, string(newStatus), msg.Timestamp, taskID); err != nil {
						return fmt.Errorf("apply status side-effect: %w", err)
					}
				}
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return TaskMessage{}, err
	}
	return msg, nil
}

func insertMessageTx(ctx context.Context, tx *sql.Tx, msg TaskMessage, inInbox bool) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_messages (msg_id, task_id, timestamp, direction, type, from_tier, content, detail, artifact_url, acknowledged, in_inbox)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?);
	`, msg.MsgID, msg.TaskID, msg.Timestamp, string(msg.Direction), msg.Type, string(msg.FromTier), msg.Content, msg.Detail, msg.ArtifactURL, inInbox)
	if err != nil {
		return fmt.Errorf("insert task message: %w", err)
	}
	return nil
}

// CheckInbox returns unacknowledged downward messages for a task. If
// acknowledge is true, they are marked acknowledged and removed from the
// inbox view. For a terminal-status task, a single synthetic "terminate"
// system message is returned instead, so workers exit rather than polling
// forever.
func (s *Store) CheckInbox(ctx context.Context, taskID string, acknowledge bool) ([]TaskMessage, error) {
	var status string
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?;`, taskID).Scan(&status); err != nil {
		return nil, fmt.Errorf("read task status: %w", err)
	}
	if IsTerminal(Status(status)) {
		return []TaskMessage{{
			TaskID:    taskID,
			Timestamp: time.Now().UTC(),
			Direction: DirDown,
			Type:      "terminate",
			FromTier:  TierOrchestrator,
			Content:   "task is terminal; worker should exit",
		}}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, msg_id, task_id, timestamp, direction, type, from_tier, content, detail, artifact_url, acknowledged
		FROM task_messages WHERE task_id = ? AND in_inbox = 1 AND acknowledged = 0 ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query inbox: %w", err)
	}
	defer rows.Close()

	var out []TaskMessage
	var ids []int64
	for rows.Next() {
		var m TaskMessage
		var direction, fromTier string
		var detail, artifactURL sql.NullString
		if err := rows.Scan(&m.ID, &m.MsgID, &m.TaskID, &m.Timestamp, &direction, &m.Type, &fromTier, &m.Content, &detail, &artifactURL, &m.Acknowledged); err != nil {
			return nil, fmt.Errorf("scan inbox message: %w", err)
		}
		m.Direction = Direction(direction)
		m.FromTier = Tier(fromTier)
		m.Detail = detail.String
		m.ArtifactURL = artifactURL.String
		out = append(out, m)
		ids = append(ids, m.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if acknowledge && len(ids) > 0 {
		err := retryOnBusy(ctx, 5, func() error {
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin acknowledge tx: %w", err)
			}
			defer func() { _ = tx.Rollback() }()
			for _, id := range ids {
				if _, err := tx.ExecContext(ctx, `UPDATE task_messages SET acknowledged = 1 WHERE id = ?;`, id); err != nil {
					return fmt.Errorf("acknowledge message: %w", err)
				}
			}
			return tx.Commit()
		})
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// Outbox returns a task's full message history, oldest first.
func (s *Store) Outbox(ctx context.Context, taskID string) ([]TaskMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, msg_id, task_id, timestamp, direction, type, from_tier, content, detail, artifact_url, acknowledged
		FROM task_messages WHERE task_id = ? ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []TaskMessage
	for rows.Next() {
		var m TaskMessage
		var direction, fromTier string
		var detail, artifactURL sql.NullString
		if err := rows.Scan(&m.ID, &m.MsgID, &m.TaskID, &m.Timestamp, &direction, &m.Type, &fromTier, &m.Content, &detail, &artifactURL, &m.Acknowledged); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		m.Direction = Direction(direction)
		m.FromTier = Tier(fromTier)
		m.Detail = detail.String
		m.ArtifactURL = artifactURL.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendLog appends a line to the task's raw.log file.
func (s *Store) AppendLog(taskID, text string) error {
	path := filepath.Join(s.workspacePath(taskID), "raw.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open raw log: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(text + "\n"); err != nil {
		return fmt.Errorf("write raw log: %w", err)
	}
	return nil
}

// ReadLog reads the last n lines of the task's raw.log file (0 means
// everything).
func (s *Store) ReadLog(taskID string, tail int) ([]string, error) {
	path := filepath.Join(s.workspacePath(taskID), "raw.log")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read raw log: %w", err)
	}
	lines := splitLines(string(data))
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return lines, nil
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
