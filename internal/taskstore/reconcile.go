package taskstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Reconcile compares on-disk task directories against the task table,
// logging (never deleting) orphaned directories and tasks missing their
// directory. This ports the original system's periodic repair pass
// (core/repair.py) into a single boot-time consistency check.
func (s *Store) Reconcile(ctx context.Context, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	rows, err := s.db.QueryContext(ctx, `SELECT task_id, work_dir FROM tasks;`)
	if err != nil {
		return fmt.Errorf("query tasks for reconcile: %w", err)
	}
	known := make(map[string]string)
	for rows.Next() {
		var id, dir string
		if err := rows.Scan(&id, &dir); err != nil {
			rows.Close()
			return fmt.Errorf("scan task for reconcile: %w", err)
		}
		known[id] = dir
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for id, dir := range known {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			logger.Warn("reconcile: known task is missing its workspace directory", "task_id", id, "work_dir", dir)
		}
	}

	entries, err := os.ReadDir(s.tasksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read tasks dir for reconcile: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := known[entry.Name()]; !ok {
			logger.Warn("reconcile: orphaned task directory with no matching task row", "dir", filepath.Join(s.tasksDir, entry.Name()))
		}
	}
	return nil
}
