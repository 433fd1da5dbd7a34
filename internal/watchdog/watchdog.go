// Package watchdog implements the idle-worker escalation loop of spec.md
// §4.11: warn a stalled worker once, restart it if it stays idle, and
// escalate to the user once restarts are exhausted. Grounded on
// internal/engine/heartbeat.go's ticker/goroutine shape, generalized from a
// single periodic sweep into the warn/restart/escalate state machine
// original_source/core/gateway.py's _watchdog_loop implements.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/relaytask/internal/taskstore"
	"github.com/basket/relaytask/internal/workerpool"
)

// Dispatcher is the narrow slice of internal/toolserver.Server the watchdog
// needs to restart a stalled task, kept separate from toolserver's full
// surface the same way internal/chatrouter.TaskDispatcher is.
type Dispatcher interface {
	ResumeTask(ctx context.Context, taskID string) error
}

// Notifier delivers an escalation message to the chat channel that owns a
// task, mirroring internal/toolserver.Notifier's signature so the same
// adapter (Telegram, Teams, ...) satisfies both without this package
// importing toolserver.
type Notifier interface {
	SendMessage(ctx context.Context, channel, target, text string) error
}

// Config holds the watchdog's dependencies and thresholds, sourced from
// config.WatchdogConfig.
type Config struct {
	Tasks      *taskstore.Store
	Pool       *workerpool.Pool
	Dispatcher Dispatcher
	Notifier   Notifier

	Interval     time.Duration
	Grace        time.Duration
	WarnAfter    time.Duration
	RestartAfter time.Duration
	MaxRestarts  int

	Logger *slog.Logger
}

// Watchdog periodically sweeps running tasks for idle workers.
type Watchdog struct {
	cfg Config
}

// New builds a Watchdog from cfg, applying the same defaults
// config.WatchdogConfig documents (interval 30s, restart_after clamped to
// at least warn_after).
func New(cfg Config) *Watchdog {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.WarnAfter > 0 && cfg.RestartAfter > 0 && cfg.RestartAfter < cfg.WarnAfter {
		cfg.RestartAfter = cfg.WarnAfter
	}
	return &Watchdog{cfg: cfg}
}

// Start runs the sweep loop in a background goroutine until ctx is done.
func (w *Watchdog) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.runOnce(ctx)
			}
		}
	}()
}

// runOnce sweeps every running, non-deferred task once.
func (w *Watchdog) runOnce(ctx context.Context) {
	tasks, err := w.cfg.Tasks.ListTasks(ctx)
	if err != nil {
		w.cfg.Logger.Warn("watchdog: list tasks failed", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, t := range tasks {
		if t.Status != taskstore.StatusRunning || t.Deferred.Pending {
			continue
		}
		w.checkTask(ctx, t, now)
	}
}

// lastActivity is the most recent timestamp any of the task's own
// bookkeeping fields record, per _watchdog_loop's
// "max(last_worker_activity_at, updated_at, created_at, watchdog_last_action_at)".
func lastActivity(t taskstore.Task) time.Time {
	latest := t.CreatedAt
	if t.UpdatedAt.After(latest) {
		latest = t.UpdatedAt
	}
	if t.LastWorkerActivityAt != nil && t.LastWorkerActivityAt.After(latest) {
		latest = *t.LastWorkerActivityAt
	}
	if t.WatchdogLastActionAt != nil && t.WatchdogLastActionAt.After(latest) {
		latest = *t.WatchdogLastActionAt
	}
	return latest
}

func (w *Watchdog) checkTask(ctx context.Context, t taskstore.Task, now time.Time) {
	idle := now.Sub(lastActivity(t))
	if idle < w.cfg.Grace {
		return
	}

	running := false
	if w.cfg.Pool != nil {
		if worker, ok := w.cfg.Pool.GetWorker(t.TaskID); ok {
			running = worker.Running()
		}
	}

	if !running {
		w.checkStoppedWorker(ctx, t, idle)
		return
	}

	if t.WatchdogState == taskstore.WatchdogNone && w.cfg.WarnAfter > 0 && idle >= w.cfg.WarnAfter {
		w.warn(ctx, t)
	}

	if w.cfg.RestartAfter > 0 && idle >= w.cfg.RestartAfter {
		if t.WatchdogRestarts < w.cfg.MaxRestarts {
			w.restart(ctx, t)
		} else if t.WatchdogState != taskstore.WatchdogNeedsInput {
			w.escalate(ctx, t, "worker stayed idle after the maximum number of automatic restarts")
		}
	}
}

// checkStoppedWorker handles a task still marked running whose worker
// process has already exited without reporting completion or failure.
func (w *Watchdog) checkStoppedWorker(ctx context.Context, t taskstore.Task, idle time.Duration) {
	if w.cfg.RestartAfter <= 0 || idle < w.cfg.RestartAfter {
		return
	}
	if t.WatchdogState == taskstore.WatchdogNeedsInput {
		return
	}
	w.escalate(ctx, t, "worker process exited and the task is still marked running")
}

// warn sends a single downward nudge to the worker and records an
// intervention on the timeline, then marks the state so it only fires once
// per idle episode.
func (w *Watchdog) warn(ctx context.Context, t taskstore.Task) {
	_, err := w.cfg.Tasks.SendMessage(ctx, t.TaskID, taskstore.MsgInstruction,
		"No activity has been reported in a while. Report progress or ask a question if you're blocked.", taskstore.TierOrchestrator)
	if err != nil {
		w.cfg.Logger.Warn("watchdog: warn send failed", "task_id", t.TaskID, "error", err)
	}
	if _, err := w.cfg.Tasks.HandleReport(ctx, t.TaskID, taskstore.MsgIntervention,
		"watchdog: no worker activity, sent a nudge", "", "", taskstore.TierOrchestrator); err != nil {
		w.cfg.Logger.Warn("watchdog: warn report failed", "task_id", t.TaskID, "error", err)
	}
	if err := w.cfg.Tasks.SetWatchdogState(ctx, t.TaskID, taskstore.WatchdogWarned, false); err != nil {
		w.cfg.Logger.Warn("watchdog: set warned state failed", "task_id", t.TaskID, "error", err)
	}
	if t.AutoSupervise && w.cfg.Pool != nil {
		w.cfg.Pool.RequestSupervisorCheck(t.TaskID)
	}
	w.cfg.Logger.Info("watchdog warned idle task", "task_id", t.TaskID, "name", t.Name)
}

// restart stops the stalled worker and re-dispatches it, inheriting its
// session id via Dispatcher.ResumeTask, and records the restart.
func (w *Watchdog) restart(ctx context.Context, t taskstore.Task) {
	if w.cfg.Pool != nil {
		w.cfg.Pool.StopTask(t.TaskID)
	}
	if _, err := w.cfg.Tasks.HandleReport(ctx, t.TaskID, taskstore.MsgIntervention,
		fmt.Sprintf("watchdog: restarting after idle timeout (restart %d/%d)", t.WatchdogRestarts+1, w.cfg.MaxRestarts),
		"", "", taskstore.TierOrchestrator); err != nil {
		w.cfg.Logger.Warn("watchdog: restart report failed", "task_id", t.TaskID, "error", err)
	}
	if w.cfg.Dispatcher != nil {
		if err := w.cfg.Dispatcher.ResumeTask(ctx, t.TaskID); err != nil {
			w.cfg.Logger.Warn("watchdog: restart dispatch failed", "task_id", t.TaskID, "error", err)
		}
	}
	if err := w.cfg.Tasks.SetWatchdogState(ctx, t.TaskID, taskstore.WatchdogRestarted, true); err != nil {
		w.cfg.Logger.Warn("watchdog: set restarted state failed", "task_id", t.TaskID, "error", err)
	}
	w.cfg.Logger.Info("watchdog restarted idle task", "task_id", t.TaskID, "name", t.Name)
}

// escalate gives up automating recovery: records a needs_input report and,
// when the report type warrants it, notifies the owning channel directly so
// a human sees the task is stuck even without polling /tasks.
func (w *Watchdog) escalate(ctx context.Context, t taskstore.Task, reason string) {
	if _, err := w.cfg.Tasks.HandleReport(ctx, t.TaskID, taskstore.MsgNeedsInput, reason, "", "", taskstore.TierOrchestrator); err != nil {
		w.cfg.Logger.Warn("watchdog: escalate report failed", "task_id", t.TaskID, "error", err)
		return
	}
	if err := w.cfg.Tasks.SetWatchdogState(ctx, t.TaskID, taskstore.WatchdogNeedsInput, false); err != nil {
		w.cfg.Logger.Warn("watchdog: set needs_input state failed", "task_id", t.TaskID, "error", err)
	}
	w.cfg.Logger.Warn("watchdog escalated stalled task", "task_id", t.TaskID, "name", t.Name, "reason", reason)

	if w.cfg.Notifier == nil || t.Channel == "" || t.Target == "" || !taskstore.RequiresNotification(taskstore.MsgNeedsInput) {
		return
	}
	text := fmt.Sprintf("Task %q (%s) needs your input: %s", t.Name, t.TaskID, reason)
	if err := w.cfg.Notifier.SendMessage(ctx, t.Channel, t.Target, text); err != nil {
		w.cfg.Logger.Warn("watchdog: escalate notify failed", "task_id", t.TaskID, "error", err)
	}
}
