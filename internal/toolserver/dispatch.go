package toolserver

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/relaytask/internal/agentrunner"
	"github.com/basket/relaytask/internal/taskstore"
	"github.com/basket/relaytask/internal/workerpool"
)

const defaultSupervisorCheckInterval = 2 * time.Minute

// dispatchTask starts (or re-starts) a task's worker, and its supervisor if
// auto_supervise is set, wiring the worker pool's completion callback back
// into the task store. Used by tasks_approve, tasks_create, the auto-resume
// path (§4.10.5), and the watchdog's restart path.
func (s *Server) dispatchTask(ctx context.Context, task taskstore.Task) error {
	if s.cfg.Pool == nil {
		return fmt.Errorf("worker pool not configured")
	}

	workCb := workerpool.Callbacks{
		OnLine: func(line string) {
			_ = s.cfg.Tasks.AppendLog(task.TaskID, line)
		},
		OnComplete: func(res agentrunner.Result, runErr error) {
			bg := context.Background()
			_ = s.cfg.Tasks.MarkWorkerExited(bg, task.TaskID)
			if res.SessionID != "" {
				_ = s.cfg.Tasks.SetWorkerSessionID(bg, task.TaskID, res.SessionID)
			}
			note := "worker process exited"
			if runErr != nil {
				note = fmt.Sprintf("worker process exited: %v", runErr)
			}
			_ = s.cfg.Tasks.AppendTimelineEvent(bg, task.TaskID, "worker_exited", note, "")

			s.handleWorkerFailure(bg, task.TaskID, res, runErr)

			s.cfg.Pool.RequestSupervisorCheck(task.TaskID)
		},
	}

	if err := s.cfg.Pool.StartWorker(ctx, task.TaskID, task.WorkDir, task.Prompt, nil, task.WorkerSessionID, workCb); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	_ = s.cfg.Tasks.ClearWorkerExited(ctx, task.TaskID)
	_ = s.cfg.Tasks.AppendTimelineEvent(ctx, task.TaskID, "worker_started", "worker dispatched", "")

	if !task.AutoSupervise {
		return nil
	}

	checkInterval := time.Duration(task.SupervisorCheckSeconds) * time.Second
	if checkInterval <= 0 {
		checkInterval = defaultSupervisorCheckInterval
	}
	taskID := task.TaskID
	getState := func() workerpool.TriggerState {
		t, err := s.cfg.Tasks.GetTask(context.Background(), taskID)
		if err != nil {
			return workerpool.TriggerState{}
		}
		workerExited := true
		if w, ok := s.cfg.Pool.GetWorker(taskID); ok {
			workerExited = !w.Running()
		}
		idleFor := time.Duration(0)
		if t.LastWorkerActivityAt != nil {
			idleFor = time.Since(*t.LastWorkerActivityAt)
		}
		return workerpool.TriggerState{
			DeferredCompletionPending: t.Deferred.Pending,
			WorkerExited:              workerExited,
			TaskRunning:               t.Status == taskstore.StatusRunning,
			WorkerIdleFor:             idleFor,
		}
	}

	supCb := workerpool.Callbacks{
		OnComplete: func(res agentrunner.Result, runErr error) {
			if res.SessionID != "" {
				_ = s.cfg.Tasks.SetSupervisorSessionID(context.Background(), taskID, res.SessionID)
			}
		},
	}

	supervisorPrompt := "Monitor the worker's progress and verify any completion it reports."
	if err := s.cfg.Pool.StartSupervisor(ctx, task.TaskID, task.WorkDir, supervisorPrompt, task.SupervisorInstructions, task.WorkerSessionID, checkInterval, task.SupervisorSessionID, getState, supCb); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}
	_ = s.cfg.Tasks.AppendTimelineEvent(ctx, task.TaskID, "supervisor_started", "supervisor dispatched", "")
	return nil
}

// handleWorkerFailure implements spec.md §7 error-handling item 3: a
// subprocess error (non-zero exit, timeout, pre-launch failure) that
// hasn't already been terminally reported moves the task to needs_input
// with retry_pending=true and notifies the owner to reply yes/no.
func (s *Server) handleWorkerFailure(ctx context.Context, taskID string, res agentrunner.Result, runErr error) {
	if runErr == nil && res.ExitCode == 0 {
		return
	}

	task, err := s.cfg.Tasks.GetTask(ctx, taskID)
	if err != nil {
		s.cfg.Logger.Warn("toolserver: handle worker failure lookup failed", "task_id", taskID, "error", err)
		return
	}
	if taskstore.IsTerminal(task.Status) {
		// Already reported completed/failed/cancelled before exiting; the
		// process error is moot.
		return
	}

	reason := fmt.Sprintf("ERROR (exit %d)", res.ExitCode)
	if runErr != nil {
		reason = fmt.Sprintf("UNEXPECTED ERROR: %v", runErr)
	}

	if err := s.cfg.Tasks.RequestRetry(ctx, taskID, reason); err != nil {
		s.cfg.Logger.Warn("toolserver: request retry failed", "task_id", taskID, "error", err)
		return
	}

	if s.cfg.Notifier == nil || task.Channel == "" || task.Target == "" {
		return
	}
	text := fmt.Sprintf("Task %q (%s) failed: %s. Reply yes to retry or no to cancel.", task.Name, task.TaskID, reason)
	if err := s.cfg.Notifier.SendMessage(ctx, task.Channel, task.Target, text); err != nil {
		s.cfg.Logger.Warn("toolserver: worker failure notify failed", "task_id", taskID, "error", err)
	}
}

// stopTaskProcesses stops the running worker/supervisor and cancels any
// scheduled supervisor-check job, without touching the task's status.
func (s *Server) stopTaskProcesses(taskID string) {
	if s.cfg.Pool != nil {
		s.cfg.Pool.StopTask(taskID)
	}
}

// continuationPrompt builds the rewritten prompt for an auto-resumed task
// per spec.md §4.10.5.
func continuationPrompt(name, originalPrompt, newInstructions string) string {
	return fmt.Sprintf("CONTINUATION of '%s'. Original: %s\n--- NEW INSTRUCTIONS ---\n%s", name, originalPrompt, newInstructions)
}

// ResumeTask re-dispatches a task's worker (and supervisor, if configured)
// without rewriting its prompt. Used by the chat router's recovery-reply
// handling (spec.md §4.9 step 5: "yes" resumes every recovery-pending task
// matching the chat).
func (s *Server) ResumeTask(ctx context.Context, taskID string) error {
	task, err := s.cfg.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return s.startAndRun(ctx, task)
}

// ApproveTask starts a proposed task's worker/supervisor and transitions it
// into running. The orchestrator-level tasks_approve tool and the chat
// router's proposal-reply handling (spec.md §4.9 step 7) share this path.
func (s *Server) ApproveTask(ctx context.Context, taskID string) error {
	task, err := s.cfg.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != taskstore.StatusProposed {
		return fmt.Errorf("task %s is not proposed (status=%s)", taskID, task.Status)
	}
	if err := s.cfg.Tasks.UpdateStatus(ctx, taskID, taskstore.StatusPending); err != nil {
		return err
	}
	return s.startAndRun(ctx, task)
}

// CancelTask stops a task's processes and transitions it to cancelled,
// firing the on-complete hook exactly as the tasks_cancel tool does. Shared
// by the chat router's recovery/retry/proposal decline paths.
func (s *Server) CancelTask(ctx context.Context, taskID string) error {
	if err := s.cfg.Tasks.UpdateStatus(ctx, taskID, taskstore.StatusCancelled); err != nil {
		return err
	}
	s.stopTaskProcesses(taskID)
	go s.runOnCompleteHook(taskID, "was cancelled")
	return nil
}
