package chatrouter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/relaytask/internal/execpolicy"
	"github.com/basket/relaytask/internal/taskstore"
)

// handleSlash dispatches a leading-"/" command. The bool return reports
// whether text was a recognized slash command at all — an unrecognized
// one falls through to quick-ping/authorization/free-text handling, the
// same as the teacher's router treats any line that isn't one of its
// known prefixes.
func (r *Router) handleSlash(ctx context.Context, req ChatRequest, text, rid string) (ChatResponse, bool) {
	switch {
	case text == "/whoami":
		return ChatResponse{Text: fmt.Sprintf("%s:%s", req.Channel, req.SenderID)}, true

	case text == "/status":
		return r.cmdStatus(ctx), true

	case text == "/help":
		return cmdHelp(), true

	case text == "/tasks":
		return r.cmdTasks(ctx), true

	case strings.HasPrefix(text, "/task "):
		return r.cmdTaskDetail(ctx, strings.TrimSpace(strings.TrimPrefix(text, "/task "))), true

	case text == "/proposed":
		return r.cmdProposed(ctx), true

	case strings.HasPrefix(text, "/logs "):
		return r.cmdLogs(ctx, strings.TrimSpace(strings.TrimPrefix(text, "/logs "))), true

	case text == "/jobs":
		return r.cmdJobs(), true

	case strings.HasPrefix(text, "/job "):
		return r.cmdJobDetail(strings.TrimSpace(strings.TrimPrefix(text, "/job "))), true

	case strings.HasPrefix(text, "/cancel "):
		return r.cmdCancel(ctx, strings.TrimSpace(strings.TrimPrefix(text, "/cancel "))), true

	case strings.HasPrefix(text, "/exec "):
		return r.cmdExec(ctx, req, strings.TrimPrefix(text, "/exec "), rid), true

	case text == "/restart" || strings.HasPrefix(text, "/restart "):
		return r.cmdRestart(req, strings.TrimSpace(strings.TrimPrefix(text, "/restart")), rid), true

	case text == "/update" || strings.HasPrefix(text, "/update "):
		return r.cmdUpdate(req), true
	}
	return ChatResponse{}, false
}

func cmdHelp() ChatResponse {
	return ChatResponse{Text: strings.Join([]string{
		"Available commands:",
		"",
		"Status & info:",
		"/status — orchestrator and worker-pool health",
		"/whoami — show your channel:sender_id",
		"/help — this message",
		"",
		"Tasks:",
		"/tasks — list active and proposed tasks",
		"/task <id> — detailed status and timeline",
		"/proposed — proposals awaiting approval",
		"/logs <id> — recent worker output",
		"/cancel <id> — cancel a task or job",
		"",
		"Jobs:",
		"/jobs — list scheduled jobs",
		"/job <id> — job details",
		"",
		"Admin (requires pairing):",
		"/exec <cmd> — run a shell command under the execution policy",
		"/restart [reason] — restart the orchestrator",
		"/update — check for updates",
		"",
		"Anything else is sent to the orchestrator's own agent as free text.",
	}, "\n")}
}

func (r *Router) cmdStatus(ctx context.Context) ChatResponse {
	lines := []string{"orchestrator: ok"}
	if r.cfg.Pool != nil {
		status := r.cfg.Pool.Status()
		workers, supervisors := 0, 0
		for _, roles := range status {
			for _, role := range roles {
				switch role {
				case "worker":
					workers++
				case "supervisor":
					supervisors++
				}
			}
		}
		lines = append(lines, fmt.Sprintf("workers running: %d", workers), fmt.Sprintf("supervisors running: %d", supervisors))
	}
	if r.cfg.Tasks != nil {
		tasks, err := r.cfg.Tasks.ListTasks(ctx)
		if err == nil {
			active, proposed := 0, 0
			for _, t := range tasks {
				switch t.Status {
				case taskstore.StatusProposed:
					proposed++
				case taskstore.StatusPending, taskstore.StatusRunning, taskstore.StatusPaused, taskstore.StatusNeedsInput:
					active++
				}
			}
			lines = append(lines, fmt.Sprintf("tasks: %d active, %d proposed", active, proposed))
		}
	}
	return ChatResponse{Text: strings.Join(lines, "\n")}
}

func (r *Router) cmdTasks(ctx context.Context) ChatResponse {
	if r.cfg.Tasks == nil {
		return ChatResponse{Text: "Task store not available."}
	}
	tasks, err := r.cfg.Tasks.ListTasks(ctx)
	if err != nil {
		return ChatResponse{Text: fmt.Sprintf("Failed to list tasks: %v", err)}
	}
	var lines []string
	for _, t := range tasks {
		if taskstore.IsTerminal(t.Status) {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s (%s) — %s, created %s", t.Name, t.TaskID, t.Status, timeAgo(t.CreatedAt)))
	}
	if len(lines) == 0 {
		return ChatResponse{Text: "No active or proposed tasks."}
	}
	return ChatResponse{Text: fmt.Sprintf("%d task(s):\n%s", len(lines), strings.Join(lines, "\n"))}
}

func (r *Router) cmdTaskDetail(ctx context.Context, taskID string) ChatResponse {
	if r.cfg.Tasks == nil {
		return ChatResponse{Text: "Task store not available."}
	}
	task, err := r.cfg.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return ChatResponse{Text: fmt.Sprintf("Task not found: %s", taskID)}
	}
	timeline, _ := r.cfg.Tasks.Timeline(ctx, taskID)
	workerState, supervisorState := "n/a", "n/a"
	if r.cfg.Pool != nil {
		if w, ok := r.cfg.Pool.GetWorker(taskID); ok {
			workerState = runningLabel(w.Running())
		}
		if s, ok := r.cfg.Pool.GetSupervisor(taskID); ok {
			supervisorState = runningLabel(s.Running())
		}
	}
	lines := []string{
		fmt.Sprintf("task %q (%s)", task.Name, task.TaskID),
		fmt.Sprintf("status: %s", task.Status),
		fmt.Sprintf("created: %s", timeAgo(task.CreatedAt)),
		fmt.Sprintf("worker: %s  supervisor: %s", workerState, supervisorState),
	}
	if n := 10; len(timeline) > 0 {
		if len(timeline) < n {
			n = len(timeline)
		}
		lines = append(lines, "", "timeline (last "+fmt.Sprint(n)+"):")
		for _, e := range timeline[len(timeline)-n:] {
			lines = append(lines, fmt.Sprintf("  %s [%s] %s", e.Timestamp.Format("15:04:05"), e.EventKind, e.Summary))
		}
	}
	return ChatResponse{Text: strings.Join(lines, "\n")}
}

func runningLabel(running bool) string {
	if running {
		return "running"
	}
	return "stopped"
}

func (r *Router) cmdProposed(ctx context.Context) ChatResponse {
	if r.cfg.Tasks == nil {
		return ChatResponse{Text: "Task store not available."}
	}
	tasks, err := r.cfg.Tasks.ListTasks(ctx)
	if err != nil {
		return ChatResponse{Text: fmt.Sprintf("Failed to list tasks: %v", err)}
	}
	var lines []string
	for _, t := range tasks {
		if t.Status != taskstore.StatusProposed {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s (%s) — proposed %s", t.Name, t.TaskID, timeAgo(t.CreatedAt)))
	}
	if len(lines) == 0 {
		return ChatResponse{Text: "No pending proposals."}
	}
	return ChatResponse{Text: fmt.Sprintf("%d proposal(s) awaiting approval:\n%s", len(lines), strings.Join(lines, "\n"))}
}

func (r *Router) cmdLogs(ctx context.Context, taskID string) ChatResponse {
	if r.cfg.Tasks == nil {
		return ChatResponse{Text: "Task store not available."}
	}
	task, err := r.cfg.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return ChatResponse{Text: fmt.Sprintf("Task not found: %s", taskID)}
	}
	lines, err := r.cfg.Tasks.ReadLog(taskID, 50)
	if err != nil || len(lines) == 0 {
		return ChatResponse{Text: fmt.Sprintf("No logs yet for %q (%s)", task.Name, taskID)}
	}
	logs := strings.Join(lines, "\n")
	if len(logs) > 3500 {
		logs = "… (truncated)\n" + logs[len(logs)-3500:]
	}
	return ChatResponse{Text: fmt.Sprintf("logs for %q:\n%s", task.Name, logs)}
}

func (r *Router) cmdJobs() ChatResponse {
	if r.cfg.Jobs == nil {
		return ChatResponse{Text: "Scheduler not available."}
	}
	var lines []string
	for _, j := range r.cfg.Jobs.List() {
		if j.Cancelled || j.CompletedAt != nil {
			continue
		}
		recurring := "one-shot"
		if j.CronExpr != "" {
			recurring = "cron " + j.CronExpr
		}
		lines = append(lines, fmt.Sprintf("%s (%s) — next %s (%s)", j.Name, j.JobID, j.RunAt.Format(time.RFC3339), recurring))
	}
	if len(lines) == 0 {
		return ChatResponse{Text: "No active jobs."}
	}
	return ChatResponse{Text: fmt.Sprintf("%d active job(s):\n%s", len(lines), strings.Join(lines, "\n"))}
}

func (r *Router) cmdJobDetail(jobID string) ChatResponse {
	if r.cfg.Jobs == nil {
		return ChatResponse{Text: "Scheduler not available."}
	}
	for _, j := range r.cfg.Jobs.List() {
		if j.JobID != jobID {
			continue
		}
		status := "scheduled"
		if j.Cancelled {
			status = "cancelled"
		} else if j.CompletedAt != nil {
			status = "completed"
		}
		lines := []string{
			fmt.Sprintf("job %q (%s)", j.Name, j.JobID),
			fmt.Sprintf("status: %s", status),
			fmt.Sprintf("next run: %s", j.RunAt.Format(time.RFC3339)),
		}
		if j.CronExpr != "" {
			lines = append(lines, fmt.Sprintf("cron: %s", j.CronExpr))
		}
		if prompt, ok := j.Payload["prompt"].(string); ok {
			lines = append(lines, fmt.Sprintf("prompt: %s", prompt))
		}
		channel, _ := j.Payload["channel"].(string)
		target, _ := j.Payload["target"].(string)
		lines = append(lines, fmt.Sprintf("deliver to: %s:%s", channel, target))
		return ChatResponse{Text: strings.Join(lines, "\n")}
	}
	return ChatResponse{Text: fmt.Sprintf("Job not found: %s", jobID)}
}

func (r *Router) cmdCancel(ctx context.Context, targetID string) ChatResponse {
	if r.cfg.Tasks != nil {
		if task, err := r.cfg.Tasks.GetTask(ctx, targetID); err == nil {
			if taskstore.IsTerminal(task.Status) {
				return ChatResponse{Text: fmt.Sprintf("Task %q is already %s.", task.Name, task.Status)}
			}
			if r.cfg.Dispatcher != nil {
				if err := r.cfg.Dispatcher.CancelTask(ctx, targetID); err != nil {
					return ChatResponse{Text: fmt.Sprintf("Failed to cancel task: %v", err)}
				}
			}
			return ChatResponse{Text: fmt.Sprintf("Cancelled task %q (%s)", task.Name, targetID)}
		}
	}
	if r.cfg.Jobs != nil {
		if err := r.cfg.Jobs.Cancel(targetID); err == nil {
			return ChatResponse{Text: fmt.Sprintf("Cancelled job %s", targetID)}
		}
	}
	return ChatResponse{Text: fmt.Sprintf("Not found: %s\n\nUse /tasks or /jobs to see valid ids.", targetID)}
}

// cmdExec runs a shell command under the execution policy. Guarded by the
// allowlist, per spec.md §4.9 step 2.
func (r *Router) cmdExec(ctx context.Context, req ChatRequest, cmd, rid string) ChatResponse {
	if !r.authorized(req) {
		return ChatResponse{Text: "Not authorized.", Status: "denied"}
	}
	if r.cfg.Policy == nil {
		return ChatResponse{Text: "Execution policy not configured."}
	}
	res, err := execpolicy.RunCommand(ctx, r.cfg.Policy, cmd, 60*time.Second, "")
	r.cfg.Logger.Info("chat exec", "request_id", rid, "command", cmd, "error", err)
	if err != nil {
		return ChatResponse{Text: fmt.Sprintf("Error: %v", err)}
	}
	out := res.Stdout
	if res.Stderr != "" {
		out += "\n" + res.Stderr
	}
	return ChatResponse{Text: strings.TrimSpace(out)}
}

// cmdRestart asks the host process to restart. Guarded by the allowlist.
func (r *Router) cmdRestart(req ChatRequest, reason, rid string) ChatResponse {
	if !r.authorized(req) {
		return ChatResponse{Text: "Not authorized.", Status: "denied"}
	}
	if reason == "" {
		reason = "requested via /restart"
	}
	if r.cfg.RestartFunc == nil {
		return ChatResponse{Text: "Restart not available — no restart hook configured."}
	}
	r.cfg.Logger.Info("chat restart requested", "request_id", rid, "reason", reason)
	go r.cfg.RestartFunc(reason)
	return ChatResponse{Text: "Restarting. The orchestrator will be back online shortly."}
}

// cmdUpdate is a guarded stub: update/backup plumbing is out of scope here
// per spec.md §1's "installer/update plumbing" exclusion. Guarded by the
// same allowlist as /exec and /restart since it sits under the "Admin"
// section of /help.
func (r *Router) cmdUpdate(req ChatRequest) ChatResponse {
	if !r.authorized(req) {
		return ChatResponse{Text: "Not authorized.", Status: "denied"}
	}
	return ChatResponse{Text: "Update checks are not available in this deployment."}
}

// authorized reports whether req's sender passes the allowlist, used by
// the three privileged slash commands (§4.9 step 2's "guarded by
// allowlist" language).
func (r *Router) authorized(req ChatRequest) bool {
	return r.cfg.Pairing != nil && r.cfg.Pairing.IsAuthorized(req.Channel, req.SenderID)
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours())/24)
	}
}
