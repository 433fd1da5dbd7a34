package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/relaytask/internal/eventstream"
	"github.com/basket/relaytask/internal/taskstore"
)

func init() {
	propsSchema := `{
		"type":"object",
		"properties":{
			"name":{"type":"string"},
			"prompt":{"type":"string"},
			"channel":{"type":"string"},
			"target":{"type":"string"},
			"service_url":{"type":"string"},
			"plan":{"type":"string"},
			"supervisor_instructions":{"type":"string"},
			"supervisor_check_seconds":{"type":"integer"},
			"auto_supervise":{"type":"boolean"},
			"on_complete_hook":{"type":"string"}
		},
		"required":["name","prompt","channel","target"]
	}`
	registerTool("tasks_propose", "Propose a new task awaiting approval.", propsSchema, toolTasksPropose)
	registerTool("tasks_create", "Create and immediately dispatch a new task, no approval required.", propsSchema, toolTasksCreate)
	registerTool("tasks_approve", "Approve a proposed task, starting its worker (and supervisor, if configured).", `{"type":"object","properties":{"task_id":{"type":"string"}},"required":["task_id"]}`, toolTasksApprove)
	registerTool("tasks_list", "List active and proposed tasks, plus the 10 most recent terminal ones.", "", toolTasksList)
	registerTool("tasks_status", "Get a task's detailed status plus a concise timeline.", `{"type":"object","properties":{"task_id":{"type":"string"}},"required":["task_id"]}`, toolTasksStatus)
	registerTool("tasks_logs", "Read a task's logs from a selectable source.", `{
		"type":"object",
		"properties":{"task_id":{"type":"string"},"source":{"type":"string","enum":["combined","worker","supervisor","activity","events"]},"limit":{"type":"integer"}},
		"required":["task_id"]
	}`, toolTasksLogs)
	registerTool("tasks_send", "Send a downward message to a task.", `{
		"type":"object",
		"properties":{"task_id":{"type":"string"},"type":{"type":"string"},"content":{"type":"string"}},
		"required":["task_id","type","content"]
	}`, toolTasksSend)
	registerTool("tasks_cancel", "Cancel a task and stop its subprocesses.", `{"type":"object","properties":{"task_id":{"type":"string"}},"required":["task_id"]}`, toolTasksCancel)
	registerTool("tasks_clear_all", "Delete every terminal task.", "", toolTasksClearAll)
}

type taskArgs struct {
	Name                   string `json:"name"`
	Prompt                 string `json:"prompt"`
	Channel                string `json:"channel"`
	Target                 string `json:"target"`
	ServiceURL             string `json:"service_url"`
	Plan                   string `json:"plan"`
	SupervisorInstructions string `json:"supervisor_instructions"`
	SupervisorCheckSeconds int    `json:"supervisor_check_seconds"`
	AutoSupervise          bool   `json:"auto_supervise"`
	OnCompleteHook         string `json:"on_complete_hook"`
}

func (a taskArgs) config() taskstore.TaskConfig {
	return taskstore.TaskConfig{
		Plan:                   a.Plan,
		SupervisorInstructions: a.SupervisorInstructions,
		SupervisorCheckSeconds: a.SupervisorCheckSeconds,
		AutoSupervise:          a.AutoSupervise,
		OnCompleteHook:         a.OnCompleteHook,
	}
}

func toolTasksPropose(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	var in taskArgs
	if err := argsOf(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if existing, found, err := s.cfg.Tasks.FindActiveOrProposedByName(ctx, in.Name); err == nil && found {
		return nil, fmt.Errorf("a task named %q is already active or proposed (task_id=%s)", in.Name, existing.TaskID)
	}
	task, err := s.cfg.Tasks.CreateTask(ctx, in.Name, in.Prompt, in.Channel, in.Target, in.ServiceURL, taskstore.StatusProposed)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Tasks.ApplyConfig(ctx, task.TaskID, in.config()); err != nil {
		return nil, err
	}
	return map[string]any{"task_id": task.TaskID, "status": string(task.Status)}, nil
}

func toolTasksCreate(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	var in taskArgs
	if err := argsOf(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	task, err := s.cfg.Tasks.CreateTask(ctx, in.Name, in.Prompt, in.Channel, in.Target, in.ServiceURL, taskstore.StatusPending)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Tasks.ApplyConfig(ctx, task.TaskID, in.config()); err != nil {
		return nil, err
	}
	task.Plan, task.SupervisorInstructions, task.SupervisorCheckSeconds, task.AutoSupervise, task.OnCompleteHook =
		in.Plan, in.SupervisorInstructions, in.SupervisorCheckSeconds, in.AutoSupervise, in.OnCompleteHook

	if err := s.startAndRun(ctx, task); err != nil {
		return nil, err
	}
	return map[string]any{"task_id": task.TaskID, "status": string(taskstore.StatusRunning)}, nil
}

func toolTasksApprove(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	var in struct {
		TaskID string `json:"task_id"`
	}
	if err := argsOf(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if err := s.ApproveTask(ctx, in.TaskID); err != nil {
		return nil, err
	}
	return map[string]any{"task_id": in.TaskID, "status": string(taskstore.StatusRunning)}, nil
}

// startAndRun dispatches a task's processes and transitions it into running.
func (s *Server) startAndRun(ctx context.Context, task taskstore.Task) error {
	if err := s.dispatchTask(ctx, task); err != nil {
		return err
	}
	return s.cfg.Tasks.UpdateStatus(ctx, task.TaskID, taskstore.StatusRunning)
}

// CreateAndDispatch creates a new task and immediately starts its worker,
// the same path toolTasksCreate uses for a chat-originated "tasks_create"
// call. Exported for the scheduler's job deliverer (internal/scheduler),
// which creates tasks from a "deliverable" or "continuous_tick" job payload
// instead of a tool call.
func (s *Server) CreateAndDispatch(ctx context.Context, name, prompt, channel, target, serviceURL string) (taskstore.Task, error) {
	task, err := s.cfg.Tasks.CreateTask(ctx, name, prompt, channel, target, serviceURL, taskstore.StatusPending)
	if err != nil {
		return taskstore.Task{}, err
	}
	if err := s.startAndRun(ctx, task); err != nil {
		return taskstore.Task{}, err
	}
	return task, nil
}

func toolTasksList(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	return s.cfg.Tasks.ListTasks(ctx)
}

func toolTasksStatus(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	var in struct {
		TaskID string `json:"task_id"`
	}
	if err := argsOf(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	task, err := s.cfg.Tasks.GetTask(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}
	timeline, err := s.cfg.Tasks.Timeline(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}
	concise := make([]string, 0, len(timeline))
	for _, e := range timeline {
		concise = append(concise, fmt.Sprintf("%s [%s] %s", e.Timestamp.Format("15:04:05"), e.EventKind, e.Summary))
	}
	return map[string]any{"task": task, "timeline": concise}, nil
}

func toolTasksLogs(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	var in struct {
		TaskID string `json:"task_id"`
		Source string `json:"source"`
		Limit  int    `json:"limit"`
	}
	if err := argsOf(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if in.Source == "" {
		in.Source = "combined"
	}
	workDir := s.cfg.Tasks.WorkDir(in.TaskID)

	switch in.Source {
	case "events":
		stream, err := eventstream.Open(workDir)
		if err != nil {
			return nil, err
		}
		defer stream.Close()
		limit := in.Limit
		if limit <= 0 {
			limit = 100
		}
		return stream.Tail(limit)
	case "worker":
		return readLogFile(filepath.Join(workDir, "worker.log"), in.Limit)
	case "supervisor":
		return readLogFile(filepath.Join(workDir, "supervisor.log"), in.Limit)
	case "activity":
		return readLogFile(filepath.Join(filepath.Dir(workDir), "activity.log"), in.Limit)
	default:
		return s.cfg.Tasks.ReadLog(in.TaskID, in.Limit)
	}
}

func readLogFile(path string, limit int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}

func toolTasksSend(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	var in struct {
		TaskID  string `json:"task_id"`
		Type    string `json:"type"`
		Content string `json:"content"`
	}
	if err := argsOf(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	task, err := s.cfg.Tasks.GetTask(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}

	if (in.Type == taskstore.MsgInstruction || in.Type == taskstore.MsgRedirect) && taskstore.IsTerminal(task.Status) {
		return s.autoResume(ctx, task, in.Content)
	}

	msg, err := s.cfg.Tasks.SendMessage(ctx, in.TaskID, in.Type, in.Content, taskstore.TierOrchestrator)
	if err != nil {
		return nil, err
	}
	if in.Type == taskstore.MsgCancel {
		s.stopTaskProcesses(in.TaskID)
	}
	return map[string]any{"msg_id": msg.MsgID, "resumed": false}, nil
}

// autoResume rewrites a terminal task's prompt as a continuation and
// re-dispatches it, per spec.md §4.10.5.
func (s *Server) autoResume(ctx context.Context, task taskstore.Task, newInstructions string) (any, error) {
	prompt := continuationPrompt(task.Name, task.Prompt, newInstructions)
	if err := s.cfg.Tasks.SetPrompt(ctx, task.TaskID, prompt); err != nil {
		return nil, err
	}
	s.stopTaskProcesses(task.TaskID)

	task.Prompt = prompt
	task.Status = taskstore.StatusPending
	if err := s.cfg.Tasks.UpdateStatus(ctx, task.TaskID, taskstore.StatusPending); err != nil {
		return nil, err
	}
	if err := s.startAndRun(ctx, task); err != nil {
		return nil, err
	}
	return map[string]any{"resumed": true}, nil
}

func toolTasksCancel(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	var in struct {
		TaskID string `json:"task_id"`
	}
	if err := argsOf(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if err := s.CancelTask(ctx, in.TaskID); err != nil {
		return nil, err
	}
	return map[string]any{"cancelled": true}, nil
}

func toolTasksClearAll(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	n, err := s.cfg.Tasks.ClearTerminal(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"cleared": n}, nil
}
