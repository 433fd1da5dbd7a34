package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basket/relaytask/internal/taskstore"
)

// deferredFinalizeGrace is how long an unresolved deferred completion is
// left before the watchdog auto-finalizes it, per spec.md §4.10.3.
const deferredFinalizeGrace = 5 * time.Minute

var (
	negativeKeywords = []string{"truncated", "incomplete", "missing", "error", "failed", "cannot", "lack", "absent", "broken", "wrong"}
	positiveKeywords = []string{"verified", "looks good", "complete", "success", "correct", "passed", "ok", "done", "finished", "created", "built", "working"}
)

func init() {
	reportSchema := `{
		"type":"object",
		"properties":{
			"type":{"type":"string"},
			"summary":{"type":"string"},
			"detail":{"type":"string"},
			"artifact_url":{"type":"string"}
		},
		"required":["type","summary"]
	}`
	registerTool("task_report", "Report upward: progress, completion, failure, or a question.", reportSchema, toolTaskReport)
	registerTool("task_check_inbox", "Check for pending downward messages.", `{"type":"object","properties":{"acknowledge":{"type":"boolean"}}}`, toolTaskCheckInbox)
	registerTool("task_set_status", "Transition the task's status.", `{"type":"object","properties":{"status":{"type":"string"}},"required":["status"]}`, toolTaskSetStatus)
	registerTool("task_get_context", "Get the task's prompt, plan, and supervisor instructions.", "", toolTaskGetContext)
	registerTool("task_read_peer", "Supervisor-only: read the worker's logs, with a status header.", `{"type":"object","properties":{"limit":{"type":"integer"}}}`, toolTaskReadPeer)
	registerTool("task_send_input", "Supervisor-only: send feedback to the worker, re-dispatching it if it has exited.", `{
		"type":"object","properties":{"content":{"type":"string"}},"required":["content"]
	}`, toolTaskSendInput)
}

func fromTierOf(cc callCtx) taskstore.Tier {
	if cc.role == "supervisor" {
		return taskstore.TierSupervisor
	}
	return taskstore.TierWorker
}

func toolTaskReport(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	if cc.taskID == "" {
		return nil, fmt.Errorf("task_report requires a task_id-scoped call")
	}
	var in struct {
		Type        string `json:"type"`
		Summary     string `json:"summary"`
		Detail      string `json:"detail"`
		ArtifactURL string `json:"artifact_url"`
	}
	if err := argsOf(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	task, err := s.cfg.Tasks.GetTask(ctx, cc.taskID)
	if err != nil {
		return nil, err
	}

	if cc.role == "worker" && in.Type == taskstore.MsgCompleted && task.AutoSupervise && s.supervisorRunning(cc.taskID) {
		if _, err := s.cfg.Tasks.HandleReport(ctx, cc.taskID, taskstore.MsgProgress, "Awaiting supervisor verification", in.Summary+"\n"+in.Detail, "", taskstore.TierWorker); err != nil {
			return nil, err
		}
		if err := s.cfg.Tasks.SetDeferred(ctx, cc.taskID, in.Summary, in.Detail); err != nil {
			return nil, err
		}
		s.cfg.Pool.RequestSupervisorCheck(cc.taskID)
		s.scheduleDeferredWatchdog(cc.taskID)
		return map[string]any{"status": "deferred"}, nil
	}

	msg, err := s.cfg.Tasks.HandleReport(ctx, cc.taskID, in.Type, in.Summary, in.Detail, in.ArtifactURL, fromTierOf(cc))
	if err != nil {
		return nil, err
	}

	if cc.role == "supervisor" && task.Deferred.Pending {
		if err := s.evaluateDeferredSupervisorReport(ctx, cc.taskID, in.Type, in.Summary, in.Detail); err != nil {
			s.cfg.Logger.Warn("toolserver: evaluate deferred supervisor report failed", "task_id", cc.taskID, "error", err)
		}
	} else if refreshed, gerr := s.cfg.Tasks.GetTask(ctx, cc.taskID); gerr == nil && taskstore.IsTerminal(refreshed.Status) {
		s.finalize(ctx, cc.taskID, "report finalized the task")
	}

	return map[string]any{"msg_id": msg.MsgID, "status": "ok"}, nil
}

func (s *Server) supervisorRunning(taskID string) bool {
	if s.cfg.Pool == nil {
		return false
	}
	sup, ok := s.cfg.Pool.GetSupervisor(taskID)
	return ok && sup.Running()
}

func (s *Server) workerRunning(taskID string) bool {
	if s.cfg.Pool == nil {
		return false
	}
	w, ok := s.cfg.Pool.GetWorker(taskID)
	return ok && w.Running()
}

// scheduleDeferredWatchdog auto-finalizes a deferred completion after
// deferredFinalizeGrace if it's still pending with the same timestamp,
// preventing infinite deferral per spec.md §4.10.3.
func (s *Server) scheduleDeferredWatchdog(taskID string) {
	time.AfterFunc(deferredFinalizeGrace, func() {
		ctx := context.Background()
		task, err := s.cfg.Tasks.GetTask(ctx, taskID)
		if err != nil || !task.Deferred.Pending {
			return
		}
		deferredAt := task.Deferred.At
		latest, err := s.cfg.Tasks.GetTask(ctx, taskID)
		if err != nil || !latest.Deferred.Pending || !latest.Deferred.At.Equal(deferredAt) {
			return
		}
		s.finalize(ctx, taskID, "auto-finalized by watchdog")
	})
}

// evaluateDeferredSupervisorReport applies §4.10.3's supervisor-report
// finalization rules to a deferred-completion task.
func (s *Server) evaluateDeferredSupervisorReport(ctx context.Context, taskID, msgType, summary, detail string) error {
	if s.workerRunning(taskID) {
		return nil
	}
	switch msgType {
	case taskstore.MsgCompleted:
		s.finalize(ctx, taskID, "supervisor confirmed completion")
		return nil
	case taskstore.MsgAssessment:
		text := strings.ToLower(summary + " " + detail)
		hasNegative := containsAny(text, negativeKeywords)
		hasPositive := containsAny(text, positiveKeywords)
		switch {
		case hasPositive && !hasNegative:
			s.finalize(ctx, taskID, fmt.Sprintf("Supervisor verified completion: %s", summary))
		case hasNegative:
			// do not finalize
		default:
			task, err := s.cfg.Tasks.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			if task.SupervisorAssessments >= 2 {
				s.finalize(ctx, taskID, fmt.Sprintf("Auto-finalized after %d assessments", task.SupervisorAssessments))
			}
		}
	}
	return nil
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// finalize transitions a task to completed, resets deferral/assessment
// bookkeeping, stops its subprocesses, cancels its scheduled checks, and
// fires the on-complete hook, per spec.md §4.10.3's "any finalization" rule.
func (s *Server) finalize(ctx context.Context, taskID, note string) {
	if err := s.cfg.Tasks.UpdateStatus(ctx, taskID, taskstore.StatusCompleted); err != nil {
		s.cfg.Logger.Warn("toolserver: finalize status update failed", "task_id", taskID, "error", err)
	}
	_ = s.cfg.Tasks.ClearDeferred(ctx, taskID)
	_ = s.cfg.Tasks.AppendTimelineEvent(ctx, taskID, "finalized", note, "")
	s.stopTaskProcesses(taskID)
	go s.runOnCompleteHook(taskID, note)
}

func toolTaskCheckInbox(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	if cc.taskID == "" {
		return nil, fmt.Errorf("task_check_inbox requires a task_id-scoped call")
	}
	var in struct {
		Acknowledge bool `json:"acknowledge"`
	}
	_ = argsOf(args, &in)
	return s.cfg.Tasks.CheckInbox(ctx, cc.taskID, in.Acknowledge)
}

func toolTaskSetStatus(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	if cc.taskID == "" {
		return nil, fmt.Errorf("task_set_status requires a task_id-scoped call")
	}
	var in struct {
		Status string `json:"status"`
	}
	if err := argsOf(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if err := s.cfg.Tasks.UpdateStatus(ctx, cc.taskID, taskstore.Status(in.Status)); err != nil {
		return nil, err
	}
	return map[string]any{"status": in.Status}, nil
}

func toolTaskGetContext(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	if cc.taskID == "" {
		return nil, fmt.Errorf("task_get_context requires a task_id-scoped call")
	}
	task, err := s.cfg.Tasks.GetTask(ctx, cc.taskID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"prompt":                  task.Prompt,
		"plan":                    task.Plan,
		"supervisor_instructions": task.SupervisorInstructions,
		"status":                  string(task.Status),
	}, nil
}

func toolTaskReadPeer(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	if cc.taskID == "" || cc.role != "supervisor" {
		return nil, fmt.Errorf("task_read_peer is supervisor-only")
	}
	var in struct {
		Limit int `json:"limit"`
	}
	_ = argsOf(args, &in)

	task, err := s.cfg.Tasks.GetTask(ctx, cc.taskID)
	if err != nil {
		return nil, err
	}
	lines, err := readLogFile(task.WorkDir+"/worker.log", in.Limit)
	if err != nil {
		return nil, err
	}
	header := fmt.Sprintf("worker status: %s, running=%v, last_activity=%v", task.Status, s.workerRunning(cc.taskID), task.LastWorkerActivityAt)
	return map[string]any{"header": header, "log": lines}, nil
}

func toolTaskSendInput(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	if cc.taskID == "" || cc.role != "supervisor" {
		return nil, fmt.Errorf("task_send_input is supervisor-only")
	}
	var in struct {
		Content string `json:"content"`
	}
	if err := argsOf(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	if s.workerRunning(cc.taskID) {
		msg, err := s.cfg.Tasks.SendMessage(ctx, cc.taskID, taskstore.MsgInstruction, in.Content, taskstore.TierSupervisor)
		if err != nil {
			return nil, err
		}
		return map[string]any{"msg_id": msg.MsgID, "redispatched": false}, nil
	}

	task, err := s.cfg.Tasks.GetTask(ctx, cc.taskID)
	if err != nil {
		return nil, err
	}
	prompt := continuationPrompt(task.Name, task.Prompt, in.Content)
	if err := s.cfg.Tasks.SetPrompt(ctx, cc.taskID, prompt); err != nil {
		return nil, err
	}
	task.Prompt = prompt
	if err := s.dispatchTask(ctx, task); err != nil {
		return nil, err
	}
	return map[string]any{"redispatched": true}, nil
}
