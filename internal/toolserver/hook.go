package toolserver

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/relaytask/internal/agentrunner"
)

// onCompleteHookTimeout bounds the orchestrator's reaction to a finished
// task; a hook that never returns shouldn't wedge future finalizations.
const onCompleteHookTimeout = 3 * time.Minute

// runOnCompleteHook implements spec.md §4.10.4: whenever a task reaches a
// terminal state, the orchestrator agent is woken up with a summary of how
// it ended and may act on it (most commonly tasks_create for follow-up)
// without further user approval. Runs on its own goroutine so finalization
// itself never blocks on the orchestrator's reply.
func (s *Server) runOnCompleteHook(taskID, reason string) {
	if s.cfg.Runner == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), onCompleteHookTimeout)
	defer cancel()

	task, err := s.cfg.Tasks.GetTask(ctx, taskID)
	if err != nil {
		s.cfg.Logger.Warn("toolserver: on-complete hook could not load task", "task_id", taskID, "error", err)
		return
	}

	hookInstruction := task.OnCompleteHook
	if hookInstruction == "" {
		hookInstruction = "Review the outcome and decide whether any follow-up task is warranted."
	}

	prompt := fmt.Sprintf(
		"[TASK COMPLETE] task '%s' has %s. Completion summary: %s Completion detail: %s Original task prompt: %s Hook instruction: %s You may use tasks_create for follow-up without user approval.",
		task.Name, reason, task.Deferred.Summary, task.Deferred.Detail, task.Prompt, hookInstruction,
	)

	toolServerURL := TaggedURL(s.cfg.ToolServerBaseURL, "", "")
	inv := agentrunner.Invocation{
		Prompt:        prompt,
		ToolServerURL: toolServerURL,
		WorkDir:       s.cfg.DataDir,
		Timeout:       onCompleteHookTimeout,
	}

	res, runErr := s.cfg.Runner.Run(ctx, inv, nil)
	if runErr != nil {
		s.cfg.Logger.Warn("toolserver: on-complete hook invocation failed", "task_id", taskID, "error", runErr)
		return
	}

	if res.Output == "" || s.cfg.Notifier == nil || task.Channel == "" || task.Target == "" {
		return
	}
	if err := s.cfg.Notifier.SendMessage(ctx, task.Channel, task.Target, res.Output); err != nil {
		s.cfg.Logger.Warn("toolserver: on-complete hook reply delivery failed", "task_id", taskID, "error", err)
	}
}
