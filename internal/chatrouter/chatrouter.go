// Package chatrouter normalizes inbound events from every chat channel into
// one ChatRequest and dispatches them against the shared task/job/session
// stores. Grounded on the teacher's internal/channels/telegram.go
// handleMessage path, generalized from a single hard-wired channel into the
// channel-agnostic contract every adapter in internal/channels calls into.
package chatrouter

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/basket/relaytask/internal/agentrunner"
	"github.com/basket/relaytask/internal/audit"
	"github.com/basket/relaytask/internal/execpolicy"
	"github.com/basket/relaytask/internal/pairing"
	"github.com/basket/relaytask/internal/scheduler"
	"github.com/basket/relaytask/internal/session"
	"github.com/basket/relaytask/internal/taskstore"
	"github.com/basket/relaytask/internal/workerpool"
	"github.com/google/uuid"
)

// ChatRequest is the channel-agnostic inbound message every adapter builds.
type ChatRequest struct {
	Channel    string
	SenderID   string
	ChatID     string
	Text       string
	ServiceURL string // Teams only
}

// ChatResponse is what the adapter sends back.
type ChatResponse struct {
	Text   string
	Status string // ok | denied | pairing | ignored | rejected
}

var (
	approvePattern = regexp.MustCompile(`(?i)^(yes|approve|go|👍|yep|yeah|do it|ok|confirmed?|resume)$`)
	rejectPattern  = regexp.MustCompile(`(?i)^(no|reject|cancel|👎|nope|nah|don'?t|stop)$`)
	pingBackRegex  = regexp.MustCompile(`(?i)^ping(?:\s+back)?\s+in\s+(\d+)\s*(?:s|sec|secs|second|seconds)$`)
)

// channelEnvVar maps a channel name to the env var an unauthorized sender
// should be told to edit, matching each adapter's config.ChannelConfig.
var channelEnvVar = map[string]string{
	"telegram": "TELEGRAM_ALLOWED_IDS",
	"teams":    "TEAMS_ALLOWED_IDS",
	"whatsapp": "WHATSAPP_ALLOWED_IDS",
	"signal":   "SIGNAL_ALLOWED_IDS",
	"slack":    "SLACK_ALLOWED_IDS",
}

// TaskDispatcher is the narrow slice of internal/toolserver.Server the
// router needs to re-dispatch, approve, or cancel a task, kept separate
// from toolserver's full surface so chatrouter doesn't import it.
type TaskDispatcher interface {
	ResumeTask(ctx context.Context, taskID string) error
	ApproveTask(ctx context.Context, taskID string) error
	CancelTask(ctx context.Context, taskID string) error
}

// Config holds the router's dependencies.
type Config struct {
	Tasks      *taskstore.Store
	Jobs       *scheduler.Store
	Sessions   *session.Store
	Pairing    *pairing.Store
	Policy     *execpolicy.LivePolicy
	Pool       *workerpool.Pool // optional, for /status and /task worker-state
	Dispatcher TaskDispatcher
	Runner     agentrunner.Runner

	SessionStateDir   string // scanned by agentrunner to discover a fresh session id
	ToolServerBaseURL string // tagged with ?task_id=&role=orchestrator for the brain's own calls
	CLITimeout        time.Duration
	HomeDir           string // for audit log tailing, unused directly here
	RestartFunc       func(reason string)

	Logger *slog.Logger
}

// Router dispatches ChatRequests against Config's stores.
type Router struct {
	cfg Config
}

// New builds a Router from cfg.
func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CLITimeout <= 0 {
		cfg.CLITimeout = 5 * time.Minute
	}
	return &Router{cfg: cfg}
}

// Route implements spec.md §4.9's eight-step contract.
func (r *Router) Route(ctx context.Context, req ChatRequest) ChatResponse {
	text := strings.TrimSpace(req.Text)
	rid := uuid.NewString()

	audit.Record("inbound", "chat.message", cmdKind(text), "", fmt.Sprintf("%s:%s", req.Channel, req.SenderID))
	r.cfg.Logger.Info("chat inbound", "request_id", rid, "channel", req.Channel, "sender_id", req.SenderID, "kind", cmdKind(text))

	if text == "" {
		return ChatResponse{Status: "ignored"}
	}

	// Slash commands dispatch before the authorization gate: everything
	// except /exec, /restart, /update is safe to answer to anyone, since
	// the reply only echoes state already visible to the requester (their
	// own id, task/job listings). Those three privileged commands check
	// the allowlist themselves.
	if strings.HasPrefix(text, "/") {
		if resp, handled := r.handleSlash(ctx, req, text, rid); handled {
			return resp
		}
	}

	// Quick ping — schedules a deliverable job, independent of authorization
	// (mirrors the teacher's ordering: cheap, side-effect-light, and useful
	// for a sender still awaiting pairing to confirm the bot is alive).
	if m := pingBackRegex.FindStringSubmatch(text); m != nil {
		return r.handlePing(req, m[1], rid)
	}

	// Authorization gate.
	if r.cfg.Pairing != nil && !r.cfg.Pairing.IsAuthorized(req.Channel, req.SenderID) {
		return ChatResponse{Text: unauthorizedMessage(req.Channel, req.SenderID), Status: "denied"}
	}

	if resp, handled := r.handleRecovery(ctx, req, text, rid); handled {
		return resp
	}
	if resp, handled := r.handleRetry(ctx, req, text, rid); handled {
		return resp
	}
	if resp, handled := r.handleProposal(ctx, req, text, rid); handled {
		return resp
	}

	return r.handleFreeText(ctx, req, text)
}

func cmdKind(text string) string {
	if strings.HasPrefix(text, "/") {
		return "slash"
	}
	return "chat"
}

func unauthorizedMessage(channel, sender string) string {
	envVar, ok := channelEnvVar[channel]
	if !ok {
		envVar = strings.ToUpper(channel) + "_ALLOWED_IDS"
	}
	return fmt.Sprintf(
		"You are not authorized to use this bot.\n\n"+
			"Your %s user id is: %s\n\n"+
			"To request access, add your id to %s in the configuration "+
			"and restart the orchestrator, or ask an existing operator to "+
			"run the pairing flow on your behalf.",
		channel, sender, envVar,
	)
}

// handlePing schedules a deliverable job for "ping back in N seconds".
func (r *Router) handlePing(req ChatRequest, secondsStr, rid string) ChatResponse {
	if r.cfg.Jobs == nil {
		return ChatResponse{Text: "Scheduler not available."}
	}
	seconds, err := strconv.Atoi(secondsStr)
	if err != nil {
		return ChatResponse{Text: "Invalid ping request."}
	}
	payload := map[string]any{
		"prompt":  "ping",
		"channel": req.Channel,
		"target":  req.ChatID,
	}
	if req.Channel == "teams" {
		payload["service_url"] = req.ServiceURL
	}
	if errs := scheduler.ValidatePayload(scheduler.PayloadDeliverable, payload); len(errs) > 0 {
		return ChatResponse{Text: fmt.Sprintf("Invalid ping request: %s", strings.Join(errs, ", "))}
	}
	job, err := r.cfg.Jobs.Schedule(fmt.Sprintf("ping-back-%s", req.SenderID), time.Now().Add(time.Duration(seconds)*time.Second), payload, "")
	if err != nil {
		return ChatResponse{Text: fmt.Sprintf("Failed to schedule ping: %v", err)}
	}
	r.cfg.Logger.Info("chat ping scheduled", "request_id", rid, "job_id", job.JobID, "delay_seconds", seconds)
	return ChatResponse{Text: fmt.Sprintf("Ping scheduled in %d seconds.", seconds)}
}

// handleRecovery implements step 5: resume or cancel every recovery-pending
// task matching this chat (falling back to every recovery-pending task if
// none match the chat specifically).
func (r *Router) handleRecovery(ctx context.Context, req ChatRequest, text, rid string) (ChatResponse, bool) {
	if r.cfg.Tasks == nil {
		return ChatResponse{}, false
	}
	tasks, err := r.cfg.Tasks.RecoveryPendingTasks(ctx, req.Channel, req.ChatID)
	if err != nil {
		r.cfg.Logger.Warn("recovery_pending_tasks lookup failed", "error", err)
		return ChatResponse{}, false
	}
	if len(tasks) == 0 {
		tasks, err = r.cfg.Tasks.RecoveryPendingTasks(ctx, "", "")
		if err != nil || len(tasks) == 0 {
			return ChatResponse{}, false
		}
	}

	lower := strings.ToLower(text)
	switch {
	case approvePattern.MatchString(text) || lower == "resume":
		names := make([]string, 0, len(tasks))
		for _, t := range tasks {
			if err := r.cfg.Tasks.ResolveRecovery(ctx, t.TaskID, true); err != nil {
				r.cfg.Logger.Warn("resolve recovery (resume) failed", "task_id", t.TaskID, "error", err)
				continue
			}
			if r.cfg.Dispatcher != nil {
				if err := r.cfg.Dispatcher.ResumeTask(ctx, t.TaskID); err != nil {
					r.cfg.Logger.Warn("resume recovery-pending task failed", "task_id", t.TaskID, "error", err)
				}
			}
			names = append(names, t.Name)
			r.cfg.Logger.Info("chat recovery resumed", "request_id", rid, "task_id", t.TaskID)
		}
		return ChatResponse{Text: fmt.Sprintf("Resumed %d task(s): %s", len(names), quoteJoin(names))}, true

	case rejectPattern.MatchString(text):
		names := make([]string, 0, len(tasks))
		for _, t := range tasks {
			if err := r.cfg.Tasks.ResolveRecovery(ctx, t.TaskID, false); err != nil {
				r.cfg.Logger.Warn("resolve recovery (cancel) failed", "task_id", t.TaskID, "error", err)
				continue
			}
			names = append(names, t.Name)
			r.cfg.Logger.Info("chat recovery cancelled", "request_id", rid, "task_id", t.TaskID)
		}
		return ChatResponse{Text: fmt.Sprintf("Cancelled %d stale task(s): %s", len(names), quoteJoin(names))}, true
	}
	return ChatResponse{}, false
}

// handleRetry implements step 6: approve/decline the latest pending-retry
// task for this chat.
func (r *Router) handleRetry(ctx context.Context, req ChatRequest, text, rid string) (ChatResponse, bool) {
	if r.cfg.Tasks == nil {
		return ChatResponse{}, false
	}
	task, found, err := r.cfg.Tasks.LatestPendingRetryForTarget(ctx, req.Channel, req.ChatID)
	if err != nil || !found {
		return ChatResponse{}, false
	}

	switch {
	case approvePattern.MatchString(text):
		if err := r.cfg.Tasks.ApproveRetry(ctx, task.TaskID); err != nil {
			return ChatResponse{Text: fmt.Sprintf("Failed to approve retry: %v", err)}, true
		}
		if r.cfg.Dispatcher != nil {
			if err := r.cfg.Dispatcher.ResumeTask(ctx, task.TaskID); err != nil {
				return ChatResponse{Text: fmt.Sprintf("Retry approved but restart failed: %v", err)}, true
			}
		}
		r.cfg.Logger.Info("chat retry approved", "request_id", rid, "task_id", task.TaskID)
		return ChatResponse{Text: fmt.Sprintf("Retry approved. Task %q is restarting.", task.Name)}, true

	case rejectPattern.MatchString(text):
		if err := r.cfg.Tasks.DeclineRetry(ctx, task.TaskID); err != nil {
			return ChatResponse{Text: fmt.Sprintf("Failed to decline retry: %v", err)}, true
		}
		r.cfg.Logger.Info("chat retry declined", "request_id", rid, "task_id", task.TaskID)
		return ChatResponse{Text: fmt.Sprintf("Retry declined. Task %q stays failed.", task.Name)}, true
	}
	return ChatResponse{}, false
}

// handleProposal implements step 7: approve/cancel the latest proposed
// task for this chat.
func (r *Router) handleProposal(ctx context.Context, req ChatRequest, text, rid string) (ChatResponse, bool) {
	if r.cfg.Tasks == nil {
		return ChatResponse{}, false
	}
	task, found, err := r.cfg.Tasks.LatestProposedForTarget(ctx, req.Channel, req.ChatID)
	if err != nil || !found {
		return ChatResponse{}, false
	}

	switch {
	case approvePattern.MatchString(text):
		if r.cfg.Dispatcher != nil {
			if err := r.cfg.Dispatcher.ApproveTask(ctx, task.TaskID); err != nil {
				return ChatResponse{Text: fmt.Sprintf("Failed to start task: %v", err)}, true
			}
		}
		r.cfg.Logger.Info("chat proposal approved", "request_id", rid, "task_id", task.TaskID)
		return ChatResponse{Text: fmt.Sprintf("Approved! Task %q is starting.", task.Name)}, true

	case rejectPattern.MatchString(text):
		if r.cfg.Dispatcher != nil {
			if err := r.cfg.Dispatcher.CancelTask(ctx, task.TaskID); err != nil {
				return ChatResponse{Text: fmt.Sprintf("Failed to cancel task: %v", err)}, true
			}
		}
		r.cfg.Logger.Info("chat proposal rejected", "request_id", rid, "task_id", task.TaskID)
		return ChatResponse{Text: fmt.Sprintf("Rejected. Task %q cancelled.", task.Name)}, true
	}
	return ChatResponse{}, false
}

const systemReminder = "\n\n[SYSTEM REMINDER: You are the ORCHESTRATOR. " +
	"For non-trivial work, use tasks_propose to dispatch a worker rather than doing it inline. " +
	"Never cancel or stop a task unless explicitly asked. " +
	"Never issue blocking, interactive, or input-waiting commands. " +
	"Respond once, then stop.]"

// handleFreeText implements step 8: resume the sender's stored agent
// session (retrying once with no resume id on a stale-session error),
// then persist whatever non-task-role session id the run discovers.
func (r *Router) handleFreeText(ctx context.Context, req ChatRequest, text string) ChatResponse {
	key := session.Key(req.Channel, req.SenderID)
	if r.cfg.Sessions != nil {
		_, _ = r.cfg.Sessions.Upsert(key)
	}

	var resumeID string
	if r.cfg.Sessions != nil {
		resumeID, _ = r.cfg.Sessions.GetAgentSessionID(key)
	}

	if r.cfg.Runner == nil {
		return ChatResponse{Text: "Brain not available."}
	}

	inv := agentrunner.Invocation{
		Prompt:    text + systemReminder,
		SessionID: resumeID,
		Timeout:   r.cfg.CLITimeout,
	}
	if r.cfg.ToolServerBaseURL != "" {
		inv.ToolServerURL = fmt.Sprintf("%s?role=orchestrator", r.cfg.ToolServerBaseURL)
	}

	res, err := agentrunner.RunWithFailover(ctx, r.cfg.Runner, inv, nil)
	output := res.Output
	if err != nil {
		output = fmt.Sprintf("Error: %v", err)
	}
	if res.RetriedNoRes && r.cfg.Sessions != nil {
		_ = r.cfg.Sessions.ClearAgentSessionID(key)
	}

	if res.SessionID != "" && res.SessionID != resumeID && r.cfg.Sessions != nil {
		taskRole := r.cfg.SessionStateDir != "" && agentrunner.IsTaskSession(r.cfg.SessionStateDir, res.SessionID)
		if !taskRole {
			_ = r.cfg.Sessions.SetAgentSessionID(key, res.SessionID)
		}
	}

	if r.cfg.Sessions != nil {
		_ = r.cfg.Sessions.AppendMessage(key, "user", text)
		_ = r.cfg.Sessions.AppendMessage(key, "assistant", output)
	}
	r.cfg.Logger.Info("chat reply", "channel", req.Channel, "sender_id", req.SenderID, "chars", len(output))
	return ChatResponse{Text: output}
}

func quoteJoin(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = fmt.Sprintf("%q", n)
	}
	return strings.Join(quoted, ", ")
}
