package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/basket/relaytask/internal/agentrunner"
	"github.com/basket/relaytask/internal/audit"
	"github.com/basket/relaytask/internal/config"
	"github.com/basket/relaytask/internal/scheduler"
	"github.com/basket/relaytask/internal/session"
	"github.com/basket/relaytask/internal/taskstore"
	"github.com/basket/relaytask/internal/toolserver"
	"github.com/basket/relaytask/internal/workerpool"
	"github.com/google/uuid"
)

// fatalStartup records a fatal audit entry, logs (or prints, if the logger
// itself failed to come up) the failure, and exits the process.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

// loadDotEnv loads KEY=VALUE pairs from path into the process environment,
// skipping keys already set. A missing file is not an error.
func loadDotEnv(path string) {
	_ = godotenv.Load(path)
}

// resolveAuthToken returns the MCP bearer token workers authenticate with,
// generating and persisting one under HomeDir on first run if config and
// environment leave it unset.
func resolveAuthToken(cfg config.Config) (string, error) {
	if cfg.MCPToken != "" {
		return cfg.MCPToken, nil
	}
	tokenPath := cfg.HomeDir + "/auth.token"
	if b, err := os.ReadFile(tokenPath); err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist auth token: %w", err)
	}
	return token, nil
}

// gitStatus best-effort reports the workspace's current branch and its
// diff stat against main, for the boot notification. Both fields degrade
// to placeholders when the workspace isn't a git checkout.
func gitStatus(dir string) (branch, diffStat string) {
	branch, diffStat = "unknown", "n/a"
	if out, err := execCommand("git", "-C", dir, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		if b := strings.TrimSpace(out); b != "" {
			branch = b
		}
	}
	if out, err := execCommand("git", "-C", dir, "diff", "--shortstat", "main"); err == nil {
		if s := strings.TrimSpace(out); s != "" {
			diffStat = s
		} else {
			diffStat = "clean"
		}
	}
	return branch, diffStat
}

// ownerRoute is the (channel, target) pair boot notifications and
// deliverable jobs fall back to when a job payload doesn't name one.
// Resolved once at startup: the first enabled channel with at least one
// authorized sender.
type ownerRoute struct {
	Channel string
	Target  string
}

// notifierProxy lets toolserver and watchdog be constructed with a Notifier
// before the channel adapters that actually implement one exist — both
// need a Dispatcher/Notifier at construction time, but the channels
// themselves are built from a chatrouter.Router that in turn needs the
// already-constructed toolserver.Server as its TaskDispatcher.
type notifierProxy struct {
	mu sync.RWMutex
	n  toolserver.Notifier
}

func (p *notifierProxy) set(n toolserver.Notifier) {
	p.mu.Lock()
	p.n = n
	p.mu.Unlock()
}

func (p *notifierProxy) SendMessage(ctx context.Context, channel, target, text string) error {
	p.mu.RLock()
	n := p.n
	p.mu.RUnlock()
	if n == nil {
		return fmt.Errorf("no channel adapter registered yet")
	}
	return n.SendMessage(ctx, channel, target, text)
}

// jobDeliverer implements scheduler.Deliverer, the only place that can
// import both internal/scheduler and internal/toolserver without creating
// an import cycle (toolserver already imports scheduler for job-related
// tools).
type jobDeliverer struct {
	tools  *toolserver.Server
	pool   *workerpool.Pool
	owner  ownerRoute
	logger *slog.Logger
}

func (d *jobDeliverer) Deliver(ctx context.Context, job scheduler.Job) error {
	payloadType, _ := job.Payload["type"].(string)
	switch payloadType {
	case scheduler.PayloadSupervisorCheck:
		taskID, _ := job.Payload["task_id"].(string)
		if taskID == "" {
			return fmt.Errorf("supervisor_check job %s missing task_id", job.JobID)
		}
		d.pool.RequestSupervisorCheck(taskID)
		return nil

	case scheduler.PayloadDeliverable:
		prompt, _ := job.Payload["prompt"].(string)
		channel, _ := job.Payload["channel"].(string)
		target, _ := job.Payload["target"].(string)
		serviceURL, _ := job.Payload["service_url"].(string)
		if prompt == "" || channel == "" || target == "" {
			return fmt.Errorf("deliverable job %s missing prompt/channel/target", job.JobID)
		}
		_, err := d.tools.CreateAndDispatch(ctx, job.Name, prompt, channel, target, serviceURL)
		return err

	case scheduler.PayloadContinuousTick:
		prompt, _ := job.Payload["prompt"].(string)
		if prompt == "" {
			prompt = "Review recent task activity and the workspace README for anything that needs attention, then report what you find."
		}
		channel, _ := job.Payload["channel"].(string)
		target, _ := job.Payload["target"].(string)
		if channel == "" || target == "" {
			channel, target = d.owner.Channel, d.owner.Target
		}
		if channel == "" || target == "" {
			d.logger.Warn("continuous_tick job has no deliverable route and no owner fallback", "job_id", job.JobID)
			return nil
		}
		_, err := d.tools.CreateAndDispatch(ctx, job.Name, prompt, channel, target, "")
		return err

	default:
		return fmt.Errorf("job %s has unsupported payload type %q", job.JobID, payloadType)
	}
}

const defaultWorkspaceReadme = `# Orchestrator Workspace

This directory is the orchestrator agent's working copy. It is handed to
every task worker and supervisor as shared context.

Keep notes here about ongoing projects, conventions, and anything a task
picking up cold should know.
`

// bootGreeting reads (or seeds) the workspace README, runs a one-shot
// greeting prompt through the orchestrator agent so its session id becomes
// the default resume id, and sends a boot summary over the owner channel.
func bootGreeting(ctx context.Context, cfg config.Config, runner agentrunner.Runner, sessions *session.Store, notifier toolserver.Notifier, owner ownerRoute, tasks *taskstore.Store, jobs *scheduler.Store, toolServerBaseURL string, logger *slog.Logger) {
	readmePath := cfg.WorkspaceDir + "/README.md"
	readmeStatus := "present"
	if _, err := os.Stat(readmePath); os.IsNotExist(err) {
		if err := os.WriteFile(readmePath, []byte(defaultWorkspaceReadme), 0o644); err != nil {
			logger.Warn("failed to seed workspace README.md", "error", err)
			readmeStatus = "seed failed"
		} else {
			readmeStatus = "seeded"
		}
	}
	readme, _ := os.ReadFile(readmePath)

	timeout := time.Duration(cfg.CLITimeoutSeconds) * time.Second
	res, err := agentrunner.RunWithFailover(ctx, runner, agentrunner.Invocation{
		Prompt:        fmt.Sprintf("You are booting up as the orchestrator agent. Here is the workspace README:\n\n%s\n\nBriefly confirm you are ready.", string(readme)),
		ToolServerURL: toolServerBaseURL,
		WorkDir:       cfg.WorkspaceDir,
		Timeout:       timeout,
	}, nil)
	if err != nil {
		logger.Error("orchestrator boot greeting failed", "error", err)
		return
	}

	key := session.Key("orchestrator", "default")
	if _, err := sessions.Upsert(key); err != nil {
		logger.Warn("failed to upsert orchestrator session", "error", err)
	}
	if err := sessions.SetAgentSessionID(key, res.SessionID); err != nil {
		logger.Warn("failed to persist orchestrator resume session id", "error", err)
	}

	host, _ := os.Hostname()
	branch, diffStat := gitStatus(cfg.WorkspaceDir)
	taskList, _ := tasks.ListTasks(ctx)
	jobCount := 0
	if jobs != nil {
		jobCount = len(jobs.List())
	}
	summary := fmt.Sprintf(
		"Orchestrator online.\nSession: %s\nHost: %s\nWorkspace: %s\nMCP: %s\nTasks: %d, Jobs: %d\nREADME: %s\nCLI timeout: %s\nGit: %s (%s)",
		res.SessionID, host, cfg.WorkspaceDir, toolServerBaseURL, len(taskList), jobCount, readmeStatus, timeout, branch, diffStat,
	)
	if owner.Channel == "" || owner.Target == "" {
		logger.Info("boot summary", "summary", summary)
		return
	}
	if err := notifier.SendMessage(ctx, owner.Channel, owner.Target, summary); err != nil {
		logger.Warn("failed to send boot notification", "error", err)
	}
}

// recoverStaleTasks marks every task left active across a restart as
// recovery_pending and asks the owner to resume or cancel them in bulk.
// The actual "yes"/"no" handling lives in internal/chatrouter.
func recoverStaleTasks(ctx context.Context, tasks *taskstore.Store, notifier toolserver.Notifier, owner ownerRoute, logger *slog.Logger) {
	stale, err := tasks.StaleActiveTasks(ctx)
	if err != nil {
		logger.Error("stale task scan failed", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	var names []string
	for _, t := range stale {
		if err := tasks.MarkRecoveryPending(ctx, t.TaskID); err != nil {
			logger.Warn("failed to mark task recovery_pending", "task_id", t.TaskID, "error", err)
			continue
		}
		names = append(names, fmt.Sprintf("%s (%s)", t.Name, t.TaskID))
	}
	if len(names) == 0 {
		return
	}

	msg := fmt.Sprintf(
		"Recovered from restart with %d task(s) left active:\n- %s\n\nReply \"yes\" to resume all, or \"no\" to cancel all.",
		len(names), strings.Join(names, "\n- "),
	)
	if owner.Channel == "" || owner.Target == "" {
		logger.Warn("tasks pending recovery but no owner channel configured", "count", len(names))
		return
	}
	if err := notifier.SendMessage(ctx, owner.Channel, owner.Target, msg); err != nil {
		logger.Warn("failed to send recovery notice", "error", err)
	}
}
