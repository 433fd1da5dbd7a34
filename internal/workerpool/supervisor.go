package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/relaytask/internal/agentrunner"
)

// TriggerState is a snapshot of task state the supervisor needs to pick the
// right contextual trigger prompt for a check cycle.
type TriggerState struct {
	DeferredCompletionPending bool
	WorkerExited              bool
	TaskRunning               bool
	WorkerIdleFor             time.Duration
}

// buildTriggerPrompt picks the contextual trigger per §4.8.3 point 1.
func buildTriggerPrompt(state TriggerState) string {
	switch {
	case state.DeferredCompletionPending && state.WorkerExited:
		return "The worker has exited and a completion is deferred. You must report `completed` or `failed` now."
	case state.DeferredCompletionPending && !state.WorkerExited:
		return "A completion is deferred while the worker is still running. Verify the deliverables before accepting it."
	case state.WorkerExited && state.TaskRunning:
		return "The worker process has exited but the task is still marked running. Investigate and finalize."
	case state.WorkerIdleFor > 5*time.Minute && state.TaskRunning:
		return "The worker has been idle for more than 5 minutes while still running. Consider intervention."
	default:
		return "Routine check: review the worker's progress and verify any claimed deliverables."
	}
}

// Supervisor owns one task's supervisor subprocess. Its loop is
// event-driven: requestCheck() sets a kick, and the loop wakes, builds a
// contextual prompt from the caller-supplied state, and runs one prompt.
type Supervisor struct {
	taskID             string
	taskDir            string
	supervisorDir      string
	workerWorkspaceDir string
	runner             agentrunner.Runner
	logger             *slog.Logger

	getState func() TriggerState

	kick      chan struct{}
	mu        sync.Mutex
	sessionID string
	cancel    context.CancelFunc
	doneCh    chan struct{}
}

func newSupervisor(taskID, taskDir, workerWorkspaceDir string, runner agentrunner.Runner, logger *slog.Logger, getState func() TriggerState) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		taskID:             taskID,
		taskDir:            taskDir,
		supervisorDir:      filepath.Join(taskDir, "supervisor"),
		workerWorkspaceDir: workerWorkspaceDir,
		runner:             runner,
		logger:             logger,
		getState:           getState,
		kick:               make(chan struct{}, 1),
		doneCh:             make(chan struct{}),
	}
}

// start writes the supervisor's instructions/MCP config and begins its
// event-driven loop. resumeSessionID seeds the first invocation; later
// invocations resume whatever session id the previous call discovered.
func (s *Supervisor) start(ctx context.Context, prompt, supervisorInstructions, workerSessionID, toolServerURL string, checkTimeout time.Duration, resumeSessionID string, cb Callbacks) error {
	if err := os.MkdirAll(s.supervisorDir, 0o755); err != nil {
		return fmt.Errorf("workerpool: create supervisor dir: %w", err)
	}
	githubDir := filepath.Join(s.supervisorDir, ".github")
	if err := os.MkdirAll(githubDir, 0o755); err != nil {
		return fmt.Errorf("workerpool: create supervisor .github dir: %w", err)
	}
	instructions := renderSupervisorInstructions(s.taskID, workerSessionID, prompt, supervisorInstructions)
	if err := os.WriteFile(filepath.Join(githubDir, "copilot-instructions.md"), []byte(instructions), 0o644); err != nil {
		return fmt.Errorf("workerpool: write supervisor instructions: %w", err)
	}

	cfgBytes, err := renderMCPConfig(toolServerURL, s.taskID, "supervisor", nil)
	if err != nil {
		return fmt.Errorf("workerpool: render supervisor mcp config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.supervisorDir, "copilot-mcp-config.json"), cfgBytes, 0o644); err != nil {
		return fmt.Errorf("workerpool: write supervisor mcp config: %w", err)
	}

	// Link the worker's workspace into the supervisor directory so it can
	// read the worker's files, but never the reverse.
	link := filepath.Join(s.supervisorDir, "workers-workspace")
	if _, err := os.Lstat(link); err != nil {
		_ = os.Symlink(s.workerWorkspaceDir, link)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.sessionID = resumeSessionID
	s.mu.Unlock()

	go s.loop(runCtx, toolServerURL, checkTimeout, cb)
	return nil
}

// requestCheck sets the kick event, waking the loop for one check cycle. It
// never blocks: a pending kick coalesces with a new one.
func (s *Supervisor) requestCheck() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Supervisor) loop(ctx context.Context, toolServerURL string, checkTimeout time.Duration, cb Callbacks) {
	defer close(s.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			s.runOnce(ctx, toolServerURL, checkTimeout, cb)
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, toolServerURL string, checkTimeout time.Duration, cb Callbacks) {
	var state TriggerState
	if s.getState != nil {
		state = s.getState()
	}
	prompt := buildTriggerPrompt(state)

	s.mu.Lock()
	resumeID := s.sessionID
	s.mu.Unlock()

	taggedURL := fmt.Sprintf("%s?task_id=%s&role=supervisor", toolServerURL, s.taskID)
	inv := agentrunner.Invocation{
		Prompt:        prompt,
		SessionID:     resumeID,
		ToolServerURL: taggedURL,
		AddDirs:       []string{s.workerWorkspaceDir},
		WorkDir:       s.supervisorDir,
		Timeout:       checkTimeout,
	}

	logPath := filepath.Join(s.taskDir, "supervisor.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	onLine := func(line string) {
		if logFile != nil {
			fmt.Fprintln(logFile, line)
		}
		if cb.OnLine != nil {
			cb.OnLine(line)
		}
	}
	if err == nil {
		defer logFile.Close()
	}

	res, runErr := agentrunner.RunWithFailover(ctx, s.runner, inv, onLine)
	if res.SessionID != "" {
		s.mu.Lock()
		s.sessionID = res.SessionID
		s.mu.Unlock()
	}
	if runErr != nil {
		s.logger.Warn("workerpool: supervisor check failed", "task_id", s.taskID, "error", runErr)
	}
	if cb.OnComplete != nil {
		cb.OnComplete(res, runErr)
	}
}

func (s *Supervisor) stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Supervisor) wait() {
	<-s.doneCh
}

func (s *Supervisor) lastSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// LastSessionID returns the most recently discovered agent-runner session
// id for this supervisor, for callers outside the package.
func (s *Supervisor) LastSessionID() string { return s.lastSessionID() }

// Running reports whether the supervisor's loop goroutine has not yet
// finished.
func (s *Supervisor) Running() bool {
	select {
	case <-s.doneCh:
		return false
	default:
		return true
	}
}
