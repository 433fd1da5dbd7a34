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

const workspaceSyncInterval = 30 * time.Second

// Callbacks lets the pool's caller observe a worker's progress without the
// worker package depending on taskstore directly.
type Callbacks struct {
	// OnLine is invoked once per stdout line, in the order produced.
	OnLine func(line string)
	// OnComplete is invoked exactly once when the subprocess exits, is
	// killed, or fails to launch. finalSessionID may be empty if no
	// session could be discovered.
	OnComplete func(res agentrunner.Result, runErr error)
}

// Worker owns one task's worker subprocess and its workspace-sync loop.
type Worker struct {
	taskID        string
	taskDir       string
	workspaceDir  string
	rootWorkspace string
	runner        agentrunner.Runner

	logger *slog.Logger

	mu        sync.Mutex
	sessionID string
	cancel    context.CancelFunc
	stopped   bool
	doneCh    chan struct{}
}

func newWorker(taskID, taskDir, rootWorkspace string, runner agentrunner.Runner, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		taskID:        taskID,
		taskDir:       taskDir,
		workspaceDir:  filepath.Join(taskDir, "workspace"),
		rootWorkspace: rootWorkspace,
		runner:        runner,
		logger:        logger,
		doneCh:        make(chan struct{}),
	}
}

// start prepares the workspace and launches the subprocess in a background
// goroutine. It returns once launch preparation succeeds; completion is
// reported asynchronously via cb.OnComplete.
func (w *Worker) start(ctx context.Context, prompt, toolServerURL string, addDirs []string, timeout time.Duration, resumeSessionID string, cb Callbacks) error {
	if err := os.MkdirAll(w.workspaceDir, 0o755); err != nil {
		return fmt.Errorf("workerpool: create workspace: %w", err)
	}

	known, err := LinkRootWorkspace(w.rootWorkspace, w.workspaceDir)
	if err != nil {
		w.logger.Warn("workerpool: initial root-workspace link failed", "task_id", w.taskID, "error", err)
		known = make(map[string]bool)
	}

	githubDir := filepath.Join(w.workspaceDir, ".github")
	if err := os.MkdirAll(githubDir, 0o755); err != nil {
		return fmt.Errorf("workerpool: create .github dir: %w", err)
	}
	instructions := renderWorkerInstructions(w.taskID, w.rootWorkspace, prompt)
	if err := os.WriteFile(filepath.Join(githubDir, "copilot-instructions.md"), []byte(instructions), 0o644); err != nil {
		return fmt.Errorf("workerpool: write worker instructions: %w", err)
	}

	cfgBytes, err := renderMCPConfig(toolServerURL, w.taskID, "worker", nil)
	if err != nil {
		return fmt.Errorf("workerpool: render mcp config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.workspaceDir, "copilot-mcp-config.json"), cfgBytes, 0o644); err != nil {
		return fmt.Errorf("workerpool: write mcp config: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	go w.syncLoop(runCtx, known)
	go w.run(runCtx, prompt, toolServerURL, addDirs, timeout, resumeSessionID, cb)
	return nil
}

func (w *Worker) syncLoop(ctx context.Context, known map[string]bool) {
	ticker := time.NewTicker(workspaceSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ReconcileWorkspace(w.rootWorkspace, w.workspaceDir, known); err != nil {
				w.logger.Warn("workerpool: workspace reconcile failed", "task_id", w.taskID, "error", err)
			}
		}
	}
}

func (w *Worker) run(ctx context.Context, prompt, toolServerURL string, addDirs []string, timeout time.Duration, resumeSessionID string, cb Callbacks) {
	defer close(w.doneCh)

	workerLog, err := os.OpenFile(filepath.Join(w.taskDir, "worker.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err == nil {
		defer workerLog.Close()
	}
	activityLog, err := os.OpenFile(filepath.Join(filepath.Dir(w.taskDir), "activity.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err == nil {
		defer activityLog.Close()
	}

	onLine := func(line string) {
		if workerLog != nil {
			fmt.Fprintln(workerLog, line)
		}
		if activityLog != nil {
			fmt.Fprintf(activityLog, "[%s] %s\n", w.taskID, line)
		}
		if cb.OnLine != nil {
			cb.OnLine(line)
		}
	}

	taggedURL := fmt.Sprintf("%s?task_id=%s&role=worker", toolServerURL, w.taskID)
	inv := agentrunner.Invocation{
		Prompt:        prompt,
		SessionID:     resumeSessionID,
		ToolServerURL: taggedURL,
		AddDirs:       addDirs,
		WorkDir:       w.workspaceDir,
		Timeout:       timeout,
	}

	res, runErr := agentrunner.RunWithFailover(ctx, w.runner, inv, onLine)

	w.mu.Lock()
	w.sessionID = res.SessionID
	w.mu.Unlock()

	if cb.OnComplete != nil {
		cb.OnComplete(res, runErr)
	}
}

// stop cancels the subprocess context; agentrunner performs the actual
// terminate-then-kill-after-10s process-tree teardown.
func (w *Worker) stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Worker) wait() {
	<-w.doneCh
}

func (w *Worker) lastSessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

// LastSessionID returns the most recently discovered agent-runner session
// id for this worker, for callers outside the package (e.g. the tool
// server persisting it on the task record).
func (w *Worker) LastSessionID() string { return w.lastSessionID() }

// Running reports whether the worker's subprocess goroutine has not yet
// finished.
func (w *Worker) Running() bool {
	select {
	case <-w.doneCh:
		return false
	default:
		return true
	}
}
