// Package workerpool maintains the worker and supervisor subprocess pairs
// that actually execute tasks: one worker thread owns the agent subprocess
// doing the work, and an optional supervisor thread owns a second
// subprocess re-invoked on each check cycle to verify and nudge it along.
// Grounded on internal/coordinator/waiter.go's event-driven completion
// tracking (generalized here into the supervisor's kick loop) and
// internal/skills/watcher.go's fsnotify directory-watch shape (generalized
// into the workspace-sync goroutine, though reconciliation itself is
// plain os.ReadDir polling rather than fsnotify — see DESIGN.md).
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/relaytask/internal/agentrunner"
)

// Config configures a Pool for the lifetime of the orchestrator process.
type Config struct {
	Runner            agentrunner.Runner
	RootWorkspace     string // shared root workspace every task workspace links into
	ToolServerBaseURL string // base URL of the local tool server, without query params
	DefaultTimeout    time.Duration
	Logger            *slog.Logger
}

// Pool tracks active worker/supervisor subprocess pairs keyed by task id.
type Pool struct {
	cfg Config

	mu          sync.Mutex
	workers     map[string]*Worker
	supervisors map[string]*Supervisor
}

// New creates an empty Pool.
func New(cfg Config) *Pool {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{
		cfg:         cfg,
		workers:     make(map[string]*Worker),
		supervisors: make(map[string]*Supervisor),
	}
}

// StartWorker begins a task's worker subprocess per §4.8.1. addDirs are the
// extra directories (repo root, workspace root) the agent should see beyond
// its own task workspace.
func (p *Pool) StartWorker(ctx context.Context, taskID, taskDir, prompt string, addDirs []string, resumeSessionID string, cb Callbacks) error {
	p.mu.Lock()
	if _, exists := p.workers[taskID]; exists {
		p.mu.Unlock()
		return fmt.Errorf("workerpool: worker already running for task %s", taskID)
	}
	w := newWorker(taskID, taskDir, p.cfg.RootWorkspace, p.cfg.Runner, p.cfg.Logger)
	p.workers[taskID] = w
	p.mu.Unlock()

	allDirs := append([]string{p.cfg.RootWorkspace}, addDirs...)
	if err := w.start(ctx, prompt, p.cfg.ToolServerBaseURL, allDirs, p.cfg.DefaultTimeout, resumeSessionID, cb); err != nil {
		p.mu.Lock()
		delete(p.workers, taskID)
		p.mu.Unlock()
		return err
	}
	return nil
}

// StartSupervisor begins a task's supervisor subprocess per §4.8.3.
// checkInterval bounds the per-invocation timeout alongside
// p.cfg.DefaultTimeout, per "a timeout bounded by min(configured_timeout,
// check_interval) so a slow check never blocks the cadence".
func (p *Pool) StartSupervisor(ctx context.Context, taskID, taskDir, prompt, supervisorInstructions, workerSessionID string, checkInterval time.Duration, resumeSessionID string, getState func() TriggerState, cb Callbacks) error {
	p.mu.Lock()
	if _, exists := p.supervisors[taskID]; exists {
		p.mu.Unlock()
		return fmt.Errorf("workerpool: supervisor already running for task %s", taskID)
	}
	worker, hasWorker := p.workers[taskID]
	p.mu.Unlock()

	workerWorkspace := ""
	if hasWorker {
		workerWorkspace = worker.workspaceDir
	}

	s := newSupervisor(taskID, taskDir, workerWorkspace, p.cfg.Runner, p.cfg.Logger, getState)

	checkTimeout := p.cfg.DefaultTimeout
	if checkInterval > 0 && checkInterval < checkTimeout {
		checkTimeout = checkInterval
	}

	if err := s.start(ctx, prompt, supervisorInstructions, workerSessionID, p.cfg.ToolServerBaseURL, checkTimeout, resumeSessionID, cb); err != nil {
		return err
	}

	p.mu.Lock()
	p.supervisors[taskID] = s
	p.mu.Unlock()
	return nil
}

// RequestSupervisorCheck kicks the named task's supervisor event loop, if a
// supervisor is running for it. No-op otherwise.
func (p *Pool) RequestSupervisorCheck(taskID string) {
	p.mu.Lock()
	s, ok := p.supervisors[taskID]
	p.mu.Unlock()
	if ok {
		s.requestCheck()
	}
}

// StopTask stops both the worker and supervisor for a task, per §4.8.2 and
// §4.8.4's stopTask(id).
func (p *Pool) StopTask(taskID string) {
	p.mu.Lock()
	w, hasWorker := p.workers[taskID]
	s, hasSupervisor := p.supervisors[taskID]
	delete(p.workers, taskID)
	delete(p.supervisors, taskID)
	p.mu.Unlock()

	if hasWorker {
		w.stop()
		w.wait()
	}
	if hasSupervisor {
		s.stop()
		s.wait()
	}
}

// StopAll stops every running worker and supervisor, for use on shutdown.
func (p *Pool) StopAll() {
	p.mu.Lock()
	taskIDs := make(map[string]bool, len(p.workers)+len(p.supervisors))
	for id := range p.workers {
		taskIDs[id] = true
	}
	for id := range p.supervisors {
		taskIDs[id] = true
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for id := range taskIDs {
		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			p.StopTask(taskID)
		}(id)
	}
	wg.Wait()
}

// GetWorker returns the active worker for a task, if any.
func (p *Pool) GetWorker(taskID string) (*Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[taskID]
	return w, ok
}

// GetSupervisor returns the active supervisor for a task, if any.
func (p *Pool) GetSupervisor(taskID string) (*Supervisor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.supervisors[taskID]
	return s, ok
}

// ActiveCount returns the number of distinct tasks with a running worker or
// supervisor.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]bool, len(p.workers)+len(p.supervisors))
	for id := range p.workers {
		seen[id] = true
	}
	for id := range p.supervisors {
		seen[id] = true
	}
	return len(seen)
}

// Status returns a per-task snapshot of which roles are currently running,
// for introspection endpoints.
func (p *Pool) Status() map[string][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := make(map[string][]string)
	for id := range p.workers {
		status[id] = append(status[id], "worker")
	}
	for id := range p.supervisors {
		status[id] = append(status[id], "supervisor")
	}
	return status
}
