package workerpool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/relaytask/internal/agentrunner"
)

func TestLinkRootWorkspace_LinksFilesAndDirs(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write readme: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "project"), 0o755); err != nil {
		t.Fatalf("mkdir project: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, ".data"), 0o755); err != nil {
		t.Fatalf("mkdir .data: %v", err)
	}

	ws := t.TempDir()
	linked, err := LinkRootWorkspace(root, ws)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if !linked["README.md"] || !linked["project"] {
		t.Fatalf("expected README.md and project to be linked, got %+v", linked)
	}
	if linked[".data"] {
		t.Fatalf("expected .data to be excluded, got %+v", linked)
	}
	if _, err := os.Stat(filepath.Join(ws, "README.md")); err != nil {
		t.Fatalf("expected linked README.md in workspace: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws, ".data")); err == nil {
		t.Fatalf("expected .data to not be linked into workspace")
	}
}

func TestReconcileWorkspace_ForwardLinksNewRootEntry(t *testing.T) {
	root := t.TempDir()
	ws := t.TempDir()
	known, err := LinkRootWorkspace(root, ws)
	if err != nil {
		t.Fatalf("initial link: %v", err)
	}

	if err := os.WriteFile(filepath.Join(root, "NEW.md"), []byte("new"), 0o644); err != nil {
		t.Fatalf("write new root file: %v", err)
	}
	if err := ReconcileWorkspace(root, ws, known); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !known["NEW.md"] {
		t.Fatalf("expected NEW.md to be tracked after reconcile")
	}
	if _, err := os.Stat(filepath.Join(ws, "NEW.md")); err != nil {
		t.Fatalf("expected NEW.md linked into workspace: %v", err)
	}
}

func TestReconcileWorkspace_AbsorbsNewRealEntry(t *testing.T) {
	root := t.TempDir()
	ws := t.TempDir()
	known, err := LinkRootWorkspace(root, ws)
	if err != nil {
		t.Fatalf("initial link: %v", err)
	}

	if err := os.WriteFile(filepath.Join(ws, "created-by-worker.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write worker file: %v", err)
	}
	if err := ReconcileWorkspace(root, ws, known); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "created-by-worker.txt")); err != nil {
		t.Fatalf("expected file moved to root: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(ws, "created-by-worker.txt")); err != nil {
		t.Fatalf("expected a link left behind in workspace: %v", err)
	}
	if !known["created-by-worker.txt"] {
		t.Fatalf("expected the absorbed entry to be tracked")
	}
}

func TestBuildTriggerPrompt(t *testing.T) {
	cases := []struct {
		name  string
		state TriggerState
		want  string
	}{
		{"deferred and exited", TriggerState{DeferredCompletionPending: true, WorkerExited: true}, "must report"},
		{"deferred still running", TriggerState{DeferredCompletionPending: true}, "Verify the deliverables"},
		{"exited but running", TriggerState{WorkerExited: true, TaskRunning: true}, "Investigate and finalize"},
		{"idle", TriggerState{WorkerIdleFor: 10 * time.Minute, TaskRunning: true}, "idle for more than 5 minutes"},
		{"default", TriggerState{}, "Routine check"},
	}
	for _, c := range cases {
		got := buildTriggerPrompt(c.state)
		if !contains(got, c.want) {
			t.Errorf("%s: buildTriggerPrompt(%+v) = %q, want substring %q", c.name, c.state, got, c.want)
		}
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (substr == "" || indexOf(s, substr) >= 0)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

type stubRunner struct {
	blockUntilCancel bool
	result           agentrunner.Result
	err              error
}

func (s *stubRunner) Run(ctx context.Context, inv agentrunner.Invocation, onLine agentrunner.LineCallback) (agentrunner.Result, error) {
	if onLine != nil {
		onLine("stub output line")
	}
	if s.blockUntilCancel {
		<-ctx.Done()
		return agentrunner.Result{}, ctx.Err()
	}
	return s.result, s.err
}

func newTestPool(t *testing.T, runner agentrunner.Runner) (*Pool, string) {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write readme: %v", err)
	}
	pool := New(Config{
		Runner:            runner,
		RootWorkspace:     root,
		ToolServerBaseURL: "http://127.0.0.1:9000/mcp",
		DefaultTimeout:    2 * time.Second,
	})
	return pool, root
}

func TestPool_StartWorker_WritesInstructionsAndConfig(t *testing.T) {
	done := make(chan struct{})
	runner := &stubRunner{result: agentrunner.Result{ExitCode: 0, SessionID: "sess-1"}}
	pool, _ := newTestPool(t, runner)

	taskDir := t.TempDir()
	err := pool.StartWorker(context.Background(), "task-1", taskDir, "do the thing", nil, "", Callbacks{
		OnComplete: func(res agentrunner.Result, runErr error) { close(done) },
	})
	if err != nil {
		t.Fatalf("start worker: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker completion")
	}

	if _, err := os.Stat(filepath.Join(taskDir, "workspace", ".github", "copilot-instructions.md")); err != nil {
		t.Fatalf("expected worker instructions file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(taskDir, "workspace", "copilot-mcp-config.json")); err != nil {
		t.Fatalf("expected mcp config file: %v", err)
	}
}

func TestPool_StartWorker_RejectsDuplicateTaskID(t *testing.T) {
	runner := &stubRunner{blockUntilCancel: true}
	pool, _ := newTestPool(t, runner)
	taskDir := t.TempDir()

	if err := pool.StartWorker(context.Background(), "task-1", taskDir, "p", nil, "", Callbacks{}); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	if err := pool.StartWorker(context.Background(), "task-1", taskDir, "p", nil, "", Callbacks{}); err == nil {
		t.Fatalf("expected duplicate StartWorker to error")
	}
	pool.StopTask("task-1")
}

func TestPool_StopTask_StopsWorker(t *testing.T) {
	runner := &stubRunner{blockUntilCancel: true}
	pool, _ := newTestPool(t, runner)
	taskDir := t.TempDir()

	if err := pool.StartWorker(context.Background(), "task-1", taskDir, "p", nil, "", Callbacks{}); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	if pool.ActiveCount() != 1 {
		t.Fatalf("expected active count 1, got %d", pool.ActiveCount())
	}
	pool.StopTask("task-1")
	if pool.ActiveCount() != 0 {
		t.Fatalf("expected active count 0 after stop, got %d", pool.ActiveCount())
	}
}

func TestPool_RequestSupervisorCheck_NoopWithoutSupervisor(t *testing.T) {
	pool, _ := newTestPool(t, &stubRunner{})
	pool.RequestSupervisorCheck("no-such-task") // must not panic or block
}

func TestSupervisor_RunsOnRequestCheck(t *testing.T) {
	calls := make(chan struct{}, 4)
	runner := &stubRunner{result: agentrunner.Result{SessionID: "sup-sess"}}
	pool, _ := newTestPool(t, runner)
	taskDir := t.TempDir()

	if err := pool.StartWorker(context.Background(), "task-1", taskDir, "p", nil, "", Callbacks{}); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	err := pool.StartSupervisor(context.Background(), "task-1", taskDir, "p", "verify carefully", "worker-sess", time.Second, "", func() TriggerState {
		return TriggerState{}
	}, Callbacks{
		OnComplete: func(res agentrunner.Result, runErr error) {
			calls <- struct{}{}
		},
	})
	if err != nil {
		t.Fatalf("start supervisor: %v", err)
	}

	pool.RequestSupervisorCheck("task-1")
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for supervisor check to run")
	}

	if _, err := os.Stat(filepath.Join(taskDir, "supervisor", ".github", "copilot-instructions.md")); err != nil {
		t.Fatalf("expected supervisor instructions file: %v", err)
	}
	pool.StopTask("task-1")
}
