package chatrouter_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/relaytask/internal/agentrunner"
	"github.com/basket/relaytask/internal/chatrouter"
	"github.com/basket/relaytask/internal/pairing"
	"github.com/basket/relaytask/internal/scheduler"
	"github.com/basket/relaytask/internal/session"
	"github.com/basket/relaytask/internal/taskstore"
)

const testChannel = "telegram"
const testSender = "42"
const testChat = "42"

func newTestRouter(t *testing.T) (*chatrouter.Router, *taskstore.Store, *pairing.Store, *fakeDispatcher, *fakeRunner) {
	t.Helper()
	dir := t.TempDir()

	tasks, err := taskstore.Open(filepath.Join(dir, "tasks.db"), filepath.Join(dir, "tasks"))
	if err != nil {
		t.Fatalf("open taskstore: %v", err)
	}
	t.Cleanup(func() { _ = tasks.Close() })

	jobs, err := scheduler.Open(dir)
	if err != nil {
		t.Fatalf("open scheduler: %v", err)
	}

	sessions, err := session.Open(filepath.Join(dir, "sessions.json"))
	if err != nil {
		t.Fatalf("open sessions: %v", err)
	}

	pairStore, err := pairing.Open(filepath.Join(dir, "pairing.json"))
	if err != nil {
		t.Fatalf("open pairing: %v", err)
	}

	dispatcher := &fakeDispatcher{}
	runner := &fakeRunner{output: "hello from the brain", sessionID: "agent-sess-1"}

	router := chatrouter.New(chatrouter.Config{
		Tasks:      tasks,
		Jobs:       jobs,
		Sessions:   sessions,
		Pairing:    pairStore,
		Dispatcher: dispatcher,
		Runner:     runner,
	})
	return router, tasks, pairStore, dispatcher, runner
}

type fakeDispatcher struct {
	resumed  []string
	approved []string
	canceled []string
}

func (f *fakeDispatcher) ResumeTask(ctx context.Context, taskID string) error {
	f.resumed = append(f.resumed, taskID)
	return nil
}
func (f *fakeDispatcher) ApproveTask(ctx context.Context, taskID string) error {
	f.approved = append(f.approved, taskID)
	return nil
}
func (f *fakeDispatcher) CancelTask(ctx context.Context, taskID string) error {
	f.canceled = append(f.canceled, taskID)
	return nil
}

type fakeRunner struct {
	output    string
	sessionID string
	calls     int
}

func (f *fakeRunner) Run(ctx context.Context, inv agentrunner.Invocation, onLine agentrunner.LineCallback) (agentrunner.Result, error) {
	f.calls++
	return agentrunner.Result{Output: f.output, SessionID: f.sessionID}, nil
}

func TestRoute_WhoamiAlwaysAnswers(t *testing.T) {
	router, _, _, _, _ := newTestRouter(t)
	resp := router.Route(context.Background(), chatrouter.ChatRequest{Channel: testChannel, SenderID: testSender, ChatID: testChat, Text: "/whoami"})
	if resp.Text != "telegram:42" {
		t.Fatalf("unexpected whoami reply: %q", resp.Text)
	}
}

func TestRoute_UnauthorizedFreeTextIsDenied(t *testing.T) {
	router, _, _, _, _ := newTestRouter(t)
	resp := router.Route(context.Background(), chatrouter.ChatRequest{Channel: testChannel, SenderID: testSender, ChatID: testChat, Text: "hello"})
	if resp.Status != "denied" {
		t.Fatalf("expected denied status for unauthorized sender, got %q (%s)", resp.Status, resp.Text)
	}
}

func TestRoute_ExecDeniedWithoutPairing(t *testing.T) {
	router, _, _, _, _ := newTestRouter(t)
	resp := router.Route(context.Background(), chatrouter.ChatRequest{Channel: testChannel, SenderID: testSender, ChatID: testChat, Text: "/exec echo hi"})
	if resp.Status != "denied" {
		t.Fatalf("expected /exec to be denied for an unpaired sender, got %q", resp.Status)
	}
}

func TestRoute_FreeTextInvokesRunnerOnceAuthorized(t *testing.T) {
	router, _, pairStore, _, runner := newTestRouter(t)
	if err := pairStore.Authorize(testChannel, testSender); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	resp := router.Route(context.Background(), chatrouter.ChatRequest{Channel: testChannel, SenderID: testSender, ChatID: testChat, Text: "what's the status?"})
	if resp.Text != "hello from the brain" {
		t.Fatalf("unexpected brain reply: %q", resp.Text)
	}
	if runner.calls != 1 {
		t.Fatalf("expected exactly one runner call, got %d", runner.calls)
	}
}

func TestRoute_ProposalApproval(t *testing.T) {
	router, tasks, pairStore, dispatcher, _ := newTestRouter(t)
	if err := pairStore.Authorize(testChannel, testSender); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	ctx := context.Background()
	task, err := tasks.CreateTask(ctx, "demo", "do it", testChannel, testChat, "", taskstore.StatusProposed)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	resp := router.Route(ctx, chatrouter.ChatRequest{Channel: testChannel, SenderID: testSender, ChatID: testChat, Text: "yes"})
	if len(dispatcher.approved) != 1 || dispatcher.approved[0] != task.TaskID {
		t.Fatalf("expected task %s to be approved, got %v (%s)", task.TaskID, dispatcher.approved, resp.Text)
	}
}

func TestRoute_RecoveryResumeResumesAllMatchingTasks(t *testing.T) {
	router, tasks, pairStore, dispatcher, _ := newTestRouter(t)
	if err := pairStore.Authorize(testChannel, testSender); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	ctx := context.Background()
	task, err := tasks.CreateTask(ctx, "demo", "do it", testChannel, testChat, "", taskstore.StatusRunning)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := tasks.MarkRecoveryPending(ctx, task.TaskID); err != nil {
		t.Fatalf("mark recovery pending: %v", err)
	}

	resp := router.Route(ctx, chatrouter.ChatRequest{Channel: testChannel, SenderID: testSender, ChatID: testChat, Text: "yes"})
	if len(dispatcher.resumed) != 1 || dispatcher.resumed[0] != task.TaskID {
		t.Fatalf("expected task %s to be resumed, got %v (%s)", task.TaskID, dispatcher.resumed, resp.Text)
	}

	got, err := tasks.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.RecoveryPending {
		t.Fatalf("expected recovery_pending to be cleared")
	}
}

func TestRoute_PingSchedulesDeliverableJob(t *testing.T) {
	router, _, _, _, _ := newTestRouter(t)
	resp := router.Route(context.Background(), chatrouter.ChatRequest{Channel: testChannel, SenderID: testSender, ChatID: testChat, Text: "ping back in 30 seconds"})
	if resp.Status == "denied" {
		t.Fatalf("ping should not require authorization, got denied: %s", resp.Text)
	}
}
