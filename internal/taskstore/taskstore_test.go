package taskstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/relaytask/internal/taskstore"
)

func openStore(t *testing.T) *taskstore.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := taskstore.Open(filepath.Join(dir, "tasks.db"), filepath.Join(dir, "tasks"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateTask_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	created, err := store.CreateTask(ctx, "demo", "do the thing", "telegram", "12345", "", taskstore.StatusPending)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if created.Status != taskstore.StatusPending {
		t.Fatalf("expected initial status pending, got %s", created.Status)
	}

	got, err := store.GetTask(ctx, created.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Name != "demo" || got.Prompt != "do the thing" {
		t.Fatalf("round-tripped task mismatch: %+v", got)
	}
	if got.CompletedAt != nil {
		t.Fatalf("expected non-terminal task to have nil completed_at")
	}

	entries, err := store.Timeline(ctx, created.TaskID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(entries) != 1 || entries[0].EventKind != "created" {
		t.Fatalf("expected a single 'created' timeline entry, got %+v", entries)
	}
}

func TestUpdateStatus_RejectsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	task, err := store.CreateTask(ctx, "demo", "prompt", "telegram", "1", "", taskstore.StatusPending)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := store.UpdateStatus(ctx, task.TaskID, taskstore.StatusCompleted); err == nil {
		t.Fatalf("expected pending -> completed to be rejected")
	}
	if err := store.UpdateStatus(ctx, task.TaskID, taskstore.StatusRunning); err != nil {
		t.Fatalf("expected pending -> running to succeed: %v", err)
	}
}

func TestUpdateStatus_SetsCompletedAtOnlyForTerminal(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	task, err := store.CreateTask(ctx, "demo", "prompt", "telegram", "1", "", taskstore.StatusPending)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := store.UpdateStatus(ctx, task.TaskID, taskstore.StatusRunning); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}
	got, _ := store.GetTask(ctx, task.TaskID)
	if got.CompletedAt != nil {
		t.Fatalf("expected running task to have nil completed_at")
	}

	if err := store.UpdateStatus(ctx, task.TaskID, taskstore.StatusCompleted); err != nil {
		t.Fatalf("running -> completed: %v", err)
	}
	got, _ = store.GetTask(ctx, task.TaskID)
	if got.CompletedAt == nil {
		t.Fatalf("expected completed task to have non-nil completed_at")
	}
}

func TestHandleReport_CompletedTransitionsStatus(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	task, err := store.CreateTask(ctx, "demo", "prompt", "telegram", "1", "", taskstore.StatusPending)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := store.UpdateStatus(ctx, task.TaskID, taskstore.StatusRunning); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}

	if _, err := store.HandleReport(ctx, task.TaskID, taskstore.MsgCompleted, "all done", "", "", taskstore.TierWorker); err != nil {
		t.Fatalf("handle report: %v", err)
	}

	got, err := store.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != taskstore.StatusCompleted {
		t.Fatalf("expected status completed, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}

	outbox, err := store.Outbox(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	if len(outbox) != 1 || outbox[0].Type != taskstore.MsgCompleted {
		t.Fatalf("expected completed message in outbox, got %+v", outbox)
	}
}

func TestHandleReport_RejectsDownwardType(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	task, err := store.CreateTask(ctx, "demo", "prompt", "telegram", "1", "", taskstore.StatusPending)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := store.HandleReport(ctx, task.TaskID, taskstore.MsgPause, "x", "", "", taskstore.TierWorker); err == nil {
		t.Fatalf("expected downward type to be rejected from HandleReport")
	}
}

func TestSendMessage_AppearsInInboxAndOutbox(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	task, err := store.CreateTask(ctx, "demo", "prompt", "telegram", "1", "", taskstore.StatusPending)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := store.UpdateStatus(ctx, task.TaskID, taskstore.StatusRunning); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}

	if _, err := store.SendMessage(ctx, task.TaskID, taskstore.MsgInstruction, "keep going", taskstore.TierOrchestrator); err != nil {
		t.Fatalf("send message: %v", err)
	}

	inbox, err := store.CheckInbox(ctx, task.TaskID, false)
	if err != nil {
		t.Fatalf("check inbox: %v", err)
	}
	if len(inbox) != 1 || inbox[0].Type != taskstore.MsgInstruction {
		t.Fatalf("expected instruction in inbox, got %+v", inbox)
	}

	outbox, err := store.Outbox(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	if len(outbox) != 1 {
		t.Fatalf("expected message in outbox too, got %+v", outbox)
	}
}

func TestCheckInbox_AcknowledgeClearsIt(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	task, err := store.CreateTask(ctx, "demo", "prompt", "telegram", "1", "", taskstore.StatusPending)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := store.UpdateStatus(ctx, task.TaskID, taskstore.StatusRunning); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}
	if _, err := store.SendMessage(ctx, task.TaskID, taskstore.MsgInstruction, "go", taskstore.TierOrchestrator); err != nil {
		t.Fatalf("send message: %v", err)
	}

	first, err := store.CheckInbox(ctx, task.TaskID, true)
	if err != nil {
		t.Fatalf("check inbox (ack): %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected one message on first check, got %d", len(first))
	}

	second, err := store.CheckInbox(ctx, task.TaskID, true)
	if err != nil {
		t.Fatalf("check inbox second time: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected inbox to be empty after acknowledge, got %+v", second)
	}
}

func TestCheckInbox_TerminalTaskReturnsSyntheticTerminate(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	task, err := store.CreateTask(ctx, "demo", "prompt", "telegram", "1", "", taskstore.StatusPending)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := store.UpdateStatus(ctx, task.TaskID, taskstore.StatusRunning); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}
	if err := store.UpdateStatus(ctx, task.TaskID, taskstore.StatusCompleted); err != nil {
		t.Fatalf("running -> completed: %v", err)
	}

	msgs, err := store.CheckInbox(ctx, task.TaskID, true)
	if err != nil {
		t.Fatalf("check inbox: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Type != "terminate" {
		t.Fatalf("expected synthetic terminate message, got %+v", msgs)
	}
}

func TestStaleActiveTasks_ExcludesRecoveryPending(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	task, err := store.CreateTask(ctx, "demo", "prompt", "telegram", "1", "", taskstore.StatusPending)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := store.UpdateStatus(ctx, task.TaskID, taskstore.StatusRunning); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}

	stale, err := store.StaleActiveTasks(ctx)
	if err != nil {
		t.Fatalf("stale active tasks: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale active task, got %d", len(stale))
	}

	if err := store.MarkRecoveryPending(ctx, task.TaskID); err != nil {
		t.Fatalf("mark recovery pending: %v", err)
	}
	stale, err = store.StaleActiveTasks(ctx)
	if err != nil {
		t.Fatalf("stale active tasks after recovery mark: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected recovery-pending task to be excluded, got %+v", stale)
	}
}

func TestResolveRecovery_DeclineCancels(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	task, err := store.CreateTask(ctx, "demo", "prompt", "telegram", "1", "", taskstore.StatusPending)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := store.UpdateStatus(ctx, task.TaskID, taskstore.StatusRunning); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}
	if err := store.MarkRecoveryPending(ctx, task.TaskID); err != nil {
		t.Fatalf("mark recovery pending: %v", err)
	}
	if err := store.ResolveRecovery(ctx, task.TaskID, false); err != nil {
		t.Fatalf("resolve recovery (decline): %v", err)
	}
	got, err := store.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != taskstore.StatusCancelled {
		t.Fatalf("expected cancelled status after decline, got %s", got.Status)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to taskstore.Status
		want     bool
	}{
		{taskstore.StatusProposed, taskstore.StatusPending, true},
		{taskstore.StatusProposed, taskstore.StatusRunning, false},
		{taskstore.StatusPending, taskstore.StatusRunning, true},
		{taskstore.StatusRunning, taskstore.StatusCompleted, true},
		{taskstore.StatusCompleted, taskstore.StatusRunning, false},
		{taskstore.StatusPaused, taskstore.StatusRunning, true},
	}
	for _, c := range cases {
		if got := taskstore.CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}
