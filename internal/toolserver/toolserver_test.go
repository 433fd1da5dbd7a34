package toolserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/relaytask/internal/agentrunner"
	"github.com/basket/relaytask/internal/taskstore"
	"github.com/basket/relaytask/internal/toolserver"
	"github.com/basket/relaytask/internal/workerpool"
)

type stubRunner struct{}

func (stubRunner) Run(ctx context.Context, inv agentrunner.Invocation, onLine agentrunner.LineCallback) (agentrunner.Result, error) {
	if onLine != nil {
		onLine("stub output")
	}
	return agentrunner.Result{ExitCode: 0, SessionID: "stub-session"}, nil
}

func newTestPool(t *testing.T) *workerpool.Pool {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write readme: %v", err)
	}
	return workerpool.New(workerpool.Config{
		Runner:            stubRunner{},
		RootWorkspace:     root,
		ToolServerBaseURL: "http://127.0.0.1:9000/mcp",
		DefaultTimeout:    2 * time.Second,
	})
}

func openTaskStore(t *testing.T) *taskstore.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := taskstore.Open(filepath.Join(dir, "tasks.db"), filepath.Join(dir, "tasks"))
	if err != nil {
		t.Fatalf("open task store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestServer(t *testing.T, tasks *taskstore.Store) *toolserver.Server {
	t.Helper()
	srv, err := toolserver.New(toolserver.Config{Tasks: tasks, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new toolserver: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func rpcCall(t *testing.T, srv *toolserver.Server, taskID, role string, body map[string]any) map[string]any {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	url := "/mcp"
	if taskID != "" {
		url += "?task_id=" + taskID + "&role=" + role
	}
	req := httptest.NewRequest("POST", url, bytes.NewReader(b))
	rec := httptest.NewRecorder()
	srv.Handler()(rec, req)

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal response: %v (body=%s)", err, rec.Body.String())
	}
	return out
}

func TestHandler_Ping(t *testing.T) {
	srv := newTestServer(t, openTaskStore(t))
	resp := rpcCall(t, srv, "", "", map[string]any{"jsonrpc": "2.0", "id": 1, "method": "ping"})
	if resp["error"] != nil {
		t.Fatalf("expected no error, got %v", resp["error"])
	}
}

func TestHandler_ToolsList_IncludesCoreTools(t *testing.T) {
	srv := newTestServer(t, openTaskStore(t))
	resp := rpcCall(t, srv, "", "", map[string]any{"jsonrpc": "2.0", "id": 1, "method": "tools/list"})
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("expected result object, got %v", resp["result"])
	}
	tools, ok := result["tools"].([]any)
	if !ok || len(tools) == 0 {
		t.Fatalf("expected a non-empty tools list, got %v", result["tools"])
	}
	names := map[string]bool{}
	for _, raw := range tools {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		names[entry["name"].(string)] = true
	}
	for _, want := range []string{"tasks_propose", "tasks_create", "task_report", "jobs_schedule", "files_write"} {
		if !names[want] {
			t.Fatalf("expected tools/list to include %q, got %v", want, names)
		}
	}
}

func TestHandler_ToolsCall_UnknownToolIsErrorResult(t *testing.T) {
	srv := newTestServer(t, openTaskStore(t))
	resp := rpcCall(t, srv, "", "", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tools/call",
		"params": map[string]any{"name": "does_not_exist", "arguments": map[string]any{}},
	})
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("expected result object, got %v", resp["result"])
	}
	if isErr, _ := result["isError"].(bool); !isErr {
		t.Fatalf("expected isError=true for an unknown tool, got %v", result)
	}
}

func TestHandler_ToolsCall_SchemaValidationRejectsMissingRequiredField(t *testing.T) {
	srv := newTestServer(t, openTaskStore(t))
	resp := rpcCall(t, srv, "", "", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tools/call",
		"params": map[string]any{"name": "tasks_propose", "arguments": map[string]any{"name": "only-a-name"}},
	})
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("expected result object, got %v", resp["result"])
	}
	if isErr, _ := result["isError"].(bool); !isErr {
		t.Fatalf("expected isError=true for missing required arguments, got %v", result)
	}
}

func TestHandler_TasksPropose_RefusesDuplicateActiveName(t *testing.T) {
	tasks := openTaskStore(t)
	srv := newTestServer(t, tasks)

	propose := func() map[string]any {
		return rpcCall(t, srv, "", "", map[string]any{
			"jsonrpc": "2.0", "id": 1, "method": "tools/call",
			"params": map[string]any{"name": "tasks_propose", "arguments": map[string]any{
				"name": "dup-task", "prompt": "do it", "channel": "telegram", "target": "123",
			}},
		})
	}

	first := propose()
	firstResult := first["result"].(map[string]any)
	if isErr, _ := firstResult["isError"].(bool); isErr {
		t.Fatalf("expected first propose to succeed, got %v", firstResult)
	}

	second := propose()
	secondResult := second["result"].(map[string]any)
	if isErr, _ := secondResult["isError"].(bool); !isErr {
		t.Fatalf("expected second propose of the same active name to fail, got %v", secondResult)
	}
}

func TestHandler_TasksApprove_RejectsNonProposedTask(t *testing.T) {
	ctx := context.Background()
	tasks := openTaskStore(t)
	srv := newTestServer(t, tasks)

	task, err := tasks.CreateTask(ctx, "already-pending", "p", "telegram", "1", "", taskstore.StatusPending)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	resp := rpcCall(t, srv, "", "", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tools/call",
		"params": map[string]any{"name": "tasks_approve", "arguments": map[string]any{"task_id": task.TaskID}},
	})
	result := resp["result"].(map[string]any)
	if isErr, _ := result["isError"].(bool); !isErr {
		t.Fatalf("expected approving a non-proposed task to fail, got %v", result)
	}
}

func TestHandler_TaskReport_WorkerScopedCallRequiresTaskID(t *testing.T) {
	srv := newTestServer(t, openTaskStore(t))
	resp := rpcCall(t, srv, "", "worker", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tools/call",
		"params": map[string]any{"name": "task_report", "arguments": map[string]any{"type": "progress", "summary": "ok"}},
	})
	result := resp["result"].(map[string]any)
	if isErr, _ := result["isError"].(bool); !isErr {
		t.Fatalf("expected task_report without a task_id binding to fail, got %v", result)
	}
}

func TestHandler_TaskReport_RecordsProgressAndActivity(t *testing.T) {
	ctx := context.Background()
	tasks := openTaskStore(t)
	srv := newTestServer(t, tasks)

	task, err := tasks.CreateTask(ctx, "demo", "p", "telegram", "1", "", taskstore.StatusPending)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	resp := rpcCall(t, srv, task.TaskID, "worker", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tools/call",
		"params": map[string]any{"name": "task_report", "arguments": map[string]any{"type": "progress", "summary": "halfway there"}},
	})
	result := resp["result"].(map[string]any)
	if isErr, _ := result["isError"].(bool); isErr {
		t.Fatalf("expected progress report to succeed, got %v", result)
	}

	timeline, err := tasks.Timeline(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	found := false
	for _, e := range timeline {
		if e.EventKind == "checkpoint" && e.Summary == "halfway there" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a checkpoint timeline entry, got %+v", timeline)
	}
}

func TestHandler_TasksSend_AutoResumesTerminalTask(t *testing.T) {
	ctx := context.Background()
	tasks := openTaskStore(t)
	srv, err := toolserver.New(toolserver.Config{Tasks: tasks, Pool: newTestPool(t), DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new toolserver: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	task, err := tasks.CreateTask(ctx, "demo", "original prompt", "telegram", "1", "", taskstore.StatusPending)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := tasks.UpdateStatus(ctx, task.TaskID, taskstore.StatusRunning); err != nil {
		t.Fatalf("transition to running: %v", err)
	}
	if err := tasks.UpdateStatus(ctx, task.TaskID, taskstore.StatusCompleted); err != nil {
		t.Fatalf("transition to completed: %v", err)
	}

	resp := rpcCall(t, srv, "", "", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tools/call",
		"params": map[string]any{"name": "tasks_send", "arguments": map[string]any{
			"task_id": task.TaskID, "type": taskstore.MsgInstruction, "content": "keep going, add tests",
		}},
	})
	result := resp["result"].(map[string]any)
	if isErr, _ := result["isError"].(bool); isErr {
		t.Fatalf("expected auto-resume to succeed, got %v", result)
	}

	got, err := tasks.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != taskstore.StatusPending && got.Status != taskstore.StatusRunning {
		t.Fatalf("expected resumed task to leave terminal status, got %s", got.Status)
	}
}
