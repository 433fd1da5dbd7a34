package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"
)

// newTestLogger creates a logger that discards output.
func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestManager_ConnectTaskServers verifies per-task server connections.
func TestManager_ConnectTaskServers(t *testing.T) {
	mgr := NewManager(nil, newTestLogger())

	taskConfigs := []ServerConfig{
		{Name: "github", Command: "false", Args: nil, Enabled: true}, // "false" will fail init, which is fine
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// ConnectTaskServers may silently skip a server that fails to start; we're
	// testing the API exists and can be called without erroring itself.
	_ = mgr.ConnectTaskServers(ctx, "task-1", taskConfigs)
}

// TestManager_DisconnectTask verifies per-task disconnect.
func TestManager_DisconnectTask(t *testing.T) {
	mgr := NewManager(nil, newTestLogger())

	if err := mgr.DisconnectTask("task-1"); err != nil {
		t.Errorf("DisconnectTask failed: %v", err)
	}
}

// TestManager_DiscoverTools verifies tool discovery API.
func TestManager_DiscoverTools(t *testing.T) {
	mgr := NewManager(nil, newTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tools, err := mgr.DiscoverTools(ctx, "task-1")
	if err != nil {
		t.Errorf("DiscoverTools failed: %v", err)
	}
	if len(tools) != 0 {
		t.Errorf("expected 0 tools for an unconnected task, got %d", len(tools))
	}
}

// TestManager_InvokeTool verifies tool invocation API.
func TestManager_InvokeTool(t *testing.T) {
	mgr := NewManager(nil, newTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := mgr.InvokeTool(ctx, "task-1", "unknown", "tool", json.RawMessage(`{}`))
	if err == nil {
		t.Error("expected InvokeTool to fail for an unknown server")
	}
}

// TestManager_InvokeTool_DeniedByAllowToolFunc verifies the optional
// per-tool gate is consulted before a call reaches the connection.
func TestManager_InvokeTool_DeniedByAllowToolFunc(t *testing.T) {
	mgr := NewManager(func(taskID, serverName, toolName string) bool { return false }, newTestLogger())
	mgr.perTask["task-1"] = map[string]*connection{"github": {healthy: true}}

	_, err := mgr.InvokeTool(context.Background(), "task-1", "github", "create_issue", json.RawMessage(`{}`))
	if err == nil {
		t.Error("expected InvokeTool to be denied by AllowToolFunc")
	}
}

// TestManager_ServerNames verifies listing accessible servers.
func TestManager_ServerNames(t *testing.T) {
	mgr := NewManager(nil, newTestLogger())

	servers := mgr.ServerNames("task-1")
	if len(servers) != 0 {
		t.Errorf("expected empty server list, got %v", servers)
	}
}

// TestManager_Healthy verifies health reporting.
func TestManager_Healthy(t *testing.T) {
	mgr := NewManager(nil, newTestLogger())

	if mgr.Healthy("task-1", "github") {
		t.Error("expected unhealthy for an unconnected server")
	}
}

// TestManager_ReloadTask verifies hot-reload of a task's MCP servers.
func TestManager_ReloadTask(t *testing.T) {
	mgr := NewManager(nil, newTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := mgr.ReloadTask(ctx, "task-1", []ServerConfig{
		{Name: "github", Command: "false", Args: nil, Enabled: true},
	})
	if err != nil {
		t.Logf("ReloadTask error (may be expected): %v", err)
	}
}
