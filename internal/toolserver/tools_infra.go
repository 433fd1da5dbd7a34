package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/relaytask/internal/audit"
	"github.com/basket/relaytask/internal/mcp"
	"github.com/basket/relaytask/internal/scheduler"
)

func init() {
	registerTool("jobs_schedule", "Schedule a one-shot or cron job.", `{
		"type":"object",
		"properties":{
			"name":{"type":"string"},
			"run_at":{"type":"string","description":"RFC3339 timestamp; omit for cron jobs"},
			"cron":{"type":"string"},
			"payload":{"type":"object"}
		},
		"required":["name"]
	}`, toolJobsSchedule)

	registerTool("jobs_list", "List scheduled jobs.", "", toolJobsList)
	registerTool("jobs_cancel", "Cancel a scheduled job by id.", `{"type":"object","properties":{"job_id":{"type":"string"}},"required":["job_id"]}`, toolJobsCancel)
	registerTool("jobs_runs", "List recent run-log entries for a job.", `{"type":"object","properties":{"job_id":{"type":"string"},"limit":{"type":"integer"}},"required":["job_id"]}`, toolJobsRuns)
	registerTool("jobs_clear_all", "Clear every scheduled job.", "", toolJobsClearAll)

	registerTool("send_message", "Send a message to a chat channel.", `{
		"type":"object",
		"properties":{"channel":{"type":"string"},"target":{"type":"string"},"text":{"type":"string"}},
		"required":["channel","target","text"]
	}`, toolSendMessage)

	registerTool("files_read", "Read a file relative to the data directory.", `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`, toolFilesRead)
	registerTool("files_write", "Write a file relative to the data directory. Writes outside the data dir are allowed with a warning.", `{
		"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]
	}`, toolFilesWrite)

	registerTool("audit_read", "Read recent entries from the privileged-action audit log.", `{"type":"object","properties":{"limit":{"type":"integer"}}}`, toolAuditRead)

	registerTool("mcp_server_add", "Register an external MCP tool server.", `{
		"type":"object","properties":{"name":{"type":"string"},"url":{"type":"string"}},"required":["name","url"]
	}`, toolMCPServerAdd)
	registerTool("mcp_server_list", "List registered external MCP tool servers.", "", toolMCPServerList)
	registerTool("mcp_server_remove", "Remove a registered external MCP tool server.", `{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`, toolMCPServerRemove)
	registerTool("mcp_call", "Invoke a tool on a registered external MCP server.", `{
		"type":"object","properties":{"server":{"type":"string"},"tool":{"type":"string"},"arguments":{"type":"object"}},
		"required":["server","tool"]
	}`, toolMCPCall)

	registerTool("app_restart", "Schedule an asynchronous application restart.", "", toolAppRestart)
}

func toolJobsSchedule(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	var in struct {
		Name    string         `json:"name"`
		RunAt   string         `json:"run_at"`
		Cron    string         `json:"cron"`
		Payload map[string]any `json:"payload"`
	}
	if err := argsOf(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if s.cfg.Jobs == nil {
		return nil, fmt.Errorf("scheduler not configured")
	}
	if in.Cron != "" {
		if err := scheduler.ValidateCron(in.Cron); err != nil {
			return nil, err
		}
	}
	runAt := time.Now().UTC()
	if in.RunAt != "" {
		t, err := time.Parse(time.RFC3339, in.RunAt)
		if err != nil {
			return nil, fmt.Errorf("invalid run_at: %w", err)
		}
		runAt = t
	}
	job, err := s.cfg.Jobs.Schedule(in.Name, runAt, in.Payload, in.Cron)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func toolJobsList(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	if s.cfg.Jobs == nil {
		return nil, fmt.Errorf("scheduler not configured")
	}
	return s.cfg.Jobs.List(), nil
}

func toolJobsCancel(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	var in struct {
		JobID string `json:"job_id"`
	}
	if err := argsOf(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if s.cfg.Jobs == nil {
		return nil, fmt.Errorf("scheduler not configured")
	}
	if err := s.cfg.Jobs.Cancel(in.JobID); err != nil {
		return nil, err
	}
	return map[string]any{"cancelled": true}, nil
}

func toolJobsRuns(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	var in struct {
		JobID string `json:"job_id"`
		Limit int    `json:"limit"`
	}
	if err := argsOf(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if s.cfg.Jobs == nil {
		return nil, fmt.Errorf("scheduler not configured")
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	return s.cfg.Jobs.ListRuns(in.JobID, limit)
}

func toolJobsClearAll(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	if s.cfg.Jobs == nil {
		return nil, fmt.Errorf("scheduler not configured")
	}
	if err := s.cfg.Jobs.ClearAll(); err != nil {
		return nil, err
	}
	return map[string]any{"cleared": true}, nil
}

func toolSendMessage(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	var in struct {
		Channel string `json:"channel"`
		Target  string `json:"target"`
		Text    string `json:"text"`
	}
	if err := argsOf(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if s.cfg.Notifier == nil {
		return nil, fmt.Errorf("no notifier configured")
	}
	if err := s.cfg.Notifier.SendMessage(ctx, in.Channel, in.Target, in.Text); err != nil {
		return nil, err
	}
	return map[string]any{"sent": true}, nil
}

// resolveDataPath resolves a caller-supplied relative path under the data
// directory, per spec.md §4.10.2: writes outside are allowed (the agent
// keeps full filesystem autonomy) but the tool reports when a path escapes.
func resolveDataPath(dataDir, rel string) (path string, escaped bool) {
	if filepath.IsAbs(rel) {
		return rel, !strings.HasPrefix(filepath.Clean(rel), filepath.Clean(dataDir))
	}
	joined := filepath.Join(dataDir, rel)
	escaped = strings.Contains(rel, "..") && !strings.HasPrefix(filepath.Clean(joined), filepath.Clean(dataDir))
	return joined, escaped
}

func toolFilesRead(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := argsOf(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	path, _ := resolveDataPath(s.cfg.DataDir, in.Path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func toolFilesWrite(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := argsOf(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	path, escaped := resolveDataPath(s.cfg.DataDir, in.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
		return nil, err
	}
	result := map[string]any{"written": true, "path": path}
	if escaped {
		result["warning"] = "path resolved outside the data directory"
	}
	return result, nil
}

func toolAuditRead(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	var in struct {
		Limit int `json:"limit"`
	}
	if err := argsOf(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 100
	}
	return audit.Tail(s.cfg.DataDir, limit)
}

func toolMCPServerAdd(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	var in MCPServerConfig
	if err := argsOf(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	in.Enabled = true
	s.mu.Lock()
	s.mcpServers[in.Name] = in
	s.mu.Unlock()

	if s.cfg.MCP == nil || cc.taskID == "" {
		return map[string]any{"added": true, "connected": false}, nil
	}
	err := s.cfg.MCP.ConnectTaskServers(ctx, cc.taskID, []mcp.ServerConfig{
		{Name: in.Name, URL: in.URL, Transport: "sse", Enabled: true},
	})
	if err != nil {
		return map[string]any{"added": true, "connected": false}, nil
	}
	return map[string]any{"added": true, "connected": s.cfg.MCP.Healthy(cc.taskID, in.Name)}, nil
}

func toolMCPServerList(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	s.mu.Lock()
	registered := make([]MCPServerConfig, 0, len(s.mcpServers))
	for _, v := range s.mcpServers {
		registered = append(registered, v)
	}
	s.mu.Unlock()

	type entry struct {
		MCPServerConfig
		Connected bool `json:"connected"`
	}
	out := make([]entry, 0, len(registered))
	for _, v := range registered {
		connected := s.cfg.MCP != nil && cc.taskID != "" && s.cfg.MCP.Healthy(cc.taskID, v.Name)
		out = append(out, entry{MCPServerConfig: v, Connected: connected})
	}
	return out, nil
}

func toolMCPServerRemove(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	var in struct {
		Name string `json:"name"`
	}
	if err := argsOf(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	s.mu.Lock()
	delete(s.mcpServers, in.Name)
	s.mu.Unlock()

	if s.cfg.MCP != nil && cc.taskID != "" {
		if err := s.cfg.MCP.DisconnectServer(cc.taskID, in.Name); err != nil {
			return nil, fmt.Errorf("disconnect mcp server: %w", err)
		}
	}
	return map[string]any{"removed": true}, nil
}

func toolMCPCall(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	var in struct {
		Server    string          `json:"server"`
		Tool      string          `json:"tool"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := argsOf(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if s.cfg.MCP == nil {
		return nil, fmt.Errorf("no mcp manager configured")
	}
	if in.Arguments == nil {
		in.Arguments = json.RawMessage(`{}`)
	}
	if cc.taskID == "" {
		return s.cfg.MCP.CallTool(ctx, in.Server, in.Tool, in.Arguments)
	}
	return s.cfg.MCP.InvokeTool(ctx, cc.taskID, in.Server, in.Tool, in.Arguments)
}

func toolAppRestart(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error) {
	if s.cfg.RestartFunc == nil {
		return nil, fmt.Errorf("restart is not supported in this deployment")
	}
	auditRecord("allow", "app.restart", "requested via tool server", cc.role)
	go s.cfg.RestartFunc()
	return map[string]any{"status": "restarting"}, nil
}
