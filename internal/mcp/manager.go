// Package mcp is the client side of the Model Context Protocol: it starts
// and maintains connections to external tool servers a task's agents were
// given (via mcp_server_add), enumerates their tools, and forwards calls to
// them. Scoped per task_id rather than per-agent, since in this system the
// unit of MCP-server access is a task, not a long-lived agent identity.
// Grounded on the teacher's own internal/mcp, generalized from its v0.4
// per-agent scoping to task scoping.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ServerConfig defines an MCP server to start.
type ServerConfig struct {
	Name      string            `yaml:"name"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url,omitempty"`       // SSE endpoint
	Transport string            `yaml:"transport,omitempty"` // "stdio" (default) or "sse"
	Timeout   string            `yaml:"timeout,omitempty"`
	Enabled   bool              `yaml:"enabled"`
}

// DiscoveredTool represents a tool enumerated from an MCP server.
type DiscoveredTool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	ServerName  string
}

type connection struct {
	config  ServerConfig
	client  *Client
	tools   []DiscoveredTool
	healthy bool
	mu      sync.RWMutex
}

// AllowToolFunc gates an external MCP tool call. A nil AllowToolFunc on
// Manager means every discovered tool is allowed — this system's execution
// policy (internal/execpolicy) governs shell commands, not arbitrary
// external MCP tools, so the default posture is permissive.
type AllowToolFunc func(taskID, serverName, toolName string) bool

// Manager manages multiple MCP clients with per-task scoping: a registered
// server is either shared (global) or scoped to the task that added it.
type Manager struct {
	mu        sync.RWMutex
	global    map[string]*connection            // name -> connection (shared)
	perTask   map[string]map[string]*connection // task_id -> name -> connection
	allowTool AllowToolFunc
	logger    *slog.Logger
}

// NewManager constructs an empty Manager. allowTool may be nil.
func NewManager(allowTool AllowToolFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		global:    make(map[string]*connection),
		perTask:   make(map[string]map[string]*connection),
		allowTool: allowTool,
		logger:    logger,
	}
}

func (m *Manager) allowed(taskID, serverName, toolName string) bool {
	if m.allowTool == nil {
		return true
	}
	return m.allowTool(taskID, serverName, toolName)
}

// Start starts all enabled global MCP servers and initializes them.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Start() only handles global servers; per-task servers are started
	// via ConnectTaskServers().
	return nil
}

// ConnectTaskServers starts MCP servers registered against a task (via
// mcp_server_add). Global server references share connections; inline
// definitions create task-specific connections.
func (m *Manager) ConnectTaskServers(ctx context.Context, taskID string, configs []ServerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.perTask[taskID]; !exists {
		m.perTask[taskID] = make(map[string]*connection)
	}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		// Check if it's a reference to a global server
		if cfg.Command == "" && cfg.URL == "" {
			// Name-only reference to global server
			if conn, ok := m.global[cfg.Name]; ok {
				m.perTask[taskID][cfg.Name] = conn
				m.logger.Debug("task using global mcp server", "task_id", taskID, "server", cfg.Name)
				continue
			}
		}

		// Inline definition: create task-specific connection
		m.logger.Info("connecting task to mcp server", "task_id", taskID, "server", cfg.Name)

		transport, err := NewReconnectableTransport(cfg.Command, cfg.Args, cfg.Env, m.logger)
		if err != nil {
			m.logger.Error("failed to start mcp server", "task_id", taskID, "server", cfg.Name, "error", err)
			continue
		}

		client, err := NewClient(cfg.Name, transport, m.logger)
		if err != nil {
			m.logger.Error("failed to create mcp client", "task_id", taskID, "server", cfg.Name, "error", err)
			transport.Close()
			continue
		}

		// Initialize with timeout
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := client.Initialize(initCtx); err != nil {
			cancel()
			m.logger.Error("failed to initialize mcp client", "task_id", taskID, "server", cfg.Name, "error", err)
			client.Close()
			continue
		}
		cancel()

		conn := &connection{
			config:  cfg,
			client:  client,
			healthy: true,
		}
		m.perTask[taskID][cfg.Name] = conn
		m.logger.Info("mcp server connected for task", "task_id", taskID, "server", cfg.Name)
	}

	return nil
}

// DisconnectTask stops all per-task MCP connections for this task. Does NOT
// stop shared global connections.
func (m *Manager) DisconnectTask(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	taskConns, exists := m.perTask[taskID]
	if !exists {
		return nil
	}

	for name, conn := range taskConns {
		// Skip global connections (they're managed separately)
		if _, inGlobal := m.global[name]; inGlobal {
			continue
		}

		if err := conn.client.Close(); err != nil {
			m.logger.Warn("error disconnecting task from mcp server", "task_id", taskID, "server", name, "error", err)
		}
	}

	delete(m.perTask, taskID)
	return nil
}

// DisconnectServer closes and forgets a single per-task server connection,
// leaving the task's other connections untouched. No-op if not connected.
func (m *Manager) DisconnectServer(taskID, serverName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	taskConns, exists := m.perTask[taskID]
	if !exists {
		return nil
	}
	conn, ok := taskConns[serverName]
	if !ok {
		return nil
	}
	delete(taskConns, serverName)

	if _, inGlobal := m.global[serverName]; inGlobal {
		return nil
	}
	if err := conn.client.Close(); err != nil {
		m.logger.Warn("error disconnecting mcp server", "task_id", taskID, "server", serverName, "error", err)
		return err
	}
	return nil
}

// DiscoverTools enumerates tools from all MCP servers accessible to a task.
// Calls tools/list on each connected server and caches the results. Returns
// only tools the AllowToolFunc (if any) permits.
func (m *Manager) DiscoverTools(ctx context.Context, taskID string) ([]DiscoveredTool, error) {
	m.mu.RLock()
	taskConns, exists := m.perTask[taskID]
	if !exists {
		m.mu.RUnlock()
		return nil, nil
	}
	m.mu.RUnlock()

	var allTools []DiscoveredTool

	for serverName, conn := range taskConns {
		// Try cache first
		conn.mu.RLock()
		if len(conn.tools) > 0 {
			allTools = append(allTools, conn.tools...)
			conn.mu.RUnlock()
			continue
		}
		conn.mu.RUnlock()

		// Discover tools from server
		listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		tools, err := conn.client.ListTools(listCtx)
		cancel()

		if err != nil {
			m.logger.Warn("failed to discover mcp tools", "task_id", taskID, "server", serverName, "error", err)
			continue
		}

		// Convert and cache
		var discovered []DiscoveredTool
		for _, tool := range tools {
			dt := DiscoveredTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
				ServerName:  serverName,
			}
			discovered = append(discovered, dt)

			if !m.allowed(taskID, serverName, tool.Name) {
				m.logger.Debug("mcp tool blocked", "task_id", taskID, "server", serverName, "tool", tool.Name)
				continue
			}

			allTools = append(allTools, dt)
		}

		conn.mu.Lock()
		conn.tools = discovered
		conn.mu.Unlock()

		m.logger.Info("mcp tools discovered", "task_id", taskID, "server", serverName, "count", len(discovered))
	}

	return allTools, nil
}

// InvokeTool calls a tool on behalf of a task, subject to AllowToolFunc.
func (m *Manager) InvokeTool(ctx context.Context, taskID, serverName, toolName string, input json.RawMessage) (json.RawMessage, error) {
	m.mu.RLock()
	taskConns, exists := m.perTask[taskID]
	if !exists {
		m.mu.RUnlock()
		return nil, fmt.Errorf("task not connected to any mcp servers: %s", taskID)
	}

	conn, ok := taskConns[serverName]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("task %s not connected to server %s", taskID, serverName)
	}
	m.mu.RUnlock()

	if !m.allowed(taskID, serverName, toolName) {
		return nil, fmt.Errorf("mcp tool denied: %s/%s for task %s", serverName, toolName, taskID)
	}

	return conn.client.CallTool(ctx, toolName, input)
}

// ServerNames returns server names accessible to a task.
func (m *Manager) ServerNames(taskID string) []string {
	m.mu.RLock()
	taskConns, exists := m.perTask[taskID]
	m.mu.RUnlock()

	if !exists {
		return nil
	}

	names := make([]string, 0, len(taskConns))
	for name := range taskConns {
		names = append(names, name)
	}
	return names
}

// Healthy reports whether a specific server is connected and responsive.
func (m *Manager) Healthy(taskID, serverName string) bool {
	m.mu.RLock()
	taskConns, exists := m.perTask[taskID]
	m.mu.RUnlock()

	if !exists {
		return false
	}

	conn, ok := taskConns[serverName]
	if !ok {
		return false
	}

	conn.mu.RLock()
	healthy := conn.healthy
	conn.mu.RUnlock()

	return healthy
}

// ReloadTask diffs current vs new config for a task: disconnects removed
// servers, connects new ones, reconnects changed ones.
func (m *Manager) ReloadTask(ctx context.Context, taskID string, newConfigs []ServerConfig) error {
	if err := m.DisconnectTask(taskID); err != nil {
		m.logger.Warn("error disconnecting task during reload", "task_id", taskID, "error", err)
	}
	return m.ConnectTaskServers(ctx, taskID, newConfigs)
}

// AllTools aggregates tools from all connected servers (backward compat).
func (m *Manager) AllTools(ctx context.Context) (map[string][]MCPTool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]MCPTool)
	for name, conn := range m.global {
		// Use short timeout for listing tools
		listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		tools, err := conn.client.ListTools(listCtx)
		cancel()

		if err != nil {
			m.logger.Warn("failed to list tools", "server", name, "error", err)
			continue
		}
		result[name] = tools
	}
	return result, nil
}

// CallTool invokes a tool on a shared global server directly, without a
// task scope (used by the orchestrator's own boot-time servers).
func (m *Manager) CallTool(ctx context.Context, serverName, toolName string, args json.RawMessage) (json.RawMessage, error) {
	m.mu.RLock()
	conn, ok := m.global[serverName]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("server not found: %s", serverName)
	}
	if !m.allowed("", serverName, toolName) {
		return nil, fmt.Errorf("mcp tool denied: %s/%s", serverName, toolName)
	}

	return conn.client.CallTool(ctx, toolName, args)
}

// Stop disconnects all servers, global and per-task.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for taskID, taskConns := range m.perTask {
		for serverName, conn := range taskConns {
			// Skip global connections (they're managed separately)
			if _, inGlobal := m.global[serverName]; inGlobal {
				continue
			}

			if err := conn.client.Close(); err != nil {
				m.logger.Warn("error stopping mcp client", "task_id", taskID, "server", serverName, "error", err)
			}
		}
	}
	m.perTask = make(map[string]map[string]*connection)

	for name, conn := range m.global {
		if err := conn.client.Close(); err != nil {
			m.logger.Warn("error stopping mcp client", "server", name, "error", err)
		}
	}
	m.global = make(map[string]*connection)

	return nil
}
