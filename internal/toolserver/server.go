// Package toolserver is the JSON-RPC 2.0 tool endpoint every worker and
// supervisor subprocess talks to over a single HTTP path. It dispatches
// infrastructure tools (jobs, files, audit, mcp registry), orchestrator-
// level task tools (propose/approve/create/list/...), and worker/
// supervisor-level tools (report/check_inbox/send_input/...), and
// implements the deferred-completion and on-complete-hook rules that tie
// them together. Grounded on internal/gateway/gateway.go's JSON-RPC
// envelope (request/response/error shape, method dispatch) and
// internal/mcp's tool-registry idiom, adapted from agent-scoping to
// task_id/role query-parameter scoping.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/relaytask/internal/agentrunner"
	"github.com/basket/relaytask/internal/audit"
	"github.com/basket/relaytask/internal/eventstream"
	"github.com/basket/relaytask/internal/execpolicy"
	"github.com/basket/relaytask/internal/mcp"
	"github.com/basket/relaytask/internal/scheduler"
	"github.com/basket/relaytask/internal/taskstore"
	"github.com/basket/relaytask/internal/tracing"
	"github.com/basket/relaytask/internal/workerpool"
)

const (
	errCodeParse          = -32700
	errCodeInvalidRequest = -32600
	errCodeMethodNotFound = -32601
	errCodeInternal       = -32603
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type toolCallResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Notifier delivers a message back to a chat channel, used by the
// send_message infrastructure tool. Implemented by the chat-adapter glue.
type Notifier interface {
	SendMessage(ctx context.Context, channel, target, text string) error
}

// MCPServerConfig is one entry of the external-tool-server registry
// (mcp_server_add/list/remove).
type MCPServerConfig struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
}

// Config wires the tool server to the rest of the system.
type Config struct {
	Tasks    *taskstore.Store
	Jobs     *scheduler.Store
	Pool     *workerpool.Pool
	Policy   *execpolicy.LivePolicy
	MCP      *mcp.Manager // external MCP tool-server connections; nil disables mcp_server_*/mcp_call
	Runner   agentrunner.Runner // orchestrator's own agent runner, for the on-complete hook
	Notifier Notifier

	DataDir           string // root for files_read/files_write relative resolution
	McpCallsLogPath   string
	AuthToken         string // shared token; empty disables auth
	ToolServerBaseURL string

	RestartFunc func() // invoked by app_restart; nil means unsupported

	Tracer  trace.Tracer
	Metrics *tracing.Metrics

	Logger *slog.Logger
}

// Server implements the JSON-RPC 2.0 tool endpoint.
type Server struct {
	cfg Config

	mu          sync.Mutex
	mcpServers  map[string]MCPServerConfig
	callsLogMu  sync.Mutex
	callsLogFh  *os.File
}

// New constructs a Server. Call Close when done to release the call log.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(tracing.TracerName)
	}
	s := &Server{cfg: cfg, mcpServers: make(map[string]MCPServerConfig)}
	if cfg.McpCallsLogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.McpCallsLogPath), 0o755); err != nil {
			return nil, fmt.Errorf("toolserver: create mcp calls log dir: %w", err)
		}
		fh, err := os.OpenFile(cfg.McpCallsLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("toolserver: open mcp calls log: %w", err)
		}
		s.callsLogFh = fh
	}
	return s, nil
}

// Close releases the call log file handle.
func (s *Server) Close() error {
	if s.callsLogFh != nil {
		return s.callsLogFh.Close()
	}
	return nil
}

// callCtx is the per-request binding extracted from the URL's task_id/role
// query parameters, threaded through every tool handler.
type callCtx struct {
	taskID string
	role   string // "worker", "supervisor", or "" for orchestrator-level calls
}

// Handler returns the single JSON-RPC HTTP handler, mountable at /mcp.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		cc := callCtx{
			taskID: r.URL.Query().Get("task_id"),
			role:   r.URL.Query().Get("role"),
		}

		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: errCodeParse, Message: "parse error"}})
			return
		}
		if req.JSONRPC != "2.0" || req.Method == "" {
			writeJSON(w, rpcResponse{JSONRPC: "2.0", ID: rawID(req.ID), Error: &rpcError{Code: errCodeInvalidRequest, Message: "invalid request"}})
			return
		}

		resp := s.dispatch(r.Context(), cc, req)
		s.logCall(cc, req, resp)
		writeJSON(w, resp)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	if tok := r.Header.Get("X-MCP-Token"); tok == s.cfg.AuthToken {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ") == s.cfg.AuthToken && auth != ""
}

func (s *Server) dispatch(ctx context.Context, cc callCtx, req rpcRequest) rpcResponse {
	switch req.Method {
	case "initialize":
		return rpcResponse{JSONRPC: "2.0", ID: rawID(req.ID), Result: map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]string{"name": "relaytask-toolserver", "version": "1"},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		}}
	case "initialized", "notifications/initialized":
		return rpcResponse{JSONRPC: "2.0", ID: rawID(req.ID), Result: map[string]any{}}
	case "ping":
		return rpcResponse{JSONRPC: "2.0", ID: rawID(req.ID), Result: map[string]any{}}
	case "tools/list":
		return rpcResponse{JSONRPC: "2.0", ID: rawID(req.ID), Result: map[string]any{"tools": listToolDescriptors()}}
	case "tools/call":
		return s.handleToolCall(ctx, cc, req)
	default:
		return rpcResponse{JSONRPC: "2.0", ID: rawID(req.ID), Error: &rpcError{Code: errCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}}
	}
}

func (s *Server) handleToolCall(ctx context.Context, cc callCtx, req rpcRequest) rpcResponse {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcResponse{JSONRPC: "2.0", ID: rawID(req.ID), Error: &rpcError{Code: errCodeInvalidRequest, Message: "invalid tools/call params"}}
	}

	def, ok := lookupTool(params.Name)
	if !ok {
		return rpcResponse{JSONRPC: "2.0", ID: rawID(req.ID), Result: errorToolResult(fmt.Sprintf("unknown tool: %s", params.Name))}
	}
	if def.schema != nil {
		inst, err := unmarshalForValidation(params.Arguments)
		if err == nil {
			if verr := def.schema.Validate(inst); verr != nil {
				return rpcResponse{JSONRPC: "2.0", ID: rawID(req.ID), Result: errorToolResult(fmt.Sprintf("argument validation failed: %s", verr))}
			}
		}
	}

	ctx, span := tracing.StartInternalSpan(ctx, s.cfg.Tracer, "tool.call", tracing.AttrToolName.String(params.Name), tracing.AttrTaskID.String(cc.taskID))
	start := time.Now()
	result, err := s.callTool(ctx, cc, def, params.Arguments)
	span.End()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ToolCallDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			s.cfg.Metrics.ToolCallErrors.Add(ctx, 1)
		}
	}

	if cc.role == "worker" && s.cfg.Tasks != nil && cc.taskID != "" {
		if touchErr := s.cfg.Tasks.TouchWorkerActivity(ctx, cc.taskID); touchErr == nil {
			if task, gerr := s.cfg.Tasks.GetTask(ctx, cc.taskID); gerr == nil && task.WatchdogState != taskstore.WatchdogNone {
				_ = s.cfg.Tasks.SetWatchdogState(ctx, cc.taskID, taskstore.WatchdogNone, false)
			}
		}
	}
	s.recordEvent(cc, params.Name, params.Arguments, result, err)

	if err != nil {
		return rpcResponse{JSONRPC: "2.0", ID: rawID(req.ID), Result: errorToolResult(err.Error())}
	}
	return rpcResponse{JSONRPC: "2.0", ID: rawID(req.ID), Result: successToolResult(result)}
}

func (s *Server) callTool(ctx context.Context, cc callCtx, def toolDef, args json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.cfg.Logger.Error("toolserver: tool handler panicked", "tool", def.name, "panic", r)
			err = fmt.Errorf("tool %q panicked: %v", def.name, r)
		}
	}()
	return def.handler(ctx, s, cc, args)
}

func errorToolResult(msg string) toolCallResult {
	return toolCallResult{IsError: true, Content: []toolContent{{Type: "text", Text: msg}}}
}

func successToolResult(v any) toolCallResult {
	var text string
	switch t := v.(type) {
	case string:
		text = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			text = fmt.Sprintf("%v", v)
		} else {
			text = string(b)
		}
	}
	return toolCallResult{Content: []toolContent{{Type: "text", Text: text}}}
}

func (s *Server) recordEvent(cc callCtx, tool string, args json.RawMessage, result any, callErr error) {
	if s.cfg.Tasks == nil || cc.taskID == "" {
		return
	}
	stream, err := eventstream.Open(s.cfg.Tasks.WorkDir(cc.taskID))
	if err != nil {
		return
	}
	defer stream.Close()

	resultSummary := ""
	if b, err := json.Marshal(result); err == nil {
		resultSummary = truncate(string(b), 500)
	}
	ev := eventstream.Event{
		Timestamp:     time.Now().UTC(),
		Role:          cc.role,
		Tool:          tool,
		ArgsSummary:   truncate(string(args), 500),
		ResultSummary: resultSummary,
		IsError:       callErr != nil,
		TaskID:        cc.taskID,
	}
	_ = stream.Append(ev)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

func (s *Server) logCall(cc callCtx, req rpcRequest, resp rpcResponse) {
	if s.callsLogFh == nil {
		return
	}
	line := map[string]any{
		"timestamp": time.Now().UTC(),
		"task_id":   cc.taskID,
		"role":      cc.role,
		"method":    req.Method,
		"error":     resp.Error != nil,
	}
	b, err := json.Marshal(line)
	if err != nil {
		return
	}
	s.callsLogMu.Lock()
	defer s.callsLogMu.Unlock()
	_, _ = s.callsLogFh.Write(append(b, '\n'))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func rawID(id json.RawMessage) any {
	if len(id) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(id, &v); err != nil {
		return nil
	}
	return v
}

// auditRecord records a privileged decision to the central audit log, the
// same call site the teacher's policy-enforcement points use.
func auditRecord(decision, capability, reason, subject string) {
	audit.Record(decision, capability, reason, "", subject)
}

// TaggedURL builds a tool-server URL carrying task_id/role query
// parameters, matching what a worker/supervisor's MCP config points at.
func TaggedURL(base, taskID, role string) string {
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Sprintf("%s?task_id=%s&role=%s", base, taskID, role)
	}
	q := u.Query()
	q.Set("task_id", taskID)
	q.Set("role", role)
	u.RawQuery = q.Encode()
	return u.String()
}
