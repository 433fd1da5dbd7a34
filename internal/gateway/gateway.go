// Package gateway mounts the orchestrator's HTTP surface: the tool server,
// the control/health endpoints, the direct /agent passthrough, and every
// chat channel's inbound webhook, the way the teacher's internal/gateway
// mounts its WS/ACP and REST handlers on one mux.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/basket/relaytask/internal/agentrunner"
	"github.com/basket/relaytask/internal/channels"
	"github.com/basket/relaytask/internal/execpolicy"
	"github.com/basket/relaytask/internal/ratelimit"
	"github.com/basket/relaytask/internal/scheduler"
	"github.com/basket/relaytask/internal/taskstore"
	"github.com/basket/relaytask/internal/toolserver"
	"github.com/basket/relaytask/internal/workerpool"
)

// Config wires the gateway to the rest of the system. Channels is optional:
// a deployment may run with no chat adapters enabled, in which case their
// webhook routes simply aren't mounted.
type Config struct {
	ToolServer *toolserver.Server
	Tasks      *taskstore.Store
	Jobs       *scheduler.Store
	Pool       *workerpool.Pool
	Policy     *execpolicy.LivePolicy
	Runner     agentrunner.Runner

	Telegram *channels.TelegramChannel
	Teams    *channels.TeamsChannel
	WhatsApp *channels.WhatsAppChannel
	Slack    *channels.SlackChannel

	CLITimeout  time.Duration
	RestartFunc func(reason string)

	// WebhookRateLimit bounds inbound webhook calls per channel name, per
	// spec.md §4.12 ("rate-limit by channel name"). Nil disables it.
	WebhookRateLimit *ratelimit.Limiter

	Logger *slog.Logger
}

// Server is the orchestrator's single HTTP entrypoint.
type Server struct {
	cfg Config

	restartMu      sync.Mutex
	restartPending bool
}

// New builds a Server from cfg.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CLITimeout <= 0 {
		cfg.CLITimeout = 5 * time.Minute
	}
	return &Server{cfg: cfg}
}

// rateLimited wraps a channel webhook handler with the shared
// per-channel-name limiter, returning HTTP 429 once exhausted.
func (s *Server) rateLimited(channel string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.WebhookRateLimit != nil && !s.cfg.WebhookRateLimit.Allow(channel) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// Handler builds the mux described in spec.md §6. Channel webhook routes
// are mounted only for the adapters cfg actually wires in.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/control/status", s.handleControlStatus)
	mux.HandleFunc("/control/health", s.handleHealth)
	mux.HandleFunc("/control/metrics", s.handleControlMetrics)
	mux.HandleFunc("/control/restart", s.handleControlRestart)
	mux.HandleFunc("/agent", s.handleAgent)

	if s.cfg.ToolServer != nil {
		mux.HandleFunc("/mcp", s.cfg.ToolServer.Handler())
	}
	if s.cfg.Telegram != nil {
		mux.HandleFunc("/telegram/webhook", s.rateLimited("telegram", s.handleTelegramWebhook))
	}
	if s.cfg.Teams != nil {
		mux.HandleFunc("/teams/api/messages", s.rateLimited("teams", s.cfg.Teams.ServeHTTP))
	}
	if s.cfg.WhatsApp != nil {
		mux.HandleFunc("/whatsapp/webhook", s.rateLimited("whatsapp", s.cfg.WhatsApp.ServeHTTP))
	}
	if s.cfg.Slack != nil {
		mux.HandleFunc("/slack/events", s.rateLimited("slack", s.cfg.Slack.ServeHTTP))
	}

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleControlStatus returns task/job counts and worker-pool state.
func (s *Server) handleControlStatus(w http.ResponseWriter, r *http.Request) {
	counts := map[string]int{}
	if s.cfg.Tasks != nil {
		if tasks, err := s.cfg.Tasks.ListTasks(r.Context()); err == nil {
			for _, t := range tasks {
				counts[string(t.Status)]++
			}
		}
	}
	jobCount := 0
	if s.cfg.Jobs != nil {
		jobCount = len(s.cfg.Jobs.List())
	}
	var poolStatus map[string][]string
	if s.cfg.Pool != nil {
		poolStatus = s.cfg.Pool.Status()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks_by_status": counts,
		"job_count":       jobCount,
		"pool":            poolStatus,
		"time":            time.Now().UTC(),
	})
}

// handleControlMetrics is a smaller numeric sibling of /control/status,
// shaped for dashboards rather than debugging.
func (s *Server) handleControlMetrics(w http.ResponseWriter, r *http.Request) {
	var running, pending, needsInput int
	if s.cfg.Tasks != nil {
		if tasks, err := s.cfg.Tasks.ListTasks(r.Context()); err == nil {
			for _, t := range tasks {
				switch t.Status {
				case taskstore.StatusRunning:
					running++
				case taskstore.StatusPending, taskstore.StatusProposed:
					pending++
				case taskstore.StatusNeedsInput:
					needsInput++
				}
			}
		}
	}
	activeWorkers := 0
	if s.cfg.Pool != nil {
		activeWorkers = s.cfg.Pool.ActiveCount()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks_running":     running,
		"tasks_pending":     pending,
		"tasks_needs_input": needsInput,
		"active_workers":    activeWorkers,
	})
}

func (s *Server) handleControlRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.RestartFunc == nil {
		http.Error(w, "restart not supported", http.StatusNotImplemented)
		return
	}
	s.restartMu.Lock()
	already := s.restartPending
	s.restartPending = true
	s.restartMu.Unlock()
	if !already {
		go s.cfg.RestartFunc("control/restart")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarting"})
}

// handleAgent is the direct orchestrator passthrough: one prompt in, one
// response out, with no session persistence or chat-router routing.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Runner == nil {
		http.Error(w, "agent runner not configured", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Prompt string `json:"prompt"`
		Model  string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Prompt) == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}
	res, err := s.cfg.Runner.Run(r.Context(), agentrunner.Invocation{
		Prompt:  body.Prompt,
		Timeout: s.cfg.CLITimeout,
	}, nil)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"response": fmt.Sprintf("Error: %v", err)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": res.Output})
}

// handleTelegramWebhook lets Telegram deliver updates by webhook instead of
// long-poll; both paths call the same handler the poller uses.
func (s *Server) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.cfg.Telegram.ServeHTTP(w, r)
}

// StartChannels launches every configured channel's blocking Start loop in
// its own goroutine, returning once all are running (they run until ctx is
// done). Errors are logged, not returned: one channel failing to start
// should not prevent the others from running.
func StartChannels(ctx context.Context, logger *slog.Logger, chans ...channels.Channel) {
	for _, ch := range chans {
		if ch == nil {
			continue
		}
		go func(ch channels.Channel) {
			if err := ch.Start(ctx); err != nil {
				logger.Error("channel stopped", "channel", ch.Name(), "error", err)
			}
		}(ch)
	}
}
