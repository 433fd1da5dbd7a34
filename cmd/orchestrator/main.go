package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/basket/relaytask/internal/agentrunner"
	"github.com/basket/relaytask/internal/audit"
	"github.com/basket/relaytask/internal/channels"
	"github.com/basket/relaytask/internal/chatrouter"
	"github.com/basket/relaytask/internal/config"
	"github.com/basket/relaytask/internal/execpolicy"
	"github.com/basket/relaytask/internal/gateway"
	"github.com/basket/relaytask/internal/mcp"
	"github.com/basket/relaytask/internal/pairing"
	"github.com/basket/relaytask/internal/ratelimit"
	"github.com/basket/relaytask/internal/scheduler"
	"github.com/basket/relaytask/internal/session"
	"github.com/basket/relaytask/internal/taskstore"
	"github.com/basket/relaytask/internal/telemetry"
	"github.com/basket/relaytask/internal/toolserver"
	"github.com/basket/relaytask/internal/tracing"
	"github.com/basket/relaytask/internal/watchdog"
	"github.com/basket/relaytask/internal/workerpool"
	"gopkg.in/yaml.v3"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                      Start the orchestrator daemon
  %s -reset               Start the daemon, first clearing volatile state
                          (tasks, sessions, jobs, event logs, audit log —
                          pairing.json is always preserved)
  %s status                Check daemon health (/health)
  %s doctor [-json]        Run startup diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  RELAYTASK_HOME          Data directory (default: ~/.relaytask)
  RELAYTASK_BIND_ADDR     HTTP bind address (default: 127.0.0.1:18080)
  RELAYTASK_MCP_TOKEN     Bearer token workers use against the tool server
  TELEGRAM_BOT_TOKEN, TEAMS_APP_ID/APP_PASSWORD/TENANT_ID,
  WHATSAPP_TOKEN/VERIFY_TOKEN/PHONE_NUMBER_ID, SLACK_SIGNING_SECRET/BOT_TOKEN,
  SIGNAL_CLI_URL/PHONE_NUMBER   Channel adapter credentials
`)
}

func main() {
	loadDotEnv(".env")

	reset := flag.Bool("reset", false, "clear volatile state (tasks, sessions, jobs, logs) before starting")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	for _, dir := range []string{cfg.DataDir, cfg.LogDir, cfg.WorkspaceDir, cfg.TasksDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fatalStartup(nil, "E_DIR_CREATE", fmt.Errorf("%s: %w", dir, err))
		}
	}

	// Reset runs before audit.Init/telemetry.NewLogger open their append
	// handles on audit.jsonl/system.jsonl: removing those files once they're
	// already open would just unlink the inode under the open fd, leaving
	// every write after that point invisible on disk.
	if *reset {
		resetVolatileState(cfg)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded")

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback {
			logger.Warn("binding to a non-loopback address; every channel webhook and /mcp call will be reachable from outside this host", "bind_addr", cfg.BindAddr)
		}
	}

	// Execution policy: bootstrap policy.yaml from config defaults on first
	// run, then load the live, reloadable copy workers' shell calls check.
	policyPath := filepath.Join(cfg.DataDir, "policy.yaml")
	if _, statErr := os.Stat(policyPath); os.IsNotExist(statErr) {
		initial := execpolicy.Policy{AllowAll: cfg.ExecutionPolicy.AllowAll, AllowedCmds: cfg.ExecutionPolicy.AllowedCmds}
		out, err := yaml.Marshal(initial)
		if err != nil {
			fatalStartup(logger, "E_POLICY_BOOTSTRAP", err)
		}
		if err := os.WriteFile(policyPath, out, 0o644); err != nil {
			fatalStartup(logger, "E_POLICY_BOOTSTRAP", err)
		}
		logger.Info("policy.yaml bootstrapped with defaults", "path", policyPath)
	}
	polData, err := execpolicy.Load(policyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	livePolicy := execpolicy.NewLivePolicy(polData, policyPath)
	logger.Info("startup phase", "phase", "policy_loaded")

	dbPath := filepath.Join(cfg.DataDir, "tasks.db")
	taskStore, err := taskstore.Open(dbPath, cfg.TasksDir)
	if err != nil {
		fatalStartup(logger, "E_TASKSTORE_OPEN", err)
	}
	defer taskStore.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	if err := taskStore.Reconcile(ctx, logger); err != nil {
		logger.Warn("task directory reconciliation failed", "error", err)
	}

	jobStore, err := scheduler.Open(cfg.DataDir)
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_OPEN", err)
	}

	sessionStore, err := session.Open(filepath.Join(cfg.DataDir, "sessions.json"))
	if err != nil {
		fatalStartup(logger, "E_SESSION_STORE_OPEN", err)
	}

	pairingStore, err := pairing.Open(filepath.Join(cfg.DataDir, "pairing.json"))
	if err != nil {
		fatalStartup(logger, "E_PAIRING_STORE_OPEN", err)
	}

	owner := ownerRoute{}
	for _, cc := range []struct {
		name string
		cfg  config.ChannelConfig
	}{
		{"telegram", cfg.Channels.Telegram},
		{"teams", cfg.Channels.Teams},
		{"whatsapp", cfg.Channels.WhatsApp},
		{"slack", cfg.Channels.Slack},
		{"signal", cfg.Channels.Signal},
	} {
		if !cc.cfg.Enabled {
			continue
		}
		for _, id := range cc.cfg.AllowedIDs {
			if err := pairingStore.Authorize(cc.name, id); err != nil {
				logger.Warn("failed to pre-authorize configured allowed id", "channel", cc.name, "error", err)
				continue
			}
			if owner.Channel == "" {
				owner = ownerRoute{Channel: cc.name, Target: id}
			}
		}
	}

	authToken, err := resolveAuthToken(cfg)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN", err)
	}

	cliTimeout := time.Duration(cfg.CLITimeoutSeconds) * time.Second
	toolServerBaseURL := "http://" + cfg.BindAddr + "/mcp"
	sessionStateDir := filepath.Join(cfg.DataDir, "agent-sessions")
	if err := os.MkdirAll(sessionStateDir, 0o755); err != nil {
		fatalStartup(logger, "E_SESSION_STATE_DIR", err)
	}

	runner := agentrunner.NewSubprocessRunner(cfg.AgentCommand, sessionStateDir)
	runner.ExtraArgs = cfg.AgentArgs
	runner.LogPath = filepath.Join(cfg.LogDir, "agent.jsonl")
	runner.Logger = logger

	pool := workerpool.New(workerpool.Config{
		Runner:            runner,
		RootWorkspace:     cfg.WorkspaceDir,
		ToolServerBaseURL: toolServerBaseURL,
		DefaultTimeout:    cliTimeout,
		Logger:            logger,
	})

	mcpManager := mcp.NewManager(nil, logger)
	if err := mcpManager.Start(ctx); err != nil {
		logger.Warn("mcp manager start failed", "error", err)
	}

	tracingProvider, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		fatalStartup(logger, "E_TRACING_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracingProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := tracing.NewMetrics(tracingProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_TRACING_INIT", err)
	}

	// notify is a forwarding shim: toolserver and watchdog need a Notifier
	// at construction, but the channel adapters that actually implement one
	// aren't built until after the chatrouter (which needs toolServer) is.
	notify := &notifierProxy{}

	toolServer, err := toolserver.New(toolserver.Config{
		Tasks:             taskStore,
		Jobs:              jobStore,
		Pool:              pool,
		Policy:            livePolicy,
		MCP:               mcpManager,
		Runner:            runner,
		Notifier:          notify,
		DataDir:           cfg.DataDir,
		McpCallsLogPath:   filepath.Join(cfg.LogDir, "mcp-calls.jsonl"),
		AuthToken:         authToken,
		ToolServerBaseURL: toolServerBaseURL,
		RestartFunc: func() {
			logger.Warn("restart requested; shutting down for an external supervisor to restart this process")
			stop()
		},
		Tracer:  tracingProvider.Tracer,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		fatalStartup(logger, "E_TOOLSERVER_INIT", err)
	}
	defer toolServer.Close()

	router := chatrouter.New(chatrouter.Config{
		Tasks:             taskStore,
		Jobs:              jobStore,
		Sessions:          sessionStore,
		Pairing:           pairingStore,
		Policy:            livePolicy,
		Pool:              pool,
		Dispatcher:        toolServer,
		Runner:            runner,
		SessionStateDir:   sessionStateDir,
		ToolServerBaseURL: toolServerBaseURL,
		CLITimeout:        cliTimeout,
		HomeDir:           cfg.HomeDir,
		RestartFunc: func(reason string) {
			logger.Warn("restart requested via chat", "reason", reason)
			stop()
		},
		Logger: logger,
	})

	var tgChan *channels.TelegramChannel
	var teamsChan *channels.TeamsChannel
	var waChan *channels.WhatsAppChannel
	var slackChan *channels.SlackChannel
	var signalChan *channels.SignalChannel
	var active []channels.Channel

	if cc := cfg.Channels.Telegram; cc.Enabled {
		if cc.Token == "" {
			logger.Warn("telegram enabled but token is missing")
		} else {
			tgChan = channels.NewTelegramChannel(cc.Token, router, logger)
			if cc.WebhookSecret != "" {
				tgChan.SetWebhookSecret(cc.WebhookSecret)
			}
			active = append(active, tgChan)
		}
	}
	if cc := cfg.Channels.Teams; cc.Enabled {
		if cc.AppID == "" || cc.AppPassword == "" {
			logger.Warn("teams enabled but app_id/app_password is missing")
		} else {
			teamsChan = channels.NewTeamsChannel(cc.AppID, cc.AppPassword, cc.TenantID, router, logger)
			active = append(active, teamsChan)
		}
	}
	if cc := cfg.Channels.WhatsApp; cc.Enabled {
		if cc.PhoneNumberID == "" || cc.Token == "" {
			logger.Warn("whatsapp enabled but phone_number_id/token is missing")
		} else {
			waChan = channels.NewWhatsAppChannel(cc.PhoneNumberID, cc.Token, cc.WebhookSecret, router, logger)
			active = append(active, waChan)
		}
	}
	if cc := cfg.Channels.Slack; cc.Enabled {
		if cc.Token == "" || cc.SigningSecret == "" {
			logger.Warn("slack enabled but bot token/signing secret is missing")
		} else {
			slackChan = channels.NewSlackChannel(cc.Token, cc.SigningSecret, router, logger)
			active = append(active, slackChan)
		}
	}
	if cc := cfg.Channels.Signal; cc.Enabled {
		if cc.Token == "" || cc.PhoneNumberID == "" {
			logger.Warn("signal enabled but cli_url/phone_number is missing")
		} else {
			signalChan = channels.NewSignalChannel(cc.Token, cc.PhoneNumberID, router, logger)
			active = append(active, signalChan)
		}
	}
	notify.set(channels.NewNotifier(active...))

	wd := watchdog.New(watchdog.Config{
		Tasks:        taskStore,
		Pool:         pool,
		Dispatcher:   toolServer,
		Notifier:     notify,
		Interval:     time.Duration(cfg.Watchdog.IntervalSeconds) * time.Second,
		Grace:        time.Duration(cfg.Watchdog.GraceSeconds) * time.Second,
		WarnAfter:    time.Duration(cfg.Watchdog.WarnAfterSeconds) * time.Second,
		RestartAfter: time.Duration(cfg.Watchdog.RestartAfterSeconds) * time.Second,
		MaxRestarts:  cfg.Watchdog.MaxRestarts,
		Logger:       logger,
	})
	wd.Start(ctx)

	dispatcher := scheduler.NewDispatcher(scheduler.Config{
		Store: jobStore,
		Deliverer: &jobDeliverer{
			tools:  toolServer,
			pool:   pool,
			owner:  owner,
			logger: logger,
		},
		Logger: logger,
	})
	dispatcher.Start(ctx)
	defer dispatcher.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	webhookLimiter := ratelimit.New(cfg.RateLimit.MaxCalls, time.Duration(cfg.RateLimit.WindowSeconds)*time.Second)

	gw := gateway.New(gateway.Config{
		ToolServer:        toolServer,
		Tasks:             taskStore,
		Jobs:              jobStore,
		Pool:              pool,
		Policy:            livePolicy,
		Runner:            runner,
		Telegram:          tgChan,
		Teams:             teamsChan,
		WhatsApp:          waChan,
		Slack:             slackChan,
		CLITimeout:        cliTimeout,
		WebhookRateLimit:  webhookLimiter,
		RestartFunc: func(reason string) {
			logger.Warn("restart requested via control endpoint", "reason", reason)
			stop()
		},
		Logger: logger,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: otelhttp.NewHandler(gw.Handler(), "gateway"),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	gateway.StartChannels(ctx, logger, active...)

	go bootGreeting(ctx, cfg, runner, sessionStore, notify, owner, taskStore, jobStore, toolServerBaseURL, logger)
	go recoverStaleTasks(ctx, taskStore, notify, owner, logger)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	pool.StopAll()
	logger.Info("shutdown complete")
}

// resetVolatileState clears every piece of runtime state spec.md's boot
// sequence names as optionally clearable, but never pairing.json: it holds
// user identity and re-pairing every channel sender after a routine reset
// would be far more disruptive than stale tasks or sessions.
func resetVolatileState(cfg config.Config) {
	targets := []string{
		filepath.Join(cfg.DataDir, "tasks.db"),
		filepath.Join(cfg.DataDir, "sessions.json"),
		filepath.Join(cfg.DataDir, "jobs.json"),
		filepath.Join(cfg.DataDir, "job-runs.jsonl"),
		filepath.Join(cfg.DataDir, "policy.yaml"),
		filepath.Join(cfg.LogDir, "audit.jsonl"),
		filepath.Join(cfg.LogDir, "system.jsonl"),
	}
	for _, path := range targets {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "reset: failed to remove %s: %v\n", path, err)
		}
	}
	if err := os.RemoveAll(cfg.TasksDir); err != nil {
		fmt.Fprintf(os.Stderr, "reset: failed to clear task directory %s: %v\n", cfg.TasksDir, err)
	} else if err := os.MkdirAll(cfg.TasksDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "reset: failed to recreate task directory %s: %v\n", cfg.TasksDir, err)
	}
	fmt.Fprintln(os.Stderr, "volatile state reset (pairing.json preserved)")
}
