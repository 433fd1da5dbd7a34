// Package config loads and validates the orchestrator's on-disk YAML
// configuration, applying environment-variable overrides the way the
// teacher's config package does.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ChannelConfig holds the credentials and routing settings for one chat
// channel. Not every field is meaningful for every channel (e.g. Teams
// alone uses ServiceURL/AppID).
type ChannelConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Token          string   `yaml:"token"` // also the Signal CLI REST URL
	AllowedIDs     []string `yaml:"allowed_ids"`
	SigningSecret  string   `yaml:"signing_secret"`   // Slack
	WebhookSecret  string   `yaml:"webhook_secret"`   // Telegram / WhatsApp verify token
	AppID          string   `yaml:"app_id"`           // Teams
	AppPassword    string   `yaml:"app_password"`     // Teams
	TenantID       string   `yaml:"tenant_id"`        // Teams
	PhoneNumberID  string   `yaml:"phone_number_id"`  // WhatsApp Cloud API / Signal's own number
}

// ChannelsConfig groups every supported channel adapter's settings.
type ChannelsConfig struct {
	Telegram ChannelConfig `yaml:"telegram"`
	Teams    ChannelConfig `yaml:"teams"`
	WhatsApp ChannelConfig `yaml:"whatsapp"`
	Signal   ChannelConfig `yaml:"signal"`
	Slack    ChannelConfig `yaml:"slack"`
}

// WatchdogConfig holds the idle-worker detection thresholds from spec.md §4.11.
type WatchdogConfig struct {
	IntervalSeconds     int `yaml:"interval_seconds"`
	GraceSeconds        int `yaml:"grace_seconds"`
	WarnAfterSeconds    int `yaml:"warn_after_seconds"`
	RestartAfterSeconds int `yaml:"restart_after_seconds"`
	MaxRestarts         int `yaml:"max_restarts"`
}

// ExecutionPolicyConfig drives internal/execpolicy.
type ExecutionPolicyConfig struct {
	AllowAll       bool     `yaml:"allow_all"`
	AllowedCmds    []string `yaml:"allowed_commands"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// RateLimitConfig bounds inbound calls per channel (spec.md §4.3).
type RateLimitConfig struct {
	MaxCalls int `yaml:"max_calls"`
	WindowSeconds int `yaml:"window_seconds"`
}

// TracingConfig drives internal/tracing. Disabled by default: exporting
// spans/metrics to a collector is an operator opt-in, not a default-on
// outbound network dependency.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "otlp-http", "stdout", or "none"
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// Config is the orchestrator's full runtime configuration.
type Config struct {
	HomeDir      string `yaml:"-"`
	NeedsGenesis bool   `yaml:"-"`

	DataDir      string `yaml:"data_dir"`
	LogDir       string `yaml:"log_dir"`
	WorkspaceDir string `yaml:"workspace_dir"`
	TasksDir     string `yaml:"tasks_dir"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AgentCommand is the external agent CLI invoked by internal/agentrunner.
	AgentCommand     string   `yaml:"agent_command"`
	AgentArgs        []string `yaml:"agent_args"`
	CLITimeoutSeconds int     `yaml:"cli_timeout_seconds"`

	MCPToken string `yaml:"mcp_token"`

	// PairingMode is "pairing" (operator must redeem a code) or "open"
	// (first sender per channel is auto-pending for approval). Both reduce
	// to an allowlist at rest, per spec.md §9's open question.
	PairingMode string `yaml:"pairing_mode"`

	Channels       ChannelsConfig        `yaml:"channels"`
	Watchdog       WatchdogConfig        `yaml:"watchdog"`
	ExecutionPolicy ExecutionPolicyConfig `yaml:"execution_policy"`
	RateLimit      RateLimitConfig       `yaml:"rate_limit"`
	Tracing        TracingConfig         `yaml:"tracing"`

	BackupMaxSnapshots int `yaml:"backup_max_snapshots"`
}

func defaultConfig() Config {
	return Config{
		DataDir:           "data",
		LogDir:            "logs",
		WorkspaceDir:      "workspace",
		TasksDir:          "tasks",
		BindAddr:          "127.0.0.1:18080",
		LogLevel:          "info",
		AgentCommand:      "copilot",
		AgentArgs:         nil,
		CLITimeoutSeconds: int((20 * time.Minute).Seconds()),
		PairingMode:       "pairing",
		Watchdog: WatchdogConfig{
			IntervalSeconds:     30,
			GraceSeconds:        120,
			WarnAfterSeconds:    600,
			RestartAfterSeconds: 1800,
			MaxRestarts:         2,
		},
		ExecutionPolicy: ExecutionPolicyConfig{
			AllowAll:       false,
			TimeoutSeconds: 120,
		},
		RateLimit: RateLimitConfig{
			MaxCalls:      20,
			WindowSeconds: 60,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "stdout",
			ServiceName: "relaytask-orchestrator",
			SampleRate:  1.0,
		},
		BackupMaxSnapshots: 5,
	}
}

// HomeDir resolves the orchestrator's home directory, honoring
// RELAYTASK_HOME when set.
func HomeDir() string {
	if override := os.Getenv("RELAYTASK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".relaytask")
}

// Load reads config.yaml from the home directory, seeding NeedsGenesis
// when it does not yet exist, and applies environment overrides.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create home dir: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(cfg.HomeDir, cfg.DataDir)
	}
	if !filepath.IsAbs(cfg.LogDir) {
		cfg.LogDir = filepath.Join(cfg.HomeDir, cfg.LogDir)
	}
	if !filepath.IsAbs(cfg.WorkspaceDir) {
		cfg.WorkspaceDir = filepath.Join(cfg.HomeDir, cfg.WorkspaceDir)
	}
	if !filepath.IsAbs(cfg.TasksDir) {
		cfg.TasksDir = filepath.Join(cfg.HomeDir, cfg.TasksDir)
	}

	return cfg, nil
}

// Save writes the config back to config.yaml, used by setup/pairing flows
// that persist operator-entered values.
func Save(cfg Config) error {
	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(cfg.HomeDir, "config.yaml")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, path)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("RELAYTASK_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("RELAYTASK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("RELAYTASK_CLI_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.CLITimeoutSeconds = v
		}
	}
	if raw := os.Getenv("RELAYTASK_MCP_TOKEN"); raw != "" {
		cfg.MCPToken = raw
	}
	if raw := os.Getenv("RELAYTASK_PAIRING_MODE"); raw != "" {
		cfg.PairingMode = raw
	}
	if raw := os.Getenv("TELEGRAM_BOT_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
		cfg.Channels.Telegram.Enabled = true
	}
	if raw := os.Getenv("TELEGRAM_WEBHOOK_SECRET"); raw != "" {
		cfg.Channels.Telegram.WebhookSecret = raw
	}
	if raw := os.Getenv("TEAMS_APP_ID"); raw != "" {
		cfg.Channels.Teams.AppID = raw
		cfg.Channels.Teams.Enabled = true
	}
	if raw := os.Getenv("TEAMS_APP_PASSWORD"); raw != "" {
		cfg.Channels.Teams.AppPassword = raw
	}
	if raw := os.Getenv("TEAMS_TENANT_ID"); raw != "" {
		cfg.Channels.Teams.TenantID = raw
	}
	if raw := os.Getenv("WHATSAPP_TOKEN"); raw != "" {
		cfg.Channels.WhatsApp.Token = raw
		cfg.Channels.WhatsApp.Enabled = true
	}
	if raw := os.Getenv("WHATSAPP_VERIFY_TOKEN"); raw != "" {
		cfg.Channels.WhatsApp.WebhookSecret = raw
	}
	if raw := os.Getenv("WHATSAPP_PHONE_NUMBER_ID"); raw != "" {
		cfg.Channels.WhatsApp.PhoneNumberID = raw
	}
	if raw := os.Getenv("SLACK_SIGNING_SECRET"); raw != "" {
		cfg.Channels.Slack.SigningSecret = raw
		cfg.Channels.Slack.Enabled = true
	}
	if raw := os.Getenv("SLACK_BOT_TOKEN"); raw != "" {
		cfg.Channels.Slack.Token = raw
	}
	if raw := os.Getenv("SIGNAL_CLI_URL"); raw != "" {
		cfg.Channels.Signal.Token = raw
		cfg.Channels.Signal.Enabled = true
	}
	if raw := os.Getenv("SIGNAL_PHONE_NUMBER"); raw != "" {
		cfg.Channels.Signal.PhoneNumberID = raw
	}
	if raw := os.Getenv("RELAYTASK_OTEL_ENABLED"); raw != "" {
		cfg.Tracing.Enabled = raw == "1" || strings.EqualFold(raw, "true")
	}
	if raw := os.Getenv("RELAYTASK_OTEL_EXPORTER"); raw != "" {
		cfg.Tracing.Exporter = raw
	}
	if raw := os.Getenv("RELAYTASK_OTEL_ENDPOINT"); raw != "" {
		cfg.Tracing.Endpoint = raw
	}
	if raw := os.Getenv("RELAYTASK_EXEC_ALLOW_ALL"); raw != "" {
		cfg.ExecutionPolicy.AllowAll = strings.EqualFold(strings.TrimSpace(raw), "true")
	}
}
