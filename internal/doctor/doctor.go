// Package doctor runs startup diagnostics against the orchestrator's config
// and stores, the way cmd/goclaw's doctor subcommand checks its LLM provider
// and database before the teacher hands off to the TUI.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/relaytask/internal/config"
	"github.com/basket/relaytask/internal/scheduler"
	"github.com/basket/relaytask/internal/taskstore"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks against cfg.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAgentCommand,
		checkTaskStore,
		checkScheduler,
		checkPairing,
		checkPermissions,
		checkExternalTools,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "configuration missing (needs genesis)"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("loaded from %s", cfg.HomeDir)}
}

// checkAgentCommand confirms the external agent CLI this orchestrator shells
// out to (agentrunner.Invocation) is actually on PATH, the way
// checkExternalTools confirms git/docker for the teacher's skill/sandbox
// features.
func checkAgentCommand(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Agent Command", Status: "SKIP", Message: "config missing"}
	}
	if cfg.AgentCommand == "" {
		return CheckResult{Name: "Agent Command", Status: "FAIL", Message: "no agent_command configured"}
	}
	if _, err := exec.LookPath(cfg.AgentCommand); err != nil {
		if _, statErr := os.Stat(cfg.AgentCommand); statErr != nil {
			return CheckResult{
				Name:    "Agent Command",
				Status:  "FAIL",
				Message: fmt.Sprintf("%q not found on PATH or as a file", cfg.AgentCommand),
			}
		}
	}
	return CheckResult{Name: "Agent Command", Status: "PASS", Message: fmt.Sprintf("%s resolves", cfg.AgentCommand)}
}

// checkTaskStore opens the SQLite task database and runs a trivial query,
// mirroring the teacher's checkDatabase against persistence.Open.
func checkTaskStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Task Store", Status: "SKIP", Message: "config missing"}
	}
	dbPath := filepath.Join(cfg.DataDir, "tasks.db")
	store, err := taskstore.Open(dbPath, cfg.TasksDir)
	if err != nil {
		return CheckResult{Name: "Task Store", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}
	defer store.Close()

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		return CheckResult{Name: "Task Store", Status: "FAIL", Message: fmt.Sprintf("query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Task Store",
		Status:  "PASS",
		Message: fmt.Sprintf("%s reachable", dbPath),
		Detail:  fmt.Sprintf("%d tasks on record", len(tasks)),
	}
}

// checkScheduler opens the job store and reports how many jobs are currently
// due, so an operator can see at a glance whether the dispatch loop is
// falling behind.
func checkScheduler(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Scheduler", Status: "SKIP", Message: "config missing"}
	}
	store, err := scheduler.Open(cfg.DataDir)
	if err != nil {
		return CheckResult{Name: "Scheduler", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}
	due := store.Due(time.Now())
	all := store.List()
	return CheckResult{
		Name:    "Scheduler",
		Status:  "PASS",
		Message: fmt.Sprintf("%d jobs scheduled, %d due now", len(all), len(due)),
	}
}

// checkPairing confirms the pairing store's file is present and readable,
// since its absence means every channel sender is unauthorized until the
// first /pair code is redeemed.
func checkPairing(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Pairing", Status: "SKIP", Message: "config missing"}
	}
	path := filepath.Join(cfg.DataDir, "pairing.json")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return CheckResult{
				Name:    "Pairing",
				Status:  "WARN",
				Message: "pairing.json does not exist yet",
				Detail:  "created on first /pair request or owner authorization",
			}
		}
		return CheckResult{Name: "Pairing", Status: "FAIL", Message: fmt.Sprintf("stat failed: %v", err)}
	}
	return CheckResult{Name: "Pairing", Status: "PASS", Message: fmt.Sprintf("%s present", path)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "config missing"}
	}

	testFile := filepath.Join(cfg.DataDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("data dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "data directory writable"}
}

// checkExternalTools looks for git, used by skill/workspace bootstrapping,
// the one teacher external dependency that still applies to this domain.
func checkExternalTools(ctx context.Context, _ *config.Config) CheckResult {
	if _, err := exec.LookPath("git"); err != nil {
		return CheckResult{Name: "External Tools", Status: "WARN", Message: "git: missing (required for workspace git operations)"}
	}
	return CheckResult{Name: "External Tools", Status: "PASS", Message: "git: ok"}
}
