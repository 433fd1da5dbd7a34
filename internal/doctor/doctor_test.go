package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/relaytask/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		HomeDir:      dir,
		DataDir:      dir,
		TasksDir:     filepath.Join(dir, "tasks"),
		AgentCommand: "sh",
	}
}

func TestCheckConfig_NilConfig(t *testing.T) {
	result := checkConfig(context.Background(), nil)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for nil config, got %s", result.Status)
	}
}

func TestCheckConfig_NeedsGenesis(t *testing.T) {
	cfg := testConfig(t)
	cfg.NeedsGenesis = true
	result := checkConfig(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN, got %s", result.Status)
	}
}

func TestCheckConfig_Loaded(t *testing.T) {
	cfg := testConfig(t)
	result := checkConfig(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckAgentCommand_Missing(t *testing.T) {
	cfg := testConfig(t)
	cfg.AgentCommand = ""
	result := checkAgentCommand(context.Background(), cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL when agent_command is empty, got %s", result.Status)
	}
}

func TestCheckAgentCommand_OnPath(t *testing.T) {
	cfg := testConfig(t)
	cfg.AgentCommand = "sh"
	result := checkAgentCommand(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS for sh on PATH, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckAgentCommand_NotFound(t *testing.T) {
	cfg := testConfig(t)
	cfg.AgentCommand = "definitely-not-a-real-binary-xyz"
	result := checkAgentCommand(context.Background(), cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for unresolvable agent command, got %s", result.Status)
	}
}

func TestCheckTaskStore_OpensFreshDB(t *testing.T) {
	cfg := testConfig(t)
	result := checkTaskStore(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckScheduler_EmptyStore(t *testing.T) {
	cfg := testConfig(t)
	result := checkScheduler(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckPairing_MissingFileWarns(t *testing.T) {
	cfg := testConfig(t)
	result := checkPairing(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN when pairing.json absent, got %s", result.Status)
	}
}

func TestCheckPairing_PresentFilePasses(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(filepath.Join(cfg.DataDir, "pairing.json"), []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	result := checkPairing(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckPermissions_WritableDataDir(t *testing.T) {
	cfg := testConfig(t)
	result := checkPermissions(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestRun_ProducesAllChecks(t *testing.T) {
	cfg := testConfig(t)
	d := Run(context.Background(), cfg, "test-version")
	if len(d.Results) != 7 {
		t.Fatalf("expected 7 check results, got %d", len(d.Results))
	}
	if d.System.Version != "test-version" {
		t.Fatalf("expected version to round-trip, got %s", d.System.Version)
	}
}
