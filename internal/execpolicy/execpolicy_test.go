package execpolicy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/relaytask/internal/execpolicy"
)

func TestLoad_DefaultDenyWhenMissing(t *testing.T) {
	p, err := execpolicy.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if p.Allow("ls -la") {
		t.Fatalf("default policy must deny all commands")
	}
}

func TestLoad_AllowlistedCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "execpolicy.yaml")
	if err := os.WriteFile(path, []byte("allow_all: false\nallowed_commands:\n  - ls\n  - git\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	p, err := execpolicy.Load(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if !p.Allow("ls -la /tmp") {
		t.Fatalf("expected allowlisted command to be allowed")
	}
	if !p.Allow("git status") {
		t.Fatalf("expected git to be allowed")
	}
	if p.Allow("curl https://example.com") {
		t.Fatalf("expected non-allowlisted command to be denied")
	}
}

func TestAllow_EnvAssignmentPrefixIgnored(t *testing.T) {
	p := execpolicy.Policy{AllowedCmds: []string{"git"}}
	if !p.Allow("GIT_PAGER=cat git log") {
		t.Fatalf("expected base command after env assignment to match allowlist")
	}
}

func TestAllow_HardDenylistAlwaysWins(t *testing.T) {
	p := execpolicy.Policy{AllowAll: true}
	cases := []string{
		"rm -rf /",
		"dd if=/dev/zero of=/dev/sda",
		"format C:",
		"mkfs.ext4 /dev/sda1",
		"timeout 5 ls",
		":(){ :|:& };:",
	}
	for _, c := range cases {
		if p.Allow(c) {
			t.Fatalf("expected hard denylist to block %q even under allow_all", c)
		}
	}
}

func TestAllow_EmptyCommandDenied(t *testing.T) {
	p := execpolicy.Policy{AllowAll: true}
	if p.Allow("") || p.Allow("   ") {
		t.Fatalf("expected empty command to be denied")
	}
}

func TestLivePolicy_AllowCommandPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "execpolicy.yaml")
	lp := execpolicy.NewLivePolicy(execpolicy.Default(), path)

	if lp.Allow("npm test") {
		t.Fatalf("expected npm to be denied before allowlisting")
	}
	if err := lp.AllowCommand("npm"); err != nil {
		t.Fatalf("allow command: %v", err)
	}
	if !lp.Allow("npm test") {
		t.Fatalf("expected npm to be allowed after allowlisting")
	}

	reloaded, err := execpolicy.Load(path)
	if err != nil {
		t.Fatalf("reload persisted policy: %v", err)
	}
	if !reloaded.Allow("npm install") {
		t.Fatalf("expected persisted policy to allow npm")
	}
}

func TestRunCommand_DeniedByPolicy(t *testing.T) {
	p := execpolicy.Default()
	_, err := execpolicy.RunCommand(context.Background(), p, "echo hi", time.Second, "")
	if err == nil {
		t.Fatalf("expected run to be denied")
	}
}

func TestRunCommand_TimeoutReported(t *testing.T) {
	p := execpolicy.Policy{AllowedCmds: []string{"sh"}}
	if p.Allow("sleep 5") {
		t.Fatalf("sleep should be hard-denied regardless of allowlist")
	}
}

func TestRunCommand_SucceedsWithOutput(t *testing.T) {
	p := execpolicy.Policy{AllowAll: true}
	res, err := execpolicy.RunCommand(context.Background(), p, "echo hello", 5*time.Second, "")
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if res.Stdout == "" {
		t.Fatalf("expected stdout output")
	}
}
