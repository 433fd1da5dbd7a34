// Package execpolicy implements the shell command allow/deny rules from
// spec.md §4.2: an allow-all mode with a hard denylist, or an explicit
// base-command allowlist, plus the runCommand helper that actually shells
// out.
package execpolicy

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy is the serializable execution-policy data.
type Policy struct {
	AllowAll       bool     `yaml:"allow_all"`
	AllowedCmds    []string `yaml:"allowed_commands"`
}

// hardDenySubstrings fail a command immediately regardless of mode.
var hardDenySubstrings = []string{
	"rm -rf /",
	":(){ :|:& };:", // fork bomb signature
}

// hardDenyExact are base-command tokens denied in every mode.
var hardDenyExact = map[string]struct{}{
	"format":  {},
	"dd":      {},
	"timeout": {},
	"sleep":   {},
	"pause":   {},
	"choice":  {},
	"read":    {},
}

// hardDenyPrefixes are base-command prefixes denied in every mode.
var hardDenyPrefixes = []string{"mkfs"}

// Default returns the conservative built-in policy: no commands allowed.
func Default() Policy {
	return Policy{AllowAll: false}
}

// Load reads a YAML policy document. A missing file returns Default().
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := readFileOrEmpty(path)
	if err != nil {
		return Policy{}, err
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse execution policy: %w", err)
	}
	return p, nil
}

// baseCommand returns the first whitespace token of cmd after stripping
// any leading VAR=value assignments, lowercased.
func baseCommand(cmd string) string {
	fields := strings.Fields(strings.TrimSpace(cmd))
	for _, f := range fields {
		if strings.Contains(f, "=") && isAssignment(f) {
			continue
		}
		return strings.ToLower(f)
	}
	return ""
}

// isAssignment reports whether f looks like "VAR=value" (the var name has
// no slashes or other path-like characters).
func isAssignment(f string) bool {
	idx := strings.Index(f, "=")
	if idx <= 0 {
		return false
	}
	name := f[:idx]
	for _, r := range name {
		if !(r == '_' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// hardDenied reports whether cmd trips the always-on denylist.
func hardDenied(cmd string) bool {
	lower := strings.ToLower(cmd)
	for _, s := range hardDenySubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	base := baseCommand(cmd)
	if _, ok := hardDenyExact[base]; ok {
		return true
	}
	for _, p := range hardDenyPrefixes {
		if strings.HasPrefix(base, p) {
			return true
		}
	}
	return false
}

// Allow reports whether cmd may be executed under this policy.
func (p Policy) Allow(cmd string) bool {
	if strings.TrimSpace(cmd) == "" {
		return false
	}
	if hardDenied(cmd) {
		return false
	}
	if p.AllowAll {
		return true
	}
	base := baseCommand(cmd)
	if base == "" {
		return false
	}
	for _, allowed := range p.AllowedCmds {
		if strings.ToLower(strings.TrimSpace(allowed)) == base {
			return true
		}
	}
	return false
}

// LivePolicy wraps Policy with thread-safe mutation and optional persistence.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string
}

// NewLivePolicy wraps an initial Policy snapshot. If path is non-empty,
// mutations persist to that file.
func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

// Allow is the thread-safe check used at runtime.
func (lp *LivePolicy) Allow(cmd string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.Allow(cmd)
}

// Snapshot returns a copy of the current policy.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.AllowedCmds = append([]string(nil), lp.data.AllowedCmds...)
	return cp
}

// Reload replaces the policy data in place.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// AllowCommand adds a base command to the allowlist and persists the change.
func (lp *LivePolicy) AllowCommand(base string) error {
	base = strings.ToLower(strings.TrimSpace(base))
	if base == "" {
		return fmt.Errorf("empty command")
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	for _, c := range lp.data.AllowedCmds {
		if strings.ToLower(strings.TrimSpace(c)) == base {
			return nil
		}
	}
	lp.data.AllowedCmds = append(lp.data.AllowedCmds, base)
	return lp.persist()
}

func (lp *LivePolicy) persist() error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&lp.data)
	if err != nil {
		return fmt.Errorf("marshal execution policy: %w", err)
	}
	return writeFileAtomic(lp.path, out)
}

// Result is the outcome of a runCommand invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// RunCommand executes cmd through the OS shell, subject to policy and an
// optional timeout. On Windows it shells out via cmd.exe explicitly to
// avoid PowerShell token expansion, per spec.md §4.2.
func RunCommand(ctx context.Context, checker interface{ Allow(string) bool }, cmd string, timeout time.Duration, cwd string) (Result, error) {
	if checker != nil && !checker.Allow(cmd) {
		return Result{}, fmt.Errorf("execution policy denied command: %q", cmd)
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var c *exec.Cmd
	if runtime.GOOS == "windows" {
		c = exec.CommandContext(runCtx, "cmd.exe", "/C", cmd)
	} else {
		c = exec.CommandContext(runCtx, "sh", "-c", cmd)
	}
	if cwd != "" {
		c.Dir = cwd
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if exitErr, ok := err.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("killed after %ds", int(timeout.Seconds()))
	}
	if err != nil {
		return res, fmt.Errorf("command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return res, nil
}
