package agentrunner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func scriptRunner(t *testing.T, script string) *SubprocessRunner {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake agent script assumes a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-agent.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake agent: %v", err)
	}
	return &SubprocessRunner{BinaryPath: path, SessionStateDir: filepath.Join(dir, "sessions")}
}

func TestRun_CapturesOutputAndExitCode(t *testing.T) {
	r := scriptRunner(t, "#!/bin/sh\necho line one\necho line two\nexit 0\n")
	var lines []string
	res, err := r.Run(context.Background(), Invocation{Prompt: "hi", WorkDir: t.TempDir(), Timeout: 5 * time.Second}, func(l string) {
		lines = append(lines, l)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if len(lines) != 2 || lines[0] != "line one" || lines[1] != "line two" {
		t.Fatalf("unexpected lines: %+v", lines)
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	r := scriptRunner(t, "#!/bin/sh\necho oops\nexit 7\n")
	res, err := r.Run(context.Background(), Invocation{Prompt: "hi", WorkDir: t.TempDir(), Timeout: 5 * time.Second}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", res.ExitCode)
	}
}

func TestRun_TimesOut(t *testing.T) {
	r := scriptRunner(t, "#!/bin/sh\nsleep 5\n")
	res, err := r.Run(context.Background(), Invocation{Prompt: "hi", WorkDir: t.TempDir(), Timeout: 100 * time.Millisecond}, nil)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("expected Result.TimedOut to be true")
	}
}

func TestRun_RepeatedUnknownOptionAborts(t *testing.T) {
	r := scriptRunner(t, "#!/bin/sh\nfor i in 1 2 3; do echo 'error: unknown option --foo'; done\n")
	res, err := r.Run(context.Background(), Invocation{Prompt: "hi", WorkDir: t.TempDir(), Timeout: 5 * time.Second}, nil)
	if !errors.Is(err, ErrRepeatedUnknownOption) {
		t.Fatalf("expected ErrRepeatedUnknownOption, got %v", err)
	}
	if !res.UnknownOpt {
		t.Fatalf("expected Result.UnknownOpt to be true")
	}
}

func TestDiscoverLatestSession_PicksNewestMtime(t *testing.T) {
	dir := t.TempDir()
	sessions := filepath.Join(dir, "sessions")
	if err := os.MkdirAll(sessions, 0o755); err != nil {
		t.Fatalf("mkdir sessions: %v", err)
	}
	older := filepath.Join(sessions, "session-a.json")
	newer := filepath.Join(sessions, "session-b.json")
	if err := os.WriteFile(older, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write older: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(newer, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write newer: %v", err)
	}

	r := &SubprocessRunner{SessionStateDir: sessions}
	id, err := r.discoverLatestSession()
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if id != "session-b" {
		t.Fatalf("discoverLatestSession() = %q, want session-b", id)
	}
}

func TestIsTaskSession_MarkerRoundTrips(t *testing.T) {
	dir := t.TempDir()
	if IsTaskSession(dir, "sess-1") {
		t.Fatalf("expected unmarked session to report false")
	}
	if err := MarkTaskSession(dir, "sess-1"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if !IsTaskSession(dir, "sess-1") {
		t.Fatalf("expected marked session to report true")
	}
}

type stubRunner struct {
	calls  int
	outper []Result
	errper []error
}

func (s *stubRunner) Run(ctx context.Context, inv Invocation, onLine LineCallback) (Result, error) {
	i := s.calls
	s.calls++
	return s.outper[i], s.errper[i]
}

func TestRunWithFailover_RetriesOnceOnStaleSession(t *testing.T) {
	stub := &stubRunner{
		outper: []Result{{Output: "error: no such session"}, {Output: "ok"}},
		errper: []error{errors.New("exit 1"), nil},
	}
	res, err := RunWithFailover(context.Background(), stub, Invocation{SessionID: "stale-id", Prompt: "x"}, nil)
	if err != nil {
		t.Fatalf("run with failover: %v", err)
	}
	if stub.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", stub.calls)
	}
	if !res.RetriedNoRes {
		t.Fatalf("expected RetriedNoRes to be true")
	}
	if !strings.Contains(res.Output, "ok") {
		t.Fatalf("expected retried result, got %+v", res)
	}
}

func TestRunWithFailover_DoesNotRetryGenuineFailure(t *testing.T) {
	stub := &stubRunner{
		outper: []Result{{Output: "some other failure"}},
		errper: []error{errors.New("exit 1")},
	}
	_, err := RunWithFailover(context.Background(), stub, Invocation{SessionID: "sid", Prompt: "x"}, nil)
	if err == nil {
		t.Fatalf("expected error to propagate")
	}
	if stub.calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", stub.calls)
	}
}

func TestRunWithFailover_DoesNotRetryWithoutSessionID(t *testing.T) {
	stub := &stubRunner{
		outper: []Result{{Output: "error: no such session"}},
		errper: []error{errors.New("exit 1")},
	}
	_, err := RunWithFailover(context.Background(), stub, Invocation{Prompt: "x"}, nil)
	if err == nil {
		t.Fatalf("expected error to propagate")
	}
	if stub.calls != 1 {
		t.Fatalf("expected exactly 1 call when there was no session id to drop, got %d", stub.calls)
	}
}
