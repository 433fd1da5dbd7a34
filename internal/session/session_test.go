package session_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/relaytask/internal/session"
)

func TestKey_Format(t *testing.T) {
	if got, want := session.Key("telegram", "12345"), "telegram:dm:12345"; got != want {
		t.Fatalf("Key() = %q, want %q", got, want)
	}
}

func TestUpsertAndGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store, err := session.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	key := session.Key("slack", "U1")
	if _, err := store.Upsert(key); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	entry, ok := store.Get(key)
	if !ok {
		t.Fatalf("expected entry to exist after upsert")
	}
	if entry.SessionKey != key {
		t.Fatalf("entry.SessionKey = %q, want %q", entry.SessionKey, key)
	}
}

func TestAppendMessage_RejectsInvalidRole(t *testing.T) {
	store, err := session.Open(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	key := session.Key("telegram", "1")
	if err := store.AppendMessage(key, "narrator", "hello"); err == nil {
		t.Fatalf("expected invalid role to be rejected")
	}
}

func TestAppendMessage_TruncatesOversizedContent(t *testing.T) {
	store, err := session.Open(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	key := session.Key("telegram", "1")
	huge := strings.Repeat("x", 10000)
	if err := store.AppendMessage(key, "user", huge); err != nil {
		t.Fatalf("append message: %v", err)
	}
	entry, ok := store.Get(key)
	if !ok {
		t.Fatalf("expected entry to exist")
	}
	if len(entry.History) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(entry.History))
	}
	if len(entry.History[0].Content) >= len(huge) {
		t.Fatalf("expected message to be truncated")
	}
}

func TestAppendMessage_CapsHistoryLength(t *testing.T) {
	store, err := session.Open(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	key := session.Key("telegram", "1")
	for i := 0; i < 250; i++ {
		if err := store.AppendMessage(key, "user", "hi"); err != nil {
			t.Fatalf("append message %d: %v", i, err)
		}
	}
	entry, _ := store.Get(key)
	if len(entry.History) > 200 {
		t.Fatalf("expected history to be capped at 200, got %d", len(entry.History))
	}
}

func TestAgentSessionIDRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store, err := session.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	key := session.Key("teams", "U1")
	if err := store.SetAgentSessionID(key, "abc-123"); err != nil {
		t.Fatalf("set agent session id: %v", err)
	}
	got, ok := store.GetAgentSessionID(key)
	if !ok || got != "abc-123" {
		t.Fatalf("GetAgentSessionID() = (%q, %v), want (\"abc-123\", true)", got, ok)
	}

	if err := store.ClearAgentSessionID(key); err != nil {
		t.Fatalf("clear agent session id: %v", err)
	}
	if _, ok := store.GetAgentSessionID(key); ok {
		t.Fatalf("expected agent session id to be cleared")
	}

	reloaded, err := session.Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	if _, ok := reloaded.GetAgentSessionID(key); ok {
		t.Fatalf("expected cleared agent session id to persist across reload")
	}
}

func TestAppendMessage_DropsOldestWhenTokenBudgetExceeded(t *testing.T) {
	store, err := session.Open(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	key := session.Key("telegram", "1")
	// Each message is ~1000 estimated tokens (4000 chars / 4); past eight
	// of them the 8000-token budget must start dropping the oldest.
	chunk := strings.Repeat("word ", 800)
	for i := 0; i < 12; i++ {
		if err := store.AppendMessage(key, "user", chunk); err != nil {
			t.Fatalf("append message %d: %v", i, err)
		}
	}
	entry, _ := store.Get(key)
	if len(entry.History) >= 12 {
		t.Fatalf("expected oldest messages to be dropped once over the token budget, got %d entries", len(entry.History))
	}
	if len(entry.History) == 0 {
		t.Fatalf("expected at least the most recent message to survive")
	}
}

func TestClearHistory_KeepsAgentSessionID(t *testing.T) {
	store, err := session.Open(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	key := session.Key("whatsapp", "1")
	if err := store.AppendMessage(key, "user", "hello"); err != nil {
		t.Fatalf("append message: %v", err)
	}
	if err := store.SetAgentSessionID(key, "resume-1"); err != nil {
		t.Fatalf("set agent session id: %v", err)
	}
	if err := store.ClearHistory(key); err != nil {
		t.Fatalf("clear history: %v", err)
	}
	entry, _ := store.Get(key)
	if len(entry.History) != 0 {
		t.Fatalf("expected history to be cleared")
	}
	if entry.AgentSessionID != "resume-1" {
		t.Fatalf("expected agent session id to survive ClearHistory")
	}
}
