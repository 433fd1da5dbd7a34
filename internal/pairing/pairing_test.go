package pairing_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/relaytask/internal/pairing"
)

func TestOpen_MissingFileStartsEmpty(t *testing.T) {
	store, err := pairing.Open(filepath.Join(t.TempDir(), "pairing.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if store.IsAuthorized("telegram", "12345") {
		t.Fatalf("expected fresh store to deny unknown sender")
	}
}

func TestAuthorize_PersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairing.json")
	store, err := pairing.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Authorize("telegram", "12345"); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !store.IsAuthorized("telegram", "12345") {
		t.Fatalf("expected sender to be authorized")
	}

	reloaded, err := pairing.Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	if !reloaded.IsAuthorized("telegram", "12345") {
		t.Fatalf("expected authorization to persist across reload")
	}
}

func TestRequestCodeAndRedeem(t *testing.T) {
	store, err := pairing.Open(filepath.Join(t.TempDir(), "pairing.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	code, err := store.RequestCode("slack", "U1")
	if err != nil {
		t.Fatalf("request code: %v", err)
	}
	if code == "" {
		t.Fatalf("expected non-empty code")
	}

	ok, err := store.Redeem("slack", "U1", "wrong-code")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if ok {
		t.Fatalf("expected wrong code to be rejected")
	}
	if store.IsAuthorized("slack", "U1") {
		t.Fatalf("sender must not be authorized after a failed redeem")
	}

	ok, err = store.Redeem("slack", "U1", code)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if !ok {
		t.Fatalf("expected correct code to be redeemed")
	}
	if !store.IsAuthorized("slack", "U1") {
		t.Fatalf("expected sender to be authorized after redeem")
	}
}

func TestPrunePending_RemovesExpiredCodes(t *testing.T) {
	store, err := pairing.Open(filepath.Join(t.TempDir(), "pairing.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	code, err := store.RequestCode("signal", "+15551234567")
	if err != nil {
		t.Fatalf("request code: %v", err)
	}

	if err := store.PrunePending(time.Now().UTC().Add(2 * time.Hour)); err != nil {
		t.Fatalf("prune: %v", err)
	}

	ok, err := store.Redeem("signal", "+15551234567", code)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if ok {
		t.Fatalf("expected expired code to be pruned before redeem")
	}
}

func TestIsAuthorized_IsolatedPerChannel(t *testing.T) {
	store, err := pairing.Open(filepath.Join(t.TempDir(), "pairing.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Authorize("telegram", "U1"); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if store.IsAuthorized("slack", "U1") {
		t.Fatalf("authorization on one channel must not leak to another")
	}
}
