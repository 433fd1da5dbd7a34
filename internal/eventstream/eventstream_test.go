package eventstream_test

import (
	"testing"

	"github.com/basket/relaytask/internal/eventstream"
)

func TestAppendAndCount(t *testing.T) {
	stream, err := eventstream.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := stream.Append(eventstream.Event{Role: "worker", Tool: "shell", TaskID: "t1"}); err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
	}
	n, err := stream.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("Count() = %d, want 3", n)
	}
}

func TestTail_ReturnsMostRecent(t *testing.T) {
	stream, err := eventstream.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := stream.Append(eventstream.Event{Role: "worker", Tool: "shell", ResultSummary: string(rune('a' + i))}); err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
	}
	tail, err := stream.Tail(2)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("Tail(2) returned %d events, want 2", len(tail))
	}
	if tail[1].ResultSummary != "e" {
		t.Fatalf("expected last event to be the most recently appended, got %q", tail[1].ResultSummary)
	}
}

func TestTail_EmptyStreamReturnsNil(t *testing.T) {
	stream, err := eventstream.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	tail, err := stream.Tail(10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 0 {
		t.Fatalf("expected empty tail, got %+v", tail)
	}
}

func TestIsErrorFieldRoundTrips(t *testing.T) {
	stream, err := eventstream.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if err := stream.Append(eventstream.Event{Role: "supervisor", Tool: "check", IsError: true}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	tail, err := stream.Tail(1)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 1 || !tail[0].IsError {
		t.Fatalf("expected is_error to round-trip true, got %+v", tail)
	}
}
