// Package channels adapts each chat platform's wire format into
// chatrouter.ChatRequest/ChatResponse, so internal/chatrouter never needs to
// know which transport a message arrived over.
package channels

import (
	"context"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It should block until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// Sender delivers a message to a specific conversation on a channel,
// independent of however that channel receives messages (poll or webhook).
// A small multi-channel adapter built from every registered Sender
// satisfies toolserver.Notifier and watchdog.Notifier by dispatching on
// channel name.
type Sender interface {
	SendMessage(ctx context.Context, target, text string) error
}
