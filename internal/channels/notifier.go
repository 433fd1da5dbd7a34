package channels

import (
	"context"
	"fmt"
)

// Notifier dispatches an outbound message to whichever registered channel
// owns it by name, satisfying both internal/toolserver.Notifier and
// internal/watchdog.Notifier's identical SendMessage signature without
// either package importing this one.
type Notifier struct {
	senders map[string]Sender
}

// NewNotifier builds a Notifier from the channel adapters active in this
// deployment, keyed by their Name().
func NewNotifier(channels ...Channel) *Notifier {
	senders := make(map[string]Sender, len(channels))
	for _, ch := range channels {
		if sender, ok := ch.(Sender); ok {
			senders[ch.Name()] = sender
		}
	}
	return &Notifier{senders: senders}
}

// SendMessage routes to the Sender registered for channel.
func (n *Notifier) SendMessage(ctx context.Context, channel, target, text string) error {
	sender, ok := n.senders[channel]
	if !ok {
		return fmt.Errorf("channels: no sender registered for channel %q", channel)
	}
	return sender.SendMessage(ctx, target, text)
}
