package libstem

import (
	"context"
)

type (
	// Client is a hub client: it opens and closes the connection, sends
	// messages and reports connection lifecycle events.
	Client interface {
		// Open establishes a connection with the hub
		Open(ctx context.Context) error
		// Send sends a message to the hub
		Send(m Message)
		// Close closes the connection with the hub
		Close()
		// CloseChan returns a channel that signals when the connection is closed
		CloseChan() CloseChan
	}

	CloseChan chan struct{}

	MessageHandler func(Client, Message)

	EventHandler func(Client, EventType)

	ClientFactory func() Client
)
