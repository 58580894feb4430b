package libstem

import (
	"context"
)

type (
	// Connection is one websocket session with a hub. Write sends a Message
	// wrapping a set frame or a control message; the hub's ack, mutation,
	// snapshot and error frames are pushed as data messages to the receive
	// channel given to the factory. CloseErr reports why the session ended.
	Connection interface {
		Write(m Message) error
		Open(ctx context.Context) error
		Close()
		CloseErr() error
		CloseChan() CloseChan
	}

	// ConnectionFactory dials a new hub session for every (re)connection
	// attempt of the handler chain.
	ConnectionFactory func(ctx context.Context, recvChan chan<- Message) Connection
)
