package libstem

import (
	"context"
	"sync"
)

// basicClient owns one connection handler chain. Data messages go to the
// message handler; ping, pong and close messages are passed back down to the
// connection handlers.
type basicClient struct {
	connectionHandlerFactory ConnectionHandlerFactory
	connectionHandler        ConnectionHandler
	messageHandler           MessageHandler
	eventHandler             EventHandler
	eventEmitter             *lifecycleEmitter[EventType, EventType]

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func (b *basicClient) createConnectionHandler() {
	handlerWrapper := func(cli Client, m Message) {
		if m.Type().IsData() {
			b.messageHandler(cli, m)
		} else if ch := b.handler(); ch != nil {
			ch.Recv(m)
		}
	}

	b.connectionHandler = b.connectionHandlerFactory(b, handlerWrapper, b.eventEmitter)
}

func (b *basicClient) handler() ConnectionHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectionHandler
}

// Open connects the handler chain. A client closed before or while opening
// stays closed: Open returns ErrTerminated or the chain gives up connecting.
func (b *basicClient) Open(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrTerminated
	}
	b.createConnectionHandler()
	ch := b.connectionHandler
	b.mu.Unlock()

	if b.eventHandler != nil {
		forward := func(eventType EventType) {
			b.eventHandler(b, eventType)
		}
		b.eventEmitter.On(EventConnect, forward)
		b.eventEmitter.On(EventClose, forward)
		b.eventEmitter.On(EventReconnect, forward)
	}

	return ch.Connect(ctx)
}

func (b *basicClient) Send(m Message) {
	if ch := b.handler(); ch != nil {
		ch.Send(m)
	}
}

func (b *basicClient) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		ch := b.connectionHandler
		b.mu.Unlock()

		if ch != nil {
			ch.Close()
		}
		b.eventEmitter.Close()
	})
}

// CloseChan is nil until the client is opened.
func (b *basicClient) CloseChan() CloseChan {
	if ch := b.handler(); ch != nil {
		return ch.CloseChan()
	}
	return nil
}

func newBasicClient(
	connHandlerFactory ConnectionHandlerFactory,
	messageHandler MessageHandler,
	eventHandler EventHandler,
) *basicClient {
	return &basicClient{
		messageHandler:           messageHandler,
		eventHandler:             eventHandler,
		connectionHandlerFactory: connHandlerFactory,
		eventEmitter:             newLifecycleEmitter[EventType, EventType](),
	}
}

func NewBasicClientFactory(
	connHandlerFactory ConnectionHandlerFactory,
	messageHandler MessageHandler,
	eventHandler EventHandler,
) ClientFactory {
	return func() Client {
		return newBasicClient(
			connHandlerFactory,
			messageHandler,
			eventHandler,
		)
	}
}
