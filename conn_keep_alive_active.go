package libstem

import (
	"context"
	"sync"
	"time"
)

type KeepAliveMessageFactory func() Message

// activeKeepAliveConnectionHandler pings the hub every pingInterval so idle
// connections are not dropped by proxies in between.
type activeKeepAliveConnectionHandler struct {
	ConnectionHandler
	pingInterval            time.Duration
	keepAliveMessageFactory KeepAliveMessageFactory
	logger                  Logger

	connectOnce sync.Once
	closeOnce   sync.Once
	closeC      chan struct{}
}

// Connect connects the wrapped handler and starts the ping loop. Only the
// first call has any effect.
func (h *activeKeepAliveConnectionHandler) Connect(ctx context.Context) (err error) {
	h.connectOnce.Do(func() {
		err = h.ConnectionHandler.Connect(ctx)
		if err != nil {
			return
		}

		go h.run(ctx)
	})

	return
}

// Close closes the wrapped handler and stops the ping loop.
func (h *activeKeepAliveConnectionHandler) Close() {
	h.closeOnce.Do(func() {
		h.ConnectionHandler.Close()
		close(h.closeC)
	})
}

func (h *activeKeepAliveConnectionHandler) run(ctx context.Context) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	innerClosed := h.ConnectionHandler.CloseChan()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.closeC:
			return
		case <-innerClosed:
			return
		case <-ticker.C:
			h.logger.Debugln("keep-alive tick")
			h.ConnectionHandler.Send(h.keepAliveMessageFactory())
		}
	}
}

func newActiveKeepAliveConnectionHandler(
	logger Logger,
	ch ConnectionHandler,
	interval time.Duration,
	keepAliveMessageFactory KeepAliveMessageFactory,
) *activeKeepAliveConnectionHandler {
	return &activeKeepAliveConnectionHandler{
		ConnectionHandler:       ch,
		logger:                  logger,
		pingInterval:            interval,
		keepAliveMessageFactory: keepAliveMessageFactory,
		closeC:                  make(chan struct{}),
	}
}

// NewActiveKeepAliveConnectionHandlerFactory wraps the handlers built by
// factory so they send keepAliveMessageFactory() every interval.
func NewActiveKeepAliveConnectionHandlerFactory(
	logger Logger,
	factory ConnectionHandlerFactory,
	interval time.Duration,
	keepAliveMessageFactory KeepAliveMessageFactory,
) ConnectionHandlerFactory {
	return func(client Client, handler MessageHandler, emitter emitter[EventType, EventType]) ConnectionHandler {
		return newActiveKeepAliveConnectionHandler(
			logger.WithField("subtype", "activeKeepAliveConnectionHandler"),
			factory(client, handler, emitter),
			interval,
			keepAliveMessageFactory,
		)
	}
}

// NewKeepAliveMessageFactory returns a factory of mt messages with content
// produced by contentFactory.
func NewKeepAliveMessageFactory(
	mt MessageType,
	contentFactory func() []byte,
) KeepAliveMessageFactory {
	return func() Message {
		return NewMessage(mt, contentFactory())
	}
}
