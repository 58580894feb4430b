package libstem

import (
	"context"
	"sync"
)

type (
	emitter[K comparable, V any] interface {
		Emit(K, V)
	}

	// ConnectionHandler defines the interactions with a connection.
	ConnectionHandler interface {
		// Recv is called with control messages (ping, pong, close) received
		// from the hub.
		Recv(m Message)

		// Send is called when a message needs to be sent to the hub.
		Send(m Message)

		// Connect establishes a connection to the hub.
		Connect(ctx context.Context) error

		// CloseChan returns a channel that will be closed when the connection is closed.
		CloseChan() CloseChan

		// CloseErr returns an error that explains why the connection was closed.
		// If the connection closed normally, CloseErr should return nil.
		CloseErr() error

		// Close closes the connection and releases its resources.
		Close()
	}

	// ConnectionHandlerFactory builds a ConnectionHandler bound to a client,
	// its message handler and its lifecycle emitter.
	ConnectionHandlerFactory func(Client, MessageHandler, emitter[EventType, EventType]) ConnectionHandler
)

// socketConnectionHandler is the innermost handler: it owns one Connection
// and pumps everything the connection receives into the message handler.
type socketConnectionHandler struct {
	client      Client
	logger      Logger
	connFactory ConnectionFactory
	handler     MessageHandler
	emitter     emitter[EventType, EventType]

	conn      Connection
	recv      chan Message
	closeC    CloseChan
	closeOnce sync.Once
}

func (h *socketConnectionHandler) Connect(ctx context.Context) error {
	h.conn = h.connFactory(ctx, h.recv)

	if err := h.conn.Open(ctx); err != nil {
		h.conn.Close()
		return err
	}

	// announce before pumping so listeners see the connect ahead of any data
	h.emitter.Emit(EventConnect, EventConnect)

	go h.pump(ctx)

	return nil
}

func (h *socketConnectionHandler) pump(ctx context.Context) {
	connClosed := h.conn.CloseChan()

	defer h.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.closeC:
			return
		case <-connClosed:
			return
		case m := <-h.recv:
			h.handler(h.client, m)
		}
	}
}

func (h *socketConnectionHandler) Recv(m Message) {
	if m.Type().IsClose() {
		h.logger.Infof("hub closed the connection: %s", m)
	}
}

func (h *socketConnectionHandler) Send(m Message) {
	if h.conn == nil {
		return
	}
	if err := h.conn.Write(m); err != nil {
		h.logger.Warnf("cannot send %s: %s", m, err)
	}
}

func (h *socketConnectionHandler) Close() {
	h.closeOnce.Do(func() {
		close(h.closeC)
		if h.conn != nil {
			h.conn.Close()
		}
		h.emitter.Emit(EventClose, EventClose)
	})
}

// CloseChan is closed when the underlying connection closes.
func (h *socketConnectionHandler) CloseChan() CloseChan {
	return h.closeC
}

func (h *socketConnectionHandler) CloseErr() error {
	if h.conn == nil {
		return nil
	}
	return h.conn.CloseErr()
}

func NewSocketConnectionHandlerFactory(
	logger Logger,
	connFactory ConnectionFactory,
) ConnectionHandlerFactory {
	return func(client Client, handler MessageHandler, emitter emitter[EventType, EventType]) ConnectionHandler {
		return &socketConnectionHandler{
			client:      client,
			logger:      logger.WithField("type", "conn_handler_socket"),
			connFactory: connFactory,
			handler:     handler,
			emitter:     emitter,
			recv:        make(chan Message, 64),
			closeC:      make(CloseChan),
		}
	}
}
