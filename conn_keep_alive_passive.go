package libstem

type PassiveKeepAliveHandler func(ch ConnectionHandler, m Message)

// passiveKeepAliveConnectionHandler answers control messages from the hub
// before forwarding them to the wrapped handler.
type passiveKeepAliveConnectionHandler struct {
	ConnectionHandler
	handler PassiveKeepAliveHandler
}

func (h *passiveKeepAliveConnectionHandler) Recv(m Message) {
	h.handler(h.ConnectionHandler, m)

	h.ConnectionHandler.Recv(m)
}

func newPassiveKeepAliveConnectionHandler(
	c ConnectionHandler,
	h PassiveKeepAliveHandler,
) *passiveKeepAliveConnectionHandler {
	return &passiveKeepAliveConnectionHandler{ConnectionHandler: c, handler: h}
}

func NewPassiveKeepAliveConnectionHandlerFactory(
	factory ConnectionHandlerFactory,
	handler PassiveKeepAliveHandler,
) ConnectionHandlerFactory {
	return func(
		client Client,
		msgHandler MessageHandler,
		emitter emitter[EventType, EventType],
	) ConnectionHandler {
		return newPassiveKeepAliveConnectionHandler(factory(client, msgHandler, emitter), handler)
	}
}

// KeepAliveHandlerReplyPingWithPong answers every hub ping with a pong
// carrying the same payload.
func KeepAliveHandlerReplyPingWithPong(ch ConnectionHandler, m Message) {
	if m.Type().IsPing() {
		ch.Send(NewPongMessage(m.Data()))
	}
}
