package libstem

import (
	"context"
	"sync"
)

type mockConnectionHandler struct {
	ConnectFunc   func(ctx context.Context) error
	CloseFunc     func()
	SendFunc      func(m Message)
	RecvFunc      func(m Message)
	CloseChanFunc func() CloseChan
	CloseErrFunc  func() error
}

func (m *mockConnectionHandler) Connect(ctx context.Context) error {
	return m.ConnectFunc(ctx)
}

func (m *mockConnectionHandler) Close() {
	m.CloseFunc()
}

func (m *mockConnectionHandler) Send(msg Message) {
	m.SendFunc(msg)
}

func (m *mockConnectionHandler) Recv(msg Message) {
	m.RecvFunc(msg)
}

func (m *mockConnectionHandler) CloseChan() CloseChan {
	return m.CloseChanFunc()
}

func (m *mockConnectionHandler) CloseErr() error {
	return m.CloseErrFunc()
}

// recordingConnectionHandler is a mockConnectionHandler that records sent
// and received messages and can be closed from the test.
type recordingConnectionHandler struct {
	mockConnectionHandler

	mu       sync.Mutex
	sent     []Message
	received []Message
	closeC   CloseChan
	once     sync.Once
}

func newRecordingConnectionHandler() *recordingConnectionHandler {
	h := &recordingConnectionHandler{closeC: make(CloseChan)}
	h.ConnectFunc = func(context.Context) error { return nil }
	h.CloseFunc = func() { h.once.Do(func() { close(h.closeC) }) }
	h.SendFunc = func(m Message) {
		h.mu.Lock()
		h.sent = append(h.sent, m)
		h.mu.Unlock()
	}
	h.RecvFunc = func(m Message) {
		h.mu.Lock()
		h.received = append(h.received, m)
		h.mu.Unlock()
	}
	h.CloseChanFunc = func() CloseChan { return h.closeC }
	h.CloseErrFunc = func() error { return ErrConnectionClosed }
	return h
}

func (h *recordingConnectionHandler) Sent() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.sent...)
}

func (h *recordingConnectionHandler) Received() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.received...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []EventType
}

func (r *recordingEmitter) Emit(ev EventType, _ EventType) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingEmitter) Events() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventType(nil), r.events...)
}
