package libstem

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instantBackoff(int) time.Duration { return time.Millisecond }

// handlerSequence hands out a new recording handler per dial. The first
// failures dials fail.
type handlerSequence struct {
	mu       sync.Mutex
	failures int
	dials    int
	handlers []*recordingConnectionHandler
}

func (s *handlerSequence) factory(Client, MessageHandler, emitter[EventType, EventType]) ConnectionHandler {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dials++
	h := newRecordingConnectionHandler()
	if s.dials <= s.failures {
		h.ConnectFunc = func(context.Context) error { return errors.New("hub is down") }
	}
	s.handlers = append(s.handlers, h)
	return h
}

func (s *handlerSequence) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *handlerSequence) Last() *recordingConnectionHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[len(s.handlers)-1]
}

func TestBackoffConnectRetriesUntilConnected(t *testing.T) {
	seq := &handlerSequence{failures: 2}
	h := NewBackoffConnectionHandlerFactory(NoopLogger(), seq.factory, instantBackoff, time.Minute)(
		&mockClient{}, nil, &recordingEmitter{},
	)
	defer h.Close()

	require.NoError(t, h.Connect(context.Background()))
	assert.Equal(t, 3, seq.Dials())
}

func TestBackoffConnectGivesUpWithContext(t *testing.T) {
	seq := &handlerSequence{failures: 1000}
	h := NewBackoffConnectionHandlerFactory(NoopLogger(), seq.factory, instantBackoff, time.Minute)(
		&mockClient{}, nil, &recordingEmitter{},
	)
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, h.Connect(ctx), ErrCannotConnect)
}

func TestBackoffReconnectsWhenConnectionDrops(t *testing.T) {
	seq := &handlerSequence{}
	events := &recordingEmitter{}
	h := NewBackoffConnectionHandlerFactory(NoopLogger(), seq.factory, instantBackoff, time.Minute)(
		&mockClient{}, nil, events,
	)
	defer h.Close()

	require.NoError(t, h.Connect(context.Background()))
	first := seq.Last()

	h.Send(NewDataMessage([]byte("one")))
	require.Eventually(t, func() bool { return len(first.Sent()) == 1 }, waitFor, tick)

	first.Close()

	require.Eventually(t, func() bool { return seq.Dials() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool {
		for _, ev := range events.Events() {
			if ev == EventReconnect {
				return true
			}
		}
		return false
	}, waitFor, tick)

	second := seq.Last()
	h.Send(NewDataMessage([]byte("two")))
	require.Eventually(t, func() bool { return len(second.Sent()) == 1 }, waitFor, tick)

	h.Recv(NewPingMessage(nil))
	require.Eventually(t, func() bool { return len(second.Received()) == 1 }, waitFor, tick)
}

func TestBackoffRecordsCloseReason(t *testing.T) {
	seq := &handlerSequence{}
	h := NewBackoffConnectionHandlerFactory(NoopLogger(), seq.factory, instantBackoff, time.Minute)(
		&mockClient{}, nil, &recordingEmitter{},
	)
	defer h.Close()

	require.NoError(t, h.Connect(context.Background()))
	assert.NoError(t, h.CloseErr())

	// CloseErr is read concurrently with the supervisor recording the drop
	seq.Last().Close()

	require.Eventually(t, func() bool {
		return errors.Is(h.CloseErr(), ErrConnectionClosed)
	}, waitFor, tick)
	require.Eventually(t, func() bool { return seq.Dials() == 2 }, waitFor, tick)
}

func TestBackoffCloseStopsSupervision(t *testing.T) {
	seq := &handlerSequence{}
	h := NewBackoffConnectionHandlerFactory(NoopLogger(), seq.factory, instantBackoff, time.Minute)(
		&mockClient{}, nil, &recordingEmitter{},
	)

	require.NoError(t, h.Connect(context.Background()))
	inner := seq.Last()

	h.Close()
	h.Close()

	select {
	case <-inner.CloseChan():
	case <-time.After(waitFor):
		t.Fatal("inner handler was not closed")
	}

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, seq.Dials())

	// sends after close are dropped instead of blocking
	h.Send(NewDataMessage(nil))
}

func TestExponentialBackoffSeconds(t *testing.T) {
	assert.Equal(t, time.Duration(0), ExponentialBackoffSeconds(0))
	assert.Equal(t, 500*time.Millisecond, ExponentialBackoffSeconds(1))
	assert.Equal(t, 1500*time.Millisecond, ExponentialBackoffSeconds(2))
	assert.Equal(t, 3500*time.Millisecond, ExponentialBackoffSeconds(3))
}
