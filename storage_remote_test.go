package libstem

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHub stands in for the connection chain of a RemoteStorage: it
// announces the connection, pushes frames to the client and records what the
// client sends. Set frames are acked unless reply says otherwise.
type fakeHub struct {
	inner *recordingConnectionHandler

	mu      sync.Mutex
	client  Client
	handler MessageHandler
	events  emitter[EventType, EventType]
	reply   func(set Frame) (Frame, bool)
}

func newFakeHub(snapshot map[string]string) *fakeHub {
	f := &fakeHub{inner: newRecordingConnectionHandler()}
	f.inner.ConnectFunc = func(context.Context) error {
		f.events.Emit(EventConnect, EventConnect)
		go f.push(Frame{Op: OpSnapshot, Entries: snapshot})
		return nil
	}

	record := f.inner.SendFunc
	f.inner.SendFunc = func(m Message) {
		record(m)

		fr, err := FrameOf(m)
		if err != nil || fr.Op != OpSet {
			return
		}

		f.mu.Lock()
		reply := f.reply
		f.mu.Unlock()

		out, ok := Frame{Op: OpAck, ID: fr.ID, Key: fr.Key}, true
		if reply != nil {
			out, ok = reply(fr)
		}
		if ok {
			f.push(out)
		}
	}
	return f
}

func (f *fakeHub) replyWith(fn func(set Frame) (Frame, bool)) {
	f.mu.Lock()
	f.reply = fn
	f.mu.Unlock()
}

func (f *fakeHub) factory(c Client, h MessageHandler, e emitter[EventType, EventType]) ConnectionHandler {
	f.mu.Lock()
	f.client, f.handler, f.events = c, h, e
	f.mu.Unlock()
	return f.inner
}

func (f *fakeHub) push(fr Frame) {
	m, err := NewFrameMessage(fr)
	if err != nil {
		panic(err)
	}

	f.mu.Lock()
	c, h := f.client, f.handler
	f.mu.Unlock()

	h(c, m)
}

// sentFrames decodes what the client sent, without the write IDs.
func (f *fakeHub) sentFrames(t *testing.T) []Frame {
	var frames []Frame
	for _, m := range f.inner.Sent() {
		fr, err := DecodeFrame(m.Data())
		require.NoError(t, err)
		fr.ID = ""
		frames = append(frames, fr)
	}
	return frames
}

func newTestRemoteStorage(t *testing.T, hub *fakeHub) *RemoteStorage {
	t.Helper()

	s, err := NewRemoteStorage(context.Background(), hub.factory, RemoteConfig{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestRemoteStorageAppliesSnapshot(t *testing.T) {
	s := newTestRemoteStorage(t, newFakeHub(map[string]string{"a": "1"}))

	v, err := s.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	_, err = s.Get(context.Background(), "b")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRemoteStorageSetSendsFrame(t *testing.T) {
	hub := newFakeHub(nil)
	s := newTestRemoteStorage(t, hub)

	require.NoError(t, s.Set(context.Background(), "k", "v"))

	assert.Equal(t, []Frame{{Op: OpSet, Key: "k", Value: "v"}}, hub.sentFrames(t))

	// the mirror only changes when the hub echoes the write
	_, err := s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	hub.push(Frame{Op: OpMutation, Key: "k", Value: "v"})
	v, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestRemoteStorageNotifiesMutations(t *testing.T) {
	ctx := context.Background()
	hub := newFakeHub(map[string]string{"same": "x"})
	s := newTestRemoteStorage(t, hub)

	var rec mutationRecorder
	_, err := s.Watch(ctx, rec.record)
	require.NoError(t, err)

	hub.push(Frame{Op: OpMutation, Key: "same", Value: "x"})
	hub.push(Frame{Op: OpMutation, Key: "new", Value: "1"})
	hub.push(Frame{Op: OpMutation, Key: "same", Deleted: true})
	hub.push(Frame{Op: OpMutation, Key: "never-existed", Deleted: true})

	require.Eventually(t, func() bool { return len(rec.Keys()) == 2 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"new", "same"}, rec.Keys())
}

func TestRemoteStorageResyncNotifiesDifferences(t *testing.T) {
	ctx := context.Background()
	hub := newFakeHub(map[string]string{"kept": "1", "changed": "1", "removed": "1"})
	s := newTestRemoteStorage(t, hub)

	var rec mutationRecorder
	_, err := s.Watch(ctx, rec.record)
	require.NoError(t, err)

	hub.push(Frame{Op: OpSnapshot, Entries: map[string]string{"kept": "1", "changed": "2", "added": "1"}})

	require.Eventually(t, func() bool { return len(rec.Keys()) == 3 }, waitFor, tick)
	assert.ElementsMatch(t, []string{"changed", "removed", "added"}, rec.Keys())

	_, err = s.Get(ctx, "removed")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRemoteStorageDisconnected(t *testing.T) {
	hub := newFakeHub(nil)
	s := newTestRemoteStorage(t, hub)

	hub.events.Emit(EventClose, EventClose)
	assert.ErrorIs(t, s.Set(context.Background(), "k", "v"), ErrNotConnected)

	hub.events.Emit(EventConnect, EventConnect)
	assert.NoError(t, s.Set(context.Background(), "k", "v"))
}

func TestRemoteStorageIgnoresBadMessages(t *testing.T) {
	var buf syncBuffer
	hub := newFakeHub(nil)

	s, err := NewRemoteStorage(context.Background(), hub.factory, RemoteConfig{}, NewWriterLogger(&buf))
	require.NoError(t, err)
	defer s.Close()

	hub.mu.Lock()
	c, h := hub.client, hub.handler
	hub.mu.Unlock()

	h(c, NewDataMessage([]byte("garbage")))
	hub.push(Frame{Op: OpError, Error: "rate limit exceeded"})

	assert.Contains(t, buf.String(), "dropping hub message")
	assert.Contains(t, buf.String(), "hub rejected a frame: rate limit exceeded")
}

func TestRemoteStorageWaitsForSnapshot(t *testing.T) {
	inner := newRecordingConnectionHandler()
	factory := func(Client, MessageHandler, emitter[EventType, EventType]) ConnectionHandler { return inner }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewRemoteStorage(ctx, factory, RemoteConfig{}, nil)
	assert.ErrorIs(t, err, ErrCannotConnect)

	select {
	case <-inner.CloseChan():
	default:
		t.Fatal("expected the connection to be closed")
	}
}

func TestRemoteStorageClosed(t *testing.T) {
	ctx := context.Background()
	hub := newFakeHub(nil)

	s, err := NewRemoteStorage(ctx, hub.factory, RemoteConfig{}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Set(ctx, "k", "v"), ErrStorageClosed)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrStorageClosed)
	_, err = s.Watch(ctx, func(Mutation) {})
	assert.ErrorIs(t, err, ErrStorageClosed)
}

func TestRemoteStorageSetTagsWrites(t *testing.T) {
	hub := newFakeHub(nil)
	s := newTestRemoteStorage(t, hub)

	require.NoError(t, s.Set(context.Background(), "a", "1"))
	require.NoError(t, s.Set(context.Background(), "b", "2"))

	var ids []string
	for _, m := range hub.inner.Sent() {
		fr, err := DecodeFrame(m.Data())
		require.NoError(t, err)
		ids = append(ids, fr.ID)
	}
	require.Len(t, ids, 2)
	assert.NotEmpty(t, ids[0])
	assert.NotEqual(t, ids[0], ids[1])
}

func TestRemoteStorageSetReturnsHubRefusal(t *testing.T) {
	tests := []struct {
		name    string
		reason  string
		wantErr error
	}{
		{name: "rate limit", reason: ErrRateLimit.Error(), wantErr: ErrRateLimit},
		{name: "scope error", reason: "storage has been closed", wantErr: ErrWriteRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf syncBuffer
			hub := newFakeHub(nil)
			s, err := NewRemoteStorage(context.Background(), hub.factory, RemoteConfig{}, NewWriterLogger(&buf))
			require.NoError(t, err)
			defer s.Close()

			hub.replyWith(func(set Frame) (Frame, bool) {
				return Frame{Op: OpError, ID: set.ID, Key: set.Key, Error: tt.reason}, true
			})

			err = s.Set(context.Background(), "k", "v")
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Contains(t, err.Error(), tt.reason)

			// replies to a pending write are not logged as stray errors
			assert.NotContains(t, buf.String(), "hub rejected a frame")
		})
	}
}

func TestRemoteStorageSetTimesOut(t *testing.T) {
	hub := newFakeHub(nil)
	hub.replyWith(func(Frame) (Frame, bool) { return Frame{}, false })

	s, err := NewRemoteStorage(context.Background(), hub.factory, RemoteConfig{WriteTimeout: 20 * time.Millisecond}, nil)
	require.NoError(t, err)
	defer s.Close()

	start := time.Now()
	assert.ErrorIs(t, s.Set(context.Background(), "k", "v"), ErrWriteTimeout)
	assert.Less(t, time.Since(start), waitFor)

	// a late ack for the abandoned write is dropped
	hub.push(Frame{Op: OpAck, ID: "1", Key: "k"})
}

func TestRemoteStorageSetFailsWhenConnectionDrops(t *testing.T) {
	hub := newFakeHub(nil)
	hub.replyWith(func(Frame) (Frame, bool) { return Frame{}, false })
	s := newTestRemoteStorage(t, hub)

	errC := make(chan error, 1)
	go func() { errC <- s.Set(context.Background(), "k", "v") }()

	require.Eventually(t, func() bool { return len(hub.inner.Sent()) == 1 }, waitFor, tick)
	hub.events.Emit(EventClose, EventClose)

	select {
	case err := <-errC:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(waitFor):
		t.Fatal("Set did not return after the connection closed")
	}
}

func TestRemoteStorageEmitReportsRefusal(t *testing.T) {
	hub := newFakeHub(nil)
	s := newTestRemoteStorage(t, hub)
	e := newTestEmitter(t, s)

	hub.replyWith(func(set Frame) (Frame, bool) {
		return Frame{Op: OpError, ID: set.ID, Key: set.Key, Error: ErrRateLimit.Error()}, true
	})

	err := e.Emit("ev", 1)

	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, e.Key("ev"), werr.Key)
	assert.ErrorIs(t, err, ErrRateLimit)
}

func TestRemoteStorageConnectTimeout(t *testing.T) {
	inner := newRecordingConnectionHandler()
	// a hub that never answers: Connect blocks until the chain is closed
	inner.ConnectFunc = func(ctx context.Context) error {
		select {
		case <-inner.CloseChan():
			return ErrTerminated
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	factory := func(Client, MessageHandler, emitter[EventType, EventType]) ConnectionHandler { return inner }

	start := time.Now()
	_, err := NewRemoteStorage(context.Background(), factory, RemoteConfig{ConnectTimeout: 30 * time.Millisecond}, nil)
	assert.ErrorIs(t, err, ErrCannotConnect)
	assert.Less(t, time.Since(start), waitFor)

	select {
	case <-inner.CloseChan():
	default:
		t.Fatal("expected the connection to be closed")
	}
}

func TestRemoteStorageConnectTimeoutWaitingForSnapshot(t *testing.T) {
	inner := newRecordingConnectionHandler()
	factory := func(Client, MessageHandler, emitter[EventType, EventType]) ConnectionHandler { return inner }

	_, err := NewRemoteStorage(context.Background(), factory, RemoteConfig{ConnectTimeout: 20 * time.Millisecond}, nil)
	assert.ErrorIs(t, err, ErrCannotConnect)
	assert.Contains(t, err.Error(), "no snapshot received")
}
