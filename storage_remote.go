package libstem

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
)

type RemoteConfig struct {
	// URL of the hub websocket endpoint, e.g. ws://localhost:7420/ws.
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	// PingInterval enables client side pings. 0 relies on hub pings only.
	PingInterval     time.Duration `yaml:"pingInterval"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	// ReconnectThreshold is how long a connection must live to count as
	// healthy, resetting the reconnect backoff.
	ReconnectThreshold time.Duration `yaml:"reconnectThreshold"`
	// ConnectTimeout bounds the first connection and snapshot. 0 waits
	// until ctx is done.
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	// WriteTimeout bounds how long Set waits for the hub to ack a write.
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

const DefaultRemoteWriteTimeout = 5 * time.Second

// RemoteStorage is a storage scope hosted by a Hub. It keeps a local mirror
// of the scope, fed by the hub's snapshot and mutation frames; Get reads the
// mirror and Set asks the hub to store the value. Every context connected to
// the same hub shares the scope.
type RemoteStorage struct {
	logger       Logger
	client       Client
	watchers     *watcherSet
	writes       *pendingWrites
	writeID      atomic.Uint64
	writeTimeout time.Duration

	mu     sync.RWMutex
	mirror map[string]string

	synced    chan struct{}
	syncOnce  sync.Once
	connected atomic.Bool
	closed    atomic.Bool
}

var _ Storage = (*RemoteStorage)(nil)

// RemoteConnectionHandlerFactory builds the connection handler chain used to
// talk to a hub: websocket, ping replies, optional pings and reconnection
// with exponential backoff.
func RemoteConnectionHandlerFactory(cfg RemoteConfig, logger Logger) (ConnectionHandlerFactory, error) {
	getter, err := StaticOpenConnectionParams(cfg.URL, cfg.Headers)
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	factory := NewSocketConnectionHandlerFactory(
		logger,
		NewWebsocketFactory(logger, dialer, NewOpenConnectionParamsRepo(logger, getter), ErrorAdapters{}),
	)
	factory = NewPassiveKeepAliveConnectionHandlerFactory(factory, KeepAliveHandlerReplyPingWithPong)

	if cfg.PingInterval > 0 {
		factory = NewActiveKeepAliveConnectionHandlerFactory(
			logger,
			factory,
			cfg.PingInterval,
			NewKeepAliveMessageFactory(PingMessage, func() []byte { return nil }),
		)
	}

	return NewBackoffConnectionHandlerFactory(
		logger,
		factory,
		ExponentialBackoffSeconds,
		cfg.ReconnectThreshold,
	), nil
}

// OpenRemoteStorage connects to the hub at cfg.URL and waits for the first
// snapshot of the scope.
func OpenRemoteStorage(ctx context.Context, cfg RemoteConfig, logger Logger) (*RemoteStorage, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	logger = logger.WithField("storage", "remote")

	factory, err := RemoteConnectionHandlerFactory(cfg, logger)
	if err != nil {
		return nil, err
	}

	return NewRemoteStorage(ctx, factory, cfg, logger)
}

// NewRemoteStorage opens a client over the handlers built by factory and
// waits for the first snapshot. Only the timeouts of cfg are used; the
// connection itself is up to factory.
func NewRemoteStorage(
	ctx context.Context,
	factory ConnectionHandlerFactory,
	cfg RemoteConfig,
	logger Logger,
) (*RemoteStorage, error) {
	if logger == nil {
		logger = noopLogger{}
	}

	s := &RemoteStorage{
		logger:       logger,
		watchers:     newWatcherSet(),
		writes:       newPendingWrites(),
		writeTimeout: cfg.WriteTimeout,
		mirror:       make(map[string]string),
		synced:       make(chan struct{}),
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = DefaultRemoteWriteTimeout
	}

	s.client = NewBasicClientFactory(factory, s.handleMessage, s.handleEvent)()

	// The client keeps ctx to supervise the connection, so the connect
	// timeout is enforced here instead of on ctx.
	var deadline <-chan time.Time
	if cfg.ConnectTimeout > 0 {
		t := time.NewTimer(cfg.ConnectTimeout)
		defer t.Stop()
		deadline = t.C
	}

	opened := make(chan error, 1)
	go func() { opened <- s.client.Open(ctx) }()

	select {
	case err := <-opened:
		if err != nil {
			s.client.Close()
			return nil, err
		}
	case <-deadline:
		s.client.Close()
		return nil, errors.Wrapf(ErrCannotConnect, "hub unreachable after %s", cfg.ConnectTimeout)
	case <-ctx.Done():
		s.client.Close()
		return nil, errors.Wrap(ErrCannotConnect, ctx.Err().Error())
	}

	select {
	case <-s.synced:
		return s, nil
	case <-deadline:
		s.client.Close()
		return nil, errors.Wrapf(ErrCannotConnect, "no snapshot received after %s", cfg.ConnectTimeout)
	case <-ctx.Done():
		s.client.Close()
		return nil, errors.Wrap(ErrCannotConnect, "no snapshot received: "+ctx.Err().Error())
	}
}

func (s *RemoteStorage) handleEvent(_ Client, ev EventType) {
	switch ev {
	case EventConnect:
		s.connected.Store(true)
	case EventClose:
		s.connected.Store(false)
		s.writes.failAll(ErrConnectionClosed)
	}
	s.logger.Infof("hub connection event: %s", ev)
}

func (s *RemoteStorage) handleMessage(_ Client, m Message) {
	f, err := FrameOf(m)
	if err != nil {
		s.logger.Warnf("dropping hub message: %s", err)
		return
	}

	switch f.Op {
	case OpSnapshot:
		s.applySnapshot(f.Entries)
	case OpMutation:
		s.applyMutation(f)
	case OpAck:
		s.writes.resolve(f.ID, nil)
	case OpError:
		if f.ID != "" && s.writes.resolve(f.ID, hubWriteError(f)) {
			return
		}
		s.logger.Warnf("hub rejected a frame: %s", f.Error)
	default:
		s.logger.Warnf("unexpected %s frame from hub", f.Op)
	}
}

// applySnapshot replaces the mirror and notifies every key that changed
// while the connection was down.
func (s *RemoteStorage) applySnapshot(entries map[string]string) {
	if entries == nil {
		entries = make(map[string]string)
	}

	s.mu.Lock()
	var changed []string
	for k, v := range entries {
		if prev, ok := s.mirror[k]; !ok || prev != v {
			changed = append(changed, k)
		}
	}
	for k := range s.mirror {
		if _, ok := entries[k]; !ok {
			changed = append(changed, k)
		}
	}
	s.mirror = entries
	for _, k := range changed {
		s.watchers.notify(Mutation{Key: k})
	}
	s.mu.Unlock()

	s.syncOnce.Do(func() { close(s.synced) })
}

func (s *RemoteStorage) applyMutation(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.mirror[f.Key]
	switch {
	case f.Deleted:
		if !ok {
			return
		}
		delete(s.mirror, f.Key)
	case ok && prev == f.Value:
		return
	default:
		s.mirror[f.Key] = f.Value
	}

	s.watchers.notify(Mutation{Key: f.Key})
}

func (s *RemoteStorage) Get(_ context.Context, key string) (string, error) {
	if s.closed.Load() {
		return "", ErrStorageClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.mirror[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

// Set sends the value to the hub and waits for the hub to ack or refuse it.
// The local mirror changes when the hub echoes the mutation back, which may
// happen after Set returns.
func (s *RemoteStorage) Set(ctx context.Context, key, value string) error {
	if s.closed.Load() {
		return ErrStorageClosed
	}
	if !s.connected.Load() {
		return ErrNotConnected
	}

	id := strconv.FormatUint(s.writeID.Add(1), 10)

	m, err := NewFrameMessage(Frame{Op: OpSet, ID: id, Key: key, Value: value})
	if err != nil {
		return err
	}

	reply := s.writes.add(id)
	defer s.writes.remove(id)

	s.client.Send(m)

	t := time.NewTimer(s.writeTimeout)
	defer t.Stop()

	select {
	case err := <-reply:
		return err
	case <-t.C:
		return errors.Wrapf(ErrWriteTimeout, "no reply for %s after %s", key, s.writeTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// hubWriteError maps a keyed error frame to the error Set returns.
func hubWriteError(f Frame) error {
	if f.Error == ErrRateLimit.Error() {
		return ErrRateLimit
	}
	return errors.Wrap(ErrWriteRejected, f.Error)
}

func (s *RemoteStorage) Watch(ctx context.Context, fn WatchFunc) (func(), error) {
	if s.closed.Load() {
		return nil, ErrStorageClosed
	}
	return s.watchers.add(ctx, fn), nil
}

func (s *RemoteStorage) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.client.Close()
	s.writes.failAll(ErrStorageClosed)
	s.watchers.closeAll()
	return nil
}

// pendingWrites holds the reply channel of every set frame in flight.
type pendingWrites struct {
	mu      sync.Mutex
	replies map[string]chan error
}

func newPendingWrites() *pendingWrites {
	return &pendingWrites{replies: make(map[string]chan error)}
}

func (p *pendingWrites) add(id string) <-chan error {
	c := make(chan error, 1)
	p.mu.Lock()
	p.replies[id] = c
	p.mu.Unlock()
	return c
}

func (p *pendingWrites) remove(id string) {
	p.mu.Lock()
	delete(p.replies, id)
	p.mu.Unlock()
}

// resolve delivers err to the write with id. It reports false when no such
// write is waiting.
func (p *pendingWrites) resolve(id string, err error) bool {
	p.mu.Lock()
	c, ok := p.replies[id]
	delete(p.replies, id)
	p.mu.Unlock()

	if ok {
		c <- err
	}
	return ok
}

func (p *pendingWrites) failAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, c := range p.replies {
		c <- err
		delete(p.replies, id)
	}
}
