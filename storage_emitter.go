package libstem

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// Emitter is the event emitter capability set.
type Emitter interface {
	On(event string, l *Listener) *Listener
	OnFunc(event string, fn ListenerFunc) *Listener
	Once(event string, fn ListenerFunc) *Listener
	Off(event string, l *Listener) Emitter
	RemoveListener(event string, l *Listener) Emitter
	RemoveAllListeners(event string) Emitter
	Listeners(event string) []*Listener
	SetMaxListeners(n int)
	Emit(event string, args ...any) error
}

// StorageEmitter is an event emitter whose only transport is a shared
// Storage. Emit writes a packet under the namespaced key; listeners run when
// the storage reports a mutation of that key, in this or any other emitter
// sharing the scope.
type StorageEmitter struct {
	id            string
	namespace     string
	deliverToSelf bool
	storage       Storage
	logger        Logger
	metrics       *Metrics

	mu           sync.RWMutex
	listeners    map[string]*listenerList
	maxListeners int

	uidMu   sync.Mutex
	lastUID string
	ownUIDs *ttlcache.Cache[string, struct{}]

	ctx         context.Context
	cancel      context.CancelFunc
	cancelWatch func()
	closed      atomic.Bool
}

var _ Emitter = (*StorageEmitter)(nil)

// New creates an emitter over storage and subscribes to its mutations right
// away. The subscription lives until Close is called or ctx is done.
func New(ctx context.Context, storage Storage, opts ...Option) (*StorageEmitter, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)

	e := &StorageEmitter{
		id:            id,
		namespace:     o.namespace,
		deliverToSelf: o.deliverToSelf,
		storage:       storage,
		logger: o.logger.
			WithField("emitter", id).
			WithField("namespace", o.namespace),
		metrics:      o.metrics,
		listeners:    make(map[string]*listenerList),
		maxListeners: o.maxListeners,
		ctx:          ctx,
		cancel:       cancel,
	}

	if !e.deliverToSelf {
		e.ownUIDs = ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](o.selfUIDTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		)
		go e.ownUIDs.Start()
	}

	cancelWatch, err := storage.Watch(ctx, e.handleMutation)
	if err != nil {
		e.stop()
		return nil, err
	}
	e.cancelWatch = cancelWatch

	e.logger.Debugln("subscribed to storage mutations")

	return e, nil
}

// ID identifies this emitter in logs.
func (e *StorageEmitter) ID() string { return e.id }

func (e *StorageEmitter) Namespace() string { return e.namespace }

// Key returns the storage key used for event.
func (e *StorageEmitter) Key(event string) string {
	return e.namespace + event
}

// On appends l to the listeners of event. Crossing the max listeners
// threshold logs a leak warning once per key; registration still happens.
func (e *StorageEmitter) On(event string, l *Listener) *Listener {
	key := e.Key(event)

	e.mu.Lock()
	list, ok := e.listeners[key]
	if !ok {
		list = &listenerList{}
		e.listeners[key] = list
	}
	n := list.add(l)
	leak := e.maxListeners > 0 && n > e.maxListeners && !list.warned
	if leak {
		list.warned = true
	}
	e.mu.Unlock()

	if leak {
		e.logger.WithField("event", event).Warnf(
			"possible StorageEmitter memory leak detected. %d listeners added. "+
				"Use SetMaxListeners() to increase limit.", n)
		e.metrics.leakWarned(e.namespace)
	}

	return l
}

func (e *StorageEmitter) OnFunc(event string, fn ListenerFunc) *Listener {
	return e.On(event, NewListener(fn))
}

// Once registers fn to run on the next delivery of event only. fn runs while
// the wrapper is still registered; the wrapper is removed when fn returns,
// even if it panics. The returned handle can be passed to Off.
func (e *StorageEmitter) Once(event string, fn ListenerFunc) *Listener {
	var (
		l     *Listener
		fired atomic.Bool
	)

	l = NewListener(func(args Args) {
		if !fired.CompareAndSwap(false, true) {
			return
		}
		defer e.Off(event, l)
		fn(args)
	})

	return e.On(event, l)
}

// Off removes the first occurrence of l. Unknown events and listeners are
// ignored.
func (e *StorageEmitter) Off(event string, l *Listener) Emitter {
	key := e.Key(event)

	e.mu.Lock()
	defer e.mu.Unlock()

	if list, ok := e.listeners[key]; ok {
		list.remove(l)
	}

	return e
}

func (e *StorageEmitter) RemoveListener(event string, l *Listener) Emitter {
	return e.Off(event, l)
}

func (e *StorageEmitter) RemoveAllListeners(event string) Emitter {
	e.mu.Lock()
	delete(e.listeners, e.Key(event))
	e.mu.Unlock()

	return e
}

// Listeners returns a copy of the listeners of event, or nil when none were
// ever registered (or all were removed with RemoveAllListeners).
func (e *StorageEmitter) Listeners(event string) []*Listener {
	e.mu.RLock()
	defer e.mu.RUnlock()

	list, ok := e.listeners[e.Key(event)]
	if !ok {
		return nil
	}
	return list.snapshot()
}

func (e *StorageEmitter) SetMaxListeners(n int) {
	e.mu.Lock()
	e.maxListeners = n
	e.mu.Unlock()
}

// Emit writes a packet with args under the event key. Listeners are never
// called from here; they run when the storage notifies the mutation.
func (e *StorageEmitter) Emit(event string, args ...any) error {
	if e.closed.Load() {
		return ErrEmitterClosed
	}

	key := e.Key(event)
	uid := e.nextUID()

	raw, err := encodePacket(uid, args)
	if err != nil {
		return err
	}

	if e.ownUIDs != nil {
		e.ownUIDs.Set(uid, struct{}{}, ttlcache.DefaultTTL)
	}

	if err := e.storage.Set(e.ctx, key, raw); err != nil {
		e.metrics.writeFailed(e.namespace)
		e.logger.WithField("event", event).Errorf("cannot write packet: %s", err)
		return &WriteError{Key: key, Err: err}
	}

	e.metrics.emitted(e.namespace)
	return nil
}

// Close stops watching the storage. The storage itself stays open.
func (e *StorageEmitter) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	if e.cancelWatch != nil {
		e.cancelWatch()
	}
	e.stop()

	e.logger.Debugln("closed")
	return nil
}

func (e *StorageEmitter) stop() {
	e.cancel()
	if e.ownUIDs != nil {
		e.ownUIDs.Stop()
	}
}

// nextUID never returns the same token twice in a row, so two emits within
// the same millisecond that draw the same fraction still change the value.
func (e *StorageEmitter) nextUID() string {
	e.uidMu.Lock()
	defer e.uidMu.Unlock()

	for {
		uid := newUID(time.Now())
		if uid != e.lastUID {
			e.lastUID = uid
			return uid
		}
	}
}
