package libstem

import (
	"context"
	"sync"
)

type (
	// Mutation notifies that the value stored under Key changed. Readers fetch
	// the current value themselves.
	Mutation struct {
		Key string
	}

	// WatchFunc is called once per mutation, serially, in arrival order.
	WatchFunc func(Mutation)

	// Storage is a shared key-value scope with change notifications. Every
	// watcher receives every mutation of the scope, including the ones caused
	// by its own writes.
	Storage interface {
		// Get returns the current value at key or ErrKeyNotFound.
		Get(ctx context.Context, key string) (string, error)
		// Set stores value at key. Watchers are notified asynchronously.
		Set(ctx context.Context, key, value string) error
		// Watch subscribes fn to mutations until cancel is called or ctx is done.
		Watch(ctx context.Context, fn WatchFunc) (cancel func(), err error)
		// Close releases the underlying medium.
		Close() error
	}
)

// mutationQueue is an unbounded FIFO drained by one goroutine. Pushing never
// blocks, so a watcher that writes to the storage from inside its callback
// cannot deadlock itself.
type mutationQueue struct {
	mu      sync.Mutex
	pending []Mutation
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newMutationQueue() *mutationQueue {
	return &mutationQueue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *mutationQueue) push(m Mutation) {
	q.mu.Lock()
	q.pending = append(q.pending, m)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *mutationQueue) close() {
	q.once.Do(func() { close(q.done) })
}

func (q *mutationQueue) run(ctx context.Context, fn WatchFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-q.signal:
		}

		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, m := range batch {
			select {
			case <-q.done:
				return
			default:
			}
			fn(m)
		}
	}
}

// watcherSet fans mutations out to every registered watcher.
type watcherSet struct {
	mu     sync.RWMutex
	nextID uint64
	queues map[uint64]*mutationQueue
}

func newWatcherSet() *watcherSet {
	return &watcherSet{queues: make(map[uint64]*mutationQueue)}
}

func (w *watcherSet) add(ctx context.Context, fn WatchFunc) func() {
	q := newMutationQueue()

	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.queues[id] = q
	w.mu.Unlock()

	cancel := func() {
		w.mu.Lock()
		delete(w.queues, id)
		w.mu.Unlock()
		q.close()
	}

	go func() {
		q.run(ctx, fn)
		cancel()
	}()

	return cancel
}

func (w *watcherSet) notify(m Mutation) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for _, q := range w.queues {
		q.push(m)
	}
}

func (w *watcherSet) closeAll() {
	w.mu.Lock()
	queues := w.queues
	w.queues = make(map[uint64]*mutationQueue)
	w.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
}
