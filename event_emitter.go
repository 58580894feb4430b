package libstem

import (
	"slices"
	"sync"
)

type callback[T any] func(T)

// lifecycleEmitter is a small in-process emitter used by the hub client to
// broadcast connection lifecycle events to its components.
type lifecycleEmitter[K comparable, V any] struct {
	listeners map[K][]callback[V]
	lock      sync.RWMutex
}

func newLifecycleEmitter[K comparable, V any]() *lifecycleEmitter[K, V] {
	return &lifecycleEmitter[K, V]{
		listeners: make(map[K][]callback[V]),
	}
}

// On registers a new listener for the given event.
func (e *lifecycleEmitter[K, V]) On(event K, listener callback[V]) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.listeners[event] = append(e.listeners[event], listener)
}

// Emit calls the listeners of event synchronously. The lock is not held
// while listeners run, so they may register more listeners.
func (e *lifecycleEmitter[K, V]) Emit(event K, data V) {
	e.lock.RLock()
	listeners := slices.Clone(e.listeners[event])
	e.lock.RUnlock()

	for _, listener := range listeners {
		listener(data)
	}
}

// Close removes all listeners.
func (e *lifecycleEmitter[K, V]) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.listeners = make(map[K][]callback[V])
}
