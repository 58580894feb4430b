package libstem

import (
	"context"
	"maps"
	"sync"
)

// MemoryStorage is an in-process storage scope. Every emitter sharing one
// MemoryStorage behaves like a browsing context sharing one localStorage: a
// write that does not change the stored value raises no notification.
type MemoryStorage struct {
	mu       sync.RWMutex
	values   map[string]string
	watchers *watcherSet
	closed   bool
}

var _ Storage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		values:   make(map[string]string),
		watchers: newWatcherSet(),
	}
}

func (s *MemoryStorage) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", ErrStorageClosed
	}

	v, ok := s.values[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

func (s *MemoryStorage) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStorageClosed
	}

	if prev, ok := s.values[key]; ok && prev == value {
		return nil
	}
	s.values[key] = value

	// notify under the write lock so watchers see mutations in write order
	s.watchers.notify(Mutation{Key: key})
	return nil
}

// Delete removes key and notifies watchers when it existed.
func (s *MemoryStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStorageClosed
	}

	if _, ok := s.values[key]; !ok {
		return nil
	}
	delete(s.values, key)
	s.watchers.notify(Mutation{Key: key})
	return nil
}

// Snapshot returns a copy of every stored entry.
func (s *MemoryStorage) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return maps.Clone(s.values)
}

func (s *MemoryStorage) Watch(ctx context.Context, fn WatchFunc) (func(), error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStorageClosed
	}
	return s.watchers.add(ctx, fn), nil
}

func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.watchers.closeAll()
	return nil
}
