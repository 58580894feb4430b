package libstem

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mutationRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (r *mutationRecorder) record(m Mutation) {
	r.mu.Lock()
	r.keys = append(r.keys, m.Key)
	r.mu.Unlock()
}

func (r *mutationRecorder) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

func TestMemoryStorageGetSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	defer s.Close()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, s.Set(ctx, "k", "v"))

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestMemoryStorageNotifiesEveryWatcherInOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	defer s.Close()

	var a, b mutationRecorder
	_, err := s.Watch(ctx, a.record)
	require.NoError(t, err)
	_, err = s.Watch(ctx, b.record)
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "k1", "1"))
	require.NoError(t, s.Set(ctx, "k2", "1"))
	require.NoError(t, s.Set(ctx, "k1", "2"))

	want := []string{"k1", "k2", "k1"}
	assert.Eventually(t, func() bool { return len(a.Keys()) == 3 && len(b.Keys()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, a.Keys())
	assert.Equal(t, want, b.Keys())
}

func TestMemoryStorageSuppressesUnchangedWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	defer s.Close()

	var rec mutationRecorder
	_, err := s.Watch(ctx, rec.record)
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "k", "same"))
	require.NoError(t, s.Set(ctx, "k", "same"))
	require.NoError(t, s.Set(ctx, "other", "x"))

	assert.Eventually(t, func() bool { return len(rec.Keys()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"k", "other"}, rec.Keys())
}

func TestMemoryStorageWatchCancel(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	defer s.Close()

	var rec mutationRecorder
	cancel, err := s.Watch(ctx, rec.record)
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "k", "1"))
	assert.Eventually(t, func() bool { return len(rec.Keys()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, s.Set(ctx, "k", "2"))

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.Keys(), 1)
}

func TestMemoryStorageWatcherCanWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	defer s.Close()

	var rec mutationRecorder
	_, err := s.Watch(ctx, func(m Mutation) {
		rec.record(m)
		if m.Key == "ping" {
			assert.NoError(t, s.Set(ctx, "pong", "1"))
		}
	})
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "ping", "1"))
	assert.Eventually(t, func() bool { return len(rec.Keys()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ping", "pong"}, rec.Keys())
}

func TestMemoryStorageDeleteAndSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	defer s.Close()

	require.NoError(t, s.Set(ctx, "a", "1"))
	require.NoError(t, s.Set(ctx, "b", "2"))

	snap := s.Snapshot()
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, snap)

	snap["a"] = "changed"
	v, _ := s.Get(ctx, "a")
	assert.Equal(t, "1", v)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemoryStorageClosed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Set(ctx, "k", "v"), ErrStorageClosed)
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrStorageClosed)
	_, err = s.Watch(ctx, func(Mutation) {})
	assert.ErrorIs(t, err, ErrStorageClosed)
}
