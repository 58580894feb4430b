package libstem

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/dgraph-io/badger/v3/pb"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type BadgerConfig struct {
	// Dir holds the badger files. Ignored when InMemory is set.
	Dir      string `yaml:"dir"`
	InMemory bool   `yaml:"inMemory"`
	// Prefix restricts watched keys. Empty watches the whole database.
	Prefix string `yaml:"prefix"`
}

// BadgerStorage is a persistent storage scope backed by badger. Emitters
// sharing one BadgerStorage see each other's mutations through badger's
// subscription feed.
type BadgerStorage struct {
	db     *badger.DB
	prefix []byte
	logger Logger
}

var _ Storage = (*BadgerStorage)(nil)

func OpenBadgerStorage(cfg BadgerConfig, logger Logger) (*BadgerStorage, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	logger = logger.WithField("storage", "badger")

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "cannot create badger dir")
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}

	opts = opts.
		WithLogger(badgerLogger{logger: logger}).
		WithLoggingLevel(badger.WARNING).
		WithMemTableSize(16 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open badger")
	}

	return NewBadgerStorage(db, cfg.Prefix, logger), nil
}

// NewBadgerStorage wraps an already opened database.
func NewBadgerStorage(db *badger.DB, prefix string, logger Logger) *BadgerStorage {
	if logger == nil {
		logger = noopLogger{}
	}
	return &BadgerStorage{db: db, prefix: []byte(prefix), logger: logger}
}

func (s *BadgerStorage) Get(_ context.Context, key string) (string, error) {
	var value []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrKeyNotFound
			}
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return "", s.mapErr(err)
	}

	return string(value), nil
}

// Set skips writes that would not change the stored value, matching the
// notification semantics of MemoryStorage.
func (s *BadgerStorage) Set(_ context.Context, key, value string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		switch {
		case err == nil:
			prev, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(prev) == value {
				return nil
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set([]byte(key), []byte(value))
	})

	return s.mapErr(err)
}

// badgerWatchMarker prefixes the keys Watch writes to detect when its own
// subscription is attached. Watchers never report them.
const badgerWatchMarker = "\x00libstem:watch:"

const badgerWatchMarkerInterval = 10 * time.Millisecond

// Watch follows badger's subscription feed in a goroutine. Badger attaches
// subscribers asynchronously, so Watch keeps writing a marker key under the
// prefix until the feed reports it; writes committed after Watch returns are
// always reported.
func (s *BadgerStorage) Watch(ctx context.Context, fn WatchFunc) (func(), error) {
	if s.db.IsClosed() {
		return nil, ErrStorageClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	q := newMutationQueue()

	var (
		marker    = string(s.prefix) + badgerWatchMarker + uuid.NewString()
		ready     = make(chan struct{})
		readyOnce sync.Once
		ended     = make(chan error, 1)
	)

	go q.run(ctx, fn)

	go func() {
		defer q.close()

		err := s.db.Subscribe(ctx, func(kvs *badger.KVList) error {
			for _, kv := range kvs.Kv {
				key := string(kv.Key)
				if s.isMarker(key) {
					if key == marker {
						readyOnce.Do(func() { close(ready) })
					}
					continue
				}
				q.push(Mutation{Key: key})
			}
			return nil
		}, []pb.Match{{Prefix: s.prefix}})

		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Errorf("subscription ended: %s", err)
		}
		ended <- err
	}()

	resend := time.NewTicker(badgerWatchMarkerInterval)
	defer resend.Stop()

	for {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(marker), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
		})
		if err != nil {
			cancel()
			return nil, s.mapErr(err)
		}

		select {
		case <-ready:
			if err := s.db.Update(func(txn *badger.Txn) error {
				return txn.Delete([]byte(marker))
			}); err != nil {
				s.logger.Warnf("cannot remove watch marker: %s", err)
			}
			return cancel, nil
		case err := <-ended:
			cancel()
			if err == nil {
				err = ErrStorageClosed
			}
			return nil, s.mapErr(err)
		case <-ctx.Done():
			cancel()
			return nil, ctx.Err()
		case <-resend.C:
		}
	}
}

func (s *BadgerStorage) isMarker(key string) bool {
	return strings.HasPrefix(key[len(s.prefix):], badgerWatchMarker)
}

func (s *BadgerStorage) Close() error {
	return s.db.Close()
}

func (s *BadgerStorage) mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrKeyNotFound):
		return ErrKeyNotFound
	case errors.Is(err, badger.ErrDBClosed):
		return errors.Wrap(ErrStorageClosed, err.Error())
	default:
		return err
	}
}

// badgerLogger routes badger's internal logging to a Logger.
type badgerLogger struct {
	logger Logger
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.logger.Error(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.logger.Warn(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.logger.Info(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.logger.Debug(fmt.Sprintf(format, args...))
}
