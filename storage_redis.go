package libstem

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Prefix restricts the keyspace channels subscribed to.
	Prefix string `yaml:"prefix"`
	// ConfigureNotifications enables keyspace events on the server with
	// CONFIG SET. Leave off when the server is configured out of band.
	ConfigureNotifications bool `yaml:"configureNotifications"`
}

// RedisStorage is a cross-process storage scope. Mutations are observed via
// redis keyspace notifications, so every process watching the same database
// sees every write, including its own.
type RedisStorage struct {
	client *redis.Client
	cfg    RedisConfig
	logger Logger
}

var _ Storage = (*RedisStorage)(nil)

func OpenRedisStorage(ctx context.Context, cfg RedisConfig, logger Logger) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "cannot reach redis at %s", cfg.Addr)
	}

	return NewRedisStorage(ctx, client, cfg, logger)
}

// NewRedisStorage wraps an existing client. cfg.Addr and credentials are
// ignored; DB must match the client's database.
func NewRedisStorage(ctx context.Context, client *redis.Client, cfg RedisConfig, logger Logger) (*RedisStorage, error) {
	if logger == nil {
		logger = noopLogger{}
	}

	s := &RedisStorage{
		client: client,
		cfg:    cfg,
		logger: logger.WithField("storage", "redis"),
	}

	if cfg.ConfigureNotifications {
		// K: keyspace channel, $: string commands
		if err := client.ConfigSet(ctx, "notify-keyspace-events", "K$").Err(); err != nil {
			return nil, errors.Wrap(err, "cannot enable keyspace notifications")
		}
	}

	return s, nil
}

func (s *RedisStorage) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	if errors.Is(err, redis.ErrClosed) {
		return "", ErrStorageClosed
	}
	return v, err
}

// Set always writes; redis notifies even when the value is unchanged.
func (s *RedisStorage) Set(ctx context.Context, key, value string) error {
	err := s.client.Set(ctx, key, value, 0).Err()
	if errors.Is(err, redis.ErrClosed) {
		return ErrStorageClosed
	}
	return err
}

func (s *RedisStorage) channelPrefix() string {
	return fmt.Sprintf("__keyspace@%d__:", s.cfg.DB)
}

// Watch subscribes to the keyspace channels of the configured prefix. It
// returns once redis confirmed the subscription.
func (s *RedisStorage) Watch(ctx context.Context, fn WatchFunc) (func(), error) {
	prefix := s.channelPrefix()
	ps := s.client.PSubscribe(ctx, prefix+s.cfg.Prefix+"*")

	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrap(err, "cannot subscribe to keyspace notifications")
	}

	ctx, cancel := context.WithCancel(ctx)
	q := newMutationQueue()

	go q.run(ctx, fn)

	go func() {
		defer q.close()
		defer ps.Close()

		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload != "set" {
					continue
				}
				q.push(Mutation{Key: strings.TrimPrefix(msg.Channel, prefix)})
			}
		}
	}()

	return cancel, nil
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}
