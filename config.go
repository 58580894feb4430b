package libstem

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory = "memory"
	DriverBadger = "badger"
	DriverRedis  = "redis"
	DriverRemote = "remote"
)

type EmitterConfig struct {
	Namespace    string `yaml:"namespace"`
	MaxListeners int    `yaml:"maxListeners"`
	// DeliverToSelf defaults to true when omitted.
	DeliverToSelf *bool         `yaml:"deliverToSelf"`
	SelfUIDTTL    time.Duration `yaml:"selfUidTtl"`
}

type StorageConfig struct {
	Driver string       `yaml:"driver"`
	Badger BadgerConfig `yaml:"badger"`
	Redis  RedisConfig  `yaml:"redis"`
	Remote RemoteConfig `yaml:"remote"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Emitter EmitterConfig `yaml:"emitter"`
	Storage StorageConfig `yaml:"storage"`
	Hub     HubConfig     `yaml:"hub"`
	Log     LogConfig     `yaml:"log"`
}

var (
	ErrConfigFileUnreadable      = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable  = errors.New("config file is unmarshallable")
	ErrBadgerDirMissing          = errors.New("storage.badger.dir is required unless inMemory is set")
	ErrRedisAddrMissing          = errors.New("storage.redis.addr is missing")
	ErrRemoteURLMissing          = errors.New("storage.remote.url is missing")
	ErrNegativeMaxListeners      = errors.New("emitter.maxListeners cannot be negative")
	ErrHubAddrMissing            = errors.New("hub.addr is missing")
	ErrRateLimitBurstMissing     = errors.New("hub.rateLimit.burst must be positive when a limit is set")
	ErrRemoteReconnectNegative   = errors.New("storage.remote.reconnectThreshold cannot be negative")
	ErrRemotePingIntervalInvalid = errors.New("storage.remote.pingInterval cannot be negative")
	ErrRemoteTimeoutNegative     = errors.New("storage.remote timeouts cannot be negative")
)

// DefaultConfig is what LoadConfig starts from before reading the file.
func DefaultConfig() Config {
	return Config{
		Emitter: EmitterConfig{
			Namespace:  DefaultNamespace,
			SelfUIDTTL: DefaultSelfUIDTTL,
		},
		Storage: StorageConfig{
			Driver: DriverMemory,
			Remote: RemoteConfig{
				HandshakeTimeout:   10 * time.Second,
				ReconnectThreshold: time.Minute,
			},
		},
		Hub: HubConfig{
			Addr:         ":7420",
			Path:         "/ws",
			MetricsPath:  "/metrics",
			SendBuffer:   256,
			PingInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(path string) (*Config, error) {
	bts, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(ErrConfigFileUnreadable, err.Error())
	}
	return ParseConfig(bts)
}

func ParseConfig(bts []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(bts, &cfg); err != nil {
		return nil, errors.Wrap(ErrConfigFileUnmarshallable, err.Error())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Emitter.MaxListeners < 0 {
		return ErrNegativeMaxListeners
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverBadger:
		if c.Storage.Badger.Dir == "" && !c.Storage.Badger.InMemory {
			return ErrBadgerDirMissing
		}
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			return ErrRedisAddrMissing
		}
	case DriverRemote:
		if c.Storage.Remote.URL == "" {
			return ErrRemoteURLMissing
		}
		if c.Storage.Remote.ReconnectThreshold < 0 {
			return ErrRemoteReconnectNegative
		}
		if c.Storage.Remote.PingInterval < 0 {
			return ErrRemotePingIntervalInvalid
		}
		if c.Storage.Remote.ConnectTimeout < 0 || c.Storage.Remote.WriteTimeout < 0 {
			return ErrRemoteTimeoutNegative
		}
	default:
		return errors.Wrapf(ErrUnknownDriver, "%q", c.Storage.Driver)
	}

	if c.Hub.Addr == "" {
		return ErrHubAddrMissing
	}
	if c.Hub.RateLimit.Limit > 0 && c.Hub.RateLimit.Burst <= 0 {
		return ErrRateLimitBurstMissing
	}

	return nil
}

// OpenStorage opens the storage driver selected in cfg.
func OpenStorage(ctx context.Context, cfg StorageConfig, logger Logger) (Storage, error) {
	if logger == nil {
		logger = noopLogger{}
	}

	var (
		s   Storage
		err error
	)

	switch cfg.Driver {
	case DriverMemory, "":
		s = NewMemoryStorage()
	case DriverBadger:
		s, err = OpenBadgerStorage(cfg.Badger, logger)
	case DriverRedis:
		s, err = OpenRedisStorage(ctx, cfg.Redis, logger)
	case DriverRemote:
		s, err = OpenRemoteStorage(ctx, cfg.Remote, logger)
	default:
		err = errors.Wrapf(ErrUnknownDriver, "%q", cfg.Driver)
	}

	if err != nil {
		return nil, err
	}
	return s, nil
}
