package libstem

import "time"

const (
	// DefaultNamespace is the key prefix used by localStorage based emitters,
	// so packets from both sides land on the same keys.
	DefaultNamespace = "__local_storage_emitter__"

	DefaultSelfUIDTTL = time.Minute
)

type options struct {
	namespace     string
	maxListeners  int
	deliverToSelf bool
	selfUIDTTL    time.Duration
	logger        Logger
	metrics       *Metrics
}

// Option configures a StorageEmitter.
type Option func(*options)

func defaultOptions() options {
	return options{
		namespace:     DefaultNamespace,
		deliverToSelf: true,
		selfUIDTTL:    DefaultSelfUIDTTL,
		logger:        noopLogger{},
	}
}

// WithNamespace sets the prefix prepended to every event name.
func WithNamespace(ns string) Option {
	return func(o *options) {
		o.namespace = ns
	}
}

// WithMaxListeners sets the leak warning threshold. 0 disables it.
func WithMaxListeners(n int) Option {
	return func(o *options) {
		o.maxListeners = n
	}
}

// WithDeliverToSelf controls whether packets written by this emitter are
// dispatched to its own listeners when the storage notifies the writer too.
func WithDeliverToSelf(deliver bool) Option {
	return func(o *options) {
		o.deliverToSelf = deliver
	}
}

// WithSelfUIDTTL sets how long own packet uids are remembered to recognize
// self-originated notifications. Only used when self delivery is disabled.
func WithSelfUIDTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.selfUIDTTL = ttl
		}
	}
}

func WithLogger(logger Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// EmitterOptions translates the emitter section of a config file into options.
func EmitterOptions(cfg EmitterConfig) []Option {
	opts := []Option{
		WithMaxListeners(cfg.MaxListeners),
		WithSelfUIDTTL(cfg.SelfUIDTTL),
	}
	if cfg.Namespace != "" {
		opts = append(opts, WithNamespace(cfg.Namespace))
	}
	if cfg.DeliverToSelf != nil {
		opts = append(opts, WithDeliverToSelf(*cfg.DeliverToSelf))
	}
	return opts
}
