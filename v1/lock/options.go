package lock

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

// Infinite disables a timeout or an expiry.
const Infinite time.Duration = -1

// DefaultNamespace prefixes every key, path and file a factory touches.
const DefaultNamespace = "latch"

const (
	defaultPollInterval    = 15 * time.Millisecond
	defaultMaxPollInterval = 150 * time.Millisecond
)

// CreateOption overrides a factory default for a single lock.
type CreateOption func(*createOptions)

type createOptions struct {
	timeout time.Duration
	expiry  time.Duration
}

// WithTimeout bounds how long Wait blocks. Zero means a single attempt and
// Infinite waits until the context is done.
func WithTimeout(d time.Duration) CreateOption {
	return func(o *createOptions) { o.timeout = d }
}

// WithExpiry sets the lease duration. Infinite disables the watchdog.
func WithExpiry(d time.Duration) CreateOption {
	return func(o *createOptions) { o.expiry = d }
}

// FactoryOption configures a Factory.
type FactoryOption func(*factoryOptions)

type factoryOptions struct {
	timeout         time.Duration
	expiry          time.Duration
	namespace       string
	pollInterval    time.Duration
	maxPollInterval time.Duration
	logger          *slog.Logger
	registerer      prometheus.Registerer
	bus             syncbus.Bus
	ownsBackend     bool
}

// WithDefaultTimeout sets the timeout used when Create gets no WithTimeout.
func WithDefaultTimeout(d time.Duration) FactoryOption {
	return func(o *factoryOptions) { o.timeout = d }
}

// WithDefaultExpiry sets the expiry used when Create gets no WithExpiry.
func WithDefaultExpiry(d time.Duration) FactoryOption {
	return func(o *factoryOptions) { o.expiry = d }
}

// WithNamespace replaces DefaultNamespace.
func WithNamespace(ns string) FactoryOption {
	return func(o *factoryOptions) { o.namespace = ns }
}

// WithPollInterval sets the minimum and maximum delay between two attempts
// of a polling backend.
func WithPollInterval(min, max time.Duration) FactoryOption {
	return func(o *factoryOptions) {
		o.pollInterval = min
		o.maxPollInterval = max
	}
}

// WithLogger sets the logger used for background failures.
func WithLogger(l *slog.Logger) FactoryOption {
	return func(o *factoryOptions) { o.logger = l }
}

// WithMetrics records lock metrics on reg.
func WithMetrics(reg prometheus.Registerer) FactoryOption {
	return func(o *factoryOptions) { o.registerer = reg }
}

// WithBus publishes release notifications on bus so that waiters of a
// polling backend retry immediately instead of sleeping.
func WithBus(bus syncbus.Bus) FactoryOption {
	return func(o *factoryOptions) { o.bus = bus }
}

// WithOwnedBackend makes Factory.Close also close the backend connection.
func WithOwnedBackend() FactoryOption {
	return func(o *factoryOptions) { o.ownsBackend = true }
}

func newFactoryOptions(timeout, expiry time.Duration, opts []FactoryOption) (factoryOptions, *metrics.LockMetrics, error) {
	o := factoryOptions{
		timeout:         timeout,
		expiry:          expiry,
		namespace:       DefaultNamespace,
		pollInterval:    defaultPollInterval,
		maxPollInterval: defaultMaxPollInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.namespace == "" {
		return o, nil, invalidArgument("empty namespace")
	}
	if o.pollInterval <= 0 || o.maxPollInterval < o.pollInterval {
		return o, nil, invalidArgument("poll interval %v..%v", o.pollInterval, o.maxPollInterval)
	}
	if err := validateDurations(o.timeout, o.expiry); err != nil {
		return o, nil, err
	}
	var m *metrics.LockMetrics
	if o.registerer != nil {
		var err error
		if m, err = metrics.NewLockMetrics(o.registerer); err != nil {
			return o, nil, err
		}
	}
	return o, m, nil
}

func validateDurations(timeout, expiry time.Duration) error {
	if timeout < 0 && timeout != Infinite {
		return invalidArgument("timeout %v", timeout)
	}
	if expiry <= 0 && expiry != Infinite {
		return invalidArgument("expiry %v", expiry)
	}
	return nil
}
