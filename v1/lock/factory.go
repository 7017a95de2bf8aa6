package lock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-latch/v1/metrics"
)

// acquirer is the backend half of a lock. One acquirer serves one handle and
// its calls are serialized by the handle, except check and usable which may
// run concurrently with the watchdog.
type acquirer interface {
	// acquire returns false with a nil error when ctx is done or, for a
	// single attempt, when the resource is busy.
	acquire(ctx context.Context, at attempt) (bool, error)
	check(ctx context.Context, token string) (bool, error)
	// renew extends the lease; false means ownership was lost.
	renew(ctx context.Context, token string, expiry time.Duration) (bool, error)
	release(ctx context.Context, token string) error
	// renews reports whether the watchdog applies to this backend.
	renews() bool
	usable() bool
	close() error
}

// expirer is implemented by backends that have no clock authority of their
// own and must expire abandoned leases themselves.
type expirer interface {
	expired(token string) bool
}

type attempt struct {
	token  string
	expiry time.Duration
	once   bool
}

// base carries the state shared by every Factory implementation.
type base struct {
	scope   Scope
	opts    factoryOptions
	metrics *metrics.LockMetrics
	closed  atomic.Bool
}

func (b *base) Scope() Scope { return b.scope }
func (b *base) DefaultTimeout() time.Duration { return b.opts.timeout }
func (b *base) DefaultExpiry() time.Duration { return b.opts.expiry }

func (b *base) create(resource string, opts []CreateOption, newAcquirer func(resource string) (acquirer, error)) (Lock, error) {
	if resource == "" {
		return nil, invalidArgument("empty resource")
	}
	if b.closed.Load() {
		return nil, ErrDisposed
	}
	co := createOptions{timeout: b.opts.timeout, expiry: b.opts.expiry}
	for _, opt := range opts {
		opt(&co)
	}
	if err := validateDurations(co.timeout, co.expiry); err != nil {
		return nil, err
	}
	acq, err := newAcquirer(resource)
	if err != nil {
		return nil, err
	}
	return &handle{
		key:     resource,
		token:   newToken(),
		timeout: co.timeout,
		expiry:  co.expiry,
		scope:   b.scope,
		acq:     acq,
		log:     b.opts.logger,
		metrics: b.metrics,
	}, nil
}

// shut marks the factory closed and reports whether this call did it.
func (b *base) shut() bool {
	return b.closed.CompareAndSwap(false, true)
}
