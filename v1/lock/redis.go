package lock

import (
	"context"
	"math/rand/v2"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultLeaseExpiry is the default expiry of store-backed locks.
const DefaultLeaseExpiry = 15 * time.Minute

// LeaseFactory creates cluster-scoped locks on a LeaseStore. Keys are
// "<namespace>:<resource>".
type LeaseFactory struct {
	base
	store LeaseStore
}

// NewLeaseFactory returns a factory on store. Defaults are an infinite
// timeout and DefaultLeaseExpiry.
func NewLeaseFactory(store LeaseStore, opts ...FactoryOption) (*LeaseFactory, error) {
	if store == nil {
		return nil, invalidArgument("nil lease store")
	}
	o, m, err := newFactoryOptions(Infinite, DefaultLeaseExpiry, opts)
	if err != nil {
		return nil, err
	}
	return &LeaseFactory{base: base{scope: ScopeCluster, opts: o, metrics: m}, store: store}, nil
}

// NewRedisFactory returns a LeaseFactory on a Redis client. The client is
// only closed by Factory.Close when WithOwnedBackend is given.
func NewRedisFactory(client redis.UniversalClient, opts ...FactoryOption) (*LeaseFactory, error) {
	if client == nil {
		return nil, invalidArgument("nil redis client")
	}
	return NewLeaseFactory(NewRedisStore(client), opts...)
}

// Create implements Factory.
func (f *LeaseFactory) Create(resource string, opts ...CreateOption) (Lock, error) {
	return f.create(resource, opts, func(resource string) (acquirer, error) {
		return &leaseLock{f: f, key: f.opts.namespace + ":" + resource}, nil
	})
}

// Close implements Factory.
func (f *LeaseFactory) Close() error {
	if f.shut() && f.opts.ownsBackend {
		return f.store.Close()
	}
	return nil
}

type leaseLock struct {
	f   *LeaseFactory
	key string
}

func (l *leaseLock) acquire(ctx context.Context, at attempt) (bool, error) {
	ttl := at.expiry
	if ttl == Infinite {
		ttl = 0
	}

	var wake chan struct{}
	bus := l.f.opts.bus
	if bus != nil && !at.once {
		topic := l.releasedTopic()
		ch, err := bus.Subscribe(ctx, topic)
		if err != nil {
			l.f.opts.logger.Warn("latch: release subscription failed", "key", l.key, "error", err)
		} else {
			wake = ch
			defer func() { _ = bus.Unsubscribe(context.Background(), topic, ch) }()
		}
	}

	b := backoff{min: l.f.opts.pollInterval, max: l.f.opts.maxPollInterval}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	for {
		ok, err := l.f.store.Take(ctx, l.key, at.token, ttl)
		if err != nil {
			// The take may have been applied with only its reply lost.
			l.discard(at.token)
			if ctx.Err() != nil {
				return false, nil
			}
			return false, err
		}
		if ok || at.once {
			return ok, nil
		}
		timer.Reset(b.next())
		select {
		case <-ctx.Done():
			return false, nil
		case <-timer.C:
		case _, open := <-wake:
			if !open {
				wake = nil
			}
			timer.Stop()
		}
	}
}

func (l *leaseLock) releasedTopic() string {
	return l.key + ":released"
}

func (l *leaseLock) check(ctx context.Context, token string) (bool, error) {
	v, ok, err := l.f.store.Query(ctx, l.key)
	if err != nil {
		return false, err
	}
	return ok && v == token, nil
}

func (l *leaseLock) renew(ctx context.Context, token string, expiry time.Duration) (bool, error) {
	return l.f.store.Extend(ctx, l.key, token, expiry)
}

func (l *leaseLock) release(ctx context.Context, token string) error {
	ok, err := l.f.store.Release(ctx, l.key, token)
	if err != nil || !ok {
		return err
	}
	if bus := l.f.opts.bus; bus != nil {
		if err := bus.Publish(ctx, l.releasedTopic()); err != nil {
			l.f.opts.logger.Warn("latch: release notification failed", "key", l.key, "error", err)
		}
	}
	return nil
}

// discard releases token in case a failed take left it in the store.
func (l *leaseLock) discard(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := l.release(ctx, token); err != nil {
		l.f.opts.logger.Warn("latch: cleanup of failed take failed", "key", l.key, "error", err)
	}
}

func (l *leaseLock) renews() bool { return true }
func (l *leaseLock) usable() bool { return l.f.store.Connected() }
func (l *leaseLock) close() error { return nil }

// backoff grows the delay between polls exponentially from min to max and
// jitters each delay by up to half.
type backoff struct {
	min, max, cur time.Duration
}

func (b *backoff) next() time.Duration {
	if b.cur == 0 {
		b.cur = b.min
	} else if b.cur *= 2; b.cur > b.max {
		b.cur = b.max
	}
	half := b.cur / 2
	return half + rand.N(half+1)
}
