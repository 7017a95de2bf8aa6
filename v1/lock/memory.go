package lock

import (
	"context"
	"sync"
	"time"
)

// LocalFactory creates process-scoped locks backed by a Registry.
type LocalFactory struct {
	base
	reg *Registry
}

// NewLocalFactory returns a factory using reg. Defaults are an infinite
// timeout and an infinite expiry.
func NewLocalFactory(reg *Registry, opts ...FactoryOption) (*LocalFactory, error) {
	if reg == nil {
		return nil, invalidArgument("nil registry")
	}
	o, m, err := newFactoryOptions(Infinite, Infinite, opts)
	if err != nil {
		return nil, err
	}
	return &LocalFactory{base: base{scope: ScopeProcess, opts: o, metrics: m}, reg: reg}, nil
}

// Create implements Factory.
func (f *LocalFactory) Create(resource string, opts ...CreateOption) (Lock, error) {
	return f.create(resource, opts, func(resource string) (acquirer, error) {
		return &localLock{reg: f.reg, key: f.opts.namespace + ":" + resource, poll: f.opts.maxPollInterval}, nil
	})
}

// Close implements Factory. The registry is left untouched.
func (f *LocalFactory) Close() error {
	f.shut()
	return nil
}

type localLock struct {
	reg  *Registry
	key  string
	poll time.Duration

	mu  sync.Mutex
	sem *semaphore
}

func (l *localLock) acquire(ctx context.Context, at attempt) (bool, error) {
	// Drop the entry of a previous attempt whose lease was lost.
	l.drop("")
	s := l.reg.join(l.key)
	if s.tryTake() {
		return l.granted(s, at), nil
	}
	if at.once {
		l.reg.leave(l.key, s)
		return false, nil
	}

	// The permit channel blocks natively; the ticker only exists to take
	// back leases whose holder stopped renewing.
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		select {
		case s.permit <- struct{}{}:
			return l.granted(s, at), nil
		case <-ticker.C:
			s.reclaim()
		case <-ctx.Done():
			l.reg.leave(l.key, s)
			return false, nil
		}
	}
}

func (l *localLock) granted(s *semaphore, at attempt) bool {
	s.grant(at.token, at.expiry)
	l.mu.Lock()
	l.sem = s
	l.mu.Unlock()
	return true
}

func (l *localLock) current() *semaphore {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sem
}

func (l *localLock) check(_ context.Context, token string) (bool, error) {
	s := l.current()
	return s != nil && s.holds(token), nil
}

func (l *localLock) renew(_ context.Context, token string, expiry time.Duration) (bool, error) {
	s := l.current()
	return s != nil && s.extend(token, expiry), nil
}

func (l *localLock) expired(token string) bool {
	s := l.current()
	return s != nil && s.lapsed(token)
}

func (l *localLock) release(_ context.Context, token string) error {
	l.drop(token)
	return nil
}

// drop frees the permit if token still holds it and leaves the registry
// entry. An empty token only leaves the entry.
func (l *localLock) drop(token string) {
	l.mu.Lock()
	s := l.sem
	l.sem = nil
	l.mu.Unlock()
	if s == nil {
		return
	}
	s.release(token)
	l.reg.leave(l.key, s)
}

func (l *localLock) renews() bool { return true }
func (l *localLock) usable() bool { return true }

// close drops the registry reference of a lock that lost its lease without
// being released.
func (l *localLock) close() error {
	l.drop("")
	return nil
}
