package lock

import (
	"context"
	"time"
)

// Scope describes how far a lock's exclusion reaches.
type Scope int

const (
	// ScopeProcess locks are exclusive within one process.
	ScopeProcess Scope = iota
	// ScopeMachine locks are exclusive across processes on one host.
	ScopeMachine
	// ScopeCluster locks are exclusive across hosts sharing a backend.
	ScopeCluster
)

func (s Scope) String() string {
	switch s {
	case ScopeProcess:
		return "process"
	case ScopeMachine:
		return "machine"
	case ScopeCluster:
		return "cluster"
	}
	return "unknown"
}

// State is the lifecycle position of a Lock.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateAcquired
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateAcquired:
		return "acquired"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Lock is a handle on one acquisition attempt of a named resource.
//
// Wait and TryWait share a single acquisition routine. Wait reports backend
// failures as *AcquisitionError; TryWait only ever reports ErrDisposed. In
// both cases a timeout or cancelled context leaves Acquired() false and
// returns nil. Calling Wait on an acquired lock is a no-op.
type Lock interface {
	// Key is the resource name the lock was created for.
	Key() string
	// Token is the random value identifying this lock to the backend.
	Token() string
	Acquired() bool
	// Renewable reports whether the lock is held, open and its backend
	// connection is usable.
	Renewable() bool
	State() State
	Timeout() time.Duration
	Expiry() time.Duration

	Wait(ctx context.Context) error
	TryWait(ctx context.Context) error
	// CheckLocked asks the backend whether this lock's token is still the
	// current holder.
	CheckLocked(ctx context.Context) (bool, error)
	// Close stops the watchdog and releases the lock if it is still owned.
	// It is safe to call more than once.
	Close() error
}

// Factory creates locks for one backend.
type Factory interface {
	Scope() Scope
	DefaultTimeout() time.Duration
	DefaultExpiry() time.Duration
	// Create returns a new, not yet acquired, lock for resource.
	Create(resource string, opts ...CreateOption) (Lock, error)
	// Close rejects further Create calls. Locks already created keep
	// working.
	Close() error
}

// CreateAndWait creates a lock and waits for it, returning
// *AcquisitionError on backend failure.
func CreateAndWait(ctx context.Context, f Factory, resource string, opts ...CreateOption) (Lock, error) {
	l, err := f.Create(resource, opts...)
	if err != nil {
		return nil, err
	}
	if err := l.Wait(ctx); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

// CreateAndTryWait creates a lock and waits for it with try semantics. The
// returned lock may not be acquired.
func CreateAndTryWait(ctx context.Context, f Factory, resource string, opts ...CreateOption) (Lock, error) {
	l, err := f.Create(resource, opts...)
	if err != nil {
		return nil, err
	}
	if err := l.TryWait(ctx); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}
