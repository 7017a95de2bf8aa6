package lock

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry holds the in-process semaphores shared by every LocalFactory
// built on it. Create one per process and pass it to NewLocalFactory.
type Registry struct {
	entries *xsync.MapOf[string, *semaphore]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: xsync.NewMapOf[string, *semaphore]()}
}

// Len returns the number of keys currently referenced by some lock.
func (r *Registry) Len() int {
	return r.entries.Size()
}

// join returns the semaphore for key, creating it if needed, and takes a
// reference on it.
func (r *Registry) join(key string) *semaphore {
	s, _ := r.entries.Compute(key, func(old *semaphore, loaded bool) (*semaphore, bool) {
		if !loaded {
			old = &semaphore{permit: make(chan struct{}, 1)}
		}
		old.refs++
		return old, false
	})
	return s
}

// leave drops a reference and removes the entry once nobody holds one, so
// the next contender starts from a fresh permit.
func (r *Registry) leave(key string, s *semaphore) {
	r.entries.Compute(key, func(old *semaphore, loaded bool) (*semaphore, bool) {
		if !loaded {
			return old, true
		}
		if old != s {
			return old, false
		}
		old.refs--
		return old, old.refs == 0
	})
}

// semaphore is a binary permit plus the token of its holder. A non-empty
// token implies the permit is taken.
type semaphore struct {
	permit chan struct{}
	refs   int // guarded by the registry map

	mu       sync.Mutex
	token    string
	deadline time.Time
}

func (s *semaphore) tryTake() bool {
	select {
	case s.permit <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *semaphore) grant(token string, expiry time.Duration) {
	s.mu.Lock()
	s.token = token
	s.deadline = leaseDeadline(expiry)
	s.mu.Unlock()
}

func (s *semaphore) holds(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return token != "" && s.token == token
}

func (s *semaphore) extend(token string, expiry time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" || s.token != token {
		return false
	}
	s.deadline = leaseDeadline(expiry)
	return true
}

func (s *semaphore) lapsed(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token == token && !s.deadline.IsZero() && time.Now().After(s.deadline)
}

// release frees the permit if token still holds it.
func (s *semaphore) release(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" || s.token != token {
		return false
	}
	s.free()
	return true
}

// reclaim frees the permit if its holder let the lease lapse.
func (s *semaphore) reclaim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" || s.deadline.IsZero() || time.Now().Before(s.deadline) {
		return false
	}
	s.free()
	return true
}

func (s *semaphore) free() {
	s.token = ""
	s.deadline = time.Time{}
	<-s.permit
}

func leaseDeadline(expiry time.Duration) time.Time {
	if expiry == Infinite {
		return time.Time{}
	}
	return time.Now().Add(expiry)
}
