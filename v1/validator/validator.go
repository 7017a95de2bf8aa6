// Package validator audits held locks in the background. It periodically
// confirms with the backend that each tracked lock is still owned and
// reacts when ownership was lost behind the holder's back.
package validator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-latch/v1/lock"
)

// Mode defines validator behaviour.
type Mode int

const (
	// ModeNoop only counts lost locks.
	ModeNoop Mode = iota
	// ModeAlert counts and logs lost locks.
	ModeAlert
	// ModeAutoHeal logs lost locks and closes them, so the holder sees a
	// disposed lock instead of a stale one.
	ModeAutoHeal
)

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger, slog.Default() otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.log = l }
}

// Validator periodically re-checks tracked locks.
type Validator struct {
	mode     Mode
	interval time.Duration
	log      *slog.Logger

	mu    sync.Mutex
	locks map[lock.Lock]struct{}

	lost   atomic.Uint64
	checks atomic.Uint64
}

// New creates a new Validator.
func New(mode Mode, interval time.Duration, opts ...Option) *Validator {
	v := &Validator{mode: mode, interval: interval, log: slog.Default(), locks: make(map[lock.Lock]struct{})}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Track adds an acquired lock to the audit. It reports false for a lock
// that is not currently held.
func (v *Validator) Track(l lock.Lock) bool {
	if !l.Acquired() {
		return false
	}
	v.mu.Lock()
	v.locks[l] = struct{}{}
	v.mu.Unlock()
	return true
}

// Untrack removes l from the audit.
func (v *Validator) Untrack(l lock.Lock) {
	v.mu.Lock()
	delete(v.locks, l)
	v.mu.Unlock()
}

// Tracked returns the number of locks under audit.
func (v *Validator) Tracked() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.locks)
}

// Run starts the validation loop.
func (v *Validator) Run(ctx context.Context) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.Scan(ctx)
		}
	}
}

// Scan checks every tracked lock once.
func (v *Validator) Scan(ctx context.Context) {
	v.mu.Lock()
	locks := make([]lock.Lock, 0, len(v.locks))
	for l := range v.locks {
		locks = append(locks, l)
	}
	v.mu.Unlock()

	for _, l := range locks {
		if ctx.Err() != nil {
			return
		}
		v.check(ctx, l)
	}
}

func (v *Validator) check(ctx context.Context, l lock.Lock) {
	if l.State() == lock.StateClosed {
		v.Untrack(l)
		return
	}
	held := false
	if l.Acquired() {
		ok, err := l.CheckLocked(ctx)
		v.checks.Add(1)
		switch {
		case errors.Is(err, lock.ErrDisposed):
			v.Untrack(l)
			return
		case err != nil:
			// the backend is unreachable, ownership is unknown
			v.log.Warn("latch: validator check failed", "key", l.Key(), "error", err)
			return
		}
		held = ok
	}
	if held {
		return
	}

	v.lost.Add(1)
	v.Untrack(l)
	switch v.mode {
	case ModeAlert:
		v.log.Warn("latch: lock ownership lost", "key", l.Key(), "token", l.Token())
	case ModeAutoHeal:
		v.log.Warn("latch: lock ownership lost, closing", "key", l.Key(), "token", l.Token())
		_ = l.Close()
	}
}

// Metrics returns number of lost locks detected.
func (v *Validator) Metrics() uint64 {
	return v.lost.Load()
}

// Checks returns the number of backend checks performed.
func (v *Validator) Checks() uint64 {
	return v.checks.Load()
}
