package syncbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreakerBus decorates a Bus with circuit breaker logic. Release
// notifications are hints, so while the circuit is open they are dropped
// instead of piling up on a failing transport.
type CircuitBreakerBus struct {
	bus       Bus
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a new CircuitBreakerBus opening after threshold
// consecutive failures and probing again after timeout.
func NewCircuitBreaker(bus Bus, threshold int, timeout time.Duration) *CircuitBreakerBus {
	return &CircuitBreakerBus{bus: bus, threshold: threshold, timeout: timeout}
}

// IsHealthy returns true if the circuit is closed or ready for a probe.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state != stateOpen || time.Since(cb.lastFail) > cb.timeout
}

// allow reports whether a call may go through, moving an expired open
// circuit to half-open. Only one probe runs while half-open.
func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
	}
	return false
}

func (cb *CircuitBreakerBus) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.state = stateClosed
		cb.failures = 0
		return
	}
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

func (cb *CircuitBreakerBus) guard(call func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := call()
	cb.record(err)
	return err
}

// Publish implements Bus.Publish with circuit breaker logic.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, key string) error {
	return cb.guard(func() error { return cb.bus.Publish(ctx, key) })
}

// Subscribe implements Bus.Subscribe with circuit breaker logic.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	var ch chan struct{}
	err := cb.guard(func() error {
		var err error
		ch, err = cb.bus.Subscribe(ctx, key)
		return err
	})
	return ch, err
}

// Unsubscribe always reaches the underlying bus so subscriptions are never
// leaked by an open circuit.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	return cb.bus.Unsubscribe(ctx, key, ch)
}
