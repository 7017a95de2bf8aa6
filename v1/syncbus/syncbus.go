// Package syncbus carries lock release notifications between processes so
// that waiters on a polling backend can retry as soon as a lock is freed.
// Notifications are hints: a lost or duplicated message only costs a poll.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/syncbus")

// Bus provides a simple pub/sub mechanism keyed by topic.
type Bus interface {
	Publish(ctx context.Context, key string) error
	// Subscribe returns a channel receiving a value per notification. The
	// channel is closed on Unsubscribe or when ctx is done.
	Subscribe(ctx context.Context, key string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch chan struct{}) error
}

type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout tracks local subscribers per topic and delivers notifications to
// them without blocking. Every Bus implementation embeds one.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	pending   map[string]struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

func newFanout() fanout {
	return fanout{subs: make(map[string][]chan struct{}), pending: make(map[string]struct{})}
}

// begin marks key as being published. It returns false when a publish of
// the same key is already in flight, which makes the second one redundant.
func (f *fanout) begin(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pending[key]; ok {
		return false
	}
	f.pending[key] = struct{}{}
	return true
}

func (f *fanout) end(key string, err error) {
	f.mu.Lock()
	delete(f.pending, key)
	f.mu.Unlock()
	if err == nil {
		f.published.Add(1)
	}
}

// add registers a subscriber and reports whether it is the first for key.
func (f *fanout) add(key string) (chan struct{}, bool) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	first := len(f.subs[key]) == 0
	f.subs[key] = append(f.subs[key], ch)
	f.mu.Unlock()
	return ch, first
}

// remove closes ch and reports whether it was the last subscriber of key.
func (f *fanout) remove(key string, ch chan struct{}) (found, last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, key)
		return found, found
	}
	f.subs[key] = subs
	return found, false
}

func (f *fanout) deliver(key string) {
	f.mu.Lock()
	chans := append([]chan struct{}(nil), f.subs[key]...)
	f.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
			f.delivered.Add(1)
		default:
		}
	}
}

// closeAll closes every subscriber channel.
func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, subs := range f.subs {
		for _, c := range subs {
			close(c)
		}
		delete(f.subs, key)
	}
}

func unsubscribeOnDone(ctx context.Context, b Bus, key string, ch chan struct{}) {
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
}

func (f *fanout) Metrics() Metrics {
	return Metrics{Published: f.published.Load(), Delivered: f.delivered.Load()}
}

// InMemoryBus is a local implementation of Bus, used within one process and
// for testing.
type InMemoryBus struct {
	fanout
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{fanout: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	if !b.begin(key) {
		return nil // deduplicate
	}
	b.deliver(key)
	b.end(key, nil)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch, _ := b.add(key)
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.remove(key, ch)
	return nil
}
