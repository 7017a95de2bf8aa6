package syncbus

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

const redisBusTimeout = 5 * time.Second

// RedisBus implements Bus using Redis pub/sub. One PubSub connection is
// opened per subscribed key.
type RedisBus struct {
	fanout
	client redis.UniversalClient

	subMu  sync.Mutex
	subs   map[string]*redis.PubSub
	closed bool
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{fanout: newFanout(), client: client, subs: make(map[string]*redis.PubSub)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	b.subMu.Lock()
	closed := b.closed
	b.subMu.Unlock()
	if closed {
		return latcherrors.ErrConnectionClosed
	}
	if !b.begin(key) {
		return nil // deduplicate
	}
	ctx, span := tracer.Start(ctx, "syncbus.Redis.Publish", trace.WithAttributes(attribute.String("syncbus.key", key)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	err := b.client.Publish(ctx, key, "1").Err()
	if ctx.Err() == context.DeadlineExceeded {
		err = latcherrors.ErrTimeout
	}
	if err != nil {
		span.RecordError(err)
	}
	b.end(key, err)
	return err
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.closed {
		return nil, latcherrors.ErrConnectionClosed
	}
	ch, first := b.add(key)
	if first {
		ps := b.client.Subscribe(context.Background(), key)
		rctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		_, err := ps.Receive(rctx)
		cancel()
		if err != nil {
			_ = ps.Close()
			b.remove(key, ch)
			return nil, err
		}
		b.subs[key] = ps
		go b.dispatch(ps, key)
	}
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(ps *redis.PubSub, key string) {
	for range ps.Channel() {
		b.deliver(key)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if _, last := b.remove(key, ch); !last {
		return nil
	}
	ps := b.subs[key]
	delete(b.subs, key)
	if ps == nil {
		return nil
	}
	return ps.Close()
}

// Close stops every subscription. The client is left open.
func (b *RedisBus) Close() error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for key, ps := range b.subs {
		_ = ps.Close()
		delete(b.subs, key)
	}
	b.closeAll()
	return nil
}
