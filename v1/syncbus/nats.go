package syncbus

import (
	"context"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const natsFlushTimeout = 2 * time.Second

// NATSBus implements Bus using a NATS backend. One NATS subscription is
// shared by all local subscribers of a subject.
type NATSBus struct {
	fanout
	conn *nats.Conn

	subMu sync.Mutex
	subs  map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{fanout: newFanout(), conn: conn, subs: make(map[string]*nats.Subscription)}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string) error {
	if !b.begin(key) {
		return nil // deduplicate
	}
	_, span := tracer.Start(ctx, "syncbus.NATS.Publish", trace.WithAttributes(attribute.String("syncbus.key", key)))
	defer span.End()
	err := b.conn.Publish(key, []byte("1"))
	if err != nil {
		span.RecordError(err)
	}
	b.end(key, err)
	return err
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	ch, first := b.add(key)
	if first {
		sub, err := b.conn.Subscribe(key, func(_ *nats.Msg) { b.deliver(key) })
		if err == nil {
			err = b.conn.FlushTimeout(natsFlushTimeout)
		}
		if err != nil {
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			b.remove(key, ch)
			return nil, err
		}
		b.subs[key] = sub
	}
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if _, last := b.remove(key, ch); !last {
		return nil
	}
	sub := b.subs[key]
	delete(b.subs, key)
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}
