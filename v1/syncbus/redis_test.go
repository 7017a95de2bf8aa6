package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

func newRedisBus(t *testing.T) (*RedisBus, context.Context) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisBus(client)
	t.Cleanup(func() {
		_ = bus.Close()
		_ = client.Close()
	})
	return bus, context.Background()
}

func TestRedisBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus, ctx := newRedisBus(t)
	ch, err := bus.Subscribe(ctx, "latch:key:released")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "latch:key:released"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}
	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	if metrics.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", metrics.Delivered)
	}
}

func TestRedisBusContextBasedUnsubscribe(t *testing.T) {
	bus, _ := newRedisBus(t)
	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
}

func TestRedisBusClosed(t *testing.T) {
	bus, ctx := newRedisBus(t)
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected subscriber channel closed")
	}
	if err := bus.Publish(ctx, "key"); !errors.Is(err, latcherrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed got %v", err)
	}
	if _, err := bus.Subscribe(ctx, "key"); !errors.Is(err, latcherrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed got %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
