package syncbus

import (
	"context"
	"testing"
	"time"
)

func TestPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(context.Background(), "key"); err != nil {
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

func TestContextBasedUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "key")
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

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.subs["key"]; ok {
		t.Fatal("subscription still present after context cancel")
	}
}

func TestDeduplicatePendingKeys(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus.mu.Lock()
	bus.pending["key"] = struct{}{}
	bus.mu.Unlock()

	if err := bus.Publish(context.Background(), "key"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-ch:
		t.Fatal("unexpected publish when key pending")
	default:
	}

	metrics := bus.Metrics()
	if metrics.Published != 0 || metrics.Delivered != 0 {
		t.Fatalf("expected no traffic got %+v", metrics)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	ch, _ := bus.Subscribe(ctx, "key")
	for i := 0; i < 5; i++ {
		if err := bus.Publish(ctx, "key"); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	<-ch
	select {
	case <-ch:
		t.Fatal("notifications should coalesce in the subscriber buffer")
	default:
	}
	if m := bus.Metrics(); m.Published != 5 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewInMemoryBus()
	ch, _ := bus.Subscribe(context.Background(), "key")
	if err := bus.Unsubscribe(context.Background(), "key", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := bus.Unsubscribe(context.Background(), "key", ch); err != nil {
		t.Fatalf("second unsubscribe: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed")
	}
}
