package syncbus

import (
	"context"
	"os"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/google/uuid"
)

func newKafkaBus(t *testing.T) (*KafkaBus, context.Context) {
	t.Helper()
	addr := os.Getenv("LATCH_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("LATCH_TEST_KAFKA_ADDR not set, skipping Kafka integration tests")
	}
	t.Logf("TestKafkaBus: using real Kafka at %s", addr)

	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest

	bus, err := NewKafkaBus([]string{addr}, config)
	if err != nil {
		t.Fatalf("NewKafkaBus: %v", err)
	}
	t.Cleanup(func() {
		_ = bus.Close()
	})
	return bus, context.Background()
}

func TestKafkaBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus, ctx := newKafkaBus(t)
	topic := "latch-test-" + uuid.NewString()

	ch, err := bus.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// the partition consumer starts at the newest offset
	time.Sleep(2 * time.Second)

	if err := bus.Publish(ctx, topic); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
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

func TestKafkaBusContextBasedUnsubscribe(t *testing.T) {
	bus, _ := newKafkaBus(t)
	topic := "latch-test-unsub-" + uuid.NewString()

	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
}

func TestNewKafkaBusNoBrokers(t *testing.T) {
	if _, err := NewKafkaBus(nil, nil); err == nil {
		t.Fatal("expected error without brokers")
	}
}

func TestKafkaTopicNames(t *testing.T) {
	if got := topicReplacer.Replace("latch:jobs/nightly:released"); got != "latch.jobs_nightly.released" {
		t.Fatalf("unexpected topic %q", got)
	}
}
