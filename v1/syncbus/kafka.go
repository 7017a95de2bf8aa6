package syncbus

import (
	"context"
	"errors"
	"strings"
	"sync"

	sarama "github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var errNoBrokers = errors.New("syncbus: no kafka brokers")

// topicReplacer maps characters Kafka rejects in topic names.
var topicReplacer = strings.NewReplacer(":", ".", "/", "_")

// KafkaBus implements Bus using a Kafka backend. Each key maps to a topic
// read from partition 0 at the newest offset.
type KafkaBus struct {
	fanout
	producer sarama.SyncProducer
	consumer sarama.Consumer

	subMu sync.Mutex
	subs  map[string]sarama.PartitionConsumer
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if len(brokers) == 0 {
		return nil, errNoBrokers
	}
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{
		fanout:   newFanout(),
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]sarama.PartitionConsumer),
	}, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, key string) error {
	if !b.begin(key) {
		return nil // deduplicate
	}
	_, span := tracer.Start(ctx, "syncbus.Kafka.Publish", trace.WithAttributes(attribute.String("syncbus.key", key)))
	defer span.End()
	_, _, err := b.producer.SendMessage(&sarama.ProducerMessage{Topic: topicReplacer.Replace(key), Value: sarama.StringEncoder("1")})
	if err != nil {
		span.RecordError(err)
	}
	b.end(key, err)
	return err
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	ch, first := b.add(key)
	if first {
		pc, err := b.consumer.ConsumePartition(topicReplacer.Replace(key), 0, sarama.OffsetNewest)
		if err != nil {
			b.remove(key, ch)
			return nil, err
		}
		b.subs[key] = pc
		go b.dispatch(pc, key)
	}
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer, key string) {
	for range pc.Messages() {
		b.deliver(key)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if _, last := b.remove(key, ch); !last {
		return nil
	}
	pc := b.subs[key]
	delete(b.subs, key)
	if pc == nil {
		return nil
	}
	return pc.Close()
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() error {
	b.subMu.Lock()
	for key, pc := range b.subs {
		_ = pc.Close()
		delete(b.subs, key)
	}
	b.subMu.Unlock()
	b.closeAll()
	_ = b.producer.Close()
	return b.consumer.Close()
}
