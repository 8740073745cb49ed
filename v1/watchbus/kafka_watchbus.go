package watchbus

import (
	"context"
	"fmt"
	"sync"

	sarama "github.com/IBM/sarama"
)

type kafkaWatch struct {
	pc   sarama.PartitionConsumer
	done chan struct{}
	once sync.Once
}

func (w *kafkaWatch) stop() {
	w.once.Do(func() {
		close(w.done)
		_ = w.pc.Close()
	})
}

// KafkaWatchBus implements WatchBus on a Kafka topic per key. Watchers
// consume partition 0 from the newest offset.
type KafkaWatchBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	client   sarama.Client
	mu       sync.Mutex
	subs     map[chan []byte]*kafkaWatch
}

// NewKafkaWatchBus connects to the given brokers.
func NewKafkaWatchBus(brokers []string, cfg *sarama.Config) (*KafkaWatchBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("watchbus: kafka client: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("watchbus: kafka producer: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, fmt.Errorf("watchbus: kafka consumer: %w", err)
	}
	bus := NewKafkaWatchBusFrom(producer, consumer)
	bus.client = client
	return bus, nil
}

// NewKafkaWatchBusFrom builds a KafkaWatchBus on an existing producer and
// consumer.
func NewKafkaWatchBusFrom(producer sarama.SyncProducer, consumer sarama.Consumer) *KafkaWatchBus {
	return &KafkaWatchBus{
		producer: producer,
		consumer: consumer,
		subs:     make(map[chan []byte]*kafkaWatch),
	}
}

// Publish implements WatchBus.Publish.
func (b *KafkaWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	msg := &sarama.ProducerMessage{Topic: key, Value: sarama.ByteEncoder(data)}
	_, _, err := b.producer.SendMessage(msg)
	return err
}

// Watch implements WatchBus.Watch.
func (b *KafkaWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	pc, err := b.consumer.ConsumePartition(key, 0, sarama.OffsetNewest)
	if err != nil {
		return nil, fmt.Errorf("watchbus: kafka consume %s: %w", key, err)
	}
	w := &kafkaWatch{pc: pc, done: make(chan struct{})}
	ch := make(chan []byte, 1)

	b.mu.Lock()
	b.subs[ch] = w
	b.mu.Unlock()

	go func() {
		defer close(ch)
		for {
			select {
			case m, ok := <-pc.Messages():
				if !ok {
					return
				}
				select {
				case ch <- m.Value:
				case <-w.done:
					return
				case <-ctx.Done():
					_ = b.Unwatch(context.Background(), key, ch)
					return
				}
			case <-w.done:
				return
			case <-ctx.Done():
				_ = b.Unwatch(context.Background(), key, ch)
				return
			}
		}
	}()
	return ch, nil
}

// Unwatch implements WatchBus.Unwatch.
func (b *KafkaWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	w, ok := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ok {
		w.stop()
	}
	return nil
}

// Close stops every watcher and releases the producer and consumer.
func (b *KafkaWatchBus) Close() error {
	b.mu.Lock()
	watches := make([]*kafkaWatch, 0, len(b.subs))
	for ch, w := range b.subs {
		watches = append(watches, w)
		delete(b.subs, ch)
	}
	b.mu.Unlock()
	for _, w := range watches {
		w.stop()
	}
	perr := b.producer.Close()
	cerr := b.consumer.Close()
	if b.client != nil {
		_ = b.client.Close()
	}
	if perr != nil {
		return perr
	}
	return cerr
}
